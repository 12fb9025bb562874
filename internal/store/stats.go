package store

import (
	"sync/atomic"
)

// StatsCollector collects and tracks statistics for the store
type StatsCollector struct {
	totalReads    uint64
	totalWrites   uint64
	chunkLoads    uint64
	chunkMisses   uint64
	chunkSaves    uint64
	chunkDeletes  uint64
	evictions     uint64
	flushes       uint64
	corruptChunks uint64
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{}
}

// IncrementReads atomically increments the read counter
func (s *StatsCollector) IncrementReads() {
	atomic.AddUint64(&s.totalReads, 1)
}

// IncrementWrites atomically increments the write counter
func (s *StatsCollector) IncrementWrites() {
	atomic.AddUint64(&s.totalWrites, 1)
}

func (s *StatsCollector) IncrementChunkLoads() {
	atomic.AddUint64(&s.chunkLoads, 1)
}

func (s *StatsCollector) IncrementChunkMisses() {
	atomic.AddUint64(&s.chunkMisses, 1)
}

func (s *StatsCollector) IncrementChunkSaves() {
	atomic.AddUint64(&s.chunkSaves, 1)
}

func (s *StatsCollector) IncrementChunkDeletes() {
	atomic.AddUint64(&s.chunkDeletes, 1)
}

func (s *StatsCollector) IncrementEvictions() {
	atomic.AddUint64(&s.evictions, 1)
}

func (s *StatsCollector) IncrementFlushes() {
	atomic.AddUint64(&s.flushes, 1)
}

func (s *StatsCollector) IncrementCorruptChunks() {
	atomic.AddUint64(&s.corruptChunks, 1)
}

// Stats returns the counter values. Gauges are filled in by Store.Stats.
func (s *StatsCollector) Stats() Stats {
	return Stats{
		TotalReads:    atomic.LoadUint64(&s.totalReads),
		TotalWrites:   atomic.LoadUint64(&s.totalWrites),
		ChunkLoads:    atomic.LoadUint64(&s.chunkLoads),
		ChunkMisses:   atomic.LoadUint64(&s.chunkMisses),
		ChunkSaves:    atomic.LoadUint64(&s.chunkSaves),
		ChunkDeletes:  atomic.LoadUint64(&s.chunkDeletes),
		Evictions:     atomic.LoadUint64(&s.evictions),
		Flushes:       atomic.LoadUint64(&s.flushes),
		CorruptChunks: atomic.LoadUint64(&s.corruptChunks),
	}
}
