package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ocelotpotpie/BlockStore/internal/chunkloc"
)

// FlushAll persists the name registry and then every dirty chunk. Chunks are
// saved in parallel; a chunk that fails stays dirty and the errors of all
// failed chunks are returned together, so calling FlushAll again retries
// exactly what is left.
func (s *Store) FlushAll() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.flushAll()
}

func (s *Store) flushAll() error {
	start := time.Now()

	// Chunks store name ids, so the registry must be durable first.
	if err := s.saveNames(); err != nil {
		return err
	}

	s.stats.IncrementFlushes()
	dirty := s.dirtyChunks()
	if len(dirty) == 0 {
		return nil
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(s.flushWorkers)
	for _, c := range dirty {
		g.Go(func() error {
			if err := s.saveChunk(c); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	ev := s.logger.Info()
	if err != nil {
		ev = s.logger.Error().Err(err).Int("failed", len(errs))
	}
	ev.Int("chunks", len(dirty)).Dur("took", time.Since(start)).Msg("flushed chunks")
	return err
}

// Flush persists loc if it is loaded and dirty.
func (s *Store) Flush(loc chunkloc.Loc) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.RLock()
	c := s.chunks[loc]
	s.mu.RUnlock()
	if c == nil || !c.Dirty() {
		return nil
	}
	if err := s.saveNames(); err != nil {
		return err
	}
	return s.saveChunk(c)
}

func (s *Store) dirtyChunks() []*ChunkStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var dirty []*ChunkStore
	for _, c := range s.chunks {
		if c.Dirty() {
			dirty = append(dirty, c)
		}
	}
	return dirty
}

// saveNames writes the registry if names were added since the last save.
func (s *Store) saveNames() error {
	s.namesMu.Lock()
	defer s.namesMu.Unlock()
	n := s.names.Len()
	if n == s.namesSaved {
		return nil
	}
	if err := s.names.Save(s.namesPath); err != nil {
		return fmt.Errorf("save name registry: %w", err)
	}
	s.namesSaved = n
	s.logger.Debug().Int("names", n).Msg("saved name registry")
	return nil
}

// ensureNamesSaved saves the registry again if records use a name registered
// after the last save.
func (s *Store) ensureNamesSaved(records []record) error {
	maxID := -1
	for _, r := range records {
		maxID = max(maxID, r.name)
	}
	s.namesMu.Lock()
	covered := maxID < s.namesSaved
	s.namesMu.Unlock()
	if covered {
		return nil
	}
	return s.saveNames()
}

// saveChunk persists the current state of c, deleting the persisted form if
// c is empty. On failure c stays dirty.
func (s *Store) saveChunk(c *ChunkStore) error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	records, version := c.snapshot()
	if len(records) == 0 {
		if err := s.backend.Delete(c.loc); err != nil {
			return fmt.Errorf("delete chunk %v: %w", c.loc, err)
		}
		c.markSaved(version)
		s.setCorrupt(c.loc, false)
		s.stats.IncrementChunkDeletes()
		return nil
	}

	if err := s.ensureNamesSaved(records); err != nil {
		return err
	}
	data, err := encodeChunk(records, s.codec, s.comp)
	if err != nil {
		return fmt.Errorf("encode chunk %v: %w", c.loc, err)
	}
	if err := s.backend.Save(c.loc, data); err != nil {
		return fmt.Errorf("save chunk %v: %w", c.loc, err)
	}
	c.markSaved(version)
	s.setCorrupt(c.loc, false)
	s.stats.IncrementChunkSaves()
	s.logger.Debug().Stringer("chunk", c.loc).Int("records", len(records)).
		Int("bytes", len(data)).Msg("saved chunk")
	return nil
}

// Rewrite loads every persisted chunk and saves it again with the store's
// compression, then unloads it. Chunks that fail to decode are skipped and
// reported in the returned count.
func (s *Store) Rewrite() (rewritten, corrupt int, err error) {
	locs, err := s.PersistedChunks()
	if err != nil {
		return 0, 0, err
	}
	for _, loc := range locs {
		c, err := s.chunk(loc, false)
		if err != nil {
			return rewritten, corrupt, err
		}
		if c == nil {
			if s.isCorrupt(loc) {
				corrupt++
			}
			continue
		}
		if err := s.saveChunk(c); err != nil {
			return rewritten, corrupt, err
		}
		rewritten++
		if err := s.Evict(loc); err != nil {
			return rewritten, corrupt, err
		}
	}
	return rewritten, corrupt, nil
}
