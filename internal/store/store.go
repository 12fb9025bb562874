package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ocelotpotpie/BlockStore/internal/chunkloc"
	"github.com/ocelotpotpie/BlockStore/internal/names"
)

const (
	// NamesFile is the registry file inside the store directory.
	NamesFile = "names.dat"
	// ChunkDir is the FileBackend directory inside the store directory.
	ChunkDir = "chunks"
	// SQLiteFile is the SQLiteBackend database inside the store directory.
	SQLiteFile = "chunks.sqlite"

	BackendFile   = "file"
	BackendSQLite = "sqlite"

	DefaultMaxHeight = 256
)

// errEvicted is returned by ChunkStore mutations after the Store unloaded
// the chunk. The Store retries against the reloaded instance.
var errEvicted = errors.New("chunk evicted")

// Config configures the Store
type Config struct {
	Dir                string
	MaxHeight          int           // world height in blocks, default 256
	Backend            string        // "file" or "sqlite", default "file"
	Compression        string        // "none", "zstd" or "lz4", default "zstd"
	CheckpointInterval time.Duration // periodic FlushAll, 0 disables
	FlushWorkers       int           // parallel chunk saves, default runtime.NumCPU()
	MaxLoadedChunks    int           // evict oldest chunks beyond this, 0 = unbounded
	Logger             *zerolog.Logger

	// ChunkBackend overrides Backend with a caller-supplied implementation.
	ChunkBackend Backend
}

// Store partitions block metadata into chunks, loads them on first access
// and persists dirty ones on flush.
//
// At most one ChunkStore exists per Loc. Loads and evictions of a Loc run
// through one singleflight group, so concurrent first accesses share a
// single backend read and never observe a half-evicted chunk.
type Store struct {
	dir          string
	maxHeight    int
	codec        Codec
	flushWorkers int

	names      *names.Registry
	namesPath  string
	namesMu    sync.Mutex // serializes registry saves
	namesSaved int        // registry length at the last save

	backend Backend
	comp    *compressor

	mu       sync.RWMutex
	chunks   map[chunkloc.Loc]*ChunkStore
	corrupt  map[chunkloc.Loc]struct{} // persisted form failed to decode; guarded by mu
	flight   singleflight.Group
	resident *residency

	opMu      sync.RWMutex // held shared by mutations, exclusively by Close
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	// Background checkpoints
	checkpointStop chan struct{}
	checkpointDone chan struct{}

	stats  *StatsCollector
	logger zerolog.Logger
}

var _ WriteStore = (*Store)(nil)

// evictResult marks a singleflight result produced by Evict rather than by
// a load.
type evictResult struct{}

// Open opens or creates the store in cfg.Dir. The name registry is loaded
// before anything else; a corrupt registry fails Open.
func Open(cfg Config) (*Store, error) {
	// Apply defaults
	if cfg.MaxHeight == 0 {
		cfg.MaxHeight = DefaultMaxHeight
	}
	if cfg.Compression == "" {
		cfg.Compression = CodecZstd.String()
	}
	if cfg.FlushWorkers <= 0 {
		cfg.FlushWorkers = runtime.NumCPU()
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: empty store directory", ErrInvalidArgument)
	}
	if cfg.MaxHeight < 0 || cfg.MaxLoadedChunks < 0 {
		return nil, fmt.Errorf("%w: max height %d, max loaded chunks %d", ErrInvalidArgument, cfg.MaxHeight, cfg.MaxLoadedChunks)
	}
	codec, err := ParseCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if cfg.Backend, err = ParseBackend(cfg.Backend); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, err
	}

	namesPath := filepath.Join(cfg.Dir, NamesFile)
	registry, err := names.Load(namesPath)
	if err != nil {
		return nil, fmt.Errorf("load name registry: %w", err)
	}

	backend := cfg.ChunkBackend
	if backend == nil {
		backend, err = openBackend(cfg.Backend, cfg.Dir)
		if err != nil {
			return nil, err
		}
	}

	comp, err := newCompressor()
	if err != nil {
		backend.Close()
		return nil, err
	}

	s := &Store{
		dir:          cfg.Dir,
		maxHeight:    cfg.MaxHeight,
		codec:        codec,
		flushWorkers: cfg.FlushWorkers,

		names:      registry,
		namesPath:  namesPath,
		namesSaved: registry.Len(),

		backend:  backend,
		comp:     comp,
		chunks:   make(map[chunkloc.Loc]*ChunkStore),
		corrupt:  make(map[chunkloc.Loc]struct{}),
		resident: newResidency(cfg.MaxLoadedChunks),

		stats:  NewStatsCollector(),
		logger: logger.With().Str("component", "store").Logger(),
	}

	s.logger.Info().
		Str("dir", cfg.Dir).
		Str("backend", cfg.Backend).
		Str("compression", codec.String()).
		Int("names", registry.Len()).
		Msg("opened store")

	if cfg.CheckpointInterval > 0 {
		s.StartCheckpoints(cfg.CheckpointInterval)
	}
	return s, nil
}

// ParseBackend returns the canonical name of a chunk backend. Names are
// case-insensitive; empty selects BackendFile.
func ParseBackend(name string) (string, error) {
	switch kind := strings.ToLower(name); kind {
	case "":
		return BackendFile, nil
	case BackendFile, BackendSQLite:
		return kind, nil
	}
	return "", fmt.Errorf("%w: unknown backend %q", ErrInvalidArgument, name)
}

func openBackend(kind, dir string) (Backend, error) {
	switch kind {
	case BackendFile:
		return NewFileBackend(filepath.Join(dir, ChunkDir))
	case BackendSQLite:
		return OpenSQLiteBackend(filepath.Join(dir, SQLiteFile))
	}
	return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidArgument, kind)
}

// Close stops checkpoints, flushes every dirty chunk and closes the backend.
// Calling Close again returns the first result.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.StopCheckpoints()
		// Wait out mutations that started before closed was set.
		s.opMu.Lock()
		s.opMu.Unlock()
		flushErr := s.flushAll()
		s.closeErr = errors.Join(flushErr, s.backend.Close())
		s.comp.close()
		s.logger.Info().Err(s.closeErr).Msg("closed store")
	})
	return s.closeErr
}

// Names returns the registry shared by every chunk of the store.
func (s *Store) Names() *names.Registry { return s.names }

// MaxHeight returns the configured world height.
func (s *Store) MaxHeight() int { return s.maxHeight }

// locate maps pos to its chunk and offset, rejecting chunks the world does
// not have.
func (s *Store) locate(pos chunkloc.Pos) (chunkloc.Loc, chunkloc.Offset, error) {
	loc, off, err := chunkloc.Locate(pos)
	if err != nil {
		return loc, off, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := s.checkLoc(loc); err != nil {
		return loc, off, err
	}
	return loc, off, nil
}

func (s *Store) checkLoc(loc chunkloc.Loc) error {
	if !loc.Exists(s.maxHeight) {
		return fmt.Errorf("%w: chunk %v outside world height %d", ErrOutOfRange, loc, s.maxHeight)
	}
	return nil
}

func checkKey(key string) error {
	if err := names.ValidName(key); err != nil {
		return fmt.Errorf("%w: key: %v", ErrInvalidArgument, err)
	}
	return nil
}

func flightKey(loc chunkloc.Loc) string {
	return loc.FileName("")
}

// chunk returns the live chunk for loc, loading it on first access. When
// create is false and nothing is persisted for loc, it returns nil without
// keeping an empty chunk live.
func (s *Store) chunk(loc chunkloc.Loc, create bool) (*ChunkStore, error) {
	for {
		if s.closed.Load() {
			return nil, ErrClosed
		}
		s.mu.RLock()
		c := s.chunks[loc]
		s.mu.RUnlock()
		if c != nil && !c.isEvicted() {
			return c, nil
		}

		v, err, _ := s.flight.Do(flightKey(loc), func() (any, error) {
			return s.load(loc, create)
		})
		if _, ok := v.(evictResult); ok {
			// Waited out an eviction, successful or not; resolve again.
			continue
		}
		if err != nil {
			return nil, err
		}
		if c, _ := v.(*ChunkStore); c != nil {
			s.trimLoaded()
			return c, nil
		}
		if !create {
			return nil, nil
		}
		// Joined a load that did not create; try again with our own.
	}
}

// load runs inside the singleflight group for loc. A chunk already known to
// be corrupt is not read again until a save replaces it.
func (s *Store) load(loc chunkloc.Loc, create bool) (*ChunkStore, error) {
	s.mu.RLock()
	c := s.chunks[loc]
	_, corrupt := s.corrupt[loc]
	s.mu.RUnlock()
	if c != nil {
		return c, nil
	}

	start := time.Now()
	var data []byte
	var err error
	if !corrupt {
		data, err = s.backend.Load(loc)
	}
	switch {
	case corrupt:
		if !create {
			return nil, nil
		}
		c = NewChunkStore(loc, s.names)
	case errors.Is(err, ErrNotFound):
		s.stats.IncrementChunkMisses()
		if !create {
			return nil, nil
		}
		c = NewChunkStore(loc, s.names)
	case err != nil:
		return nil, fmt.Errorf("load chunk %v: %w", loc, err)
	default:
		c = NewChunkStore(loc, s.names)
		records, derr := decodeChunk(data, s.comp, s.names.Len())
		if derr != nil {
			s.setCorrupt(loc, true)
			s.stats.IncrementCorruptChunks()
			s.logger.Error().Err(derr).Stringer("chunk", loc).Int("bytes", len(data)).
				Msg("corrupt chunk, starting empty")
			if !create {
				return nil, nil
			}
		} else {
			c.load(records)
			s.stats.IncrementChunkLoads()
			s.logger.Debug().Stringer("chunk", loc).Int("records", len(records)).
				Dur("took", time.Since(start)).Msg("loaded chunk")
		}
	}

	s.mu.Lock()
	s.chunks[loc] = c
	s.mu.Unlock()
	s.resident.loaded(loc)
	return c, nil
}

func (s *Store) setCorrupt(loc chunkloc.Loc, corrupt bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if corrupt {
		s.corrupt[loc] = struct{}{}
	} else {
		delete(s.corrupt, loc)
	}
}

func (s *Store) isCorrupt(loc chunkloc.Loc) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.corrupt[loc]
	return ok
}

// mutate applies fn to the live chunk for loc, retrying when fn lost a race
// with an eviction.
func (s *Store) mutate(loc chunkloc.Loc, create bool, fn func(c *ChunkStore) error) error {
	s.opMu.RLock()
	defer s.opMu.RUnlock()
	for {
		c, err := s.chunk(loc, create)
		if err != nil {
			return err
		}
		if c == nil {
			return nil
		}
		err = fn(c)
		if errors.Is(err, errEvicted) {
			continue
		}
		return err
	}
}

// Get returns the value stored under key at pos.
func (s *Store) Get(pos chunkloc.Pos, key string) (Value, bool, error) {
	if err := checkKey(key); err != nil {
		return Value{}, false, err
	}
	loc, off, err := s.locate(pos)
	if err != nil {
		return Value{}, false, err
	}
	s.stats.IncrementReads()

	id, ok := s.names.Resolve(key, false)
	if !ok {
		return Value{}, false, nil
	}
	c, err := s.chunk(loc, false)
	if err != nil || c == nil {
		return Value{}, false, err
	}
	v, ok := c.Get(off, id)
	return v, ok, nil
}

// Set stores v under key at pos. A KindNone value removes the key.
func (s *Store) Set(pos chunkloc.Pos, key string, v Value) error {
	if v.IsNone() {
		return s.Remove(pos, key)
	}
	if err := checkKey(key); err != nil {
		return err
	}
	if !validValue(v) {
		return fmt.Errorf("%w: value of kind %s", ErrInvalidArgument, v.Kind())
	}
	loc, off, err := s.locate(pos)
	if err != nil {
		return err
	}

	id, _ := s.names.Resolve(key, true)
	return s.mutate(loc, true, func(c *ChunkStore) error {
		changed, err := c.set(off, id, v)
		if changed {
			s.stats.IncrementWrites()
		}
		return err
	})
}

// Remove deletes key at pos. Removing an absent key is a no-op.
func (s *Store) Remove(pos chunkloc.Pos, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	loc, off, err := s.locate(pos)
	if err != nil {
		return err
	}

	id, ok := s.names.Resolve(key, false)
	if !ok {
		return nil
	}
	return s.mutate(loc, false, func(c *ChunkStore) error {
		removed, err := c.remove(off, id)
		if removed {
			s.stats.IncrementWrites()
		}
		return err
	})
}

// Clear removes every key stored at pos.
func (s *Store) Clear(pos chunkloc.Pos) error {
	loc, off, err := s.locate(pos)
	if err != nil {
		return err
	}
	return s.mutate(loc, false, func(c *ChunkStore) error {
		n, err := c.clear(off)
		if n > 0 {
			s.stats.IncrementWrites()
		}
		return err
	})
}

// Metadata returns every key stored at pos.
func (s *Store) Metadata(pos chunkloc.Pos) (map[string]Value, error) {
	loc, off, err := s.locate(pos)
	if err != nil {
		return nil, err
	}
	s.stats.IncrementReads()

	c, err := s.chunk(loc, false)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return map[string]Value{}, nil
	}
	return names.TranslateKeys(s.names, c.At(off))
}

// ChunkMetadata returns the whole table of loc keyed by block offset.
func (s *Store) ChunkMetadata(loc chunkloc.Loc) (map[chunkloc.Offset]map[string]Value, error) {
	if err := s.checkLoc(loc); err != nil {
		return nil, err
	}
	s.stats.IncrementReads()

	c, err := s.chunk(loc, false)
	if err != nil {
		return nil, err
	}
	out := make(map[chunkloc.Offset]map[string]Value)
	if c == nil {
		return out, nil
	}
	for off, block := range c.Entries() {
		named, err := names.TranslateKeys(s.names, block)
		if err != nil {
			return nil, fmt.Errorf("chunk %v offset %v: %w", loc, off, err)
		}
		out[off] = named
	}
	return out, nil
}

// Evict flushes loc if dirty and unloads it. Evicting a chunk that is not
// loaded is a no-op. If the flush fails the chunk stays loaded and dirty.
func (s *Store) Evict(loc chunkloc.Loc) error {
	if s.closed.Load() {
		return ErrClosed
	}
	for {
		v, err, _ := s.flight.Do(flightKey(loc), func() (any, error) {
			return evictResult{}, s.evict(loc)
		})
		if _, ok := v.(evictResult); ok {
			return err
		}
		// Joined a load of loc; evict what it loaded.
	}
}

// evict runs inside the singleflight group for loc.
func (s *Store) evict(loc chunkloc.Loc) error {
	s.mu.RLock()
	c := s.chunks[loc]
	s.mu.RUnlock()
	if c == nil {
		return nil
	}

	c.setEvicted(true)
	if c.Dirty() {
		if err := s.saveNames(); err != nil {
			c.setEvicted(false)
			return err
		}
		if err := s.saveChunk(c); err != nil {
			c.setEvicted(false)
			return err
		}
	}

	s.mu.Lock()
	delete(s.chunks, loc)
	s.mu.Unlock()
	s.resident.forget(loc)
	s.stats.IncrementEvictions()
	s.logger.Debug().Stringer("chunk", loc).Msg("evicted chunk")
	return nil
}

// IsLoaded reports whether loc is live in memory.
func (s *Store) IsLoaded(loc chunkloc.Loc) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.chunks[loc]
	return ok
}

// Loaded returns the live chunks sorted by (x, y, z).
func (s *Store) Loaded() []chunkloc.Loc {
	s.mu.RLock()
	locs := make([]chunkloc.Loc, 0, len(s.chunks))
	for loc := range s.chunks {
		locs = append(locs, loc)
	}
	s.mu.RUnlock()
	sortLocs(locs)
	return locs
}

// PersistedChunks lists every chunk the backend holds, sorted by (x, y, z).
func (s *Store) PersistedChunks() ([]chunkloc.Loc, error) {
	var locs []chunkloc.Loc
	err := s.backend.List(func(loc chunkloc.Loc) bool {
		locs = append(locs, loc)
		return true
	})
	if err != nil {
		return nil, err
	}
	sortLocs(locs)
	return locs, nil
}

func sortLocs(locs []chunkloc.Loc) {
	sort.Slice(locs, func(i, j int) bool {
		a, b := locs[i], locs[j]
		if a.X != b.X {
			return a.X < b.X
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.Z < b.Z
	})
}

// Stats returns the current statistics.
func (s *Store) Stats() Stats {
	st := s.stats.Stats()
	s.mu.RLock()
	st.LoadedChunks = len(s.chunks)
	for _, c := range s.chunks {
		if c.Dirty() {
			st.DirtyChunks++
		}
	}
	s.mu.RUnlock()
	st.Names = s.names.Len()
	return st
}
