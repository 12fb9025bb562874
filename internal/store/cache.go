package store

import (
	"sync"
	"sync/atomic"

	"github.com/ocelotpotpie/BlockStore/internal/chunkloc"
)

// residency bounds the number of live chunks. Chunks are evicted in the
// order they were loaded.
type residency struct {
	max int // 0 = unbounded

	mu    sync.Mutex
	order []chunkloc.Loc // FIFO order for eviction

	trimming atomic.Bool
}

func newResidency(max int) *residency {
	return &residency{max: max}
}

func (r *residency) loaded(loc chunkloc.Loc) {
	if r.max <= 0 {
		return
	}
	r.mu.Lock()
	r.order = append(r.order, loc)
	r.mu.Unlock()
}

func (r *residency) forget(loc chunkloc.Loc) {
	if r.max <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.order {
		if l == loc {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

func (r *residency) oldest() (chunkloc.Loc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		return chunkloc.Loc{}, false
	}
	return r.order[0], true
}

// trimLoaded evicts the oldest chunks until at most MaxLoadedChunks are live.
// Only one caller trims at a time; others return immediately.
func (s *Store) trimLoaded() {
	r := s.resident
	if r.max <= 0 || !r.trimming.CompareAndSwap(false, true) {
		return
	}
	defer r.trimming.Store(false)

	for {
		s.mu.RLock()
		n := len(s.chunks)
		s.mu.RUnlock()
		if n <= r.max {
			return
		}
		loc, ok := r.oldest()
		if !ok {
			return
		}
		if err := s.Evict(loc); err != nil {
			s.logger.Warn().Err(err).Stringer("chunk", loc).Msg("evict over chunk limit failed")
			return
		}
		// Evict is a no-op for a chunk that is no longer loaded.
		r.forget(loc)
	}
}
