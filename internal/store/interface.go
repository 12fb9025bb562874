package store

import (
	"errors"

	"github.com/ocelotpotpie/BlockStore/internal/chunkloc"
	"github.com/ocelotpotpie/BlockStore/internal/names"
)

var (
	// ErrNotFound is returned by a Backend when no persisted chunk exists.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument is returned for malformed inputs: non-finite
	// positions, empty or oversized keys, values of unknown kind.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrOutOfRange is returned for unknown name ids and for chunks outside
	// the world's addressable height.
	ErrOutOfRange = names.ErrOutOfRange

	// ErrCorrupt is returned when persisted chunk bytes cannot be decoded.
	ErrCorrupt = errors.New("corrupt chunk data")

	// ErrClosed is returned by operations on a closed Store.
	ErrClosed = errors.New("store closed")
)

// Stats holds statistics about the store.
type Stats struct {
	TotalReads    uint64
	TotalWrites   uint64
	ChunkLoads    uint64 // chunks read from the backend
	ChunkMisses   uint64 // first accesses with nothing persisted
	ChunkSaves    uint64
	ChunkDeletes  uint64 // persisted chunks removed because they became empty
	Evictions     uint64
	Flushes       uint64
	CorruptChunks uint64

	LoadedChunks int
	DirtyChunks  int
	Names        int
}

// ReadStore is the read side of the metadata API.
type ReadStore interface {
	Get(pos chunkloc.Pos, key string) (Value, bool, error)
	Metadata(pos chunkloc.Pos) (map[string]Value, error)
	ChunkMetadata(loc chunkloc.Loc) (map[chunkloc.Offset]map[string]Value, error)
	Stats() Stats
}

// WriteStore extends ReadStore with mutation and lifecycle hooks.
type WriteStore interface {
	ReadStore
	Set(pos chunkloc.Pos, key string, v Value) error
	Remove(pos chunkloc.Pos, key string) error
	Clear(pos chunkloc.Pos) error
	FlushAll() error
	Evict(loc chunkloc.Loc) error
}

// Backend persists encoded chunks. Implementations must make Save
// all-or-nothing: a crash leaves either the old or the new bytes.
type Backend interface {
	// Load returns the stored bytes, or ErrNotFound.
	Load(loc chunkloc.Loc) ([]byte, error)
	Save(loc chunkloc.Loc, data []byte) error
	// Delete removes the stored chunk; deleting an absent chunk is not an error.
	Delete(loc chunkloc.Loc) error
	// List calls fn for every stored chunk until fn returns false.
	List(fn func(loc chunkloc.Loc) bool) error
	Close() error
}
