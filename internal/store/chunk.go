package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ocelotpotpie/BlockStore/internal/chunkloc"
	"github.com/ocelotpotpie/BlockStore/internal/names"
)

// ChunkStore is the sparse metadata table of one chunk: (block offset, name
// id) -> Value. Blocks without metadata take no space.
//
// All methods are safe for concurrent use.
type ChunkStore struct {
	loc   chunkloc.Loc
	names *names.Registry

	mu      sync.Mutex
	blocks  map[uint16]map[int]Value // offset index -> name id -> value
	count   int
	version uint64 // bumped on every mutation
	saved   uint64 // version last persisted
	evicted bool   // unloaded by the Store; all further use must re-resolve

	saveMu sync.Mutex // serializes persisting this chunk
}

// record is one table entry in encoding order.
type record struct {
	off  uint16
	name int
	val  Value
}

// NewChunkStore returns an empty, clean chunk.
func NewChunkStore(loc chunkloc.Loc, registry *names.Registry) *ChunkStore {
	return &ChunkStore{
		loc:    loc,
		names:  registry,
		blocks: make(map[uint16]map[int]Value),
	}
}

// Loc returns the chunk's location.
func (c *ChunkStore) Loc() chunkloc.Loc { return c.loc }

// Get returns the value stored under name at off.
func (c *ChunkStore) Get(off chunkloc.Offset, name int) (Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.blocks[off.Index()][name]
	return v, ok
}

// Set stores v under name at off, overwriting any previous value. Setting a
// KindNone value removes the entry.
func (c *ChunkStore) Set(off chunkloc.Offset, name int, v Value) error {
	_, err := c.set(off, name, v)
	return err
}

func (c *ChunkStore) set(off chunkloc.Offset, name int, v Value) (bool, error) {
	if !off.Valid() {
		return false, fmt.Errorf("%w: offset %v outside chunk", ErrOutOfRange, off)
	}
	if name < 0 || name >= c.names.Len() {
		return false, fmt.Errorf("%w: name id %d", ErrOutOfRange, name)
	}
	if v.IsNone() {
		return c.remove(off, name)
	}
	if !validValue(v) {
		return false, fmt.Errorf("%w: value of kind %s", ErrInvalidArgument, v.kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evicted {
		return false, errEvicted
	}
	idx := off.Index()
	block := c.blocks[idx]
	if block == nil {
		block = make(map[int]Value, 1)
		c.blocks[idx] = block
	}
	if old, ok := block[name]; ok {
		if old.Equal(v) {
			return false, nil
		}
	} else {
		c.count++
	}
	block[name] = v
	c.version++
	return true, nil
}

// Remove deletes the value stored under name at off. It reports whether an
// entry was removed.
func (c *ChunkStore) Remove(off chunkloc.Offset, name int) bool {
	removed, _ := c.remove(off, name)
	return removed
}

func (c *ChunkStore) remove(off chunkloc.Offset, name int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evicted {
		return false, errEvicted
	}
	idx := off.Index()
	block, ok := c.blocks[idx]
	if !ok {
		return false, nil
	}
	if _, ok := block[name]; !ok {
		return false, nil
	}
	delete(block, name)
	if len(block) == 0 {
		delete(c.blocks, idx)
	}
	c.count--
	c.version++
	return true, nil
}

// Clear removes every value at off and returns how many were removed.
func (c *ChunkStore) Clear(off chunkloc.Offset) int {
	n, _ := c.clear(off)
	return n
}

func (c *ChunkStore) clear(off chunkloc.Offset) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evicted {
		return 0, errEvicted
	}
	idx := off.Index()
	n := len(c.blocks[idx])
	if n == 0 {
		return 0, nil
	}
	delete(c.blocks, idx)
	c.count -= n
	c.version++
	return n, nil
}

// At returns a copy of all values at off keyed by name id.
func (c *ChunkStore) At(off chunkloc.Offset) map[int]Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	block := c.blocks[off.Index()]
	out := make(map[int]Value, len(block))
	for k, v := range block {
		out[k] = v
	}
	return out
}

// Entries returns a copy of the whole table.
func (c *ChunkStore) Entries() map[chunkloc.Offset]map[int]Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[chunkloc.Offset]map[int]Value, len(c.blocks))
	for idx, block := range c.blocks {
		cp := make(map[int]Value, len(block))
		for k, v := range block {
			cp[k] = v
		}
		out[chunkloc.OffsetFromIndex(idx)] = cp
	}
	return out
}

// Len returns the number of stored values.
func (c *ChunkStore) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// IsEmpty reports whether the chunk holds no values.
func (c *ChunkStore) IsEmpty() bool {
	return c.Len() == 0
}

// Dirty reports whether the chunk has changes not yet persisted.
func (c *ChunkStore) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version != c.saved
}

// snapshot returns all records sorted by (offset, name) together with the
// version they reflect.
func (c *ChunkStore) snapshot() ([]record, uint64) {
	c.mu.Lock()
	records := make([]record, 0, c.count)
	for idx, block := range c.blocks {
		for name, v := range block {
			records = append(records, record{off: idx, name: name, val: v})
		}
	}
	version := c.version
	c.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].off != records[j].off {
			return records[i].off < records[j].off
		}
		return records[i].name < records[j].name
	})
	return records, version
}

// markSaved records that version has been persisted. Later writes keep the
// chunk dirty.
func (c *ChunkStore) markSaved(version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version > c.saved {
		c.saved = version
	}
}

// setEvicted toggles whether mutations fail with errEvicted. A failed eviction
// clears the flag again.
func (c *ChunkStore) setEvicted(evicted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evicted = evicted
}

func (c *ChunkStore) isEvicted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evicted
}

// MarshalBinary encodes the chunk without compression.
func (c *ChunkStore) MarshalBinary() ([]byte, error) {
	records, _ := c.snapshot()
	return encodeChunk(records, CodecNone, nil)
}

// UnmarshalBinary replaces the table with the decoded contents of data. Data
// written with any codec is accepted. The chunk is clean afterwards.
func (c *ChunkStore) UnmarshalBinary(data []byte) error {
	comp, err := defaultCompressor()
	if err != nil {
		return err
	}
	records, err := decodeChunk(data, comp, c.names.Len())
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load(records)
	return nil
}

// load replaces the table. Caller must hold mu.
func (c *ChunkStore) load(records []record) {
	c.blocks = make(map[uint16]map[int]Value)
	c.count = 0
	for _, r := range records {
		block := c.blocks[r.off]
		if block == nil {
			block = make(map[int]Value, 1)
			c.blocks[r.off] = block
		}
		block[r.name] = r.val
		c.count++
	}
	c.version++
	c.saved = c.version
}
