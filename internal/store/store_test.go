package store

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/ocelotpotpie/BlockStore/internal/chunkloc"
	"github.com/ocelotpotpie/BlockStore/internal/names"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errDisk = errors.New("disk failure")

// faultBackend wraps a Backend to count loads, delay them and fail writes.
type faultBackend struct {
	Backend
	loads    atomic.Int64
	failSave atomic.Bool
	gate     chan struct{} // when non-nil, Load waits for it to close
	onSave   func(loc chunkloc.Loc)
}

func (b *faultBackend) Load(loc chunkloc.Loc) ([]byte, error) {
	b.loads.Add(1)
	if b.gate != nil {
		<-b.gate
	}
	return b.Backend.Load(loc)
}

func (b *faultBackend) Save(loc chunkloc.Loc, data []byte) error {
	if b.failSave.Load() {
		return errDisk
	}
	if b.onSave != nil {
		b.onSave(loc)
	}
	return b.Backend.Save(loc, data)
}

func (b *faultBackend) Delete(loc chunkloc.Loc) error {
	if b.failSave.Load() {
		return errDisk
	}
	return b.Backend.Delete(loc)
}

func openTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newFaultBackend(t *testing.T, dir string) *faultBackend {
	t.Helper()
	fb, err := NewFileBackend(filepath.Join(dir, ChunkDir))
	if err != nil {
		t.Fatal(err)
	}
	return &faultBackend{Backend: fb}
}

func mustGet(t *testing.T, s *Store, pos chunkloc.Pos, key string) (Value, bool) {
	t.Helper()
	v, ok, err := s.Get(pos, key)
	if err != nil {
		t.Fatalf("Get(%v, %q): %v", pos, key, err)
	}
	return v, ok
}

func mustSet(t *testing.T, s *Store, pos chunkloc.Pos, key string, v Value) {
	t.Helper()
	if err := s.Set(pos, key, v); err != nil {
		t.Fatalf("Set(%v, %q): %v", pos, key, err)
	}
}

func chunkFile(dir string, loc chunkloc.Loc) string {
	return filepath.Join(dir, ChunkDir, loc.FileName(ChunkFileExt))
}

func TestOwnerScenario(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, Config{Dir: dir})
	pos := chunkloc.Pos{X: 17, Y: 5, Z: 3}

	mustSet(t, s, pos, "owner", String("Alice"))
	if !s.IsLoaded(chunkloc.Loc{X: 1}) {
		t.Fatal("chunk (1, 0, 0) should be live after Set")
	}
	v, ok := mustGet(t, s, pos, "owner")
	if got, _ := v.AsString(); !ok || got != "Alice" {
		t.Errorf("owner = %v, %v; want Alice", v, ok)
	}
	if _, ok := mustGet(t, s, pos, "locked"); ok {
		t.Error("locked should be absent")
	}
	if _, ok := mustGet(t, s, chunkloc.Pos{X: 16, Y: 5, Z: 3}, "owner"); ok {
		t.Error("neighbouring block must not share metadata")
	}

	md, err := s.Metadata(pos)
	if err != nil {
		t.Fatal(err)
	}
	if len(md) != 1 || !md["owner"].Equal(String("Alice")) {
		t.Errorf("Metadata = %v", md)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(chunkFile(dir, chunkloc.Loc{X: 1})); err != nil {
		t.Errorf("chunk file missing after Close: %v", err)
	}

	reopened := openTestStore(t, Config{Dir: dir})
	v, ok = mustGet(t, reopened, pos, "owner")
	if !ok || !v.Equal(String("Alice")) {
		t.Errorf("after reopen owner = %v, %v", v, ok)
	}
}

func TestNegativeCoordinates(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, Config{Dir: dir})
	pos := chunkloc.Pos{X: -1, Y: 63, Z: -0.5}

	mustSet(t, s, pos, "k", Int(7))
	loc := chunkloc.Loc{X: -1, Y: 0, Z: -1}
	md, err := s.ChunkMetadata(loc)
	if err != nil {
		t.Fatal(err)
	}
	off := chunkloc.Offset{X: 15, Y: 63, Z: 15}
	if !md[off]["k"].Equal(Int(7)) {
		t.Errorf("ChunkMetadata = %v, want k=7 at %v", md, off)
	}

	if err := s.FlushAll(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(chunkFile(dir, loc)); err != nil {
		t.Errorf("expected %s: %v", loc.FileName(ChunkFileExt), err)
	}
}

func TestInvalidArguments(t *testing.T) {
	s := openTestStore(t, Config{MaxHeight: 256})
	ok := chunkloc.Pos{X: 1, Y: 1, Z: 1}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"empty key", s.Set(ok, "", Int(1)), ErrInvalidArgument},
		{"bad utf8 key", s.Set(ok, "\xff", Int(1)), ErrInvalidArgument},
		{"nan", s.Set(chunkloc.Pos{X: math.NaN()}, "k", Int(1)), ErrInvalidArgument},
		{"inf", s.Remove(chunkloc.Pos{Z: math.Inf(1)}, "k"), ErrInvalidArgument},
		{"below world", s.Set(chunkloc.Pos{Y: -1}, "k", Int(1)), ErrOutOfRange},
		{"above world", s.Set(chunkloc.Pos{Y: 256}, "k", Int(1)), ErrOutOfRange},
		{"bad kind", s.Set(ok, "k", Value{kind: kindCount}), ErrInvalidArgument},
		{"clear below world", s.Clear(chunkloc.Pos{Y: -64}), ErrOutOfRange},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, tt.err, tt.want)
		}
	}
	if _, _, err := s.Get(chunkloc.Pos{Y: 1000}, "k"); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Get above world = %v", err)
	}
	if _, err := s.ChunkMetadata(chunkloc.Loc{Y: -1}); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("ChunkMetadata below world = %v", err)
	}
	if s.Names().Len() != 0 {
		t.Errorf("rejected writes registered %d names", s.Names().Len())
	}

	// Top block of the world is addressable.
	mustSet(t, s, chunkloc.Pos{Y: 255}, "k", Int(1))
}

func TestSetNoneRemoves(t *testing.T) {
	s := openTestStore(t, Config{})
	pos := chunkloc.Pos{X: 3, Y: 3, Z: 3}
	mustSet(t, s, pos, "k", Bool(true))
	mustSet(t, s, pos, "k", Value{})
	if _, ok := mustGet(t, s, pos, "k"); ok {
		t.Error("setting none must remove the key")
	}
	// None on an unknown key registers nothing.
	mustSet(t, s, pos, "never", Value{})
	if _, ok := s.Names().Resolve("never", false); ok {
		t.Error("removing an unknown key registered it")
	}
	if err := s.Remove(pos, "k"); err != nil {
		t.Errorf("Remove of absent key: %v", err)
	}
}

func TestClear(t *testing.T) {
	s := openTestStore(t, Config{})
	pos := chunkloc.Pos{X: 8, Y: 70, Z: 8}
	for _, k := range []string{"a", "b", "c"} {
		mustSet(t, s, pos, k, String(k))
	}
	mustSet(t, s, chunkloc.Pos{X: 9, Y: 70, Z: 8}, "a", String("keep"))

	if err := s.Clear(pos); err != nil {
		t.Fatal(err)
	}
	md, err := s.Metadata(pos)
	if err != nil {
		t.Fatal(err)
	}
	if len(md) != 0 {
		t.Errorf("Metadata after Clear = %v", md)
	}
	if v, _ := mustGet(t, s, chunkloc.Pos{X: 9, Y: 70, Z: 8}, "a"); !v.Equal(String("keep")) {
		t.Error("Clear touched a neighbouring block")
	}
	if err := s.Clear(chunkloc.Pos{X: 1000, Y: 0, Z: 1000}); err != nil {
		t.Errorf("Clear on unloaded chunk: %v", err)
	}
}

func TestEmptyChunkNotPersisted(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, Config{Dir: dir})
	origin := chunkloc.Loc{}
	pos := chunkloc.Pos{X: 2, Y: 2, Z: 2}

	// Never persisted, emptied before the first flush.
	mustSet(t, s, pos, "a", Int(1))
	if err := s.Remove(pos, "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.FlushAll(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(chunkFile(dir, origin)); !os.IsNotExist(err) {
		t.Fatalf("empty chunk was written: %v", err)
	}

	// Persisted, then emptied.
	mustSet(t, s, pos, "a", Int(1))
	mustSet(t, s, pos, "b", Int(2))
	if err := s.FlushAll(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(chunkFile(dir, origin)); err != nil {
		t.Fatalf("chunk file missing: %v", err)
	}
	s.Remove(pos, "a")
	s.Remove(pos, "b")
	if err := s.FlushAll(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(chunkFile(dir, origin)); !os.IsNotExist(err) {
		t.Errorf("emptied chunk file still present: %v", err)
	}
	if st := s.Stats(); st.ChunkDeletes != 2 || st.DirtyChunks != 0 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestGetDoesNotLoadEmptyChunk(t *testing.T) {
	s := openTestStore(t, Config{})
	mustSet(t, s, chunkloc.Pos{}, "k", Int(1))

	far := chunkloc.Pos{X: 500, Y: 10, Z: 500}
	if _, ok := mustGet(t, s, far, "k"); ok {
		t.Fatal("unexpected value")
	}
	md, err := s.Metadata(far)
	if err != nil || len(md) != 0 {
		t.Errorf("Metadata = %v, %v", md, err)
	}
	loc, _ := chunkloc.FromPos(far)
	if s.IsLoaded(loc) {
		t.Error("a read of an unpersisted chunk must not keep it live")
	}
	if got := s.Loaded(); len(got) != 1 || got[0] != (chunkloc.Loc{}) {
		t.Errorf("Loaded = %v", got)
	}
}

func TestConcurrentFirstLoad(t *testing.T) {
	dir := t.TempDir()
	pos := chunkloc.Pos{X: 40, Y: 100, Z: -40}
	seed := openTestStore(t, Config{Dir: dir})
	mustSet(t, seed, pos, "owner", String("Bob"))
	if err := seed.Close(); err != nil {
		t.Fatal(err)
	}

	fb := newFaultBackend(t, dir)
	fb.gate = make(chan struct{})
	s := openTestStore(t, Config{Dir: dir, ChunkBackend: fb})

	const readers = 16
	var wg sync.WaitGroup
	results := make([]string, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := s.Get(pos, "owner")
			if err != nil {
				results[i] = err.Error()
				return
			}
			results[i], _ = v.AsString()
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(fb.gate)
	wg.Wait()

	for i, r := range results {
		if r != "Bob" {
			t.Errorf("reader %d got %q", i, r)
		}
	}
	if n := fb.loads.Load(); n != 1 {
		t.Errorf("backend loads = %d, want 1", n)
	}
}

func TestConcurrentFirstWrite(t *testing.T) {
	s := openTestStore(t, Config{})
	const writers = 32
	var wg sync.WaitGroup
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start.Wait()
			pos := chunkloc.Pos{X: float64(i % 16), Y: 1, Z: 1}
			if err := s.Set(pos, fmt.Sprintf("w%d", i), Int(int64(i))); err != nil {
				t.Errorf("Set: %v", err)
			}
		}(i)
	}
	start.Done()
	wg.Wait()

	md, err := s.ChunkMetadata(chunkloc.Loc{})
	if err != nil {
		t.Fatal(err)
	}
	total := 0
	for _, block := range md {
		total += len(block)
	}
	if total != writers {
		t.Errorf("chunk holds %d values, want %d; writes went to a duplicate instance", total, writers)
	}
}

func TestEvictFlushesAndReloads(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, Config{Dir: dir})
	pos := chunkloc.Pos{X: 100, Y: 10, Z: 100}
	loc, _ := chunkloc.FromPos(pos)

	if err := s.Evict(loc); err != nil {
		t.Errorf("Evict of unloaded chunk: %v", err)
	}

	mustSet(t, s, pos, "hp", Float(12.5))
	if err := s.Evict(loc); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if s.IsLoaded(loc) {
		t.Fatal("chunk still loaded after Evict")
	}
	if _, err := os.Stat(chunkFile(dir, loc)); err != nil {
		t.Fatalf("Evict did not persist dirty chunk: %v", err)
	}

	v, ok := mustGet(t, s, pos, "hp")
	if !ok || !v.Equal(Float(12.5)) {
		t.Errorf("after reload hp = %v, %v", v, ok)
	}
	st := s.Stats()
	if st.Evictions != 1 || st.ChunkLoads != 1 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestEvictRacesWriters(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, Config{Dir: dir})
	loc := chunkloc.Loc{X: 2, Y: 1, Z: 2}
	bx, by, bz := loc.Base()

	const writers, perWriter = 8, 50
	stop := make(chan struct{})
	var evictions sync.WaitGroup
	evictions.Add(1)
	go func() {
		defer evictions.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := s.Evict(loc); err != nil {
				t.Errorf("Evict: %v", err)
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				pos := chunkloc.Pos{X: float64(bx + int64(i%16)), Y: float64(by + int64(w)), Z: float64(bz)}
				if err := s.Set(pos, fmt.Sprintf("k%d", i), Int(int64(w*perWriter+i))); err != nil {
					t.Errorf("Set: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	evictions.Wait()

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	reopened := openTestStore(t, Config{Dir: dir})
	md, err := reopened.ChunkMetadata(loc)
	if err != nil {
		t.Fatal(err)
	}
	total := 0
	for _, block := range md {
		total += len(block)
	}
	if total != writers*perWriter {
		t.Errorf("persisted %d values, want %d", total, writers*perWriter)
	}
}

func TestCorruptChunkIsolated(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, Config{Dir: dir})
	good := chunkloc.Pos{X: 0, Y: 0, Z: 0}
	bad := chunkloc.Pos{X: 16, Y: 0, Z: 0}
	mustSet(t, s, good, "k", String("fine"))
	mustSet(t, s, bad, "k", String("lost"))
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	path := chunkFile(dir, chunkloc.Loc{X: 1})
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	s = openTestStore(t, Config{Dir: dir})
	if _, ok := mustGet(t, s, bad, "k"); ok {
		t.Error("corrupt chunk returned data")
	}
	if v, ok := mustGet(t, s, good, "k"); !ok || !v.Equal(String("fine")) {
		t.Errorf("healthy chunk = %v, %v", v, ok)
	}
	if st := s.Stats(); st.CorruptChunks != 1 {
		t.Errorf("CorruptChunks = %d, want 1", st.CorruptChunks)
	}

	// Writing to the corrupt chunk starts it empty and replaces the file.
	mustSet(t, s, bad, "k2", Bool(true))
	if err := s.FlushAll(); err != nil {
		t.Fatal(err)
	}
	md, err := s.ChunkMetadata(chunkloc.Loc{X: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(md) != 1 {
		t.Errorf("ChunkMetadata = %v", md)
	}
}

func TestCorruptChunkReadOnce(t *testing.T) {
	dir := t.TempDir()
	bad := chunkloc.Pos{X: 16, Y: 0, Z: 0}
	loc := chunkloc.Loc{X: 1}
	s := openTestStore(t, Config{Dir: dir})
	mustSet(t, s, bad, "k", String("lost"))
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(chunkFile(dir, loc), []byte("BSCK garbage"), 0644); err != nil {
		t.Fatal(err)
	}

	fb := newFaultBackend(t, dir)
	s = openTestStore(t, Config{Dir: dir, ChunkBackend: fb})
	for i := 0; i < 5; i++ {
		if _, ok := mustGet(t, s, bad, "k"); ok {
			t.Fatal("corrupt chunk returned data")
		}
		if md, err := s.Metadata(bad); err != nil || len(md) != 0 {
			t.Fatalf("Metadata = %v, %v", md, err)
		}
	}
	if got := fb.loads.Load(); got != 1 {
		t.Errorf("backend loads = %d, want 1", got)
	}
	if st := s.Stats(); st.CorruptChunks != 1 {
		t.Errorf("CorruptChunks = %d, want 1", st.CorruptChunks)
	}
	if s.IsLoaded(loc) {
		t.Error("corrupt chunk kept loaded by reads")
	}

	// A saved write replaces the file and the chunk is read normally again.
	mustSet(t, s, bad, "k", String("new"))
	if fb.loads.Load() != 1 {
		t.Error("write re-read a known corrupt chunk")
	}
	if err := s.Evict(loc); err != nil {
		t.Fatal(err)
	}
	if v, ok := mustGet(t, s, bad, "k"); !ok || !v.Equal(String("new")) {
		t.Errorf("Get after rewrite = %v, %v", v, ok)
	}
	if got := fb.loads.Load(); got != 2 {
		t.Errorf("backend loads = %d, want 2", got)
	}
}

func TestCorruptRegistryFailsOpen(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, NamesFile), []byte{0, 0, 0, 9, 0}, 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(Config{Dir: dir})
	if !errors.Is(err, names.ErrCorrupt) {
		t.Errorf("Open = %v, want names.ErrCorrupt", err)
	}
}

func TestRegistrySavedBeforeChunks(t *testing.T) {
	dir := t.TempDir()
	fb := newFaultBackend(t, dir)
	var checked atomic.Int64
	fb.onSave = func(loc chunkloc.Loc) {
		reg, err := names.Load(filepath.Join(dir, NamesFile))
		if err != nil {
			t.Errorf("load registry during chunk save: %v", err)
			return
		}
		if _, ok := reg.Resolve("late-key", false); !ok {
			t.Errorf("chunk %v saved before the registry held its names", loc)
		}
		checked.Add(1)
	}
	s := openTestStore(t, Config{Dir: dir, ChunkBackend: fb})

	mustSet(t, s, chunkloc.Pos{X: 1, Y: 1, Z: 1}, "early-key", Int(1))
	mustSet(t, s, chunkloc.Pos{X: 1, Y: 1, Z: 1}, "late-key", Int(2))
	if err := s.FlushAll(); err != nil {
		t.Fatal(err)
	}
	if checked.Load() != 1 {
		t.Errorf("saved %d chunks, want 1", checked.Load())
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	reopened := openTestStore(t, Config{Dir: dir})
	for i, k := range []string{"early-key", "late-key"} {
		if id, ok := reopened.Names().Resolve(k, false); !ok || id != i {
			t.Errorf("Resolve(%q) = %d, %v; want %d", k, id, ok, i)
		}
	}
}

func TestFlushFailureKeepsDirty(t *testing.T) {
	dir := t.TempDir()
	fb := newFaultBackend(t, dir)
	s := openTestStore(t, Config{Dir: dir, ChunkBackend: fb})
	pos := chunkloc.Pos{X: 5, Y: 5, Z: 5}
	loc, _ := chunkloc.FromPos(pos)
	mustSet(t, s, pos, "k", String("v"))

	fb.failSave.Store(true)
	if err := s.FlushAll(); !errors.Is(err, errDisk) {
		t.Fatalf("FlushAll = %v, want errDisk", err)
	}
	if st := s.Stats(); st.DirtyChunks != 1 {
		t.Errorf("DirtyChunks = %d after failed flush, want 1", st.DirtyChunks)
	}
	if err := s.Evict(loc); !errors.Is(err, errDisk) {
		t.Fatalf("Evict = %v, want errDisk", err)
	}
	if !s.IsLoaded(loc) {
		t.Fatal("failed eviction must keep the chunk loaded")
	}
	// Writes still land after the failed eviction.
	mustSet(t, s, pos, "k2", String("v2"))

	fb.failSave.Store(false)
	if err := s.FlushAll(); err != nil {
		t.Fatalf("retry FlushAll: %v", err)
	}
	if st := s.Stats(); st.DirtyChunks != 0 {
		t.Errorf("DirtyChunks = %d after retry, want 0", st.DirtyChunks)
	}
	if err := s.Evict(loc); err != nil {
		t.Fatal(err)
	}
	md, err := s.Metadata(pos)
	if err != nil {
		t.Fatal(err)
	}
	if len(md) != 2 {
		t.Errorf("Metadata after reload = %v", md)
	}
}

func TestSQLiteStore(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, Config{Dir: dir, Backend: BackendSQLite, Compression: "lz4"})
	a := chunkloc.Pos{X: -20, Y: 0, Z: 33}
	b := chunkloc.Pos{X: 700, Y: 130, Z: 1}
	mustSet(t, s, a, "owner", String("Carol"))
	mustSet(t, s, b, "count", Int(3))
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, SQLiteFile)); err != nil {
		t.Fatalf("sqlite database missing: %v", err)
	}

	s = openTestStore(t, Config{Dir: dir, Backend: BackendSQLite})
	locs, err := s.PersistedChunks()
	if err != nil {
		t.Fatal(err)
	}
	if len(locs) != 2 {
		t.Errorf("PersistedChunks = %v", locs)
	}
	if v, ok := mustGet(t, s, a, "owner"); !ok || !v.Equal(String("Carol")) {
		t.Errorf("owner = %v, %v", v, ok)
	}
	if v, ok := mustGet(t, s, b, "count"); !ok || !v.Equal(Int(3)) {
		t.Errorf("count = %v, %v", v, ok)
	}
}

func TestRewriteChangesCodec(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, Config{Dir: dir, Compression: "none"})
	for i := 0; i < 3; i++ {
		mustSet(t, s, chunkloc.Pos{X: float64(i * 16)}, "k", String("value"))
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s = openTestStore(t, Config{Dir: dir, Compression: "zstd"})
	n, corrupt, err := s.Rewrite()
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if n != 3 || corrupt != 0 {
		t.Errorf("Rewrite = %d, %d; want 3, 0", n, corrupt)
	}
	if len(s.Loaded()) != 0 {
		t.Errorf("Rewrite left chunks loaded: %v", s.Loaded())
	}
	data, err := os.ReadFile(chunkFile(dir, chunkloc.Loc{X: 2}))
	if err != nil {
		t.Fatal(err)
	}
	h, err := DecodeChunkHeader(data)
	if err != nil {
		t.Fatal(err)
	}
	if h.Codec != CodecZstd {
		t.Errorf("codec after Rewrite = %v, want zstd", h.Codec)
	}
}

func TestCheckpoints(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, Config{Dir: dir, CheckpointInterval: 10 * time.Millisecond})
	mustSet(t, s, chunkloc.Pos{X: 1, Y: 2, Z: 3}, "k", Int(1))

	deadline := time.Now().Add(5 * time.Second)
	for s.Stats().DirtyChunks != 0 {
		if time.Now().After(deadline) {
			t.Fatal("checkpoint never flushed the dirty chunk")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := os.Stat(chunkFile(dir, chunkloc.Loc{})); err != nil {
		t.Errorf("checkpoint did not write chunk: %v", err)
	}
}

func TestClose(t *testing.T) {
	s := openTestStore(t, Config{})
	mustSet(t, s, chunkloc.Pos{}, "k", Int(1))
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, _, err := s.Get(chunkloc.Pos{}, "k"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after Close = %v", err)
	}
	if err := s.Set(chunkloc.Pos{}, "k", Int(2)); !errors.Is(err, ErrClosed) {
		t.Errorf("Set after Close = %v", err)
	}
	if err := s.FlushAll(); !errors.Is(err, ErrClosed) {
		t.Errorf("FlushAll after Close = %v", err)
	}
}

func TestCloseWaitsForInflightWrite(t *testing.T) {
	dir := t.TempDir()
	fb := newFaultBackend(t, dir)
	fb.gate = make(chan struct{})
	s, err := Open(Config{Dir: dir, ChunkBackend: fb})
	if err != nil {
		t.Fatal(err)
	}

	pos := chunkloc.Pos{X: 3, Y: 4, Z: 5}
	setErr := make(chan error, 1)
	go func() { setErr <- s.Set(pos, "k", Int(7)) }()
	for fb.loads.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	closeErr := make(chan error, 1)
	go func() { closeErr <- s.Close() }()
	for !s.closed.Load() {
		time.Sleep(time.Millisecond)
	}
	select {
	case err := <-closeErr:
		t.Fatalf("Close returned before the write finished: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	close(fb.gate)

	if err := <-setErr; err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := <-closeErr; err != nil {
		t.Fatalf("Close: %v", err)
	}

	s = openTestStore(t, Config{Dir: dir})
	if v, ok := mustGet(t, s, pos, "k"); !ok || !v.Equal(Int(7)) {
		t.Errorf("acknowledged write after reopen = %v, %v", v, ok)
	}
}

func TestOpenRejectsBadConfig(t *testing.T) {
	if _, err := Open(Config{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty dir: %v", err)
	}
	if _, err := Open(Config{Dir: t.TempDir(), Backend: "bolt"}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unknown backend: %v", err)
	}
	if _, err := Open(Config{Dir: t.TempDir(), Compression: "brotli"}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unknown compression: %v", err)
	}
}

func TestStats(t *testing.T) {
	s := openTestStore(t, Config{})
	pos := chunkloc.Pos{X: 1, Y: 1, Z: 1}
	mustSet(t, s, pos, "a", Int(1))
	mustSet(t, s, pos, "a", Int(1)) // unchanged
	mustSet(t, s, pos, "b", Int(2))
	mustGet(t, s, pos, "a")

	st := s.Stats()
	if st.TotalWrites != 2 || st.TotalReads != 1 {
		t.Errorf("writes/reads = %d/%d, want 2/1", st.TotalWrites, st.TotalReads)
	}
	if st.LoadedChunks != 1 || st.DirtyChunks != 1 || st.Names != 2 || st.ChunkMisses != 1 {
		t.Errorf("Stats = %+v", st)
	}
	if err := s.FlushAll(); err != nil {
		t.Fatal(err)
	}
	st = s.Stats()
	if st.ChunkSaves != 1 || st.Flushes != 1 || st.DirtyChunks != 0 {
		t.Errorf("after flush Stats = %+v", st)
	}
}

func TestMaxLoadedChunks(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, Config{Dir: dir, MaxLoadedChunks: 2})
	for i := 0; i < 5; i++ {
		mustSet(t, s, chunkloc.Pos{X: float64(i * 16)}, "k", Int(int64(i)))
	}

	loaded := s.Loaded()
	want := []chunkloc.Loc{{X: 3}, {X: 4}}
	if len(loaded) != 2 || loaded[0] != want[0] || loaded[1] != want[1] {
		t.Errorf("Loaded = %v, want %v", loaded, want)
	}
	if st := s.Stats(); st.Evictions != 3 {
		t.Errorf("Evictions = %d, want 3", st.Evictions)
	}
	// Evicted chunks were flushed and reload on demand.
	for i := 0; i < 5; i++ {
		v, ok := mustGet(t, s, chunkloc.Pos{X: float64(i * 16)}, "k")
		if !ok || !v.Equal(Int(int64(i))) {
			t.Errorf("chunk %d = %v, %v", i, v, ok)
		}
	}
	if n := len(s.Loaded()); n > 2 {
		t.Errorf("%d chunks loaded, limit 2", n)
	}
}
