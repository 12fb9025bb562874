package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ocelotpotpie/BlockStore/internal/chunkloc"
)

// ChunkFileExt is the extension of chunk files written by FileBackend.
const ChunkFileExt = ".bsc"

var _ Backend = (*FileBackend)(nil)

// FileBackend stores one file per chunk, named "x.y.z.bsc", in a single
// directory.
type FileBackend struct {
	dir string
}

// NewFileBackend creates dir if needed and returns a backend rooted there.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileBackend{dir: dir}, nil
}

// Dir returns the directory holding chunk files.
func (b *FileBackend) Dir() string { return b.dir }

func (b *FileBackend) path(loc chunkloc.Loc) string {
	return filepath.Join(b.dir, loc.FileName(ChunkFileExt))
}

// Load returns the stored bytes of loc, or ErrNotFound.
func (b *FileBackend) Load(loc chunkloc.Loc) ([]byte, error) {
	data, err := os.ReadFile(b.path(loc))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Save writes data to a temp file in the same directory and renames it over
// the chunk file, so readers never observe a partial file.
func (b *FileBackend) Save(loc chunkloc.Loc, data []byte) error {
	path := b.path(loc)
	f, err := os.CreateTemp(b.dir, loc.FileName(".*.tmp"))
	if err != nil {
		return err
	}
	tmpPath := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write chunk file %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync chunk file %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename chunk file %s: %w", path, err)
	}
	return nil
}

// Delete removes the chunk file if present.
func (b *FileBackend) Delete(loc chunkloc.Loc) error {
	if err := os.Remove(b.path(loc)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List calls fn for each chunk file in the directory.
func (b *FileBackend) List(fn func(loc chunkloc.Loc) bool) error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		loc, ok := chunkloc.ParseFileName(e.Name(), ChunkFileExt)
		if !ok {
			continue
		}
		if !fn(loc) {
			return nil
		}
	}
	return nil
}

// Close is a no-op; FileBackend holds no open files.
func (b *FileBackend) Close() error { return nil }
