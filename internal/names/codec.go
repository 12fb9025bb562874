package names

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"unicode/utf8"
)

// Persisted form (big endian):
//
//	count u32
//	count times: len u16, len bytes of UTF-8
//
// Names appear in id order.

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *Registry) MarshalBinary() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := 4
	for _, n := range r.names {
		size += 2 + len(n)
	}
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.names)))
	for _, n := range r.names {
		if len(n) > MaxNameLen {
			return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidName, len(n), MaxNameLen)
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(n)))
		buf = append(buf, n...)
	}
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. The registry must be
// empty; names are registered in file order so ids match the saved registry.
func (r *Registry) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("%w: short header", ErrCorrupt)
	}
	count := binary.BigEndian.Uint32(data)
	data = data[4:]
	// Every name takes at least 3 bytes.
	if uint64(count)*3 > uint64(len(data)) {
		return fmt.Errorf("%w: %d names cannot fit in %d bytes", ErrCorrupt, count, len(data))
	}

	decoded := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data) < 2 {
			return fmt.Errorf("%w: short length for name %d", ErrCorrupt, i)
		}
		n := int(binary.BigEndian.Uint16(data))
		data = data[2:]
		if len(data) < n {
			return fmt.Errorf("%w: short buffer for name %d", ErrCorrupt, i)
		}
		decoded = append(decoded, string(data[:n]))
		data = data[n:]
	}
	if len(data) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(data))
	}
	return r.load(decoded)
}

func (r *Registry) load(decoded []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.names) != 0 {
		return ErrNotEmpty
	}
	for i, n := range decoded {
		if n == "" || !utf8.ValidString(n) {
			r.resetLocked()
			return fmt.Errorf("%w: invalid name at id %d", ErrCorrupt, i)
		}
		if r.addLocked(n) != i {
			r.resetLocked()
			return fmt.Errorf("%w: duplicate name %q at id %d", ErrCorrupt, n, i)
		}
	}
	return nil
}

func (r *Registry) resetLocked() {
	r.names = nil
	r.ids = make(map[string]int)
}

// WriteTo writes the persisted form to w.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	data, err := r.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// ReadFrom reads the persisted form from rd into an empty registry.
func (r *Registry) ReadFrom(rd io.Reader) (int64, error) {
	data, err := io.ReadAll(bufio.NewReader(rd))
	if err != nil {
		return int64(len(data)), err
	}
	return int64(len(data)), r.UnmarshalBinary(data)
}

// Load reads a registry from path. A missing file yields an empty registry.
func Load(path string) (*Registry, error) {
	r := New()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return r, nil
		}
		return nil, err
	}
	if err := r.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Save writes the registry to path, replacing any previous file atomically.
func (r *Registry) Save(path string) error {
	data, err := r.MarshalBinary()
	if err != nil {
		return err
	}

	// Write to temp file then rename for atomicity
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
