// Package names interns metadata key strings into dense integer ids.
//
// Ids are assigned in registration order starting at 0 and never change for
// the lifetime of a Registry. The persisted form is the ordered list of names,
// so reloading it reproduces exactly the same ids. Chunk files store ids, not
// names, which makes the registry the one piece of state every chunk depends
// on: it must be loaded before any chunk is decoded.
package names

import (
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"
)

// MaxNameLen is the longest name, in bytes, the persisted form can hold.
const MaxNameLen = 1<<16 - 1

var (
	// ErrOutOfRange is returned for ids that were never assigned.
	ErrOutOfRange = errors.New("name id out of range")
	// ErrInvalidName is returned by ValidName.
	ErrInvalidName = errors.New("invalid name")
	// ErrCorrupt is returned when persisted registry bytes cannot be decoded.
	ErrCorrupt = errors.New("corrupt name registry")
	// ErrNotEmpty is returned when decoding into a registry that already holds names.
	ErrNotEmpty = errors.New("name registry is not empty")
)

// Registry is a concurrency-safe bidirectional name <-> id table.
type Registry struct {
	mu    sync.RWMutex
	names []string       // id -> name
	ids   map[string]int // name -> id
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{ids: make(map[string]int)}
}

// ValidName reports whether name can be registered and persisted.
func ValidName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > MaxNameLen:
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidName, len(name), MaxNameLen)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidName)
	}
	return nil
}

// Resolve returns the id of name. If name is unknown and create is true it is
// registered and the new id returned; otherwise ok is false.
//
// Names rejected by ValidName are never registered.
func (r *Registry) Resolve(name string, create bool) (id int, ok bool) {
	r.mu.RLock()
	id, ok = r.ids[name]
	r.mu.RUnlock()
	if ok {
		return id, true
	}
	if !create || ValidName(name) != nil {
		return -1, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(name), true
}

// addLocked registers name unless a concurrent caller already did so between
// the read and write lock. Caller must hold mu for writing.
func (r *Registry) addLocked(name string) int {
	if id, ok := r.ids[name]; ok {
		return id
	}
	id := len(r.names)
	r.names = append(r.names, name)
	r.ids[name] = id
	return id
}

// Name returns the name registered under id.
func (r *Registry) Name(id int) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id < 0 {
		return "", fmt.Errorf("%w: invalid id %d, valid ids are >= 0", ErrOutOfRange, id)
	}
	if id >= len(r.names) {
		return "", fmt.Errorf("%w: invalid id %d, outside of the %d known ids", ErrOutOfRange, id, len(r.names))
	}
	return r.names[id], nil
}

// Len returns the number of registered names.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}

// Names returns a copy of all names in id order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// TranslateKeys converts an id-keyed map into a name-keyed one.
func TranslateKeys[V any](r *Registry, values map[int]V) (map[string]V, error) {
	out := make(map[string]V, len(values))
	for id, v := range values {
		name, err := r.Name(id)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// TranslateNestedKeys applies TranslateKeys to both levels of a map of maps.
func TranslateNestedKeys[V any](r *Registry, values map[int]map[int]V) (map[string]map[string]V, error) {
	out := make(map[string]map[string]V, len(values))
	for id, inner := range values {
		name, err := r.Name(id)
		if err != nil {
			return nil, err
		}
		translated, err := TranslateKeys(r, inner)
		if err != nil {
			return nil, err
		}
		out[name] = translated
	}
	return out, nil
}
