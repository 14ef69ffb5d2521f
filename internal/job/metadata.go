package job

import (
	"fmt"
	"strings"
	"sync"
)

// Well-known metadata keys.
const (
	KeyCustomArguments = "CustomArguments"
	KeyRequester       = "Requester"
	KeyImage           = "Image"
)

// Metadata is a string map with case-insensitive unique keys. The
// CustomArguments entry is always present.
type Metadata struct {
	mu      sync.RWMutex
	entries map[string]metaEntry // keyed by lower-cased name
}

type metaEntry struct {
	key   string // as first supplied
	value string
}

// NewMetadata builds metadata from the request's argument line and named
// entries. Keys that collide case-insensitively are rejected. A non-empty
// arguments string replaces any CustomArguments entry in values.
func NewMetadata(arguments string, values map[string]string) (*Metadata, error) {
	m := &Metadata{entries: make(map[string]metaEntry, len(values)+1)}
	for k, v := range values {
		lower := strings.ToLower(k)
		if prev, dup := m.entries[lower]; dup {
			return nil, fmt.Errorf("metadata keys %q and %q differ only by case", prev.key, k)
		}
		m.entries[lower] = metaEntry{key: k, value: v}
	}

	args := strings.ToLower(KeyCustomArguments)
	if arguments != "" {
		m.entries[args] = metaEntry{key: KeyCustomArguments, value: arguments}
	} else if _, ok := m.entries[args]; !ok {
		m.entries[args] = metaEntry{key: KeyCustomArguments}
	}
	return m, nil
}

// Get returns the value for key, ignoring case.
func (m *Metadata) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[strings.ToLower(key)]
	return e.value, ok
}

// Set stores value under key. An existing entry keeps its original casing.
func (m *Metadata) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lower := strings.ToLower(key)
	if e, ok := m.entries[lower]; ok {
		e.value = value
		m.entries[lower] = e
		return
	}
	m.entries[lower] = metaEntry{key: key, value: value}
}

// Arguments returns the free-form argument line.
func (m *Metadata) Arguments() string {
	v, _ := m.Get(KeyCustomArguments)
	return v
}

// Map returns a copy keyed by the original casing.
func (m *Metadata) Map() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.entries))
	for _, e := range m.entries {
		out[e.key] = e.value
	}
	return out
}

// Len returns the number of entries.
func (m *Metadata) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
