package mcp

import (
	"slices"
	"strings"
	"sync"
)

// Registry holds the set of currently-known output channels: the
// `out.<name>` artifacts the Directory Watcher has observed present on
// disk. Thread-safe for concurrent read/write access.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]string // name -> path
}

// NewRegistry creates an empty output-channel registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]string)}
}

// Register records name as present at path, overwriting any prior path
// for the same name (an artifact can be removed and recreated at the
// same logical name without a daemon restart).
func (r *Registry) Register(name, path string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[name] = path
}

// Deregister removes name from the known set.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, name)
}

// Get returns the path registered for name and whether it is known.
func (r *Registry) Get(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	path, ok := r.channels[name]
	return path, ok
}

// All returns a snapshot of every known output channel, sorted by name
// for deterministic ordering.
func (r *Registry) All() []OutputChannel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]OutputChannel, 0, len(r.channels))
	for name, path := range r.channels {
		result = append(result, OutputChannel{Name: name, Path: path})
	}
	slices.SortFunc(result, func(a, b OutputChannel) int {
		return strings.Compare(a.Name, b.Name)
	})
	return result
}
