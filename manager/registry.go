package manager

import (
	"sort"
	"sync"

	"subroute/types"
)

// Registry maps service names to routing entries.
// Implementations must allow Get concurrently with Put.
type Registry interface {
	// Put inserts or overwrites the entry for name.
	Put(name string, entry types.RoutingEntry)
	// Get returns the entry for name, or false when no entry exists.
	Get(name string) (types.RoutingEntry, bool)
}

// MemoryRegistry is an in-memory Registry guarded by a read/write lock.
type MemoryRegistry struct {
	mu     sync.RWMutex
	routes map[string]types.RoutingEntry // Key: service name
}

// NewMemoryRegistry creates an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		routes: make(map[string]types.RoutingEntry),
	}
}

// Put registers an entry for a service, replacing any previous one.
func (r *MemoryRegistry) Put(name string, entry types.RoutingEntry) {
	entry.ServiceName = name

	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[name] = entry
}

// Get retrieves the entry for a service name.
func (r *MemoryRegistry) Get(name string) (types.RoutingEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.routes[name]
	return entry, exists
}

// Len returns the number of registered service names.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// List returns a snapshot of all entries sorted by service name.
func (r *MemoryRegistry) List() []types.RoutingEntry {
	r.mu.RLock()
	entries := make([]types.RoutingEntry, 0, len(r.routes))
	for _, entry := range r.routes {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ServiceName < entries[j].ServiceName
	})
	return entries
}
