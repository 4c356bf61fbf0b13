package surface

import (
	"errors"
	"fmt"
	"sync"
)

// ErrAdapterNotFound is returned by Get for unknown surface ids.
var ErrAdapterNotFound = errors.New("surface adapter not found")

// Registry maps surface ids to adapters. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its surface id. Re-registering a surface id
// is an error: adapter wiring happens once at process init.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return errors.New("adapter cannot be nil")
	}
	id := a.SurfaceID()
	if id == "" {
		return errors.New("adapter has empty surface id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("surface %q already registered", id)
	}
	r.adapters[id] = a
	return nil
}

// Get returns the adapter for a surface id.
func (r *Registry) Get(surfaceID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[surfaceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, surfaceID)
	}
	return a, nil
}

// SurfaceIDs returns the registered surface ids.
func (r *Registry) SurfaceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}
