package tenant

import (
	"sort"
	"sync"
)

// Registry holds the engines of one microservice keyed by tenant id.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*Engine
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]*Engine)}
}

// Get returns the engine registered for a tenant.
func (r *Registry) Get(tenantID string) (*Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[tenantID]
	return e, ok
}

// List returns all engines sorted by tenant id.
func (r *Registry) List() []*Engine {
	r.mu.RLock()
	engines := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.mu.RUnlock()

	sort.Slice(engines, func(i, j int) bool {
		return engines[i].tenant.ID < engines[j].tenant.ID
	})
	return engines
}

// Len returns the number of registered engines.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.engines)
}

// add registers e unless an engine for the same tenant exists.
func (r *Registry) add(e *Engine) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.engines[e.tenant.ID]; exists {
		return false
	}
	r.engines[e.tenant.ID] = e
	return true
}

// remove unregisters e if it is still the engine registered for its tenant.
func (r *Registry) remove(e *Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.engines[e.tenant.ID] == e {
		delete(r.engines, e.tenant.ID)
	}
}
