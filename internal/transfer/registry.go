package transfer

import (
	"fmt"
	"sync"

	"github.com/droppoint/droppoint/internal/common"
	"github.com/droppoint/droppoint/internal/models"
)

// Registry maps provider kinds to their transfer adapters. Registration
// happens at startup; lookups are concurrent-safe.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.Provider]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[models.Provider]Adapter{}}
}

// Register adds an adapter under its own provider kind, replacing any
// previous registration.
func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Provider()] = a
}

// Lookup returns the adapter for a provider or common.ErrNoSuchAdapter.
func (r *Registry) Lookup(provider models.Provider) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrNoSuchAdapter, provider)
	}
	return a, nil
}

// Providers returns the registered provider kinds.
func (r *Registry) Providers() []models.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]models.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		result = append(result, p)
	}
	return result
}
