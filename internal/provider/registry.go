package provider

import (
	"fmt"
	"sync"
)

// Factory builds an Adapter for one sub-provider given its decrypted API
// key, base URL and proxy settings. Adapted from a
// name->factory provider-registry pattern in its server composition root.
type Factory func(apiKey, model, baseURL, proxy string, insecureSkipVerify bool) (Adapter, error)

// Registry maps a Provider.Kind ("openai", "anthropic", "genericoa", ...) to
// the Factory that builds adapters of that kind, and holds live,
// hot-reloadable adapter instances keyed by sub-provider ID.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	adapters  map[string]Adapter // sub-provider ID -> live adapter instance
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory), adapters: make(map[string]Adapter)}
}

// RegisterFactory adds a protocol-kind factory, typically called once at
// startup for each of "openai", "anthropic", "genericoa".
func (r *Registry) RegisterFactory(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Build constructs and caches an adapter instance for a sub-provider, or
// returns the existing instance if one was already built with this ID (a
// hot-reload calls Forget first to force a rebuild after credentials
// change).
func (r *Registry) Build(subProviderID, kind, apiKey, model, baseURL, proxy string, insecureSkipVerify bool) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.adapters[subProviderID]; ok {
		return a, nil
	}
	f, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("provider: no adapter factory registered for kind %q", kind)
	}
	a, err := f(apiKey, model, baseURL, proxy, insecureSkipVerify)
	if err != nil {
		return nil, fmt.Errorf("provider: building adapter for sub-provider %s: %w", subProviderID, err)
	}
	r.adapters[subProviderID] = a
	return a, nil
}

// Forget drops a cached adapter instance, forcing the next Build to
// reconstruct it — used when a sub-provider's credentials or base URL
// change via the admin surface.
func (r *Registry) Forget(subProviderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, subProviderID)
}

// Get returns the cached adapter for a sub-provider, if built.
func (r *Registry) Get(subProviderID string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[subProviderID]
	return a, ok
}
