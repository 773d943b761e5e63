package routeguard

import (
	"fmt"
	"sort"
	"sync"
)

// Provider is the interface that upstream provider adapters must implement.
// The operations themselves are opaque to the router; callers type-assert the
// provider returned in a Handle to their own capability interface.
type Provider interface {
	// ID returns the provider identifier, unique within a registry.
	ID() ProviderID

	// Kind returns the capability the provider offers.
	Kind() ProviderKind
}

// QualityReporter is implemented by providers that know their own quality score.
type QualityReporter interface {
	// Quality returns a score in [0,1], higher is better.
	Quality() float64
}

// Registry resolves providers by kind and id.
type Registry interface {
	// ListProviders returns the ids of every provider of the given kind.
	ListProviders(kind ProviderKind) []ProviderID

	// Resolve returns the provider registered under id.
	Resolve(id ProviderID) (Provider, error)
}

// StaticRegistry is an in-memory Registry.
type StaticRegistry struct {
	mu        sync.RWMutex
	providers map[ProviderID]Provider
}

var _ Registry = (*StaticRegistry)(nil)

// NewStaticRegistry creates a registry holding providers.
// Duplicate ids are rejected.
func NewStaticRegistry(providers ...Provider) (*StaticRegistry, error) {
	r := &StaticRegistry{providers: make(map[ProviderID]Provider, len(providers))}
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a provider. Routers built earlier keep their snapshot
// until rebuilt.
func (r *StaticRegistry) Register(p Provider) error {
	if p == nil || p.ID() == "" {
		return fmt.Errorf("routeguard: provider has no id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[p.ID()]; ok {
		return fmt.Errorf("routeguard: duplicate provider id %q", p.ID())
	}
	r.providers[p.ID()] = p
	return nil
}

// Unregister removes a provider.
func (r *StaticRegistry) Unregister(id ProviderID) {
	r.mu.Lock()
	delete(r.providers, id)
	r.mu.Unlock()
}

// ListProviders returns the ids of kind in sorted order.
func (r *StaticRegistry) ListProviders(kind ProviderKind) []ProviderID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []ProviderID
	for id, p := range r.providers {
		if p.Kind() == kind {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Resolve returns the provider registered under id.
func (r *StaticRegistry) Resolve(id ProviderID) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotRegistered, id)
	}
	return p, nil
}
