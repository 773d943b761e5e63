package routeguard

import "context"

// StateStore persists circuit breaker state across restarts or instances.
type StateStore interface {
	// SaveState stores the snapshot for a provider, replacing any previous one.
	SaveState(ctx context.Context, id ProviderID, snap BreakerSnapshot) error

	// LoadState returns the stored snapshot. found is false if nothing was saved.
	LoadState(ctx context.Context, id ProviderID) (snap BreakerSnapshot, found bool, err error)
}
