// Package statestore provides StateStore implementations for persisting
// circuit breaker state.
package statestore

import (
	"context"
	"sync"

	"github.com/ineyio/routeguard"
)

// MemoryStore is an in-process StateStore. State survives breaker or router
// rebuilds but not a process restart.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[routeguard.ProviderID]routeguard.BreakerSnapshot
}

var _ routeguard.StateStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[routeguard.ProviderID]routeguard.BreakerSnapshot)}
}

// SaveState stores snap for id.
func (s *MemoryStore) SaveState(ctx context.Context, id routeguard.ProviderID, snap routeguard.BreakerSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = snap
	return nil
}

// LoadState returns the snapshot stored for id.
func (s *MemoryStore) LoadState(ctx context.Context, id routeguard.ProviderID) (routeguard.BreakerSnapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return routeguard.BreakerSnapshot{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.states[id]
	return snap, ok, nil
}

// Delete removes the snapshot stored for id.
func (s *MemoryStore) Delete(_ context.Context, id routeguard.ProviderID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
	return nil
}

// Len returns the number of stored snapshots.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}
