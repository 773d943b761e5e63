package routeguard

import (
	"sort"
	"sync/atomic"
)

// FailoverStrategy picks an alternate provider when the primary choice is
// unavailable or was rejected.
type FailoverStrategy interface {
	// Name identifies the strategy.
	Name() string

	// SelectNext returns the next provider to try among candidates.
	// Excluded and unhealthy providers are never returned.
	SelectNext(pctx ProviderContext, candidates []ProviderID, health HealthReader) (ProviderID, bool)
}

// PriorityStrategy walks a configured order and returns the first eligible
// provider. Healthy providers are preferred over degraded ones. Candidates
// missing from the order are tried after it, by id.
type PriorityStrategy struct {
	order []ProviderID
}

var _ FailoverStrategy = (*PriorityStrategy)(nil)

// NewPriorityStrategy creates a PriorityStrategy with the given order.
func NewPriorityStrategy(order ...ProviderID) *PriorityStrategy {
	return &PriorityStrategy{order: append([]ProviderID(nil), order...)}
}

func (s *PriorityStrategy) Name() string { return "priority" }

func (s *PriorityStrategy) SelectNext(pctx ProviderContext, candidates []ProviderID, health HealthReader) (ProviderID, bool) {
	ordered := s.arrange(candidates)
	for _, want := range []HealthStatus{HealthHealthy, HealthDegraded} {
		for _, id := range ordered {
			if !pctx.IsExcluded(id) && health.Status(id) == want {
				return id, true
			}
		}
	}
	return "", false
}

func (s *PriorityStrategy) arrange(candidates []ProviderID) []ProviderID {
	present := make(map[ProviderID]bool, len(candidates))
	for _, id := range candidates {
		present[id] = true
	}

	out := make([]ProviderID, 0, len(candidates))
	for _, id := range s.order {
		if present[id] {
			out = append(out, id)
			delete(present, id)
		}
	}

	rest := make([]ProviderID, 0, len(present))
	for id := range present {
		rest = append(rest, id)
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	return append(out, rest...)
}

// RoundRobinStrategy rotates across eligible providers, advancing on every call.
// Degraded providers are used only when no healthy one is left.
type RoundRobinStrategy struct {
	cursor atomic.Uint64
}

var _ FailoverStrategy = (*RoundRobinStrategy)(nil)

// NewRoundRobinStrategy creates a RoundRobinStrategy.
func NewRoundRobinStrategy() *RoundRobinStrategy {
	return &RoundRobinStrategy{}
}

func (s *RoundRobinStrategy) Name() string { return "round_robin" }

func (s *RoundRobinStrategy) SelectNext(pctx ProviderContext, candidates []ProviderID, health HealthReader) (ProviderID, bool) {
	var healthy, degraded []ProviderID
	for _, id := range candidates {
		if pctx.IsExcluded(id) {
			continue
		}
		switch health.Status(id) {
		case HealthHealthy:
			healthy = append(healthy, id)
		case HealthDegraded:
			degraded = append(degraded, id)
		}
	}

	pool := healthy
	if len(pool) == 0 {
		pool = degraded
	}
	if len(pool) == 0 {
		return "", false
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i] < pool[j] })

	n := s.cursor.Add(1) - 1
	return pool[n%uint64(len(pool))], true
}

// FailoverManager applies a FailoverStrategy on top of circuit state:
// providers whose breaker is open read as unhealthy to the strategy.
type FailoverManager struct {
	strategy FailoverStrategy
	health   HealthReader
	circuit  func(ProviderID) BreakerState
}

// NewFailoverManager creates a FailoverManager. circuit may be nil.
func NewFailoverManager(strategy FailoverStrategy, health HealthReader, circuit func(ProviderID) BreakerState) *FailoverManager {
	if strategy == nil {
		strategy = NewPriorityStrategy()
	}
	return &FailoverManager{strategy: strategy, health: health, circuit: circuit}
}

// Strategy returns the underlying strategy.
func (m *FailoverManager) Strategy() FailoverStrategy { return m.strategy }

// Next returns the next provider to try among candidates.
func (m *FailoverManager) Next(pctx ProviderContext, candidates []ProviderID) (ProviderID, bool) {
	return m.strategy.SelectNext(pctx, candidates, circuitAwareHealth{m})
}

type circuitAwareHealth struct {
	m *FailoverManager
}

func (h circuitAwareHealth) Status(id ProviderID) HealthStatus {
	if h.m.circuit != nil && h.m.circuit(id) == StateOpen {
		return HealthUnhealthy
	}
	return h.m.health.Status(id)
}
