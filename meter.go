package routeguard

import "time"

// Meter observes routing events for monitoring/logging.
type Meter interface {
	// OnRoute is called when a routing decision is made.
	OnRoute(event RouteEvent)

	// OnResult is called when a provider outcome is recorded.
	OnResult(event ResultEvent)

	// OnStateChange is called when a circuit breaker changes state.
	OnStateChange(event StateChange)
}

// RouteEvent describes a routing decision.
type RouteEvent struct {
	RequestID     string
	Provider      ProviderID
	Kind          ProviderKind
	OperationType string
	Strategy      string
	Score         float64
	Candidates    int
	AttemptNum    int
}

// ResultEvent describes the outcome of a provider call.
// RequestID is empty for outcomes reported outside a routed call.
type ResultEvent struct {
	RequestID string
	Provider  ProviderID
	Success   bool
	Duration  time.Duration
	Units     uint64
	Cost      float64
	Error     error
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnRoute(RouteEvent)        {}
func (m *noopMeter) OnResult(ResultEvent)      {}
func (m *noopMeter) OnStateChange(StateChange) {}
