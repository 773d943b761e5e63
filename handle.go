package routeguard

import (
	"context"
	"errors"
	"time"
)

// Handle is a selected provider together with its circuit breaker.
// Calls made through a Handle are gated by the breaker and their outcomes
// are reported to the router's health and cost bookkeeping.
type Handle struct {
	ID            ProviderID
	Kind          ProviderKind
	Provider      Provider
	RequestID     string
	OperationType string

	router  *Router
	breaker *CircuitBreaker
}

// Call runs op against the provider through its breaker. For request-priced
// providers a successful call charges one unit.
func (h *Handle) Call(ctx context.Context, op func(context.Context, Provider) error) error {
	return h.call(ctx, func(ctx context.Context) (uint64, bool, error) {
		return 0, false, op(ctx, h.Provider)
	})
}

// CallWithUsage is like Call; op returns the units it consumed, which are
// charged at the price of the handle's operation.
func (h *Handle) CallWithUsage(ctx context.Context, op func(context.Context, Provider) (uint64, error)) error {
	return h.call(ctx, func(ctx context.Context) (uint64, bool, error) {
		units, err := op(ctx, h.Provider)
		return units, true, err
	})
}

// State returns the provider's breaker state.
func (h *Handle) State() BreakerState {
	return h.breaker.State()
}

func (h *Handle) call(ctx context.Context, op func(context.Context) (uint64, bool, error)) error {
	var (
		units    uint64
		hasUnits bool
	)

	start := time.Now()
	err := h.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		units, hasUnits, err = op(ctx)
		return err
	})
	latency := time.Since(start)

	// Rejections never reached the provider and say nothing about its health.
	var be *BreakerError
	if errors.As(err, &be) || errors.Is(err, ErrBreakerClosed) {
		return err
	}

	// The breaker already counted this outcome.
	o := outcome{id: h.ID, requestID: h.RequestID, operation: h.OperationType, latency: latency, err: err}
	if err == nil {
		o.units, o.hasUnits = units, hasUnits
	}
	_ = h.router.report(o)
	return err
}
