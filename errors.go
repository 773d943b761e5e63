package routeguard

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrNoProvidersAvailable  = errors.New("routeguard: no providers available")
	ErrProviderNotRegistered = errors.New("routeguard: provider not registered")
	ErrCircuitOpen           = errors.New("routeguard: circuit open")
	ErrBudgetExceeded        = errors.New("routeguard: budget exceeded")
	ErrBreakerClosed         = errors.New("routeguard: circuit breaker stopped")
	ErrPersistenceDisabled   = errors.New("routeguard: breaker persistence disabled")
	ErrAllFailed             = errors.New("routeguard: all candidates failed")
	ErrOperationPanicked     = errors.New("routeguard: provider operation panicked")

	// ErrRetryable and ErrFatal are markers providers wrap their errors with
	// to steer Router.Do. Unmarked errors are treated as retryable.
	ErrRetryable = errors.New("routeguard: retryable provider error")
	ErrFatal     = errors.New("routeguard: fatal provider error")
)

// BreakerError is returned by CircuitBreaker.Call when the call was not admitted.
type BreakerError struct {
	Provider ProviderID
	State    BreakerState
}

func (e *BreakerError) Error() string {
	return fmt.Sprintf("routeguard: circuit breaker for %s is %s", e.Provider, e.State)
}

// Unwrap lets errors.Is(err, ErrCircuitOpen) match rejected calls.
func (e *BreakerError) Unwrap() error {
	return ErrCircuitOpen
}

// RouterError wraps an error with routing context.
type RouterError struct {
	Err      error
	Kind     ProviderKind
	Provider ProviderID
	Attempts int
}

func (e *RouterError) Error() string {
	return fmt.Sprintf("routeguard: kind=%s provider=%s attempts=%d: %v",
		e.Kind, e.Provider, e.Attempts, e.Err)
}

func (e *RouterError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the error should not be retried with another provider.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// IsRetryable returns true if the error can be retried with another provider.
func IsRetryable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	return true
}
