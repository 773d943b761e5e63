package routeguard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// BreakerState is the state of a provider's circuit breaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ParseBreakerState is the inverse of BreakerState.String.
func ParseBreakerState(s string) (BreakerState, error) {
	switch s {
	case "closed":
		return StateClosed, nil
	case "open":
		return StateOpen, nil
	case "half-open":
		return StateHalfOpen, nil
	default:
		return StateClosed, fmt.Errorf("routeguard: unknown breaker state %q", s)
	}
}

// CircuitBreakerConfig configures a breaker. Zero values fall back to
// DefaultCircuitBreakerConfig.
type CircuitBreakerConfig struct {
	FailureThreshold   uint          `yaml:"failure_threshold"`
	RecoveryTimeout    time.Duration `yaml:"recovery_timeout" validate:"gte=0"`
	SuccessThreshold   uint          `yaml:"success_threshold"`
	PersistenceEnabled bool          `yaml:"persistence_enabled"`
}

// DefaultCircuitBreakerConfig returns the shared default breaker configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	d := DefaultCircuitBreakerConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	return c
}

// CircuitBreakerMetrics are monotonic counters. Rejected calls are included
// in FailedRequests, so SuccessfulRequests+FailedRequests counts every call.
type CircuitBreakerMetrics struct {
	SuccessfulRequests uint64
	FailedRequests     uint64
	RejectedRequests   uint64
	StateTransitions   uint64
}

// BreakerSnapshot is the persistable state of a breaker.
type BreakerSnapshot struct {
	State                BreakerState
	OpenedAt             time.Time
	ConsecutiveFailures  uint
	ConsecutiveSuccesses uint
}

// StateChange describes a breaker transition.
type StateChange struct {
	Provider ProviderID
	From     BreakerState
	To       BreakerState
	At       time.Time
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.nowFn = now }
}

// WithStateChangeHook registers fn to run on every transition. fn runs on the
// breaker goroutine and must not call back into the same breaker.
func WithStateChangeHook(fn func(StateChange)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// WithBreakerLogger sets the logger used for transition logs.
func WithBreakerLogger(l *zap.Logger) BreakerOption {
	return func(cb *CircuitBreaker) { cb.logger = l }
}

// WithMailboxSize sets the capacity of the breaker's request queue.
func WithMailboxSize(n int) BreakerOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.mailboxSize = n
		}
	}
}

// CircuitBreaker guards a single provider. All of its state is owned by one
// goroutine that processes mailbox messages in order, so transitions for a
// provider are linearized without a shared lock.
type CircuitBreaker struct {
	id          ProviderID
	cfg         CircuitBreakerConfig
	nowFn       func() time.Time
	onChange    func(StateChange)
	logger      *zap.Logger
	mailboxSize int

	mailbox   chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the run goroutine.
	state                BreakerState
	openedAt             time.Time
	generation           uint64
	consecutiveFailures  uint
	consecutiveSuccesses uint
	trialInFlight        bool
	nextTicket           uint64
	inflight             map[uint64]ticket
	metrics              CircuitBreakerMetrics

	// Written by the run goroutine before done is closed.
	last     BreakerSnapshot
	lastMets CircuitBreakerMetrics
}

type ticket struct {
	generation uint64
	trial      bool
}

type admission struct {
	ok     bool
	ticket uint64
	state  BreakerState
}

// NewCircuitBreaker creates a breaker in the Closed state and starts its goroutine.
// Call Close to stop it.
func NewCircuitBreaker(id ProviderID, cfg CircuitBreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		id:          id,
		cfg:         cfg.withDefaults(),
		nowFn:       time.Now,
		logger:      zap.NewNop(),
		mailboxSize: 64,
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		inflight:    make(map[uint64]ticket),
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.mailbox = make(chan func(), cb.mailboxSize)

	go cb.run()
	return cb
}

// ID returns the guarded provider id.
func (cb *CircuitBreaker) ID() ProviderID { return cb.id }

// Config returns the breaker configuration.
func (cb *CircuitBreaker) Config() CircuitBreakerConfig { return cb.cfg }

func (cb *CircuitBreaker) run() {
	defer close(cb.done)
	for {
		select {
		case fn := <-cb.mailbox:
			fn()
		case <-cb.quit:
			cb.last = cb.snapshot()
			cb.lastMets = cb.metrics
			return
		}
	}
}

// exec runs fn on the breaker goroutine and waits for it to finish.
// ctx only bounds the enqueue; once accepted, fn always runs to completion.
func (cb *CircuitBreaker) exec(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case cb.mailbox <- func() { fn(); close(finished) }:
	case <-cb.done:
		return ErrBreakerClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-cb.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrBreakerClosed
		}
	}
}

// Call executes op if the breaker admits it and records the outcome before
// returning. The operation's error is returned unchanged. A rejected call
// returns a *BreakerError matching ErrCircuitOpen.
//
// If ctx ends before op returns, the attempt counts as a failure and
// ctx.Err() is returned; op's late result is discarded.
func (cb *CircuitBreaker) Call(ctx context.Context, op func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var adm admission
	if err := cb.exec(ctx, func() { adm = cb.admit() }); err != nil {
		return err
	}
	if !adm.ok {
		return &BreakerError{Provider: cb.id, State: adm.state}
	}

	if ctx.Done() == nil {
		err := runGuarded(ctx, op)
		cb.settle(adm.ticket, err == nil)
		return err
	}

	result := make(chan error, 1)
	go func() { result <- runGuarded(ctx, op) }()

	select {
	case err := <-result:
		cb.settle(adm.ticket, err == nil)
		return err
	case <-ctx.Done():
		select {
		case err := <-result:
			cb.settle(adm.ticket, err == nil)
			return err
		default:
		}
		cb.settle(adm.ticket, false)
		return ctx.Err()
	}
}

// Execute is Call for operations that produce a value.
func Execute[T any](ctx context.Context, cb *CircuitBreaker, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := cb.Call(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func runGuarded(ctx context.Context, op func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrOperationPanicked, r)
		}
	}()
	return op(ctx)
}

// RecordSuccess reports a success observed outside Call.
func (cb *CircuitBreaker) RecordSuccess() {
	_ = cb.exec(context.Background(), func() { cb.record(true) })
}

// RecordFailure reports a failure observed outside Call.
func (cb *CircuitBreaker) RecordFailure() {
	_ = cb.exec(context.Background(), func() { cb.record(false) })
}

// State returns the current state. An Open breaker whose recovery timeout
// has elapsed reads as HalfOpen.
func (cb *CircuitBreaker) State() BreakerState {
	return cb.Snapshot().State
}

// Snapshot returns a copy of the breaker's state.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	var snap BreakerSnapshot
	err := cb.exec(context.Background(), func() {
		cb.advance(cb.nowFn())
		snap = cb.snapshot()
	})
	if err != nil {
		<-cb.done
		return cb.last
	}
	return snap
}

// Metrics returns a copy of the breaker's counters.
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	var m CircuitBreakerMetrics
	if err := cb.exec(context.Background(), func() { m = cb.metrics }); err != nil {
		<-cb.done
		return cb.lastMets
	}
	return m
}

// Reset re-initializes the breaker to Closed. Counters are kept and
// in-flight calls no longer affect the state.
func (cb *CircuitBreaker) Reset() {
	_ = cb.exec(context.Background(), func() {
		cb.restore(BreakerSnapshot{State: StateClosed})
		cb.logger.Info("circuit breaker reset", zap.String("provider", string(cb.id)))
	})
}

// Restore replaces the breaker state with snap, e.g. after loading it from a store.
func (cb *CircuitBreaker) Restore(snap BreakerSnapshot) error {
	return cb.exec(context.Background(), func() { cb.restore(snap) })
}

// SaveState persists the breaker state to store.
func (cb *CircuitBreaker) SaveState(ctx context.Context, store StateStore) error {
	if !cb.cfg.PersistenceEnabled {
		return ErrPersistenceDisabled
	}
	if err := store.SaveState(ctx, cb.id, cb.Snapshot()); err != nil {
		return fmt.Errorf("routeguard: save breaker state for %s: %w", cb.id, err)
	}
	return nil
}

// LoadState restores the breaker from store. It reports whether a saved state was found.
func (cb *CircuitBreaker) LoadState(ctx context.Context, store StateStore) (bool, error) {
	if !cb.cfg.PersistenceEnabled {
		return false, ErrPersistenceDisabled
	}
	snap, found, err := store.LoadState(ctx, cb.id)
	if err != nil {
		return false, fmt.Errorf("routeguard: load breaker state for %s: %w", cb.id, err)
	}
	if !found {
		return false, nil
	}
	return true, cb.Restore(snap)
}

// Close stops the breaker goroutine. Later calls fail with ErrBreakerClosed.
func (cb *CircuitBreaker) Close() {
	cb.closeOnce.Do(func() { close(cb.quit) })
	<-cb.done
}

func (cb *CircuitBreaker) settle(t uint64, success bool) {
	_ = cb.exec(context.Background(), func() { cb.complete(t, success) })
}

// The methods below run on the breaker goroutine only.

func (cb *CircuitBreaker) admit() admission {
	cb.advance(cb.nowFn())

	switch cb.state {
	case StateOpen:
		return cb.reject()
	case StateHalfOpen:
		if cb.trialInFlight {
			return cb.reject()
		}
		cb.trialInFlight = true
		return cb.issue(true)
	default:
		return cb.issue(false)
	}
}

func (cb *CircuitBreaker) reject() admission {
	cb.metrics.RejectedRequests++
	cb.metrics.FailedRequests++
	return admission{state: cb.state}
}

func (cb *CircuitBreaker) issue(trial bool) admission {
	cb.nextTicket++
	cb.inflight[cb.nextTicket] = ticket{generation: cb.generation, trial: trial}
	return admission{ok: true, ticket: cb.nextTicket, state: cb.state}
}

func (cb *CircuitBreaker) complete(id uint64, success bool) {
	t, ok := cb.inflight[id]
	if !ok {
		return
	}
	delete(cb.inflight, id)
	cb.count(success)

	// Outcomes admitted under an earlier state do not drive transitions.
	if t.generation != cb.generation {
		return
	}
	if t.trial {
		cb.trialInFlight = false
	}
	cb.apply(success, cb.nowFn())
}

func (cb *CircuitBreaker) record(success bool) {
	cb.count(success)
	now := cb.nowFn()
	cb.advance(now)
	cb.apply(success, now)
}

func (cb *CircuitBreaker) count(success bool) {
	if success {
		cb.metrics.SuccessfulRequests++
	} else {
		cb.metrics.FailedRequests++
	}
}

func (cb *CircuitBreaker) apply(success bool, now time.Time) {
	switch cb.state {
	case StateClosed:
		if success {
			cb.consecutiveFailures = 0
			return
		}
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen, now)
		}
	case StateHalfOpen:
		if !success {
			cb.transition(StateOpen, now)
			return
		}
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed, now)
		}
	}
}

// advance performs the lazy Open -> HalfOpen transition.
func (cb *CircuitBreaker) advance(now time.Time) {
	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.cfg.RecoveryTimeout {
		cb.transition(StateHalfOpen, now)
	}
}

func (cb *CircuitBreaker) transition(to BreakerState, now time.Time) {
	from := cb.state
	cb.state = to
	cb.generation++
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.trialInFlight = false
	switch to {
	case StateOpen:
		cb.openedAt = now
	case StateClosed:
		cb.openedAt = time.Time{}
	}
	cb.metrics.StateTransitions++

	fields := []zap.Field{
		zap.String("provider", string(cb.id)),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	}
	if to == StateOpen {
		cb.logger.Warn("circuit breaker opened", fields...)
	} else {
		cb.logger.Info("circuit breaker state changed", fields...)
	}

	if cb.onChange != nil {
		cb.onChange(StateChange{Provider: cb.id, From: from, To: to, At: now})
	}
}

func (cb *CircuitBreaker) restore(snap BreakerSnapshot) {
	cb.state = snap.State
	cb.openedAt = snap.OpenedAt
	cb.consecutiveFailures = snap.ConsecutiveFailures
	cb.consecutiveSuccesses = snap.ConsecutiveSuccesses
	cb.trialInFlight = false
	cb.generation++
	if cb.state == StateOpen && cb.openedAt.IsZero() {
		cb.openedAt = cb.nowFn()
	}
}

func (cb *CircuitBreaker) snapshot() BreakerSnapshot {
	return BreakerSnapshot{
		State:                cb.state,
		OpenedAt:             cb.openedAt,
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
	}
}
