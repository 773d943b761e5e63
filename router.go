package routeguard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Router picks providers per request and keeps the health, breaker and cost
// bookkeeping for every provider it routes to. It is safe for concurrent use.
type Router struct {
	registry Registry
	health   *HealthMonitor
	costs    *CostTracker
	meter    Meter
	logger   *zap.Logger
	store    StateStore
	failover FailoverStrategy
	attempts int

	breakerCfg       CircuitBreakerConfig
	breakerOverrides map[ProviderID]CircuitBreakerConfig
	breakerOpts      []BreakerOption

	strategyMu sync.RWMutex
	strategy   SelectionStrategy

	snapMu sync.RWMutex
	snap   *routerSnapshot
}

// routerSnapshot is the registry view a Router routes over.
type routerSnapshot struct {
	byKind    map[ProviderKind][]ProviderID
	kindOf    map[ProviderID]ProviderKind
	providers map[ProviderID]Provider
	breakers  map[ProviderID]*CircuitBreaker
	failover  *FailoverManager
}

// Option configures a Router.
type Option func(*Router)

// WithSelectionStrategy sets the scoring strategy. Default: ContextualStrategy.
func WithSelectionStrategy(s SelectionStrategy) Option {
	return func(r *Router) { r.strategy = s }
}

// WithFailoverStrategy sets the strategy used for fallbacks. Default: PriorityStrategy by id.
func WithFailoverStrategy(s FailoverStrategy) Option {
	return func(r *Router) { r.failover = s }
}

// WithHealthMonitor sets the health monitor.
func WithHealthMonitor(h *HealthMonitor) Option {
	return func(r *Router) { r.health = h }
}

// WithCostTracker sets the cost tracker.
func WithCostTracker(t *CostTracker) Option {
	return func(r *Router) { r.costs = t }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(r *Router) { r.meter = m }
}

// WithLogger sets the logger. Default: zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithStateStore sets the store used by SaveBreakerStates and LoadBreakerStates.
func WithStateStore(s StateStore) Option {
	return func(r *Router) { r.store = s }
}

// WithBreakerConfig sets the breaker configuration shared by all providers.
func WithBreakerConfig(cfg CircuitBreakerConfig) Option {
	return func(r *Router) { r.breakerCfg = cfg }
}

// WithProviderBreakerConfig overrides the breaker configuration of one provider.
func WithProviderBreakerConfig(id ProviderID, cfg CircuitBreakerConfig) Option {
	return func(r *Router) { r.breakerOverrides[id] = cfg }
}

// WithBreakerOptions passes extra options to every breaker the router creates.
func WithBreakerOptions(opts ...BreakerOption) Option {
	return func(r *Router) { r.breakerOpts = append(r.breakerOpts, opts...) }
}

// WithMaxAttempts sets how many providers Do tries before giving up. Default: 3.
func WithMaxAttempts(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// NewRouter creates a Router over a snapshot of registry.
// Default components (ContextualStrategy, PriorityStrategy, fresh HealthMonitor
// and CostTracker, no-op meter) are used unless overridden via options.
func NewRouter(registry Registry, opts ...Option) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("routeguard: registry is required")
	}

	r := &Router{
		registry:         registry,
		attempts:         3,
		breakerCfg:       DefaultCircuitBreakerConfig(),
		breakerOverrides: make(map[ProviderID]CircuitBreakerConfig),
	}

	for _, opt := range opts {
		opt(r)
	}

	// Apply defaults after options.
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.strategy == nil {
		r.strategy = NewContextualStrategy()
	}
	if r.failover == nil {
		r.failover = NewPriorityStrategy()
	}
	if r.health == nil {
		r.health = NewHealthMonitor(DefaultHealthConfig())
	}
	if r.costs == nil {
		r.costs = NewCostTracker(r.logger)
	}
	if r.meter == nil {
		r.meter = &noopMeter{}
	}

	snap, err := r.buildSnapshot(nil)
	if err != nil {
		return nil, err
	}
	if len(snap.providers) == 0 {
		return nil, fmt.Errorf("routeguard: at least one provider is required")
	}
	r.snap = snap
	return r, nil
}

func (r *Router) buildSnapshot(prev *routerSnapshot) (*routerSnapshot, error) {
	snap := &routerSnapshot{
		byKind:    make(map[ProviderKind][]ProviderID),
		kindOf:    make(map[ProviderID]ProviderKind),
		providers: make(map[ProviderID]Provider),
		breakers:  make(map[ProviderID]*CircuitBreaker),
	}

	for _, kind := range Kinds() {
		ids := r.registry.ListProviders(kind)
		for _, id := range ids {
			if _, dup := snap.providers[id]; dup {
				return nil, fmt.Errorf("routeguard: provider %s listed under more than one kind", id)
			}
			p, err := r.registry.Resolve(id)
			if err != nil {
				return nil, fmt.Errorf("routeguard: resolve %s: %w", id, err)
			}
			snap.providers[id] = p
			snap.kindOf[id] = kind
			snap.byKind[kind] = append(snap.byKind[kind], id)
		}
		sort.Slice(snap.byKind[kind], func(i, j int) bool { return snap.byKind[kind][i] < snap.byKind[kind][j] })
	}

	for id := range snap.providers {
		if prev != nil {
			if cb, ok := prev.breakers[id]; ok {
				snap.breakers[id] = cb
				continue
			}
		}
		snap.breakers[id] = r.newBreaker(id)
		r.health.Register(id)
	}

	snap.failover = NewFailoverManager(r.failover, r.health, func(id ProviderID) BreakerState {
		if cb, ok := snap.breakers[id]; ok {
			return cb.State()
		}
		return StateOpen
	})
	return snap, nil
}

func (r *Router) newBreaker(id ProviderID) *CircuitBreaker {
	cfg := r.breakerCfg
	if o, ok := r.breakerOverrides[id]; ok {
		cfg = o
	}
	opts := []BreakerOption{
		WithBreakerLogger(r.logger.Named("breaker")),
		WithStateChangeHook(r.meter.OnStateChange),
	}
	opts = append(opts, r.breakerOpts...)
	return NewCircuitBreaker(id, cfg, opts...)
}

func (r *Router) current() *routerSnapshot {
	r.snapMu.RLock()
	defer r.snapMu.RUnlock()
	return r.snap
}

// Rebuild re-reads the registry. Breakers of providers that are still
// registered keep their state; breakers of removed providers are stopped.
func (r *Router) Rebuild() error {
	r.snapMu.Lock()
	defer r.snapMu.Unlock()

	next, err := r.buildSnapshot(r.snap)
	if err != nil {
		return err
	}
	for id, cb := range r.snap.breakers {
		if _, ok := next.breakers[id]; !ok {
			cb.Close()
			r.health.Remove(id)
		}
	}
	r.snap = next

	r.logger.Info("router rebuilt", zap.Int("providers", len(next.providers)))
	return nil
}

// Close stops every breaker goroutine.
func (r *Router) Close() {
	for _, cb := range r.current().breakers {
		cb.Close()
	}
}

// Health returns the router's health monitor.
func (r *Router) Health() *HealthMonitor { return r.health }

// Costs returns the router's cost tracker.
func (r *Router) Costs() *CostTracker { return r.costs }

// Breaker returns the circuit breaker of a provider.
func (r *Router) Breaker(id ProviderID) (*CircuitBreaker, bool) {
	cb, ok := r.current().breakers[id]
	return cb, ok
}

// SetSelectionStrategy replaces the scoring strategy. nil restores the default.
func (r *Router) SetSelectionStrategy(s SelectionStrategy) {
	if s == nil {
		s = NewContextualStrategy()
	}
	r.strategyMu.Lock()
	r.strategy = s
	r.strategyMu.Unlock()
}

func (r *Router) selectionStrategy() SelectionStrategy {
	r.strategyMu.RLock()
	defer r.strategyMu.RUnlock()
	return r.strategy
}

// SelectProvider returns the best provider of kind for pctx.
func (r *Router) SelectProvider(kind ProviderKind, pctx ProviderContext) (ProviderID, error) {
	sel, err := r.selectCandidate(kind, pctx, 1)
	if err != nil {
		return "", err
	}
	return sel.ID, nil
}

// SelectEmbeddingProvider returns the best embedding provider for pctx.
func (r *Router) SelectEmbeddingProvider(pctx ProviderContext) (ProviderID, error) {
	return r.SelectProvider(KindEmbedding, pctx)
}

// SelectVectorStoreProvider returns the best vector store provider for pctx.
func (r *Router) SelectVectorStoreProvider(pctx ProviderContext) (ProviderID, error) {
	return r.SelectProvider(KindVectorStore, pctx)
}

// GetProvider selects a provider of kind and returns a handle to call it through.
func (r *Router) GetProvider(kind ProviderKind, pctx ProviderContext) (*Handle, error) {
	sel, err := r.selectCandidate(kind, pctx, 1)
	if err != nil {
		return nil, err
	}
	return r.handleFor(sel.ID, sel.requestID, pctx.OperationType)
}

// GetEmbeddingProvider selects an embedding provider and returns a handle to it.
func (r *Router) GetEmbeddingProvider(pctx ProviderContext) (*Handle, error) {
	return r.GetProvider(KindEmbedding, pctx)
}

// GetVectorStoreProvider selects a vector store provider and returns a handle to it.
func (r *Router) GetVectorStoreProvider(pctx ProviderContext) (*Handle, error) {
	return r.GetProvider(KindVectorStore, pctx)
}

// SelectFallback asks the failover strategy for an alternate provider of kind.
// Providers excluded by pctx, circuit-open or unhealthy are never returned.
func (r *Router) SelectFallback(kind ProviderKind, pctx ProviderContext) (ProviderID, error) {
	snap := r.current()
	id, ok := snap.failover.Next(pctx, snap.byKind[kind])
	if !ok {
		return "", ErrNoProvidersAvailable
	}
	return id, nil
}

type selection struct {
	scoredCandidate
	requestID string
}

func (r *Router) selectCandidate(kind ProviderKind, pctx ProviderContext, attempt int) (selection, error) {
	candidates := r.buildCandidates(kind, pctx)
	if len(candidates) == 0 {
		r.logger.Debug("no providers available",
			zap.String("kind", string(kind)),
			zap.String("operation", pctx.OperationType),
			zap.Int("excluded", len(pctx.excluded)),
		)
		return selection{}, ErrNoProvidersAvailable
	}

	strategy := r.selectionStrategy()
	best := rankCandidates(candidates, strategy, pctx)[0]
	sel := selection{scoredCandidate: best, requestID: uuid.New().String()}

	r.meter.OnRoute(RouteEvent{
		RequestID:     sel.requestID,
		Provider:      sel.ID,
		Kind:          kind,
		OperationType: pctx.OperationType,
		Strategy:      strategy.Name(),
		Score:         sel.score,
		Candidates:    len(candidates),
		AttemptNum:    attempt,
	})
	return sel, nil
}

func (r *Router) handleFor(id ProviderID, requestID, operation string) (*Handle, error) {
	snap := r.current()
	p, ok := snap.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotRegistered, id)
	}
	return &Handle{
		ID:            id,
		Kind:          snap.kindOf[id],
		Provider:      p,
		RequestID:     requestID,
		OperationType: operation,
		router:        r,
		breaker:       snap.breakers[id],
	}, nil
}

// RecordSuccess reports a successful call made outside a Handle.
// For request-priced providers one unit is charged.
func (r *Router) RecordSuccess(id ProviderID, latency time.Duration) error {
	return r.report(outcome{id: id, latency: latency, toBreaker: true})
}

// RecordSuccessWithUsage reports a successful call and charges units.
func (r *Router) RecordSuccessWithUsage(id ProviderID, latency time.Duration, units uint64) error {
	return r.report(outcome{id: id, latency: latency, units: units, hasUnits: true, toBreaker: true})
}

// RecordFailure reports a failed call made outside a Handle.
func (r *Router) RecordFailure(id ProviderID, err error) error {
	if err == nil {
		err = errors.New("unspecified failure")
	}
	return r.report(outcome{id: id, err: err, toBreaker: true})
}

type outcome struct {
	id        ProviderID
	requestID string
	operation string
	latency   time.Duration
	units     uint64
	hasUnits  bool
	err       error
	toBreaker bool
}

// report fans an outcome out to health, breaker and cost bookkeeping.
func (r *Router) report(o outcome) error {
	cb, ok := r.current().breakers[o.id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotRegistered, o.id)
	}

	ev := ResultEvent{
		RequestID: o.requestID,
		Provider:  o.id,
		Success:   o.err == nil,
		Duration:  o.latency,
		Error:     o.err,
	}

	if o.err != nil {
		r.health.RecordFailure(o.id, o.err)
		if o.toBreaker {
			cb.RecordFailure()
		}
		r.meter.OnResult(ev)
		return nil
	}

	r.health.RecordSuccess(o.id, o.latency)
	if o.toBreaker {
		cb.RecordSuccess()
	}

	if cost, ok := r.costs.OperationCost(o.id, o.operation); ok {
		units := o.units
		if !o.hasUnits && cost.UnitType.PerRequest() {
			units, o.hasUnits = 1, true
		}
		if o.hasUnits {
			charged, err := r.costs.RecordOperationUsage(o.id, o.operation, units)
			if err == nil {
				ev.Units = units
				ev.Cost = charged
			}
		}
	}

	r.meter.OnResult(ev)
	return nil
}

// Do routes fn to a provider of kind. Retryable failures exclude the provider
// and fall back to the failover strategy, up to the configured attempts.
// Fatal errors and context cancellation stop immediately.
func (r *Router) Do(ctx context.Context, kind ProviderKind, pctx ProviderContext, fn func(context.Context, Provider) error) error {
	var (
		lastErr      error
		lastProvider ProviderID
		attempts     int
	)

	for attempts < r.attempts {
		h, err := r.nextHandle(kind, pctx, attempts+1)
		if err != nil {
			if lastErr == nil {
				return &RouterError{Err: err, Kind: kind, Attempts: attempts}
			}
			break
		}
		attempts++

		err = h.Call(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr, lastProvider = err, h.ID

		if ctx.Err() != nil || IsFatal(err) {
			return &RouterError{Err: err, Kind: kind, Provider: h.ID, Attempts: attempts}
		}

		r.logger.Debug("provider attempt failed",
			zap.String("provider", string(h.ID)),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		pctx = pctx.Exclude(h.ID)
	}

	return &RouterError{
		Err:      fmt.Errorf("%w: %w", ErrAllFailed, lastErr),
		Kind:     kind,
		Provider: lastProvider,
		Attempts: attempts,
	}
}

// nextHandle uses the selection strategy for the first attempt and the
// failover strategy for the rest.
func (r *Router) nextHandle(kind ProviderKind, pctx ProviderContext, attempt int) (*Handle, error) {
	if attempt == 1 {
		return r.GetProvider(kind, pctx)
	}

	id, err := r.SelectFallback(kind, pctx)
	if err != nil {
		return nil, err
	}
	requestID := uuid.New().String()
	r.meter.OnRoute(RouteEvent{
		RequestID:     requestID,
		Provider:      id,
		Kind:          kind,
		OperationType: pctx.OperationType,
		Strategy:      r.current().failover.Strategy().Name(),
		AttemptNum:    attempt,
	})
	return r.handleFor(id, requestID, pctx.OperationType)
}

// GetStatistics computes the current router statistics.
func (r *Router) GetStatistics() RouterStatistics {
	snap := r.current()
	stats := RouterStatistics{
		TotalProviders:  len(snap.providers),
		ProvidersByKind: make(map[ProviderKind]int, len(snap.byKind)),
		StrategyName:    r.selectionStrategy().Name(),
	}
	for kind, ids := range snap.byKind {
		stats.ProvidersByKind[kind] = len(ids)
	}
	for id, cb := range snap.breakers {
		switch r.health.Status(id) {
		case HealthHealthy:
			stats.HealthyProviders++
		case HealthDegraded:
			stats.DegradedProviders++
		}
		if cb.State() == StateOpen {
			stats.OpenCircuits++
		}
	}
	return stats
}

// SaveBreakerStates persists every breaker with persistence enabled.
func (r *Router) SaveBreakerStates(ctx context.Context) error {
	if r.store == nil {
		return fmt.Errorf("routeguard: no state store configured")
	}
	var errs []error
	for _, cb := range r.current().breakers {
		if err := cb.SaveState(ctx, r.store); err != nil && !errors.Is(err, ErrPersistenceDisabled) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadBreakerStates restores every breaker with persistence enabled and
// returns how many had a saved state.
func (r *Router) LoadBreakerStates(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, fmt.Errorf("routeguard: no state store configured")
	}
	var (
		errs     []error
		restored int
	)
	for _, cb := range r.current().breakers {
		found, err := cb.LoadState(ctx, r.store)
		switch {
		case errors.Is(err, ErrPersistenceDisabled):
		case err != nil:
			errs = append(errs, err)
		case found:
			restored++
		}
	}
	return restored, errors.Join(errs...)
}
