package routeguard

import (
	"sync"
	"time"
)

// HealthConfig holds the classification thresholds used by HealthMonitor.
// Zero latency thresholds disable the latency rules.
//
// An unhealthy provider is excluded from routing, so it receives no new
// observations. After UnhealthyRecovery it reads as degraded and gets a trial
// call: one more failure makes it unhealthy again with a fresh period.
type HealthConfig struct {
	WindowSize             int           `yaml:"window_size" validate:"gte=0"`
	DegradedAfterFailures  int           `yaml:"degraded_after_failures" validate:"gte=0"`
	UnhealthyAfterFailures int           `yaml:"unhealthy_after_failures" validate:"gte=0"`
	DegradedLatency        time.Duration `yaml:"degraded_latency" validate:"gte=0"`
	UnhealthyLatency       time.Duration `yaml:"unhealthy_latency" validate:"gte=0"`
	DegradedFailureRatio   float64       `yaml:"degraded_failure_ratio" validate:"gte=0,lte=1"`
	MinRatioSamples        int           `yaml:"min_ratio_samples" validate:"gte=0"`
	UnhealthyRecovery      time.Duration `yaml:"unhealthy_recovery" validate:"gte=0"`
}

// DefaultHealthConfig returns the default classification policy.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		WindowSize:             20,
		DegradedAfterFailures:  1,
		UnhealthyAfterFailures: 3,
		DegradedLatency:        2 * time.Second,
		UnhealthyLatency:       10 * time.Second,
		DegradedFailureRatio:   0.5,
		MinRatioSamples:        5,
		UnhealthyRecovery:      30 * time.Second,
	}
}

func (c HealthConfig) withDefaults() HealthConfig {
	d := DefaultHealthConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.UnhealthyAfterFailures <= 0 {
		c.UnhealthyAfterFailures = d.UnhealthyAfterFailures
	}
	if c.DegradedAfterFailures <= 0 || c.DegradedAfterFailures > c.UnhealthyAfterFailures {
		c.DegradedAfterFailures = min(d.DegradedAfterFailures, c.UnhealthyAfterFailures)
	}
	if c.MinRatioSamples <= 0 {
		c.MinRatioSamples = d.MinRatioSamples
	}
	if c.UnhealthyRecovery <= 0 {
		c.UnhealthyRecovery = d.UnhealthyRecovery
	}
	return c
}

// HealthReader is the read side of the HealthMonitor used by failover strategies.
type HealthReader interface {
	Status(id ProviderID) HealthStatus
}

// HealthReport is a point-in-time view of a provider's health record.
type HealthReport struct {
	Status              HealthStatus
	ConsecutiveFailures int
	Observations        int
	AverageLatency      time.Duration
	LastError           string
	UpdatedAt           time.Time
}

// HealthMonitor classifies provider health from a rolling window of outcomes.
// Each provider has its own lock; unrelated providers never contend.
type HealthMonitor struct {
	cfg       HealthConfig
	nowFn     func() time.Time
	providers sync.Map // ProviderID -> *providerHealth
}

var _ HealthReader = (*HealthMonitor)(nil)

type observation struct {
	status  HealthStatus
	latency time.Duration
}

type providerHealth struct {
	mu                  sync.Mutex
	window              []observation
	next                int
	filled              bool
	consecutiveFailures int
	lastError           string
	status              HealthStatus
	updatedAt           time.Time
	unhealthyAt         time.Time
}

// HealthOption configures a HealthMonitor.
type HealthOption func(*HealthMonitor)

// WithHealthClock overrides the time source used for recovery periods.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthMonitor) { h.nowFn = now }
}

// NewHealthMonitor creates a HealthMonitor with the given thresholds.
func NewHealthMonitor(cfg HealthConfig, opts ...HealthOption) *HealthMonitor {
	h := &HealthMonitor{
		cfg:   cfg.withDefaults(),
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register seeds a provider as healthy. Already known providers keep their record.
func (h *HealthMonitor) Register(id ProviderID) {
	h.getOrCreate(id)
}

// Remove forgets a provider; it reads as unhealthy afterwards.
func (h *HealthMonitor) Remove(id ProviderID) {
	h.providers.Delete(id)
}

// RecordResult appends an observation and reclassifies the provider.
func (h *HealthMonitor) RecordResult(result HealthCheckResult) {
	ph := h.getOrCreate(result.ProviderID)

	ph.mu.Lock()
	defer ph.mu.Unlock()

	ph.window[ph.next] = observation{status: result.Status, latency: result.ResponseTime}
	ph.next = (ph.next + 1) % len(ph.window)
	if ph.next == 0 {
		ph.filled = true
	}

	if result.Status == HealthUnhealthy {
		ph.consecutiveFailures++
		ph.lastError = result.ErrorMessage
	} else {
		ph.consecutiveFailures = 0
	}

	now := h.nowFn()
	h.recover(ph, now)

	prev := ph.status
	ph.status = h.classify(ph, result.Status)
	if ph.status == HealthUnhealthy && prev != HealthUnhealthy {
		ph.unhealthyAt = now
	}
	ph.updatedAt = now
}

// RecordSuccess records a successful call with its latency.
func (h *HealthMonitor) RecordSuccess(id ProviderID, latency time.Duration) {
	h.RecordResult(HealthCheckResult{ProviderID: id, Status: HealthHealthy, ResponseTime: latency})
}

// RecordFailure records a failed call.
func (h *HealthMonitor) RecordFailure(id ProviderID, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	h.RecordResult(HealthCheckResult{ProviderID: id, Status: HealthUnhealthy, ErrorMessage: msg})
}

// Status returns the current classification. Unknown providers are unhealthy.
func (h *HealthMonitor) Status(id ProviderID) HealthStatus {
	v, ok := h.providers.Load(id)
	if !ok {
		return HealthUnhealthy
	}
	ph := v.(*providerHealth)
	ph.mu.Lock()
	defer ph.mu.Unlock()
	h.recover(ph, h.nowFn())
	return ph.status
}

// Score maps the status onto [0,1]: healthy 1, degraded 0.5, unhealthy 0.
func (h *HealthMonitor) Score(id ProviderID) float64 {
	switch h.Status(id) {
	case HealthHealthy:
		return 1.0
	case HealthDegraded:
		return 0.5
	default:
		return 0
	}
}

// AllStatuses returns the classification of every known provider.
func (h *HealthMonitor) AllStatuses() map[ProviderID]HealthStatus {
	out := make(map[ProviderID]HealthStatus)
	now := h.nowFn()
	h.providers.Range(func(k, v any) bool {
		ph := v.(*providerHealth)
		ph.mu.Lock()
		h.recover(ph, now)
		out[k.(ProviderID)] = ph.status
		ph.mu.Unlock()
		return true
	})
	return out
}

// Report returns the detailed health record of a provider.
func (h *HealthMonitor) Report(id ProviderID) (HealthReport, bool) {
	v, ok := h.providers.Load(id)
	if !ok {
		return HealthReport{Status: HealthUnhealthy}, false
	}
	ph := v.(*providerHealth)
	ph.mu.Lock()
	defer ph.mu.Unlock()
	h.recover(ph, h.nowFn())

	avg, _ := ph.averageLatency()
	return HealthReport{
		Status:              ph.status,
		ConsecutiveFailures: ph.consecutiveFailures,
		Observations:        ph.size(),
		AverageLatency:      avg,
		LastError:           ph.lastError,
		UpdatedAt:           ph.updatedAt,
	}, true
}

// recover moves an unhealthy provider to degraded once its recovery period
// has elapsed, leaving it one failure away from unhealthy.
// Must be called with ph.mu held.
func (h *HealthMonitor) recover(ph *providerHealth, now time.Time) {
	if ph.status != HealthUnhealthy || now.Sub(ph.unhealthyAt) < h.cfg.UnhealthyRecovery {
		return
	}
	ph.status = HealthDegraded
	ph.consecutiveFailures = h.cfg.UnhealthyAfterFailures - 1
	ph.updatedAt = now
}

// classify must be called with ph.mu held.
func (h *HealthMonitor) classify(ph *providerHealth, latest HealthStatus) HealthStatus {
	status := HealthHealthy

	switch {
	case ph.consecutiveFailures >= h.cfg.UnhealthyAfterFailures:
		return HealthUnhealthy
	case ph.consecutiveFailures >= h.cfg.DegradedAfterFailures:
		status = HealthDegraded
	}

	if latest == HealthDegraded {
		status = worst(status, HealthDegraded)
	}

	if avg, ok := ph.averageLatency(); ok {
		if h.cfg.UnhealthyLatency > 0 && avg >= h.cfg.UnhealthyLatency {
			return HealthUnhealthy
		}
		if h.cfg.DegradedLatency > 0 && avg >= h.cfg.DegradedLatency {
			status = worst(status, HealthDegraded)
		}
	}

	if n := ph.size(); n >= h.cfg.MinRatioSamples && h.cfg.DegradedFailureRatio > 0 {
		failures := 0
		for _, o := range ph.observations() {
			if o.status == HealthUnhealthy {
				failures++
			}
		}
		if float64(failures)/float64(n) >= h.cfg.DegradedFailureRatio {
			status = worst(status, HealthDegraded)
		}
	}

	return status
}

func (h *HealthMonitor) getOrCreate(id ProviderID) *providerHealth {
	if v, ok := h.providers.Load(id); ok {
		return v.(*providerHealth)
	}
	v, _ := h.providers.LoadOrStore(id, &providerHealth{
		window:    make([]observation, h.cfg.WindowSize),
		status:    HealthHealthy,
		updatedAt: h.nowFn(),
	})
	return v.(*providerHealth)
}

func (ph *providerHealth) size() int {
	if ph.filled {
		return len(ph.window)
	}
	return ph.next
}

func (ph *providerHealth) observations() []observation {
	return ph.window[:ph.size()]
}

// averageLatency averages the response time of non-failed observations.
func (ph *providerHealth) averageLatency() (time.Duration, bool) {
	var total time.Duration
	n := 0
	for _, o := range ph.observations() {
		if o.status == HealthUnhealthy {
			continue
		}
		total += o.latency
		n++
	}
	if n == 0 {
		return 0, false
	}
	return total / time.Duration(n), true
}

func worst(a, b HealthStatus) HealthStatus {
	if b > a {
		return b
	}
	return a
}
