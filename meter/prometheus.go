package meter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/routeguard"
)

// PrometheusConfig holds PrometheusMeter configuration.
type PrometheusConfig struct {
	Namespace string
	Subsystem string
	Buckets   []float64
}

// DefaultPrometheusConfig returns the default PrometheusMeter configuration.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{
		Namespace: "routeguard",
		Buckets:   prometheus.DefBuckets,
	}
}

// PrometheusMeter exports routing events as Prometheus metrics.
type PrometheusMeter struct {
	RoutesTotal      *prometheus.CounterVec
	ResultsTotal     *prometheus.CounterVec
	CallDuration     *prometheus.HistogramVec
	UnitsTotal       *prometheus.CounterVec
	CostTotal        *prometheus.CounterVec
	TransitionsTotal *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
}

var _ routeguard.Meter = (*PrometheusMeter)(nil)

// NewPrometheusMeter creates the collectors and registers them with reg.
// A nil reg skips registration.
func NewPrometheusMeter(cfg PrometheusConfig, reg prometheus.Registerer) (*PrometheusMeter, error) {
	if cfg.Buckets == nil {
		cfg.Buckets = prometheus.DefBuckets
	}

	m := &PrometheusMeter{
		RoutesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "routes_total",
				Help:      "Total number of routing decisions",
			},
			[]string{"provider", "kind", "strategy"},
		),
		ResultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "results_total",
				Help:      "Total number of recorded provider outcomes",
			},
			[]string{"provider", "status"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "call_duration_seconds",
				Help:      "Provider call duration in seconds",
				Buckets:   cfg.Buckets,
			},
			[]string{"provider", "status"},
		),
		UnitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "usage_units_total",
				Help:      "Total usage units charged",
			},
			[]string{"provider"},
		),
		CostTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "cost_total",
				Help:      "Total cost charged",
			},
			[]string{"provider"},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "breaker_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"provider", "from", "to"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "breaker_state",
				Help:      "Current circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"provider"},
		),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.RoutesTotal, m.ResultsTotal, m.CallDuration,
			m.UnitsTotal, m.CostTotal, m.TransitionsTotal, m.BreakerState,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *PrometheusMeter) OnRoute(e routeguard.RouteEvent) {
	m.RoutesTotal.WithLabelValues(string(e.Provider), string(e.Kind), e.Strategy).Inc()
}

func (m *PrometheusMeter) OnResult(e routeguard.ResultEvent) {
	status := "success"
	if !e.Success {
		status = "failure"
	}
	provider := string(e.Provider)

	m.ResultsTotal.WithLabelValues(provider, status).Inc()
	m.CallDuration.WithLabelValues(provider, status).Observe(e.Duration.Seconds())
	if e.Units > 0 {
		m.UnitsTotal.WithLabelValues(provider).Add(float64(e.Units))
	}
	if e.Cost > 0 {
		m.CostTotal.WithLabelValues(provider).Add(e.Cost)
	}
}

func (m *PrometheusMeter) OnStateChange(e routeguard.StateChange) {
	provider := string(e.Provider)
	m.TransitionsTotal.WithLabelValues(provider, e.From.String(), e.To.String()).Inc()
	m.BreakerState.WithLabelValues(provider).Set(float64(e.To))
}
