package meter

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ineyio/routeguard"
)

// OTelMeter records routing events as OpenTelemetry metrics.
type OTelMeter struct {
	routes      metric.Int64Counter
	results     metric.Int64Counter
	duration    metric.Float64Histogram
	units       metric.Int64Counter
	cost        metric.Float64Counter
	transitions metric.Int64Counter
}

var _ routeguard.Meter = (*OTelMeter)(nil)

// NewOTelMeter creates the instruments on provider's "routeguard" meter.
func NewOTelMeter(provider metric.MeterProvider) (*OTelMeter, error) {
	meter := provider.Meter("github.com/ineyio/routeguard")

	var (
		m    OTelMeter
		err  error
		errs []error
	)

	m.routes, err = meter.Int64Counter("routeguard.routes",
		metric.WithDescription("Count of routing decisions."))
	errs = append(errs, err)

	m.results, err = meter.Int64Counter("routeguard.results",
		metric.WithDescription("Count of recorded provider outcomes."))
	errs = append(errs, err)

	m.duration, err = meter.Float64Histogram("routeguard.call.duration",
		metric.WithDescription("Provider call duration."),
		metric.WithUnit("s"))
	errs = append(errs, err)

	m.units, err = meter.Int64Counter("routeguard.usage.units",
		metric.WithDescription("Usage units charged."))
	errs = append(errs, err)

	m.cost, err = meter.Float64Counter("routeguard.usage.cost",
		metric.WithDescription("Cost charged."))
	errs = append(errs, err)

	m.transitions, err = meter.Int64Counter("routeguard.breaker.transitions",
		metric.WithDescription("Count of circuit breaker state transitions."))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *OTelMeter) OnRoute(e routeguard.RouteEvent) {
	m.routes.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("provider", string(e.Provider)),
		attribute.String("kind", string(e.Kind)),
		attribute.String("strategy", e.Strategy),
	))
}

func (m *OTelMeter) OnResult(e routeguard.ResultEvent) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("provider", string(e.Provider)),
		attribute.Bool("success", e.Success),
	)
	m.results.Add(ctx, 1, attrs)
	m.duration.Record(ctx, e.Duration.Seconds(), attrs)

	provider := metric.WithAttributes(attribute.String("provider", string(e.Provider)))
	if e.Units > 0 {
		m.units.Add(ctx, int64(e.Units), provider)
	}
	if e.Cost > 0 {
		m.cost.Add(ctx, e.Cost, provider)
	}
}

func (m *OTelMeter) OnStateChange(e routeguard.StateChange) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("provider", string(e.Provider)),
		attribute.String("from", e.From.String()),
		attribute.String("to", e.To.String()),
	))
}
