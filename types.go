package routeguard

import (
	"sort"
	"time"
)

// ProviderID identifies a provider instance. Unique within a registry.
type ProviderID string

// ProviderKind is the capability a provider offers.
type ProviderKind string

const (
	KindEmbedding   ProviderKind = "embedding"
	KindVectorStore ProviderKind = "vector_store"
)

// Kinds lists every provider kind the router knows how to route.
func Kinds() []ProviderKind {
	return []ProviderKind{KindEmbedding, KindVectorStore}
}

// ProviderContext carries the per-request routing preferences.
// It is a value object: build it with NewProviderContext and derive
// variants with Exclude instead of mutating it.
type ProviderContext struct {
	OperationType      string
	CostSensitivity    float64
	QualityRequirement float64

	excluded map[ProviderID]struct{}
}

// ContextOption configures a ProviderContext.
type ContextOption func(*ProviderContext)

// WithCostSensitivity sets how strongly cheaper providers are preferred (0..1).
func WithCostSensitivity(v float64) ContextOption {
	return func(c *ProviderContext) { c.CostSensitivity = clamp01(v) }
}

// WithQualityRequirement sets how strongly higher quality providers are preferred (0..1).
func WithQualityRequirement(v float64) ContextOption {
	return func(c *ProviderContext) { c.QualityRequirement = clamp01(v) }
}

// WithExcluded removes the given providers from consideration.
func WithExcluded(ids ...ProviderID) ContextOption {
	return func(c *ProviderContext) {
		for _, id := range ids {
			c.excluded[id] = struct{}{}
		}
	}
}

// NewProviderContext creates a context for the given operation type.
// Defaults: cost sensitivity 0.5, quality requirement 0.5.
func NewProviderContext(operationType string, opts ...ContextOption) ProviderContext {
	c := ProviderContext{
		OperationType:      operationType,
		CostSensitivity:    0.5,
		QualityRequirement: 0.5,
		excluded:           make(map[ProviderID]struct{}),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// IsExcluded reports whether id was excluded by the caller.
func (c ProviderContext) IsExcluded(id ProviderID) bool {
	_, ok := c.excluded[id]
	return ok
}

// Excluded returns the excluded provider ids in sorted order.
func (c ProviderContext) Excluded() []ProviderID {
	out := make([]ProviderID, 0, len(c.excluded))
	for id := range c.excluded {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Exclude returns a copy of the context that additionally excludes ids.
// The receiver is left untouched.
func (c ProviderContext) Exclude(ids ...ProviderID) ProviderContext {
	next := c
	next.excluded = make(map[ProviderID]struct{}, len(c.excluded)+len(ids))
	for id := range c.excluded {
		next.excluded[id] = struct{}{}
	}
	for _, id := range ids {
		next.excluded[id] = struct{}{}
	}
	return next
}

// HealthStatus is the live classification of a provider.
type HealthStatus int

const (
	HealthHealthy HealthStatus = iota
	HealthDegraded
	HealthUnhealthy
)

func (h HealthStatus) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// HealthCheckResult is a single observation fed into the HealthMonitor.
type HealthCheckResult struct {
	ProviderID   ProviderID
	Status       HealthStatus
	ResponseTime time.Duration
	ErrorMessage string
}

// UsageMetrics is the cumulative usage of a provider.
type UsageMetrics struct {
	TotalUnits uint64
	TotalCost  float64
	Requests   uint64
}

// RouterStatistics is computed on demand by Router.GetStatistics.
type RouterStatistics struct {
	TotalProviders    int
	HealthyProviders  int
	DegradedProviders int
	OpenCircuits      int
	ProvidersByKind   map[ProviderKind]int
	StrategyName      string
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
