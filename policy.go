package routeguard

// SelectionStrategy scores eligible candidates for a request.
// The router picks the highest score; ties go to the lowest provider id.
type SelectionStrategy interface {
	// Name identifies the strategy in statistics and logs.
	Name() string

	// Score rates a candidate for the given context. Higher is better.
	Score(c Candidate, pctx ProviderContext) float64
}

// Candidate is a provider that passed filtering, with the signals strategies score on.
type Candidate struct {
	ID       ProviderID
	Kind     ProviderKind
	Provider Provider

	Health      HealthStatus
	HealthScore float64
	Circuit     BreakerState

	// CostEfficiency is valid only if HasCost is set.
	CostEfficiency float64
	CostPerUnit    float64
	HasCost        bool
	Free           bool

	// Quality is valid only if HasQuality is set.
	Quality    float64
	HasQuality bool
}

// unknownScore stands in for a signal the router has no data for.
const unknownScore = 0.5

// Efficiency returns the cost efficiency, or 0.5 if no cost is registered.
func (c Candidate) Efficiency() float64 {
	if !c.HasCost {
		return unknownScore
	}
	return c.CostEfficiency
}

// QualityScore returns the reported quality, or 0.5 if the provider reports none.
func (c Candidate) QualityScore() float64 {
	if !c.HasQuality {
		return unknownScore
	}
	return c.Quality
}

// ContextualStrategy is the default strategy:
//
//	score = HealthWeight*health + cs*efficiency + (1-cs)*qr*quality
//
// where cs is the context's cost sensitivity and qr its quality requirement.
type ContextualStrategy struct {
	HealthWeight float64
}

var _ SelectionStrategy = (*ContextualStrategy)(nil)

// NewContextualStrategy returns a ContextualStrategy with HealthWeight 1.0.
func NewContextualStrategy() *ContextualStrategy {
	return &ContextualStrategy{HealthWeight: 1.0}
}

func (s *ContextualStrategy) Name() string { return "contextual" }

func (s *ContextualStrategy) Score(c Candidate, pctx ProviderContext) float64 {
	cs := pctx.CostSensitivity
	return s.HealthWeight*c.HealthScore +
		cs*c.Efficiency() +
		(1-cs)*pctx.QualityRequirement*c.QualityScore()
}
