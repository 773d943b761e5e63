package policy

import "github.com/ineyio/routeguard"

// CostFirstStrategy prefers the most cost efficient provider. Health only
// breaks near-ties. Providers without a registered cost score 0.5.
type CostFirstStrategy struct{}

var _ routeguard.SelectionStrategy = (*CostFirstStrategy)(nil)

func (s *CostFirstStrategy) Name() string { return "cost_first" }

// Score returns efficiency plus a hundredth of the health score.
func (s *CostFirstStrategy) Score(c routeguard.Candidate, _ routeguard.ProviderContext) float64 {
	return c.Efficiency() + c.HealthScore/100
}
