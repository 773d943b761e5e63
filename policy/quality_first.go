package policy

import "github.com/ineyio/routeguard"

// QualityFirstStrategy prefers the provider reporting the highest quality,
// ignoring cost. Providers that report no quality score 0.5.
type QualityFirstStrategy struct{}

var _ routeguard.SelectionStrategy = (*QualityFirstStrategy)(nil)

func (s *QualityFirstStrategy) Name() string { return "quality_first" }

// Score returns quality plus a hundredth of the health score.
func (s *QualityFirstStrategy) Score(c routeguard.Candidate, _ routeguard.ProviderContext) float64 {
	return c.QualityScore() + c.HealthScore/100
}
