package policy

import "github.com/ineyio/routeguard"

// FreeFirstStrategy prioritizes free providers, then paid providers by
// cost efficiency. Healthy providers win over degraded ones in each group.
type FreeFirstStrategy struct{}

var _ routeguard.SelectionStrategy = (*FreeFirstStrategy)(nil)

func (s *FreeFirstStrategy) Name() string { return "free_first" }

func (s *FreeFirstStrategy) Score(c routeguard.Candidate, _ routeguard.ProviderContext) float64 {
	score := c.HealthScore
	if c.Free {
		// Free before paid.
		return 10 + score
	}
	return 2*c.Efficiency() + score
}
