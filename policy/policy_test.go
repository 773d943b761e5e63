package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	rg "github.com/ineyio/routeguard"
	"github.com/ineyio/routeguard/policy"
)

func candidate(id rg.ProviderID, opts ...func(*rg.Candidate)) rg.Candidate {
	c := rg.Candidate{ID: id, Kind: rg.KindEmbedding, Health: rg.HealthHealthy, HealthScore: 1}
	for _, o := range opts {
		o(&c)
	}
	return c
}

func cost(eff, perUnit float64) func(*rg.Candidate) {
	return func(c *rg.Candidate) {
		c.HasCost = true
		c.CostEfficiency = eff
		c.CostPerUnit = perUnit
		c.Free = perUnit == 0
	}
}

func quality(q float64) func(*rg.Candidate) {
	return func(c *rg.Candidate) {
		c.HasQuality = true
		c.Quality = q
	}
}

func degraded(c *rg.Candidate) {
	c.Health = rg.HealthDegraded
	c.HealthScore = 0.5
}

func best(s rg.SelectionStrategy, cs ...rg.Candidate) rg.ProviderID {
	pctx := rg.NewProviderContext("embed")
	var (
		bestID    rg.ProviderID
		bestScore float64
	)
	for i, c := range cs {
		score := s.Score(c, pctx)
		if i == 0 || score > bestScore {
			bestID, bestScore = c.ID, score
		}
	}
	return bestID
}

func TestCostFirst(t *testing.T) {
	s := &policy.CostFirstStrategy{}
	assert.Equal(t, "cost_first", s.Name())

	assert.Equal(t, rg.ProviderID("cheap"), best(s,
		candidate("pricey", cost(0.2, 5)),
		candidate("cheap", cost(1, 1)),
	))

	// Unknown cost sits between cheap and pricey.
	assert.Equal(t, rg.ProviderID("unknown"), best(s,
		candidate("pricey", cost(0.2, 5)),
		candidate("unknown"),
	))

	// Health only breaks ties.
	assert.Equal(t, rg.ProviderID("healthy"), best(s,
		candidate("degraded", cost(1, 1), degraded),
		candidate("healthy", cost(1, 1)),
	))
	assert.Equal(t, rg.ProviderID("cheap"), best(s,
		candidate("cheap", cost(1, 1), degraded),
		candidate("pricier", cost(0.9, 1.1)),
	))
}

func TestFreeFirst(t *testing.T) {
	s := &policy.FreeFirstStrategy{}
	assert.Equal(t, "free_first", s.Name())

	// A degraded free provider still beats a healthy paid one.
	assert.Equal(t, rg.ProviderID("free"), best(s,
		candidate("paid", cost(1, 0.01)),
		candidate("free", cost(1, 0), degraded),
	))

	assert.Equal(t, rg.ProviderID("healthy-free"), best(s,
		candidate("degraded-free", cost(1, 0), degraded),
		candidate("healthy-free", cost(1, 0)),
	))

	assert.Equal(t, rg.ProviderID("cheap"), best(s,
		candidate("pricey", cost(0.1, 10)),
		candidate("cheap", cost(1, 1)),
	))
}

func TestQualityFirst(t *testing.T) {
	s := &policy.QualityFirstStrategy{}
	assert.Equal(t, "quality_first", s.Name())

	assert.Equal(t, rg.ProviderID("premium"), best(s,
		candidate("cheap", cost(1, 0), quality(0.6)),
		candidate("premium", cost(0.1, 10), quality(0.95)),
	))

	// Unreported quality counts as 0.5.
	assert.Equal(t, rg.ProviderID("unknown"), best(s,
		candidate("weak", quality(0.3)),
		candidate("unknown"),
	))
}

func TestStrategies_EqualCandidatesTie(t *testing.T) {
	for _, s := range []rg.SelectionStrategy{
		&policy.CostFirstStrategy{},
		&policy.FreeFirstStrategy{},
		&policy.QualityFirstStrategy{},
		rg.NewContextualStrategy(),
	} {
		pctx := rg.NewProviderContext("embed", rg.WithCostSensitivity(0.3))
		a := s.Score(candidate("a", cost(0.5, 1), quality(0.5)), pctx)
		b := s.Score(candidate("b", cost(0.5, 1), quality(0.5)), pctx)
		assert.Equal(t, a, b, s.Name())
	}
}
