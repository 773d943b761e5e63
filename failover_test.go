package routeguard_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	rg "github.com/ineyio/routeguard"
)

// staticHealth is a HealthReader backed by a map. Missing ids are healthy.
type staticHealth map[rg.ProviderID]rg.HealthStatus

func (h staticHealth) Status(id rg.ProviderID) rg.HealthStatus {
	if s, ok := h[id]; ok {
		return s
	}
	return rg.HealthHealthy
}

func TestPriorityStrategy_WalksOrder(t *testing.T) {
	s := rg.NewPriorityStrategy("c", "a", "b")
	candidates := []rg.ProviderID{"a", "b", "c"}
	pctx := rg.NewProviderContext("embed")

	id, ok := s.SelectNext(pctx, candidates, staticHealth{})
	assert.True(t, ok)
	assert.Equal(t, rg.ProviderID("c"), id)

	id, _ = s.SelectNext(pctx, candidates, staticHealth{"c": rg.HealthUnhealthy})
	assert.Equal(t, rg.ProviderID("a"), id)

	id, _ = s.SelectNext(pctx.Exclude("c", "a"), candidates, staticHealth{})
	assert.Equal(t, rg.ProviderID("b"), id)
}

func TestPriorityStrategy_PrefersHealthyOverDegraded(t *testing.T) {
	s := rg.NewPriorityStrategy("a", "b")

	id, ok := s.SelectNext(rg.NewProviderContext("embed"), []rg.ProviderID{"a", "b"},
		staticHealth{"a": rg.HealthDegraded})
	assert.True(t, ok)
	assert.Equal(t, rg.ProviderID("b"), id)

	id, ok = s.SelectNext(rg.NewProviderContext("embed"), []rg.ProviderID{"a", "b"},
		staticHealth{"a": rg.HealthDegraded, "b": rg.HealthUnhealthy})
	assert.True(t, ok)
	assert.Equal(t, rg.ProviderID("a"), id)
}

func TestPriorityStrategy_UnlistedCandidatesLast(t *testing.T) {
	s := rg.NewPriorityStrategy("z")

	id, _ := s.SelectNext(rg.NewProviderContext("embed"), []rg.ProviderID{"b", "a", "z"},
		staticHealth{"z": rg.HealthUnhealthy})
	assert.Equal(t, rg.ProviderID("a"), id)
}

func TestPriorityStrategy_NoneEligible(t *testing.T) {
	s := rg.NewPriorityStrategy("a")

	_, ok := s.SelectNext(rg.NewProviderContext("embed", rg.WithExcluded("a")), []rg.ProviderID{"a", "b"},
		staticHealth{"b": rg.HealthUnhealthy})
	assert.False(t, ok)
}

func TestRoundRobinStrategy_Rotates(t *testing.T) {
	s := rg.NewRoundRobinStrategy()
	candidates := []rg.ProviderID{"c", "a", "b"}
	pctx := rg.NewProviderContext("embed")

	var got []rg.ProviderID
	for i := 0; i < 6; i++ {
		id, ok := s.SelectNext(pctx, candidates, staticHealth{})
		assert.True(t, ok)
		got = append(got, id)
	}
	assert.Equal(t, []rg.ProviderID{"a", "b", "c", "a", "b", "c"}, got)
}

func TestRoundRobinStrategy_SkipsUnhealthyAndExcluded(t *testing.T) {
	s := rg.NewRoundRobinStrategy()
	candidates := []rg.ProviderID{"a", "b", "c", "d"}
	pctx := rg.NewProviderContext("embed", rg.WithExcluded("d"))
	health := staticHealth{"b": rg.HealthUnhealthy, "c": rg.HealthDegraded}

	for i := 0; i < 4; i++ {
		id, ok := s.SelectNext(pctx, candidates, health)
		assert.True(t, ok)
		assert.Equal(t, rg.ProviderID("a"), id)
	}

	// Only degraded left.
	id, ok := s.SelectNext(pctx.Exclude("a"), candidates, health)
	assert.True(t, ok)
	assert.Equal(t, rg.ProviderID("c"), id)

	_, ok = s.SelectNext(pctx.Exclude("a", "c"), candidates, health)
	assert.False(t, ok)
}

func TestFailoverManager_SkipsOpenCircuits(t *testing.T) {
	circuits := map[rg.ProviderID]rg.BreakerState{"a": rg.StateOpen, "b": rg.StateHalfOpen}
	m := rg.NewFailoverManager(rg.NewPriorityStrategy("a", "b", "c"), staticHealth{},
		func(id rg.ProviderID) rg.BreakerState { return circuits[id] })

	id, ok := m.Next(rg.NewProviderContext("embed"), []rg.ProviderID{"a", "b", "c"})
	assert.True(t, ok)
	assert.Equal(t, rg.ProviderID("b"), id)
	assert.Equal(t, "priority", m.Strategy().Name())
}
