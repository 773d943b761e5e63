package routeguard

import "sort"

// buildCandidates enumerates the providers of kind and drops the ones that
// are excluded, circuit-open or unhealthy, in that order. Cost efficiency is
// relative to the other providers of kind, priced for the context's operation.
func (r *Router) buildCandidates(kind ProviderKind, pctx ProviderContext) []Candidate {
	snap := r.current()

	var candidates []Candidate
	for _, id := range snap.byKind[kind] {
		if pctx.IsExcluded(id) {
			continue
		}
		cb := snap.breakers[id]
		circuit := cb.State()
		if circuit == StateOpen {
			continue
		}
		status := r.health.Status(id)
		if status == HealthUnhealthy {
			continue
		}

		c := Candidate{
			ID:          id,
			Kind:        kind,
			Provider:    snap.providers[id],
			Health:      status,
			HealthScore: r.health.Score(id),
			Circuit:     circuit,
		}
		if eff, ok := r.costs.EfficiencyAmong(id, pctx.OperationType, snap.byKind[kind]); ok {
			cost, _ := r.costs.OperationCost(id, pctx.OperationType)
			c.CostEfficiency = eff
			c.CostPerUnit = cost.CostPerUnit
			c.HasCost = true
			c.Free = cost.CostPerUnit == 0
		}
		if q, ok := c.Provider.(QualityReporter); ok {
			c.Quality = clamp01(q.Quality())
			c.HasQuality = true
		}
		candidates = append(candidates, c)
	}
	return candidates
}

type scoredCandidate struct {
	Candidate
	score float64
}

// rankCandidates orders candidates by score descending, then by id.
func rankCandidates(candidates []Candidate, strategy SelectionStrategy, pctx ProviderContext) []scoredCandidate {
	ranked := make([]scoredCandidate, len(candidates))
	for i, c := range candidates {
		ranked[i] = scoredCandidate{Candidate: c, score: strategy.Score(c, pctx)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked
}
