package routeguard_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	rg "github.com/ineyio/routeguard"
)

func u64(v uint64) *uint64 { return &v }

func newCostTracker(t *testing.T, costs ...rg.ProviderCost) *rg.CostTracker {
	t.Helper()
	ct := rg.NewCostTracker(zaptest.NewLogger(t))
	for _, c := range costs {
		require.NoError(t, ct.RegisterProviderCost(c))
	}
	return ct
}

func TestCalculateCost_FreeTier(t *testing.T) {
	c := rg.ProviderCost{CostPerUnit: 0.5, UnitType: rg.UnitTokens, FreeTierLimit: u64(100)}

	assert.Equal(t, 0.0, c.CalculateCost(0))
	assert.Equal(t, 0.0, c.CalculateCost(100))
	assert.Equal(t, 0.5, c.CalculateCost(101))
	assert.Equal(t, 50.0, c.CalculateCost(200))
}

func TestCalculateCost_Monotonic(t *testing.T) {
	costs := []rg.ProviderCost{
		{CostPerUnit: 0.001},
		{CostPerUnit: 2, FreeTierLimit: u64(10)},
		{CostPerUnit: 0},
	}
	for _, c := range costs {
		prev := c.CalculateCost(0)
		for units := uint64(1); units < 500; units += 7 {
			cur := c.CalculateCost(units)
			assert.GreaterOrEqual(t, cur, prev, "units=%d", units)
			prev = cur
		}
	}
}

// Scenario: budget 5.0 at 1.0 per request.
func TestCostTracker_BudgetScenario(t *testing.T) {
	ct := newCostTracker(t, rg.ProviderCost{
		ProviderID: "p1", CostPerUnit: 1.0, UnitType: rg.UnitRequests,
	})
	require.NoError(t, ct.SetBudget("p1", 5.0))

	for i := 0; i < 4; i++ {
		_, err := ct.RecordUsage("p1", 1)
		require.NoError(t, err)
	}
	assert.True(t, ct.CheckBudget("p1"))
	assert.NoError(t, ct.BudgetError("p1"))

	for i := 0; i < 2; i++ {
		_, err := ct.RecordUsage("p1", 1)
		require.NoError(t, err)
	}
	assert.False(t, ct.CheckBudget("p1"))
	assert.ErrorIs(t, ct.BudgetError("p1"), rg.ErrBudgetExceeded)

	m, ok := ct.GetUsageMetrics("p1")
	require.True(t, ok)
	assert.Equal(t, rg.UsageMetrics{TotalUnits: 6, TotalCost: 6.0, Requests: 6}, m)
}

func TestCostTracker_BudgetIsAdvisory(t *testing.T) {
	ct := newCostTracker(t, rg.ProviderCost{ProviderID: "p1", CostPerUnit: 10, UnitType: rg.UnitRequests})
	require.NoError(t, ct.SetBudget("p1", 1))

	charged, err := ct.RecordUsage("p1", 1)
	require.NoError(t, err)
	assert.Equal(t, 10.0, charged)

	charged, err = ct.RecordUsage("p1", 1)
	require.NoError(t, err)
	assert.Equal(t, 10.0, charged)
}

func TestCostTracker_RecordUsageAppliesFreeTier(t *testing.T) {
	ct := newCostTracker(t, rg.ProviderCost{
		ProviderID: "p1", CostPerUnit: 0.01, UnitType: rg.UnitTokens, FreeTierLimit: u64(1000),
	})

	charged, err := ct.RecordUsage("p1", 800)
	require.NoError(t, err)
	assert.Equal(t, 0.0, charged)

	charged, err = ct.RecordUsage("p1", 1100)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, charged, 1e-9)

	m, _ := ct.GetUsageMetrics("p1")
	assert.Equal(t, uint64(1900), m.TotalUnits)
}

func TestCostTracker_UnregisteredProvider(t *testing.T) {
	ct := newCostTracker(t)

	_, err := ct.RecordUsage("ghost", 1)
	assert.ErrorIs(t, err, rg.ErrProviderNotRegistered)
	assert.ErrorIs(t, ct.SetBudget("ghost", 1), rg.ErrProviderNotRegistered)
	assert.ErrorIs(t, ct.Reset("ghost"), rg.ErrProviderNotRegistered)

	_, ok := ct.GetUsageMetrics("ghost")
	assert.False(t, ok)
	_, ok = ct.GetEfficiencyScore("ghost")
	assert.False(t, ok)
	assert.True(t, ct.CheckBudget("ghost"))
}

func TestCostTracker_RegisterValidation(t *testing.T) {
	ct := newCostTracker(t, rg.ProviderCost{ProviderID: "p1", OperationType: "embed", CostPerUnit: 1, UnitType: rg.UnitTokens})

	assert.Error(t, ct.RegisterProviderCost(rg.ProviderCost{CostPerUnit: 1}))
	assert.Error(t, ct.RegisterProviderCost(rg.ProviderCost{ProviderID: "p2", CostPerUnit: -1}))
	assert.Error(t, ct.RegisterProviderCost(rg.ProviderCost{ProviderID: "p1", OperationType: "embed", CostPerUnit: 2}))

	cost, ok := ct.DefaultCost("p1")
	require.True(t, ok)
	assert.Equal(t, 1.0, cost.CostPerUnit)
	assert.Equal(t, "USD", cost.Currency)
}

func TestCostTracker_OperationCosts(t *testing.T) {
	ct := newCostTracker(t,
		rg.ProviderCost{ProviderID: "vs", OperationType: "query", CostPerUnit: 0.001, UnitType: rg.UnitQueries},
		rg.ProviderCost{ProviderID: "vs", OperationType: "upsert", CostPerUnit: 0.01, UnitType: rg.UnitVectors},
	)

	charged, err := ct.RecordOperationUsage("vs", "upsert", 10)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, charged, 1e-9)

	// Unknown operations fall back to the default (first registered) cost.
	charged, err = ct.RecordOperationUsage("vs", "delete", 10)
	require.NoError(t, err)
	assert.InDelta(t, 0.01, charged, 1e-9)

	est, err := ct.EstimateCost("vs", "upsert", 100)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, est, 1e-9)

	m, _ := ct.GetUsageMetrics("vs")
	assert.Equal(t, uint64(2), m.Requests)
}

func TestCostTracker_EfficiencyScore(t *testing.T) {
	ct := newCostTracker(t,
		rg.ProviderCost{ProviderID: "cheap", CostPerUnit: 1, UnitType: rg.UnitTokens},
		rg.ProviderCost{ProviderID: "pricey", CostPerUnit: 4, UnitType: rg.UnitTokens},
		rg.ProviderCost{ProviderID: "free", CostPerUnit: 0, UnitType: rg.UnitTokens},
	)

	score := func(id rg.ProviderID) float64 {
		s, ok := ct.GetEfficiencyScore(id)
		require.True(t, ok)
		return s
	}

	assert.Equal(t, 1.0, score("cheap"))
	assert.Equal(t, 0.25, score("pricey"))
	assert.Equal(t, 1.0, score("free"))

	assert.Equal(t, []rg.ProviderID{"cheap", "free", "pricey", "ghost"},
		ct.RankByEfficiency([]rg.ProviderID{"ghost", "pricey", "free", "cheap"}))

	// Exhausted budget drops efficiency to zero.
	require.NoError(t, ct.SetBudget("cheap", 0.5))
	_, _ = ct.RecordUsage("cheap", 1)
	assert.Equal(t, 0.0, score("cheap"))
}

func TestCostTracker_EfficiencyAmongSameUnit(t *testing.T) {
	ct := newCostTracker(t,
		rg.ProviderCost{ProviderID: "cheap", CostPerUnit: 0.10, UnitType: rg.UnitRequests},
		rg.ProviderCost{ProviderID: "pricey", CostPerUnit: 0.20, UnitType: rg.UnitRequests},
		rg.ProviderCost{ProviderID: "vs", OperationType: "query", CostPerUnit: 0.00001, UnitType: rg.UnitQueries},
		rg.ProviderCost{ProviderID: "vs", OperationType: "upsert", CostPerUnit: 0.5, UnitType: rg.UnitVectors},
		rg.ProviderCost{ProviderID: "vs2", OperationType: "upsert", CostPerUnit: 2, UnitType: rg.UnitVectors},
	)
	embedders := []rg.ProviderID{"cheap", "pricey"}

	s, ok := ct.EfficiencyAmong("cheap", "embed", embedders)
	require.True(t, ok)
	assert.Equal(t, 1.0, s)
	s, _ = ct.EfficiencyAmong("pricey", "embed", embedders)
	assert.Equal(t, 0.5, s)

	// A vector store priced per query does not drag embedders down.
	s, _ = ct.EfficiencyAmong("cheap", "embed", append(embedders, "vs"))
	assert.Equal(t, 1.0, s)

	stores := []rg.ProviderID{"vs", "vs2"}
	s, _ = ct.EfficiencyAmong("vs2", "upsert", stores)
	assert.Equal(t, 0.25, s)
	s, _ = ct.EfficiencyAmong("vs", "upsert", stores)
	assert.Equal(t, 1.0, s)

	_, ok = ct.EfficiencyAmong("ghost", "embed", embedders)
	assert.False(t, ok)

	cost, ok := ct.OperationCost("vs", "upsert")
	require.True(t, ok)
	assert.Equal(t, rg.UnitVectors, cost.UnitType)
	cost, _ = ct.OperationCost("vs", "delete")
	assert.Equal(t, rg.UnitQueries, cost.UnitType)
	_, ok = ct.OperationCost("ghost", "query")
	assert.False(t, ok)
}

func TestCostTracker_Reset(t *testing.T) {
	ct := newCostTracker(t, rg.ProviderCost{ProviderID: "p1", CostPerUnit: 1, UnitType: rg.UnitRequests})
	require.NoError(t, ct.SetBudget("p1", 1))
	_, _ = ct.RecordUsage("p1", 3)
	require.False(t, ct.CheckBudget("p1"))

	require.NoError(t, ct.Reset("p1"))
	m, _ := ct.GetUsageMetrics("p1")
	assert.Equal(t, rg.UsageMetrics{}, m)
	assert.True(t, ct.CheckBudget("p1"))
}

func TestCostTracker_ConcurrentUsage(t *testing.T) {
	ct := newCostTracker(t,
		rg.ProviderCost{ProviderID: "a", CostPerUnit: 1, UnitType: rg.UnitRequests},
		rg.ProviderCost{ProviderID: "b", CostPerUnit: 2, UnitType: rg.UnitRequests},
	)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _, _ = ct.RecordUsage("a", 1) }()
		go func() { defer wg.Done(); _, _ = ct.GetEfficiencyScore("b") }()
	}
	wg.Wait()

	m, _ := ct.GetUsageMetrics("a")
	assert.Equal(t, uint64(100), m.Requests)
	assert.Equal(t, 100.0, m.TotalCost)
}

func TestUnitType_PerRequest(t *testing.T) {
	assert.True(t, rg.UnitRequests.PerRequest())
	assert.True(t, rg.UnitQueries.PerRequest())
	assert.False(t, rg.UnitTokens.PerRequest())
	assert.False(t, rg.UnitVectors.PerRequest())
}
