package routeguard

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// UnitType defines how provider usage is measured.
type UnitType string

const (
	UnitTokens     UnitType = "tokens"
	UnitCharacters UnitType = "characters"
	UnitVectors    UnitType = "vectors"
	UnitRequests   UnitType = "requests"
	UnitQueries    UnitType = "queries"
)

// PerRequest reports whether one call counts as exactly one unit.
func (u UnitType) PerRequest() bool {
	return u == UnitRequests || u == UnitQueries
}

// ProviderCost is the pricing of one provider operation.
type ProviderCost struct {
	ProviderID    ProviderID `yaml:"provider" validate:"required"`
	OperationType string     `yaml:"operation"`
	CostPerUnit   float64    `yaml:"cost_per_unit" validate:"gte=0"`
	UnitType      UnitType   `yaml:"unit" validate:"required"`
	FreeTierLimit *uint64    `yaml:"free_tier_limit"`
	Currency      string     `yaml:"currency"`
}

// CalculateCost returns the charge for units. Units within the free tier are free.
func (c ProviderCost) CalculateCost(units uint64) float64 {
	if c.FreeTierLimit != nil {
		if units <= *c.FreeTierLimit {
			return 0
		}
		units -= *c.FreeTierLimit
	}
	return float64(units) * c.CostPerUnit
}

// CostTracker accounts provider usage and soft budgets.
// Budgets are advisory: CheckBudget and RecordUsage are not atomic
// with respect to each other.
type CostTracker struct {
	accounts sync.Map // ProviderID -> *costAccount
	logger   *zap.Logger
}

type costAccount struct {
	mu        sync.Mutex
	defaultOp string
	costs     map[string]ProviderCost
	usage     UsageMetrics
	budget    float64
	hasBudget bool
}

// NewCostTracker creates an empty CostTracker.
func NewCostTracker(logger *zap.Logger) *CostTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CostTracker{logger: logger}
}

// RegisterProviderCost registers the pricing of a provider operation.
// The first cost registered for a provider becomes its default.
func (t *CostTracker) RegisterProviderCost(cost ProviderCost) error {
	if cost.ProviderID == "" {
		return fmt.Errorf("routeguard: provider cost has no provider id")
	}
	if cost.CostPerUnit < 0 {
		return fmt.Errorf("routeguard: provider %s: negative cost per unit", cost.ProviderID)
	}
	if cost.Currency == "" {
		cost.Currency = "USD"
	}

	v, _ := t.accounts.LoadOrStore(cost.ProviderID, &costAccount{costs: make(map[string]ProviderCost)})
	acc := v.(*costAccount)

	acc.mu.Lock()
	defer acc.mu.Unlock()

	if _, ok := acc.costs[cost.OperationType]; ok {
		return fmt.Errorf("routeguard: cost for %s/%q already registered", cost.ProviderID, cost.OperationType)
	}
	if len(acc.costs) == 0 {
		acc.defaultOp = cost.OperationType
	}
	acc.costs[cost.OperationType] = cost
	return nil
}

// IsRegistered reports whether any cost is registered for id.
func (t *CostTracker) IsRegistered(id ProviderID) bool {
	_, ok := t.accounts.Load(id)
	return ok
}

// DefaultCost returns the default pricing of a provider.
func (t *CostTracker) DefaultCost(id ProviderID) (ProviderCost, bool) {
	acc, ok := t.account(id)
	if !ok {
		return ProviderCost{}, false
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.costs[acc.defaultOp], true
}

// OperationCost returns the pricing of a provider operation, falling back to
// the default cost if the operation has none.
func (t *CostTracker) OperationCost(id ProviderID, operation string) (ProviderCost, bool) {
	acc, ok := t.account(id)
	if !ok {
		return ProviderCost{}, false
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.costFor(operation), true
}

// RecordUsage charges units against the provider's default cost and returns the charge.
func (t *CostTracker) RecordUsage(id ProviderID, units uint64) (float64, error) {
	acc, ok := t.account(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrProviderNotRegistered, id)
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return t.charge(id, acc, acc.costs[acc.defaultOp], units), nil
}

// RecordOperationUsage charges units against the cost of a specific operation,
// falling back to the default cost if the operation has none.
func (t *CostTracker) RecordOperationUsage(id ProviderID, operation string, units uint64) (float64, error) {
	acc, ok := t.account(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrProviderNotRegistered, id)
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return t.charge(id, acc, acc.costFor(operation), units), nil
}

// charge must be called with acc.mu held.
func (t *CostTracker) charge(id ProviderID, acc *costAccount, cost ProviderCost, units uint64) float64 {
	charged := cost.CalculateCost(units)
	withinBefore := !acc.hasBudget || acc.usage.TotalCost <= acc.budget

	acc.usage.TotalUnits += units
	acc.usage.TotalCost += charged
	acc.usage.Requests++

	if withinBefore && acc.hasBudget && acc.usage.TotalCost > acc.budget {
		t.logger.Warn("provider budget exceeded",
			zap.String("provider", string(id)),
			zap.Float64("budget", acc.budget),
			zap.Float64("total_cost", acc.usage.TotalCost),
			zap.String("currency", cost.Currency),
		)
	}
	return charged
}

// EstimateCost returns what RecordOperationUsage would charge without recording it.
func (t *CostTracker) EstimateCost(id ProviderID, operation string, units uint64) (float64, error) {
	acc, ok := t.account(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrProviderNotRegistered, id)
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.costFor(operation).CalculateCost(units), nil
}

// SetBudget sets the provider's spend budget in its cost currency.
func (t *CostTracker) SetBudget(id ProviderID, budget float64) error {
	acc, ok := t.account(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotRegistered, id)
	}
	acc.mu.Lock()
	acc.budget = budget
	acc.hasBudget = true
	acc.mu.Unlock()
	return nil
}

// CheckBudget reports whether the provider is within its budget.
// Providers without a budget, or without a registered cost, are always within budget.
func (t *CostTracker) CheckBudget(id ProviderID) bool {
	acc, ok := t.account(id)
	if !ok {
		return true
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return !acc.hasBudget || acc.usage.TotalCost <= acc.budget
}

// BudgetError returns ErrBudgetExceeded if the provider is over budget, nil otherwise.
func (t *CostTracker) BudgetError(id ProviderID) error {
	if t.CheckBudget(id) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrBudgetExceeded, id)
}

// GetUsageMetrics returns the cumulative usage of a provider.
func (t *CostTracker) GetUsageMetrics(id ProviderID) (UsageMetrics, bool) {
	acc, ok := t.account(id)
	if !ok {
		return UsageMetrics{}, false
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.usage, true
}

// GetEfficiencyScore scores a provider's default cost against the cheapest
// registered paid provider priced in the same unit: cheapest/own, in (0,1].
// Free providers score 1, providers over budget score 0.
func (t *CostTracker) GetEfficiencyScore(id ProviderID) (float64, bool) {
	var peers []ProviderID
	t.accounts.Range(func(k, _ any) bool {
		peers = append(peers, k.(ProviderID))
		return true
	})
	return t.efficiency(id, peers, func(acc *costAccount) ProviderCost {
		return acc.costs[acc.defaultOp]
	})
}

// EfficiencyAmong is GetEfficiencyScore restricted to peers and to the cost
// of operation. Only peers priced in the same unit as id are compared, so
// providers of other kinds never distort the score.
func (t *CostTracker) EfficiencyAmong(id ProviderID, operation string, peers []ProviderID) (float64, bool) {
	return t.efficiency(id, peers, func(acc *costAccount) ProviderCost {
		return acc.costFor(operation)
	})
}

func (t *CostTracker) efficiency(id ProviderID, peers []ProviderID, price func(*costAccount) ProviderCost) (float64, bool) {
	acc, ok := t.account(id)
	if !ok {
		return 0, false
	}

	acc.mu.Lock()
	own := price(acc)
	overBudget := acc.hasBudget && acc.usage.TotalCost > acc.budget
	acc.mu.Unlock()

	switch {
	case overBudget:
		return 0, true
	case own.CostPerUnit == 0:
		return 1, true
	}

	cheapest := own.CostPerUnit
	for _, peer := range peers {
		if peer == id {
			continue
		}
		other, ok := t.account(peer)
		if !ok {
			continue
		}
		other.mu.Lock()
		c := price(other)
		other.mu.Unlock()
		if c.UnitType == own.UnitType && c.CostPerUnit > 0 && c.CostPerUnit < cheapest {
			cheapest = c.CostPerUnit
		}
	}
	return cheapest / own.CostPerUnit, true
}

// RankByEfficiency orders ids from most to least cost efficient.
// Unregistered providers sort last. Ties are broken by id.
func (t *CostTracker) RankByEfficiency(ids []ProviderID) []ProviderID {
	type scored struct {
		id    ProviderID
		score float64
	}
	list := make([]scored, 0, len(ids))
	for _, id := range ids {
		s, ok := t.GetEfficiencyScore(id)
		if !ok {
			s = -1
		}
		list = append(list, scored{id: id, score: s})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		return list[i].id < list[j].id
	})

	out := make([]ProviderID, len(list))
	for i, s := range list {
		out[i] = s.id
	}
	return out
}

// Reset clears a provider's usage. Costs and budget are kept.
func (t *CostTracker) Reset(id ProviderID) error {
	acc, ok := t.account(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotRegistered, id)
	}
	acc.mu.Lock()
	acc.usage = UsageMetrics{}
	acc.mu.Unlock()
	return nil
}

// costFor must be called with acc.mu held.
func (acc *costAccount) costFor(operation string) ProviderCost {
	if cost, ok := acc.costs[operation]; ok {
		return cost
	}
	return acc.costs[acc.defaultOp]
}

func (t *CostTracker) account(id ProviderID) (*costAccount, bool) {
	v, ok := t.accounts.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*costAccount), true
}
