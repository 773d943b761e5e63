package routeguard

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the top-level router configuration.
type Config struct {
	MaxAttempts int                  `yaml:"max_attempts" validate:"gte=0"`
	Breaker     CircuitBreakerConfig `yaml:"breaker"`
	Health      HealthConfig         `yaml:"health"`
	Selection   SelectionConfig      `yaml:"selection"`
	Failover    FailoverConfig       `yaml:"failover"`
	Providers   []ProviderConfig     `yaml:"providers" validate:"required,min=1,dive"`
}

// SelectionConfig tunes the default contextual strategy.
type SelectionConfig struct {
	HealthWeight *float64 `yaml:"health_weight" validate:"omitempty,gte=0"`
}

// FailoverConfig selects the failover strategy.
type FailoverConfig struct {
	Strategy string       `yaml:"strategy" validate:"omitempty,oneof=priority round_robin"`
	Order    []ProviderID `yaml:"order"`
}

// ProviderConfig configures a single provider.
type ProviderConfig struct {
	ID      ProviderID            `yaml:"id" validate:"required"`
	Kind    ProviderKind          `yaml:"kind" validate:"required,oneof=embedding vector_store"`
	Breaker *CircuitBreakerConfig `yaml:"breaker"`
	Budget  *float64              `yaml:"budget" validate:"omitempty,gte=0"`
	Costs   []CostConfig          `yaml:"costs" validate:"dive"`
}

// CostConfig is the pricing of one provider operation.
// The first entry of a provider is its default cost.
type CostConfig struct {
	Operation     string   `yaml:"operation"`
	CostPerUnit   float64  `yaml:"cost_per_unit" validate:"gte=0"`
	Unit          UnitType `yaml:"unit" validate:"required,oneof=tokens characters vectors requests queries"`
	FreeTierLimit *uint64  `yaml:"free_tier_limit"`
	Currency      string   `yaml:"currency"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("routeguard: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates YAML config bytes, expanding ${VAR} references.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("routeguard: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("routeguard: config: %s", describe(verrs[0]))
		}
		return fmt.Errorf("routeguard: config: %w", err)
	}

	ids := make(map[ProviderID]bool, len(c.Providers))
	for i, p := range c.Providers {
		if ids[p.ID] {
			return fmt.Errorf("routeguard: config: duplicate provider id %q", p.ID)
		}
		ids[p.ID] = true

		ops := make(map[string]bool, len(p.Costs))
		for j, cost := range p.Costs {
			if ops[cost.Operation] {
				return fmt.Errorf("routeguard: config: providers[%d] (%s): costs[%d]: duplicate operation %q",
					i, p.ID, j, cost.Operation)
			}
			ops[cost.Operation] = true
		}
		if p.Budget != nil && len(p.Costs) == 0 {
			return fmt.Errorf("routeguard: config: providers[%d] (%s): budget requires at least one cost", i, p.ID)
		}
	}

	for _, id := range c.Failover.Order {
		if !ids[id] {
			return fmt.Errorf("routeguard: config: failover order references unknown provider %q", id)
		}
	}

	h := c.Health
	if h.DegradedAfterFailures > 0 && h.UnhealthyAfterFailures > 0 && h.DegradedAfterFailures > h.UnhealthyAfterFailures {
		return fmt.Errorf("routeguard: config: health: degraded_after_failures exceeds unhealthy_after_failures")
	}
	if h.DegradedLatency > 0 && h.UnhealthyLatency > 0 && h.DegradedLatency > h.UnhealthyLatency {
		return fmt.Errorf("routeguard: config: health: degraded_latency exceeds unhealthy_latency")
	}

	return nil
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed on the %q rule", field, fe.Tag())
	}
}

// ProviderCosts returns the configured costs as ProviderCost values.
func (c Config) ProviderCosts() []ProviderCost {
	var out []ProviderCost
	for _, p := range c.Providers {
		for _, cost := range p.Costs {
			out = append(out, ProviderCost{
				ProviderID:    p.ID,
				OperationType: cost.Operation,
				CostPerUnit:   cost.CostPerUnit,
				UnitType:      cost.Unit,
				FreeTierLimit: cost.FreeTierLimit,
				Currency:      cost.Currency,
			})
		}
	}
	return out
}

// RouterOptions turns the config into router options: breaker configs,
// health thresholds, a cost tracker with costs and budgets registered, the
// failover strategy and attempt limit. logger may be nil.
func (c Config) RouterOptions(logger *zap.Logger) ([]Option, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	costs := NewCostTracker(logger)
	for _, pc := range c.ProviderCosts() {
		if err := costs.RegisterProviderCost(pc); err != nil {
			return nil, err
		}
	}

	opts := []Option{
		WithLogger(logger),
		WithBreakerConfig(c.Breaker),
		WithHealthMonitor(NewHealthMonitor(c.Health)),
		WithCostTracker(costs),
	}

	for _, p := range c.Providers {
		if p.Breaker != nil {
			opts = append(opts, WithProviderBreakerConfig(p.ID, *p.Breaker))
		}
		if p.Budget != nil {
			if err := costs.SetBudget(p.ID, *p.Budget); err != nil {
				return nil, err
			}
		}
	}

	if c.Selection.HealthWeight != nil {
		opts = append(opts, WithSelectionStrategy(&ContextualStrategy{HealthWeight: *c.Selection.HealthWeight}))
	}

	switch c.Failover.Strategy {
	case "round_robin":
		opts = append(opts, WithFailoverStrategy(NewRoundRobinStrategy()))
	default:
		opts = append(opts, WithFailoverStrategy(NewPriorityStrategy(c.Failover.Order...)))
	}

	if c.MaxAttempts > 0 {
		opts = append(opts, WithMaxAttempts(c.MaxAttempts))
	}

	return opts, nil
}

// Registry builds a StaticRegistry holding the configured providers.
// Every configured id must have an implementation of the configured kind.
func (c Config) Registry(providers ...Provider) (*StaticRegistry, error) {
	byID := make(map[ProviderID]Provider, len(providers))
	for _, p := range providers {
		byID[p.ID()] = p
	}

	reg, _ := NewStaticRegistry()
	for i, pc := range c.Providers {
		p, ok := byID[pc.ID]
		if !ok {
			return nil, fmt.Errorf("routeguard: config: providers[%d]: no implementation for %q", i, pc.ID)
		}
		if p.Kind() != pc.Kind {
			return nil, fmt.Errorf("routeguard: config: providers[%d] (%s): kind %s, implementation is %s",
				i, pc.ID, pc.Kind, p.Kind())
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
