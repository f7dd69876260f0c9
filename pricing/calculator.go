package pricing

import (
	"io"
	"strings"
	"sync/atomic"

	"github.com/CIRISAI/ciris-bus-fabric/core"
	"github.com/CIRISAI/ciris-bus-fabric/telemetry"
)

// ResourceUsage is the fully populated result of one pricing calculation.
type ResourceUsage struct {
	TokensInput  int
	TokensOutput int
	TokensUsed   int
	CostCents    float64
	CarbonGrams  float64
	EnergyKWh    float64
	ModelUsed    string
}

// Calculator converts raw token counts into cost, energy, and carbon
// telemetry. The active config is stored behind an atomic pointer so
// Reload never exposes a half-updated table to a concurrent Calculate call.
type Calculator struct {
	cfg    atomic.Pointer[Config]
	logger core.Logger
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithLogger injects a logger, used as given. Without it the Calculator
// uses a default logger tagged "fabric/pricing".
func WithLogger(logger core.Logger) Option {
	return func(c *Calculator) { c.logger = logger }
}

// NewCalculator builds a Calculator from an initial config. Pass nil to
// start from DefaultConfig().
func NewCalculator(cfg *Config, opts ...Option) *Calculator {
	c := &Calculator{}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		logger := core.NewProductionLogger(
			core.LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
			core.DevelopmentConfig{},
			"ciris-bus-fabric",
		)
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			logger = cal.WithComponent("fabric/pricing")
		}
		c.logger = logger
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c.cfg.Store(cfg)
	return c
}

// Reload atomically replaces the cached pricing table with one parsed from
// r. In-flight Calculate calls are unaffected; subsequent calls observe the
// new table.
func (c *Calculator) Reload(r io.Reader) error {
	cfg, err := ParseConfig(r)
	if err != nil {
		c.logger.Error("pricing reload failed", map[string]interface{}{
			"operation": "pricing_reload",
			"error":     err.Error(),
		})
		return err
	}
	c.cfg.Store(cfg)
	c.logger.Info("pricing config reloaded", map[string]interface{}{
		"operation": "pricing_reload",
		"version":   cfg.Version,
	})
	return nil
}

// Calculate resolves pricing for (modelName, promptTokens, completionTokens)
// and returns a fully populated ResourceUsage. providerName and region are
// optional hints; pass "" when unknown.
func (c *Calculator) Calculate(modelName string, promptTokens, completionTokens int, providerName, region string) ResourceUsage {
	cfg := c.cfg.Load()
	pricing, resolvedModel := resolveModel(cfg, modelName, providerName)

	totalTokens := promptTokens + completionTokens
	usage := ResourceUsage{
		TokensInput:  promptTokens,
		TokensOutput: completionTokens,
		TokensUsed:   totalTokens,
		ModelUsed:    resolvedModel,
	}

	if totalTokens == 0 {
		return usage
	}

	usage.CostCents = pricing.InputCostPerMillion*float64(promptTokens)/1_000_000 +
		pricing.OutputCostPerMillion*float64(completionTokens)/1_000_000

	kwhPer1k := resolveEnergyRate(cfg, modelName)
	usage.EnergyKWh = (float64(totalTokens) / 1000) * kwhPer1k

	intensity := cfg.EnvironmentalFactors.CarbonIntensity.GlobalAverageGCO2PerKWh
	if region != "" {
		if regional, ok := cfg.EnvironmentalFactors.CarbonIntensity.Regions[region]; ok {
			intensity = regional
		}
	}
	usage.CarbonGrams = usage.EnergyKWh * intensity

	telemetry.Histogram("pricing.cost_cents", usage.CostCents,
		"module", telemetry.ModuleFabric, "model", resolvedModel)
	telemetry.Histogram("pricing.energy_kwh", usage.EnergyKWh,
		"module", telemetry.ModuleFabric, "model", resolvedModel)

	return usage
}

// resolveModel implements the four-step resolution order from the spec:
// exact provider+model, scan-all-providers exact model, known pattern
// match, fallback.
func resolveModel(cfg *Config, modelName, providerName string) (ModelPricing, string) {
	if providerName != "" {
		if provider, ok := cfg.Providers[providerName]; ok {
			if model, ok := provider.Models[modelName]; ok {
				return model, modelName
			}
		}
	}

	for _, provider := range cfg.Providers {
		if model, ok := provider.Models[modelName]; ok {
			return model, modelName
		}
	}

	lowered := strings.ToLower(modelName)
	for _, pattern := range knownModelPatterns {
		if strings.Contains(lowered, pattern) {
			for _, provider := range cfg.Providers {
				if model, ok := provider.Models[pattern]; ok {
					return model, pattern
				}
			}
		}
	}

	return cfg.FallbackPricing.UnknownModel, modelName
}

func resolveEnergyRate(cfg *Config, modelName string) float64 {
	lowered := strings.ToLower(modelName)
	patterns := cfg.EnvironmentalFactors.EnergyEstimates.ModelPatterns
	var matchedKwh float64
	matched := false
	longestMatch := -1
	for pattern, kwh := range patterns {
		if pattern == "default" {
			continue
		}
		if strings.Contains(lowered, pattern) && len(pattern) > longestMatch {
			matchedKwh = kwh
			matched = true
			longestMatch = len(pattern)
		}
	}
	if matched {
		return matchedKwh
	}
	if def, ok := patterns["default"]; ok {
		return def
	}
	return 0
}
