// Package pricing maps (provider, model, token counts) to cost, energy, and
// carbon telemetry, driven by a versioned, hot-reloadable pricing table.
package pricing

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/CIRISAI/ciris-bus-fabric/core"
)

var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// ModelPricing is one model entry within a provider's pricing table.
//
// Cost scale: this implementation treats InputCostPerMillion and
// OutputCostPerMillion as *cents* per million tokens (not dollars), so
// Calculate's returned ResourceUsage.CostCents is directly in that unit
// without further conversion. The original source mixes both
// interpretations across call sites; this module picks cents-per-million
// and documents it once here rather than re-deriving it at each call site.
type ModelPricing struct {
	InputCostPerMillion  float64 `json:"input_cost_per_million"`
	OutputCostPerMillion float64 `json:"output_cost_per_million"`
	ContextWindow        int     `json:"context_window"`
	Active               bool    `json:"active"`
	Deprecated           bool    `json:"deprecated"`
	EffectiveDate        string  `json:"effective_date"` // YYYY-MM-DD
	Description          string  `json:"description,omitempty"`
	ProviderSpecific     map[string]interface{} `json:"provider_specific,omitempty"`
}

// ProviderPricing groups a provider's models under a display name.
type ProviderPricing struct {
	DisplayName string                   `json:"display_name"`
	BaseURL     string                   `json:"base_url,omitempty"`
	Models      map[string]ModelPricing `json:"models"`
}

// CarbonIntensity carries grid carbon intensity figures in g CO2 per kWh.
type CarbonIntensity struct {
	GlobalAverageGCO2PerKWh float64            `json:"global_average_g_co2_per_kwh"`
	Regions                 map[string]float64 `json:"regions"`
}

// EnergyEstimates maps model-name substrings to an energy cost per 1k tokens.
type EnergyEstimates struct {
	ModelPatterns map[string]float64 `json:"model_patterns"`
}

// EnvironmentalFactors bundles the energy and carbon tables.
type EnvironmentalFactors struct {
	EnergyEstimates EnergyEstimates `json:"energy_estimates"`
	CarbonIntensity CarbonIntensity `json:"carbon_intensity"`
}

// FallbackPricing is used when a model cannot be resolved by any other rule.
type FallbackPricing struct {
	UnknownModel ModelPricing `json:"unknown_model"`
}

// Config is the full pricing table, deserialized from the JSON format
// described in the external interfaces section: version, last_updated,
// metadata, providers, environmental_factors, fallback_pricing.
type Config struct {
	Version              string                     `json:"version"`
	LastUpdated          string                     `json:"last_updated"`
	Metadata             map[string]string          `json:"metadata,omitempty"`
	Providers            map[string]ProviderPricing `json:"providers"`
	EnvironmentalFactors EnvironmentalFactors       `json:"environmental_factors"`
	FallbackPricing      FallbackPricing            `json:"fallback_pricing"`
}

// knownModelPatterns is the deterministic, ordered prefix/substring table
// used for step 3 of model resolution. Order matters: more specific
// patterns are listed before their broader relatives (e.g. gpt-4o-mini
// before gpt-4o).
var knownModelPatterns = []string{
	"gpt-4o-mini",
	"gpt-4o",
	"gpt-4-turbo",
	"gpt-3.5-turbo",
	"claude-3-opus",
	"claude-3-sonnet",
	"claude-3-haiku",
	"llama-3.1-405b",
	"llama-3.1-70b",
	"llama-4-maverick-17b",
}

// ParseConfig decodes and validates a pricing table from r.
func ParseConfig(r io.Reader) (*Config, error) {
	var cfg Config
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, &core.PricingConfigInvalidError{Reason: fmt.Sprintf("decode: %v", err)}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if !semverPattern.MatchString(c.Version) {
		return &core.PricingConfigInvalidError{Reason: fmt.Sprintf("version %q is not MAJOR.MINOR.PATCH", c.Version)}
	}
	if c.LastUpdated != "" {
		if _, err := time.Parse("2006-01-02", c.LastUpdated); err != nil {
			if _, err2 := time.Parse(time.RFC3339, c.LastUpdated); err2 != nil {
				return &core.PricingConfigInvalidError{Reason: fmt.Sprintf("last_updated %q is not ISO-8601", c.LastUpdated)}
			}
		}
	}
	for providerID, provider := range c.Providers {
		for modelID, model := range provider.Models {
			if err := validateModel(providerID, modelID, model); err != nil {
				return err
			}
		}
	}
	if err := validateModel("fallback_pricing", "unknown_model", c.FallbackPricing.UnknownModel); err != nil {
		return err
	}
	return nil
}

func validateModel(providerID, modelID string, m ModelPricing) error {
	if m.InputCostPerMillion < 0 || m.OutputCostPerMillion < 0 {
		return &core.PricingConfigInvalidError{
			Reason: fmt.Sprintf("%s/%s: costs must be non-negative", providerID, modelID),
		}
	}
	if m.ContextWindow < 0 {
		return &core.PricingConfigInvalidError{
			Reason: fmt.Sprintf("%s/%s: context_window must be non-negative", providerID, modelID),
		}
	}
	if m.EffectiveDate != "" {
		if _, err := time.Parse("2006-01-02", m.EffectiveDate); err != nil {
			return &core.PricingConfigInvalidError{
				Reason: fmt.Sprintf("%s/%s: effective_date %q is not YYYY-MM-DD", providerID, modelID, m.EffectiveDate),
			}
		}
	}
	return nil
}

// DefaultConfig returns a small built-in pricing table covering the model
// families named in the known-pattern list, used when no external table has
// been loaded yet.
func DefaultConfig() *Config {
	return &Config{
		Version:     "1.0.0",
		LastUpdated: time.Now().UTC().Format("2006-01-02"),
		Providers: map[string]ProviderPricing{
			"openai": {
				DisplayName: "OpenAI",
				Models: map[string]ModelPricing{
					"gpt-4o":        {InputCostPerMillion: 250, OutputCostPerMillion: 1000, ContextWindow: 128000, Active: true, EffectiveDate: "2024-05-13"},
					"gpt-4o-mini":   {InputCostPerMillion: 15, OutputCostPerMillion: 60, ContextWindow: 128000, Active: true, EffectiveDate: "2024-07-18"},
					"gpt-4-turbo":   {InputCostPerMillion: 1000, OutputCostPerMillion: 3000, ContextWindow: 128000, Active: true, EffectiveDate: "2024-04-09"},
					"gpt-3.5-turbo": {InputCostPerMillion: 50, OutputCostPerMillion: 150, ContextWindow: 16385, Active: true, Deprecated: true, EffectiveDate: "2023-11-06"},
				},
			},
			"anthropic": {
				DisplayName: "Anthropic",
				Models: map[string]ModelPricing{
					"claude-3-opus":   {InputCostPerMillion: 1500, OutputCostPerMillion: 7500, ContextWindow: 200000, Active: true, EffectiveDate: "2024-02-29"},
					"claude-3-sonnet": {InputCostPerMillion: 300, OutputCostPerMillion: 1500, ContextWindow: 200000, Active: true, EffectiveDate: "2024-02-29"},
					"claude-3-haiku":  {InputCostPerMillion: 25, OutputCostPerMillion: 125, ContextWindow: 200000, Active: true, EffectiveDate: "2024-03-07"},
				},
			},
			"meta": {
				DisplayName: "Meta",
				Models: map[string]ModelPricing{
					"llama-3.1-405b":       {InputCostPerMillion: 270, OutputCostPerMillion: 270, ContextWindow: 128000, Active: true, EffectiveDate: "2024-07-23"},
					"llama-3.1-70b":        {InputCostPerMillion: 65, OutputCostPerMillion: 65, ContextWindow: 128000, Active: true, EffectiveDate: "2024-07-23"},
					"llama-4-maverick-17b": {InputCostPerMillion: 20, OutputCostPerMillion: 20, ContextWindow: 1000000, Active: true, EffectiveDate: "2025-04-05"},
				},
			},
		},
		EnvironmentalFactors: EnvironmentalFactors{
			EnergyEstimates: EnergyEstimates{
				ModelPatterns: map[string]float64{
					"gpt-4":   0.01,
					"gpt-3.5": 0.003,
					"claude-3-opus": 0.012,
					"claude-3":      0.006,
					"llama-3.1-405b": 0.009,
					"llama":          0.004,
					"default":        0.005,
				},
			},
			CarbonIntensity: CarbonIntensity{
				GlobalAverageGCO2PerKWh: 475,
				Regions: map[string]float64{
					"us-west":  200,
					"us-east":  350,
					"eu-west":  250,
					"ap-south": 650,
				},
			},
		},
		FallbackPricing: FallbackPricing{
			UnknownModel: ModelPricing{
				InputCostPerMillion:  100,
				OutputCostPerMillion: 300,
				ContextWindow:        8192,
				Active:               true,
				Description:          "fallback for unrecognized models",
			},
		},
	}
}
