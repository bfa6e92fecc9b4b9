package billing

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// PricingConfig is the YAML pricing document:
//
//	default_price_pico_usd: "1000000"
//	models:
//	  gpt-4o-mini:
//	    prompt_pico_usd_per_1m: "150000000"
//	    completion_pico_usd_per_1m: "600000000"
//	free_operations:
//	  - "GET:/healthz"
//	rates:
//	  "usdc": "1000000"
//
// Prices are string-encoded integers in picoUSD so YAML round-trips them
// without float loss.
type PricingConfig struct {
	DefaultPricePicoUSD string                      `yaml:"default_price_pico_usd"`
	Models              map[string]ModelPriceConfig `yaml:"models"`
	FreeOperations      []string                    `yaml:"free_operations"`
	Rates               map[string]string           `yaml:"rates"`
}

type ModelPriceConfig struct {
	PromptPicoUSDPer1M     string `yaml:"prompt_pico_usd_per_1m"`
	CompletionPicoUSDPer1M string `yaml:"completion_pico_usd_per_1m"`
}

// LoadPricingConfig loads a pricing configuration from a YAML file.
func LoadPricingConfig(path string) (*PricingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pricing config: %w", err)
	}
	return ParsePricingConfig(data)
}

// ParsePricingConfig parses a pricing configuration from YAML bytes.
func ParsePricingConfig(data []byte) (*PricingConfig, error) {
	var config PricingConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing pricing config: %w", err)
	}
	return &config, nil
}

// BuildEngine constructs the registry, rate table and engine described by the
// config. When the config carries no rates, the given fallback provider is
// used instead.
func (c *PricingConfig) BuildEngine(fallbackRates RateProvider) (*Engine, error) {
	registry := NewRegistry()
	for model, price := range c.Models {
		prompt, err := parsePicoUSD(price.PromptPicoUSDPer1M)
		if err != nil {
			return nil, fmt.Errorf("model %s prompt price: %w", model, err)
		}
		completion, err := parsePicoUSD(price.CompletionPicoUSDPer1M)
		if err != nil {
			return nil, fmt.Errorf("model %s completion price: %w", model, err)
		}
		registry.Register(model, ModelPrice{
			PromptPicoUSD:     prompt,
			CompletionPicoUSD: completion,
		})
	}

	defaultPrice := decimal.Zero
	if c.DefaultPricePicoUSD != "" {
		var err error
		defaultPrice, err = parsePicoUSD(c.DefaultPricePicoUSD)
		if err != nil {
			return nil, fmt.Errorf("default price: %w", err)
		}
	}

	rates := fallbackRates
	if len(c.Rates) > 0 {
		table := make(FixedRateProvider, len(c.Rates))
		for assetID, value := range c.Rates {
			rate, err := parsePicoUSD(value)
			if err != nil {
				return nil, fmt.Errorf("rate for %s: %w", assetID, err)
			}
			table[assetID] = rate
		}
		rates = table
	}
	if rates == nil {
		rates = FixedRateProvider{}
	}

	engine := NewEngine(registry, rates, defaultPrice)
	for _, operation := range c.FreeOperations {
		engine.MarkFree(operation)
	}
	return engine, nil
}

func parsePicoUSD(value string) (decimal.Decimal, error) {
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid picoUSD value %q: %w", value, err)
	}
	if parsed.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("negative picoUSD value %q", value)
	}
	return parsed, nil
}
