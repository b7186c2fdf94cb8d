package cost

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultPerMinute is the provider list price for speech-to-text, in USD.
var DefaultPerMinute = decimal.RequireFromString("0.006")

type Pricing struct {
	DefaultPerMinute decimal.Decimal
	Models           map[string]decimal.Decimal
}

type pricingFile struct {
	DefaultPerMinute string            `yaml:"default_per_minute_usd"`
	Models           map[string]string `yaml:"models"`
}

func NewPricing(defaultPerMinute decimal.Decimal) Pricing {
	if defaultPerMinute.IsNegative() || defaultPerMinute.IsZero() {
		defaultPerMinute = DefaultPerMinute
	}
	return Pricing{DefaultPerMinute: defaultPerMinute, Models: map[string]decimal.Decimal{}}
}

// LoadPricing reads a YAML pricing table. An empty path yields the fallback
// rate for every model.
func LoadPricing(path string, fallback decimal.Decimal) (Pricing, error) {
	if strings.TrimSpace(path) == "" {
		return NewPricing(fallback), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Pricing{}, fmt.Errorf("read pricing file: %w", err)
	}
	return ParsePricing(data, fallback)
}

func ParsePricing(data []byte, fallback decimal.Decimal) (Pricing, error) {
	var raw pricingFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Pricing{}, fmt.Errorf("parse pricing file: %w", err)
	}

	p := NewPricing(fallback)
	if raw.DefaultPerMinute != "" {
		rate, err := parseRate(raw.DefaultPerMinute)
		if err != nil {
			return Pricing{}, fmt.Errorf("default_per_minute_usd: %w", err)
		}
		p.DefaultPerMinute = rate
	}
	for model, value := range raw.Models {
		rate, err := parseRate(value)
		if err != nil {
			return Pricing{}, fmt.Errorf("models.%s: %w", model, err)
		}
		p.Models[strings.TrimSpace(model)] = rate
	}
	return p, nil
}

func (p Pricing) Rate(model string) decimal.Decimal {
	if rate, ok := p.Models[strings.TrimSpace(model)]; ok {
		return rate
	}
	return p.DefaultPerMinute
}

func parseRate(s string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, err
	}
	if rate.IsNegative() {
		return decimal.Zero, fmt.Errorf("rate must not be negative")
	}
	return rate, nil
}
