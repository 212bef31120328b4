package exchange

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Specs is the built-in spec table for the most common USDT-margined
// perps. LoadSpecs can override or extend it from a YAML file.
var Specs = map[string]Spec{
	"BTCUSDT": {
		Symbol:       "BTCUSDT",
		TickSize:     0.1,
		LotSize:      0.001,
		MinOrderSize: 0.001,
		MaxOrderSize: 500,
		MaxLeverage:  125,
		MakerFeeBps:  2,
		TakerFeeBps:  4,
		Tiers: []RiskTier{
			{MaxNotional: 50_000, InitialMarginRate: 0.008, MaintenanceMarginRate: 0.004},
			{MaxNotional: 250_000, InitialMarginRate: 0.01, MaintenanceMarginRate: 0.005},
			{MaxNotional: 1_000_000, InitialMarginRate: 0.02, MaintenanceMarginRate: 0.01},
			{MaxNotional: 10_000_000, InitialMarginRate: 0.05, MaintenanceMarginRate: 0.025},
			{MaxNotional: math.Inf(+1), InitialMarginRate: 0.1, MaintenanceMarginRate: 0.05},
		},
		FundingIntervalHours: 8,
		MaxFundingRate:       0.0075,
		PriceDeviationLimit:  0.05,
	},
	"ETHUSDT": {
		Symbol:       "ETHUSDT",
		TickSize:     0.01,
		LotSize:      0.01,
		MinOrderSize: 0.01,
		MaxOrderSize: 10_000,
		MaxLeverage:  100,
		MakerFeeBps:  2,
		TakerFeeBps:  4,
		Tiers: []RiskTier{
			{MaxNotional: 25_000, InitialMarginRate: 0.01, MaintenanceMarginRate: 0.005},
			{MaxNotional: 100_000, InitialMarginRate: 0.02, MaintenanceMarginRate: 0.01},
			{MaxNotional: 1_000_000, InitialMarginRate: 0.05, MaintenanceMarginRate: 0.025},
			{MaxNotional: math.Inf(+1), InitialMarginRate: 0.1, MaintenanceMarginRate: 0.05},
		},
		FundingIntervalHours: 8,
		MaxFundingRate:       0.0075,
		PriceDeviationLimit:  0.05,
	},
	"SOLUSDT": {
		Symbol:       "SOLUSDT",
		TickSize:     0.001,
		LotSize:      0.1,
		MinOrderSize: 0.1,
		MaxOrderSize: 100_000,
		MaxLeverage:  50,
		MakerFeeBps:  2,
		TakerFeeBps:  4,
		Tiers: []RiskTier{
			{MaxNotional: 10_000, InitialMarginRate: 0.02, MaintenanceMarginRate: 0.01},
			{MaxNotional: 100_000, InitialMarginRate: 0.05, MaintenanceMarginRate: 0.025},
			{MaxNotional: math.Inf(+1), InitialMarginRate: 0.1, MaintenanceMarginRate: 0.05},
		},
		FundingIntervalHours: 8,
		MaxFundingRate:       0.0075,
		PriceDeviationLimit:  0.1,
	},
}

// DefaultSpecs returns a copy of the built-in table, safe to hand to a
// broker that will treat it as its own.
func DefaultSpecs() map[string]Spec {
	out := make(map[string]Spec, len(Specs))
	for k, v := range Specs {
		out[k] = v
	}
	return out
}

// LoadSpecs reads symbol specs from a YAML file and merges them over the
// built-in table. A tier with max_notional .inf (or omitted as the last
// entry) terminates the schedule.
func LoadSpecs(path string) (map[string]Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read specs: %w", err)
	}
	var file struct {
		Symbols []Spec `yaml:"symbols"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse specs: %w", err)
	}

	out := DefaultSpecs()
	for _, s := range file.Symbols {
		if n := len(s.Tiers); n > 0 && s.Tiers[n-1].MaxNotional == 0 {
			s.Tiers[n-1].MaxNotional = math.Inf(+1)
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		out[s.Symbol] = s
	}
	return out, nil
}
