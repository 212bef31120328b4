package exchange

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// RiskTier is one rung of the notional-tiered margin schedule. Bigger
// positions fall into later tiers and post proportionally more margin,
// matching how real perp exchanges publish their risk schedules.
type RiskTier struct {
	MaxNotional           float64 `yaml:"max_notional"` // +Inf on the last tier
	InitialMarginRate     float64 `yaml:"initial_margin_rate"`
	MaintenanceMarginRate float64 `yaml:"maintenance_margin_rate"`
}

// Spec holds the immutable per-symbol trading rules.
type Spec struct {
	Symbol               string     `yaml:"symbol"`
	TickSize             float64    `yaml:"tick_size"`
	LotSize              float64    `yaml:"lot_size"`
	MinOrderSize         float64    `yaml:"min_order_size"`
	MaxOrderSize         float64    `yaml:"max_order_size"`
	MaxLeverage          float64    `yaml:"max_leverage"`
	MakerFeeBps          float64    `yaml:"maker_fee_bps"`
	TakerFeeBps          float64    `yaml:"taker_fee_bps"`
	Tiers                []RiskTier `yaml:"tiers"`
	FundingIntervalHours int        `yaml:"funding_interval_hours"`
	MaxFundingRate       float64    `yaml:"max_funding_rate"`
	PriceDeviationLimit  float64    `yaml:"price_deviation_limit"`
}

// Validate checks the internal consistency of a spec, in particular that
// risk tiers are contiguous and strictly increasing in notional.
func (s Spec) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("spec: symbol required")
	}
	if s.TickSize <= 0 || s.LotSize <= 0 {
		return fmt.Errorf("spec %s: tick and lot sizes must be positive", s.Symbol)
	}
	if s.MinOrderSize <= 0 || s.MaxOrderSize < s.MinOrderSize {
		return fmt.Errorf("spec %s: bad order size bounds [%g, %g]", s.Symbol, s.MinOrderSize, s.MaxOrderSize)
	}
	if s.MaxLeverage < 1 {
		return fmt.Errorf("spec %s: max leverage %g below 1", s.Symbol, s.MaxLeverage)
	}
	if len(s.Tiers) == 0 {
		return fmt.Errorf("spec %s: at least one risk tier required", s.Symbol)
	}
	prev := 0.0
	for i, tier := range s.Tiers {
		if tier.MaxNotional <= prev {
			return fmt.Errorf("spec %s: tier %d max notional %g not increasing", s.Symbol, i, tier.MaxNotional)
		}
		if tier.InitialMarginRate <= 0 || tier.MaintenanceMarginRate <= 0 {
			return fmt.Errorf("spec %s: tier %d margin rates must be positive", s.Symbol, i)
		}
		if tier.MaintenanceMarginRate >= tier.InitialMarginRate {
			return fmt.Errorf("spec %s: tier %d maintenance rate %g not below initial rate %g",
				s.Symbol, i, tier.MaintenanceMarginRate, tier.InitialMarginRate)
		}
		if i > 0 && tier.MaintenanceMarginRate < s.Tiers[i-1].MaintenanceMarginRate {
			return fmt.Errorf("spec %s: tier %d maintenance rate decreases", s.Symbol, i)
		}
		prev = tier.MaxNotional
	}
	if !math.IsInf(s.Tiers[len(s.Tiers)-1].MaxNotional, +1) {
		return fmt.Errorf("spec %s: last tier must be unbounded", s.Symbol)
	}
	return nil
}

// TierFor returns the first tier whose cap covers the given notional,
// falling back to the last tier. Tier lookup is notional-dependent, not
// leverage-dependent, and must be re-derived whenever position notional
// changes materially.
func (s Spec) TierFor(notional float64) RiskTier {
	for _, tier := range s.Tiers {
		if notional <= tier.MaxNotional {
			return tier
		}
	}
	return s.Tiers[len(s.Tiers)-1]
}

// TakerFee returns the taker fee charged on the given notional.
func (s Spec) TakerFee(notional float64) float64 {
	return notional * s.TakerFeeBps / 10_000
}

// MakerFee returns the maker fee charged on the given notional.
func (s Spec) MakerFee(notional float64) float64 {
	return notional * s.MakerFeeBps / 10_000
}

// RoundToTick rounds a price to the nearest tick. Decimal arithmetic
// keeps repeated rounding from accumulating float drift.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	v, _ := p.Div(t).Round(0).Mul(t).Float64()
	return v
}

// RoundToLot rounds a quantity down to a whole number of lots. Rounding
// is always down: never create size the account cannot afford or the
// exchange would reject.
func RoundToLot(qty, lot float64) float64 {
	if lot <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	l := decimal.NewFromFloat(lot)
	v, _ := q.Div(l).Floor().Mul(l).Float64()
	return v
}

// ClampOrderSize rounds |qty| to the lot grid and clamps it into the
// exchange's [min, max] order-size window.
func (s Spec) ClampOrderSize(qty float64) float64 {
	q := RoundToLot(math.Abs(qty), s.LotSize)
	if q < s.MinOrderSize {
		return s.MinOrderSize
	}
	if q > s.MaxOrderSize {
		return s.MaxOrderSize
	}
	return q
}
