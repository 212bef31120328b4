package broker

import (
	"math"
	"time"

	"perpsim/position"
)

// Mark is one symbol's mark-price observation, with the funding rate in
// effect at that instant (zero when the dataset has none).
type Mark struct {
	Price       float64
	FundingRate float64
}

// UpdateMarkPrices re-marks every open position, applies funding where a
// funding interval boundary has been crossed, and runs the liquidation
// sweep. Liquidation is fatal for the position, not for the run: the
// position is removed, the loss booked, and the account carries on.
func (b *Broker) UpdateMarkPrices(marks map[string]Mark, ts time.Time) MarkReport {
	b.mu.Lock()
	defer b.mu.Unlock()

	var report MarkReport

	for _, pos := range b.positions {
		mark, ok := marks[pos.Symbol]
		if !ok {
			continue
		}
		b.marks[pos.Symbol] = mark.Price
		pos.MarkTo(mark.Price, ts)

		// The tier is notional-dependent: re-derive it on every mark so
		// a position that grew into a higher bracket is held to the
		// stricter maintenance rate.
		spec := b.specs[pos.Symbol]
		tier := spec.TierFor(pos.Notional())
		pos.MaintenanceMargin = tier.MaintenanceMarginRate * pos.Notional()
		pos.LiqPrice = pos.LiquidationPrice(b.crossAvailableLocked()-pos.UnrealizedPnL, tier.MaintenanceMarginRate)

		if pay, ok := b.applyFundingLocked(pos, mark, ts); ok {
			report.Funding = append(report.Funding, pay)
		}
	}

	report.Liquidations = b.enforceMarginLocked(ts)
	return report
}

// applyFundingLocked transfers funding when the position has crossed an
// interval boundary since its last payment. Longs pay a positive rate,
// shorts receive it.
func (b *Broker) applyFundingLocked(pos *position.Position, mark Mark, ts time.Time) (FundingPayment, bool) {
	spec := b.specs[pos.Symbol]
	interval := time.Duration(spec.FundingIntervalHours) * time.Hour
	if interval <= 0 || mark.FundingRate == 0 {
		return FundingPayment{}, false
	}
	if ts.Sub(pos.LastFundingTime) < interval {
		return FundingPayment{}, false
	}

	rate := mark.FundingRate
	if spec.MaxFundingRate > 0 {
		rate = math.Max(-spec.MaxFundingRate, math.Min(spec.MaxFundingRate, rate))
	}

	amount := -pos.Notional() * rate * float64(pos.Side)
	b.balance += amount
	b.funding += amount
	pos.AccumulatedFunding += amount
	pos.LastFundingTime = ts

	return FundingPayment{
		Symbol: pos.Symbol,
		Side:   pos.Side,
		Rate:   rate,
		Amount: amount,
		Time:   ts,
	}, true
}

// enforceMarginLocked is the liquidation sweep. Isolated positions are
// judged against their own margin. Cross positions share the balance,
// so the trigger is joint: when available margin falls below the
// aggregate maintenance requirement, the position with the worst margin
// ratio goes first, then the account is re-checked.
func (b *Broker) enforceMarginLocked(ts time.Time) []TradeResult {
	var out []TradeResult

	for key, pos := range b.positions {
		if pos.Mode != position.Isolated {
			continue
		}
		if pos.Liquidatable(pos.IsolatedMargin + pos.UnrealizedPnL) {
			out = append(out, b.forceCloseLocked(key, pos, ts))
		}
	}

	for {
		var totalMaint float64
		var worstKey string
		var worst *position.Position
		worstRatio := math.Inf(+1)

		for key, pos := range b.positions {
			if pos.Mode == position.Isolated {
				continue
			}
			totalMaint += pos.MaintenanceMargin
			ratio := math.Inf(+1)
			if pos.MaintenanceMargin > 0 {
				ratio = (pos.InitialMargin + pos.UnrealizedPnL) / pos.MaintenanceMargin
			}
			if ratio < worstRatio {
				worstRatio = ratio
				worstKey = key
				worst = pos
			}
		}

		if worst == nil || b.crossAvailableLocked() >= totalMaint {
			return out
		}
		out = append(out, b.forceCloseLocked(worstKey, worst, ts))
	}
}

// forceCloseLocked closes a position at its mark price. The realized
// loss consumes the reserved margin; whatever margin survives the loss
// is returned to the balance. No fee is charged on a forced close.
func (b *Broker) forceCloseLocked(key string, pos *position.Position, ts time.Time) TradeResult {
	realized := pos.UnrealizedPnL
	returned := math.Max(0, pos.InitialMargin+realized)

	b.balance += returned
	b.liquidations++
	delete(b.positions, key)

	return TradeResult{
		ID:          b.newID(ts),
		OK:          true,
		Liquidation: true,
		Reason:      "LIQUIDATION",
		Symbol:      pos.Symbol,
		Side:        pos.Side.Opposite(),
		Quantity:    pos.Size,
		Price:       pos.MarkPrice,
		RealizedPnL: realized,
		Time:        ts,
	}
}
