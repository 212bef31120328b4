// Package indicators provides streaming technical indicators for
// strategies. Each indicator consumes closed candles one at a time and
// exposes the same Update/Ready/Value shape, so strategies can mix them
// freely.
package indicators

import "perpsim/market"

// Indicator computes a single streaming value from candles. It is
// deterministic, which keeps backtests reproducible.
type Indicator interface {
	// Name returns a stable identifier like "EMA(20)".
	Name() string

	// Warmup returns how many updates are needed before Ready can be
	// true.
	Warmup() int

	// Reset clears all internal state so the indicator can be reused
	// across runs.
	Reset()

	// Update consumes the next closed candle.
	Update(c market.Candle)

	// Ready reports whether Value is meaningful.
	Ready() bool

	// Value returns the current value, or 0 before warmup completes.
	// Callers should always check Ready first.
	Value() float64
}
