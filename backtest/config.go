// Package backtest replays candle history through a strategy with
// next-bar execution: a signal decided on bar N fills at the open of
// bar N+1, adjusted for slippage, so no fill ever uses information the
// strategy could not have had. Runs are deterministic for a given seed
// and dataset.
package backtest

import (
	"fmt"

	"perpsim/broker"
	"perpsim/exchange"
	"perpsim/position"
)

// Config controls one backtest run.
type Config struct {
	Symbol         string
	InitialBalance float64

	// Specs defaults to the built-in exchange table when nil.
	Specs        map[string]exchange.Spec
	PositionMode broker.PositionMode
	MarginMode   position.MarginMode

	// WarmupBars are fed to indicators but produce no trades.
	WarmupBars int

	// ExecuteAtClose opts into same-bar fills at the close, mainly for
	// comparing against the honest next-bar-open default.
	ExecuteAtClose bool

	// SlippageBps moves every fill against the order: buys fill above
	// the reference price, sells below.
	SlippageBps float64

	// MaxSpreadBps skips execution on bars whose recorded spread is
	// wider. Zero disables the gate.
	MaxSpreadBps float64

	// FundingEnabled applies the dataset's funding rates; off, the run
	// measures pure price PnL.
	FundingEnabled bool

	// CloseAtEnd liquidates remaining exposure at the last close so the
	// final equity is fully realized.
	CloseAtEnd bool

	// Seed drives every random element of the run: trade IDs and any
	// stochastic strategy input. Equal seeds give byte-identical runs.
	Seed int64

	// RiskFreeRate is the annual rate used for excess returns in the
	// Sharpe and Sortino ratios.
	RiskFreeRate float64

	// StrategyParams is the raw strategy configuration, carried into
	// the result and journal so a run can be reproduced from its row.
	StrategyParams []byte
}

func (c Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("backtest: symbol required")
	}
	if c.InitialBalance <= 0 {
		return fmt.Errorf("backtest: initial balance must be positive, got %g", c.InitialBalance)
	}
	if c.WarmupBars < 0 {
		return fmt.Errorf("backtest: warmup bars must not be negative, got %d", c.WarmupBars)
	}
	if c.SlippageBps < 0 {
		return fmt.Errorf("backtest: slippage must not be negative, got %g", c.SlippageBps)
	}
	if c.MaxSpreadBps < 0 {
		return fmt.Errorf("backtest: max spread must not be negative, got %g", c.MaxSpreadBps)
	}
	if c.Specs != nil {
		if _, ok := c.Specs[c.Symbol]; !ok {
			return fmt.Errorf("backtest: no exchange spec for symbol %q", c.Symbol)
		}
	}
	return nil
}
