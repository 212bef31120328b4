package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "perpsim",
	Short: "A perpetual-futures margin simulator and backtest research tool",
	Long: `Perpsim simulates leveraged perpetual-futures trading against
historical candle data with exchange-grade margin accounting.

It provides tools for:
  - Backtesting strategies with deterministic next-bar execution
  - Tiered margin, funding and liquidation simulation
  - Journaling runs, trades and equity curves to SQLite or CSV
  - Downloading monthly kline archives
  - HTML equity and drawdown reports`,
}

// Execute runs the root command tree.
func Execute() error {
	return rootCmd.Execute()
}
