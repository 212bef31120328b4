package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"perpsim/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query recorded backtest runs",
	Long: `Query runs, trades and equity recorded in a SQLite journal.

Examples:
  perpsim journal runs
  perpsim journal trades <run-id>`,
}

var journalRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent runs",
	Args:  cobra.NoArgs,
	RunE:  runJournalRuns,
}

var journalTradesCmd = &cobra.Command{
	Use:   "trades <run-id>",
	Short: "List a run's fills",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalTrades,
}

var (
	journalDBPath string
	journalLimit  int
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalRunsCmd)
	journalCmd.AddCommand(journalTradesCmd)

	journalCmd.PersistentFlags().StringVarP(&journalDBPath, "db", "d", "./runs.db", "path to SQLite journal DB")
	journalRunsCmd.Flags().IntVarP(&journalLimit, "limit", "n", 20, "max runs to list")
}

func runJournalRuns(cmd *cobra.Command, args []string) error {
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	runs, err := j.ListRuns(journalLimit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	fmt.Printf("%-28s %-12s %-10s %10s %10s %8s %7s\n",
		"RUN", "STRATEGY", "SYMBOL", "START BAL", "END BAL", "RETURN%", "TRADES")
	for _, r := range runs {
		fmt.Printf("%-28s %-12s %-10s %10.2f %10.2f %8.2f %7d\n",
			r.RunID, r.Strategy, r.Symbol, r.StartBalance, r.EndBalance, r.ReturnPct, r.Trades)
	}
	return nil
}

func runJournalTrades(cmd *cobra.Command, args []string) error {
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	trades, err := j.ListTradesByRun(args[0])
	if err != nil {
		return fmt.Errorf("list trades: %w", err)
	}

	fmt.Printf("%-28s %-20s %-6s %12s %12s %10s %12s\n",
		"TRADE", "TIME", "SIDE", "QTY", "PRICE", "FEE", "REALIZED")
	for _, t := range trades {
		marker := ""
		if t.Liquidation {
			marker = "  LIQUIDATION"
		}
		fmt.Printf("%-28s %-20s %-6s %12.6f %12.2f %10.4f %12.4f%s\n",
			t.TradeID, t.Time.Format("2006-01-02 15:04"), t.Side,
			t.Quantity, t.Price, t.Fee, t.RealizedPnL, marker)
	}
	return nil
}
