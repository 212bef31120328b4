package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"perpsim/backtest"
	"perpsim/config"
	"perpsim/journal"
	"perpsim/market/data"
	"perpsim/report"
	"perpsim/strategy"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a backtest described by a YAML config",
	Long: `Run loads a candle series and replays it through the configured
strategy with next-bar execution, printing a summary and optionally
journaling the run and writing an HTML report.

Example:
  perpsim run -c configs/btc-ema.yaml`,
	RunE: runRun,
}

var runConfigPath string

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "", "path to run config YAML (required)")
	runCmd.MarkFlagRequired("config")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(runConfigPath)
	if err != nil {
		return err
	}

	params, err := cfg.Strategy.ParamsBytes()
	if err != nil {
		return err
	}
	strat, err := strategy.New(cfg.Strategy.Name, params)
	if err != nil {
		return err
	}

	candles, err := data.Load(cfg.Data.Path)
	if err != nil {
		return fmt.Errorf("load candles: %w", err)
	}

	jour, err := openJournal(cfg.Journal)
	if err != nil {
		return err
	}
	defer jour.Close()

	rc, err := cfg.RunnerConfig()
	if err != nil {
		return err
	}
	runner, err := backtest.NewRunner(rc, strat, jour)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := runner.Run(ctx, candles)
	if err != nil {
		return err
	}
	fmt.Print(res.Summary())

	if cfg.Report.HTMLPath != "" {
		if err := report.WriteHTML(cfg.Report.HTMLPath, res); err != nil {
			return err
		}
		fmt.Printf("report written to %s\n", cfg.Report.HTMLPath)
	}
	return nil
}

func openJournal(jc config.JournalConfig) (journal.Journal, error) {
	switch jc.Type {
	case "", "none":
		return journal.Nop{}, nil
	case "csv":
		j, err := journal.NewCSV(jc.Path)
		if err != nil {
			return nil, fmt.Errorf("open csv journal: %w", err)
		}
		return journal.NewAsync(j, jc.Buffer), nil
	case "sqlite":
		j, err := journal.NewSQLite(jc.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite journal: %w", err)
		}
		return journal.NewAsync(j, jc.Buffer), nil
	default:
		return nil, fmt.Errorf("unknown journal type %q", jc.Type)
	}
}
