// Package config loads and validates the YAML run configuration that
// the CLI feeds into a backtest.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"perpsim/backtest"
	"perpsim/broker"
	"perpsim/exchange"
	"perpsim/position"
)

// Config is the complete description of one run.
type Config struct {
	Account  AccountConfig  `yaml:"account"`
	Backtest BacktestConfig `yaml:"backtest"`
	Strategy StrategyConfig `yaml:"strategy"`
	Data     DataConfig     `yaml:"data"`
	Journal  JournalConfig  `yaml:"journal"`
	Report   ReportConfig   `yaml:"report"`
}

// AccountConfig seeds the simulated account.
type AccountConfig struct {
	Balance      float64 `yaml:"balance"`
	PositionMode string  `yaml:"position_mode"` // one_way | hedge
	MarginMode   string  `yaml:"margin_mode"`   // cross | isolated
}

// BacktestConfig mirrors the runner knobs.
type BacktestConfig struct {
	WarmupBars     int     `yaml:"warmup_bars"`
	ExecuteAtClose bool    `yaml:"execute_at_close"`
	SlippageBps    float64 `yaml:"slippage_bps"`
	MaxSpreadBps   float64 `yaml:"max_spread_bps"`
	FundingEnabled bool    `yaml:"funding_enabled"`
	CloseAtEnd     bool    `yaml:"close_at_end"`
	Seed           int64   `yaml:"seed"`
	RiskFreeRate   float64 `yaml:"risk_free_rate"`
}

// StrategyConfig names the strategy; Params is passed through to its
// factory untouched, so each strategy validates its own shape.
type StrategyConfig struct {
	Name   string    `yaml:"name"`
	Params yaml.Node `yaml:"params"`
}

// ParamsBytes re-serializes the params block for the strategy factory
// and the journal.
func (s StrategyConfig) ParamsBytes() ([]byte, error) {
	if s.Params.IsZero() {
		return nil, nil
	}
	return yaml.Marshal(&s.Params)
}

// DataConfig points at the candle series.
type DataConfig struct {
	Path      string `yaml:"path"` // .csv, .csv.xz or .zip
	Symbol    string `yaml:"symbol"`
	SpecsFile string `yaml:"specs_file,omitempty"` // optional exchange-spec overrides
}

// JournalConfig selects persistence.
type JournalConfig struct {
	Type   string `yaml:"type"` // none | csv | sqlite
	Path   string `yaml:"path,omitempty"`
	Buffer int    `yaml:"buffer,omitempty"` // async queue depth, 0 = default
}

// ReportConfig controls the HTML chart output.
type ReportConfig struct {
	HTMLPath string `yaml:"html_path,omitempty"`
}

// Load reads, parses and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Account.Balance <= 0 {
		return fmt.Errorf("account.balance must be positive")
	}
	switch c.Account.PositionMode {
	case "", "one_way", "hedge":
	default:
		return fmt.Errorf("account.position_mode %q not one of one_way, hedge", c.Account.PositionMode)
	}
	switch c.Account.MarginMode {
	case "", "cross", "isolated":
	default:
		return fmt.Errorf("account.margin_mode %q not one of cross, isolated", c.Account.MarginMode)
	}
	if c.Strategy.Name == "" {
		return fmt.Errorf("strategy.name is required")
	}
	if c.Data.Path == "" {
		return fmt.Errorf("data.path is required")
	}
	if c.Data.Symbol == "" {
		return fmt.Errorf("data.symbol is required")
	}
	switch c.Journal.Type {
	case "", "none", "csv", "sqlite":
	default:
		return fmt.Errorf("journal.type %q not one of none, csv, sqlite", c.Journal.Type)
	}
	if c.Journal.Type == "csv" || c.Journal.Type == "sqlite" {
		if c.Journal.Path == "" {
			return fmt.Errorf("journal.path is required for journal.type %q", c.Journal.Type)
		}
	}
	return nil
}

// RunnerConfig assembles the backtest.Config, loading spec overrides
// when the config names a specs file.
func (c *Config) RunnerConfig() (backtest.Config, error) {
	specs := exchange.DefaultSpecs()
	if c.Data.SpecsFile != "" {
		loaded, err := exchange.LoadSpecs(c.Data.SpecsFile)
		if err != nil {
			return backtest.Config{}, err
		}
		specs = loaded
	}

	params, err := c.Strategy.ParamsBytes()
	if err != nil {
		return backtest.Config{}, err
	}

	mode := broker.OneWay
	if c.Account.PositionMode == "hedge" {
		mode = broker.Hedge
	}
	margin := position.Cross
	if c.Account.MarginMode == "isolated" {
		margin = position.Isolated
	}

	return backtest.Config{
		Symbol:         c.Data.Symbol,
		InitialBalance: c.Account.Balance,
		Specs:          specs,
		PositionMode:   mode,
		MarginMode:     margin,
		WarmupBars:     c.Backtest.WarmupBars,
		ExecuteAtClose: c.Backtest.ExecuteAtClose,
		SlippageBps:    c.Backtest.SlippageBps,
		MaxSpreadBps:   c.Backtest.MaxSpreadBps,
		FundingEnabled: c.Backtest.FundingEnabled,
		CloseAtEnd:     c.Backtest.CloseAtEnd,
		Seed:           c.Backtest.Seed,
		RiskFreeRate:   c.Backtest.RiskFreeRate,
		StrategyParams: params,
	}, nil
}
