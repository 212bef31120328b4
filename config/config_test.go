package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpsim/broker"
	"perpsim/position"
)

const sampleYAML = `
account:
  balance: 25000
  position_mode: hedge
  margin_mode: isolated
backtest:
  warmup_bars: 50
  slippage_bps: 2
  max_spread_bps: 10
  funding_enabled: true
  close_at_end: true
  seed: 1234
  risk_free_rate: 0.04
strategy:
  name: ema-cross
  params:
    symbol: BTCUSDT
    fast: 12
    slow: 26
    size: 0.5
    leverage: 5
data:
  path: data/BTCUSDT-1h.csv.xz
  symbol: BTCUSDT
journal:
  type: sqlite
  path: runs.db
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.InDelta(t, 25_000, cfg.Account.Balance, 1e-9)
	assert.Equal(t, "ema-cross", cfg.Strategy.Name)
	assert.Equal(t, 50, cfg.Backtest.WarmupBars)
	assert.Equal(t, int64(1234), cfg.Backtest.Seed)
	assert.Equal(t, "sqlite", cfg.Journal.Type)

	params, err := cfg.Strategy.ParamsBytes()
	require.NoError(t, err)
	assert.Contains(t, string(params), "fast: 12")
}

func TestRunnerConfigMapping(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	rc, err := cfg.RunnerConfig()
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", rc.Symbol)
	assert.Equal(t, broker.Hedge, rc.PositionMode)
	assert.Equal(t, position.Isolated, rc.MarginMode)
	assert.True(t, rc.FundingEnabled)
	assert.True(t, rc.CloseAtEnd)
	assert.InDelta(t, 2, rc.SlippageBps, 1e-9)
	assert.NotEmpty(t, rc.StrategyParams)
	require.NoError(t, rc.Validate())
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero balance", func(c *Config) { c.Account.Balance = 0 }, "balance"},
		{"bad position mode", func(c *Config) { c.Account.PositionMode = "netting" }, "position_mode"},
		{"bad margin mode", func(c *Config) { c.Account.MarginMode = "portfolio" }, "margin_mode"},
		{"missing strategy", func(c *Config) { c.Strategy.Name = "" }, "strategy.name"},
		{"missing data path", func(c *Config) { c.Data.Path = "" }, "data.path"},
		{"missing symbol", func(c *Config) { c.Data.Symbol = "" }, "data.symbol"},
		{"bad journal type", func(c *Config) { c.Journal.Type = "parquet" }, "journal.type"},
		{"sqlite without path", func(c *Config) { c.Journal.Path = "" }, "journal.path"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, sampleYAML))
			require.NoError(t, err)
			tc.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/no/such/config.yaml")
	assert.ErrorContains(t, err, "read config")
}
