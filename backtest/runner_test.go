package backtest

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpsim/engine"
	"perpsim/exchange"
	"perpsim/journal"
	"perpsim/market"
	"perpsim/position"
)

var testSpec = exchange.Spec{
	Symbol:       "BTCUSDT",
	TickSize:     0.01,
	LotSize:      0.001,
	MinOrderSize: 0.001,
	MaxOrderSize: 10_000,
	MaxLeverage:  125,
	Tiers: []exchange.RiskTier{
		{MaxNotional: math.Inf(+1), InitialMarginRate: 0.008, MaintenanceMarginRate: 0.005},
	},
	FundingIntervalHours: 8,
	MaxFundingRate:       0.0075,
}

func testConfig() Config {
	return Config{
		Symbol:         "BTCUSDT",
		InitialBalance: 10_000,
		Specs:          map[string]exchange.Spec{"BTCUSDT": testSpec},
		Seed:           42,
	}
}

// flatCandles returns n one-minute candles all at the same price.
func flatCandles(n int, price float64) []market.Candle {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, n)
	for i := range out {
		out[i] = market.Candle{
			Time:   start.Add(time.Duration(i) * time.Minute),
			Open:   price,
			High:   price,
			Low:    price,
			Close:  price,
			Volume: 1,
		}
	}
	return out
}

// trendCandles walks the close by step per bar; the next open equals
// the previous close.
func trendCandles(n int, start, step float64) []market.Candle {
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, n)
	price := start
	for i := range out {
		next := price + step
		hi := math.Max(price, next)
		lo := math.Min(price, next)
		out[i] = market.Candle{
			Time:   ts.Add(time.Duration(i) * time.Hour),
			Open:   price,
			High:   hi,
			Low:    lo,
			Close:  next,
			Volume: 1,
		}
		price = next
	}
	return out
}

// script is a test strategy driven by a plain function.
type script struct {
	fn func(c market.Candle, i int, st engine.State) []engine.Signal
}

func (script) Name() string { return "script" }
func (script) Reset()       {}
func (s script) OnBar(c market.Candle, i int, st engine.State) []engine.Signal {
	if s.fn == nil {
		return nil
	}
	return s.fn(c, i, st)
}

func longAtBar(bar int, size float64) script {
	return script{fn: func(c market.Candle, i int, st engine.State) []engine.Signal {
		if i == bar {
			return []engine.Signal{{Symbol: "BTCUSDT", Side: position.Long, Size: size, Leverage: 10}}
		}
		return nil
	}}
}

func TestNextBarExecutionAtOpen(t *testing.T) {
	candles := flatCandles(100, 100)
	// Make bar 11's open distinguishable from bar 10's prices.
	candles[11].Open = 101
	candles[11].High = 101

	r, err := NewRunner(testConfig(), longAtBar(10, 1), nil)
	require.NoError(t, err)
	res, err := r.Run(context.Background(), candles)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.InDelta(t, 101, res.Trades[0].Price, 1e-9, "fill at the open of bar 11, not bar 10")
	assert.True(t, res.Trades[0].Time.Equal(candles[11].Time))
}

func TestFlatMarketScenario(t *testing.T) {
	// Spec example: flat $100 market, one LONG of size 1 at bar 10,
	// zero slippage and fees. Unrealized PnL stays zero and the curve
	// never draws down.
	r, err := NewRunner(testConfig(), longAtBar(10, 1), nil)
	require.NoError(t, err)
	res, err := r.Run(context.Background(), flatCandles(100, 100))
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.InDelta(t, 100, res.Trades[0].Price, 1e-9)
	for _, pt := range res.Equity {
		assert.InDelta(t, 0, pt.UnrealizedPnL, 1e-9)
	}
	assert.Zero(t, res.Metrics.MaxDrawdown)
	assert.Zero(t, res.Metrics.Sharpe, "zero-variance returns")
}

func TestNoLookAhead(t *testing.T) {
	base := trendCandles(60, 100, 1)

	run := func(candles []market.Candle) Result {
		// Strategy keyed off the close it is shown; any future leak
		// would change its signals.
		strat := script{fn: func(c market.Candle, i int, st engine.State) []engine.Signal {
			if int(c.Close)%7 == 0 {
				return []engine.Signal{{Symbol: "BTCUSDT", Side: position.Long, Size: 0.5, Leverage: 5}}
			}
			return []engine.Signal{engine.Flat("BTCUSDT")}
		}}
		r, err := NewRunner(testConfig(), strat, nil)
		require.NoError(t, err)
		res, err := r.Run(context.Background(), candles)
		require.NoError(t, err)
		return res
	}

	clean := run(base)

	tampered := make([]market.Candle, len(base))
	copy(tampered, base)
	for i := 40; i < len(tampered); i++ {
		tampered[i].Open *= 3
		tampered[i].High *= 3
		tampered[i].Low *= 3
		tampered[i].Close *= 3
	}
	alt := run(tampered)

	cutoff := base[40].Time
	var cleanBefore, altBefore []float64
	for _, tr := range clean.Trades {
		if tr.Time.Before(cutoff) {
			cleanBefore = append(cleanBefore, tr.Price, tr.Quantity)
		}
	}
	for _, tr := range alt.Trades {
		if tr.Time.Before(cutoff) {
			altBefore = append(altBefore, tr.Price, tr.Quantity)
		}
	}
	assert.Equal(t, cleanBefore, altBefore, "trades before the tamper point must be unaffected")
}

func TestDeterminism(t *testing.T) {
	candles := trendCandles(200, 100, 0.5)
	strat := func() script {
		return script{fn: func(c market.Candle, i int, st engine.State) []engine.Signal {
			switch i % 30 {
			case 5:
				return []engine.Signal{{Symbol: "BTCUSDT", Side: position.Long, Size: 1, Leverage: 10}}
			case 20:
				return []engine.Signal{engine.Flat("BTCUSDT")}
			}
			return nil
		}}
	}

	cfg := testConfig()
	cfg.SlippageBps = 2

	r1, err := NewRunner(cfg, strat(), nil)
	require.NoError(t, err)
	res1, err := r1.Run(context.Background(), candles)
	require.NoError(t, err)

	r2, err := NewRunner(cfg, strat(), nil)
	require.NoError(t, err)
	res2, err := r2.Run(context.Background(), candles)
	require.NoError(t, err)

	require.Equal(t, len(res1.Trades), len(res2.Trades))
	for i := range res1.Trades {
		assert.Equal(t, res1.Trades[i].ID, res2.Trades[i].ID, "same seed, same trade IDs")
		assert.Equal(t, res1.Trades[i].Price, res2.Trades[i].Price)
	}
	assert.Equal(t, res1.Equity, res2.Equity)
	assert.Equal(t, res1.DataHash, res2.DataHash)
}

func TestWarmupProducesNoTrades(t *testing.T) {
	cfg := testConfig()
	cfg.WarmupBars = 25

	// Always wants to be long; warm-up must suppress it.
	strat := script{fn: func(c market.Candle, i int, st engine.State) []engine.Signal {
		return []engine.Signal{{Symbol: "BTCUSDT", Side: position.Long, Size: 1, Leverage: 5}}
	}}

	r, err := NewRunner(cfg, strat, nil)
	require.NoError(t, err)
	res, err := r.Run(context.Background(), trendCandles(60, 100, 0.1))
	require.NoError(t, err)

	require.NotEmpty(t, res.Trades)
	firstFill := res.Trades[0].Time
	warmupEnd := trendCandles(60, 100, 0.1)[cfg.WarmupBars].Time
	assert.False(t, firstFill.Before(warmupEnd), "first fill %v inside warmup ending %v", firstFill, warmupEnd)
}

func TestSlippageIsAdverse(t *testing.T) {
	cfg := testConfig()
	cfg.SlippageBps = 10 // 0.1%

	r, err := NewRunner(cfg, longAtBar(0, 1), nil)
	require.NoError(t, err)
	res, err := r.Run(context.Background(), flatCandles(10, 100))
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.InDelta(t, 100.1, res.Trades[0].Price, 1e-9, "buys fill above the reference open")
}

func TestSpreadGateSkipsBar(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSpreadBps = 5

	candles := flatCandles(10, 100)
	candles[1].SpreadBps = 50 // signal from bar 0 would fill here

	r, err := NewRunner(cfg, longAtBar(0, 1), nil)
	require.NoError(t, err)
	res, err := r.Run(context.Background(), candles)
	require.NoError(t, err)

	assert.Empty(t, res.Trades, "wide-spread bar skips execution entirely")
}

func TestStrategyPanicIsIsolated(t *testing.T) {
	strat := script{fn: func(c market.Candle, i int, st engine.State) []engine.Signal {
		if i == 3 {
			panic("indicator out of range")
		}
		if i == 5 {
			return []engine.Signal{{Symbol: "BTCUSDT", Side: position.Long, Size: 1, Leverage: 5}}
		}
		return nil
	}}

	r, err := NewRunner(testConfig(), strat, nil)
	require.NoError(t, err)
	res, err := r.Run(context.Background(), flatCandles(10, 100))
	require.NoError(t, err, "a strategy panic must not abort the run")

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Len(t, res.Trades, 1, "bars after the panic still trade")
}

func TestInvalidSignalsRejectedNotFatal(t *testing.T) {
	strat := script{fn: func(c market.Candle, i int, st engine.State) []engine.Signal {
		switch i {
		case 0:
			return []engine.Signal{{Symbol: "NOPEUSDT", Side: position.Long, Size: 1, Leverage: 5}}
		case 1:
			return []engine.Signal{{Symbol: "BTCUSDT", Side: position.Long, Size: math.NaN(), Leverage: 5}}
		case 2:
			return []engine.Signal{{Symbol: "BTCUSDT", Side: position.Long, Size: 1, Leverage: 500}}
		case 3:
			return []engine.Signal{{Symbol: "BTCUSDT", Side: position.Long, Size: 1, Leverage: 5, Type: engine.Limit}}
		case 4:
			return []engine.Signal{{Symbol: "BTCUSDT", Side: position.Long, Size: 1, Leverage: 5, StopLoss: 110, TakeProfit: 105}}
		}
		return nil
	}}

	r, err := NewRunner(testConfig(), strat, nil)
	require.NoError(t, err)
	res, err := r.Run(context.Background(), flatCandles(10, 100))
	require.NoError(t, err)

	assert.Empty(t, res.Trades)
	assert.Equal(t, 5, res.Rejections)
}

func TestCorruptSeriesIsFatal(t *testing.T) {
	candles := flatCandles(10, 100)
	candles[4].Time = candles[3].Time // non-monotonic

	r, err := NewRunner(testConfig(), script{}, nil)
	require.NoError(t, err)
	_, err = r.Run(context.Background(), candles)
	assert.Error(t, err)

	candles = flatCandles(10, 100)
	candles[6].High = 90 // high below open/close
	r, err = NewRunner(testConfig(), script{}, nil)
	require.NoError(t, err)
	_, err = r.Run(context.Background(), candles)
	assert.Error(t, err)
}

func TestCancellationAbortsBetweenBars(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	strat := script{fn: func(c market.Candle, i int, st engine.State) []engine.Signal {
		if i == 5 {
			cancel()
		}
		return nil
	}}

	r, err := NewRunner(testConfig(), strat, nil)
	require.NoError(t, err)
	res, err := r.Run(ctx, flatCandles(100, 100))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusAborted, res.Status)
	assert.Less(t, res.Bars, 100)
}

func TestFinalBarSignalFlushedOnSyntheticCandle(t *testing.T) {
	n := 10
	r, err := NewRunner(testConfig(), longAtBar(n-1, 1), nil)
	require.NoError(t, err)
	res, err := r.Run(context.Background(), flatCandles(n, 100))
	require.NoError(t, err)

	require.Len(t, res.Trades, 1, "last-bar signal fills on the synthetic flush candle")
	assert.InDelta(t, 100, res.Trades[0].Price, 1e-9)
}

func TestCloseAtEndLeavesNoExposure(t *testing.T) {
	cfg := testConfig()
	cfg.CloseAtEnd = true

	r, err := NewRunner(cfg, longAtBar(2, 1), nil)
	require.NoError(t, err)
	res, err := r.Run(context.Background(), trendCandles(20, 100, 1))
	require.NoError(t, err)

	assert.Empty(t, res.Positions)
	assert.InDelta(t, res.FinalBalance, res.FinalEquity, 1e-9, "everything realized")
}

func TestFundingAppliedWhenEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.FundingEnabled = true

	candles := flatCandles(24*60+1, 100) // minute bars spanning a day
	for i := range candles {
		candles[i].FundingRate = 0.0001
	}

	r, err := NewRunner(cfg, longAtBar(0, 1), nil)
	require.NoError(t, err)
	res, err := r.Run(context.Background(), candles)
	require.NoError(t, err)

	assert.Negative(t, res.Funding, "long pays a positive funding rate")

	// Same run with funding disabled keeps the balance untouched.
	cfg.FundingEnabled = false
	r2, err := NewRunner(cfg, longAtBar(0, 1), nil)
	require.NoError(t, err)
	res2, err := r2.Run(context.Background(), candles)
	require.NoError(t, err)
	assert.Zero(t, res2.Funding)
}

// signalAtBar emits one fixed signal on the given bar.
func signalAtBar(bar int, sig engine.Signal) script {
	return script{fn: func(c market.Candle, i int, st engine.State) []engine.Signal {
		if i == bar {
			return []engine.Signal{sig}
		}
		return nil
	}}
}

func TestStopLossExitFillsAtStopPrice(t *testing.T) {
	candles := flatCandles(30, 100)
	candles[12].Low = 94
	candles[12].Close = 96

	entry := engine.Signal{Symbol: "BTCUSDT", Side: position.Long, Size: 1, Leverage: 10, StopLoss: 95, TakeProfit: 120}
	r, err := NewRunner(testConfig(), signalAtBar(10, entry), nil)
	require.NoError(t, err)
	res, err := r.Run(context.Background(), candles)
	require.NoError(t, err)

	require.Len(t, res.Trades, 2, "entry plus the protective exit")
	exit := res.Trades[1]
	assert.InDelta(t, 95, exit.Price, 1e-9, "stop fills at its level, not the close")
	assert.InDelta(t, -5, exit.RealizedPnL, 1e-9)
	assert.True(t, exit.Time.Equal(candles[12].Time))
	assert.Empty(t, res.Positions)
}

func TestStopFirstWhenStopAndTakeShareABar(t *testing.T) {
	candles := flatCandles(30, 100)
	candles[12].High = 111
	candles[12].Low = 89

	entry := engine.Signal{Symbol: "BTCUSDT", Side: position.Long, Size: 1, Leverage: 10, StopLoss: 95, TakeProfit: 110}
	r, err := NewRunner(testConfig(), signalAtBar(10, entry), nil)
	require.NoError(t, err)
	res, err := r.Run(context.Background(), candles)
	require.NoError(t, err)

	require.Len(t, res.Trades, 2)
	assert.InDelta(t, 95, res.Trades[1].Price, 1e-9, "a bar touching both levels resolves to the stop")
}

func TestTakeProfitExitFillsAtItsLevel(t *testing.T) {
	candles := flatCandles(30, 100)
	candles[12].High = 112

	entry := engine.Signal{Symbol: "BTCUSDT", Side: position.Long, Size: 1, Leverage: 10, StopLoss: 95, TakeProfit: 110}
	r, err := NewRunner(testConfig(), signalAtBar(10, entry), nil)
	require.NoError(t, err)
	res, err := r.Run(context.Background(), candles)
	require.NoError(t, err)

	require.Len(t, res.Trades, 2)
	exit := res.Trades[1]
	assert.InDelta(t, 110, exit.Price, 1e-9)
	assert.InDelta(t, 10, exit.RealizedPnL, 1e-9)
	assert.Empty(t, res.Positions)
}

func TestShortStopTriggersOnHigh(t *testing.T) {
	candles := flatCandles(30, 100)
	candles[12].High = 106

	entry := engine.Signal{Symbol: "BTCUSDT", Side: position.Short, Size: 1, Leverage: 10, StopLoss: 105, TakeProfit: 90}
	r, err := NewRunner(testConfig(), signalAtBar(10, entry), nil)
	require.NoError(t, err)
	res, err := r.Run(context.Background(), candles)
	require.NoError(t, err)

	require.Len(t, res.Trades, 2)
	exit := res.Trades[1]
	assert.InDelta(t, 105, exit.Price, 1e-9)
	assert.InDelta(t, -5, exit.RealizedPnL, 1e-9)
}

func TestStrategySeesRunnerBarIndex(t *testing.T) {
	var mismatches int
	strat := script{fn: func(c market.Candle, i int, st engine.State) []engine.Signal {
		if st.BarIndex != i || !st.Time.Equal(c.Time) {
			mismatches++
		}
		return nil
	}}

	r, err := NewRunner(testConfig(), strat, nil)
	require.NoError(t, err)
	_, err = r.Run(context.Background(), flatCandles(25, 100))
	require.NoError(t, err)

	assert.Zero(t, mismatches, "state shown to the strategy tracks the driving loop")
}

// memJournal keeps bar audits in memory for inspection.
type memJournal struct {
	journal.Nop
	audits []journal.BarAudit
}

func (m *memJournal) RecordBarAudit(a journal.BarAudit) error {
	m.audits = append(m.audits, a)
	return nil
}

func TestBarAuditCarriesSignalsAndSnapshots(t *testing.T) {
	jour := &memJournal{}
	r, err := NewRunner(testConfig(), longAtBar(10, 1), jour)
	require.NoError(t, err)
	_, err = r.Run(context.Background(), flatCandles(20, 100))
	require.NoError(t, err)

	bars := map[int]barLog{}
	for _, a := range jour.audits {
		if a.Event != "bar" {
			continue
		}
		var b barLog
		require.NoError(t, json.Unmarshal([]byte(a.Detail), &b))
		bars[a.BarIndex] = b
	}

	decision, ok := bars[10]
	require.True(t, ok)
	assert.InDelta(t, 100, decision.Candle.Close, 1e-9)
	assert.NotEmpty(t, decision.StrategySignals, "the raw strategy output is recorded")
	assert.NotEmpty(t, decision.FilteredSignals)
	assert.NotEmpty(t, decision.PendingSignals)
	assert.Empty(t, decision.Executed)

	fill, ok := bars[11]
	require.True(t, ok)
	require.NotEmpty(t, fill.Executed)
	assert.InDelta(t, 100, fill.Executed[0].Price, 1e-9)
	assert.Empty(t, fill.PositionsBefore)
	assert.NotEmpty(t, fill.PositionsAfter)
	assert.Greater(t, fill.AccountAfter.UsedMargin, fill.AccountBefore.UsedMargin)
}

func TestResultMetadata(t *testing.T) {
	cfg := testConfig()
	cfg.StrategyParams = []byte("size: 1\n")

	r, err := NewRunner(cfg, longAtBar(1, 1), nil)
	require.NoError(t, err)
	res, err := r.Run(context.Background(), flatCandles(20, 100))
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "script", res.Strategy)
	assert.Equal(t, "BTCUSDT", res.Symbol)
	assert.Equal(t, int64(42), res.Seed)
	assert.NotEmpty(t, res.DataHash)
	assert.Equal(t, []byte("size: 1\n"), res.Params)
	assert.Equal(t, 20, res.Bars)
	assert.True(t, res.Start.Before(res.End))
}
