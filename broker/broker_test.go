package broker

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpsim/exchange"
	"perpsim/id"
	"perpsim/position"
)

var t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

// testSpec keeps the numbers round: no tick/lot rounding surprises, one
// flat 0.5% maintenance tier, 4bps taker fee.
func testSpec() exchange.Spec {
	return exchange.Spec{
		Symbol:       "BTCUSDT",
		TickSize:     0.01,
		LotSize:      0.001,
		MinOrderSize: 0.001,
		MaxOrderSize: 1000,
		MaxLeverage:  125,
		MakerFeeBps:  2,
		TakerFeeBps:  4,
		Tiers: []exchange.RiskTier{
			{MaxNotional: math.Inf(+1), InitialMarginRate: 0.008, MaintenanceMarginRate: 0.005},
		},
		FundingIntervalHours: 8,
		MaxFundingRate:       0.0075,
		PriceDeviationLimit:  0.5,
	}
}

func newTestBroker(balance float64) *Broker {
	return New(Config{
		InitialBalance: balance,
		Specs:          map[string]exchange.Spec{"BTCUSDT": testSpec()},
		IDs:            id.NewSource(42),
	})
}

func TestMarketOrderOpenDebitsMarginAndFee(t *testing.T) {
	t.Parallel()

	b := newTestBroker(10_000)
	res := b.MarketOrder(Order{
		Symbol: "BTCUSDT", Side: position.Long,
		Quantity: 1, Price: 10_000, Leverage: 10, Time: t0,
	})
	require.True(t, res.OK, res.Reason)
	require.NotNil(t, res.Position)

	st := b.State()
	margin := 10_000.0 / 10
	fee := 10_000.0 * 4 / 10_000
	assert.InDelta(t, 10_000-margin-fee, st.Balance, 1e-9)
	assert.InDelta(t, margin, st.UsedMargin, 1e-9)
	assert.InDelta(t, 10_000-fee, st.Equity, 1e-9)
	assert.InDelta(t, fee, res.Fee, 1e-9)
}

func TestMarketOrderCloseCreditsMarginAndPnL(t *testing.T) {
	t.Parallel()

	b := newTestBroker(10_000)
	open := b.MarketOrder(Order{
		Symbol: "BTCUSDT", Side: position.Long,
		Quantity: 1, Price: 10_000, Leverage: 10, Time: t0,
	})
	require.True(t, open.OK, open.Reason)

	b.UpdateMarkPrices(map[string]Mark{"BTCUSDT": {Price: 10_500}}, t0.Add(time.Hour))

	before := b.State().Balance
	res := b.MarketOrder(Order{
		Symbol: "BTCUSDT", Side: position.Short,
		Quantity: 1, Price: 10_500, Leverage: 10, Time: t0.Add(time.Hour),
	})
	require.True(t, res.OK, res.Reason)
	assert.Nil(t, res.Position, "full close removes the position")
	assert.InDelta(t, 500.0, res.RealizedPnL, 1e-9)

	// balance_after = balance_before + released margin + realized - fee
	released := 1000.0
	fee := 10_500.0 * 4 / 10_000
	assert.InDelta(t, before+released+500-fee, b.State().Balance, 1e-9)

	_, ok := b.Position("BTCUSDT")
	assert.False(t, ok)
}

func TestEquityContinuousAcrossMarkUpdate(t *testing.T) {
	t.Parallel()

	b := newTestBroker(10_000)
	res := b.MarketOrder(Order{
		Symbol: "BTCUSDT", Side: position.Long,
		Quantity: 2, Price: 10_000, Leverage: 5, Time: t0,
	})
	require.True(t, res.OK, res.Reason)

	before := b.State()
	b.UpdateMarkPrices(map[string]Mark{"BTCUSDT": {Price: 10_100}}, t0.Add(time.Minute))
	after := b.State()

	// Equity moves only by the unrealized PnL delta; balance and used
	// margin hold still with no new fills.
	assert.InDelta(t, before.Balance, after.Balance, 1e-9)
	assert.InDelta(t, before.UsedMargin, after.UsedMargin, 1e-9)
	assert.InDelta(t, before.Equity+200, after.Equity, 1e-9)
	assert.InDelta(t, after.Balance+after.UsedMargin+after.UnrealizedPnL, after.Equity, 1e-9)
}

func TestSameDirectionAddWeightsEntry(t *testing.T) {
	t.Parallel()

	b := newTestBroker(50_000)
	require.True(t, b.MarketOrder(Order{Symbol: "BTCUSDT", Side: position.Long, Quantity: 1, Price: 10_000, Leverage: 10, Time: t0}).OK)
	res := b.MarketOrder(Order{Symbol: "BTCUSDT", Side: position.Long, Quantity: 1, Price: 12_000, Leverage: 10, Time: t0.Add(time.Minute)})
	require.True(t, res.OK, res.Reason)

	pos, ok := b.Position("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 11_000.0, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 2.0, pos.Size, 1e-9)
	assert.InDelta(t, 2200.0, pos.InitialMargin, 1e-9)
}

func TestFlipOpensOppositeRemainder(t *testing.T) {
	t.Parallel()

	b := newTestBroker(50_000)
	require.True(t, b.MarketOrder(Order{Symbol: "BTCUSDT", Side: position.Long, Quantity: 1, Price: 10_000, Leverage: 10, Time: t0}).OK)

	res := b.MarketOrder(Order{Symbol: "BTCUSDT", Side: position.Short, Quantity: 3, Price: 10_000, Leverage: 10, Time: t0.Add(time.Minute)})
	require.True(t, res.OK, res.Reason)
	require.NotNil(t, res.Position)
	assert.Equal(t, position.Short, res.Position.Side)
	assert.InDelta(t, 2.0, res.Position.Size, 1e-9)
	assert.InDelta(t, -2.0, b.SignedExposure("BTCUSDT"), 1e-9)
}

func TestRejections(t *testing.T) {
	t.Parallel()

	t.Run("unknown symbol", func(t *testing.T) {
		t.Parallel()
		res := newTestBroker(10_000).MarketOrder(Order{Symbol: "DOGEUSDT", Side: position.Long, Quantity: 1, Price: 1, Time: t0})
		assert.False(t, res.OK)
		assert.Contains(t, res.Reason, "unknown symbol")
	})

	t.Run("rounds to zero", func(t *testing.T) {
		t.Parallel()
		res := newTestBroker(10_000).MarketOrder(Order{Symbol: "BTCUSDT", Side: position.Long, Quantity: 0.0004, Price: 10_000, Time: t0})
		assert.False(t, res.OK)
		assert.Contains(t, res.Reason, "rounds to zero")
	})

	t.Run("insufficient margin", func(t *testing.T) {
		t.Parallel()
		res := newTestBroker(100).MarketOrder(Order{Symbol: "BTCUSDT", Side: position.Long, Quantity: 1, Price: 10_000, Leverage: 10, Time: t0})
		assert.False(t, res.OK)
		assert.Contains(t, res.Reason, "insufficient margin")
	})

	t.Run("leverage above cap", func(t *testing.T) {
		t.Parallel()
		res := newTestBroker(1_000_000).MarketOrder(Order{Symbol: "BTCUSDT", Side: position.Long, Quantity: 1, Price: 10_000, Leverage: 200, Time: t0})
		assert.False(t, res.OK)
		assert.Contains(t, res.Reason, "leverage")
	})

	t.Run("rejection leaves account untouched", func(t *testing.T) {
		t.Parallel()
		b := newTestBroker(100)
		before := b.State()
		b.MarketOrder(Order{Symbol: "BTCUSDT", Side: position.Long, Quantity: 1, Price: 10_000, Leverage: 10, Time: t0})
		after := b.State()
		assert.Equal(t, before.Balance, after.Balance)
		assert.Empty(t, after.Positions)
	})
}

func TestFundingLongPaysPositiveRate(t *testing.T) {
	t.Parallel()

	b := newTestBroker(10_000)
	require.True(t, b.MarketOrder(Order{Symbol: "BTCUSDT", Side: position.Long, Quantity: 1, Price: 10_000, Leverage: 10, Time: t0}).OK)

	// Inside the 8h interval: no payment.
	rep := b.UpdateMarkPrices(map[string]Mark{"BTCUSDT": {Price: 10_000, FundingRate: 0.0001}}, t0.Add(time.Hour))
	assert.Empty(t, rep.Funding)

	// Crossing the boundary: long pays notional * rate.
	rep = b.UpdateMarkPrices(map[string]Mark{"BTCUSDT": {Price: 10_000, FundingRate: 0.0001}}, t0.Add(8*time.Hour))
	require.Len(t, rep.Funding, 1)
	assert.InDelta(t, -1.0, rep.Funding[0].Amount, 1e-9)

	pos, _ := b.Position("BTCUSDT")
	assert.InDelta(t, -1.0, pos.AccumulatedFunding, 1e-9)
	assert.InDelta(t, -1.0, b.State().Funding, 1e-9)
}

func TestFundingShortReceivesPositiveRate(t *testing.T) {
	t.Parallel()

	b := newTestBroker(10_000)
	require.True(t, b.MarketOrder(Order{Symbol: "BTCUSDT", Side: position.Short, Quantity: 1, Price: 10_000, Leverage: 10, Time: t0}).OK)

	rep := b.UpdateMarkPrices(map[string]Mark{"BTCUSDT": {Price: 10_000, FundingRate: 0.0001}}, t0.Add(8*time.Hour))
	require.Len(t, rep.Funding, 1)
	assert.InDelta(t, 1.0, rep.Funding[0].Amount, 1e-9)
}

func TestFundingRateClamped(t *testing.T) {
	t.Parallel()

	b := newTestBroker(10_000)
	require.True(t, b.MarketOrder(Order{Symbol: "BTCUSDT", Side: position.Long, Quantity: 1, Price: 10_000, Leverage: 10, Time: t0}).OK)

	rep := b.UpdateMarkPrices(map[string]Mark{"BTCUSDT": {Price: 10_000, FundingRate: 0.05}}, t0.Add(8*time.Hour))
	require.Len(t, rep.Funding, 1)
	assert.InDelta(t, 0.0075, rep.Funding[0].Rate, 1e-12)
}

func TestLiquidationTriggersAtFirstQualifyingBar(t *testing.T) {
	t.Parallel()

	// 10x long with 96 of free cash left after margin and fee.
	// available = 96 + uPnL, maintenance = 0.5% of notional: the
	// account crosses under maintenance between 9960 and 9950, so the
	// force-close must land exactly on the 9950 bar.
	b := newTestBroker(1_100)
	res := b.MarketOrder(Order{Symbol: "BTCUSDT", Side: position.Long, Quantity: 1, Price: 10_000, Leverage: 10, Time: t0})
	require.True(t, res.OK, res.Reason)

	prices := []float64{9_960, 9_950, 9_900}
	var liquidatedAt float64
	for i, px := range prices {
		rep := b.UpdateMarkPrices(map[string]Mark{"BTCUSDT": {Price: px}}, t0.Add(time.Duration(i+1)*time.Minute))
		if len(rep.Liquidations) > 0 {
			liquidatedAt = px
			assert.True(t, rep.Liquidations[0].Liquidation)
			assert.Equal(t, "LIQUIDATION", rep.Liquidations[0].Reason)
			break
		}
	}

	require.NotZero(t, liquidatedAt, "expected a liquidation")
	assert.InDelta(t, 9_950, liquidatedAt, 1e-9, "first qualifying bar, not later")

	_, ok := b.Position("BTCUSDT")
	assert.False(t, ok, "liquidated position removed")
	assert.Equal(t, 1, b.State().Liquidations)
	assert.GreaterOrEqual(t, b.State().Balance, 0.0, "run continues solvent")
}

func TestHedgeModeKeepsIndependentBooks(t *testing.T) {
	t.Parallel()

	b := New(Config{
		InitialBalance: 50_000,
		Specs:          map[string]exchange.Spec{"BTCUSDT": testSpec()},
		Mode:           Hedge,
		IDs:            id.NewSource(7),
	})

	require.True(t, b.MarketOrder(Order{Symbol: "BTCUSDT", Side: position.Long, Quantity: 1, Price: 10_000, Leverage: 10, Time: t0}).OK)
	require.True(t, b.MarketOrder(Order{Symbol: "BTCUSDT", Side: position.Short, Quantity: 1, Price: 10_000, Leverage: 10, Time: t0}).OK)

	assert.Len(t, b.Positions(), 2)
	assert.InDelta(t, 0.0, b.SignedExposure("BTCUSDT"), 1e-9)

	// Reduce-only sell shrinks the LONG book rather than adding a short.
	res := b.MarketOrder(Order{Symbol: "BTCUSDT", Side: position.Short, Quantity: 0.5, Price: 10_000, Leverage: 10, ReduceOnly: true, Time: t0.Add(time.Minute)})
	require.True(t, res.OK, res.Reason)
	require.NotNil(t, res.Position)
	assert.Equal(t, position.Long, res.Position.Side)
	assert.InDelta(t, 0.5, res.Position.Size, 1e-9)
}

func TestSetPositionModeRejectedWithOpenPositions(t *testing.T) {
	t.Parallel()

	b := newTestBroker(10_000)
	require.NoError(t, b.SetPositionMode(Hedge))
	require.NoError(t, b.SetPositionMode(OneWay))

	require.True(t, b.MarketOrder(Order{Symbol: "BTCUSDT", Side: position.Long, Quantity: 1, Price: 10_000, Leverage: 10, Time: t0}).OK)
	assert.Error(t, b.SetPositionMode(Hedge))
}

func TestOrderSizeClampedToMax(t *testing.T) {
	t.Parallel()

	b := newTestBroker(10_000)
	res := b.MarketOrder(Order{
		Symbol: "BTCUSDT", Side: position.Long,
		Quantity: 5_000, Price: 10, Leverage: 10, Time: t0,
	})
	require.True(t, res.OK, res.Reason)
	assert.InDelta(t, 1_000, res.Quantity, 1e-9, "oversized order fills at the exchange cap")
	require.NotNil(t, res.Position)
	assert.InDelta(t, 1_000, res.Position.Size, 1e-9)
}

func TestOpenStoresProtectiveLevelsAndLiqPrice(t *testing.T) {
	t.Parallel()

	b := newTestBroker(10_000)
	res := b.MarketOrder(Order{
		Symbol: "BTCUSDT", Side: position.Long,
		Quantity: 1, Price: 10_000, Leverage: 10,
		StopLoss: 9_800, TakeProfit: 10_500, Time: t0,
	})
	require.True(t, res.OK, res.Reason)
	require.NotNil(t, res.Position)

	assert.InDelta(t, 9_800, res.Position.StopLoss, 1e-9)
	assert.InDelta(t, 10_500, res.Position.TakeProfit, 1e-9)

	// Backing is margin plus free balance: 1000 + (10000 - 1000 - 4).
	// The mark can fall to backing exhaustion less the 0.5% maintenance
	// haircut before a forced close.
	wantLiq := (10_000.0 - 9_996.0) / (1 - 0.005)
	assert.InDelta(t, wantLiq, res.Position.LiqPrice, 1e-9)

	// The estimate tracks the account as marks move.
	b.UpdateMarkPrices(map[string]Mark{"BTCUSDT": {Price: 9_900}}, t0.Add(time.Minute))
	pos, ok := b.Position("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, wantLiq, pos.LiqPrice, 1e-9, "same entry and backing, same estimate")
}

func TestDeterministicTradeIDs(t *testing.T) {
	t.Parallel()

	run := func() []string {
		b := New(Config{
			InitialBalance: 50_000,
			Specs:          map[string]exchange.Spec{"BTCUSDT": testSpec()},
			IDs:            id.NewSource(1234),
		})
		var ids []string
		for i := 0; i < 5; i++ {
			res := b.MarketOrder(Order{
				Symbol: "BTCUSDT", Side: position.Long,
				Quantity: 0.1, Price: 10_000, Leverage: 10,
				Time: t0.Add(time.Duration(i) * time.Minute),
			})
			require.True(t, res.OK, res.Reason)
			ids = append(ids, res.ID)
		}
		return ids
	}

	assert.Equal(t, run(), run())
}
