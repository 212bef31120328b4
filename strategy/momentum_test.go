package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpsim/broker"
	"perpsim/engine"
	"perpsim/market"
	"perpsim/position"
)

func volBar(i int, price, volume float64) market.Candle {
	c := barAt(i, price)
	c.Volume = volume
	return c
}

func testMomentum() *Momentum {
	return NewMomentum(MomentumParams{
		Symbol:        "BTCUSDT",
		RocBars:       2,
		VolumeBars:    3,
		MinRocPct:     1,
		MinVolMult:    2,
		MaxSpreadBps:  8,
		RiskPct:       20,
		Leverage:      2,
		StopLossPct:   1,
		TakeProfitPct: 2,
	})
}

func flatAccount(equity float64) engine.State {
	return engine.State{State: broker.State{Equity: equity}}
}

func heldAccount(equity float64) engine.State {
	st := flatAccount(equity)
	st.Positions = map[string]position.Position{
		"BTCUSDT": {Symbol: "BTCUSDT", Side: position.Long, Size: 1},
	}
	return st
}

func TestMomentumParamsValidated(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		params  string
		wantErr string
	}{
		{"missing symbol", "roc_bars: 3\n", "symbol required"},
		{"zero lookback", "symbol: BTCUSDT\nroc_bars: 0\n", "lookbacks must be positive"},
		{"risk above 100", "symbol: BTCUSDT\nrisk_pct: 150\n", "outside (0, 100]"},
		{"stop at 100 percent", "symbol: BTCUSDT\nstop_loss_pct: 100\n", "outside (0, 100)"},
		{"unknown key", "symbol: BTCUSDT\nmomentum: 9\n", "not found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New("momentum-breakout", []byte(tc.params))
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}

	s, err := New("momentum-breakout", []byte("symbol: BTCUSDT\n"))
	require.NoError(t, err)
	assert.Equal(t, "momentum-breakout", s.Name())
}

func TestMomentumEntersOnBreakoutWithVolume(t *testing.T) {
	s := testMomentum()

	// Three quiet bars warm the ROC and fill the volume window, then a
	// 2% move on triple volume clears both entry gates.
	warm := []market.Candle{volBar(0, 100, 10), volBar(1, 100, 10), volBar(2, 100, 10)}
	for i, c := range warm {
		assert.Empty(t, s.OnBar(c, i, flatAccount(10_000)))
	}

	sigs := s.OnBar(volBar(3, 102, 30), 3, flatAccount(10_000))
	require.Len(t, sigs, 1)
	sig := sigs[0]
	assert.Equal(t, position.Long, sig.Side)
	assert.InDelta(t, 10_000*0.2*2/102, sig.Size, 1e-9, "size from equity, risk share and leverage")
	assert.InDelta(t, 102*0.99, sig.StopLoss, 1e-9)
	assert.InDelta(t, 102*1.02, sig.TakeProfit, 1e-9)
}

func TestMomentumGatesBlockEntry(t *testing.T) {
	run := func(mutate func(*market.Candle)) []engine.Signal {
		s := testMomentum()
		for i, c := range []market.Candle{volBar(0, 100, 10), volBar(1, 100, 10), volBar(2, 100, 10)} {
			s.OnBar(c, i, flatAccount(10_000))
		}
		c := volBar(3, 102, 30)
		mutate(&c)
		return s.OnBar(c, 3, flatAccount(10_000))
	}

	assert.Empty(t, run(func(c *market.Candle) { c.Close = 100.5 }), "move below the ROC floor")
	assert.Empty(t, run(func(c *market.Candle) { c.Volume = 15 }), "volume below the required multiple")
	assert.Empty(t, run(func(c *market.Candle) { c.SpreadBps = 20 }), "spread above the gate")
	assert.Len(t, run(func(c *market.Candle) {}), 1, "unmutated bar does enter")
}

func TestMomentumGoesFlatWhenMomentumLost(t *testing.T) {
	s := testMomentum()
	for i, c := range []market.Candle{volBar(0, 100, 10), volBar(1, 100, 10), volBar(2, 100, 10)} {
		s.OnBar(c, i, flatAccount(10_000))
	}

	// Holding and the ROC has turned negative: exit to flat.
	sigs := s.OnBar(volBar(3, 99, 10), 3, heldAccount(10_000))
	require.Len(t, sigs, 1)
	assert.InDelta(t, 0, sigs[0].Size, 1e-9)

	// Holding with momentum intact: protective levels do the exiting.
	s.Reset()
	for i, c := range []market.Candle{volBar(0, 100, 10), volBar(1, 100, 10), volBar(2, 100, 10)} {
		s.OnBar(c, i, flatAccount(10_000))
	}
	assert.Empty(t, s.OnBar(volBar(3, 101, 10), 3, heldAccount(10_000)))
}

func TestMomentumResetClearsWindows(t *testing.T) {
	s := testMomentum()
	for i, c := range []market.Candle{volBar(0, 100, 10), volBar(1, 100, 10), volBar(2, 100, 10)} {
		s.OnBar(c, i, flatAccount(10_000))
	}
	s.Reset()

	// Straight after a reset the breakout bar is still inside warmup.
	assert.Empty(t, s.OnBar(volBar(3, 102, 30), 3, flatAccount(10_000)))
}
