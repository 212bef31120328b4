// Package engine turns per-bar strategy signals into broker orders.
// It owns the bar loop: mark prices first, then fills, then an equity
// sample, so a strategy never sees account state that is newer than the
// prices it was shown.
package engine

import (
	"math"
	"time"

	"perpsim/broker"
	"perpsim/market"
	"perpsim/position"
)

// sizeEpsilon is the smallest exposure delta worth sending as an order.
// Anything below it is treated as "already at target".
const sizeEpsilon = 1e-9

// OrderType is how a signal asks to be filled. The simulator fills
// everything as a market order; the field lets strategies state their
// intent explicitly and gets anything else rejected at validation
// instead of silently filled as a market order.
type OrderType uint8

const (
	Market OrderType = iota
	Limit
)

func (t OrderType) String() string {
	if t == Limit {
		return "LIMIT"
	}
	return "MARKET"
}

// Signal is a strategy's desired exposure for one symbol. Size is the
// target absolute position size; the engine computes the order needed
// to move from the current exposure to the target, so repeating the
// same signal every bar is a no-op. Size zero means flat.
//
// StopLoss and TakeProfit are optional protective levels attached to
// the position the signal establishes; zero means none. The backtest
// driver enforces them against each bar's range.
type Signal struct {
	Symbol   string
	Side     position.Side
	Size     float64
	Leverage float64
	Type     OrderType

	StopLoss   float64
	TakeProfit float64
}

// Flat returns a signal that closes all exposure on a symbol.
func Flat(symbol string) Signal {
	return Signal{Symbol: symbol, Side: position.Long, Size: 0}
}

// State is what a strategy is allowed to see when it decides: the
// account snapshot plus where the run currently stands.
type State struct {
	broker.State

	BarIndex int
	Time     time.Time
	Trades   int
}

// EquityPoint is one sample of the equity curve, taken after every bar
// has been fully processed.
type EquityPoint struct {
	Time            time.Time
	Equity          float64
	Balance         float64
	UnrealizedPnL   float64
	UsedMargin      float64
	AvailableMargin float64
	GrossNotional   float64 // summed |size * mark| across open positions
}

// Engine drives one account through a sequence of bars.
type Engine struct {
	broker *broker.Broker

	barIndex int
	now      time.Time
	trades   int

	equity []EquityPoint
}

// New wraps a broker in an engine. The engine assumes exclusive use of
// the broker for the duration of the run.
func New(b *broker.Broker) *Engine {
	return &Engine{broker: b}
}

// Broker exposes the underlying account, mainly for strategies that
// need exchange rules when sizing.
func (e *Engine) Broker() *broker.Broker { return e.broker }

// State returns the strategy-visible view of the run.
func (e *Engine) State() State {
	return State{
		State:    e.broker.State(),
		BarIndex: e.barIndex,
		Time:     e.now,
		Trades:   e.trades,
	}
}

// Equity returns the equity curve accumulated so far. The slice is
// owned by the engine; callers must not mutate it.
func (e *Engine) Equity() []EquityPoint { return e.equity }

// SetBar aligns the engine's bar cursor with an external driver, so
// the state handed to strategies carries the driver's real bar index
// and time rather than the engine's own count.
func (e *Engine) SetBar(index int, ts time.Time) {
	e.barIndex = index
	e.now = ts
}

// MarkPrices re-marks the account at the given prices, applying funding
// and liquidation as side effects.
func (e *Engine) MarkPrices(marks map[string]broker.Mark, ts time.Time) broker.MarkReport {
	e.now = ts
	report := e.broker.UpdateMarkPrices(marks, ts)
	e.trades += len(report.Liquidations)
	return report
}

// ExecuteSignal moves the account's exposure on the signal's symbol to
// the signal's target. The fill price is taken as given; slippage and
// spread are the caller's concern. A signal whose target matches the
// current exposure produces no order and an empty result.
func (e *Engine) ExecuteSignal(sig Signal, price float64, ts time.Time) broker.TradeResult {
	target := sig.Size * float64(sig.Side)
	current := e.broker.SignedExposure(sig.Symbol)

	delta := target - current
	if math.Abs(delta) < sizeEpsilon {
		return broker.TradeResult{Symbol: sig.Symbol, Time: ts}
	}

	side := position.Long
	if delta < 0 {
		side = position.Short
	}

	res := e.broker.MarketOrder(broker.Order{
		Symbol:     sig.Symbol,
		Side:       side,
		Quantity:   math.Abs(delta),
		Price:      price,
		Leverage:   sig.Leverage,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Time:       ts,
	})
	if res.OK {
		e.trades++
	}
	return res
}

// ExitPosition closes an open position at the given price with a
// reduce-only order. Protective stop and take-profit exits come
// through here so they can never accidentally open new exposure.
func (e *Engine) ExitPosition(pos position.Position, price float64, ts time.Time) broker.TradeResult {
	res := e.broker.MarketOrder(broker.Order{
		Symbol:     pos.Symbol,
		Side:       pos.Side.Opposite(),
		Quantity:   pos.Size,
		Price:      price,
		Leverage:   pos.Leverage,
		ReduceOnly: true,
		Time:       ts,
	})
	if res.OK {
		e.trades++
	}
	return res
}

// ProcessBar runs one bar for one symbol: mark at the close, execute
// the signals at the close, then sample equity. This is the simple
// same-bar discipline; backtest runs that need next-bar execution queue
// signals themselves and call MarkPrices/ExecuteSignal directly.
// An optional book snapshot moves the mark to the quoted mid, which is
// a better fair value than the close when the dataset carries quotes.
func (e *Engine) ProcessBar(symbol string, c market.Candle, signals []Signal, book ...market.BookSnapshot) []broker.TradeResult {
	e.barIndex++
	mark := c.Close
	if len(book) > 0 && book[0].Valid() {
		mark = book[0].Mid()
	}
	e.MarkPrices(map[string]broker.Mark{
		symbol: {Price: mark, FundingRate: c.FundingRate},
	}, c.Time)

	var results []broker.TradeResult
	for _, sig := range signals {
		res := e.ExecuteSignal(sig, c.Close, c.Time)
		if res.OK || res.Reason != "" {
			results = append(results, res)
		}
	}

	e.RecordEquity(c.Time)
	return results
}

// RecordEquity appends one equity sample for the given instant.
func (e *Engine) RecordEquity(ts time.Time) EquityPoint {
	st := e.broker.State()
	pt := EquityPoint{
		Time:            ts,
		Equity:          st.Equity,
		Balance:         st.Balance,
		UnrealizedPnL:   st.UnrealizedPnL,
		UsedMargin:      st.UsedMargin,
		AvailableMargin: st.AvailableMargin,
	}
	for _, pos := range st.Positions {
		pt.GrossNotional += pos.Notional()
	}
	e.equity = append(e.equity, pt)
	return pt
}

// StrategyFunc is the minimal strategy shape for RunBacktest.
type StrategyFunc func(c market.Candle, index int, st State) []Signal

// RunBacktest replays a candle series through a strategy with same-bar
// execution at the close. It is the quick-look path; the backtest
// package is the full-fidelity runner with next-bar fills, slippage and
// reporting.
func (e *Engine) RunBacktest(symbol string, candles []market.Candle, fn StrategyFunc) []broker.TradeResult {
	var fills []broker.TradeResult
	for i, c := range candles {
		signals := fn(c, i, e.State())
		fills = append(fills, e.ProcessBar(symbol, c, signals)...)
	}
	return fills
}
