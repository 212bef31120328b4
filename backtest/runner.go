package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"perpsim/broker"
	"perpsim/engine"
	"perpsim/id"
	"perpsim/journal"
	"perpsim/market"
	"perpsim/position"
	"perpsim/strategy"
)

// Status is where a run ended up.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusAborted   Status = "ABORTED"
)

// Runner executes one strategy over one candle series. A Runner is
// single-use; build a fresh one per run.
type Runner struct {
	cfg   Config
	strat strategy.Strategy
	jour  journal.Journal

	eng *engine.Engine
	rng *rand.Rand

	runID    string
	pending  []engine.Signal
	barIndex int

	trades     []broker.TradeResult
	rejections int
	bar        barLog
}

// barLog is the per-bar audit record offered to the journal: a pure
// data snapshot with no control flow back into the run. Account and
// position snapshots bracket the bar, taken before the queued fills and
// again after the closing mark, so a reader can replay what each bar
// did to the account.
type barLog struct {
	Symbol          string        `json:"symbol"`
	Candle          candleLog     `json:"candle"`
	StrategySignals []signalLog   `json:"strategy_signals,omitempty"`
	FilteredSignals []signalLog   `json:"filtered_signals,omitempty"`
	PendingSignals  []signalLog   `json:"pending_signals,omitempty"`
	Executed        []fillLog     `json:"executed_signals,omitempty"`
	AccountBefore   accountLog    `json:"account_before"`
	AccountAfter    accountLog    `json:"account_after"`
	PositionsBefore []positionLog `json:"positions_before,omitempty"`
	PositionsAfter  []positionLog `json:"positions_after,omitempty"`
	Liquidations    int           `json:"liquidations"`
	Rejections      []string      `json:"rejections,omitempty"`
	Notes           []string      `json:"notes,omitempty"`
}

type candleLog struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

type signalLog struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Size       float64 `json:"size"`
	Leverage   float64 `json:"leverage,omitempty"`
	Type       string  `json:"type"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
}

type fillLog struct {
	TradeID     string  `json:"trade_id"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Quantity    float64 `json:"quantity"`
	Price       float64 `json:"price"`
	Fee         float64 `json:"fee"`
	RealizedPnL float64 `json:"realized_pnl"`
	Liquidation bool    `json:"liquidation,omitempty"`
}

type accountLog struct {
	Balance         float64 `json:"balance"`
	Equity          float64 `json:"equity"`
	UsedMargin      float64 `json:"used_margin"`
	AvailableMargin float64 `json:"available_margin"`
	UnrealizedPnL   float64 `json:"unrealized_pnl"`
}

type positionLog struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	Leverage      float64 `json:"leverage"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	LiqPrice      float64 `json:"liq_price,omitempty"`
	StopLoss      float64 `json:"stop_loss,omitempty"`
	TakeProfit    float64 `json:"take_profit,omitempty"`
}

func candleLogFrom(c market.Candle) candleLog {
	return candleLog{Time: c.Time, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume}
}

func signalLogs(signals []engine.Signal) []signalLog {
	if len(signals) == 0 {
		return nil
	}
	out := make([]signalLog, len(signals))
	for i, sig := range signals {
		out[i] = signalLog{
			Symbol:     sig.Symbol,
			Side:       sig.Side.String(),
			Size:       sig.Size,
			Leverage:   sig.Leverage,
			Type:       sig.Type.String(),
			StopLoss:   sig.StopLoss,
			TakeProfit: sig.TakeProfit,
		}
	}
	return out
}

func fillLogFrom(res broker.TradeResult) fillLog {
	return fillLog{
		TradeID:     res.ID,
		Symbol:      res.Symbol,
		Side:        res.Side.String(),
		Quantity:    res.Quantity,
		Price:       res.Price,
		Fee:         res.Fee,
		RealizedPnL: res.RealizedPnL,
		Liquidation: res.Liquidation,
	}
}

func accountSnapshot(st broker.State) accountLog {
	return accountLog{
		Balance:         st.Balance,
		Equity:          st.Equity,
		UsedMargin:      st.UsedMargin,
		AvailableMargin: st.AvailableMargin,
		UnrealizedPnL:   st.UnrealizedPnL,
	}
}

// positionLogs flattens the position map in key order so the audit
// stream is byte-stable across runs.
func positionLogs(positions map[string]position.Position) []positionLog {
	if len(positions) == 0 {
		return nil
	}
	keys := make([]string, 0, len(positions))
	for k := range positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]positionLog, 0, len(keys))
	for _, k := range keys {
		p := positions[k]
		out = append(out, positionLog{
			Symbol:        p.Symbol,
			Side:          p.Side.String(),
			Size:          p.Size,
			EntryPrice:    p.EntryPrice,
			MarkPrice:     p.MarkPrice,
			Leverage:      p.Leverage,
			UnrealizedPnL: p.UnrealizedPnL,
			LiqPrice:      p.LiqPrice,
			StopLoss:      p.StopLoss,
			TakeProfit:    p.TakeProfit,
		})
	}
	return out
}

// NewRunner wires a run together. A nil journal records nothing.
func NewRunner(cfg Config, strat strategy.Strategy, jour journal.Journal) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strat == nil {
		return nil, fmt.Errorf("backtest: strategy required")
	}
	if jour == nil {
		jour = journal.Nop{}
	}

	b := broker.New(broker.Config{
		InitialBalance: cfg.InitialBalance,
		Specs:          cfg.Specs,
		Mode:           cfg.PositionMode,
		MarginMode:     cfg.MarginMode,
		IDs:            id.NewSource(cfg.Seed),
	})
	if _, ok := b.Spec(cfg.Symbol); !ok {
		return nil, fmt.Errorf("backtest: no exchange spec for symbol %q", cfg.Symbol)
	}

	return &Runner{
		cfg:   cfg,
		strat: strat,
		jour:  jour,
		eng:   engine.New(b),
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		runID: id.New(),
	}, nil
}

// RunID identifies this run in the journal and the result.
func (r *Runner) RunID() string { return r.runID }

// Rand is the run's seeded random source, for strategies that want
// reproducible randomness.
func (r *Runner) Rand() *rand.Rand { return r.rng }

// Run replays the series. The loop per bar is: fill the signals queued
// on the previous bar at this bar's open, mark the account at this
// bar's close, then ask the strategy about this bar and queue its
// answer for the next open. Context cancellation aborts between bars
// with the partial result intact.
func (r *Runner) Run(ctx context.Context, candles []market.Candle) (Result, error) {
	if err := market.ValidateSeries(candles); err != nil {
		return Result{}, fmt.Errorf("backtest: %w", err)
	}
	if len(candles) <= r.cfg.WarmupBars {
		return Result{}, fmt.Errorf("backtest: %d bars cannot cover %d warmup bars", len(candles), r.cfg.WarmupBars)
	}

	r.strat.Reset()
	daily := newDailySampler(r.runID, r.jour)

	for i, c := range candles {
		select {
		case <-ctx.Done():
			return r.finish(candles[:i], StatusAborted, daily), ctx.Err()
		default:
		}
		r.barIndex = i
		r.eng.SetBar(i, c.Time)
		r.openBar(c)

		r.executePending(c.Open, c.SpreadBps, c.Time)
		r.checkExits(c)
		r.markBar(c)

		if i >= r.cfg.WarmupBars {
			signals := r.callStrategy(c, i)
			r.pending = signals
			if r.cfg.ExecuteAtClose {
				r.executePending(c.Close, c.SpreadBps, c.Time)
			}
		}
		r.bar.PendingSignals = signalLogs(r.pending)

		daily.observe(r.eng.RecordEquity(c.Time))
		r.auditBar(c.Time)
	}

	// Signals from the final bar would fill on a bar that does not
	// exist; give them a synthetic bar at the last close so a run's
	// last decision is not silently discarded.
	last := candles[len(candles)-1]
	if len(r.pending) > 0 || r.cfg.CloseAtEnd {
		flush := market.Synthetic(last.Time.Add(last.Time.Sub(candles[0].Time)/time.Duration(max(len(candles)-1, 1))), last.Close)
		r.barIndex = len(candles)
		r.eng.SetBar(r.barIndex, flush.Time)
		if r.cfg.CloseAtEnd {
			r.pending = append(r.pending, engine.Flat(r.cfg.Symbol))
		}
		r.openBar(flush)
		r.bar.PendingSignals = signalLogs(r.pending)
		r.executePending(flush.Open, flush.SpreadBps, flush.Time)
		r.markBar(flush)
		daily.observe(r.eng.RecordEquity(flush.Time))
		r.auditBar(flush.Time)
	}

	return r.finish(candles, StatusCompleted, daily), nil
}

// executePending fills the queued signals at the given reference price,
// slipped against each order's direction.
func (r *Runner) executePending(price, spreadBps float64, ts time.Time) {
	signals := r.pending
	r.pending = nil
	if len(signals) == 0 {
		return
	}

	if r.cfg.MaxSpreadBps > 0 && spreadBps > r.cfg.MaxSpreadBps {
		note := fmt.Sprintf("spread %.1f bps above limit %.1f, %d signals skipped",
			spreadBps, r.cfg.MaxSpreadBps, len(signals))
		r.bar.Notes = append(r.bar.Notes, note)
		r.audit(ts, "spread_gate", note)
		return
	}

	for _, sig := range signals {
		target := sig.Size * float64(sig.Side)
		delta := target - r.eng.Broker().SignedExposure(sig.Symbol)
		if delta == 0 {
			continue
		}

		slip := r.cfg.SlippageBps / 10_000
		fill := price * (1 + math.Copysign(slip, delta))

		res := r.eng.ExecuteSignal(sig, fill, ts)
		switch {
		case res.OK:
			r.recordTrade(res)
			r.bar.Executed = append(r.bar.Executed, fillLogFrom(res))
		case res.Reason != "":
			r.rejections++
			r.bar.Rejections = append(r.bar.Rejections, res.Reason)
			r.audit(ts, "signal_rejected", res.Reason)
		}
	}
}

// openBar resets the per-bar record and snapshots the account before
// the bar touches it.
func (r *Runner) openBar(c market.Candle) {
	st := r.eng.Broker().State()
	r.bar = barLog{
		Symbol:          r.cfg.Symbol,
		Candle:          candleLogFrom(c),
		AccountBefore:   accountSnapshot(st),
		PositionsBefore: positionLogs(st.Positions),
	}
}

// checkExits enforces protective stop and take-profit levels against
// the bar's range, filling at the level itself. When both levels fall
// inside one bar the stop wins: intrabar ordering is unknown, so the
// pessimistic outcome is assumed.
func (r *Runner) checkExits(c market.Candle) {
	for _, pos := range r.eng.Broker().Positions() {
		if pos.Symbol != r.cfg.Symbol {
			continue
		}
		price, event, hit := exitLevel(pos, c)
		if !hit {
			continue
		}
		res := r.eng.ExitPosition(pos, price, c.Time)
		if !res.OK {
			continue
		}
		r.recordTrade(res)
		r.bar.Executed = append(r.bar.Executed, fillLogFrom(res))
		note := fmt.Sprintf("%s %s %s %.6f @ %.4f realized=%.4f",
			event, pos.Symbol, pos.Side, res.Quantity, res.Price, res.RealizedPnL)
		r.bar.Notes = append(r.bar.Notes, note)
		r.audit(c.Time, event, note)
	}
}

// exitLevel reports whether the bar's range touched one of a position's
// protective levels. A zero level is disarmed. The stop is checked
// before the take-profit.
func exitLevel(pos position.Position, c market.Candle) (price float64, event string, hit bool) {
	if pos.Side == position.Long {
		if pos.StopLoss > 0 && c.Low <= pos.StopLoss {
			return pos.StopLoss, "stop_loss", true
		}
		if pos.TakeProfit > 0 && c.High >= pos.TakeProfit {
			return pos.TakeProfit, "take_profit", true
		}
		return 0, "", false
	}
	if pos.StopLoss > 0 && c.High >= pos.StopLoss {
		return pos.StopLoss, "stop_loss", true
	}
	if pos.TakeProfit > 0 && c.Low <= pos.TakeProfit {
		return pos.TakeProfit, "take_profit", true
	}
	return 0, "", false
}

// markBar re-marks the account at the close and books whatever the
// sweep produced.
func (r *Runner) markBar(c market.Candle) {
	rate := 0.0
	if r.cfg.FundingEnabled {
		rate = c.FundingRate
	}
	report := r.eng.MarkPrices(map[string]broker.Mark{
		r.cfg.Symbol: {Price: c.Close, FundingRate: rate},
	}, c.Time)

	for _, pay := range report.Funding {
		r.audit(c.Time, "funding", fmt.Sprintf("%s %s rate=%.6f amount=%.4f",
			pay.Symbol, pay.Side, pay.Rate, pay.Amount))
	}
	for _, liq := range report.Liquidations {
		r.recordTrade(liq)
		r.bar.Executed = append(r.bar.Executed, fillLogFrom(liq))
		r.bar.Liquidations++
		r.audit(c.Time, "liquidation", fmt.Sprintf("%s %s %.6f @ %.2f realized=%.4f",
			liq.Symbol, liq.Side, liq.Quantity, liq.Price, liq.RealizedPnL))
	}
}

// callStrategy isolates the run from a misbehaving strategy: a panic on
// one bar is recorded and treated as "no signals", and the replay
// continues.
func (r *Runner) callStrategy(c market.Candle, i int) (signals []engine.Signal) {
	defer func() {
		if rec := recover(); rec != nil {
			signals = nil
			r.audit(c.Time, "strategy_panic", fmt.Sprintf("bar %d: %v", i, rec))
		}
	}()

	raw := r.strat.OnBar(c, i, r.eng.State())
	r.bar.StrategySignals = signalLogs(raw)
	signals = raw[:0:0]
	for _, sig := range raw {
		if err := r.validateSignal(sig); err != nil {
			r.rejections++
			r.bar.Rejections = append(r.bar.Rejections, err.Error())
			r.audit(c.Time, "signal_rejected", err.Error())
			continue
		}
		signals = append(signals, sig)
	}
	r.bar.FilteredSignals = signalLogs(signals)
	return signals
}

func (r *Runner) validateSignal(sig engine.Signal) error {
	spec, ok := r.eng.Broker().Spec(sig.Symbol)
	if !ok {
		return fmt.Errorf("signal for unknown symbol %q", sig.Symbol)
	}
	if math.IsNaN(sig.Size) || math.IsInf(sig.Size, 0) || sig.Size < 0 {
		return fmt.Errorf("signal size %g invalid", sig.Size)
	}
	if sig.Leverage > spec.MaxLeverage {
		return fmt.Errorf("signal leverage %gx above symbol cap %gx", sig.Leverage, spec.MaxLeverage)
	}
	if sig.Type != engine.Market {
		return fmt.Errorf("order type %s unsupported, only market fills are simulated", sig.Type)
	}
	if !validLevel(sig.StopLoss) || !validLevel(sig.TakeProfit) {
		return fmt.Errorf("protective levels invalid: stop=%g take=%g", sig.StopLoss, sig.TakeProfit)
	}
	if sig.StopLoss > 0 && sig.TakeProfit > 0 {
		if sig.Side == position.Long && sig.StopLoss >= sig.TakeProfit {
			return fmt.Errorf("long stop %g must sit below take-profit %g", sig.StopLoss, sig.TakeProfit)
		}
		if sig.Side == position.Short && sig.StopLoss <= sig.TakeProfit {
			return fmt.Errorf("short stop %g must sit above take-profit %g", sig.StopLoss, sig.TakeProfit)
		}
	}
	return nil
}

// validLevel accepts zero (disarmed) or any positive finite price.
func validLevel(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0)
}

func (r *Runner) recordTrade(res broker.TradeResult) {
	r.trades = append(r.trades, res)
	_ = r.jour.RecordTrade(journal.TradeRecord{
		RunID:       r.runID,
		TradeID:     res.ID,
		Symbol:      res.Symbol,
		Side:        res.Side.String(),
		Quantity:    res.Quantity,
		Price:       res.Price,
		Fee:         res.Fee,
		RealizedPnL: res.RealizedPnL,
		Liquidation: res.Liquidation,
		Reason:      res.Reason,
		Time:        res.Time,
	})
}

// auditBar emits the per-bar snapshot. Audits are fire-and-forget; a
// failing or slow sink never stalls the bar loop.
func (r *Runner) auditBar(ts time.Time) {
	st := r.eng.Broker().State()
	r.bar.AccountAfter = accountSnapshot(st)
	r.bar.PositionsAfter = positionLogs(st.Positions)

	detail, err := json.Marshal(r.bar)
	if err != nil {
		return
	}
	r.audit(ts, "bar", string(detail))
}

func (r *Runner) audit(ts time.Time, event, detail string) {
	_ = r.jour.RecordBarAudit(journal.BarAudit{
		RunID:    r.runID,
		BarIndex: r.barIndex,
		Time:     ts,
		Event:    event,
		Detail:   detail,
	})
}

func (r *Runner) finish(candles []market.Candle, status Status, daily *dailySampler) Result {
	daily.flush()

	st := r.eng.Broker().State()
	res := Result{
		RunID:    r.runID,
		Strategy: r.strat.Name(),
		Symbol:   r.cfg.Symbol,
		Params:   r.cfg.StrategyParams,
		Seed:     r.cfg.Seed,
		Status:   status,

		Bars:           len(candles),
		InitialBalance: r.cfg.InitialBalance,
		FinalBalance:   st.Balance,
		FinalEquity:    st.Equity,
		Fees:           st.Fees,
		Funding:        st.Funding,
		Liquidations:   st.Liquidations,
		Rejections:     r.rejections,

		Equity:    r.eng.Equity(),
		Trades:    r.trades,
		Positions: r.eng.Broker().Positions(),
	}
	if len(candles) > 0 {
		res.Start = candles[0].Time
		res.End = candles[len(candles)-1].Time
		res.DataHash = market.HashSeries(candles)
	}
	res.Metrics = ComputeMetrics(res.Equity, daily.points, r.trades, r.cfg.InitialBalance, r.cfg.RiskFreeRate)
	res.DailyReturns = dailyReturns(daily.points)
	res.Drawdowns = DrawdownSeries(res.Equity)

	_ = r.jour.RecordRun(journal.RunRow{
		RunID:        res.RunID,
		Created:      time.Now().UTC(),
		Strategy:     res.Strategy,
		Symbol:       res.Symbol,
		Params:       res.Params,
		Seed:         res.Seed,
		DataHash:     res.DataHash,
		Start:        res.Start,
		End:          res.End,
		Bars:         res.Bars,
		Trades:       len(res.Trades),
		Liquidations: res.Liquidations,
		StartBalance: res.InitialBalance,
		EndBalance:   res.FinalBalance,
		NetPnL:       res.FinalEquity - res.InitialBalance,
		ReturnPct:    res.Metrics.TotalReturn * 100,
		MaxDrawdown:  res.Metrics.MaxDrawdown,
		Sharpe:       res.Metrics.Sharpe,
	})
	return res
}

// dailySampler journals one equity snapshot per UTC calendar day. The
// last sample of each day wins, matching how daily NAV is reported.
type dailySampler struct {
	runID string
	jour  journal.Journal

	day     string
	current engine.EquityPoint
	have    bool

	points []engine.EquityPoint
}

func newDailySampler(runID string, jour journal.Journal) *dailySampler {
	return &dailySampler{runID: runID, jour: jour}
}

func (d *dailySampler) observe(pt engine.EquityPoint) {
	day := pt.Time.UTC().Format("2006-01-02")
	if d.have && day != d.day {
		d.emit()
	}
	d.day = day
	d.current = pt
	d.have = true
}

func (d *dailySampler) emit() {
	d.points = append(d.points, d.current)
	_ = d.jour.RecordEquity(journal.EquitySnapshot{
		RunID:           d.runID,
		Time:            d.current.Time,
		Balance:         d.current.Balance,
		Equity:          d.current.Equity,
		UsedMargin:      d.current.UsedMargin,
		AvailableMargin: d.current.AvailableMargin,
		UnrealizedPnL:   d.current.UnrealizedPnL,
	})
}

func (d *dailySampler) flush() {
	if d.have {
		d.emit()
		d.have = false
	}
}
