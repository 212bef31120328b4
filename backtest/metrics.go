package backtest

import (
	"fmt"
	"math"
	"strings"
	"time"

	"perpsim/broker"
	"perpsim/engine"
	"perpsim/position"
)

// Result is everything one run produced.
type Result struct {
	RunID    string
	Strategy string
	Symbol   string
	Params   []byte
	Seed     int64
	DataHash string
	Status   Status

	Start time.Time
	End   time.Time
	Bars  int

	InitialBalance float64
	FinalBalance   float64
	FinalEquity    float64
	Fees           float64
	Funding        float64
	Liquidations   int
	Rejections     int

	Metrics Metrics

	// Equity is the full per-bar curve; DailyReturns come from the
	// daily last-write-wins samples the metrics are computed on.
	Equity       []engine.EquityPoint
	DailyReturns []float64
	Drawdowns    []DrawdownPoint
	Trades       []broker.TradeResult
	Positions    []position.Position
}

// Metrics is the end-of-run performance suite.
type Metrics struct {
	TotalReturn      float64
	AnnualizedReturn float64
	Volatility       float64 // annualized stddev of daily returns
	Sharpe           float64
	Sortino          float64
	Calmar           float64
	MaxDrawdown      float64

	Trades     int
	Wins       int
	Losses     int
	WinRate    float64
	AvgWin     float64
	AvgLoss    float64
	LargestWin float64
	// LargestLoss is the most negative realized PnL.
	LargestLoss  float64
	ProfitFactor float64

	TimeInMarket float64
	AvgLeverage  float64
	MaxLeverage  float64
	Turnover     float64
}

// DrawdownPoint is one sample of the per-bar drawdown series.
type DrawdownPoint struct {
	Time       time.Time
	Drawdown   float64 // (peak - equity) / peak
	Underwater bool
}

// DrawdownSeries tracks a running peak over the full equity curve.
func DrawdownSeries(equity []engine.EquityPoint) []DrawdownPoint {
	out := make([]DrawdownPoint, 0, len(equity))
	var peak float64
	for _, pt := range equity {
		if pt.Equity > peak {
			peak = pt.Equity
		}
		var dd float64
		if peak > 0 {
			dd = (peak - pt.Equity) / peak
		}
		out = append(out, DrawdownPoint{Time: pt.Time, Drawdown: dd, Underwater: dd > 0})
	}
	return out
}

// ComputeMetrics derives the suite from the full per-bar curve, the
// daily samples and the fill list. Ratio metrics use the daily series;
// drawdown, time-in-market and leverage use the full curve.
func ComputeMetrics(full, daily []engine.EquityPoint, trades []broker.TradeResult, initialBalance, riskFreeRate float64) Metrics {
	var m Metrics

	finalEquity := initialBalance
	if len(full) > 0 {
		finalEquity = full[len(full)-1].Equity
	}
	if initialBalance > 0 {
		m.TotalReturn = (finalEquity - initialBalance) / initialBalance
	}

	tradingDays := len(daily)
	if tradingDays > 0 && 1+m.TotalReturn > 0 {
		m.AnnualizedReturn = math.Pow(1+m.TotalReturn, 365/float64(tradingDays)) - 1
	}

	returns := dailyReturns(daily)
	m.Volatility, m.Sharpe, m.Sortino = ratioMetrics(returns, riskFreeRate/365)

	m.MaxDrawdown = engine.MaxDrawdown(full)
	if m.MaxDrawdown > 0 {
		m.Calmar = math.Abs(m.TotalReturn) / m.MaxDrawdown
	}

	m.tradeStats(trades)
	m.exposureStats(full, trades)
	return m
}

func dailyReturns(daily []engine.EquityPoint) []float64 {
	if len(daily) < 2 {
		return nil
	}
	out := make([]float64, 0, len(daily)-1)
	for i := 1; i < len(daily); i++ {
		prev := daily[i-1].Equity
		if prev <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, daily[i].Equity/prev-1)
	}
	return out
}

// ratioMetrics annualizes with sqrt(365): perps trade every calendar
// day, so the 252-day stock-market convention understates both.
func ratioMetrics(returns []float64, dailyRF float64) (vol, sharpe, sortino float64) {
	if len(returns) < 2 {
		return 0, 0, 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance, downside float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
		if excess := r - dailyRF; excess < 0 {
			downside += excess * excess
		}
	}
	variance /= float64(len(returns) - 1)
	downside = math.Sqrt(downside / float64(len(returns)))

	annual := math.Sqrt(365)
	vol = math.Sqrt(variance) * annual
	if variance > 0 {
		sharpe = (mean - dailyRF) / math.Sqrt(variance) * annual
	}
	if downside > 0 {
		sortino = (mean - dailyRF) / downside * annual
	}
	return vol, sharpe, sortino
}

// tradeStats classifies fills by realized PnL. Opens realize nothing
// and are counted as trades but not as wins or losses.
func (m *Metrics) tradeStats(trades []broker.TradeResult) {
	m.Trades = len(trades)

	var grossProfit, grossLoss float64
	for _, t := range trades {
		switch {
		case t.RealizedPnL > 0:
			m.Wins++
			grossProfit += t.RealizedPnL
			if t.RealizedPnL > m.LargestWin {
				m.LargestWin = t.RealizedPnL
			}
		case t.RealizedPnL < 0:
			m.Losses++
			grossLoss += -t.RealizedPnL
			if t.RealizedPnL < m.LargestLoss {
				m.LargestLoss = t.RealizedPnL
			}
		}
	}

	if closed := m.Wins + m.Losses; closed > 0 {
		m.WinRate = float64(m.Wins) / float64(closed)
	}
	if m.Wins > 0 {
		m.AvgWin = grossProfit / float64(m.Wins)
	}
	if m.Losses > 0 {
		m.AvgLoss = grossLoss / float64(m.Losses)
	}
	if grossLoss > 0 {
		m.ProfitFactor = grossProfit / grossLoss
	}
}

func (m *Metrics) exposureStats(full []engine.EquityPoint, trades []broker.TradeResult) {
	var inMarket int
	var levSum float64
	for _, pt := range full {
		if pt.GrossNotional <= 0 {
			continue
		}
		inMarket++
		if pt.Equity > 0 {
			lev := pt.GrossNotional / pt.Equity
			levSum += lev
			if lev > m.MaxLeverage {
				m.MaxLeverage = lev
			}
		}
	}
	if len(full) > 0 {
		m.TimeInMarket = float64(inMarket) / float64(len(full))
	}
	if inMarket > 0 {
		m.AvgLeverage = levSum / float64(inMarket)
	}

	for _, t := range trades {
		m.Turnover += t.Quantity * t.Price
	}
}

// Summary renders the result for terminal output.
func (r Result) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s  %s on %s  [%s]\n", r.RunID, r.Strategy, r.Symbol, r.Status)
	fmt.Fprintf(&b, "  %s .. %s  (%d bars)\n", r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"), r.Bars)
	fmt.Fprintf(&b, "  Balance:      %12.2f -> %.2f (equity %.2f)\n", r.InitialBalance, r.FinalBalance, r.FinalEquity)
	fmt.Fprintf(&b, "  Return:       %11.2f%%  annualized %.2f%%\n", r.Metrics.TotalReturn*100, r.Metrics.AnnualizedReturn*100)
	fmt.Fprintf(&b, "  Sharpe:       %12.2f  sortino %.2f  calmar %.2f\n", r.Metrics.Sharpe, r.Metrics.Sortino, r.Metrics.Calmar)
	fmt.Fprintf(&b, "  Max drawdown: %11.2f%%  volatility %.2f%%\n", r.Metrics.MaxDrawdown*100, r.Metrics.Volatility*100)
	fmt.Fprintf(&b, "  Trades:       %12d  wins %d  losses %d  win rate %.1f%%\n",
		r.Metrics.Trades, r.Metrics.Wins, r.Metrics.Losses, r.Metrics.WinRate*100)
	fmt.Fprintf(&b, "  Profit factor:%12.2f  avg win %.2f  avg loss %.2f\n",
		r.Metrics.ProfitFactor, r.Metrics.AvgWin, r.Metrics.AvgLoss)
	fmt.Fprintf(&b, "  Fees: %.2f  funding: %.2f  liquidations: %d  rejections: %d\n",
		r.Fees, r.Funding, r.Liquidations, r.Rejections)
	fmt.Fprintf(&b, "  Time in market: %.1f%%  avg leverage %.2fx  max %.2fx  turnover %.0f\n",
		r.Metrics.TimeInMarket*100, r.Metrics.AvgLeverage, r.Metrics.MaxLeverage, r.Metrics.Turnover)
	return b.String()
}
