// Package journal persists what a run did: fills, equity samples, bar
// audits and the run summary row. Backends share one interface so a
// backtest can write to SQLite, CSV files or nowhere at all.
package journal

import (
	"errors"
	"time"
)

// ErrRunNotFound is returned by queries for a run ID the journal has
// never seen.
var ErrRunNotFound = errors.New("run not found")

// TradeRecord is one fill as the account experienced it, including
// forced closes. Reason is empty for ordinary fills and carries the
// rejection or liquidation cause otherwise.
type TradeRecord struct {
	RunID       string
	TradeID     string
	Symbol      string
	Side        string
	Quantity    float64
	Price       float64
	Fee         float64
	RealizedPnL float64
	Liquidation bool
	Reason      string
	Time        time.Time
}

// EquitySnapshot is one sample of the account, taken once per bar.
type EquitySnapshot struct {
	RunID           string
	Time            time.Time
	Balance         float64
	Equity          float64
	UsedMargin      float64
	AvailableMargin float64
	UnrealizedPnL   float64
}

// BarAudit is a free-form note about one bar: a rejected signal, a
// strategy panic, a funding payment. Audits are best-effort diagnostics
// and a backend may drop them under pressure.
type BarAudit struct {
	RunID    string
	BarIndex int
	Time     time.Time
	Event    string
	Detail   string
}

// RunRow summarizes one completed backtest run.
type RunRow struct {
	RunID    string
	Created  time.Time
	Strategy string
	Symbol   string
	Params   []byte // strategy params as YAML
	Seed     int64
	DataHash string

	Start time.Time
	End   time.Time
	Bars  int

	Trades       int
	Liquidations int

	StartBalance float64
	EndBalance   float64
	NetPnL       float64
	ReturnPct    float64
	MaxDrawdown  float64
	Sharpe       float64
}

// Journal is the write side of run persistence.
type Journal interface {
	RecordRun(RunRow) error
	RecordTrade(TradeRecord) error
	RecordEquity(EquitySnapshot) error
	RecordBarAudit(BarAudit) error
	Close() error
}

// Nop discards everything. It keeps callers free of nil checks when no
// journal was configured.
type Nop struct{}

func (Nop) RecordRun(RunRow) error            { return nil }
func (Nop) RecordTrade(TradeRecord) error     { return nil }
func (Nop) RecordEquity(EquitySnapshot) error { return nil }
func (Nop) RecordBarAudit(BarAudit) error     { return nil }
func (Nop) Close() error                      { return nil }
