package journal

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite stores runs in a single sqlite database file, one row per
// fill, equity sample and audit line.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (j *SQLite) RecordRun(r RunRow) error {
	_, err := j.db.Exec(`
		INSERT OR REPLACE INTO runs
		(run_id, created, strategy, symbol, params, seed, data_hash,
		 start, end, bars, trades, liquidations,
		 start_balance, end_balance, net_pnl, return_pct, max_drawdown, sharpe)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Created, r.Strategy, r.Symbol, r.Params, r.Seed, r.DataHash,
		r.Start, r.End, r.Bars, r.Trades, r.Liquidations,
		r.StartBalance, r.EndBalance, r.NetPnL, r.ReturnPct, r.MaxDrawdown, r.Sharpe,
	)
	return err
}

func (j *SQLite) RecordTrade(t TradeRecord) error {
	_, err := j.db.Exec(`
		INSERT INTO trades
		(trade_id, run_id, symbol, side, quantity, price, fee, realized_pnl, liquidation, reason, time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID, t.RunID, t.Symbol, t.Side, t.Quantity, t.Price,
		t.Fee, t.RealizedPnL, t.Liquidation, t.Reason, t.Time,
	)
	return err
}

func (j *SQLite) RecordEquity(e EquitySnapshot) error {
	_, err := j.db.Exec(`
		INSERT INTO equity
		(run_id, time, balance, equity, used_margin, available_margin, unrealized_pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Time, e.Balance, e.Equity, e.UsedMargin, e.AvailableMargin, e.UnrealizedPnL,
	)
	return err
}

func (j *SQLite) RecordBarAudit(a BarAudit) error {
	_, err := j.db.Exec(`
		INSERT INTO audits (run_id, bar_index, time, event, detail)
		VALUES (?, ?, ?, ?, ?)`,
		a.RunID, a.BarIndex, a.Time, a.Event, a.Detail,
	)
	return err
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
