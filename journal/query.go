package journal

import (
	"database/sql"
	"fmt"
)

// GetRun returns a single run summary by ID.
func (j *SQLite) GetRun(runID string) (RunRow, error) {
	var r RunRow

	row := j.db.QueryRow(`
		SELECT run_id, created, strategy, symbol, params, seed, data_hash,
		       start, end, bars, trades, liquidations,
		       start_balance, end_balance, net_pnl, return_pct, max_drawdown, sharpe
		FROM runs
		WHERE run_id = ?`, runID)

	err := row.Scan(
		&r.RunID, &r.Created, &r.Strategy, &r.Symbol, &r.Params, &r.Seed, &r.DataHash,
		&r.Start, &r.End, &r.Bars, &r.Trades, &r.Liquidations,
		&r.StartBalance, &r.EndBalance, &r.NetPnL, &r.ReturnPct, &r.MaxDrawdown, &r.Sharpe,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return RunRow{}, fmt.Errorf("run %q: %w", runID, ErrRunNotFound)
		}
		return RunRow{}, err
	}
	return r, nil
}

// ListRuns returns the most recent runs, newest first.
func (j *SQLite) ListRuns(limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.Query(`
		SELECT run_id, created, strategy, symbol, params, seed, data_hash,
		       start, end, bars, trades, liquidations,
		       start_balance, end_balance, net_pnl, return_pct, max_drawdown, sharpe
		FROM runs
		ORDER BY created DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var r RunRow
		if err := rows.Scan(
			&r.RunID, &r.Created, &r.Strategy, &r.Symbol, &r.Params, &r.Seed, &r.DataHash,
			&r.Start, &r.End, &r.Bars, &r.Trades, &r.Liquidations,
			&r.StartBalance, &r.EndBalance, &r.NetPnL, &r.ReturnPct, &r.MaxDrawdown, &r.Sharpe,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListTradesByRun returns a run's fills in time order.
func (j *SQLite) ListTradesByRun(runID string) ([]TradeRecord, error) {
	rows, err := j.db.Query(`
		SELECT trade_id, run_id, symbol, side, quantity, price, fee, realized_pnl, liquidation, reason, time
		FROM trades
		WHERE run_id = ?
		ORDER BY time ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(
			&t.TradeID, &t.RunID, &t.Symbol, &t.Side, &t.Quantity, &t.Price,
			&t.Fee, &t.RealizedPnL, &t.Liquidation, &t.Reason, &t.Time,
		); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListEquityByRun returns a run's equity curve in time order.
func (j *SQLite) ListEquityByRun(runID string) ([]EquitySnapshot, error) {
	rows, err := j.db.Query(`
		SELECT run_id, time, balance, equity, used_margin, available_margin, unrealized_pnl
		FROM equity
		WHERE run_id = ?
		ORDER BY time ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EquitySnapshot
	for rows.Next() {
		var e EquitySnapshot
		if err := rows.Scan(
			&e.RunID, &e.Time, &e.Balance, &e.Equity,
			&e.UsedMargin, &e.AvailableMargin, &e.UnrealizedPnL,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
