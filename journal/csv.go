package journal

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// CSV writes trades and equity as CSV files plus audits as JSON lines,
// all inside one directory. The format is meant for spreadsheets and
// quick grep, not for querying; use the sqlite backend for that.
type CSV struct {
	trades *csv.Writer
	equity *csv.Writer
	tf, ef *os.File
	af     *os.File
}

func NewCSV(dir string) (*CSV, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	tf, err := os.Create(filepath.Join(dir, "trades.csv"))
	if err != nil {
		return nil, err
	}
	ef, err := os.Create(filepath.Join(dir, "equity.csv"))
	if err != nil {
		tf.Close()
		return nil, err
	}
	af, err := os.Create(filepath.Join(dir, "audits.jsonl"))
	if err != nil {
		tf.Close()
		ef.Close()
		return nil, err
	}

	tw := csv.NewWriter(tf)
	ew := csv.NewWriter(ef)

	tw.Write([]string{"trade_id", "run_id", "symbol", "side", "quantity", "price", "fee", "realized_pnl", "liquidation", "reason", "time"})
	ew.Write([]string{"run_id", "time", "balance", "equity", "used_margin", "available_margin", "unrealized_pnl"})
	tw.Flush()
	ew.Flush()
	if err := tw.Error(); err != nil {
		return nil, err
	}
	if err := ew.Error(); err != nil {
		return nil, err
	}

	return &CSV{trades: tw, equity: ew, tf: tf, ef: ef, af: af}, nil
}

// RecordRun writes the run summary as run.json next to the CSVs.
func (j *CSV) RecordRun(r RunRow) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(filepath.Dir(j.tf.Name()), "run.json"), b, 0o644)
}

func (j *CSV) RecordTrade(t TradeRecord) error {
	err := j.trades.Write([]string{
		t.TradeID,
		t.RunID,
		t.Symbol,
		t.Side,
		f(t.Quantity),
		f(t.Price),
		f(t.Fee),
		f(t.RealizedPnL),
		strconv.FormatBool(t.Liquidation),
		t.Reason,
		t.Time.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	j.trades.Flush()
	return j.trades.Error()
}

func (j *CSV) RecordEquity(e EquitySnapshot) error {
	err := j.equity.Write([]string{
		e.RunID,
		e.Time.Format(time.RFC3339),
		f(e.Balance),
		f(e.Equity),
		f(e.UsedMargin),
		f(e.AvailableMargin),
		f(e.UnrealizedPnL),
	})
	if err != nil {
		return err
	}
	j.equity.Flush()
	return j.equity.Error()
}

func (j *CSV) RecordBarAudit(a BarAudit) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = j.af.Write(append(b, '\n'))
	return err
}

func (j *CSV) Close() error {
	j.trades.Flush()
	if err := j.trades.Error(); err != nil {
		return err
	}
	j.equity.Flush()
	if err := j.equity.Error(); err != nil {
		return err
	}

	if err := j.tf.Close(); err != nil {
		return err
	}
	if err := j.ef.Close(); err != nil {
		return err
	}
	return j.af.Close()
}

func f(x float64) string {
	return strconv.FormatFloat(x, 'f', 6, 64)
}
