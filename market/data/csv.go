package data

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ulikunitz/xz"
	"github.com/xyproto/unzip"

	"perpsim/market"
)

// Load reads a candle CSV file into memory. Three container formats are
// handled transparently by extension:
//
//	.csv      plain text
//	.csv.xz   xz-compressed text
//	.zip      archive holding a single kline CSV (Binance data dumps)
//
// Row layout is timestamp,open,high,low,close,volume with two optional
// trailing columns spread_bps and funding_rate. Timestamps may be unix
// seconds, unix milliseconds, or RFC3339. A header row is skipped.
func Load(path string) ([]market.Candle, error) {
	switch {
	case strings.HasSuffix(path, ".zip"):
		return loadZip(path)
	case strings.HasSuffix(path, ".xz"):
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		r, err := xz.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("xz reader %s: %w", path, err)
		}
		return parse(r)
	default:
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		return parse(f)
	}
}

func loadZip(path string) ([]market.Candle, error) {
	tmp, err := os.MkdirTemp("", "perpsim-klines-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)

	if err := unzip.Extract(path, tmp); err != nil {
		return nil, fmt.Errorf("extract %s: %w", path, err)
	}

	matches, err := filepath.Glob(filepath.Join(tmp, "*.csv"))
	if err != nil {
		return nil, err
	}
	if len(matches) != 1 {
		return nil, fmt.Errorf("archive %s: expected exactly one csv, found %d", path, len(matches))
	}
	f, err := os.Open(matches[0])
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parse(f)
}

func parse(r io.Reader) ([]market.Candle, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	var candles []market.Candle
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line+1, err)
		}
		line++
		if len(rec) < 6 {
			return nil, fmt.Errorf("line %d: expected at least 6 columns, got %d", line, len(rec))
		}
		if line == 1 && !isNumeric(rec[1]) {
			continue // header
		}

		ts, err := parseTime(rec[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		vals := make([]float64, 0, 7)
		max := 8
		if len(rec) < max {
			max = len(rec)
		}
		for _, field := range rec[1:max] {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad number %q", line, field)
			}
			vals = append(vals, v)
		}

		c := market.Candle{
			Time:   ts,
			Open:   vals[0],
			High:   vals[1],
			Low:    vals[2],
			Close:  vals[3],
			Volume: vals[4],
		}
		if len(vals) > 5 {
			c.SpreadBps = vals[5]
		}
		if len(vals) > 6 {
			c.FundingRate = vals[6]
		}
		candles = append(candles, c)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candle rows found")
	}
	return candles, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		// Heuristic: unix seconds fit comfortably below 1e11.
		if n > 100_000_000_000 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q", s)
	}
	return t.UTC(), nil
}

func isNumeric(s string) bool {
	_, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return err == nil
}
