package market

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// ValidateSeries checks a candle series for the defects that would make
// every derived backtest metric meaningless: out-of-order or duplicate
// timestamps, inverted OHLC ranges, and non-finite fields.
//
// It returns the index of the first offending bar inside the error so the
// caller can report exactly where the dataset broke.
func ValidateSeries(candles []Candle) error {
	if len(candles) == 0 {
		return fmt.Errorf("empty candle series")
	}

	var prev time.Time
	for i, c := range candles {
		if c.Time.IsZero() {
			return fmt.Errorf("bar %d: missing timestamp", i)
		}
		if i > 0 && !c.Time.After(prev) {
			return fmt.Errorf("bar %d: timestamp %s not after %s", i, c.Time.Format(time.RFC3339), prev.Format(time.RFC3339))
		}
		prev = c.Time

		for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("bar %d: non-finite OHLCV field", i)
			}
		}
		if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
			return fmt.Errorf("bar %d: non-positive price", i)
		}
		if c.High < c.Open || c.High < c.Close || c.High < c.Low {
			return fmt.Errorf("bar %d: high %.8f below open/close/low", i, c.High)
		}
		if c.Low > c.Open || c.Low > c.Close {
			return fmt.Errorf("bar %d: low %.8f above open/close", i, c.Low)
		}
	}
	return nil
}

// HashSeries returns a hex sha256 over the full series. The hash is
// stored in run metadata so two runs can be proven to have consumed the
// same dataset.
func HashSeries(candles []Candle) string {
	h := sha256.New()
	buf := make([]byte, 8)
	put := func(v float64) {
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		h.Write(buf)
	}
	for _, c := range candles {
		binary.LittleEndian.PutUint64(buf, uint64(c.Time.UnixMilli()))
		h.Write(buf)
		put(c.Open)
		put(c.High)
		put(c.Low)
		put(c.Close)
		put(c.Volume)
		put(c.SpreadBps)
		put(c.FundingRate)
	}
	return hex.EncodeToString(h.Sum(nil))
}
