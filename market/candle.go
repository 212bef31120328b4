package market

import "time"

// Candle represents one OHLCV bar for a perpetual-futures symbol.
//
// SpreadBps and FundingRate are optional per-bar observations; loaders
// leave them at zero when the dataset does not carry them.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64

	// SpreadBps is the quoted bid/ask spread at the bar open, in basis
	// points of the mid price.
	SpreadBps float64

	// FundingRate is the funding rate in effect during this bar (per
	// funding interval, signed; longs pay when positive).
	FundingRate float64
}

// Mid returns the bar's midpoint price, a cheap proxy for a mark price
// when only OHLC is available.
func (c Candle) Mid() float64 {
	return (c.High + c.Low) / 2
}

// Synthetic builds a flat candle pinned to the given price. The backtest
// driver uses it to flush signals still pending past the end of data.
func Synthetic(ts time.Time, price float64) Candle {
	return Candle{
		Time:  ts,
		Open:  price,
		High:  price,
		Low:   price,
		Close: price,
	}
}
