package market

import "time"

// BookSnapshot is a top-of-book quote observed alongside a candle.
// Bar-level datasets rarely carry one; when present, the engine marks
// positions at the book mid instead of the candle close.
type BookSnapshot struct {
	Time     time.Time
	BidPrice float64
	BidSize  float64
	AskPrice float64
	AskSize  float64
}

// Valid reports whether both sides carry a usable, uncrossed quote.
func (b BookSnapshot) Valid() bool {
	return b.BidPrice > 0 && b.AskPrice >= b.BidPrice
}

// Mid returns the midpoint of the quoted spread.
func (b BookSnapshot) Mid() float64 {
	return (b.BidPrice + b.AskPrice) / 2
}
