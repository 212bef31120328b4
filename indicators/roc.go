package indicators

import (
	"fmt"

	"perpsim/market"
)

// ROC is a streaming rate-of-change over closes, in percent: how far
// the latest close has moved from the close period bars earlier.
type ROC struct {
	period int
	closes []float64
}

func NewROC(period int) *ROC {
	return &ROC{
		period: period,
		closes: make([]float64, 0, period+1),
	}
}

func (r *ROC) Name() string { return fmt.Sprintf("ROC(%d)", r.period) }
func (r *ROC) Warmup() int  { return r.period + 1 }

func (r *ROC) Reset() {
	r.closes = r.closes[:0]
}

func (r *ROC) Update(c market.Candle) {
	r.closes = append(r.closes, c.Close)
	if len(r.closes) > r.period+1 {
		r.closes = r.closes[1:]
	}
}

func (r *ROC) Ready() bool {
	return len(r.closes) >= r.period+1
}

func (r *ROC) Value() float64 {
	if !r.Ready() {
		return 0
	}
	past := r.closes[0]
	if past == 0 {
		return 0
	}
	return (r.closes[len(r.closes)-1]/past - 1) * 100
}
