package engine

import "math"

// MaxDrawdown returns the largest peak-to-trough equity decline as a
// fraction of the peak, in [0, 1]. An empty or never-falling curve
// yields zero.
func MaxDrawdown(equity []EquityPoint) float64 {
	var peak, maxDD float64
	for _, pt := range equity {
		if pt.Equity > peak {
			peak = pt.Equity
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - pt.Equity) / peak; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// SharpeRatio computes the annualized Sharpe over per-sample equity
// returns, assuming daily samples (sqrt-252 scaling). A flat or
// zero-variance curve yields zero rather than a division blowup.
func SharpeRatio(equity []EquityPoint) float64 {
	returns := sampleReturns(equity)
	if len(returns) < 2 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)
	if variance <= 0 {
		return 0
	}

	return mean / math.Sqrt(variance) * math.Sqrt(252)
}

func sampleReturns(equity []EquityPoint) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Equity
		if prev <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, equity[i].Equity/prev-1)
	}
	return out
}
