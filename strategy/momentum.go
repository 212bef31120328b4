package strategy

import (
	"fmt"

	"perpsim/engine"
	"perpsim/indicators"
	"perpsim/market"
	"perpsim/position"
)

func init() {
	Register("momentum-breakout", func(params []byte) (Strategy, error) {
		p := MomentumParams{
			RocBars:       5,
			VolumeBars:    20,
			MinRocPct:     0.5,
			MinVolMult:    2,
			MaxSpreadBps:  8,
			RiskPct:       20,
			Leverage:      1,
			StopLossPct:   1,
			TakeProfitPct: 2,
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return NewMomentum(p), nil
	})
}

// MomentumParams configures the breakout strategy. Percent fields are
// plain percentages: MinRocPct 0.5 means a 0.5% move over RocBars.
type MomentumParams struct {
	Symbol        string  `yaml:"symbol"`
	RocBars       int     `yaml:"roc_bars"`
	VolumeBars    int     `yaml:"volume_bars"`
	MinRocPct     float64 `yaml:"min_roc_pct"`
	MinVolMult    float64 `yaml:"min_vol_mult"`
	MaxSpreadBps  float64 `yaml:"max_spread_bps"`
	RiskPct       float64 `yaml:"risk_pct"`
	Leverage      float64 `yaml:"leverage"`
	StopLossPct   float64 `yaml:"stop_loss_pct"`
	TakeProfitPct float64 `yaml:"take_profit_pct"`
}

func (p MomentumParams) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("momentum-breakout: symbol required")
	}
	if p.RocBars <= 0 || p.VolumeBars <= 0 {
		return fmt.Errorf("momentum-breakout: lookbacks must be positive, got roc=%d volume=%d", p.RocBars, p.VolumeBars)
	}
	if p.MinRocPct <= 0 {
		return fmt.Errorf("momentum-breakout: min ROC %g must be positive", p.MinRocPct)
	}
	if p.MinVolMult < 1 {
		return fmt.Errorf("momentum-breakout: volume multiple %g below 1", p.MinVolMult)
	}
	if p.MaxSpreadBps < 0 {
		return fmt.Errorf("momentum-breakout: max spread %g negative", p.MaxSpreadBps)
	}
	if p.RiskPct <= 0 || p.RiskPct > 100 {
		return fmt.Errorf("momentum-breakout: risk %g%% outside (0, 100]", p.RiskPct)
	}
	if p.Leverage < 1 {
		return fmt.Errorf("momentum-breakout: leverage %g below 1", p.Leverage)
	}
	if p.StopLossPct <= 0 || p.StopLossPct >= 100 {
		return fmt.Errorf("momentum-breakout: stop %g%% outside (0, 100)", p.StopLossPct)
	}
	if p.TakeProfitPct <= 0 {
		return fmt.Errorf("momentum-breakout: take-profit %g%% must be positive", p.TakeProfitPct)
	}
	return nil
}

// Momentum buys breakouts: a close that has run at least MinRocPct over
// the ROC lookback on at least MinVolMult times the trailing average
// volume, with the quoted spread inside MaxSpreadBps. Exits are the
// protective stop and take-profit it attaches on entry, plus a momentum
// check that goes flat once the ROC turns negative. Long-only.
type Momentum struct {
	params MomentumParams

	roc     *indicators.ROC
	volumes []float64
}

func NewMomentum(p MomentumParams) *Momentum {
	return &Momentum{
		params:  p,
		roc:     indicators.NewROC(p.RocBars),
		volumes: make([]float64, 0, p.VolumeBars),
	}
}

func (s *Momentum) Name() string { return "momentum-breakout" }

func (s *Momentum) Reset() {
	s.roc.Reset()
	s.volumes = s.volumes[:0]
}

// volumeMultiple compares the bar's volume to the trailing average of
// the previous VolumeBars bars, then rolls the window. Zero until the
// window is full.
func (s *Momentum) volumeMultiple(volume float64) float64 {
	mult := 0.0
	if len(s.volumes) >= s.params.VolumeBars {
		var sum float64
		for _, v := range s.volumes {
			sum += v
		}
		if avg := sum / float64(len(s.volumes)); avg > 0 {
			mult = volume / avg
		}
	}
	s.volumes = append(s.volumes, volume)
	if len(s.volumes) > s.params.VolumeBars {
		s.volumes = s.volumes[1:]
	}
	return mult
}

func (s *Momentum) OnBar(c market.Candle, index int, st engine.State) []engine.Signal {
	s.roc.Update(c)
	volMult := s.volumeMultiple(c.Volume)
	if !s.roc.Ready() {
		return nil
	}
	roc := s.roc.Value()

	holding := false
	for _, pos := range st.Positions {
		if pos.Symbol == s.params.Symbol {
			holding = true
			break
		}
	}

	if holding {
		// Stop and take-profit ride with the position; here only the
		// momentum itself is re-checked.
		if roc < 0 {
			return []engine.Signal{engine.Flat(s.params.Symbol)}
		}
		return nil
	}

	if roc < s.params.MinRocPct || volMult < s.params.MinVolMult {
		return nil
	}
	if s.params.MaxSpreadBps > 0 && c.SpreadBps > s.params.MaxSpreadBps {
		return nil
	}
	if c.Close <= 0 {
		return nil
	}

	size := st.Equity * (s.params.RiskPct / 100) * s.params.Leverage / c.Close
	if size <= 0 {
		return nil
	}

	return []engine.Signal{{
		Symbol:     s.params.Symbol,
		Side:       position.Long,
		Size:       size,
		Leverage:   s.params.Leverage,
		StopLoss:   c.Close * (1 - s.params.StopLossPct/100),
		TakeProfit: c.Close * (1 + s.params.TakeProfitPct/100),
	}}
}
