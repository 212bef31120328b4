package strategy

import (
	"fmt"

	"perpsim/engine"
	"perpsim/indicators"
	"perpsim/market"
	"perpsim/position"
)

func init() {
	Register("ema-cross", func(params []byte) (Strategy, error) {
		p := EMACrossParams{Fast: 12, Slow: 26, Leverage: 3}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return NewEMACross(p), nil
	})
}

// EMACrossParams configures the fast/slow crossover strategy.
type EMACrossParams struct {
	Symbol   string  `yaml:"symbol"`
	Fast     int     `yaml:"fast"`
	Slow     int     `yaml:"slow"`
	Size     float64 `yaml:"size"`
	Leverage float64 `yaml:"leverage"`
}

func (p EMACrossParams) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("ema-cross: symbol required")
	}
	if p.Fast <= 0 || p.Slow <= 0 {
		return fmt.Errorf("ema-cross: periods must be positive, got fast=%d slow=%d", p.Fast, p.Slow)
	}
	if p.Fast >= p.Slow {
		return fmt.Errorf("ema-cross: fast period %d must be below slow period %d", p.Fast, p.Slow)
	}
	if p.Size <= 0 {
		return fmt.Errorf("ema-cross: size must be positive, got %g", p.Size)
	}
	if p.Leverage < 1 {
		return fmt.Errorf("ema-cross: leverage %g below 1", p.Leverage)
	}
	return nil
}

// EMACross holds long above a bullish fast/slow crossover and short
// below a bearish one. It enters only on the cross itself and reverses
// on the opposite cross, so repeated bars in one regime are no-ops for
// the delta-sizing engine.
type EMACross struct {
	params EMACrossParams

	fast *indicators.EMA
	slow *indicators.EMA

	lastDiff     float64
	haveLastDiff bool
}

func NewEMACross(p EMACrossParams) *EMACross {
	return &EMACross{
		params: p,
		fast:   indicators.NewEMA(p.Fast),
		slow:   indicators.NewEMA(p.Slow),
	}
}

func (s *EMACross) Name() string { return "ema-cross" }

func (s *EMACross) Reset() {
	s.fast.Reset()
	s.slow.Reset()
	s.lastDiff = 0
	s.haveLastDiff = false
}

func (s *EMACross) OnBar(c market.Candle, index int, st engine.State) []engine.Signal {
	s.fast.Update(c)
	s.slow.Update(c)
	if !s.fast.Ready() || !s.slow.Ready() {
		return nil
	}

	diff := s.fast.Value() - s.slow.Value()
	if !s.haveLastDiff {
		s.lastDiff = diff
		s.haveLastDiff = true
		return nil
	}

	bullCross := diff > 0 && s.lastDiff <= 0
	bearCross := diff < 0 && s.lastDiff >= 0
	s.lastDiff = diff

	switch {
	case bullCross:
		return []engine.Signal{{
			Symbol:   s.params.Symbol,
			Side:     position.Long,
			Size:     s.params.Size,
			Leverage: s.params.Leverage,
		}}
	case bearCross:
		return []engine.Signal{{
			Symbol:   s.params.Symbol,
			Side:     position.Short,
			Size:     s.params.Size,
			Leverage: s.params.Leverage,
		}}
	default:
		return nil
	}
}
