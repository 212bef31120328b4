package strategy

import (
	"fmt"

	"perpsim/engine"
	"perpsim/market"
	"perpsim/position"
)

func init() {
	Register("open-once", func(params []byte) (Strategy, error) {
		p := OpenOnceParams{Side: "long", Leverage: 1}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return &OpenOnce{params: p}, nil
	})
}

// OpenOnceParams configures the open-once test strategy.
type OpenOnceParams struct {
	Symbol   string  `yaml:"symbol"`
	Side     string  `yaml:"side"`
	Size     float64 `yaml:"size"`
	Leverage float64 `yaml:"leverage"`
}

func (p OpenOnceParams) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("open-once: symbol required")
	}
	if p.Side != "long" && p.Side != "short" {
		return fmt.Errorf("open-once: side must be long or short, got %q", p.Side)
	}
	if p.Size <= 0 {
		return fmt.Errorf("open-once: size must be positive, got %g", p.Size)
	}
	if p.Leverage < 1 {
		return fmt.Errorf("open-once: leverage %g below 1", p.Leverage)
	}
	return nil
}

// OpenOnce opens a single position on the first bar and holds it. It
// exists to exercise the margin and funding paths end to end.
type OpenOnce struct {
	params OpenOnceParams
	done   bool
}

func (s *OpenOnce) Name() string { return "open-once" }
func (s *OpenOnce) Reset()       { s.done = false }

func (s *OpenOnce) OnBar(c market.Candle, index int, st engine.State) []engine.Signal {
	if s.done {
		return nil
	}
	s.done = true

	side := position.Long
	if s.params.Side == "short" {
		side = position.Short
	}
	return []engine.Signal{{
		Symbol:   s.params.Symbol,
		Side:     side,
		Size:     s.params.Size,
		Leverage: s.params.Leverage,
	}}
}
