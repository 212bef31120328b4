package strategy

import (
	"perpsim/engine"
	"perpsim/market"
)

func init() {
	Register("noop", func(params []byte) (Strategy, error) {
		return Noop{}, nil
	})
}

// Noop never trades. Useful as a baseline and for exercising the run
// machinery without market risk.
type Noop struct{}

func (Noop) Name() string { return "noop" }
func (Noop) Reset()       {}

func (Noop) OnBar(market.Candle, int, engine.State) []engine.Signal {
	return nil
}
