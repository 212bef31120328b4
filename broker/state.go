package broker

import (
	"fmt"

	"perpsim/exchange"
	"perpsim/position"
)

// crossAvailableLocked is the margin available to open new exposure or
// keep cross positions alive: free cash plus the unrealized PnL of the
// cross positions sharing it. Isolated positions neither contribute nor
// draw from it.
func (b *Broker) crossAvailableLocked() float64 {
	avail := b.balance
	for _, pos := range b.positions {
		if pos.Mode == position.Isolated {
			continue
		}
		avail += pos.UnrealizedPnL
	}
	return avail
}

func (b *Broker) availableLocked() float64 {
	return b.crossAvailableLocked()
}

// State returns a derived snapshot of the account.
func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := State{
		Balance:      b.balance,
		Positions:    make(map[string]position.Position, len(b.positions)),
		Fees:         b.fees,
		Funding:      b.funding,
		Liquidations: b.liquidations,
	}
	st.Equity = b.balance
	for key, pos := range b.positions {
		st.Positions[key] = *pos
		st.Equity += pos.InitialMargin + pos.UnrealizedPnL
		st.UsedMargin += pos.InitialMargin
		st.UnrealizedPnL += pos.UnrealizedPnL
	}
	st.AvailableMargin = st.Equity - st.UsedMargin
	return st
}

// Position returns a copy of the open position for a symbol (one-way
// mode key) and whether one exists.
func (b *Broker) Position(symbol string) (position.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[symbol]
	if !ok {
		return position.Position{}, false
	}
	return *pos, true
}

// Positions returns copies of every open position.
func (b *Broker) Positions() []position.Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]position.Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, *pos)
	}
	return out
}

// SignedExposure returns the net signed size for a symbol: positive
// long, negative short. In hedge mode both books are netted.
func (b *Broker) SignedExposure(symbol string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var net float64
	for _, pos := range b.positions {
		if pos.Symbol == symbol {
			net += pos.SignedSize()
		}
	}
	return net
}

// SetPositionMode switches between one-way and hedge handling. It is
// rejected while positions are open because the books would have to be
// renamed under the account's feet.
func (b *Broker) SetPositionMode(mode PositionMode) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.positions) > 0 {
		return fmt.Errorf("cannot switch position mode with %d open positions", len(b.positions))
	}
	b.mode = mode
	return nil
}

// Spec exposes the symbol's exchange rules to callers sizing orders.
func (b *Broker) Spec(symbol string) (exchange.Spec, bool) {
	sp, ok := b.specs[symbol]
	return sp, ok
}
