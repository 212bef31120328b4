package position

import (
	"time"
)

// Side: +1 long, -1 short
type Side int8

const (
	Long  Side = +1
	Short Side = -1
)

func (s Side) String() string {
	switch s {
	case Long:
		return "LONG"
	case Short:
		return "SHORT"
	}
	return "FLAT"
}

// Opposite returns the other side.
func (s Side) Opposite() Side { return -s }

// MarginMode selects how a position's margin is backed.
type MarginMode uint8

const (
	// Cross shares the whole account balance across positions.
	Cross MarginMode = iota
	// Isolated caps the position's loss at its own reserved margin.
	Isolated
)

func (m MarginMode) String() string {
	if m == Isolated {
		return "ISOLATED"
	}
	return "CROSS"
}

// Position is the leveraged exposure to one symbol. Size is magnitude
// only; Side encodes direction. A Position is owned exclusively by the
// broker that created it.
type Position struct {
	Symbol     string
	Side       Side
	Size       float64 // > 0
	EntryPrice float64 // size-weighted average
	MarkPrice  float64
	Leverage   float64
	Mode       MarginMode

	UnrealizedPnL float64 // derived, recomputed on every mark update
	RealizedPnL   float64 // cumulative over the position's lifetime

	InitialMargin     float64 // cash reserved against this position
	MaintenanceMargin float64 // derived from the risk tier at current notional
	IsolatedMargin    float64 // only meaningful in Isolated mode

	StopLoss   float64 // protective exit level, zero means none
	TakeProfit float64 // protective exit level, zero means none
	LiqPrice   float64 // estimated single-position liquidation price, refreshed on marks

	LastFundingTime    time.Time
	AccumulatedFunding float64 // signed sum of funding payments

	OpenTime   time.Time
	UpdateTime time.Time
}

// New creates a position for the first fill that establishes exposure.
// Initial margin is notional/leverage; the caller derives the
// maintenance margin from the symbol's risk tier.
func New(symbol string, side Side, size, entry, mark, leverage float64, mode MarginMode, ts time.Time) *Position {
	p := &Position{
		Symbol:          symbol,
		Side:            side,
		Size:            size,
		EntryPrice:      entry,
		MarkPrice:       mark,
		Leverage:        leverage,
		Mode:            mode,
		InitialMargin:   size * entry / leverage,
		LastFundingTime: ts,
		OpenTime:        ts,
		UpdateTime:      ts,
	}
	if mode == Isolated {
		p.IsolatedMargin = p.InitialMargin
	}
	p.UnrealizedPnL = UnrealizedPnL(side, size, entry, mark)
	return p
}

// UnrealizedPnL is the pure mark-to-market profit of an exposure.
func UnrealizedPnL(side Side, size, entry, mark float64) float64 {
	return size * (mark - entry) * float64(side)
}

// Notional returns the gross exposure at the current mark price.
func (p *Position) Notional() float64 {
	return p.Size * p.MarkPrice
}

// NotionalAt returns the gross exposure at an arbitrary price.
func (p *Position) NotionalAt(price float64) float64 {
	return p.Size * price
}

// SignedSize returns +Size for longs and -Size for shorts.
func (p *Position) SignedSize() float64 {
	return p.Size * float64(p.Side)
}

// MarkTo recomputes the derived mark-dependent fields at a new price.
func (p *Position) MarkTo(price float64, ts time.Time) {
	p.MarkPrice = price
	p.UnrealizedPnL = UnrealizedPnL(p.Side, p.Size, p.EntryPrice, price)
	p.UpdateTime = ts
}

// Add applies a same-direction fill: size-weighted average entry and a
// proportional increase of the reserved margin.
func (p *Position) Add(price, qty float64, ts time.Time) {
	newSize := p.Size + qty
	p.EntryPrice = (p.EntryPrice*p.Size + price*qty) / newSize
	p.Size = newSize
	addedMargin := qty * price / p.Leverage
	p.InitialMargin += addedMargin
	if p.Mode == Isolated {
		p.IsolatedMargin += addedMargin
	}
	p.MarkTo(p.MarkPrice, ts)
}

// Reduce closes qty of the position at the given price, crystallizing
// PnL on the closed portion. It returns the realized PnL and the share
// of reserved margin released back to the account. The caller must not
// pass qty greater than Size.
func (p *Position) Reduce(price, qty float64, ts time.Time) (realized, releasedMargin float64) {
	realized = UnrealizedPnL(p.Side, qty, p.EntryPrice, price)
	fraction := qty / p.Size
	releasedMargin = p.InitialMargin * fraction

	p.Size -= qty
	p.InitialMargin -= releasedMargin
	if p.Mode == Isolated {
		p.IsolatedMargin -= p.IsolatedMargin * fraction
	}
	p.RealizedPnL += realized
	p.MarkTo(p.MarkPrice, ts)
	return realized, releasedMargin
}

// LiquidationPrice solves for the mark price at which the position's
// backing equity has decayed to the maintenance requirement.
//
//	long:  (size*entry - initialMargin - available) / (size * (1 - mmr))
//	short: (size*entry + initialMargin + available) / (size * (1 + mmr))
//
// available is the free balance backing the position beyond its own
// margin (zero in isolated mode). The closed form assumes this position
// is the only claim on that balance; multi-position cross accounts are
// resolved jointly by the broker's liquidation sweep instead.
func (p *Position) LiquidationPrice(available, maintenanceRate float64) float64 {
	if p.Size <= 0 {
		return 0
	}
	backing := p.InitialMargin + available
	if p.Mode == Isolated {
		backing = p.IsolatedMargin
	}
	switch p.Side {
	case Long:
		px := (p.Size*p.EntryPrice - backing) / (p.Size * (1 - maintenanceRate))
		if px < 0 {
			return 0 // fully collateralized, cannot be liquidated by price alone
		}
		return px
	default:
		return (p.Size*p.EntryPrice + backing) / (p.Size * (1 + maintenanceRate))
	}
}

// Liquidatable reports whether the margin backing this position has
// fallen below its maintenance requirement.
func (p *Position) Liquidatable(availableMargin float64) bool {
	return availableMargin < p.MaintenanceMargin
}
