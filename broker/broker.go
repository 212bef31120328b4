package broker

import (
	"fmt"
	"math"
	"sync"
	"time"

	"perpsim/exchange"
	"perpsim/id"
	"perpsim/position"
)

// PositionMode selects how opposing exposure on one symbol is held.
type PositionMode uint8

const (
	// OneWay nets longs and shorts into a single directional position.
	OneWay PositionMode = iota
	// Hedge holds LONG and SHORT books on the same symbol independently.
	Hedge
)

func (m PositionMode) String() string {
	if m == Hedge {
		return "HEDGE"
	}
	return "ONE_WAY"
}

// Order is a concrete fill request. The price is the execution price
// decided by the caller (candle open adjusted for slippage and spread);
// the broker never invents prices.
type Order struct {
	Symbol     string
	Side       position.Side // direction of the order itself
	Quantity   float64
	Price      float64
	Leverage   float64
	StopLoss   float64 // carried onto the position, zero means none
	TakeProfit float64 // carried onto the position, zero means none
	ReduceOnly bool    // hedge mode: shrink the opposite book instead of opening
	Time       time.Time
}

// TradeResult is the caller-inspected outcome of an order. Rejections
// are values, not errors: OK=false with a Reason, and the account is
// left untouched.
type TradeResult struct {
	ID          string
	OK          bool
	Reason      string
	Liquidation bool

	Symbol      string
	Side        position.Side
	Quantity    float64
	Price       float64
	Fee         float64
	RealizedPnL float64
	Time        time.Time

	// Position is a snapshot taken after the fill; nil when the fill
	// closed the position entirely.
	Position *position.Position
}

// FundingPayment is one realized funding transfer. Amount is the signed
// cash delta to the account: negative means the account paid.
type FundingPayment struct {
	Symbol string
	Side   position.Side
	Rate   float64
	Amount float64
	Time   time.Time
}

// MarkReport is what a mark-price sweep produced.
type MarkReport struct {
	Funding      []FundingPayment
	Liquidations []TradeResult
}

// State is a derived snapshot of the account, never stored.
type State struct {
	Balance         float64 // free cash, margin reservations excluded
	Equity          float64 // balance + reserved margin + unrealized PnL
	UsedMargin      float64
	AvailableMargin float64
	UnrealizedPnL   float64
	Positions       map[string]position.Position

	Fees         float64
	Funding      float64
	Liquidations int
}

// Config seeds a broker for one run.
type Config struct {
	InitialBalance float64
	Specs          map[string]exchange.Spec
	Mode           PositionMode
	MarginMode     position.MarginMode
	IDs            *id.Source // nil falls back to wall-clock ULIDs
}

// Broker owns the account: free cash plus the set of open positions.
// It turns orders into fills, maintains margin, applies funding on mark
// updates and detects liquidation. All methods are safe for concurrent
// use, though a backtest run drives it from a single goroutine.
type Broker struct {
	mu         sync.Mutex
	balance    float64
	positions  map[string]*position.Position
	specs      map[string]exchange.Spec
	mode       PositionMode
	marginMode position.MarginMode
	ids        *id.Source
	marks      map[string]float64

	fees         float64
	funding      float64
	liquidations int
}

// New builds a broker. The spec table is shared by reference and must
// not be mutated by the caller afterwards.
func New(cfg Config) *Broker {
	specs := cfg.Specs
	if specs == nil {
		specs = exchange.DefaultSpecs()
	}
	return &Broker{
		balance:    cfg.InitialBalance,
		positions:  make(map[string]*position.Position),
		specs:      specs,
		mode:       cfg.Mode,
		marginMode: cfg.MarginMode,
		ids:        cfg.IDs,
		marks:      make(map[string]float64),
	}
}

func (b *Broker) newID(ts time.Time) string {
	if b.ids != nil {
		return b.ids.New(ts)
	}
	return id.New()
}

// book returns the position-map key an order targets.
func (b *Broker) book(symbol string, side position.Side, reduceOnly bool) string {
	if b.mode == OneWay {
		return symbol
	}
	if reduceOnly {
		side = side.Opposite()
	}
	return symbol + "/" + side.String()
}

func reject(o Order, reason string) TradeResult {
	return TradeResult{
		OK:       false,
		Reason:   reason,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Quantity: o.Quantity,
		Price:    o.Price,
		Time:     o.Time,
	}
}

// MarketOrder fills an order at its stated price, applying one of the
// three accounting cases: open, same-direction add, or reduce/flip.
//
// Cash moves by the reservation model: opening debits initial margin
// plus fee, reducing credits the released margin share plus realized
// PnL minus fee. Equity is continuous across fills up to fees.
func (b *Broker) MarketOrder(o Order) TradeResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	spec, ok := b.specs[o.Symbol]
	if !ok {
		return reject(o, fmt.Sprintf("unknown symbol %q", o.Symbol))
	}
	if o.Side != position.Long && o.Side != position.Short {
		return reject(o, "order side required")
	}
	if !isFinite(o.Quantity) || !isFinite(o.Price) || o.Price <= 0 {
		return reject(o, "non-finite order")
	}

	qty := exchange.RoundToLot(math.Abs(o.Quantity), spec.LotSize)
	if qty <= 0 {
		return reject(o, "quantity rounds to zero")
	}
	if qty < spec.MinOrderSize {
		return reject(o, fmt.Sprintf("quantity %g below exchange minimum %g", qty, spec.MinOrderSize))
	}
	qty = spec.ClampOrderSize(qty)
	price := exchange.RoundToTick(o.Price, spec.TickSize)

	if mark, ok := b.marks[o.Symbol]; ok && spec.PriceDeviationLimit > 0 {
		if math.Abs(price-mark)/mark > spec.PriceDeviationLimit {
			return reject(o, fmt.Sprintf("price %g deviates more than %g%% from mark %g",
				price, spec.PriceDeviationLimit*100, mark))
		}
	}

	lev := o.Leverage
	if lev <= 0 {
		lev = 1
	}

	key := b.book(o.Symbol, o.Side, o.ReduceOnly)
	pos := b.positions[key]

	switch {
	case pos == nil:
		if o.ReduceOnly {
			return reject(o, "reduce-only with no open position")
		}
		return b.open(spec, key, o, qty, price, lev)
	case pos.Side == o.Side && !o.ReduceOnly:
		return b.add(spec, pos, o, qty, price)
	default:
		return b.reduce(spec, key, pos, o, qty, price, lev)
	}
}

func (b *Broker) open(spec exchange.Spec, key string, o Order, qty, price, lev float64) TradeResult {
	notional := qty * price
	tier := spec.TierFor(notional)

	if levCap := math.Min(spec.MaxLeverage, 1/tier.InitialMarginRate); lev > levCap {
		return reject(o, fmt.Sprintf("leverage %gx above cap %gx at notional %.2f", lev, math.Floor(levCap), notional))
	}

	margin := notional / lev
	fee := spec.TakerFee(notional)
	if avail := b.availableLocked(); margin+fee > avail {
		return reject(o, fmt.Sprintf("insufficient margin: need %.2f, available %.2f", margin+fee, avail))
	}

	p := position.New(o.Symbol, o.Side, qty, price, price, lev, b.marginMode, o.Time)
	p.MaintenanceMargin = tier.MaintenanceMarginRate * notional
	p.StopLoss = o.StopLoss
	p.TakeProfit = o.TakeProfit
	b.positions[key] = p

	b.balance -= margin + fee
	b.fees += fee
	p.LiqPrice = p.LiquidationPrice(b.crossAvailableLocked()-p.UnrealizedPnL, tier.MaintenanceMarginRate)

	snap := *p
	return TradeResult{
		ID:       b.newID(o.Time),
		OK:       true,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Quantity: qty,
		Price:    price,
		Fee:      fee,
		Time:     o.Time,
		Position: &snap,
	}
}

func (b *Broker) add(spec exchange.Spec, pos *position.Position, o Order, qty, price float64) TradeResult {
	addNotional := qty * price
	margin := addNotional / pos.Leverage
	fee := spec.TakerFee(addNotional)

	totalNotional := pos.NotionalAt(pos.MarkPrice) + addNotional
	tier := spec.TierFor(totalNotional)
	if levCap := math.Min(spec.MaxLeverage, 1/tier.InitialMarginRate); pos.Leverage > levCap {
		return reject(o, fmt.Sprintf("leverage %gx above cap at combined notional %.2f", pos.Leverage, totalNotional))
	}
	if avail := b.availableLocked(); margin+fee > avail {
		return reject(o, fmt.Sprintf("insufficient margin: need %.2f, available %.2f", margin+fee, avail))
	}

	pos.Add(price, qty, o.Time)
	pos.MaintenanceMargin = tier.MaintenanceMarginRate * pos.Notional()
	if o.StopLoss > 0 {
		pos.StopLoss = o.StopLoss
	}
	if o.TakeProfit > 0 {
		pos.TakeProfit = o.TakeProfit
	}

	b.balance -= margin + fee
	b.fees += fee
	pos.LiqPrice = pos.LiquidationPrice(b.crossAvailableLocked()-pos.UnrealizedPnL, tier.MaintenanceMarginRate)

	snap := *pos
	return TradeResult{
		ID:       b.newID(o.Time),
		OK:       true,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Quantity: qty,
		Price:    price,
		Fee:      fee,
		Time:     o.Time,
		Position: &snap,
	}
}

func (b *Broker) reduce(spec exchange.Spec, key string, pos *position.Position, o Order, qty, price, lev float64) TradeResult {
	if pos.Side == o.Side {
		return reject(o, "reduce-only order on the position's own side")
	}
	closeQty := math.Min(qty, pos.Size)
	remainder := qty - pos.Size
	if o.ReduceOnly {
		remainder = 0
	}

	fee := spec.TakerFee(closeQty * price)
	realized := position.UnrealizedPnL(pos.Side, closeQty, pos.EntryPrice, price)
	released := pos.InitialMargin * closeQty / pos.Size

	if b.balance+released+realized-fee < 0 {
		return reject(o, "order would leave the account insolvent")
	}

	realized, released = pos.Reduce(price, closeQty, o.Time)
	b.balance += released + realized - fee
	b.fees += fee

	var snap *position.Position
	if pos.Size <= 0 {
		delete(b.positions, key)
	} else {
		tier := spec.TierFor(pos.Notional())
		pos.MaintenanceMargin = tier.MaintenanceMarginRate * pos.Notional()
		pos.LiqPrice = pos.LiquidationPrice(b.crossAvailableLocked()-pos.UnrealizedPnL, tier.MaintenanceMarginRate)
		s := *pos
		snap = &s
	}

	res := TradeResult{
		ID:          b.newID(o.Time),
		OK:          true,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Quantity:    closeQty,
		Price:       price,
		Fee:         fee,
		RealizedPnL: realized,
		Time:        o.Time,
		Position:    snap,
	}

	// Flip: the order was larger than the position, open the remainder
	// in the opposite direction as a fresh position.
	if remainder > 0 {
		flip := b.open(spec, key, o, exchange.RoundToLot(remainder, spec.LotSize), price, lev)
		if flip.OK {
			res.Quantity += flip.Quantity
			res.Fee += flip.Fee
			res.Position = flip.Position
		}
		// A rejected flip leaves the close in place; the caller sees the
		// partial outcome via the result fields.
	}
	return res
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
