package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
)

// ParsePositionSide normalises the backend's position_side value. "BOTH"
// (one-way mode) is resolved from the sign of the position amount. The
// side is unknown when neither an explicit side nor an amount is present.
func ParsePositionSide(raw string, amount *decimal.Decimal) (PositionSide, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "LONG", "BUY":
		return SideLong, true
	case "SHORT", "SELL":
		return SideShort, true
	}
	if amount == nil {
		return "", false
	}
	if amount.IsNegative() {
		return SideShort, true
	}
	return SideLong, true
}

// sign returns +1 for long and -1 for short positions.
func (s PositionSide) sign() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Position is one open exchange position, keyed by symbol.
type Position struct {
	Symbol          string
	PositionID      string
	Side            PositionSide
	Quantity        decimal.Decimal
	EntryPrice      decimal.Decimal
	MarkPrice       decimal.Decimal
	StopLossPrice   *decimal.Decimal
	TakeProfitPrice *decimal.Decimal
	UnrealizedPnL   decimal.Decimal
	PnLPercentage   decimal.Decimal
	ExpectedReturn  *decimal.Decimal
	LastUpdate      time.Time
}

// Clone returns a deep copy so callers never share optional-field pointers
// with the cache.
func (p Position) Clone() Position {
	out := p
	out.StopLossPrice = cloneDecimal(p.StopLossPrice)
	out.TakeProfitPrice = cloneDecimal(p.TakeProfitPrice)
	out.ExpectedReturn = cloneDecimal(p.ExpectedReturn)
	return out
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

// Derived holds the values computed from a position's inputs.
type Derived struct {
	UnrealizedPnL  decimal.Decimal
	PnLPercentage  decimal.Decimal
	ExpectedReturn *decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// ComputeDerived is a pure function of mark, entry, quantity, side and the
// take-profit level. A zero mark price yields zero P&L (no price seen yet).
func ComputeDerived(p Position) Derived {
	var d Derived
	notional := p.EntryPrice.Mul(p.Quantity)

	if !p.MarkPrice.IsZero() {
		d.UnrealizedPnL = p.MarkPrice.Sub(p.EntryPrice).Mul(p.Quantity).Mul(p.Side.sign())
		if !notional.IsZero() {
			d.PnLPercentage = d.UnrealizedPnL.Div(notional).Mul(hundred)
		}
	}

	if p.TakeProfitPrice != nil {
		er := p.TakeProfitPrice.Sub(p.EntryPrice).Mul(p.Quantity).Mul(p.Side.sign())
		d.ExpectedReturn = &er
	}
	return d
}

// WithDerived returns p with its derived fields recomputed.
func (p Position) WithDerived() Position {
	d := ComputeDerived(p)
	p.UnrealizedPnL = d.UnrealizedPnL
	p.PnLPercentage = d.PnLPercentage
	p.ExpectedReturn = d.ExpectedReturn
	return p
}

// PositionUpdate is an incremental delta for one symbol. Nil fields were
// absent from the wire payload and must not overwrite cached values.
// UnrealizedPnL and PnLPercentage are carried for diagnostics only.
type PositionUpdate struct {
	Symbol          string
	Side            *PositionSide
	Quantity        *decimal.Decimal
	EntryPrice      *decimal.Decimal
	MarkPrice       *decimal.Decimal
	StopLossPrice   *decimal.Decimal
	TakeProfitPrice *decimal.Decimal
	UnrealizedPnL   *decimal.Decimal
	PnLPercentage   *decimal.Decimal
	UpdateTime      time.Time
}

// PositionAction is the lifecycle transition carried by a position_status event.
type PositionAction string

const (
	PositionOpened PositionAction = "opened"
	PositionClosed PositionAction = "closed"
)

// PositionStatusEvent announces a position opening or closing.
type PositionStatusEvent struct {
	Action          PositionAction
	Symbol          string
	PositionID      string
	Reason          string
	PnL             *decimal.Decimal
	PnLPercentage   *decimal.Decimal
	Side            *PositionSide
	Quantity        *decimal.Decimal
	EntryPrice      *decimal.Decimal
	StopLossPrice   *decimal.Decimal
	TakeProfitPrice *decimal.Decimal
	Timestamp       time.Time
}

// ClosedPosition is the history record written when a position closes.
type ClosedPosition struct {
	Symbol        string
	PositionID    string
	Side          PositionSide
	Quantity      decimal.Decimal
	EntryPrice    decimal.Decimal
	ExitPrice     decimal.Decimal
	RealizedPnL   decimal.Decimal
	PnLPercentage decimal.Decimal
	Reason        string
	ClosedAt      time.Time
}
