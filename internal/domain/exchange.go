package domain

import "github.com/shopspring/decimal"

// OrderRequest opens one leg at market.
type OrderRequest struct {
	Exchange string
	Symbol   string
	Side     Side
	Quantity decimal.Decimal
	Leverage decimal.Decimal
	ClientID string // idempotency key, optional
}

// PlacedOrder is a confirmed market fill.
type PlacedOrder struct {
	OrderID   string
	FillPrice decimal.Decimal
	FilledQty decimal.Decimal // zero when the venue does not report it
}

// ClosedPosition is the outcome of flattening a leg.
type ClosedPosition struct {
	FillPrice   decimal.Decimal
	RealizedPnl decimal.Decimal
	Fees        decimal.Decimal
}

// VenuePosition is what an exchange reports for a symbol/side.
type VenuePosition struct {
	Open       bool
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
}

// StopOrder is a protective stop-loss/take-profit pair for one leg.
type StopOrder struct {
	Exchange   string
	Symbol     string
	Side       Side
	Quantity   decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
}

// LegPnL returns the mark-to-market P&L of qty units bought (long) or sold
// (short) at entry and exited at exit.
func LegPnL(side Side, entry, exit, qty decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(entry)
	if side == SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}
