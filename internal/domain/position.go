package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a leg.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// PairStatus is the lifecycle state of a PositionPair.
type PairStatus string

const (
	StatusPlanned   PairStatus = "PLANNED"
	StatusOpening   PairStatus = "OPENING"
	StatusActive    PairStatus = "ACTIVE"
	StatusClosing   PairStatus = "CLOSING"
	StatusCompleted PairStatus = "COMPLETED"
	StatusPartial   PairStatus = "PARTIAL"
	StatusError     PairStatus = "ERROR"
)

// transitions lists the forward moves of the state machine. ERROR is reachable
// from every non-terminal status and is handled separately.
var transitions = map[PairStatus][]PairStatus{
	StatusPlanned: {StatusOpening},
	StatusOpening: {StatusActive, StatusPartial},
	StatusActive:  {StatusClosing},
	StatusClosing: {StatusCompleted, StatusPartial},
}

// IsTerminal reports whether no further transition is permitted.
func (s PairStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusPartial || s == StatusError
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to PairStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusError {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LegStatus is the lifecycle state of one leg.
type LegStatus string

const (
	LegStatusPlanned LegStatus = "PLANNED"
	LegStatusOpen    LegStatus = "OPEN"
	LegStatusClosing LegStatus = "CLOSING"
	LegStatusClosed  LegStatus = "CLOSED"
	LegStatusFailed  LegStatus = "FAILED"
)

// LegState is a closed set of per-status leg data. Each variant carries only
// the fields valid in that status.
type LegState interface {
	Status() LegStatus
	isLegState()
}

// Fill is the confirmed entry of a leg.
type Fill struct {
	OrderID    string
	EntryPrice decimal.Decimal
	Quantity   decimal.Decimal
	OpenedAt   time.Time
}

// LegPlanned: no order sent yet.
type LegPlanned struct{}

// LegOpen: entry confirmed by the exchange.
type LegOpen struct {
	Entry Fill
}

// LegClosing: close submitted, outcome unknown.
type LegClosing struct {
	Entry Fill
}

// LegClosed: exit confirmed by the exchange.
type LegClosed struct {
	Entry       Fill
	ExitPrice   decimal.Decimal
	RealizedPnl decimal.Decimal
	Fees        decimal.Decimal
	ClosedAt    time.Time
}

// LegFailed: the leg's last exchange call failed. Entry is nil when the leg
// never opened; otherwise the position may still be live on the exchange.
type LegFailed struct {
	Entry  *Fill
	Stage  Stage
	Reason string
}

func (LegPlanned) Status() LegStatus { return LegStatusPlanned }
func (LegOpen) Status() LegStatus    { return LegStatusOpen }
func (LegClosing) Status() LegStatus { return LegStatusClosing }
func (LegClosed) Status() LegStatus  { return LegStatusClosed }
func (LegFailed) Status() LegStatus  { return LegStatusFailed }

func (LegPlanned) isLegState() {}
func (LegOpen) isLegState()    {}
func (LegClosing) isLegState() {}
func (LegClosed) isLegState()  {}
func (LegFailed) isLegState()  {}

// Leg is one side of a hedged pair. Legs are owned by exactly one pair.
type Leg struct {
	Exchange string
	Symbol   string
	Side     Side
	Leverage decimal.Decimal
	Quantity decimal.Decimal // requested size
	State    LegState
}

// Status returns the leg's status; a nil state counts as planned.
func (l Leg) Status() LegStatus {
	if l.State == nil {
		return LegStatusPlanned
	}
	return l.State.Status()
}

// Entry returns the confirmed fill of the leg, if it ever opened.
func (l Leg) Entry() (Fill, bool) {
	switch s := l.State.(type) {
	case LegOpen:
		return s.Entry, true
	case LegClosing:
		return s.Entry, true
	case LegClosed:
		return s.Entry, true
	case LegFailed:
		if s.Entry != nil {
			return *s.Entry, true
		}
	}
	return Fill{}, false
}

// Risk returns the inputs to the liquidation calculator for an opened leg.
func (l Leg) Risk(mmr decimal.Decimal) (LegRisk, bool) {
	entry, ok := l.Entry()
	if !ok {
		return LegRisk{}, false
	}
	return LegRisk{
		EntryPrice:            entry.EntryPrice,
		Leverage:              l.Leverage,
		Side:                  l.Side,
		MaintenanceMarginRate: mmr,
	}, true
}

// Outcome returns realized P&L and fees of a closed leg.
func (l Leg) Outcome() (pnl, fees decimal.Decimal, ok bool) {
	if c, isClosed := l.State.(LegClosed); isClosed {
		return c.RealizedPnl, c.Fees, true
	}
	return decimal.Zero, decimal.Zero, false
}

// CloseReason records why a pair was closed.
type CloseReason string

const (
	CloseNone             CloseReason = ""
	CloseTargetReached    CloseReason = "TARGET_REACHED"
	CloseStopLoss         CloseReason = "STOP_LOSS"
	CloseMaxHoldingTime   CloseReason = "MAX_HOLDING_TIME"
	CloseLiquidationGuard CloseReason = "LIQUIDATION_GUARD"
	CloseOperator         CloseReason = "OPERATOR"
)

// PositionPair is the aggregate root: two legs on different exchanges opened,
// monitored and closed together.
type PositionPair struct {
	ID      string
	Symbol  string
	Primary Leg
	Hedge   Leg
	Status  PairStatus

	EntrySpread        decimal.Decimal // price spread in percent at entry
	EntryFundingSpread decimal.Decimal // funding spread per hour at entry
	TargetSpread       decimal.NullDecimal
	StopLossSpread     decimal.NullDecimal
	MaxHolding         time.Duration // 0 = no limit

	CreatedAt time.Time
	OpenedAt  *time.Time
	ClosedAt  *time.Time

	CloseReason  CloseReason
	RealizedPnl  decimal.Decimal
	ErrorStage   Stage
	ErrorMessage string
}

// NewPositionPair builds a PLANNED pair from two planned legs.
func NewPositionPair(id, symbol string, primary, hedge Leg, createdAt time.Time) PositionPair {
	primary.State = LegPlanned{}
	hedge.State = LegPlanned{}
	return PositionPair{
		ID:          id,
		Symbol:      symbol,
		Primary:     primary,
		Hedge:       hedge,
		Status:      StatusPlanned,
		RealizedPnl: decimal.Zero,
		CreatedAt:   createdAt,
	}
}

// Transition moves the pair to status to. Moving to ACTIVE requires both legs OPEN.
func (p *PositionPair) Transition(to PairStatus) error {
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("domain.Transition %s: %s → %s: %w", p.ID, p.Status, to, ErrInvalidTransition)
	}
	if to == StatusActive && (p.Primary.Status() != LegStatusOpen || p.Hedge.Status() != LegStatusOpen) {
		return fmt.Errorf("domain.Transition %s: ACTIVE with legs %s/%s: %w",
			p.ID, p.Primary.Status(), p.Hedge.Status(), ErrInvalidTransition)
	}
	p.Status = to
	return nil
}

// Fail moves the pair to ERROR (or PARTIAL when partial is true) and records
// the originating stage and raw message for audit.
func (p *PositionPair) Fail(stage Stage, message string, partial bool) error {
	to := StatusError
	if partial {
		to = StatusPartial
	}
	if err := p.Transition(to); err != nil {
		return err
	}
	p.ErrorStage = stage
	p.ErrorMessage = message
	return nil
}

// ComputePnL returns primaryPnl + hedgePnl − primaryFees − hedgeFees over the
// legs that are closed.
func (p PositionPair) ComputePnL() decimal.Decimal {
	total := decimal.Zero
	for _, leg := range []Leg{p.Primary, p.Hedge} {
		if pnl, fees, ok := leg.Outcome(); ok {
			total = total.Add(pnl).Sub(fees)
		}
	}
	return total
}

// HeldFor returns the time since the pair became ACTIVE.
func (p PositionPair) HeldFor(now time.Time) time.Duration {
	if p.OpenedAt == nil {
		return 0
	}
	return now.Sub(*p.OpenedAt)
}

// LegBy returns a pointer to the primary leg when primary is true, else the hedge.
func (p *PositionPair) LegBy(primary bool) *Leg {
	if primary {
		return &p.Primary
	}
	return &p.Hedge
}
