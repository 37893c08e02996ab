package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Convergence is the evaluation of a live pair against its exit thresholds.
type Convergence struct {
	CurrentSpread decimal.Decimal // percent
	Progress      float64         // 0..100
	Elapsed       time.Duration
	Reason        CloseReason // CloseNone when the pair should stay open
}

// ShouldClose reports whether a close was signalled.
func (c Convergence) ShouldClose() bool {
	return c.Reason != CloseNone
}

// EvaluateConvergence compares live prices with the pair's target spread,
// stop-loss spread and max holding time. At most one reason is reported, in
// priority order: target, stop-loss, holding time.
func EvaluateConvergence(p PositionPair, primaryPrice, hedgePrice decimal.Decimal, now time.Time) (Convergence, error) {
	current, err := PriceSpreadPercent(primaryPrice, hedgePrice)
	if err != nil {
		return Convergence{}, fmt.Errorf("domain.EvaluateConvergence %s: %w", p.ID, err)
	}

	c := Convergence{
		CurrentSpread: current,
		Elapsed:       p.HeldFor(now),
	}
	if p.TargetSpread.Valid {
		c.Progress = ConvergenceProgress(p.EntrySpread, current, p.TargetSpread.Decimal)
	}

	switch {
	case p.TargetSpread.Valid && current.LessThanOrEqual(p.TargetSpread.Decimal):
		c.Reason = CloseTargetReached
	case p.StopLossSpread.Valid && current.Sub(p.EntrySpread).GreaterThanOrEqual(p.StopLossSpread.Decimal):
		c.Reason = CloseStopLoss
	case p.MaxHolding > 0 && c.Elapsed >= p.MaxHolding:
		c.Reason = CloseMaxHoldingTime
	}
	return c, nil
}

// ConvergenceProgress returns how far the spread has travelled from entry to
// target in percent, clamped to [0, 100].
func ConvergenceProgress(entry, current, target decimal.Decimal) float64 {
	span := entry.Sub(target)
	if span.IsZero() {
		if current.LessThanOrEqual(target) {
			return 100
		}
		return 0
	}
	progress, _ := entry.Sub(current).Div(span).Mul(hundred).Float64()
	switch {
	case progress < 0:
		return 0
	case progress > 100:
		return 100
	}
	return progress
}
