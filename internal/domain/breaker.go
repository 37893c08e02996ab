package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CircuitBreaker tracks losing pairs and pauses new openings.
// Consecutive losses trigger a cooldown; cumulative P&L below MaxDrawdown
// trips it until an operator resets it.
type CircuitBreaker struct {
	ConsecutiveLosses int
	MaxLosses         int
	CooldownUntil     time.Time
	CooldownDuration  time.Duration
	TotalPnL          decimal.Decimal
	MaxDrawdown       decimal.Decimal // negative amount, zero disables
	Triggered         bool
	TriggeredReason   string
}

// IsOpen returns true if new pairs may be opened at now.
func (cb CircuitBreaker) IsOpen(now time.Time) bool {
	if cb.Triggered {
		return false
	}
	return !now.Before(cb.CooldownUntil)
}

// Record folds the P&L of a finished pair into the breaker.
func (cb *CircuitBreaker) Record(pnl decimal.Decimal, now time.Time) {
	cb.TotalPnL = cb.TotalPnL.Add(pnl)
	if pnl.IsNegative() {
		cb.ConsecutiveLosses++
		if cb.MaxLosses > 0 && cb.ConsecutiveLosses >= cb.MaxLosses {
			cb.CooldownUntil = now.Add(cb.CooldownDuration)
			cb.ConsecutiveLosses = 0
			cb.TriggeredReason = "consecutive losses"
		}
	} else {
		cb.ConsecutiveLosses = 0
	}
	if cb.MaxDrawdown.IsNegative() && cb.TotalPnL.LessThan(cb.MaxDrawdown) {
		cb.Triggered = true
		cb.TriggeredReason = "max drawdown exceeded"
	}
}

// Reset clears a tripped breaker, keeping the configured limits.
func (cb *CircuitBreaker) Reset() {
	cb.ConsecutiveLosses = 0
	cb.CooldownUntil = time.Time{}
	cb.Triggered = false
	cb.TriggeredReason = ""
}
