package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_ConsecutiveLossesCooldown(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := &CircuitBreaker{MaxLosses: 2, CooldownDuration: time.Hour}

	cb.Record(dec("-1"), now)
	assert.True(t, cb.IsOpen(now))

	cb.Record(dec("-2"), now)
	assert.False(t, cb.IsOpen(now))
	assert.False(t, cb.IsOpen(now.Add(59*time.Minute)))
	assert.True(t, cb.IsOpen(now.Add(time.Hour)))
	assert.Equal(t, 0, cb.ConsecutiveLosses)
	assertDec(t, "-3", cb.TotalPnL)
}

func TestCircuitBreaker_WinResetsStreak(t *testing.T) {
	now := time.Now()
	cb := &CircuitBreaker{MaxLosses: 2, CooldownDuration: time.Hour}

	cb.Record(dec("-1"), now)
	cb.Record(dec("3"), now)
	cb.Record(dec("-1"), now)
	assert.True(t, cb.IsOpen(now))
	assert.Equal(t, 1, cb.ConsecutiveLosses)
}

func TestCircuitBreaker_MaxDrawdownTrips(t *testing.T) {
	now := time.Now()
	cb := &CircuitBreaker{MaxDrawdown: dec("-10")}

	cb.Record(dec("-6"), now)
	assert.True(t, cb.IsOpen(now))
	cb.Record(dec("-5"), now)
	assert.False(t, cb.IsOpen(now.Add(1000*time.Hour)))
	assert.Equal(t, "max drawdown exceeded", cb.TriggeredReason)

	cb.Reset()
	assert.True(t, cb.IsOpen(now))
	assertDec(t, "-11", cb.TotalPnL)
}

func TestCircuitBreaker_ZeroValueAlwaysOpen(t *testing.T) {
	cb := &CircuitBreaker{}
	now := time.Now()
	for i := 0; i < 10; i++ {
		cb.Record(dec("-100"), now)
	}
	assert.True(t, cb.IsOpen(now))
}
