package ports

import (
	"context"

	"github.com/alejandrodnm/hedger/internal/domain"
)

// PositionStore persists position pairs and their audit trail.
type PositionStore interface {
	// Save writes the pair and appends ev in one unit. Called after every
	// state change, before the result is reported to callers.
	Save(ctx context.Context, p domain.PositionPair, ev domain.PairEvent) error

	// Load returns the pair or domain.ErrPairNotFound.
	Load(ctx context.Context, id string) (domain.PositionPair, error)

	// List returns pairs in any of the given statuses, all pairs when none
	// are given, oldest first.
	List(ctx context.Context, statuses ...domain.PairStatus) ([]domain.PositionPair, error)

	// Events returns the audit trail of a pair, oldest first.
	Events(ctx context.Context, pairID string) ([]domain.PairEvent, error)

	Close() error
}

// BreakerStore persists the circuit breaker across restarts.
type BreakerStore interface {
	SaveCircuitBreaker(ctx context.Context, cb domain.CircuitBreaker) error
	// LoadCircuitBreaker returns the zero value when nothing was saved yet.
	LoadCircuitBreaker(ctx context.Context) (domain.CircuitBreaker, error)
}
