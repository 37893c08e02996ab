package ports

import (
	"context"

	"github.com/alejandrodnm/hedger/internal/domain"
)

// Notifier is told about every persisted pair change.
type Notifier interface {
	NotifyTransition(ctx context.Context, p domain.PositionPair, ev domain.PairEvent) error
}
