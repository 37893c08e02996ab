package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/hedger/internal/domain"
)

// OpportunityFeed produces candidate pairs. The channel is closed when the
// feed is exhausted or ctx is done.
type OpportunityFeed interface {
	Candidates(ctx context.Context) (<-chan domain.Candidate, error)
}

// Clock is the time source, injectable for tests.
type Clock interface {
	Now() time.Time
}
