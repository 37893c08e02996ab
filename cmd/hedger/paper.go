package main

import (
	"context"
	"log/slog"

	"github.com/alejandrodnm/hedger/internal/adapters/exchange"
	"github.com/alejandrodnm/hedger/internal/domain"
	"github.com/alejandrodnm/hedger/internal/ports"
)

// paperFeed forwards candidates and first marks the paper venues with the
// prices, funding and book each candidate carries, so simulated fills happen
// at the prices the candidate was evaluated with.
type paperFeed struct {
	inner  ports.OpportunityFeed
	venues map[string]*exchange.PaperVenue
}

func newPaperFeed(inner ports.OpportunityFeed, venues map[string]*exchange.PaperVenue) *paperFeed {
	return &paperFeed{inner: inner, venues: venues}
}

func (f *paperFeed) Candidates(ctx context.Context) (<-chan domain.Candidate, error) {
	in, err := f.inner.Candidates(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan domain.Candidate)
	go func() {
		defer close(out)
		for c := range in {
			f.mark(c)
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (f *paperFeed) mark(c domain.Candidate) {
	for _, leg := range []domain.CandidateLeg{c.LegA, c.LegB} {
		v, ok := f.venues[leg.Quote.Exchange]
		if !ok {
			slog.Debug("paper: candidate leg on unknown venue", "exchange", leg.Quote.Exchange, "symbol", c.Symbol)
			continue
		}
		if leg.Price.IsPositive() {
			v.SetPrice(c.Symbol, leg.Price)
		}
		if leg.Quote.IntervalHours > 0 {
			v.SetFunding(c.Symbol, leg.Quote.Rate, leg.Quote.IntervalHours)
		}
		if leg.Book.BidPrice > 0 && leg.Book.AskPrice > 0 {
			v.SetBook(c.Symbol, leg.Book)
		}
	}
}
