package feed

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/alejandrodnm/hedger/internal/domain"
	"github.com/alejandrodnm/hedger/internal/ports"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const defaultPollInterval = 5 * time.Minute

// MarketData is what the poller reads from the venues.
type MarketData interface {
	ports.MarketDataProvider
	GetLivePrice(ctx context.Context, exchange, symbol string) (decimal.Decimal, error)
}

// PollerConfig configures a FundingPoller.
type PollerConfig struct {
	Symbols   []string
	Exchanges []string
	Interval  time.Duration
	Workers   int
}

// FundingPoller polls every venue for every symbol and emits one candidate
// per symbol and exchange pair. Fetches run on a bounded worker pool; a venue
// that fails is skipped for that round.
type FundingPoller struct {
	md  MarketData
	cfg PollerConfig
}

// NewFundingPoller creates a FundingPoller. Workers <= 0 uses NumCPU × 2.
func NewFundingPoller(md MarketData, cfg PollerConfig) *FundingPoller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU() * 2
	}
	return &FundingPoller{md: md, cfg: cfg}
}

// Candidates polls immediately and then every Interval until ctx is done.
func (p *FundingPoller) Candidates(ctx context.Context) (<-chan domain.Candidate, error) {
	ch := make(chan domain.Candidate)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			for _, c := range p.Poll(ctx) {
				select {
				case ch <- c:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch, nil
}

type snapshotKey struct {
	symbol   string
	exchange string
}

type snapshot struct {
	key snapshotKey
	leg domain.CandidateLeg
}

// Poll runs one round and returns the candidates built from it.
func (p *FundingPoller) Poll(ctx context.Context) []domain.Candidate {
	start := time.Now()
	legs := make(map[snapshotKey]domain.CandidateLeg)
	results := make(chan snapshot, len(p.cfg.Symbols)*len(p.cfg.Exchanges))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for _, symbol := range p.cfg.Symbols {
		for _, exchange := range p.cfg.Exchanges {
			g.Go(func() error {
				leg, err := p.fetchLeg(gctx, exchange, symbol)
				if err != nil {
					slog.Warn("feed: venue skipped", "exchange", exchange, "symbol", symbol, "err", err)
					return nil
				}
				results <- snapshot{snapshotKey{symbol, exchange}, leg}
				return nil
			})
		}
	}
	_ = g.Wait()
	close(results)
	for r := range results {
		legs[r.key] = r.leg
	}

	var out []domain.Candidate
	for _, symbol := range p.cfg.Symbols {
		for i := 0; i < len(p.cfg.Exchanges); i++ {
			a, ok := legs[snapshotKey{symbol, p.cfg.Exchanges[i]}]
			if !ok {
				continue
			}
			for j := i + 1; j < len(p.cfg.Exchanges); j++ {
				b, ok := legs[snapshotKey{symbol, p.cfg.Exchanges[j]}]
				if !ok {
					continue
				}
				out = append(out, domain.Candidate{Symbol: symbol, LegA: a, LegB: b})
			}
		}
	}
	slog.Debug("feed: poll done", "candidates", len(out), "venues_ok", len(legs),
		"duration", time.Since(start).Round(time.Millisecond))
	return out
}

// fetchLeg reads quote, book and mark price for one venue concurrently.
func (p *FundingPoller) fetchLeg(ctx context.Context, exchange, symbol string) (domain.CandidateLeg, error) {
	var leg domain.CandidateLeg
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		q, err := p.md.FundingRate(gctx, exchange, symbol)
		leg.Quote = q
		return err
	})
	g.Go(func() error {
		b, err := p.md.TopOfBook(gctx, exchange, symbol)
		leg.Book = b
		return err
	})
	g.Go(func() error {
		price, err := p.md.GetLivePrice(gctx, exchange, symbol)
		leg.Price = price
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.CandidateLeg{}, err
	}
	if leg.Book.IsEmpty() {
		slog.Debug("feed: empty book, leg scores zero", "exchange", exchange, "symbol", symbol)
	}
	return leg, nil
}
