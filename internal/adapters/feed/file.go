package feed

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alejandrodnm/hedger/internal/domain"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// FileFeed emits the candidates listed in a YAML file once, then closes.
//
//	candidates:
//	  - symbol: BTCUSDT
//	    legs:
//	      - exchange: bybit
//	        rate: "0.0001"
//	        interval_hours: 8
//	        price: "45000"
//	        book: {bid_price: 44999, bid_size: 12, ask_price: 45001, ask_size: 9}
//	      - exchange: binance
//	        ...
type FileFeed struct {
	path string
}

// NewFileFeed creates a FileFeed reading path.
func NewFileFeed(path string) *FileFeed {
	return &FileFeed{path: path}
}

type fileDoc struct {
	Candidates []fileCandidate `yaml:"candidates"`
}

type fileCandidate struct {
	Symbol string    `yaml:"symbol"`
	Legs   []fileLeg `yaml:"legs"`
}

type fileLeg struct {
	Exchange      string   `yaml:"exchange"`
	Rate          string   `yaml:"rate"`
	IntervalHours int      `yaml:"interval_hours"`
	Price         string   `yaml:"price"`
	Book          fileBook `yaml:"book"`
}

type fileBook struct {
	BidPrice float64 `yaml:"bid_price"`
	BidSize  float64 `yaml:"bid_size"`
	AskPrice float64 `yaml:"ask_price"`
	AskSize  float64 `yaml:"ask_size"`
}

// Candidates parses the file up front so a malformed file fails fast.
func (f *FileFeed) Candidates(ctx context.Context) (<-chan domain.Candidate, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("feed.FileFeed: read %s: %w", f.path, err)
	}
	candidates, err := ParseCandidates(data)
	if err != nil {
		return nil, fmt.Errorf("feed.FileFeed: %s: %w", f.path, err)
	}
	slog.Info("feed: candidates loaded", "file", f.path, "count", len(candidates))

	ch := make(chan domain.Candidate)
	go func() {
		defer close(ch)
		for _, c := range candidates {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// ParseCandidates decodes a candidates YAML document.
func ParseCandidates(data []byte) ([]domain.Candidate, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	out := make([]domain.Candidate, 0, len(doc.Candidates))
	for i, fc := range doc.Candidates {
		if fc.Symbol == "" {
			return nil, fmt.Errorf("candidate %d: missing symbol", i)
		}
		if len(fc.Legs) != 2 {
			return nil, fmt.Errorf("candidate %d (%s): want 2 legs, got %d", i, fc.Symbol, len(fc.Legs))
		}
		a, err := fc.Legs[0].toDomain(fc.Symbol)
		if err != nil {
			return nil, fmt.Errorf("candidate %d (%s): %w", i, fc.Symbol, err)
		}
		b, err := fc.Legs[1].toDomain(fc.Symbol)
		if err != nil {
			return nil, fmt.Errorf("candidate %d (%s): %w", i, fc.Symbol, err)
		}
		out = append(out, domain.Candidate{Symbol: fc.Symbol, LegA: a, LegB: b})
	}
	return out, nil
}

func (l fileLeg) toDomain(symbol string) (domain.CandidateLeg, error) {
	if l.Exchange == "" {
		return domain.CandidateLeg{}, fmt.Errorf("leg missing exchange")
	}
	rate, err := decimal.NewFromString(l.Rate)
	if err != nil {
		return domain.CandidateLeg{}, fmt.Errorf("%s rate %q: %w", l.Exchange, l.Rate, err)
	}
	price := decimal.Zero
	if l.Price != "" {
		price, err = decimal.NewFromString(l.Price)
		if err != nil {
			return domain.CandidateLeg{}, fmt.Errorf("%s price %q: %w", l.Exchange, l.Price, err)
		}
	}
	return domain.CandidateLeg{
		Quote: domain.FundingRateQuote{
			Exchange:      l.Exchange,
			Symbol:        symbol,
			Rate:          rate,
			IntervalHours: l.IntervalHours,
		},
		Price: price,
		Book: domain.TopOfBook{
			BidPrice: l.Book.BidPrice,
			BidSize:  l.Book.BidSize,
			AskPrice: l.Book.AskPrice,
			AskSize:  l.Book.AskSize,
		},
	}, nil
}
