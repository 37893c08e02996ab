package engine

import (
	"fmt"

	"github.com/alejandrodnm/hedger/internal/domain"
	"github.com/shopspring/decimal"
)

// Evaluation is a candidate scored for acceptance: funding spread and leg
// assignment, liquidity of the worse leg and the projected net return.
type Evaluation struct {
	Symbol  string
	Spread  domain.SpreadResult
	Primary domain.CandidateLeg
	Hedge   domain.CandidateLeg

	LiquidityScore float64 // worst of the two legs
	PriceImpactPct float64
	FundingAbsPct  float64 // spread × 100 × expected holding hours
	NetReturnPct   float64

	PrimaryPrice   decimal.Decimal
	HedgePrice     decimal.Decimal
	EntrySpreadPct decimal.Decimal
}

// Evaluate computes the funding spread of c, assigns primary/hedge and
// projects the net return over holdingHours with round-trip feesPct.
func Evaluate(c domain.Candidate, holdingHours, feesPct float64) (Evaluation, error) {
	if c.LegA.Quote.Exchange == "" || c.LegA.Quote.Exchange == c.LegB.Quote.Exchange {
		return Evaluation{}, fmt.Errorf("engine.Evaluate %s: exchanges %q/%q: %w",
			c.Symbol, c.LegA.Quote.Exchange, c.LegB.Quote.Exchange, domain.ErrInvalidHedgeConfiguration)
	}

	spread, err := domain.ComputeSpread(c.LegA.Quote, c.LegB.Quote)
	if err != nil {
		return Evaluation{}, fmt.Errorf("engine.Evaluate %s: %w", c.Symbol, err)
	}
	primary, _ := c.Leg(spread.PrimaryExchange)
	hedge, _ := c.Leg(spread.HedgeExchange)

	primaryPrice := legPrice(primary)
	hedgePrice := legPrice(hedge)
	entry, err := domain.PriceSpreadPercent(primaryPrice, hedgePrice)
	if err != nil {
		return Evaluation{}, fmt.Errorf("engine.Evaluate %s: %w", c.Symbol, err)
	}

	score := primary.Book.LiquidityScore()
	if s := hedge.Book.LiquidityScore(); s < score {
		score = s
	}
	fundingAbs, _ := spread.SpreadPerHourPercent().Abs().Float64()
	fundingAbs *= holdingHours

	return Evaluation{
		Symbol:         c.Symbol,
		Spread:         spread,
		Primary:        primary,
		Hedge:          hedge,
		LiquidityScore: score,
		PriceImpactPct: domain.EstimatePriceImpact(score),
		FundingAbsPct:  fundingAbs,
		NetReturnPct:   domain.ExpectedNetReturn(fundingAbs, score, feesPct),
		PrimaryPrice:   primaryPrice,
		HedgePrice:     hedgePrice,
		EntrySpreadPct: entry,
	}, nil
}

// legPrice prefers the quoted mark price and falls back to the book midpoint.
func legPrice(l domain.CandidateLeg) decimal.Decimal {
	if l.Price.IsPositive() {
		return l.Price
	}
	return decimal.NewFromFloat(l.Book.Midpoint())
}
