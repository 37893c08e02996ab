package domain

import "github.com/shopspring/decimal"

// CandidateLeg is one side of a proposed pair as seen by an opportunity feed.
type CandidateLeg struct {
	Quote FundingRateQuote
	Price decimal.Decimal
	Book  TopOfBook
}

// Candidate is a proposed pair. The engine only reacts to candidates; it never
// scans for them.
type Candidate struct {
	Symbol string
	LegA   CandidateLeg
	LegB   CandidateLeg
}

// Leg returns the candidate leg quoted on exchange.
func (c Candidate) Leg(exchange string) (CandidateLeg, bool) {
	switch exchange {
	case c.LegA.Quote.Exchange:
		return c.LegA, true
	case c.LegB.Quote.Exchange:
		return c.LegB, true
	}
	return CandidateLeg{}, false
}
