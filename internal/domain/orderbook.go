package domain

// TopOfBook is the best level on each side of a venue's order book.
type TopOfBook struct {
	BidPrice float64
	BidSize  float64
	AskPrice float64
	AskSize  float64
}

// Midpoint returns the mid price, or 0 when either side is empty.
func (t TopOfBook) Midpoint() float64 {
	if t.BidPrice <= 0 || t.AskPrice <= 0 {
		return 0
	}
	return (t.BidPrice + t.AskPrice) / 2
}

// LiquidityScore scores the book's top level with LiquidityScore.
func (t TopOfBook) LiquidityScore() float64 {
	return LiquidityScore(t.BidSize, t.AskSize)
}

// IsEmpty reports whether the book carries no sizes at all.
func (t TopOfBook) IsEmpty() bool {
	return t.BidSize <= 0 && t.AskSize <= 0
}
