package domain

import "math"

const (
	minPriceImpactPct = 0.2
	maxPriceImpactPct = 3.0

	// captureRate is the fraction of the theoretical price impact assumed to be
	// paid: entry and exit never both happen at the exact best price.
	captureRate = 0.5
)

// LiquidityScore returns bidSize / askSize. A non-positive size on either side
// yields 0, the worst score.
func LiquidityScore(bidSize, askSize float64) float64 {
	if bidSize <= 0 || askSize <= 0 {
		return 0
	}
	return bidSize / askSize
}

// EstimatePriceImpact returns the expected entry/exit slippage in percent.
// Impact is inversely proportional to the liquidity score and clamped to
// [0.2%, 3.0%] so degenerate books cannot produce runaway projections.
func EstimatePriceImpact(liquidityScore float64) float64 {
	if liquidityScore <= 0 || math.IsNaN(liquidityScore) {
		return maxPriceImpactPct
	}
	impact := 1.0 / liquidityScore
	return math.Min(maxPriceImpactPct, math.Max(minPriceImpactPct, impact))
}

// ExpectedNetReturn returns the net expected return in percent for a candidate:
//
//	net = fundingRateAbsPercent − priceImpact × captureRate − tradingFeesPercent
//
// tradingFeesPercent is the round-trip fee (open + close, both legs).
// Decision support only: it gates candidates before a pair is created.
func ExpectedNetReturn(fundingRateAbsPercent, liquidityScore, tradingFeesPercent float64) float64 {
	impact := EstimatePriceImpact(liquidityScore)
	return math.Abs(fundingRateAbsPercent) - impact*captureRate - tradingFeesPercent
}
