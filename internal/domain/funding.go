package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// FundingRateQuote is a funding snapshot for one symbol on one exchange.
// Rate is the raw rate paid per funding interval.
type FundingRateQuote struct {
	Exchange      string
	Symbol        string
	Rate          decimal.Decimal
	IntervalHours int
}

// SpreadResult is the hourly funding spread between two legs and the
// primary/hedge assignment derived from it. Computed fresh on every evaluation.
type SpreadResult struct {
	SpreadPerHour      decimal.Decimal
	PrimaryExchange    string
	HedgeExchange      string
	PrimaryRatePerHour decimal.Decimal
	HedgeRatePerHour   decimal.Decimal
	IsProfitable       bool
}

// SpreadPerHourPercent returns the hourly spread expressed in percent.
func (s SpreadResult) SpreadPerHourPercent() decimal.Decimal {
	return s.SpreadPerHour.Mul(hundred)
}

// NormalizeRate converts a per-interval funding rate to a 1-hour basis.
// A non-positive interval is a data-quality error and is never defaulted.
func NormalizeRate(rate decimal.Decimal, intervalHours int) (decimal.Decimal, error) {
	if intervalHours <= 0 {
		return decimal.Zero, fmt.Errorf("domain.NormalizeRate: interval %dh: %w", intervalHours, ErrInvalidInterval)
	}
	return rate.Div(decimal.NewFromInt(int64(intervalHours))), nil
}

// ComputeSpread decides which leg is primary and returns the hourly spread.
//
// The leg with the larger absolute hourly rate is primary (opened long), the
// other is hedge (opened short). On equal magnitudes legA stays primary.
//
//	spreadPerHour = |primaryRatePerHour| + hedgeRatePerHour
//
// The asymmetry is intentional: the long primary always nets the magnitude of
// its own rate while the hedge's signed rate adds or subtracts.
func ComputeSpread(legA, legB FundingRateQuote) (SpreadResult, error) {
	rateA, err := NormalizeRate(legA.Rate, legA.IntervalHours)
	if err != nil {
		return SpreadResult{}, fmt.Errorf("domain.ComputeSpread: %s: %w", legA.Exchange, err)
	}
	rateB, err := NormalizeRate(legB.Rate, legB.IntervalHours)
	if err != nil {
		return SpreadResult{}, fmt.Errorf("domain.ComputeSpread: %s: %w", legB.Exchange, err)
	}

	primary, hedge := legA, legB
	primaryRate, hedgeRate := rateA, rateB
	if rateB.Abs().GreaterThan(rateA.Abs()) {
		primary, hedge = legB, legA
		primaryRate, hedgeRate = rateB, rateA
	}

	spread := primaryRate.Abs().Add(hedgeRate)
	return SpreadResult{
		SpreadPerHour:      spread,
		PrimaryExchange:    primary.Exchange,
		HedgeExchange:      hedge.Exchange,
		PrimaryRatePerHour: primaryRate,
		HedgeRatePerHour:   hedgeRate,
		IsProfitable:       spread.IsPositive(),
	}, nil
}

// PriceSpreadPercent returns the relative price gap of the hedge leg over the
// primary leg in percent: (hedge - primary) / primary × 100.
// Entry spreads and live convergence spreads are both computed here.
func PriceSpreadPercent(primaryPrice, hedgePrice decimal.Decimal) (decimal.Decimal, error) {
	if !primaryPrice.IsPositive() || !hedgePrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("domain.PriceSpreadPercent: primary=%s hedge=%s: %w",
			primaryPrice, hedgePrice, ErrInvalidPrice)
	}
	return hedgePrice.Sub(primaryPrice).Div(primaryPrice).Mul(hundred), nil
}
