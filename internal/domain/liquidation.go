package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	one                   = decimal.NewFromInt(1)
	defaultSafetyMargin   = decimal.NewFromFloat(0.20)
	defaultCriticalMargin = decimal.NewFromFloat(0.10)
)

// LiquidationProfile holds the risk boundaries of a single leg.
// It is always re-derived from the leg's entry data and never persisted.
type LiquidationProfile struct {
	LiquidationPrice      decimal.Decimal
	BankruptcyPrice       decimal.Decimal
	SafeStopLoss          decimal.Decimal
	CriticalStopLoss      decimal.Decimal
	MaintenanceMarginRate decimal.Decimal
}

// LegRisk is the entry data needed to price the liquidation risk of one leg.
type LegRisk struct {
	EntryPrice            decimal.Decimal
	Leverage              decimal.Decimal
	Side                  Side
	MaintenanceMarginRate decimal.Decimal
}

// StopLevels are the synchronized protective prices of a hedged pair.
// PrimaryTakeProfit == HedgeStopLoss and HedgeTakeProfit == PrimaryStopLoss.
type StopLevels struct {
	PrimaryStopLoss   decimal.Decimal
	PrimaryTakeProfit decimal.Decimal
	HedgeStopLoss     decimal.Decimal
	HedgeTakeProfit   decimal.Decimal
}

// RiskCalculator computes liquidation profiles. SafetyMargin and CriticalMargin
// are fractions of the entry-to-liquidation distance kept between the stop and
// the liquidation price. Zero values fall back to 20% and 10%.
type RiskCalculator struct {
	SafetyMargin   decimal.Decimal
	CriticalMargin decimal.Decimal
}

// NewRiskCalculator returns a calculator with the given safety margin and the
// default critical margin.
func NewRiskCalculator(safetyMargin decimal.Decimal) RiskCalculator {
	return RiskCalculator{SafetyMargin: safetyMargin}
}

// Liquidation computes the profile with the default margins.
func Liquidation(entryPrice, leverage decimal.Decimal, side Side, mmr decimal.Decimal) (LiquidationProfile, error) {
	return RiskCalculator{}.Liquidation(entryPrice, leverage, side, mmr)
}

// Liquidation computes liquidation and bankruptcy prices for an isolated leg:
//
//	long:  liq = entry × (1 − 1/lev + mmr)   bankruptcy = entry × (1 − 1/lev)
//	short: liq = entry × (1 + 1/lev − mmr)   bankruptcy = entry × (1 + 1/lev)
//
// Stops sit between liquidation and entry so they are reached before bankruptcy.
func (rc RiskCalculator) Liquidation(entryPrice, leverage decimal.Decimal, side Side, mmr decimal.Decimal) (LiquidationProfile, error) {
	if !leverage.IsPositive() {
		return LiquidationProfile{}, fmt.Errorf("domain.Liquidation: leverage %s: %w", leverage, ErrInvalidLeverage)
	}
	if mmr.IsNegative() || mmr.GreaterThanOrEqual(one) {
		return LiquidationProfile{}, fmt.Errorf("domain.Liquidation: mmr %s: %w", mmr, ErrInvalidMaintenanceMarginRate)
	}
	if !entryPrice.IsPositive() {
		return LiquidationProfile{}, fmt.Errorf("domain.Liquidation: entry %s: %w", entryPrice, ErrInvalidPrice)
	}

	inv := one.Div(leverage)
	var liq, bankruptcy decimal.Decimal
	switch side {
	case SideLong:
		liq = entryPrice.Mul(one.Sub(inv).Add(mmr))
		bankruptcy = entryPrice.Mul(one.Sub(inv))
	case SideShort:
		liq = entryPrice.Mul(one.Add(inv).Sub(mmr))
		bankruptcy = entryPrice.Mul(one.Add(inv))
	default:
		return LiquidationProfile{}, fmt.Errorf("domain.Liquidation: side %q: %w", side, ErrInvalidHedgeConfiguration)
	}

	// entry - liq is signed, so the same expression moves toward entry for both sides.
	distance := entryPrice.Sub(liq)
	return LiquidationProfile{
		LiquidationPrice:      liq,
		BankruptcyPrice:       bankruptcy,
		SafeStopLoss:          liq.Add(distance.Mul(rc.safety())),
		CriticalStopLoss:      liq.Add(distance.Mul(rc.critical())),
		MaintenanceMarginRate: mmr,
	}, nil
}

// SynchronizedStopLevels derives one stop-loss and one take-profit per leg.
// Each leg's safe stop-loss becomes the other leg's take-profit: the price that
// threatens one side is where the opposite side is most profitable, so both
// orders fire together and the pair exits as a unit.
func (rc RiskCalculator) SynchronizedStopLevels(primary, hedge LegRisk) (StopLevels, error) {
	valid := (primary.Side == SideLong && hedge.Side == SideShort) ||
		(primary.Side == SideShort && hedge.Side == SideLong)
	if !valid {
		return StopLevels{}, fmt.Errorf("domain.SynchronizedStopLevels: primary=%q hedge=%q: %w",
			primary.Side, hedge.Side, ErrInvalidHedgeConfiguration)
	}

	pp, err := rc.Liquidation(primary.EntryPrice, primary.Leverage, primary.Side, primary.MaintenanceMarginRate)
	if err != nil {
		return StopLevels{}, fmt.Errorf("domain.SynchronizedStopLevels: primary: %w", err)
	}
	hp, err := rc.Liquidation(hedge.EntryPrice, hedge.Leverage, hedge.Side, hedge.MaintenanceMarginRate)
	if err != nil {
		return StopLevels{}, fmt.Errorf("domain.SynchronizedStopLevels: hedge: %w", err)
	}

	return StopLevels{
		PrimaryStopLoss:   pp.SafeStopLoss,
		PrimaryTakeProfit: hp.SafeStopLoss,
		HedgeStopLoss:     hp.SafeStopLoss,
		HedgeTakeProfit:   pp.SafeStopLoss,
	}, nil
}

// StopCrossed reports whether price has reached a stop level for a leg on side.
func StopCrossed(side Side, price, stop decimal.Decimal) bool {
	if side == SideLong {
		return price.LessThanOrEqual(stop)
	}
	return price.GreaterThanOrEqual(stop)
}

func (rc RiskCalculator) safety() decimal.Decimal {
	if rc.SafetyMargin.IsPositive() && rc.SafetyMargin.LessThan(one) {
		return rc.SafetyMargin
	}
	return defaultSafetyMargin
}

func (rc RiskCalculator) critical() decimal.Decimal {
	if rc.CriticalMargin.IsPositive() && rc.CriticalMargin.LessThan(one) {
		return rc.CriticalMargin
	}
	return defaultCriticalMargin
}
