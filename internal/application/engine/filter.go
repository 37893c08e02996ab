package engine

import (
	"fmt"

	"github.com/alejandrodnm/hedger/internal/domain"
)

// FilterConfig holds the acceptance thresholds.
type FilterConfig struct {
	// MinSpreadPerHourPct rejects candidates with a lower hourly funding spread, in percent.
	MinSpreadPerHourPct float64
	// MinNetReturnPct rejects candidates with a lower expected net return.
	MinNetReturnPct float64
	// MinLiquidityScore rejects candidates whose thinnest leg scores below it.
	MinLiquidityScore float64
	// MaxOpenPairs caps live pairs (PLANNED..CLOSING). 0 = unlimited.
	MaxOpenPairs int
	// OnePairPerSymbol refuses a second live pair on the same symbol.
	OnePairPerSymbol bool
}

// DefaultFilterConfig returns conservative acceptance thresholds.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		MinSpreadPerHourPct: 0.001,
		MinNetReturnPct:     0.0,
		MinLiquidityScore:   0.0,
		MaxOpenPairs:        5,
		OnePairPerSymbol:    true,
	}
}

// Filter decides whether an evaluation becomes a pair.
type Filter struct {
	cfg FilterConfig
}

// NewFilter creates a Filter.
func NewFilter(cfg FilterConfig) *Filter {
	return &Filter{cfg: cfg}
}

// Check returns true when ev passes every threshold, otherwise the reason.
// live holds the non-terminal pairs.
func (f *Filter) Check(ev Evaluation, live []domain.PositionPair) (bool, string) {
	if !ev.Spread.IsProfitable {
		return false, "funding spread not profitable"
	}
	spreadPct, _ := ev.Spread.SpreadPerHourPercent().Float64()
	if f.cfg.MinSpreadPerHourPct > 0 && spreadPct < f.cfg.MinSpreadPerHourPct {
		return false, fmt.Sprintf("spread %.5f%%/h below %.5f%%/h", spreadPct, f.cfg.MinSpreadPerHourPct)
	}
	if ev.NetReturnPct < f.cfg.MinNetReturnPct {
		return false, fmt.Sprintf("net return %.3f%% below %.3f%%", ev.NetReturnPct, f.cfg.MinNetReturnPct)
	}
	if f.cfg.MinLiquidityScore > 0 && ev.LiquidityScore < f.cfg.MinLiquidityScore {
		return false, fmt.Sprintf("liquidity score %.2f below %.2f", ev.LiquidityScore, f.cfg.MinLiquidityScore)
	}

	open := 0
	for _, p := range live {
		if p.Status.IsTerminal() {
			continue
		}
		open++
		if f.cfg.OnePairPerSymbol && p.Symbol == ev.Symbol {
			return false, "symbol already has a live pair"
		}
	}
	if f.cfg.MaxOpenPairs > 0 && open >= f.cfg.MaxOpenPairs {
		return false, fmt.Sprintf("max open pairs reached (%d)", f.cfg.MaxOpenPairs)
	}
	return true, ""
}
