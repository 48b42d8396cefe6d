package engine

import (
	"github.com/rs/zerolog/log"

	"splitbot/internal/broker"
	"splitbot/internal/cfg"
	"splitbot/internal/marketdata"
)

// Allocator computes the capital ceiling available to the engine this
// cycle: base budget scaled by a trailing-performance multiplier, then
// capped by a regime-sized free-cash reserve and an equity fraction.
type Allocator struct {
	cfg cfg.BudgetConfig
}

func NewAllocator(c cfg.BudgetConfig) *Allocator {
	return &Allocator{cfg: c}
}

// Multiplier maps the trailing performance ratio to a budget scale.
// Monotonic step function, always within [0.7, 1.4].
func (a *Allocator) Multiplier(perf float64) float64 {
	switch {
	case perf >= 0.20:
		return 1.4
	case perf >= 0.12:
		return 1.3
	case perf >= 0.08:
		return 1.2
	case perf >= 0.04:
		return 1.1
	case perf >= -0.04:
		return 1.0
	case perf >= -0.08:
		return 0.9
	case perf >= -0.12:
		return 0.8
	default:
		return 0.7
	}
}

// usableCashRatio shrinks the spendable share of free cash as the
// market regime deteriorates.
func (a *Allocator) usableCashRatio(trend marketdata.Trend) float64 {
	switch trend {
	case marketdata.TrendStrongDown:
		return a.cfg.SafetyCashRatio * 0.6
	case marketdata.TrendDown:
		return a.cfg.SafetyCashRatio * 0.75
	default:
		return a.cfg.SafetyCashRatio
	}
}

// Deployable returns the budget for this cycle. An external override,
// when configured, bypasses the multiplier but both caps still apply.
func (a *Allocator) Deployable(perf float64, bal broker.Balance, regime marketdata.Trend) float64 {
	budget := a.cfg.BaseBudget * a.Multiplier(perf)
	if a.cfg.ExternalOverride > 0 {
		budget = a.cfg.ExternalOverride
	}

	cashCap := bal.FreeCash * a.usableCashRatio(regime)
	equityCap := bal.TotalEquity * a.cfg.EquityFraction
	if budget > cashCap {
		budget = cashCap
	}
	if budget > equityCap {
		budget = equityCap
	}
	if budget < 0 {
		budget = 0
	}
	log.Debug().
		Float64("perf", perf).
		Float64("cash_cap", cashCap).
		Float64("equity_cap", equityCap).
		Float64("deployable", budget).
		Msg("budget computed")
	return budget
}
