package engine

import (
	"time"

	"github.com/rs/zerolog/log"

	"splitbot/internal/cfg"
	"splitbot/internal/ledger"
	"splitbot/internal/marketdata"
)

// StopDecision is the whole-position stop-loss verdict.
type StopDecision struct {
	Trigger   bool
	Reason    string
	LossPct   float64 // aggregate return against the weighted entry
	Threshold float64 // effective threshold after adjustments
}

// StopLoss evaluates the whole-position adaptive stop over all open
// tranches jointly, never per tranche.
type StopLoss struct {
	cfg *cfg.Settings
}

func NewStopLoss(c *cfg.Settings) *StopLoss {
	return &StopLoss{cfg: c}
}

// Threshold returns the effective stop level in percent (negative) for
// the given open-tranche count and volatility. More committed capital
// and higher volatility both loosen the stop.
func (s *StopLoss) Threshold(openCount int, volatilityPct, instrumentShift float64) float64 {
	sl := s.cfg.StopLoss
	var base float64
	switch {
	case openCount <= 1:
		base = sl.ThresholdOneOpen
	case openCount == 2:
		base = sl.ThresholdTwoOpen
	default:
		base = sl.ThresholdManyOpen
	}
	switch {
	case volatilityPct > sl.HighVolThreshold:
		base += sl.HighVolAdjust
	case volatilityPct > sl.MediumVolThreshold:
		base += sl.MediumVolAdjust
	}
	return base + instrumentShift
}

// Evaluate checks the position against the adaptive stop and the
// stale-position capitulation rule.
func (s *StopLoss) Evaluate(pos *ledger.Position, snap marketdata.Snapshot, now time.Time) StopDecision {
	open := pos.OpenTranches()
	if len(open) == 0 {
		return StopDecision{}
	}
	avg := pos.AvgEntryPrice()
	if avg <= 0 || snap.Price <= 0 {
		return StopDecision{}
	}
	loss := (snap.Price - avg) / avg * 100

	ic := s.cfg.ForInstrument(pos.Instrument)
	threshold := s.Threshold(len(open), snap.VolatilityPct, ic.StopLossShift)
	dec := StopDecision{LossPct: loss, Threshold: threshold}

	// Stale-position capitulation overrides the volatility-adjusted
	// stop once the oldest tranche has aged past the day thresholds.
	sl := s.cfg.StopLoss
	if oldest, ok := pos.OldestOpenEntry(); ok {
		heldDays := int(now.Sub(oldest).Hours() / 24)
		if heldDays >= sl.StaleDaysHard && loss <= sl.StaleLossHard {
			dec.Trigger = true
			dec.Reason = "stale_position_hard"
			return dec
		}
		if heldDays >= sl.StaleDaysSoft && loss <= sl.StaleLossSoft {
			dec.Trigger = true
			dec.Reason = "stale_position"
			return dec
		}
	}

	if loss <= threshold {
		dec.Trigger = true
		dec.Reason = "stop_loss"
		log.Warn().
			Str("instrument", pos.Instrument).
			Float64("loss_pct", loss).
			Float64("threshold", threshold).
			Int("open_tranches", len(open)).
			Msg("whole-position stop breached")
	}
	return dec
}
