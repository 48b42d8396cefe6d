package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"splitbot/internal/cfg"
	"splitbot/internal/ledger"
	"splitbot/internal/marketdata"
	"splitbot/internal/sentiment"
)

// EntryDecision is the result of evaluating one candidate slice.
type EntryDecision struct {
	Allow        bool
	Reason       string
	Score        float64
	Threshold    float64
	Breakdown    map[string]float64
	RequiredDrop float64 // fraction, only set for slices past the first
}

// EntryEngine gates new tranche entries. Read-only: the caller places
// the order and mutates the ledger.
type EntryEngine struct {
	cfg *cfg.Settings
}

func NewEntryEngine(c *cfg.Settings) *EntryEngine {
	return &EntryEngine{cfg: c}
}

func refuse(reason string) EntryDecision {
	return EntryDecision{Allow: false, Reason: reason}
}

// Evaluate decides whether slice k may open for the instrument.
func (e *EntryEngine) Evaluate(instrument string, k int, snap marketdata.Snapshot, sig sentiment.Signal, pos *ledger.Position, now time.Time) EntryDecision {
	if snap.Price <= 0 {
		return refuse("no price")
	}
	if k < 1 || k > e.cfg.MaxTranches {
		return refuse(fmt.Sprintf("slice %d out of range", k))
	}

	ic := e.cfg.ForInstrument(instrument)
	if rec, ok := pos.LastExitFor(k); ok {
		cooldown := time.Duration(ic.CooldownHours * float64(time.Hour))
		if now.Sub(rec.Time) < cooldown {
			return refuse("re-entry cooldown")
		}
	}

	var dec EntryDecision
	if k > 1 {
		prev := pos.Tranche(k - 1)
		if prev == nil || !prev.Open {
			return refuse(fmt.Sprintf("slice %d not open", k-1))
		}
		dec.RequiredDrop = e.RequiredDrop(k, snap, sig)
		drop := (prev.EntryPrice - snap.Price) / prev.EntryPrice
		if drop < dec.RequiredDrop {
			dec.Reason = fmt.Sprintf("drop %.2f%% below required %.2f%%", drop*100, dec.RequiredDrop*100)
			return dec
		}
	}

	// RSI ceiling veto, tightened when volatility is high.
	ceiling := e.cfg.Entry.RSICeiling
	if snap.VolatilityPct > e.cfg.StopLoss.HighVolThreshold {
		ceiling = e.cfg.Entry.HighVolRSICut
	}
	if snap.RSI > ceiling {
		dec.Reason = fmt.Sprintf("rsi %.1f above ceiling %.1f", snap.RSI, ceiling)
		return dec
	}

	dec.Score, dec.Breakdown = e.score(snap, sig)
	dec.Threshold = e.cfg.Entry.ScoreThresholds[k]
	if dec.Score < dec.Threshold {
		dec.Reason = fmt.Sprintf("score %.2f below threshold %.2f", dec.Score, dec.Threshold)
		return dec
	}

	dec.Allow = true
	dec.Reason = "ok"
	log.Debug().
		Str("instrument", instrument).
		Int("slice", k).
		Float64("score", dec.Score).
		Float64("required_drop", dec.RequiredDrop).
		Msg("entry permitted")
	return dec
}

// RequiredDrop computes the dynamic price-drop precondition for slice
// k, as a fraction of the previous slice's entry price. The dynamic
// value never leaves [0.8, 1.5] times the configured base drop.
func (e *EntryEngine) RequiredDrop(k int, snap marketdata.Snapshot, sig sentiment.Signal) float64 {
	base := e.cfg.Entry.BaseDrops[k]
	if base <= 0 {
		base = 0.05
	}

	volMult := 1.0
	switch {
	case snap.VolatilityPct > e.cfg.StopLoss.HighVolThreshold:
		volMult = 1.3
	case snap.VolatilityPct > e.cfg.StopLoss.MediumVolThreshold:
		volMult = 1.15
	}

	regimeMult := 1.0
	switch snap.Trend {
	case marketdata.TrendStrongDown:
		regimeMult = 1.3
	case marketdata.TrendDown:
		regimeMult = 1.15
	case marketdata.TrendStrongUp:
		regimeMult = 0.9
	}

	sentMult := 1.0
	switch sig.Decision {
	case sentiment.Negative:
		sentMult = 1.1
	case sentiment.Positive:
		sentMult = 0.95
	}

	drop := base * volMult * regimeMult * sentMult
	if min := base * 0.8; drop < min {
		drop = min
	}
	if max := base * 1.5; drop > max {
		drop = max
	}
	return drop
}

// Scoring weights. Pullback depth and RSI dominate; sentiment only
// nudges the total.
const (
	weightPullback  = 0.30
	weightRSI       = 0.25
	weightTrend     = 0.15
	weightMASupport = 0.10
	weightRegime    = 0.10
	weightSentiment = 0.10
)

func (e *EntryEngine) score(snap marketdata.Snapshot, sig sentiment.Signal) (float64, map[string]float64) {
	bd := make(map[string]float64, 6)

	// Deeper pullback scores higher, saturating at 10%.
	pb := snap.PullbackPct / 10
	if pb > 1 {
		pb = 1
	}
	if pb < 0 {
		pb = 0
	}
	bd["pullback"] = pb * weightPullback

	// Full marks at or below the RSI floor, fading to zero at 60.
	floor := e.cfg.Entry.RSIFloor
	var rs float64
	switch {
	case snap.RSI <= floor:
		rs = 1
	case snap.RSI >= 60:
		rs = 0
	default:
		rs = (60 - snap.RSI) / (60 - floor)
	}
	bd["rsi"] = rs * weightRSI

	var tr float64
	switch snap.Trend {
	case marketdata.TrendStrongUp:
		tr = 1.0
	case marketdata.TrendUp:
		tr = 0.8
	case marketdata.TrendSideways:
		tr = 0.5
	case marketdata.TrendDown:
		tr = 0.2
	}
	bd["trend"] = tr * weightTrend

	var ma float64
	switch {
	case snap.Price > snap.MALong:
		ma = 1.0
	case snap.Price > snap.MAMid:
		ma = 0.7
	default:
		ma = 0.2
	}
	bd["ma_support"] = ma * weightMASupport

	var rg float64
	switch {
	case snap.VolatilityPct <= e.cfg.StopLoss.MediumVolThreshold:
		rg = 1.0
	case snap.VolatilityPct <= e.cfg.StopLoss.HighVolThreshold:
		rg = 0.6
	default:
		rg = 0.2
	}
	bd["regime"] = rg * weightRegime

	var st float64
	switch sig.Decision {
	case sentiment.Positive:
		st = sig.ConfidencePct / 100 * weightSentiment
	case sentiment.Negative:
		st = -sig.ConfidencePct / 100 * weightSentiment
	}
	bd["sentiment"] = st

	total := 0.0
	for _, v := range bd {
		total += v
	}
	return total, bd
}
