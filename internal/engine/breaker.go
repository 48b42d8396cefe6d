package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"splitbot/internal/cfg"
	"splitbot/internal/notify"
)

// EmergencyState is the persisted circuit-breaker record. Absent while
// the portfolio is healthy.
type EmergencyState struct {
	TriggeredAt   time.Time `json:"triggeredAt"`
	PeakLoss      float64   `json:"peakLoss"`     // worst loss ratio seen since trigger
	BaseInvested  float64   `json:"baseInvested"` // invested capital frozen at trigger time
	Level         int       `json:"level"`        // tranches currently allowed open, 0..5
	NotifiedLevel int       `json:"notifiedLevel"`
}

// Breaker is the portfolio-level emergency gate. While active it caps
// the number of concurrently open tranches across every instrument;
// exits and stop-losses keep operating.
type Breaker struct {
	cfg      cfg.EmergencyConfig
	path     string
	notifier notify.Notifier
	state    *EmergencyState
}

func NewBreaker(c cfg.EmergencyConfig, path string, n notify.Notifier) *Breaker {
	b := &Breaker{cfg: c, path: path, notifier: n}
	b.load()
	return b
}

func (b *Breaker) load() {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		return
	}
	var st EmergencyState
	if err := json.Unmarshal(raw, &st); err != nil {
		log.Warn().Err(err).Str("path", b.path).Msg("emergency state unreadable, starting healthy")
		return
	}
	if !st.TriggeredAt.IsZero() {
		b.state = &st
		log.Warn().Time("triggered_at", st.TriggeredAt).Int("level", st.Level).Msg("emergency state restored")
	}
}

func (b *Breaker) save() {
	if b.state == nil {
		os.Remove(b.path)
		return
	}
	raw, err := json.MarshalIndent(b.state, "", "  ")
	if err != nil {
		return
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		log.Warn().Err(err).Msg("emergency state write failed")
		return
	}
	if err := os.Rename(tmp, b.path); err != nil {
		log.Warn().Err(err).Msg("emergency state promote failed")
	}
}

// Active reports whether the breaker is engaged.
func (b *Breaker) Active() bool { return b.state != nil }

// State returns a copy of the current state for reporting.
func (b *Breaker) State() (EmergencyState, bool) {
	if b.state == nil {
		return EmergencyState{}, false
	}
	return *b.state, true
}

// AllowedTranches caps the portfolio-wide open tranche count. Unlimited
// (up to max) while healthy; the recovery level while engaged.
func (b *Breaker) AllowedTranches(max int) int {
	if b.state == nil {
		return max
	}
	if b.state.Level > max {
		return max
	}
	return b.state.Level
}

// CheckTrigger engages the breaker when the aggregate loss ratio
// crosses the ceiling or losing closes pile up inside the rolling
// window. The invested-capital base is frozen at this moment so later
// recovery math cannot be gamed by closing positions.
func (b *Breaker) CheckTrigger(ctx context.Context, lossRatio, invested float64, losingCloses int, now time.Time) {
	if b.state != nil {
		return
	}
	overCeiling := lossRatio > b.cfg.LossCeiling
	overCloses := losingCloses > b.cfg.LosingCloseLimit
	if !overCeiling && !overCloses {
		return
	}
	b.state = &EmergencyState{
		TriggeredAt:  now,
		PeakLoss:     lossRatio,
		BaseInvested: invested,
	}
	b.save()
	log.Error().
		Float64("loss_ratio", lossRatio).
		Int("losing_closes", losingCloses).
		Msg("emergency circuit breaker triggered")
	b.notifier.Send(ctx, "EMERGENCY: circuit breaker triggered",
		fmt.Sprintf("loss ratio %.1f%%, losing closes %d; new entries blocked", lossRatio*100, losingCloses))
}

// BaseInvested returns the frozen capital reference for loss
// recomputation, or 0 while healthy.
func (b *Breaker) BaseInvested() float64 {
	if b.state == nil {
		return 0
	}
	return b.state.BaseInvested
}

// UpdateRecovery advances the staged recovery. currentLoss must be
// recomputed against the frozen BaseInvested. The top level needs a
// favorable market trend and at least two independently recovering
// instruments; reaching it clears the state entirely.
func (b *Breaker) UpdateRecovery(ctx context.Context, currentLoss float64, favorableTrend bool, recoveringInstruments int, hasOpenTranches bool, now time.Time) {
	if b.state == nil {
		return
	}
	st := b.state

	if currentLoss > st.PeakLoss {
		st.PeakLoss = currentLoss
	}
	var rate float64
	if st.PeakLoss > 0 {
		rate = (st.PeakLoss - currentLoss) / st.PeakLoss
	}

	level := 0
	for i, th := range b.cfg.RecoveryThresholds {
		if rate >= th {
			level = i + 1
		}
	}
	if level == len(b.cfg.RecoveryThresholds) && !(favorableTrend && recoveringInstruments >= 2) {
		level = len(b.cfg.RecoveryThresholds) - 1
	}

	// With nothing open there may be nothing left to recover; time out
	// into level 1 instead of locking out forever.
	if level < 1 && !hasOpenTranches && now.Sub(st.TriggeredAt) >= b.cfg.FallbackAfter {
		level = 1
	}

	if level == len(b.cfg.RecoveryThresholds) {
		log.Info().Float64("recovery_rate", rate).Msg("emergency fully recovered, breaker cleared")
		b.notifier.Send(ctx, "Circuit breaker cleared",
			fmt.Sprintf("recovery rate %.0f%%, full trading restored", rate*100))
		b.state = nil
		b.save()
		return
	}

	if level != st.Level {
		st.Level = level
		if st.NotifiedLevel != level {
			st.NotifiedLevel = level
			b.notifier.Send(ctx, "Circuit breaker recovery level changed",
				fmt.Sprintf("level %d: up to %d tranche(s) may be open (recovery %.0f%%)", level, level, rate*100))
		}
		b.save()
	}
}
