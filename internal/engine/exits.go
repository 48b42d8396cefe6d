package engine

import (
	"math"

	"splitbot/internal/cfg"
	"splitbot/internal/ledger"
)

// ExitAction is one sell decision against a tranche.
type ExitAction struct {
	Slice     int
	Qty       float64
	NextStage int
	Reason    string
}

// ExitEngine is the partial-sell / trailing state machine. Evaluation
// is pure: high-water-mark maintenance and gap recalibration happen in
// the cycle before this runs, through ledger methods.
type ExitEngine struct {
	cfg *cfg.Settings
}

func NewExitEngine(c *cfg.Settings) *ExitEngine {
	return &ExitEngine{cfg: c}
}

// TrailingGap returns the retrace width, in percentage points, allowed
// before a trailing exit fires. The gap narrows as peak profit grows.
func TrailingGap(hwm float64) float64 {
	switch {
	case hwm >= 50:
		return 2
	case hwm >= 30:
		return 3
	case hwm >= 20:
		return 4
	case hwm >= 10:
		return 5
	case hwm >= 5:
		return 5.5
	default:
		return 6
	}
}

// Evaluate walks every open tranche of the position in slice order and
// returns at most one action per tranche, first matching rule wins.
func (e *ExitEngine) Evaluate(pos *ledger.Position, price float64) []ExitAction {
	open := pos.OpenTranches()
	var actions []ExitAction
	for _, t := range open {
		if act, ok := e.evalTranche(t, price, open); ok {
			actions = append(actions, act)
		}
	}
	return actions
}

func (e *ExitEngine) evalTranche(t *ledger.Tranche, price float64, open []*ledger.Tranche) (ExitAction, bool) {
	x := e.cfg.Exit
	ret := t.Return(price)

	switch {
	case t.Stage == ledger.StageHolding && ret >= x.FirstThreshold:
		qty := math.Min(t.OriginalQty*x.FirstRatio, t.CurrentQty)
		return ExitAction{Slice: t.Slice, Qty: qty, NextStage: ledger.StagePartialA, Reason: "first_partial"}, true

	case t.Stage == ledger.StagePartialA && ret >= x.SecondThreshold:
		qty := math.Min(t.OriginalQty*x.SecondRatio, t.CurrentQty)
		return ExitAction{Slice: t.Slice, Qty: qty, NextStage: ledger.StagePartialB, Reason: "second_partial"}, true

	case t.Stage == ledger.StagePartialB && ret >= x.FinalThreshold:
		return ExitAction{Slice: t.Slice, Qty: t.CurrentQty, NextStage: ledger.StageClosed, Reason: "final_exit"}, true
	}

	// Trailing rules never fire underwater, and never force out an
	// older tranche while a newer one is still near break-even.
	if ret < 0 || e.newerFragile(t, price, open) {
		return ExitAction{}, false
	}
	gap := TrailingGap(t.HighWaterMark)

	if t.Stage >= ledger.StagePartialA &&
		ret >= x.MinKeepProfit &&
		t.HighWaterMark >= x.MinTrailProfit &&
		t.HighWaterMark-ret >= gap {
		return ExitAction{Slice: t.Slice, Qty: t.CurrentQty, NextStage: ledger.StageClosed, Reason: "trailing_stop"}, true
	}

	// Emergency trailing: the tranche peaked without ever reaching the
	// first partial threshold and is now giving the gain back.
	if t.Stage == ledger.StageHolding &&
		t.HighWaterMark >= x.MinTrailProfit &&
		ret > 0 &&
		ret < x.FirstThreshold &&
		t.HighWaterMark-ret >= gap {
		return ExitAction{Slice: t.Slice, Qty: t.CurrentQty, NextStage: ledger.StageClosed, Reason: "emergency_trailing"}, true
	}

	return ExitAction{}, false
}

// newerFragile reports whether a later-opened tranche is sitting inside
// the break-even band, which gives it LIFO priority over older slices.
func (e *ExitEngine) newerFragile(t *ledger.Tranche, price float64, open []*ledger.Tranche) bool {
	for _, other := range open {
		if other.Slice <= t.Slice {
			continue
		}
		if math.Abs(other.Return(price)) <= e.cfg.Exit.BreakEvenBand {
			return true
		}
	}
	return false
}

// GapRecalTarget computes the corrected high-water-mark after an
// overnight gap-down: current return plus a safety margin scaled to the
// gap size and the active trailing-gap width, so the gap alone cannot
// fire the trailing stop.
func GapRecalTarget(ret, gapPct, hwm float64) float64 {
	// Margin stays strictly inside the trailing gap.
	margin := math.Min(gapPct/2, TrailingGap(hwm)-1)
	if margin < 0 {
		margin = 0
	}
	return ret + margin
}
