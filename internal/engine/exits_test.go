package engine

import (
	"testing"

	"splitbot/internal/ledger"
)

func openPos(t *testing.T, entries ...float64) *ledger.Position {
	t.Helper()
	b := ledger.NewBook()
	for i, price := range entries {
		if _, err := b.OpenTranche("005930", i+1, price, 10, price, t0); err != nil {
			t.Fatal(err)
		}
	}
	return b.Position("005930")
}

func TestFirstPartialSell(t *testing.T) {
	e := NewExitEngine(testSettings())
	pos := openPos(t, 100)

	acts := e.Evaluate(pos, 112) // exactly +12%
	if len(acts) != 1 {
		t.Fatalf("want one action, got %d", len(acts))
	}
	a := acts[0]
	if a.Reason != "first_partial" || a.NextStage != ledger.StagePartialA {
		t.Fatalf("unexpected action %+v", a)
	}
	if a.Qty != 4 { // 40% of original 10
		t.Fatalf("qty = %v, want 4", a.Qty)
	}
}

func TestBelowThresholdNoAction(t *testing.T) {
	e := NewExitEngine(testSettings())
	pos := openPos(t, 100)
	if acts := e.Evaluate(pos, 111); len(acts) != 0 {
		t.Fatalf("no action expected below first threshold, got %+v", acts)
	}
}

func TestStageProgression(t *testing.T) {
	e := NewExitEngine(testSettings())
	b := ledger.NewBook()
	b.OpenTranche("005930", 1, 100, 10, 100, t0)
	pos := b.Position("005930")

	// Stage 1 at +20% fires the second partial, 30% of original.
	b.PartialSell("005930", 1, 4, 112, ledger.StagePartialA, "first_partial", t0)
	acts := e.Evaluate(pos, 120)
	if len(acts) != 1 || acts[0].Reason != "second_partial" || acts[0].Qty != 3 {
		t.Fatalf("unexpected second stage action: %+v", acts)
	}

	// Stage 2 at +30% closes the remainder.
	b.PartialSell("005930", 1, 3, 120, ledger.StagePartialB, "second_partial", t0)
	acts = e.Evaluate(pos, 130)
	if len(acts) != 1 || acts[0].Reason != "final_exit" || acts[0].Qty != 3 {
		t.Fatalf("unexpected final action: %+v", acts)
	}
	if acts[0].NextStage != ledger.StageClosed {
		t.Fatal("final exit must close")
	}
}

func TestTrailingGapNarrowsWithProfit(t *testing.T) {
	cases := []struct{ hwm, gap float64 }{
		{55, 2}, {35, 3}, {25, 4}, {12, 5}, {6, 5.5}, {3, 6},
	}
	for _, c := range cases {
		if got := TrailingGap(c.hwm); got != c.gap {
			t.Fatalf("TrailingGap(%v) = %v, want %v", c.hwm, got, c.gap)
		}
	}
}

func TestPostPartialTrailing(t *testing.T) {
	e := NewExitEngine(testSettings())
	b := ledger.NewBook()
	b.OpenTranche("005930", 1, 100, 10, 100, t0)
	b.PartialSell("005930", 1, 4, 112, ledger.StagePartialA, "first_partial", t0)
	b.UpdateHWM("005930", 1, 118) // HWM 18%, gap 5
	pos := b.Position("005930")

	// Retrace to +14%: 4pp inside the 5pp gap, holds.
	if acts := e.Evaluate(pos, 114); len(acts) != 0 {
		t.Fatalf("should hold inside the gap, got %+v", acts)
	}
	// Retrace to +13%: 5pp, fires.
	acts := e.Evaluate(pos, 113)
	if len(acts) != 1 || acts[0].Reason != "trailing_stop" {
		t.Fatalf("trailing stop should fire, got %+v", acts)
	}
	if acts[0].Qty != 6 {
		t.Fatalf("trailing sells the remainder, got %v", acts[0].Qty)
	}
}

func TestTrailingNeverFiresUnderwater(t *testing.T) {
	e := NewExitEngine(testSettings())
	b := ledger.NewBook()
	b.OpenTranche("005930", 1, 100, 10, 100, t0)
	b.PartialSell("005930", 1, 4, 112, ledger.StagePartialA, "first_partial", t0)
	b.UpdateHWM("005930", 1, 118)
	pos := b.Position("005930")

	if acts := e.Evaluate(pos, 98); len(acts) != 0 {
		t.Fatalf("negative return must suppress trailing, got %+v", acts)
	}
}

func TestEmergencyTrailing(t *testing.T) {
	e := NewExitEngine(testSettings())
	b := ledger.NewBook()
	b.OpenTranche("005930", 1, 100, 10, 100, t0)
	b.UpdateHWM("005930", 1, 109) // peaked at +9%, never reached +12%
	pos := b.Position("005930")

	// +9 HWM with gap 5.5: at +3.5 the retrace is exactly 5.5, fires.
	acts := e.Evaluate(pos, 103.5)
	if len(acts) != 1 || acts[0].Reason != "emergency_trailing" {
		t.Fatalf("emergency trailing should fire, got %+v", acts)
	}
	if acts[0].Qty != 10 || acts[0].NextStage != ledger.StageClosed {
		t.Fatalf("emergency trailing sells everything: %+v", acts[0])
	}
}

func TestLIFOSuppression(t *testing.T) {
	e := NewExitEngine(testSettings())
	b := ledger.NewBook()
	b.OpenTranche("005930", 1, 80, 10, 80, t0)   // old, cheap
	b.OpenTranche("005930", 2, 100, 10, 100, t0) // new, near break-even at 101
	b.PartialSell("005930", 1, 4, 92, ledger.StagePartialA, "first_partial", t0)
	b.UpdateHWM("005930", 1, 96) // slice 1 HWM 20%
	pos := b.Position("005930")

	// At 101 slice 1 sits at +26.25 vs HWM 26.25... use a price where
	// slice 1 would trail but slice 2 is inside the break-even band.
	b.UpdateHWM("005930", 1, 104) // HWM 30%, gap 3
	acts := e.Evaluate(pos, 100.8) // slice1 ret = 26%, retrace 4 >= 3; slice2 ret = 0.8%
	for _, a := range acts {
		if a.Slice == 1 && a.Reason == "trailing_stop" {
			t.Fatal("older tranche must not trail while the newer one is near break-even")
		}
	}
}

func TestGapRecalTarget(t *testing.T) {
	// +9% return after a 6% gap with HWM 15 (gap width 5): margin is
	// min(3, 4) = 3, so the new mark is 12 and no trailing fires from
	// the gap alone.
	got := GapRecalTarget(9, 6, 15)
	if got != 12 {
		t.Fatalf("recal target = %v, want 12", got)
	}
	if 15-9 < TrailingGap(15) {
		t.Fatal("test premise: pre-recal retrace should have been at least the gap")
	}
	if got-9 >= TrailingGap(got) {
		t.Fatal("recalibrated mark must sit strictly inside the trailing gap")
	}
}
