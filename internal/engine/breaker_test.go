package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

type recordingNotifier struct {
	titles []string
}

func (r *recordingNotifier) Send(_ context.Context, title, _ string) {
	r.titles = append(r.titles, title)
}

func newTestBreaker(t *testing.T) (*Breaker, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	return NewBreaker(testSettings().Emergency, filepath.Join(t.TempDir(), "emergency.json"), n), n
}

func TestTriggerOnLossCeiling(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	b.CheckTrigger(ctx, 0.15, 1_000_000, 0, t0)
	if b.Active() {
		t.Fatal("15% loss must not trigger a 20% ceiling")
	}
	b.CheckTrigger(ctx, 0.25, 1_000_000, 0, t0)
	if !b.Active() {
		t.Fatal("25% loss must trigger")
	}
	if b.AllowedTranches(25) != 0 {
		t.Fatal("freshly triggered breaker blocks all entries")
	}
	if b.BaseInvested() != 1_000_000 {
		t.Fatalf("invested base not frozen: %v", b.BaseInvested())
	}
}

func TestTriggerOnLosingCloses(t *testing.T) {
	b, _ := newTestBreaker(t)
	b.CheckTrigger(context.Background(), 0.05, 1_000_000, 5, t0)
	if !b.Active() {
		t.Fatal("5 losing closes against a limit of 4 must trigger")
	}
}

func TestBlockedUntilFirstLevelEvenIfLossImproves(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()
	b.CheckTrigger(ctx, 0.25, 1_000_000, 0, t0)

	// Loss improves but recovery is only 8%, below the 10% level-1
	// threshold: still fully blocked.
	b.UpdateRecovery(ctx, 0.23, false, 0, true, t0.Add(time.Hour))
	if b.AllowedTranches(25) != 0 {
		t.Fatal("entries must stay blocked below level 1")
	}
}

func TestStagedRecoveryLevels(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()
	b.CheckTrigger(ctx, 0.25, 1_000_000, 0, t0)

	// 30% recovery: 0.25 -> 0.175. Levels at 10/15/25 are reached,
	// 35 is not: exactly 3 tranches allowed.
	b.UpdateRecovery(ctx, 0.175, false, 0, true, t0.Add(time.Hour))
	if got := b.AllowedTranches(25); got != 3 {
		t.Fatalf("30%% recovery should allow exactly 3 tranches, got %d", got)
	}
}

func TestTopLevelNeedsTrendAndBreadth(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()
	b.CheckTrigger(ctx, 0.25, 1_000_000, 0, t0)

	// 60% recovery rate but no favorable trend: capped at level 4.
	b.UpdateRecovery(ctx, 0.10, false, 3, true, t0.Add(time.Hour))
	if !b.Active() || b.AllowedTranches(25) != 4 {
		t.Fatalf("top level needs trend confirmation, got level %d active=%v", b.AllowedTranches(25), b.Active())
	}

	// Trend favorable but only one instrument recovering: still capped.
	b.UpdateRecovery(ctx, 0.10, true, 1, true, t0.Add(2*time.Hour))
	if !b.Active() {
		t.Fatal("one recovering instrument is not enough to clear")
	}

	// Both conditions met: breaker clears entirely.
	b.UpdateRecovery(ctx, 0.10, true, 2, true, t0.Add(3*time.Hour))
	if b.Active() {
		t.Fatal("breaker should clear at the top level")
	}
	if b.AllowedTranches(25) != 25 {
		t.Fatal("cleared breaker imposes no cap")
	}
}

func TestPeakLossRatchets(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()
	b.CheckTrigger(ctx, 0.25, 1_000_000, 0, t0)

	// Loss deepens to 40%: peak follows, and the old recovery is gone.
	b.UpdateRecovery(ctx, 0.40, false, 0, true, t0.Add(time.Hour))
	st, _ := b.State()
	if st.PeakLoss != 0.40 {
		t.Fatalf("peak = %v, want 0.40", st.PeakLoss)
	}
	// Recovery back to 0.30 is 25% of the new peak: level 3.
	b.UpdateRecovery(ctx, 0.30, false, 0, true, t0.Add(2*time.Hour))
	if got := b.AllowedTranches(25); got != 3 {
		t.Fatalf("level = %d, want 3 against the deeper peak", got)
	}
}

func TestFallbackAfterFullExit(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()
	b.CheckTrigger(ctx, 0.25, 1_000_000, 0, t0)

	// No recovery and nothing open: before the fallback window, still
	// locked.
	b.UpdateRecovery(ctx, 0.25, false, 0, false, t0.Add(23*time.Hour))
	if b.AllowedTranches(25) != 0 {
		t.Fatal("fallback must not fire before its window")
	}
	b.UpdateRecovery(ctx, 0.25, false, 0, false, t0.Add(25*time.Hour))
	if b.AllowedTranches(25) != 1 {
		t.Fatal("24h fallback should grant level 1")
	}
}

func TestNotifyOncePerLevel(t *testing.T) {
	b, n := newTestBreaker(t)
	ctx := context.Background()
	b.CheckTrigger(ctx, 0.25, 1_000_000, 0, t0)
	triggerMsgs := len(n.titles)

	b.UpdateRecovery(ctx, 0.21, false, 0, true, t0.Add(time.Hour)) // 16% -> level 2
	b.UpdateRecovery(ctx, 0.21, false, 0, true, t0.Add(2*time.Hour))
	b.UpdateRecovery(ctx, 0.21, false, 0, true, t0.Add(3*time.Hour))
	if got := len(n.titles) - triggerMsgs; got != 1 {
		t.Fatalf("level change notified %d times, want once", got)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "emergency.json")
	n := &recordingNotifier{}

	b := NewBreaker(testSettings().Emergency, path, n)
	b.CheckTrigger(context.Background(), 0.25, 1_000_000, 0, t0)
	b.UpdateRecovery(context.Background(), 0.175, false, 0, true, t0.Add(time.Hour))

	restored := NewBreaker(testSettings().Emergency, path, n)
	if !restored.Active() || restored.AllowedTranches(25) != 3 {
		t.Fatalf("state lost across restart: active=%v level=%d", restored.Active(), restored.AllowedTranches(25))
	}
	if restored.BaseInvested() != 1_000_000 {
		t.Fatal("frozen invested base lost")
	}
}
