package engine

import (
	"testing"

	"splitbot/internal/broker"
	"splitbot/internal/marketdata"
)

func TestMultiplierBounds(t *testing.T) {
	a := NewAllocator(testSettings().Budget)
	for _, perf := range []float64{-5, -0.5, -0.1, -0.05, 0, 0.05, 0.1, 0.3, 5} {
		m := a.Multiplier(perf)
		if m < 0.7 || m > 1.4 {
			t.Fatalf("multiplier %v for perf %v outside [0.7, 1.4]", m, perf)
		}
	}
	if a.Multiplier(0) != 1.0 {
		t.Fatalf("neutral performance should give 1.0, got %v", a.Multiplier(0))
	}
	if a.Multiplier(0.25) != 1.4 || a.Multiplier(-0.5) != 0.7 {
		t.Fatal("extremes should hit the bounds")
	}
	// Monotonic.
	prev := a.Multiplier(-1)
	for perf := -1.0; perf <= 1.0; perf += 0.01 {
		m := a.Multiplier(perf)
		if m < prev {
			t.Fatalf("multiplier not monotonic at perf %v", perf)
		}
		prev = m
	}
}

func TestDeployableCaps(t *testing.T) {
	a := NewAllocator(testSettings().Budget)
	bal := broker.Balance{TotalEquity: 10_000_000, FreeCash: 1_000_000}

	// Cash cap binds: 1M free cash * 0.8 = 800k < 1M base.
	got := a.Deployable(0, bal, marketdata.TrendSideways)
	if got != 800_000 {
		t.Fatalf("deployable = %v, want cash cap 800000", got)
	}

	// Equity cap binds with a small account.
	small := broker.Balance{TotalEquity: 1_000_000, FreeCash: 5_000_000}
	got = a.Deployable(0, small, marketdata.TrendSideways)
	if got != 500_000 {
		t.Fatalf("deployable = %v, want equity cap 500000", got)
	}
}

func TestDeployableRegimeShrinksCash(t *testing.T) {
	a := NewAllocator(testSettings().Budget)
	bal := broker.Balance{TotalEquity: 100_000_000, FreeCash: 1_000_000}

	calm := a.Deployable(0, bal, marketdata.TrendSideways)
	down := a.Deployable(0, bal, marketdata.TrendDown)
	crash := a.Deployable(0, bal, marketdata.TrendStrongDown)
	if !(crash < down && down < calm) {
		t.Fatalf("regime should shrink budget: calm=%v down=%v crash=%v", calm, down, crash)
	}
}

func TestExternalOverrideStillCapped(t *testing.T) {
	c := testSettings().Budget
	c.ExternalOverride = 50_000_000
	a := NewAllocator(c)
	bal := broker.Balance{TotalEquity: 10_000_000, FreeCash: 5_000_000}

	got := a.Deployable(0.2, bal, marketdata.TrendSideways)
	if got > bal.TotalEquity*c.EquityFraction {
		t.Fatalf("override escaped the equity cap: %v", got)
	}
}
