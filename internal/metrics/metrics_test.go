package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAllMetricsRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.OrdersTotal.WithLabelValues("BUY").Inc()
	m.FillsTotal.Inc()
	m.CycleDuration.Observe(0.5)
	m.OpenTranches.Set(3)
	m.StreamReconnects.Inc()

	fams, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	seen := make(map[string]bool, len(fams))
	for _, f := range fams {
		seen[f.GetName()] = true
	}
	for _, name := range []string{
		"orders_total",
		"fills_total",
		"cycle_duration_seconds",
		"open_tranches",
		"stream_reconnects_total",
	} {
		if !seen[name] {
			t.Fatalf("metric %s not registered", name)
		}
	}
	if got := testutil.ToFloat64(m.OrdersTotal.WithLabelValues("BUY")); got != 1 {
		t.Fatalf("orders_total{side=BUY} = %v", got)
	}
}

func TestIndependentRegistries(t *testing.T) {
	// Two engines in one process (tests do this) must not collide.
	NewWithRegistry(prometheus.NewRegistry())
	NewWithRegistry(prometheus.NewRegistry())
}
