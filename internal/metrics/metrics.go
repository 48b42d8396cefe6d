// Package metrics defines the Prometheus instrumentation for the
// split-position engine: order flow, fills, tranche counts, realized
// P&L and circuit-breaker state, exposed on the metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	OrdersTotal       *prometheus.CounterVec // orders placed, by side
	FillsTotal        prometheus.Counter     // confirmed fills
	OrderTimeouts     prometheus.Counter     // fill polls that expired
	DuplicateFills    prometheus.Counter     // fill confirmations skipped by the dedup index
	CycleDuration     prometheus.Histogram   // wall time of one decision cycle
	CyclesTotal       prometheus.Counter     // decision cycles run
	CycleErrors       prometheus.Counter     // per-instrument failures within a cycle
	OpenTranches      prometheus.Gauge       // currently open tranches across instruments
	RealizedPnL       prometheus.Gauge       // cumulative realized P&L
	DeployableBudget  prometheus.Gauge       // budget after multiplier and caps
	EmergencyActive   prometheus.Gauge       // 1 while the circuit breaker is triggered
	RecoveryLevel     prometheus.Gauge       // current circuit-breaker recovery level
	ReconcileMismatch prometheus.Counter     // broker/ledger disagreements observed
	StreamReconnects  prometheus.Counter     // quote stream reconnections
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for
// testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		OrdersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_total",
			Help: "Total number of orders placed",
		}, []string{"side"}),
		FillsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fills_total",
			Help: "Total number of confirmed fills",
		}),
		OrderTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "order_timeouts_total",
			Help: "Total number of fill confirmations that timed out",
		}),
		DuplicateFills: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplicate_fills_total",
			Help: "Total number of fill confirmations skipped as already applied",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cycle_duration_seconds",
			Help:    "Duration of one decision cycle in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		CyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "cycles_total",
			Help: "Total number of decision cycles run",
		}),
		CycleErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "cycle_errors_total",
			Help: "Total number of per-instrument failures within cycles",
		}),
		OpenTranches: factory.NewGauge(prometheus.GaugeOpts{
			Name: "open_tranches",
			Help: "Number of currently open tranches across all instruments",
		}),
		RealizedPnL: factory.NewGauge(prometheus.GaugeOpts{
			Name: "realized_pnl",
			Help: "Cumulative realized profit and loss",
		}),
		DeployableBudget: factory.NewGauge(prometheus.GaugeOpts{
			Name: "deployable_budget",
			Help: "Budget available this cycle after multiplier and caps",
		}),
		EmergencyActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "emergency_active",
			Help: "1 while the emergency circuit breaker is triggered",
		}),
		RecoveryLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "recovery_level",
			Help: "Current circuit-breaker recovery level (0-5)",
		}),
		ReconcileMismatch: factory.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_mismatches_total",
			Help: "Total number of broker/ledger disagreements observed",
		}),
		StreamReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "stream_reconnects_total",
			Help: "Total number of quote stream reconnections",
		}),
	}
}
