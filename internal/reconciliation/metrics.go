package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobledger",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Number of cache/journal mismatches found in the last run.",
	})

	reconcileOrphanedHolds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobledger",
		Subsystem: "reconciliation",
		Name:      "orphaned_holds",
		Help:      "Number of stale unsettled holds found in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "jobledger",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobledger",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileOrphanedHolds,
		reconcileDuration,
		reconcileErrors,
	)
}
