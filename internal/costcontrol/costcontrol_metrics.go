package costcontrol

import "github.com/prometheus/client_golang/prometheus"

var (
	capExceeded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobledger",
			Subsystem: "costcontrol",
			Name:      "cap_exceeded_total",
			Help:      "Total admissions rejected by a spending cap, by window.",
		},
		[]string{"window"},
	)

	thresholdHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jobledger",
			Subsystem: "costcontrol",
			Name:      "balance_floor_hits_total",
			Help:      "Total admissions rejected by the minimum balance floor.",
		},
	)

	autoStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobledger",
			Subsystem: "costcontrol",
			Name:      "auto_stops_total",
			Help:      "Total running jobs flagged for stop, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(capExceeded, thresholdHits, autoStops)
}
