package reservation

import "github.com/prometheus/client_golang/prometheus"

var (
	reservationsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jobledger",
			Subsystem: "reservation",
			Name:      "created_total",
			Help:      "Total holds placed.",
		},
	)

	reservationsSettled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jobledger",
			Subsystem: "reservation",
			Name:      "settled_total",
			Help:      "Total holds settled into job charges.",
		},
	)

	reservationsRefunded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jobledger",
			Subsystem: "reservation",
			Name:      "refunded_total",
			Help:      "Total holds refunded.",
		},
	)

	expiredReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jobledger",
			Subsystem: "reservation",
			Name:      "expired_released_total",
			Help:      "Total expired holds released by the sweep.",
		},
	)
)

func init() {
	prometheus.MustRegister(reservationsCreated, reservationsSettled, reservationsRefunded, expiredReleased)
}
