package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobledger",
			Subsystem: "queue",
			Name:      "jobs_enqueued_total",
			Help:      "Total jobs enqueued by tier.",
		},
		[]string{"tier"},
	)

	jobsDequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jobledger",
			Subsystem: "queue",
			Name:      "jobs_dequeued_total",
			Help:      "Total jobs handed to workers.",
		},
	)

	jobsRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jobledger",
			Subsystem: "queue",
			Name:      "jobs_removed_total",
			Help:      "Total jobs cancelled before dequeue.",
		},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "jobledger",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current queue depth by tier, updated on stats reads.",
		},
		[]string{"tier"},
	)
)

func init() {
	prometheus.MustRegister(jobsEnqueued, jobsDequeued, jobsRemoved, queueDepth)
}
