package ledger

import "github.com/prometheus/client_golang/prometheus"

var (
	entriesAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobledger",
			Subsystem: "ledger",
			Name:      "entries_appended_total",
			Help:      "Total journal entries appended by kind.",
		},
		[]string{"kind"},
	)

	balanceReads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jobledger",
			Subsystem: "ledger",
			Name:      "balance_reads_total",
			Help:      "Total balance cache reads.",
		},
	)

	reversalsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jobledger",
			Subsystem: "ledger",
			Name:      "reversals_total",
			Help:      "Total administrative entry reversals.",
		},
	)
)

func init() {
	prometheus.MustRegister(entriesAppended, balanceReads, reversalsTotal)
}
