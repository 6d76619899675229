package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EntriesTotal counts appended entries by action.
	EntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "ledger_entries_total",
			Help:      "Total ledger entries appended by action.",
		},
		[]string{"action"},
	)

	// AppendDuration observes append latency by action.
	AppendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "arbiter",
			Name:      "ledger_append_duration_seconds",
			Help:      "Ledger append duration in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
		[]string{"action"},
	)
)

func init() {
	prometheus.MustRegister(EntriesTotal, AppendDuration)
}

// observeOp increments the entry counter and returns a function to observe duration.
func observeOp(action string) func() {
	EntriesTotal.WithLabelValues(action).Inc()
	start := time.Now()
	return func() {
		AppendDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
	}
}

// ObserveAppend is used by stores that append entries inside their own
// transactions rather than through a Journal.
func ObserveAppend(action Action) func() {
	return observeOp(string(action))
}
