package eventstore

import "github.com/prometheus/client_golang/prometheus"

var (
	appendedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "finance_service",
		Subsystem: "eventstore",
		Name:      "events_appended_total",
		Help:      "Number of events durably appended to the store.",
	})

	conflictCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "finance_service",
		Subsystem: "eventstore",
		Name:      "append_conflicts_total",
		Help:      "Number of appends rejected by the optimistic concurrency check.",
	})

	appendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "finance_service",
		Subsystem: "eventstore",
		Name:      "append_duration_seconds",
		Help:      "Time spent inside the append transaction, including outbox enqueue.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(appendedCounter, conflictCounter, appendDuration)
}
