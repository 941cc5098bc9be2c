package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	publishedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "finance_service",
		Subsystem: "outbox",
		Name:      "events_published_total",
		Help:      "Number of outbox events successfully published to the bus.",
	})

	failedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "finance_service",
		Subsystem: "outbox",
		Name:      "publish_failures_total",
		Help:      "Number of publish attempts that the bus did not acknowledge.",
	})

	deadLetteredCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finance_service",
		Subsystem: "outbox",
		Name:      "events_dead_lettered_total",
		Help:      "Number of outbox rows parked after exhausting their retry budget, labeled by topic.",
	}, []string{"topic"})

	redrivenCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "finance_service",
		Subsystem: "outbox",
		Name:      "events_redriven_total",
		Help:      "Number of dead-lettered rows returned to the drain by an operator.",
	})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "finance_service",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time spent claiming, publishing, and retiring one outbox batch.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	deadLetterBacklogGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "finance_service",
		Subsystem: "outbox",
		Name:      "dead_letter_backlog",
		Help:      "Current number of dead-lettered outbox rows awaiting redrive.",
	})
)

func init() {
	prometheus.MustRegister(publishedCounter, failedCounter, deadLetteredCounter, redrivenCounter, batchDuration, deadLetterBacklogGauge)
}

func updateDeadLetterGauge(ctx context.Context, pool *pgxpool.Pool) {
	row := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE dead_lettered_at IS NOT NULL`)
	var count int
	if err := row.Scan(&count); err != nil {
		return
	}
	deadLetterBacklogGauge.Set(float64(count))
}
