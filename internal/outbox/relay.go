// Package outbox drains the transactional outbox and delivers events to the
// streaming bus. Delivery is at-least-once: rows are deleted only after the
// bus acknowledged the publish, and a failed row is retried with exponential
// backoff until it is dead-lettered for operator attention.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Publisher is the bus surface the relay needs: deliver one message and
// return once the bus acknowledged it.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// ClaimMode selects how a batch claims its rows.
type ClaimMode string

const (
	// ClaimExclusive locks claimed rows with FOR UPDATE SKIP LOCKED so
	// concurrent relay workers never publish the same row twice.
	ClaimExclusive ClaimMode = "exclusive"
	// ClaimPlain reads without row locks. Only safe with a single worker.
	ClaimPlain ClaimMode = "plain"
)

// KeySource selects the message key used for bus partitioning.
type KeySource string

const (
	// KeyAggregateID keys messages by aggregate id, keeping each aggregate's
	// events on one partition and therefore in order.
	KeyAggregateID KeySource = "aggregate_id"
	// KeyEventID keys messages by event id, spreading load across partitions
	// at the cost of per-aggregate ordering.
	KeyEventID KeySource = "event_id"
)

// RelayConfig tunes the drain loop. Zero values fall back to defaults.
type RelayConfig struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	ClaimMode      ClaimMode
	KeySource      KeySource
}

// Relay moves committed outbox rows onto the bus in insertion order.
type Relay struct {
	pool   *pgxpool.Pool
	bus    Publisher
	logger *zap.Logger
	cfg    RelayConfig

	wake             chan struct{}
	shutdownComplete chan struct{}
}

// NewRelay constructs a relay over the given pool and publisher.
func NewRelay(pool *pgxpool.Pool, bus Publisher, logger *zap.Logger, cfg RelayConfig) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 30 * time.Second
	}
	if cfg.ClaimMode == "" {
		cfg.ClaimMode = ClaimExclusive
	}
	if cfg.KeySource == "" {
		cfg.KeySource = KeyAggregateID
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		pool:             pool,
		bus:              bus,
		logger:           logger,
		cfg:              cfg,
		wake:             make(chan struct{}, 1),
		shutdownComplete: make(chan struct{}),
	}
}

// Notify wakes the relay ahead of the next poll tick. It never blocks; a
// signal is dropped when one is already pending.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run drives ProcessBatch on every poll tick and wake signal until the
// context is cancelled. Call it in its own goroutine.
func (r *Relay) Run(ctx context.Context) {
	defer close(r.shutdownComplete)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started",
		zap.Duration("poll_interval", r.cfg.PollInterval),
		zap.Int("batch_size", r.cfg.BatchSize),
		zap.String("claim_mode", string(r.cfg.ClaimMode)))

	for {
		if _, err := r.ProcessBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("outbox batch failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// Wait blocks until Run has exited.
func (r *Relay) Wait() {
	<-r.shutdownComplete
}

// outboxRow is one claimed entry awaiting delivery.
type outboxRow struct {
	ID            int64
	EventID       uuid.UUID
	AggregateID   uuid.UUID
	AggregateType string
	EventType     string
	Payload       []byte
	TenantID      uuid.UUID
	Attempts      int
}

// ProcessBatch claims up to BatchSize due rows in insertion order, publishes
// each, and retires the acknowledged ones. A row whose publish fails keeps
// its place in the table with updated retry bookkeeping; the rest of the
// batch continues. The count of rows published and retired is returned.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	start := time.Now()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("outbox: begin batch: %w", err)
	}

	batch, err := r.claim(ctx, tx)
	if err != nil {
		_ = tx.Rollback(ctx)
		return 0, err
	}
	if len(batch) == 0 {
		_ = tx.Rollback(ctx)
		return 0, nil
	}

	published := 0
	for _, row := range batch {
		topic := TopicFor(row.AggregateType)
		if pubErr := r.bus.Publish(ctx, topic, r.keyFor(row), row.Payload); pubErr != nil {
			failedCounter.Inc()
			if err := r.recordFailure(ctx, tx, row, topic, pubErr); err != nil {
				_ = tx.Rollback(ctx)
				return published, err
			}
			continue
		}

		if _, err := tx.Exec(ctx, `DELETE FROM outbox WHERE id = $1`, row.ID); err != nil {
			_ = tx.Rollback(ctx)
			return published, fmt.Errorf("outbox: retire row %d: %w", row.ID, err)
		}
		published++
		publishedCounter.Inc()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit batch: %w", err)
	}

	batchDuration.Observe(time.Since(start).Seconds())
	if published < len(batch) {
		updateDeadLetterGauge(ctx, r.pool)
	}
	r.logger.Debug("outbox batch processed",
		zap.Int("claimed", len(batch)),
		zap.Int("published", published))
	return published, nil
}

// claim reads the next due rows oldest-first. In exclusive mode the rows stay
// locked until the batch transaction ends, so a second worker skips them.
func (r *Relay) claim(ctx context.Context, tx pgx.Tx) ([]outboxRow, error) {
	query := `SELECT id, event_id, aggregate_id, aggregate_type, event_type, event_data, tenant_id, attempts
		FROM outbox
		WHERE dead_lettered_at IS NULL AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
		ORDER BY created_at ASC, id ASC
		LIMIT $1`
	if r.cfg.ClaimMode == ClaimExclusive {
		query += ` FOR UPDATE SKIP LOCKED`
	}

	rows, err := tx.Query(ctx, query, r.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim batch: %w", err)
	}
	defer rows.Close()

	batch := make([]outboxRow, 0, r.cfg.BatchSize)
	for rows.Next() {
		var row outboxRow
		if err := rows.Scan(&row.ID, &row.EventID, &row.AggregateID, &row.AggregateType, &row.EventType, &row.Payload, &row.TenantID, &row.Attempts); err != nil {
			return nil, fmt.Errorf("outbox: scan outbox row: %w", err)
		}
		batch = append(batch, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: read claim batch: %w", err)
	}
	return batch, nil
}

// recordFailure bumps the row's retry bookkeeping. At the attempt limit the
// row is dead-lettered instead of rescheduled.
func (r *Relay) recordFailure(ctx context.Context, tx pgx.Tx, row outboxRow, topic string, cause error) error {
	attempts := row.Attempts + 1

	if attempts >= r.cfg.MaxAttempts {
		if _, err := tx.Exec(ctx,
			`UPDATE outbox SET attempts = $1, last_error = $2, dead_lettered_at = NOW() WHERE id = $3`,
			attempts, cause.Error(), row.ID,
		); err != nil {
			return fmt.Errorf("outbox: dead-letter row %d: %w", row.ID, err)
		}
		deadLetteredCounter.WithLabelValues(topic).Inc()
		r.logger.Error("outbox row dead-lettered",
			zap.Int64("outbox_id", row.ID),
			zap.String("event_id", row.EventID.String()),
			zap.String("event_type", row.EventType),
			zap.Int("attempts", attempts),
			zap.Error(cause))
		return nil
	}

	delay := backoffDelay(r.cfg.RetryBaseDelay, attempts)
	if _, err := tx.Exec(ctx,
		`UPDATE outbox SET attempts = $1, last_error = $2, next_attempt_at = NOW() + $3::interval WHERE id = $4`,
		attempts, cause.Error(), delay, row.ID,
	); err != nil {
		return fmt.Errorf("outbox: record failure on row %d: %w", row.ID, err)
	}
	r.logger.Warn("outbox publish failed",
		zap.Int64("outbox_id", row.ID),
		zap.String("event_id", row.EventID.String()),
		zap.String("event_type", row.EventType),
		zap.Int("attempts", attempts),
		zap.Duration("retry_in", delay),
		zap.Error(cause))
	return nil
}

func (r *Relay) keyFor(row outboxRow) []byte {
	if r.cfg.KeySource == KeyEventID {
		return []byte(row.EventID.String())
	}
	return []byte(row.AggregateID.String())
}

// TopicFor derives the bus topic for an aggregate type.
func TopicFor(aggregateType string) string {
	return "finance." + strings.ToLower(aggregateType) + ".events"
}

// backoffDelay grows exponentially from the base delay, capped at one hour.
// Doubling stops once the cap is reached, so oversized attempt counts cannot
// overflow into a negative delay.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		if delay >= time.Hour {
			return time.Hour
		}
		delay *= 2
	}
	if delay > time.Hour {
		delay = time.Hour
	}
	return delay
}
