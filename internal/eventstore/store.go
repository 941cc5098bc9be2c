// Package eventstore persists domain events as the append-only system of
// record. Appends are guarded by optimistic concurrency on the aggregate's
// version and enqueue an outbox row in the same transaction, so a committed
// event is always eventually published.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"example.com/finance/internal/codec"
	"example.com/finance/internal/domain"
	"example.com/finance/internal/persistence/postgres"
)

const (
	uniqueViolationCode     = "23505"
	streamVersionConstraint = "events_stream_version_key"
	eventPKConstraint       = "events_pkey"
)

// AppendListener is notified after an append commits. The outbox relay
// registers itself here so new rows are drained ahead of the next poll tick.
type AppendListener interface {
	Notify()
}

// Store reads and appends tenant-scoped event streams.
type Store struct {
	pool     *pgxpool.Pool
	logger   *zap.Logger
	listener AppendListener
}

// NewStore wires a store over the given pool. listener may be nil when no
// relay runs in-process.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger, listener AppendListener) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger, listener: listener}
}

// AppendEvents appends events to the aggregate's stream if and only if the
// stream's current version equals expectedVersion (0 for a new aggregate).
// Events receive contiguous versions starting at expectedVersion+1, and each
// one is copied into the outbox within the same transaction. The new stream
// version is returned.
func (s *Store) AppendEvents(ctx context.Context, tenantID, aggregateID uuid.UUID, aggregateType string, expectedVersion int64, events []domain.Event) (int64, error) {
	if err := validateAppend(tenantID, aggregateID, aggregateType, expectedVersion, events); err != nil {
		return 0, err
	}

	payloads := make([][]byte, len(events))
	for i, ev := range events {
		data, err := codec.Encode(ev)
		if err != nil {
			return 0, err
		}
		payloads[i] = data
	}

	start := time.Now()
	var newVersion int64
	err := postgres.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := streamVersion(ctx, tx, tenantID, aggregateID)
		if err != nil {
			return err
		}
		if current != expectedVersion {
			return &ConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: current}
		}

		for i, ev := range events {
			version := current + int64(i) + 1
			if _, err := tx.Exec(ctx,
				`INSERT INTO events (event_id, aggregate_id, aggregate_type, event_type, event_data, version, tenant_id, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				ev.EventID(), aggregateID, aggregateType, ev.EventType(), payloads[i], version, tenantID, ev.OccurredAt(),
			); err != nil {
				return mapInsertError(err, aggregateID, ev.EventID(), expectedVersion, version)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO outbox (event_id, aggregate_id, aggregate_type, event_type, event_data, tenant_id)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				ev.EventID(), aggregateID, aggregateType, ev.EventType(), payloads[i], tenantID,
			); err != nil {
				return fmt.Errorf("eventstore: insert outbox row: %w", err)
			}
		}
		newVersion = current + int64(len(events))
		return nil
	})
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			conflictCounter.Inc()
		}
		return 0, err
	}

	appendDuration.Observe(time.Since(start).Seconds())
	appendedCounter.Add(float64(len(events)))
	s.logger.Debug("events appended",
		zap.String("aggregate_id", aggregateID.String()),
		zap.String("aggregate_type", aggregateType),
		zap.Int("count", len(events)),
		zap.Int64("new_version", newVersion))

	if s.listener != nil {
		s.listener.Notify()
	}
	return newVersion, nil
}

// StoredEvent is one record of an aggregate's history as read back from the
// store. Event carries the re-hydrated payload; Payload keeps the raw bytes
// for callers that forward events without caring about the concrete type.
type StoredEvent struct {
	EventID   uuid.UUID
	EventType string
	Version   int64
	CreatedAt time.Time
	Payload   json.RawMessage
	Event     domain.Event
}

// LoadOption narrows a LoadEvents call.
type LoadOption func(*loadOptions)

type loadOptions struct {
	fromVersion int64
	limit       int
}

// WithFromVersion returns only events with a version strictly greater than v.
func WithFromVersion(v int64) LoadOption {
	return func(o *loadOptions) { o.fromVersion = v }
}

// WithLimit caps the number of events returned.
func WithLimit(n int) LoadOption {
	return func(o *loadOptions) { o.limit = n }
}

// LoadEvents returns the aggregate's events in version order. It reports
// *NotFoundError when the aggregate has no events at all; a pagination window
// past the head of an existing stream yields an empty slice instead.
func (s *Store) LoadEvents(ctx context.Context, tenantID, aggregateID uuid.UUID, aggregateType string, opts ...LoadOption) ([]StoredEvent, error) {
	if tenantID == uuid.Nil {
		return nil, &ArgumentError{Reason: "tenant id is required"}
	}
	if aggregateID == uuid.Nil {
		return nil, &ArgumentError{Reason: "aggregate id is required"}
	}

	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.fromVersion < 0 {
		return nil, &ArgumentError{Reason: "from version must not be negative"}
	}
	if o.limit < 0 {
		return nil, &ArgumentError{Reason: "limit must not be negative"}
	}

	query := `SELECT event_id, event_type, event_data, version, created_at
		FROM events
		WHERE aggregate_id = $1 AND tenant_id = $2 AND version > $3
		ORDER BY version ASC`
	args := []any{aggregateID, tenantID, o.fromVersion}
	if o.limit > 0 {
		query += ` LIMIT $4`
		args = append(args, o.limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventstore: query events: %w", err)
	}
	defer rows.Close()

	var records []StoredEvent
	for rows.Next() {
		var rec StoredEvent
		if err := rows.Scan(&rec.EventID, &rec.EventType, &rec.Payload, &rec.Version, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("eventstore: scan event row: %w", err)
		}
		ev, err := codec.Decode(rec.EventType, rec.Payload)
		if err != nil {
			return nil, err
		}
		rec.Event = ev
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventstore: read events: %w", err)
	}

	if len(records) == 0 {
		if o.fromVersion > 0 {
			head, err := s.CurrentVersion(ctx, tenantID, aggregateID)
			if err != nil {
				return nil, err
			}
			if head > 0 {
				return []StoredEvent{}, nil
			}
		}
		return nil, &NotFoundError{AggregateID: aggregateID, AggregateType: aggregateType}
	}
	return records, nil
}

// CurrentVersion returns the version of the aggregate's latest event, or 0
// when the aggregate does not exist.
func (s *Store) CurrentVersion(ctx context.Context, tenantID, aggregateID uuid.UUID) (int64, error) {
	return streamVersion(ctx, s.pool, tenantID, aggregateID)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func streamVersion(ctx context.Context, q querier, tenantID, aggregateID uuid.UUID) (int64, error) {
	var version int64
	err := q.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1 AND tenant_id = $2`,
		aggregateID, tenantID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("eventstore: read stream version: %w", err)
	}
	return version, nil
}

// mapInsertError translates unique violations raised by the events table into
// domain errors. The stream version constraint fires when two writers pass
// the version check concurrently; the attempted version is reported as the
// conflicting one.
func mapInsertError(err error, aggregateID, eventID uuid.UUID, expected, attempted int64) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		switch pgErr.ConstraintName {
		case eventPKConstraint:
			return &DuplicateEventError{EventID: eventID}
		case streamVersionConstraint:
			return &ConflictError{AggregateID: aggregateID, Expected: expected, Actual: attempted}
		}
	}
	return fmt.Errorf("eventstore: insert event: %w", err)
}

func validateAppend(tenantID, aggregateID uuid.UUID, aggregateType string, expectedVersion int64, events []domain.Event) error {
	if tenantID == uuid.Nil {
		return &ArgumentError{Reason: "tenant id is required"}
	}
	if aggregateID == uuid.Nil {
		return &ArgumentError{Reason: "aggregate id is required"}
	}
	if aggregateType == "" {
		return &ArgumentError{Reason: "aggregate type is required"}
	}
	if expectedVersion < 0 {
		return &ArgumentError{Reason: "expected version must not be negative"}
	}
	if len(events) == 0 {
		return &ArgumentError{Reason: "empty event batch"}
	}
	for _, ev := range events {
		if ev == nil {
			return &ArgumentError{Reason: "nil event in batch"}
		}
		if ev.EventID() == uuid.Nil {
			return &ArgumentError{Reason: "event is missing an event id"}
		}
		if ev.AggregateID() != aggregateID {
			return &ArgumentError{Reason: fmt.Sprintf("event %s belongs to aggregate %s", ev.EventID(), ev.AggregateID())}
		}
	}
	return nil
}
