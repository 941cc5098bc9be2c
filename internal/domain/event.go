// Package domain defines the domain events recorded by the finance event store.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event is implemented by every domain event variant. Variants embed Envelope
// and add their type-specific payload fields.
type Event interface {
	EventType() string
	EventID() uuid.UUID
	AggregateID() uuid.UUID
	OccurredAt() time.Time
}

// Metadata is attached to every event for tracing and compliance.
// correlation_id is stable across a causal chain; causation_id points at the
// immediately upstream event.
type Metadata struct {
	EventID       uuid.UUID  `json:"event_id"`
	CorrelationID uuid.UUID  `json:"correlation_id"`
	Timestamp     time.Time  `json:"timestamp"`
	CausationID   *uuid.UUID `json:"causation_id"`
	UserID        *uuid.UUID `json:"user_id"`
	SchemaVersion int        `json:"schema_version"`
}

// NewMetadata builds metadata for a freshly raised event. Event and
// correlation ids are UUIDv7 so they sort chronologically; the timestamp is
// asserted by the producer, not the store.
func NewMetadata() Metadata {
	return Metadata{
		EventID:       uuid.Must(uuid.NewV7()),
		CorrelationID: uuid.Must(uuid.NewV7()),
		Timestamp:     time.Now().UTC(),
		SchemaVersion: 1,
	}
}

// Caused returns a copy of the metadata rewired for an event caused by
// parent: the correlation id is inherited and causation points at the parent.
func (m Metadata) Caused(parent Metadata) Metadata {
	causation := parent.EventID
	m.CorrelationID = parent.CorrelationID
	m.CausationID = &causation
	return m
}

// Envelope carries the fields shared by every event variant. Because it is
// embedded, its fields marshal flat at the top level of the payload.
type Envelope struct {
	Aggregate uuid.UUID `json:"aggregate_id"`
	Metadata  Metadata  `json:"metadata"`
}

// NewEnvelope builds an envelope with fresh metadata for the given aggregate.
func NewEnvelope(aggregateID uuid.UUID) Envelope {
	return Envelope{Aggregate: aggregateID, Metadata: NewMetadata()}
}

// EventID returns the unique event id from metadata.
func (e Envelope) EventID() uuid.UUID { return e.Metadata.EventID }

// AggregateID returns the id of the aggregate whose history this event extends.
func (e Envelope) AggregateID() uuid.UUID { return e.Aggregate }

// OccurredAt returns the producer-asserted event timestamp.
func (e Envelope) OccurredAt() time.Time { return e.Metadata.Timestamp }
