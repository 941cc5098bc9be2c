package eventstore

import (
	"fmt"

	"github.com/google/uuid"
)

// ConflictError reports an optimistic concurrency failure: the stream head did
// not match the caller's expectation. Callers reload the aggregate, recompute
// intent, and retry; the store never retries on its own.
type ConflictError struct {
	AggregateID uuid.UUID
	Expected    int64
	Actual      int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("eventstore: concurrency conflict on aggregate %s: expected version %d, actual %d",
		e.AggregateID, e.Expected, e.Actual)
}

// NotFoundError reports a load against an aggregate with no recorded history.
// An aggregate only exists once its creation event has been appended.
type NotFoundError struct {
	AggregateID   uuid.UUID
	AggregateType string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("eventstore: %s %s not found", e.AggregateType, e.AggregateID)
}

// ArgumentError reports caller input that can never succeed and must not be
// retried.
type ArgumentError struct {
	Reason string
}

func (e *ArgumentError) Error() string {
	return "eventstore: invalid argument: " + e.Reason
}

// DuplicateEventError reports an append carrying an event id that is already
// stored. Event ids are globally unique; a retry with the same id fails with
// this distinct error rather than a concurrency conflict.
type DuplicateEventError struct {
	EventID uuid.UUID
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("eventstore: event %s already stored", e.EventID)
}
