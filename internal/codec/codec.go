// Package codec serializes domain events to the canonical payload stored in
// the event and outbox tables and published on the bus.
//
// The payload is UTF-8 JSON whose keys match the event's field names:
// identifiers as lowercase hyphenated strings, decimals as decimal strings
// (never floats), timestamps as ISO-8601 UTC, enums as their wire value,
// metadata as a nested object. Optional fields encode as null; the decoder
// also accepts an omitted key.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"example.com/finance/internal/domain"
)

// EncodeError reports a payload that could not be produced, such as a
// non-finite number. No partial payloads are emitted.
type EncodeError struct {
	EventType string
	Err       error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("codec: encode %s: %v", e.EventType, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError reports a stored payload that could not be reconstructed.
type DecodeError struct {
	EventType string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: decode %s: %v", e.EventType, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode renders the event as its canonical payload bytes. Encoding is
// deterministic for a given event value.
func Encode(ev domain.Event) ([]byte, error) {
	if ev == nil {
		return nil, &EncodeError{Err: errors.New("nil event")}
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, &EncodeError{EventType: ev.EventType(), Err: err}
	}
	return data, nil
}

// Decode re-hydrates a stored payload into its typed variant using the event
// registry. The type tag travels next to the payload, not inside it.
func Decode(eventType string, data []byte) (domain.Event, error) {
	ev, ok := domain.NewEvent(eventType)
	if !ok {
		return nil, &DecodeError{EventType: eventType, Err: errors.New("unregistered event type")}
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, &DecodeError{EventType: eventType, Err: err}
	}
	return ev, nil
}

// DecodeGeneric parses a payload without knowledge of its event type,
// returning the raw field mapping.
func DecodeGeneric(data []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return out, nil
}
