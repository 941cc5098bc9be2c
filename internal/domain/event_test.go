package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewMetadata(t *testing.T) {
	meta := NewMetadata()

	require.NotEqual(t, uuid.Nil, meta.EventID)
	require.NotEqual(t, uuid.Nil, meta.CorrelationID)
	require.Equal(t, uuid.Version(7), meta.EventID.Version())
	require.Equal(t, uuid.Version(7), meta.CorrelationID.Version())
	require.Equal(t, 1, meta.SchemaVersion)
	require.Nil(t, meta.CausationID)
	require.Nil(t, meta.UserID)
	require.Equal(t, time.UTC, meta.Timestamp.Location())
	require.WithinDuration(t, time.Now().UTC(), meta.Timestamp, 2*time.Second)
}

func TestMetadataEventIDsSortChronologically(t *testing.T) {
	first := NewMetadata()
	second := NewMetadata()

	require.Less(t, first.EventID.String(), second.EventID.String())
}

func TestMetadataCaused(t *testing.T) {
	parent := NewMetadata()
	child := NewMetadata().Caused(parent)

	require.Equal(t, parent.CorrelationID, child.CorrelationID)
	require.NotNil(t, child.CausationID)
	require.Equal(t, parent.EventID, *child.CausationID)
	require.NotEqual(t, parent.EventID, child.EventID)
}

func TestEnvelopeAccessors(t *testing.T) {
	aggregateID := uuid.Must(uuid.NewV7())
	env := NewEnvelope(aggregateID)

	ev := &AccountRenamed{Envelope: env, OldName: "Old", NewName: "New"}

	require.Equal(t, aggregateID, ev.AggregateID())
	require.Equal(t, env.Metadata.EventID, ev.EventID())
	require.Equal(t, env.Metadata.Timestamp, ev.OccurredAt())
	require.Equal(t, "AccountRenamed", ev.EventType())
}

func TestRegistryCoversAllVariants(t *testing.T) {
	expected := []string{
		"AccountClosed",
		"AccountCreated",
		"AccountRenamed",
		"BudgetCreated",
		"BudgetExceeded",
		"TransactionCategorized",
		"TransactionCreated",
		"TransactionTagged",
	}
	require.Equal(t, expected, RegisteredTypes())

	for _, tag := range expected {
		ev, ok := NewEvent(tag)
		require.True(t, ok, "missing constructor for %s", tag)
		require.Equal(t, tag, ev.EventType())
	}
}

func TestNewEventUnknownType(t *testing.T) {
	ev, ok := NewEvent("AccountExploded")
	require.False(t, ok)
	require.Nil(t, ev)
}
