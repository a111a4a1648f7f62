package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQueueEntry(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.FixedZone("BDT", 6*3600))

	t.Run("creates pending entry with valid parameters", func(t *testing.T) {
		payload := json.RawMessage(`{"total":100}`)

		entry, err := NewQueueEntry(OperationCreate, EntitySale, 7, "post", "/sales", payload, now)

		require.NoError(t, err)
		assert.NotEmpty(t, entry.ID)
		assert.Equal(t, OperationCreate, entry.Operation)
		assert.Equal(t, EntitySale, entry.EntityKind)
		assert.Equal(t, int64(7), entry.LocalEntityID)
		assert.Equal(t, "POST", entry.Method)
		assert.Equal(t, QueueStatusPending, entry.Status)
		assert.Zero(t, entry.Attempts)
		assert.Equal(t, DefaultMaxAttempts, entry.MaxAttempts)
		assert.Equal(t, time.UTC, entry.CreatedAt.Location())
		assert.True(t, entry.CreatedAt.Equal(now))
		assert.True(t, entry.NextAttemptAt.Equal(now))
		assert.JSONEq(t, `{"total":100}`, string(entry.Payload))
	})

	t.Run("ids are unique", func(t *testing.T) {
		a, err := NewQueueEntry(OperationCreate, EntitySale, 1, "POST", "/sales", nil, now)
		require.NoError(t, err)
		b, err := NewQueueEntry(OperationCreate, EntitySale, 1, "POST", "/sales", nil, now)
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)
	})

	tests := []struct {
		name     string
		op       Operation
		kind     EntityKind
		localID  int64
		method   string
		endpoint string
		want     error
	}{
		{"unknown kind", OperationCreate, EntityKind("invoice_template"), 1, "POST", "/x", ErrUnknownEntityKind},
		{"unknown operation", Operation("UPSERT"), EntitySale, 1, "POST", "/sales", ErrUnknownOperation},
		{"empty endpoint", OperationCreate, EntitySale, 1, "POST", "  ", ErrEmptyEndpoint},
		{"read method", OperationCreate, EntitySale, 1, "GET", "/sales", ErrInvalidMethod},
		{"negative local id", OperationCreate, EntitySale, -1, "POST", "/sales", ErrInvalidLocalID},
	}
	for _, tt := range tests {
		t.Run("rejects "+tt.name, func(t *testing.T) {
			_, err := NewQueueEntry(tt.op, tt.kind, tt.localID, tt.method, tt.endpoint, nil, now)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestQueueEntry_GroupKey(t *testing.T) {
	now := time.Now()

	t.Run("same entity shares a group", func(t *testing.T) {
		a, _ := NewQueueEntry(OperationCreate, EntityParty, 3, "POST", "/parties", nil, now)
		b, _ := NewQueueEntry(OperationUpdate, EntityParty, 3, "PUT", "/parties/{remote_id}", nil, now)
		assert.Equal(t, a.GroupKey(), b.GroupKey())
	})

	t.Run("kind is part of the key", func(t *testing.T) {
		a, _ := NewQueueEntry(OperationCreate, EntityParty, 3, "POST", "/parties", nil, now)
		b, _ := NewQueueEntry(OperationCreate, EntityProduct, 3, "POST", "/products", nil, now)
		assert.NotEqual(t, a.GroupKey(), b.GroupKey())
	})

	t.Run("entries without a local id stand alone", func(t *testing.T) {
		a, _ := NewQueueEntry(OperationCreate, EntityExpense, 0, "POST", "/expenses", nil, now)
		b, _ := NewQueueEntry(OperationCreate, EntityExpense, 0, "POST", "/expenses", nil, now)
		assert.NotEqual(t, a.GroupKey(), b.GroupKey())
		assert.True(t, strings.HasPrefix(a.GroupKey(), "expense:"))
	})
}

func TestQueueEntry_CanRetry(t *testing.T) {
	entry := &QueueEntry{Attempts: 4, MaxAttempts: 5}
	assert.True(t, entry.CanRetry())
	entry.Attempts = 5
	assert.False(t, entry.CanRetry())
}

func TestOperationForMethod(t *testing.T) {
	assert.Equal(t, OperationCreate, OperationForMethod("post"))
	assert.Equal(t, OperationUpdate, OperationForMethod("PUT"))
	assert.Equal(t, OperationUpdate, OperationForMethod("PATCH"))
	assert.Equal(t, OperationDelete, OperationForMethod("DELETE"))
	assert.Equal(t, Operation(""), OperationForMethod("GET"))
	assert.Equal(t, Operation(""), OperationForMethod("HEAD"))
}

func TestQueueStatus(t *testing.T) {
	for _, s := range []QueueStatus{QueueStatusPending, QueueStatusInFlight, QueueStatusSuccess, QueueStatusFailed, QueueStatusConflict} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, QueueStatus("done").Valid())

	assert.False(t, QueueStatusPending.IsTerminal())
	assert.False(t, QueueStatusInFlight.IsTerminal())
	assert.True(t, QueueStatusSuccess.IsTerminal())
	assert.True(t, QueueStatusFailed.IsTerminal())
	assert.True(t, QueueStatusConflict.IsTerminal())
}

func TestSyncReport_HasPermanentFailures(t *testing.T) {
	assert.False(t, (&SyncReport{Succeeded: 2, Retrying: 1}).HasPermanentFailures())
	assert.True(t, (&SyncReport{Failed: 1}).HasPermanentFailures())
	assert.True(t, (&SyncReport{Conflicts: 1}).HasPermanentFailures())
}
