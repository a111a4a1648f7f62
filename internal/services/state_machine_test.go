package services

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/possync/client/internal/models"
)

func TestStateMachine(t *testing.T) {
	finished := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("starts idle", func(t *testing.T) {
		m := NewStateMachine(true)
		snap := m.Snapshot()
		assert.Equal(t, models.SyncStatusIdle, snap.Status)
		assert.Nil(t, snap.LastSyncTime)
		assert.False(t, m.CanAutoStart())
	})

	t.Run("offline overrides the displayed status", func(t *testing.T) {
		m := NewStateMachine(true)
		m.SyncStarted(models.SyncProgress{Phase: models.PhaseUploading})
		m.SetOffline(true)

		snap := m.Snapshot()
		assert.Equal(t, models.SyncStatusOffline, snap.Status)
		assert.Equal(t, models.SyncStatusSyncing, snap.State)

		m.SetOffline(false)
		assert.Equal(t, models.SyncStatusSyncing, m.Snapshot().Status)
	})

	t.Run("successful run returns to idle and records last sync", func(t *testing.T) {
		m := NewStateMachine(true)
		m.SyncStarted(models.SyncProgress{Total: 2})
		m.SyncProgressed(models.SyncProgress{Total: 2, Completed: 1})
		assert.Equal(t, 1, m.Snapshot().Progress.Completed)

		m.SyncFinished(&models.SyncReport{FinishedAt: finished}, nil)
		snap := m.Snapshot()
		assert.Equal(t, models.SyncStatusIdle, snap.Status)
		require.NotNil(t, snap.LastSyncTime)
		assert.True(t, finished.Equal(*snap.LastSyncTime))
		assert.Nil(t, snap.Progress)
	})

	t.Run("permanent failures move to error but still count as a sync", func(t *testing.T) {
		m := NewStateMachine(true)
		m.SyncStarted(models.SyncProgress{})
		m.SyncFinished(&models.SyncReport{FinishedAt: finished, Failed: 1}, &SyncError{Failed: 1, Reasons: []string{"product failed: name"}})

		snap := m.Snapshot()
		assert.Equal(t, models.SyncStatusError, snap.Status)
		assert.Contains(t, snap.LastError, "1 change(s) not synced")
		assert.NotNil(t, snap.LastSyncTime)
	})

	t.Run("aborted run leaves last sync untouched", func(t *testing.T) {
		m := NewStateMachine(true)
		m.SyncStarted(models.SyncProgress{})
		m.SyncFinished(&models.SyncReport{FinishedAt: finished, Aborted: true}, fmt.Errorf("%w: expired", ErrAuthentication))

		snap := m.Snapshot()
		assert.Equal(t, models.SyncStatusError, snap.Status)
		assert.Equal(t, "authentication required: please sign in again", snap.LastError)
		assert.Nil(t, snap.LastSyncTime)
	})

	t.Run("automatic start needs connectivity and pending work", func(t *testing.T) {
		m := NewStateMachine(false)
		m.SetPending(3)
		assert.False(t, m.CanAutoStart())

		m.SetOffline(false)
		assert.True(t, m.CanAutoStart())

		m.SyncStarted(models.SyncProgress{})
		assert.False(t, m.CanAutoStart())

		m.SyncFinished(&models.SyncReport{}, nil)
		assert.True(t, m.CanAutoStart())
	})

	t.Run("error state waits for a manual retry", func(t *testing.T) {
		m := NewStateMachine(true)
		m.SyncStarted(models.SyncProgress{})
		m.SyncFinished(&models.SyncReport{Failed: 1}, &SyncError{Failed: 1})
		m.SetPending(1)

		assert.Equal(t, models.SyncStatusError, m.State())
		assert.False(t, m.CanAutoStart())

		m.SetOffline(true)
		m.SetOffline(false)
		assert.False(t, m.CanAutoStart(), "reconnecting does not leave error")

		m.SyncStarted(models.SyncProgress{})
		m.SyncFinished(&models.SyncReport{}, nil)
		assert.True(t, m.CanAutoStart())
	})

	t.Run("notifies subscribers until they unsubscribe", func(t *testing.T) {
		m := NewStateMachine(true)
		var seen []models.SyncStatus
		unsubscribe := m.Subscribe(func(s models.SyncSnapshot) { seen = append(seen, s.Status) })

		m.SyncStarted(models.SyncProgress{})
		m.SyncFinished(&models.SyncReport{}, nil)
		unsubscribe()
		m.SetOffline(true)

		assert.Equal(t, []models.SyncStatus{models.SyncStatusSyncing, models.SyncStatusIdle}, seen)
	})

	t.Run("reset clears history", func(t *testing.T) {
		m := NewStateMachine(true)
		m.SetPending(2)
		m.SyncFinished(&models.SyncReport{FinishedAt: finished}, errors.New("boom"))

		m.Reset(true)
		snap := m.Snapshot()
		assert.Equal(t, models.SyncStatusIdle, snap.Status)
		assert.Equal(t, 0, snap.PendingCount)
		assert.Empty(t, snap.LastError)
		assert.Nil(t, snap.LastSyncTime)
	})
}
