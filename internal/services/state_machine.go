package services

import (
	"errors"
	"sync"
	"time"

	"github.com/possync/client/internal/models"
)

// StateMachine is the externally visible sync status: idle, syncing or error,
// with an offline flag that overrides the displayed status while set.
// Only the holder of the orchestrator lock drives it into syncing.
type StateMachine struct {
	mu        sync.RWMutex
	state     models.SyncStatus
	offline   bool
	pending   int
	lastSync  *time.Time
	lastError string
	progress  *models.SyncProgress

	subMu       sync.Mutex
	subscribers map[int]func(models.SyncSnapshot)
	nextSubID   int
}

// NewStateMachine starts idle with the given connectivity
func NewStateMachine(online bool) *StateMachine {
	return &StateMachine{
		state:       models.SyncStatusIdle,
		offline:     !online,
		subscribers: make(map[int]func(models.SyncSnapshot)),
	}
}

// Snapshot returns a copy of the current state
func (m *StateMachine) Snapshot() models.SyncSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *StateMachine) snapshotLocked() models.SyncSnapshot {
	snap := models.SyncSnapshot{
		Status:       m.state,
		State:        m.state,
		Offline:      m.offline,
		PendingCount: m.pending,
		LastError:    m.lastError,
	}
	if m.offline {
		snap.Status = models.SyncStatusOffline
	}
	if m.lastSync != nil {
		t := *m.lastSync
		snap.LastSyncTime = &t
	}
	if m.progress != nil {
		p := *m.progress
		snap.Progress = &p
	}
	return snap
}

// State returns the underlying state without the offline overlay
func (m *StateMachine) State() models.SyncStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// CanAutoStart reports whether an automatic trigger should start a run.
// Only idle qualifies: error is left through a manual retry.
func (m *StateMachine) CanAutoStart() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.offline && m.state == models.SyncStatusIdle && m.pending > 0
}

// SyncStarted implements RunObserver
func (m *StateMachine) SyncStarted(progress models.SyncProgress) {
	m.update(func() {
		m.state = models.SyncStatusSyncing
		m.progress = &progress
	})
}

// SyncProgressed implements RunObserver
func (m *StateMachine) SyncProgressed(progress models.SyncProgress) {
	m.update(func() {
		if m.state == models.SyncStatusSyncing {
			m.progress = &progress
		}
	})
}

// SyncFinished implements RunObserver
func (m *StateMachine) SyncFinished(report *models.SyncReport, err error) {
	m.update(func() {
		m.progress = nil
		if err != nil {
			m.state = models.SyncStatusError
			m.lastError = userMessage(err)
		} else {
			m.state = models.SyncStatusIdle
			m.lastError = ""
		}
		if report != nil && !report.Aborted {
			t := report.FinishedAt
			m.lastSync = &t
		}
	})
}

// userMessage keeps transport detail out of the status shown to users
func userMessage(err error) string {
	var syncErr *SyncError
	switch {
	case errors.As(err, &syncErr):
		return syncErr.Error()
	case errors.Is(err, ErrAuthentication):
		return "authentication required: please sign in again"
	case errors.Is(err, ErrShuttingDown):
		return "sync stopped"
	default:
		return "sync could not complete: " + err.Error()
	}
}

// SetOffline sets the offline overlay
func (m *StateMachine) SetOffline(offline bool) {
	m.update(func() { m.offline = offline })
}

// SetPending updates the pending counter
func (m *StateMachine) SetPending(n int) {
	m.update(func() { m.pending = n })
}

// SetLastSync restores a persisted last sync time
func (m *StateMachine) SetLastSync(t *time.Time) {
	m.update(func() { m.lastSync = t })
}

// Reset returns to idle with no history
func (m *StateMachine) Reset(online bool) {
	m.update(func() {
		m.state = models.SyncStatusIdle
		m.offline = !online
		m.pending = 0
		m.lastSync = nil
		m.lastError = ""
		m.progress = nil
	})
}

// Subscribe registers fn for every change. The returned func unsubscribes.
func (m *StateMachine) Subscribe(fn func(models.SyncSnapshot)) func() {
	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subscribers, id)
		m.subMu.Unlock()
	}
}

func (m *StateMachine) update(fn func()) {
	m.mu.Lock()
	fn()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.subMu.Lock()
	subs := make([]func(models.SyncSnapshot), 0, len(m.subscribers))
	for _, s := range m.subscribers {
		subs = append(subs, s)
	}
	m.subMu.Unlock()

	for _, s := range subs {
		s(snap)
	}
}
