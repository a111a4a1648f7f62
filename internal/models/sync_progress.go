package models

import "time"

// SyncPhase is the stage of an in-flight sync run
type SyncPhase string

const (
	PhaseUploading   SyncPhase = "uploading"
	PhaseDownloading SyncPhase = "downloading"
	PhaseComplete    SyncPhase = "complete"
	PhaseError       SyncPhase = "error"
)

// SyncProgress reports counters for the current sync run. It is never persisted.
type SyncProgress struct {
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Phase     SyncPhase `json:"phase"`
}

// SyncStatus is the externally visible state of the sync engine
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusError   SyncStatus = "error"
	SyncStatusOffline SyncStatus = "offline"
)

// SyncSnapshot is a point-in-time copy of the state machine
type SyncSnapshot struct {
	Status       SyncStatus    `json:"syncStatus"`
	State        SyncStatus    `json:"state"`
	Offline      bool          `json:"offline"`
	PendingCount int           `json:"pendingCount"`
	LastSyncTime *time.Time    `json:"lastSyncTime"`
	LastError    string        `json:"lastError,omitempty"`
	Progress     *SyncProgress `json:"progress,omitempty"`
}

// EntryFailure describes one entry that did not reach success in a run
type EntryFailure struct {
	QueueID    string      `json:"queueId"`
	EntityKind EntityKind  `json:"entityKind"`
	Status     QueueStatus `json:"status"`
	Reason     string      `json:"reason"`
}

// SyncReport is the outcome of one drain-and-refresh cycle
type SyncReport struct {
	StartedAt   time.Time      `json:"startedAt"`
	FinishedAt  time.Time      `json:"finishedAt"`
	Total       int            `json:"total"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	Conflicts   int            `json:"conflicts"`
	Retrying    int            `json:"retrying"`
	Skipped     int            `json:"skipped"`
	Failures    []EntryFailure `json:"failures,omitempty"`
	ReferenceOK bool           `json:"referenceOk"`
	Aborted     bool           `json:"aborted"`
}

// HasPermanentFailures reports whether any entry ended failed or in conflict
func (r *SyncReport) HasPermanentFailures() bool {
	return r.Failed > 0 || r.Conflicts > 0
}
