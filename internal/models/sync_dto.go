package models

// QueueListResponse for GET /api/sync/queue
type QueueListResponse struct {
	Entries    []*QueueEntry `json:"entries"`
	TotalCount int           `json:"totalCount"`
	Status     string        `json:"status,omitempty"`
}

// QueueStatsResponse counts entries per status
type QueueStatsResponse struct {
	Pending   int `json:"pending"`
	InFlight  int `json:"inFlight"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
}

// TriggerSyncResponse for POST /api/sync/trigger
type TriggerSyncResponse struct {
	Started bool        `json:"started"`
	Report  *SyncReport `json:"report,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ConnectivityRequest for POST /api/connectivity
type ConnectivityRequest struct {
	Online bool `json:"online"`
}

// ClearCacheResponse for POST /api/cache/clear
type ClearCacheResponse struct {
	Cleared int `json:"cleared"`
}
