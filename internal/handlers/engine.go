package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/possync/client/internal/models"
	"github.com/possync/client/internal/services"
)

// SyncEngine is the part of services.Engine the local API drives
type SyncEngine interface {
	Snapshot() models.SyncSnapshot
	IsOnline() bool
	SetOnline(online bool)
	TriggerManualSync(ctx context.Context) (*models.SyncReport, error)
	ClearCache() int
	CacheStats() models.CacheStats
	ListQueue(ctx context.Context, status models.QueueStatus, limit int) ([]*models.QueueEntry, error)
	QueueStats(ctx context.Context) (map[models.QueueStatus]int, error)
	RetryEntry(ctx context.Context, id string) error
	DiscardEntry(ctx context.Context, id string) error
	Submit(ctx context.Context, m services.Mutation) services.Result
	Fetch(ctx context.Context, path string) (*services.Response, error)
	ReferenceCollection(ctx context.Context, name string) (*models.ReferenceCollection, error)
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, models.ErrorResponse{Error: message})
}
