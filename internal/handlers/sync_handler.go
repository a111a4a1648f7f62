package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/possync/client/internal/models"
	"github.com/possync/client/internal/observability"
	"github.com/possync/client/internal/repository"
	"github.com/possync/client/internal/services"
)

// SyncHandler exposes sync status, manual triggers and queue management
type SyncHandler struct {
	engine SyncEngine
}

// NewSyncHandler creates a new SyncHandler
func NewSyncHandler(engine SyncEngine) *SyncHandler {
	return &SyncHandler{engine: engine}
}

// GetStatus returns the sync status
// @Summary Get sync status
// @Description Pending count, sync status (idle, syncing, error, offline), last sync time and run progress
// @Tags sync
// @Produce json
// @Success 200 {object} models.SyncSnapshot
// @Security ApiKeyAuth
// @Router /api/sync/status [get]
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.Snapshot())
}

// Trigger runs a manual sync and waits for it to finish
// @Summary Trigger sync
// @Tags sync
// @Produce json
// @Success 200 {object} models.TriggerSyncResponse
// @Failure 409 {object} models.TriggerSyncResponse "A sync is already running"
// @Failure 503 {object} models.TriggerSyncResponse "Offline"
// @Security ApiKeyAuth
// @Router /api/sync/trigger [post]
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	// A disconnecting client must not cut the run short
	report, err := h.engine.TriggerManualSync(context.WithoutCancel(r.Context()))

	var syncErr *services.SyncError
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, models.TriggerSyncResponse{Started: true, Report: report})
	case errors.Is(err, services.ErrSyncInProgress):
		respondJSON(w, http.StatusConflict, models.TriggerSyncResponse{Error: err.Error()})
	case errors.Is(err, services.ErrOffline), errors.Is(err, services.ErrNotInitialized), errors.Is(err, services.ErrShuttingDown):
		respondJSON(w, http.StatusServiceUnavailable, models.TriggerSyncResponse{Error: err.Error()})
	case errors.As(err, &syncErr):
		// The run completed; some entries need attention
		respondJSON(w, http.StatusOK, models.TriggerSyncResponse{Started: true, Report: report, Error: err.Error()})
	case errors.Is(err, services.ErrAuthentication):
		respondJSON(w, http.StatusUnauthorized, models.TriggerSyncResponse{Started: true, Report: report, Error: err.Error()})
	default:
		observability.Errorf("Manual sync failed: %v", err)
		respondJSON(w, http.StatusBadGateway, models.TriggerSyncResponse{Started: true, Report: report, Error: err.Error()})
	}
}

// ListQueue lists queue entries, newest first
// @Summary List queue entries
// @Tags sync
// @Produce json
// @Param status query string false "pending, in_flight, success, failed or conflict"
// @Param limit query int false "Maximum entries (default 100, max 500)"
// @Success 200 {object} models.QueueListResponse
// @Failure 400 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/sync/queue [get]
func (h *SyncHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	status := models.QueueStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		respondError(w, http.StatusBadRequest, "Unknown status: "+string(status))
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > 500 {
		limit = 500
	}

	entries, err := h.engine.ListQueue(r.Context(), status, limit)
	if err != nil {
		observability.Errorf("Error listing queue: %v", err)
		respondError(w, http.StatusInternalServerError, "Database error")
		return
	}
	if entries == nil {
		entries = []*models.QueueEntry{}
	}

	respondJSON(w, http.StatusOK, models.QueueListResponse{
		Entries:    entries,
		TotalCount: len(entries),
		Status:     string(status),
	})
}

// QueueStats counts entries per status
// @Summary Queue statistics
// @Tags sync
// @Produce json
// @Success 200 {object} models.QueueStatsResponse
// @Security ApiKeyAuth
// @Router /api/sync/queue/stats [get]
func (h *SyncHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.QueueStats(r.Context())
	if err != nil {
		observability.Errorf("Error reading queue stats: %v", err)
		respondError(w, http.StatusInternalServerError, "Database error")
		return
	}
	respondJSON(w, http.StatusOK, models.QueueStatsResponse{
		Pending:   stats[models.QueueStatusPending],
		InFlight:  stats[models.QueueStatusInFlight],
		Success:   stats[models.QueueStatusSuccess],
		Failed:    stats[models.QueueStatusFailed],
		Conflicts: stats[models.QueueStatusConflict],
	})
}

// RetryEntry resets a failed or conflicting entry
// @Summary Retry a queue entry
// @Tags sync
// @Param id path string true "Queue entry ID"
// @Success 204
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse "Entry is not failed or in conflict"
// @Security ApiKeyAuth
// @Router /api/sync/queue/{id}/retry [post]
func (h *SyncHandler) RetryEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.engine.RetryEntry(r.Context(), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, models.ErrEntryNotFound):
		respondError(w, http.StatusNotFound, "Queue entry not found")
	case errors.Is(err, repository.ErrNotRetryable):
		respondError(w, http.StatusConflict, err.Error())
	default:
		observability.Errorf("Error retrying entry %s: %v", id, err)
		respondError(w, http.StatusInternalServerError, "Database error")
	}
}

// DiscardEntry deletes an entry, accepting the server's state
// @Summary Discard a queue entry
// @Tags sync
// @Param id path string true "Queue entry ID"
// @Success 204
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse "Entry is being delivered"
// @Security ApiKeyAuth
// @Router /api/sync/queue/{id} [delete]
func (h *SyncHandler) DiscardEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.engine.DiscardEntry(r.Context(), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, models.ErrEntryNotFound):
		respondError(w, http.StatusNotFound, "Queue entry not found")
	case errors.Is(err, services.ErrEntryInFlight):
		respondError(w, http.StatusConflict, err.Error())
	default:
		observability.Errorf("Error discarding entry %s: %v", id, err)
		respondError(w, http.StatusInternalServerError, "Database error")
	}
}
