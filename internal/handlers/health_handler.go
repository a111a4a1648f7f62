package handlers

import (
	"net/http"
	"time"

	"github.com/possync/client/internal/models"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	engine interface{ IsOnline() bool }
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(engine interface{ IsOnline() bool }) *HealthHandler {
	return &HealthHandler{engine: engine}
}

// HealthCheck returns the daemon health status. The daemon is healthy while
// offline; the flag only reports whether the remote API is reachable.
// @Summary Health check
// @Tags health
// @Produce json
// @Success 200 {object} models.HealthResponse "Daemon is healthy"
// @Router /health [get]
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, models.HealthResponse{
		Status:    "healthy",
		Online:    h.engine.IsOnline(),
		Timestamp: time.Now().UTC(),
	})
}
