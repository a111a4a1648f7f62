package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/possync/client/internal/models"
	"github.com/possync/client/internal/services"
)

// MutationHandler accepts application writes and connectivity events from the UI shell
type MutationHandler struct {
	engine SyncEngine
}

// NewMutationHandler creates a new MutationHandler
func NewMutationHandler(engine SyncEngine) *MutationHandler {
	return &MutationHandler{engine: engine}
}

// Submit sends a mutation now or queues it for later
// @Summary Submit a mutation
// @Description Sent (200 with the remote response), queued (202 with queue id) or failed
// @Tags mutations
// @Accept json
// @Produce json
// @Param request body models.MutationRequest true "Mutation"
// @Success 200 {object} models.MutationResponse "Sent"
// @Success 202 {object} models.MutationResponse "Queued"
// @Failure 400 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/mutations [post]
func (h *MutationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req models.MutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Method) == "" || strings.TrimSpace(req.Endpoint) == "" {
		respondError(w, http.StatusBadRequest, "method and endpoint are required")
		return
	}
	if req.LocalEntityID < 0 {
		respondError(w, http.StatusBadRequest, models.ErrInvalidLocalID.Error())
		return
	}

	result := h.engine.Submit(r.Context(), services.Mutation{
		Method:        req.Method,
		Endpoint:      req.Endpoint,
		EntityKind:    req.EntityKind,
		LocalEntityID: req.LocalEntityID,
		Payload:       req.Payload,
	})

	resp := models.MutationResponse{Outcome: string(result.Outcome), QueueID: result.QueueID}
	if result.Response != nil {
		resp.StatusCode = result.Response.StatusCode
		if json.Valid(result.Response.Body) {
			resp.Body = json.RawMessage(result.Response.Body)
		}
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}

	switch result.Outcome {
	case services.OutcomeSent:
		respondJSON(w, http.StatusOK, resp)
	case services.OutcomeQueued:
		respondJSON(w, http.StatusAccepted, resp)
	default:
		respondJSON(w, failureStatus(result), resp)
	}
}

// failureStatus mirrors the remote status for rejected mutations
func failureStatus(result services.Result) int {
	var remoteErr *services.RemoteError
	var queueErr models.QueueError
	switch {
	case errors.As(result.Err, &remoteErr):
		return remoteErr.StatusCode
	case errors.As(result.Err, &queueErr):
		return http.StatusBadRequest
	case errors.Is(result.Err, services.ErrAuthentication):
		return http.StatusUnauthorized
	case services.IsNetworkError(result.Err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Connectivity feeds an OS connectivity transition into the engine
// @Summary Report connectivity
// @Tags mutations
// @Accept json
// @Param request body models.ConnectivityRequest true "Connectivity"
// @Success 200 {object} models.SyncSnapshot
// @Failure 400 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/connectivity [post]
func (h *MutationHandler) Connectivity(w http.ResponseWriter, r *http.Request) {
	var req models.ConnectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	h.engine.SetOnline(req.Online)
	respondJSON(w, http.StatusOK, h.engine.Snapshot())
}
