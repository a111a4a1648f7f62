package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/possync/client/internal/models"
	"github.com/possync/client/internal/observability"
	"github.com/possync/client/internal/services"
)

// CacheHandler serves reads: the conditional cache, the remote read-through
// and the offline reference copies
type CacheHandler struct {
	engine SyncEngine
}

// NewCacheHandler creates a new CacheHandler
func NewCacheHandler(engine SyncEngine) *CacheHandler {
	return &CacheHandler{engine: engine}
}

// Clear drops every cached response
// @Summary Clear the conditional cache
// @Tags cache
// @Produce json
// @Success 200 {object} models.ClearCacheResponse
// @Security ApiKeyAuth
// @Router /api/cache/clear [post]
func (h *CacheHandler) Clear(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, models.ClearCacheResponse{Cleared: h.engine.ClearCache()})
}

// Stats reports cache usage
// @Summary Conditional cache statistics
// @Tags cache
// @Produce json
// @Success 200 {object} models.CacheStats
// @Security ApiKeyAuth
// @Router /api/cache/stats [get]
func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.CacheStats())
}

// Remote performs a GET against the remote API through the conditional cache.
// The response body is passed through unchanged; X-Possync-Cache tells whether
// it came from the cache.
// @Summary Read through the cache
// @Tags cache
// @Param path path string true "Remote path"
// @Success 200
// @Failure 503 {object} models.ErrorResponse "Offline with no cached copy"
// @Security ApiKeyAuth
// @Router /api/remote/{path} [get]
func (h *CacheHandler) Remote(w http.ResponseWriter, r *http.Request) {
	path := "/" + strings.TrimLeft(chi.URLParam(r, "*"), "/")
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	resp, err := h.engine.Fetch(r.Context(), path)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrOffline):
			respondError(w, http.StatusServiceUnavailable, "Offline and no cached copy available")
		case errors.Is(err, services.ErrAuthentication):
			respondError(w, http.StatusUnauthorized, err.Error())
		default:
			observability.Warnf("Remote read %s failed: %v", path, err)
			respondError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if resp.FromCache {
		w.Header().Set("X-Possync-Cache", "hit")
	} else {
		w.Header().Set("X-Possync-Cache", "miss")
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// Reference returns a locally stored reference collection
// @Summary Get a reference collection
// @Tags cache
// @Param name path string true "Collection name"
// @Success 200 {object} models.ReferenceCollection
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/reference/{name} [get]
func (h *CacheHandler) Reference(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	collection, err := h.engine.ReferenceCollection(r.Context(), name)
	if err != nil {
		observability.Errorf("Error reading reference collection %s: %v", name, err)
		respondError(w, http.StatusInternalServerError, "Database error")
		return
	}
	if collection == nil {
		respondError(w, http.StatusNotFound, "Reference collection not synced yet")
		return
	}
	respondJSON(w, http.StatusOK, collection)
}
