package handlers

import (
	"net/http"
)

// Version information injected at build time
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

type VersionResponse struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildTime string `json:"buildTime"`
	DeviceID  string `json:"deviceId"`
	RemoteURL string `json:"remoteUrl"`
}

// VersionHandler reports the build and the identity this installation syncs as
type VersionHandler struct {
	engine    interface{ DeviceID() string }
	remoteURL string
}

func NewVersionHandler(engine interface{ DeviceID() string }, remoteURL string) *VersionHandler {
	return &VersionHandler{engine: engine, remoteURL: remoteURL}
}

// GetVersion
// @Summary Build and device information
// @Tags health
// @Produce json
// @Success 200 {object} VersionResponse
// @Security ApiKeyAuth
// @Router /api/version [get]
func (h *VersionHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, VersionResponse{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		DeviceID:  h.engine.DeviceID(),
		RemoteURL: h.remoteURL,
	})
}
