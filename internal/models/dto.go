package models

import (
	"encoding/json"
	"time"
)

// HealthResponse is returned by health check
type HealthResponse struct {
	Status    string    `json:"status"`
	Online    bool      `json:"online"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// MutationRequest is a mutation submitted by the UI through the interceptor
type MutationRequest struct {
	Method        string          `json:"method"`
	Endpoint      string          `json:"endpoint"`
	EntityKind    EntityKind      `json:"entityKind,omitempty"`
	LocalEntityID int64           `json:"localEntityId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// MutationResponse mirrors the interceptor result for the UI
type MutationResponse struct {
	Outcome    string          `json:"outcome"` // sent, queued or failed
	QueueID    string          `json:"queueId,omitempty"`
	StatusCode int             `json:"statusCode,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
	Error      string          `json:"error,omitempty"`
}
