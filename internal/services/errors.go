package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var (
	ErrOffline            = errors.New("device is offline")
	ErrSyncInProgress     = errors.New("sync already in progress")
	ErrAuthentication     = errors.New("authentication failed")
	ErrNotInitialized     = errors.New("sync engine not initialized")
	ErrShuttingDown       = errors.New("sync engine is shutting down")
	ErrUnresolvedRemoteID = errors.New("remote id is not known yet")
)

// NetworkError means no HTTP response was received: connection refused, DNS
// failure, reset or timeout.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsNetworkError reports whether err (or anything it wraps) is a *NetworkError
func IsNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// RemoteError is a non-2xx response from the remote API
type RemoteError struct {
	StatusCode int
	Message    string
	Validation map[string][]string
	Conflict   bool
	Body       []byte
}

func (e *RemoteError) Error() string {
	if len(e.Validation) > 0 {
		return "validation failed: " + formatValidation(e.Validation)
	}
	if e.Message != "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryableStatus reports whether a response status is a transient server-side failure
func IsRetryableStatus(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

// ParseRemoteError decodes the error body conventions of the remote API:
// {"message": "..."} or {"error": "..."}, {"errors": {"field": ["msg"]}}, and a
// conflict marker {"conflict": true} or {"code": "conflict"}.
func ParseRemoteError(status int, body []byte) *RemoteError {
	remoteErr := &RemoteError{StatusCode: status, Body: body}

	var parsed struct {
		Message  string          `json:"message"`
		Error    json.RawMessage `json:"error"`
		Code     string          `json:"code"`
		Conflict bool            `json:"conflict"`
		Errors   json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		remoteErr.Message = parsed.Message
		if remoteErr.Message == "" && len(parsed.Error) > 0 {
			var s string
			if json.Unmarshal(parsed.Error, &s) == nil {
				remoteErr.Message = s
			}
		}
		remoteErr.Validation = parseValidation(parsed.Errors)
		remoteErr.Conflict = parsed.Conflict || strings.EqualFold(parsed.Code, "conflict")
	} else if text := strings.TrimSpace(string(body)); text != "" && len(text) <= 200 {
		remoteErr.Message = text
	}

	if status == http.StatusConflict {
		remoteErr.Conflict = true
	} else if status != http.StatusUnprocessableEntity {
		remoteErr.Conflict = false
	}
	return remoteErr
}

// parseValidation accepts {"field": ["msg", ...]} and {"field": "msg"}
func parseValidation(raw json.RawMessage) map[string][]string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	out := make(map[string][]string, len(fields))
	for field, v := range fields {
		var list []string
		if err := json.Unmarshal(v, &list); err == nil {
			out[field] = list
			continue
		}
		var single string
		if err := json.Unmarshal(v, &single); err == nil {
			out[field] = []string{single}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func formatValidation(v map[string][]string) string {
	fields := make([]string, 0, len(v))
	for field := range v {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, field+": "+strings.Join(v[field], ", "))
	}
	return strings.Join(parts, "; ")
}

// SyncError is the user-facing aggregate of a run that left entries undelivered
type SyncError struct {
	Failed    int
	Conflicts int
	Reasons   []string
}

func (e *SyncError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d change(s) not synced", e.Failed+e.Conflicts)
	if e.Failed > 0 && e.Conflicts > 0 {
		fmt.Fprintf(&b, " (%d failed, %d in conflict)", e.Failed, e.Conflicts)
	} else if e.Conflicts > 0 {
		b.WriteString(" (conflict)")
	}
	if len(e.Reasons) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Reasons, "; "))
	}
	return b.String()
}
