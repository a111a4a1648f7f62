package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/possync/client/internal/models"
)

type daemonCall struct {
	Method string
	Path   string
	Query  string
	Key    string
	Body   string
}

type fakeDaemon struct {
	*httptest.Server
	mu    sync.Mutex
	calls []daemonCall
}

func newFakeDaemon(t *testing.T, routes func(r chi.Router)) *fakeDaemon {
	t.Helper()
	d := &fakeDaemon{}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			body, _ := io.ReadAll(req.Body)
			req.Body = io.NopCloser(bytes.NewReader(body))
			d.mu.Lock()
			d.calls = append(d.calls, daemonCall{req.Method, req.URL.Path, req.URL.RawQuery, req.Header.Get("X-API-Key"), string(body)})
			d.mu.Unlock()
			next.ServeHTTP(w, req)
		})
	})
	routes(r)
	d.Server = httptest.NewServer(r)
	t.Cleanup(d.Close)
	return d
}

func (d *fakeDaemon) Calls() []daemonCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]daemonCall(nil), d.calls...)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func run(t *testing.T, d *fakeDaemon, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--addr", d.URL, "--api-key", "k"}, args...)
	code := Execute(context.Background(), full, &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{
		{"status"}, {"sync"}, {"cache", "clear"}, {"cache", "stats"},
		{"queue", "list"}, {"queue", "stats"}, {"queue", "retry"}, {"queue", "discard"},
		{"connectivity"},
	} {
		t.Run(strings.Join(path, " "), func(t *testing.T) {
			sub, _, err := cmd.Find(path)
			require.NoError(t, err)
			assert.Equal(t, path[len(path)-1], sub.Name())
		})
	}
}

func TestStatusCommand(t *testing.T) {
	d := newFakeDaemon(t, func(r chi.Router) {
		r.Get("/api/sync/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, models.SyncSnapshot{Status: models.SyncStatusError, PendingCount: 2, LastError: "1 change(s) not synced"})
		})
	})

	t.Run("text", func(t *testing.T) {
		out, _, code := run(t, d, "status")
		assert.Equal(t, ExitSuccess, code)
		assert.Contains(t, out, "error")
		assert.Contains(t, out, "Pending:   2")
		assert.Contains(t, out, "Last sync: never")
		assert.Contains(t, out, "not synced")
	})

	t.Run("json", func(t *testing.T) {
		out, _, code := run(t, d, "status", "--format", "json")
		require.Equal(t, ExitSuccess, code)
		var snap models.SyncSnapshot
		require.NoError(t, json.Unmarshal([]byte(out), &snap))
		assert.Equal(t, 2, snap.PendingCount)
	})

	t.Run("sends api key", func(t *testing.T) {
		calls := d.Calls()
		require.NotEmpty(t, calls)
		assert.Equal(t, "k", calls[0].Key)
	})

	t.Run("invalid format", func(t *testing.T) {
		_, stderr, code := run(t, d, "status", "--format", "yaml")
		assert.NotEqual(t, ExitSuccess, code)
		assert.Contains(t, stderr, "invalid format")
	})
}

func TestSyncCommand(t *testing.T) {
	t.Run("clean run", func(t *testing.T) {
		d := newFakeDaemon(t, func(r chi.Router) {
			r.Post("/api/sync/trigger", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, models.TriggerSyncResponse{Started: true, Report: &models.SyncReport{Total: 3, Succeeded: 3, ReferenceOK: true}})
			})
		})
		out, _, code := run(t, d, "sync")
		assert.Equal(t, ExitSuccess, code)
		assert.Contains(t, out, "Synced 3 of 3")
	})

	t.Run("run with failures exits 1", func(t *testing.T) {
		d := newFakeDaemon(t, func(r chi.Router) {
			r.Post("/api/sync/trigger", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, models.TriggerSyncResponse{
					Started: true,
					Report: &models.SyncReport{Total: 2, Succeeded: 1, Failed: 1, ReferenceOK: true, Failures: []models.EntryFailure{
						{QueueID: "q1", EntityKind: models.EntitySale, Status: models.QueueStatusFailed, Reason: "validation failed"},
					}},
					Error: "1 change(s) not synced",
				})
			})
		})
		out, _, code := run(t, d, "sync")
		assert.Equal(t, ExitFailure, code)
		assert.Contains(t, out, "q1")
		assert.Contains(t, out, "validation failed")
	})

	t.Run("offline is a command error", func(t *testing.T) {
		d := newFakeDaemon(t, func(r chi.Router) {
			r.Post("/api/sync/trigger", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusServiceUnavailable, models.TriggerSyncResponse{Error: "device is offline"})
			})
		})
		_, stderr, code := run(t, d, "sync")
		assert.Equal(t, ExitCommandError, code)
		assert.Contains(t, stderr, "device is offline")
	})
}

func TestQueueCommands(t *testing.T) {
	d := newFakeDaemon(t, func(r chi.Router) {
		r.Get("/api/sync/queue", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, models.QueueListResponse{
				Entries:    []*models.QueueEntry{{ID: "q1", Status: models.QueueStatusConflict, Method: "PUT", Endpoint: "/parties/9", Attempts: 1, MaxAttempts: 5}},
				TotalCount: 1,
			})
		})
		r.Post("/api/sync/queue/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
		r.Delete("/api/sync/queue/{id}", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "Queue entry not found"})
		})
	})

	t.Run("list with filter", func(t *testing.T) {
		out, _, code := run(t, d, "queue", "list", "--status", "conflict", "--limit", "10")
		assert.Equal(t, ExitSuccess, code)
		assert.Contains(t, out, "q1")
		assert.Contains(t, out, "/parties/9")

		calls := d.Calls()
		last := calls[len(calls)-1]
		assert.Equal(t, "limit=10&status=conflict", last.Query)
	})

	t.Run("retry", func(t *testing.T) {
		out, _, code := run(t, d, "queue", "retry", "q1")
		assert.Equal(t, ExitSuccess, code)
		assert.Contains(t, out, "q1 queued for retry")

		calls := d.Calls()
		last := calls[len(calls)-1]
		assert.Equal(t, http.MethodPost, last.Method)
		assert.Equal(t, "/api/sync/queue/q1/retry", last.Path)
	})

	t.Run("discard missing entry", func(t *testing.T) {
		_, stderr, code := run(t, d, "queue", "discard", "nope")
		assert.Equal(t, ExitCommandError, code)
		assert.Contains(t, stderr, "Queue entry not found")
	})

	t.Run("retry needs an id", func(t *testing.T) {
		_, _, code := run(t, d, "queue", "retry")
		assert.NotEqual(t, ExitSuccess, code)
	})
}

func TestCacheAndConnectivityCommands(t *testing.T) {
	d := newFakeDaemon(t, func(r chi.Router) {
		r.Post("/api/cache/clear", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, models.ClearCacheResponse{Cleared: 4})
		})
		r.Post("/api/connectivity", func(w http.ResponseWriter, r *http.Request) {
			var req models.ConnectivityRequest
			json.NewDecoder(r.Body).Decode(&req)
			status := models.SyncStatusIdle
			if !req.Online {
				status = models.SyncStatusOffline
			}
			writeJSON(w, http.StatusOK, models.SyncSnapshot{Status: status, Offline: !req.Online})
		})
	})

	t.Run("cache clear", func(t *testing.T) {
		out, _, code := run(t, d, "cache", "clear")
		assert.Equal(t, ExitSuccess, code)
		assert.Contains(t, out, "Cleared 4")
	})

	t.Run("offline", func(t *testing.T) {
		out, _, code := run(t, d, "connectivity", "offline")
		assert.Equal(t, ExitSuccess, code)
		assert.Contains(t, out, "offline")

		calls := d.Calls()
		assert.JSONEq(t, `{"online":false}`, calls[len(calls)-1].Body)
	})

	t.Run("bad argument", func(t *testing.T) {
		_, _, code := run(t, d, "connectivity", "maybe")
		assert.Equal(t, ExitCommandError, code)
	})
}

func TestDaemonUnreachable(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), []string{"--addr", "http://127.0.0.1:1", "status"}, &stdout, &stderr)
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr.String(), "daemon unreachable")
}
