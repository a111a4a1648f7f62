package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/possync/client/internal/models"
	"github.com/possync/client/internal/repository"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Header http.Header
}

// fakeRemote is a chi-routed stand-in for the remote API that records every request
type fakeRemote struct {
	Router chi.Router
	server *httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	f := &fakeRemote{Router: chi.NewRouter()}
	f.Router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewReader(body))
			f.mu.Lock()
			f.requests = append(f.requests, recordedRequest{
				Method: r.Method,
				Path:   r.URL.Path,
				Body:   string(body),
				Header: r.Header.Clone(),
			})
			f.mu.Unlock()
			next.ServeHTTP(w, r)
		})
	})
	f.server = httptest.NewServer(f.Router)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRemote) URL() string {
	return f.server.URL
}

func (f *fakeRemote) Requests() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func (f *fakeRemote) Count(method, path string) int {
	n := 0
	for _, r := range f.Requests() {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// dropConnection closes the connection without answering
func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("response writer cannot hijack")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(err)
	}
	conn.Close()
}

type testStores struct {
	db       *sql.DB
	queue    *repository.QueueRepository
	meta     *repository.SyncMetaRepository
	entities *repository.EntityRepository
	refs     *repository.ReferenceRepository
}

func setupStores(t *testing.T, clock *fakeClock) *testStores {
	t.Helper()
	db, err := repository.NewSQLiteDB(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	queue := repository.NewQueueRepository(db)
	if clock != nil {
		queue.SetClock(clock.Now)
	}
	return &testStores{
		db:       db,
		queue:    queue,
		meta:     repository.NewSyncMetaRepository(db),
		entities: repository.NewEntityRepository(db),
		refs:     repository.NewReferenceRepository(db),
	}
}

func enqueueEntry(t *testing.T, stores *testStores, clock *fakeClock, op models.Operation, kind models.EntityKind, localID int64, method, endpoint, payload string) string {
	t.Helper()
	entry, err := models.NewQueueEntry(op, kind, localID, method, endpoint, json.RawMessage(payload), clock.Now())
	require.NoError(t, err)
	id, err := stores.queue.Enqueue(context.Background(), entry)
	require.NoError(t, err)
	// Keep creation times strictly increasing
	clock.Advance(time.Millisecond)
	return id
}

func getEntry(t *testing.T, stores *testStores, id string) *models.QueueEntry {
	t.Helper()
	entry, err := stores.queue.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, entry)
	return entry
}

// recordingObserver collects run callbacks
type recordingObserver struct {
	mu       sync.Mutex
	started  int
	progress []models.SyncProgress
	reports  []*models.SyncReport
	errs     []error
}

func (o *recordingObserver) SyncStarted(p models.SyncProgress) {
	o.mu.Lock()
	o.started++
	o.progress = append(o.progress, p)
	o.mu.Unlock()
}

func (o *recordingObserver) SyncProgressed(p models.SyncProgress) {
	o.mu.Lock()
	o.progress = append(o.progress, p)
	o.mu.Unlock()
}

func (o *recordingObserver) SyncFinished(report *models.SyncReport, err error) {
	o.mu.Lock()
	o.reports = append(o.reports, report)
	o.errs = append(o.errs, err)
	o.mu.Unlock()
}
