package services

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/possync/client/internal/config"
	"github.com/possync/client/internal/models"
	"github.com/possync/client/internal/repository"
)

func newTestEngine(t *testing.T, baseURL string, stores *testStores, clock *fakeClock, offline bool) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Remote.BaseURL = baseURL
	cfg.Sync.HealthCheckIntervalSeconds = 0
	cfg.Sync.BackoffInitialSeconds = 0
	cfg.Sync.MaxAttempts = 2
	cfg.Reference.Collections = nil

	engine := NewEngine(EngineDeps{
		Config:       cfg,
		Queue:        stores.queue,
		Meta:         stores.meta,
		Reference:    stores.refs,
		Entities:     stores.entities,
		Now:          clock.Now,
		StartOffline: offline,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		engine.Shutdown(ctx)
	})
	return engine
}

func TestEngine_Lifecycle(t *testing.T) {
	t.Run("operations need Init", func(t *testing.T) {
		remote := newFakeRemote(t)
		clock := newFakeClock()
		engine := newTestEngine(t, remote.URL(), setupStores(t, clock), clock, false)

		_, err := engine.TriggerManualSync(context.Background())
		assert.ErrorIs(t, err, ErrNotInitialized)
	})

	t.Run("device id survives restarts", func(t *testing.T) {
		remote := newFakeRemote(t)
		remote.Router.Post("/sales", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusCreated, map[string]int{"id": 1})
		})
		clock := newFakeClock()
		stores := setupStores(t, clock)

		first := newTestEngine(t, remote.URL(), stores, clock, false)
		require.NoError(t, first.Init(context.Background()))
		require.NoError(t, first.Shutdown(context.Background()))

		second := newTestEngine(t, remote.URL(), stores, clock, false)
		require.NoError(t, second.Init(context.Background()))
		assert.NotEmpty(t, second.DeviceID())
		assert.Equal(t, first.DeviceID(), second.DeviceID())

		result := second.Submit(context.Background(), saleMutation(1))
		require.Equal(t, OutcomeSent, result.Outcome)
		assert.Equal(t, second.DeviceID(), remote.Requests()[0].Header.Get("X-Device-ID"))
	})

	t.Run("init returns while starting online", func(t *testing.T) {
		remote := newFakeRemote(t)
		clock := newFakeClock()
		engine := newTestEngine(t, remote.URL(), setupStores(t, clock), clock, false)

		done := make(chan error, 1)
		go func() { done <- engine.Init(context.Background()) }()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("Init did not return")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		assert.NoError(t, engine.Shutdown(ctx))
	})

	t.Run("init returns entries stranded in flight to the queue", func(t *testing.T) {
		remote := newFakeRemote(t)
		clock := newFakeClock()
		stores := setupStores(t, clock)
		id := enqueueEntry(t, stores, clock, models.OperationCreate, models.EntitySale, 1, "POST", "/sales", `{}`)
		_, err := stores.queue.MarkInFlight(context.Background(), id)
		require.NoError(t, err)
		clock.Advance(10 * time.Minute)

		engine := newTestEngine(t, remote.URL(), stores, clock, true)
		require.NoError(t, engine.Init(context.Background()))

		assert.Equal(t, models.QueueStatusPending, getEntry(t, stores, id).Status)
		assert.Equal(t, 1, engine.Snapshot().PendingCount)
		assert.Equal(t, models.SyncStatusOffline, engine.SyncStatus())
	})

	t.Run("restores the persisted last sync time", func(t *testing.T) {
		remote := newFakeRemote(t)
		clock := newFakeClock()
		stores := setupStores(t, clock)
		last := time.Date(2024, 5, 31, 18, 30, 0, 0, time.UTC)
		require.NoError(t, stores.meta.Set(context.Background(), repository.MetaKeyLastSyncTime, last.Format(time.RFC3339Nano)))

		engine := newTestEngine(t, remote.URL(), stores, clock, true)
		require.NoError(t, engine.Init(context.Background()))
		require.NotNil(t, engine.LastSyncTime())
		assert.True(t, last.Equal(*engine.LastSyncTime()))
	})
}

func TestEngine_OfflineFirst(t *testing.T) {
	t.Run("queued changes are delivered when connectivity returns", func(t *testing.T) {
		remote := newFakeRemote(t)
		remote.Router.Post("/sales", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusCreated, map[string]int{"id": 42})
		})
		clock := newFakeClock()
		stores := setupStores(t, clock)
		engine := newTestEngine(t, remote.URL(), stores, clock, true)
		require.NoError(t, engine.Init(context.Background()))

		result := engine.Submit(context.Background(), saleMutation(7))
		require.Equal(t, OutcomeQueued, result.Outcome)
		assert.Equal(t, 1, engine.Snapshot().PendingCount)

		_, err := engine.TriggerManualSync(context.Background())
		assert.ErrorIs(t, err, ErrOffline)

		engine.SetOnline(true)
		require.Eventually(t, func() bool {
			n, err := engine.PendingCount(context.Background())
			return err == nil && n == 0 && engine.SyncStatus() == models.SyncStatusIdle
		}, 5*time.Second, 20*time.Millisecond)

		assert.Equal(t, "42", getEntry(t, stores, result.QueueID).RemoteID)
		require.Eventually(t, func() bool { return engine.LastSyncTime() != nil }, time.Second, 10*time.Millisecond)

		persisted, err := stores.meta.Get(context.Background(), repository.MetaKeyLastSyncTime)
		require.NoError(t, err)
		assert.NotEmpty(t, persisted)
	})

	t.Run("failed entries surface as error and can be retried", func(t *testing.T) {
		remote := newFakeRemote(t)
		remote.Router.Post("/products", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"errors": map[string][]string{"name": {"required"}},
			})
		})
		clock := newFakeClock()
		stores := setupStores(t, clock)
		id := enqueueEntry(t, stores, clock, models.OperationCreate, models.EntityProduct, 4, "POST", "/products", `{}`)

		engine := newTestEngine(t, remote.URL(), stores, clock, true)
		require.NoError(t, engine.Init(context.Background()))
		engine.conn.Set(true)

		// The reconnect kicks off an automatic run; wait for it before triggering
		require.Eventually(t, func() bool {
			return getEntry(t, stores, id).Status == models.QueueStatusFailed
		}, 5*time.Second, 20*time.Millisecond)
		require.Eventually(t, func() bool {
			return engine.SyncStatus() == models.SyncStatusError
		}, time.Second, 10*time.Millisecond)
		assert.Contains(t, engine.Snapshot().LastError, "name")

		require.NoError(t, engine.RetryEntry(context.Background(), id))
		require.Eventually(t, func() bool {
			e := getEntry(t, stores, id)
			return e.Status == models.QueueStatusFailed && remote.Count("POST", "/products") == 2
		}, 5*time.Second, 20*time.Millisecond)

		// The retry run may still hold the lock
		var report *models.SyncReport
		var err error
		require.Eventually(t, func() bool {
			report, err = engine.TriggerManualSync(context.Background())
			return !errors.Is(err, ErrSyncInProgress)
		}, 5*time.Second, 20*time.Millisecond)
		require.NoError(t, err, "nothing pending is not an error")
		assert.Equal(t, 0, report.Total)
	})

	t.Run("backed-off entries are retried while staying online", func(t *testing.T) {
		remote := newFakeRemote(t)
		var calls atomic.Int32
		remote.Router.Post("/sales", func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "maintenance"})
				return
			}
			writeJSON(w, http.StatusCreated, map[string]int{"id": 9})
		})
		clock := newFakeClock()
		stores := setupStores(t, clock)
		engine := newTestEngine(t, remote.URL(), stores, clock, true)
		engine.retryFloor = 20 * time.Millisecond
		require.NoError(t, engine.Init(context.Background()))

		result := engine.Submit(context.Background(), saleMutation(3))
		require.Equal(t, OutcomeQueued, result.Outcome)
		engine.SetOnline(true)

		require.Eventually(t, func() bool {
			return getEntry(t, stores, result.QueueID).Status == models.QueueStatusSuccess
		}, 5*time.Second, 20*time.Millisecond)
		assert.Equal(t, int32(2), calls.Load())
		assert.Equal(t, 2, getEntry(t, stores, result.QueueID).Attempts)
	})

	t.Run("error state holds queued work until a manual trigger", func(t *testing.T) {
		remote := newFakeRemote(t)
		remote.Router.Post("/products", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"errors": map[string][]string{"name": {"required"}},
			})
		})
		remote.Router.Post("/sales", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusCreated, map[string]int{"id": 5})
		})
		clock := newFakeClock()
		stores := setupStores(t, clock)
		enqueueEntry(t, stores, clock, models.OperationCreate, models.EntityProduct, 4, "POST", "/products", `{}`)

		engine := newTestEngine(t, remote.URL(), stores, clock, true)
		require.NoError(t, engine.Init(context.Background()))
		engine.SetOnline(true)
		require.Eventually(t, func() bool {
			return engine.Snapshot().State == models.SyncStatusError
		}, 5*time.Second, 20*time.Millisecond)

		sale := enqueueEntry(t, stores, clock, models.OperationCreate, models.EntitySale, 1, "POST", "/sales", `{}`)
		engine.SetOnline(false)
		engine.SetOnline(true)
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, models.QueueStatusPending, getEntry(t, stores, sale).Status)
		assert.Equal(t, 0, remote.Count("POST", "/sales"))

		_, err := engine.TriggerManualSync(context.Background())
		require.NoError(t, err)
		assert.Equal(t, models.QueueStatusSuccess, getEntry(t, stores, sale).Status)
	})

	t.Run("discard removes an entry", func(t *testing.T) {
		remote := newFakeRemote(t)
		clock := newFakeClock()
		stores := setupStores(t, clock)
		engine := newTestEngine(t, remote.URL(), stores, clock, true)
		require.NoError(t, engine.Init(context.Background()))

		result := engine.Submit(context.Background(), saleMutation(2))
		require.Equal(t, OutcomeQueued, result.Outcome)

		require.NoError(t, engine.DiscardEntry(context.Background(), result.QueueID))
		assert.Equal(t, 0, engine.Snapshot().PendingCount)
		assert.ErrorIs(t, engine.DiscardEntry(context.Background(), result.QueueID), models.ErrEntryNotFound)
	})

	t.Run("offline fetch serves the last cached copy", func(t *testing.T) {
		remote := newFakeRemote(t)
		remote.Router.Get("/products", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("ETag", `"p1"`)
			writeJSON(w, http.StatusOK, []int{1, 2})
		})
		clock := newFakeClock()
		engine := newTestEngine(t, remote.URL(), setupStores(t, clock), clock, false)
		require.NoError(t, engine.Init(context.Background()))

		online, err := engine.Fetch(context.Background(), "/products")
		require.NoError(t, err)
		assert.False(t, online.FromCache)

		engine.SetOnline(false)
		cached, err := engine.Fetch(context.Background(), "/products")
		require.NoError(t, err)
		assert.True(t, cached.FromCache)
		assert.Equal(t, online.Body, cached.Body)

		_, err = engine.Fetch(context.Background(), "/parties")
		assert.ErrorIs(t, err, ErrOffline)

		assert.Equal(t, 1, engine.ClearCache())
	})
}
