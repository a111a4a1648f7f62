package services

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReferenceHarness(t *testing.T, remote *fakeRemote, collections map[string]string) (*ReferenceSynchronizer, *testStores, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	stores := setupStores(t, clock)
	client := NewRemoteClient(RemoteClientOptions{
		BaseURL: remote.URL(),
		Timeout: 2 * time.Second,
		Cache:   NewConditionalCache(clock.Now, nil),
	})
	refSync := NewReferenceSynchronizer(ReferenceSyncOptions{
		Client:       client,
		Repo:         stores.refs,
		Collections:  collections,
		Freshness:    24 * time.Hour,
		MaxTries:     3,
		RetryInitial: time.Millisecond,
		Now:          clock.Now,
	})
	return refSync, stores, clock
}

func TestReferenceSynchronizer(t *testing.T) {
	collections := map[string]string{"products": "/products", "units": "/units"}

	t.Run("stores every collection", func(t *testing.T) {
		remote := newFakeRemote(t)
		remote.Router.Get("/products", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]interface{}{"data": []map[string]int{{"id": 1}, {"id": 2}}})
		})
		remote.Router.Get("/units", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, []string{"kg", "pcs", "box"})
		})
		refSync, stores, _ := newReferenceHarness(t, remote, collections)

		needs, err := refSync.NeedsInitialSync(context.Background())
		require.NoError(t, err)
		assert.True(t, needs)

		result, err := refSync.SyncAll(context.Background())
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, []string{"products", "units"}, result.Refreshed)

		products, err := stores.refs.Get(context.Background(), "products")
		require.NoError(t, err)
		require.NotNil(t, products)
		assert.Equal(t, 2, products.ItemCount)
		assert.JSONEq(t, `[{"id":1},{"id":2}]`, string(products.Items))

		units, err := stores.refs.Get(context.Background(), "units")
		require.NoError(t, err)
		assert.Equal(t, 3, units.ItemCount)

		needs, err = refSync.NeedsInitialSync(context.Background())
		require.NoError(t, err)
		assert.False(t, needs)
	})

	t.Run("not modified keeps the stored copy", func(t *testing.T) {
		remote := newFakeRemote(t)
		remote.Router.Get("/units", func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("If-None-Match") == `"u1"` {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", `"u1"`)
			writeJSON(w, http.StatusOK, []string{"kg"})
		})
		refSync, stores, clock := newReferenceHarness(t, remote, map[string]string{"units": "/units"})

		_, err := refSync.SyncAll(context.Background())
		require.NoError(t, err)

		clock.Advance(25 * time.Hour)
		needs, err := refSync.NeedsInitialSync(context.Background())
		require.NoError(t, err)
		assert.True(t, needs)

		result, err := refSync.SyncAll(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"units"}, result.Unchanged)

		units, err := stores.refs.Get(context.Background(), "units")
		require.NoError(t, err)
		assert.JSONEq(t, `["kg"]`, string(units.Items))
		assert.True(t, clock.Now().Equal(units.FetchedAt))
	})

	t.Run("retries transient failures", func(t *testing.T) {
		remote := newFakeRemote(t)
		var calls atomic.Int32
		remote.Router.Get("/units", func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			writeJSON(w, http.StatusOK, []string{"kg"})
		})
		refSync, _, _ := newReferenceHarness(t, remote, map[string]string{"units": "/units"})

		result, err := refSync.SyncAll(context.Background())
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("reports permanent failures per collection", func(t *testing.T) {
		remote := newFakeRemote(t)
		remote.Router.Get("/products", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		})
		remote.Router.Get("/units", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, []string{"kg"})
		})
		refSync, _, _ := newReferenceHarness(t, remote, collections)

		result, err := refSync.SyncAll(context.Background())
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Contains(t, result.Errors["products"], "403")
		assert.Equal(t, []string{"units"}, result.Refreshed)
		assert.Equal(t, 1, remote.Count("GET", "/products"))
	})
}

func TestExtractItems(t *testing.T) {
	_, n, err := extractItems([]byte(` [1,2] `))
	assert.NoError(t, err)
	assert.Equal(t, 2, n)

	_, _, err = extractItems([]byte(`{"meta":{}}`))
	assert.Error(t, err)

	_, _, err = extractItems(nil)
	assert.Error(t, err)
}
