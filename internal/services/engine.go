package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/possync/client/internal/config"
	"github.com/possync/client/internal/models"
	"github.com/possync/client/internal/observability"
	"github.com/possync/client/internal/repository"
)

// Delivered entries are kept this long for diagnostics
const succeededRetention = 7 * 24 * time.Hour

// ErrEntryInFlight is returned when discarding an entry that is being delivered
var ErrEntryInFlight = errors.New("queue entry is being delivered")

// EngineDeps are the collaborators an Engine is built from
type EngineDeps struct {
	Config    *config.Config
	Queue     repository.QueueRepo
	Meta      repository.MetaRepo
	Reference repository.ReferenceRepo
	Entities  repository.EntityStore
	// Refresher obtains bearer tokens; nil sends requests unauthenticated
	Refresher TokenRefresher
	Transport http.RoundTripper
	Hub       *StatusHub
	Metrics   *observability.SyncMetrics
	Now       func() time.Time
	// StartOffline makes the engine assume no connectivity until told otherwise
	StartOffline bool
	// ReferenceMaxTries bounds retries of one reference collection fetch
	ReferenceMaxTries uint
}

// Engine owns all process-wide sync state: connectivity, token, caches, the
// state machine and the sync lock. Init and Shutdown bound its lifecycle.
type Engine struct {
	cfg      *config.Config
	queue    repository.QueueRepo
	meta     repository.MetaRepo
	refRepo  repository.ReferenceRepo
	hub      *StatusHub
	metrics  *observability.SyncMetrics
	now      func() time.Time
	logger   *observability.Logger
	startsOn bool

	conn         *Connectivity
	tokens       *TokenManager
	cache        *ConditionalCache
	client       *RemoteClient
	interceptor  *Interceptor
	orchestrator *Orchestrator
	reference    *ReferenceSynchronizer
	state        *StateMachine
	health       *HealthChecker

	mu          sync.Mutex
	initialized bool
	deviceID    string
	bgCtx       context.Context
	cancelBg    context.CancelFunc
	bg          sync.WaitGroup
	retryTimer  *time.Timer
	// retryFloor is the shortest wait before a backoff wakeup
	retryFloor time.Duration
}

// NewEngine wires the sync components together. Nothing touches storage or
// the network until Init.
func NewEngine(deps EngineDeps) *Engine {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	transport := deps.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	e := &Engine{
		cfg:      cfg,
		queue:    deps.Queue,
		meta:     deps.Meta,
		refRepo:  deps.Reference,
		hub:      deps.Hub,
		metrics:  deps.Metrics,
		now:      now,
		logger:   observability.WithField("component", "engine"),
		startsOn: !deps.StartOffline,

		retryFloor: time.Second,
	}

	e.conn = NewConnectivity(e.startsOn)
	e.state = NewStateMachine(e.startsOn)
	e.tokens = NewTokenManager(deps.Refresher, now)
	e.cache = NewConditionalCache(now, deps.Metrics)
	e.client = NewRemoteClient(RemoteClientOptions{
		BaseURL:        cfg.Remote.BaseURL,
		Timeout:        cfg.Remote.Timeout(),
		Transport:      transport,
		Tokens:         e.tokens,
		Cache:          e.cache,
		DeviceIDHeader: cfg.Remote.DeviceIDHeader,
	})
	effects := NewDeliveryEffects(deps.Entities, e.cache, e.client.URL)

	e.interceptor = NewInterceptor(InterceptorOptions{
		Client:       e.client,
		Queue:        deps.Queue,
		Connectivity: e.conn,
		Effects:      effects,
		MaxAttempts:  cfg.Sync.MaxAttempts,
		Now:          now,
		Metrics:      deps.Metrics,
		OnEnqueue:    e.refreshPending,
	})

	if deps.Reference != nil && len(cfg.Reference.Collections) > 0 {
		e.reference = NewReferenceSynchronizer(ReferenceSyncOptions{
			Client:      e.client,
			Repo:        deps.Reference,
			Collections: cfg.Reference.Collections,
			Freshness:   cfg.Reference.Freshness(),
			MaxTries:    deps.ReferenceMaxTries,
			Now:         now,
		})
	}

	opts := OrchestratorOptions{
		Queue:   deps.Queue,
		Client:  e.client,
		Effects: effects,
		Backoff: BackoffPolicy{
			Initial: time.Duration(cfg.Sync.BackoffInitialSeconds) * time.Second,
			Max:     time.Duration(cfg.Sync.BackoffMaxSeconds) * time.Second,
		},
		Workers:       cfg.Sync.Workers,
		InFlightGrace: cfg.Sync.InFlightGrace(),
		Now:           now,
		Metrics:       deps.Metrics,
		Observer:      e,
	}
	if e.reference != nil {
		opts.Reference = e.reference
	}
	e.orchestrator = NewOrchestrator(opts)

	e.health = NewHealthChecker(e.conn, transport, cfg.Remote.BaseURL, cfg.Remote.HealthPath,
		cfg.Sync.HealthCheckInterval(), cfg.Remote.Timeout())

	e.conn.OnChange(e.onConnectivityChange)
	if e.hub != nil {
		e.state.Subscribe(func(snap models.SyncSnapshot) {
			e.hub.Publish(WSMessage{Type: WSTypeStatus, Payload: snap})
		})
	}
	return e
}

// Init loads persistent state, sweeps entries stranded in flight by a crash
// and starts background work. Safe to call once per Shutdown.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	started, err := e.initLocked(ctx)
	e.mu.Unlock()
	if err != nil || !started {
		return err
	}

	e.logger.WithField("device_id", e.DeviceID()).Info("Sync engine initialized")
	if e.conn.IsOnline() {
		e.goBackground(e.startupSync)
	}
	return nil
}

// initLocked does the part of Init that runs under e.mu. It reports false
// when the engine was already initialized.
func (e *Engine) initLocked(ctx context.Context) (bool, error) {
	if e.initialized {
		return false, nil
	}

	deviceID, err := LoadDeviceID(ctx, e.meta)
	if err != nil {
		return false, err
	}
	e.deviceID = deviceID
	e.client.SetDeviceID(deviceID)

	recovered, err := e.queue.RecoverStaleInFlight(ctx, e.cfg.Sync.InFlightGrace())
	if err != nil {
		return false, fmt.Errorf("recover in-flight entries: %w", err)
	}
	if recovered > 0 {
		e.logger.Warnf("Recovered %d in-flight entries left by a previous run", recovered)
	}
	if purged, err := e.queue.PurgeSucceeded(ctx, succeededRetention); err != nil {
		e.logger.Warnf("Failed to purge delivered entries: %v", err)
	} else if purged > 0 {
		e.logger.Infof("Purged %d delivered entries", purged)
	}

	if raw, err := e.meta.Get(ctx, repository.MetaKeyLastSyncTime); err == nil && raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			e.state.SetLastSync(&t)
		}
	}
	e.refreshPending(ctx)

	e.bgCtx, e.cancelBg = context.WithCancel(context.Background())
	e.orchestrator.Resume()
	e.initialized = true

	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		e.health.Run(e.bgCtx)
	}()
	return true, nil
}

// startupSync pulls reference data when the local copy is missing or stale,
// then delivers anything left in the queue.
func (e *Engine) startupSync(ctx context.Context) {
	if e.reference != nil {
		needs, err := e.reference.NeedsInitialSync(ctx)
		if err != nil {
			e.logger.Warnf("Failed to check reference freshness: %v", err)
		}
		if needs {
			if _, err := e.reference.SyncAll(ctx); err != nil {
				e.logger.Warnf("Initial reference sync failed: %v", err)
			}
		}
	}
	e.autoSync(ctx)
}

// Shutdown stops starting new groups and runs, lets in-flight calls finish
// and waits for background work until ctx expires.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return nil
	}
	e.initialized = false
	cancel := e.cancelBg
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	e.mu.Unlock()

	stopErr := e.orchestrator.Stop(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		e.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(stopErr, ctx.Err())
	}
	return stopErr
}

// Reset drops the token, the conditional cache and status history, keeping the queue
func (e *Engine) Reset(ctx context.Context) {
	e.tokens.Invalidate()
	e.cache.InvalidateAll()
	e.state.Reset(e.conn.IsOnline())
	e.refreshPending(ctx)
}

// DeviceID returns the installation id (empty before Init)
func (e *Engine) DeviceID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deviceID
}

// Submit routes an application mutation through the offline interceptor
func (e *Engine) Submit(ctx context.Context, m Mutation) Result {
	result := e.interceptor.Submit(ctx, m)
	if result.Outcome == OutcomeQueued && e.hub != nil {
		e.hub.Publish(WSMessage{Type: WSTypeQueued, Payload: map[string]string{"queueId": result.QueueID}})
	}
	return result
}

// Fetch performs a GET through the conditional cache. While offline a cached
// copy is served if one exists.
func (e *Engine) Fetch(ctx context.Context, path string) (*Response, error) {
	if !e.conn.IsOnline() {
		if entry, ok := e.cache.Get(e.client.URL(path)); ok {
			return &Response{StatusCode: entry.StatusCode, Header: entry.Header.Clone(), Body: entry.Payload, FromCache: true}, nil
		}
		return nil, ErrOffline
	}

	resp, err := e.client.Do(ctx, http.MethodGet, path, nil)
	if err != nil && IsNetworkError(err) {
		e.conn.Set(false)
	}
	return resp, err
}

// ReferenceCollection returns the locally stored copy of a reference collection
func (e *Engine) ReferenceCollection(ctx context.Context, name string) (*models.ReferenceCollection, error) {
	if e.refRepo == nil {
		return nil, nil
	}
	return e.refRepo.Get(ctx, name)
}

// PendingCount counts entries still waiting for delivery
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	pending, err := e.queue.CountByStatus(ctx, models.QueueStatusPending)
	if err != nil {
		return 0, err
	}
	inFlight, err := e.queue.CountByStatus(ctx, models.QueueStatusInFlight)
	if err != nil {
		return 0, err
	}
	return pending + inFlight, nil
}

// SyncStatus returns idle, syncing, error or offline
func (e *Engine) SyncStatus() models.SyncStatus {
	return e.state.Snapshot().Status
}

// LastSyncTime returns when the last drain completed, or nil
func (e *Engine) LastSyncTime() *time.Time {
	return e.state.Snapshot().LastSyncTime
}

// Snapshot returns the full status
func (e *Engine) Snapshot() models.SyncSnapshot {
	return e.state.Snapshot()
}

// Subscribe registers a status listener; the returned func unsubscribes
func (e *Engine) Subscribe(fn func(models.SyncSnapshot)) func() {
	return e.state.Subscribe(fn)
}

// IsOnline returns the connectivity flag
func (e *Engine) IsOnline() bool {
	return e.conn.IsOnline()
}

// SetOnline feeds an OS connectivity transition
func (e *Engine) SetOnline(online bool) {
	e.conn.Set(online)
}

// TriggerManualSync runs a drain-and-refresh cycle now. Allowed from idle and
// error; returns ErrSyncInProgress if a run is already active.
func (e *Engine) TriggerManualSync(ctx context.Context) (*models.SyncReport, error) {
	e.mu.Lock()
	ready := e.initialized
	e.mu.Unlock()
	if !ready {
		return nil, ErrNotInitialized
	}
	if !e.conn.IsOnline() {
		return nil, ErrOffline
	}
	return e.orchestrator.Run(ctx)
}

// ClearCache drops every conditional cache entry
func (e *Engine) ClearCache() int {
	n := e.cache.InvalidateAll()
	e.logger.Infof("Cleared %d cached responses", n)
	return n
}

// CacheStats summarises the conditional cache
func (e *Engine) CacheStats() models.CacheStats {
	return e.cache.Stats()
}

// ListQueue lists entries, newest first
func (e *Engine) ListQueue(ctx context.Context, status models.QueueStatus, limit int) ([]*models.QueueEntry, error) {
	return e.queue.List(ctx, status, limit)
}

// QueueStats counts entries per status
func (e *Engine) QueueStats(ctx context.Context) (map[models.QueueStatus]int, error) {
	return e.queue.Stats(ctx)
}

// RetryEntry puts a failed or conflicting entry back in the queue with a fresh attempt budget
func (e *Engine) RetryEntry(ctx context.Context, id string) error {
	if err := e.queue.ResetForRetry(ctx, id); err != nil {
		return err
	}
	e.logger.WithField("queue_id", id).Info("Entry reset for retry")
	e.refreshPending(ctx)
	e.goBackground(e.manualRun)
	return nil
}

// DiscardEntry deletes an entry, accepting the server's state for it
func (e *Engine) DiscardEntry(ctx context.Context, id string) error {
	entry, err := e.queue.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if entry == nil {
		return models.ErrEntryNotFound
	}
	if entry.Status == models.QueueStatusInFlight {
		return ErrEntryInFlight
	}
	deleted, err := e.queue.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrEntryInFlight
	}
	e.logger.WithFields(map[string]interface{}{
		"queue_id":    id,
		"entity_kind": entry.EntityKind,
		"status":      entry.Status,
	}).Info("Entry discarded")
	e.refreshPending(ctx)
	return nil
}

func (e *Engine) onConnectivityChange(online bool) {
	e.state.SetOffline(!online)
	if online {
		e.goBackground(e.autoSync)
	}
}

// autoSync starts a run only when the state machine allows an automatic one
func (e *Engine) autoSync(ctx context.Context) {
	e.refreshPending(ctx)
	if !e.state.CanAutoStart() {
		return
	}
	e.backgroundRun(ctx, "Automatic")
}

// manualRun is a user-requested run in the background. It also starts from error.
func (e *Engine) manualRun(ctx context.Context) {
	e.refreshPending(ctx)
	if !e.conn.IsOnline() {
		return
	}
	e.backgroundRun(ctx, "Manual")
}

func (e *Engine) backgroundRun(ctx context.Context, kind string) {
	if _, err := e.orchestrator.Run(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrShuttingDown) {
		e.logger.Warnf("%s sync finished with error: %v", kind, err)
	}
}

// scheduleRetry arms a single timer for the earliest group still backing off
// so retryable entries go out again while the device stays online.
func (e *Engine) scheduleRetry(ctx context.Context) {
	due, ok, err := e.orchestrator.NextDue(ctx)
	if err != nil {
		e.logger.Warnf("Failed to look up the next retry: %v", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	if !ok || !e.initialized {
		return
	}
	delay := due.Sub(e.now())
	if delay < e.retryFloor {
		delay = e.retryFloor
	}
	e.retryTimer = time.AfterFunc(delay, func() {
		e.goBackground(e.autoSync)
	})
}

func (e *Engine) goBackground(fn func(ctx context.Context)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return
	}
	ctx := e.bgCtx
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		fn(ctx)
	}()
}

func (e *Engine) refreshPending(ctx context.Context) {
	n, err := e.PendingCount(ctx)
	if err != nil {
		e.logger.Warnf("Failed to count pending entries: %v", err)
		return
	}
	e.state.SetPending(n)
	e.metrics.RecordPending(ctx, n)
}

// SyncStarted implements RunObserver
func (e *Engine) SyncStarted(progress models.SyncProgress) {
	e.state.SyncStarted(progress)
}

// SyncProgressed implements RunObserver
func (e *Engine) SyncProgressed(progress models.SyncProgress) {
	e.state.SyncProgressed(progress)
}

// SyncFinished implements RunObserver
func (e *Engine) SyncFinished(report *models.SyncReport, err error) {
	ctx := context.Background()
	e.refreshPending(ctx)
	e.state.SyncFinished(report, err)

	if report != nil && !report.Aborted {
		if setErr := e.meta.Set(ctx, repository.MetaKeyLastSyncTime, report.FinishedAt.Format(time.RFC3339Nano)); setErr != nil {
			e.logger.Warnf("Failed to persist last sync time: %v", setErr)
		}
	}
	if e.hub != nil && report != nil {
		e.hub.Publish(WSMessage{Type: WSTypeSyncReport, Payload: report})
	}
	e.scheduleRetry(ctx)
}
