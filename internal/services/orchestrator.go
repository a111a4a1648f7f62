package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/possync/client/internal/models"
	"github.com/possync/client/internal/observability"
	"github.com/possync/client/internal/repository"
)

// At most this many failure reasons are spelled out in a SyncError
const maxReportedReasons = 5

// ReferencePuller refreshes reference data once the queue is drained
type ReferencePuller interface {
	SyncAll(ctx context.Context) (*models.ReferenceSyncResult, error)
}

// RunObserver follows a sync run from start to finish
type RunObserver interface {
	SyncStarted(progress models.SyncProgress)
	SyncProgressed(progress models.SyncProgress)
	SyncFinished(report *models.SyncReport, err error)
}

// OrchestratorOptions configures an Orchestrator
type OrchestratorOptions struct {
	Queue         repository.QueueRepo
	Client        RemoteDoer
	Effects       *DeliveryEffects
	Reference     ReferencePuller
	Observer      RunObserver
	Backoff       BackoffPolicy
	Workers       int
	InFlightGrace time.Duration
	Now           func() time.Time
	Metrics       *observability.SyncMetrics
}

// Orchestrator drains the durable queue against the remote API. Entries of one
// group (entity kind + local id) go out strictly one after another; groups run
// on a bounded worker pool.
type Orchestrator struct {
	queue     repository.QueueRepo
	client    RemoteDoer
	effects   *DeliveryEffects
	reference ReferencePuller
	observer  RunObserver
	backoff   BackoffPolicy
	workers   int
	grace     time.Duration
	now       func() time.Time
	metrics   *observability.SyncMetrics
	logger    *observability.Logger

	// lock is held for a whole drain-and-refresh cycle
	lock     sync.Mutex
	stopping atomic.Bool
}

// NewOrchestrator creates an Orchestrator
func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Orchestrator{
		queue:     opts.Queue,
		client:    opts.Client,
		effects:   opts.Effects,
		reference: opts.Reference,
		observer:  opts.Observer,
		backoff:   opts.Backoff,
		workers:   opts.Workers,
		grace:     opts.InFlightGrace,
		now:       opts.Now,
		metrics:   opts.Metrics,
		logger:    observability.WithField("component", "orchestrator"),
	}
}

// SetObserver replaces the run observer. Not safe while a run is active.
func (o *Orchestrator) SetObserver(observer RunObserver) {
	o.observer = observer
}

type entryGroup struct {
	key     string
	entries []*models.QueueEntry
}

type deliveryResult struct {
	claimed  bool
	status   models.QueueStatus
	remoteID string
}

// Run performs one drain-and-refresh cycle. A second caller while a run is
// active gets ErrSyncInProgress immediately. The returned error is a
// *SyncError when entries ended failed or in conflict, or wraps
// ErrAuthentication when the cycle was aborted for lack of a valid token.
func (o *Orchestrator) Run(ctx context.Context) (*models.SyncReport, error) {
	if !o.lock.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer o.lock.Unlock()

	if o.stopping.Load() {
		return nil, ErrShuttingDown
	}

	ctx, span := observability.StartServiceSpan(ctx, "orchestrator", "run")
	defer span.End()

	run := &runState{
		report:   &models.SyncReport{StartedAt: o.now().UTC()},
		progress: models.SyncProgress{Phase: models.PhaseUploading},
		observer: o.observer,
	}
	if o.observer != nil {
		o.observer.SyncStarted(run.progress)
	}

	recovered, err := o.queue.RecoverStaleInFlight(ctx, o.grace)
	if err != nil {
		return o.finish(ctx, run, fmt.Errorf("recover in-flight entries: %w", err))
	}
	if recovered > 0 {
		o.logger.Warnf("Recovered %d stale in-flight entries", recovered)
	}

	pending, err := o.queue.ListByStatus(ctx, models.QueueStatusPending)
	if err != nil {
		return o.finish(ctx, run, fmt.Errorf("list pending entries: %w", err))
	}

	groups, notDue := o.dueGroups(pending)
	total := 0
	for _, g := range groups {
		total += len(g.entries)
	}
	run.begin(total, notDue)
	span.SetAttributes(attribute.Int("sync.total", total), attribute.Int("sync.groups", len(groups)))

	if err := o.drain(ctx, groups, run); err != nil {
		return o.finish(ctx, run, err)
	}

	if o.reference != nil && !o.stopping.Load() {
		run.setPhase(models.PhaseDownloading)
		result, err := o.reference.SyncAll(ctx)
		switch {
		case err != nil:
			o.logger.Warnf("Reference refresh failed: %v", err)
		case !result.Success:
			o.logger.Warnf("Reference refresh incomplete: %v", result.Errors)
		default:
			run.report.ReferenceOK = true
		}
	}

	return o.finish(ctx, run, nil)
}

// dueGroups groups pending entries, keeping creation order inside each group.
// Groups whose head is still backing off are left for a later run.
func (o *Orchestrator) dueGroups(pending []*models.QueueEntry) ([]*entryGroup, int) {
	index := make(map[string]*entryGroup)
	var groups []*entryGroup
	for _, entry := range pending {
		key := entry.GroupKey()
		g, ok := index[key]
		if !ok {
			g = &entryGroup{key: key}
			index[key] = g
			groups = append(groups, g)
		}
		g.entries = append(g.entries, entry)
	}

	now := o.now()
	due := groups[:0]
	notDue := 0
	for _, g := range groups {
		if g.entries[0].NextAttemptAt.After(now) {
			notDue += len(g.entries)
			continue
		}
		due = append(due, g)
	}
	return due, notDue
}

// NextDue returns the earliest time a pending group head may be attempted.
// Entries behind a group head are ignored since they wait for it anyway.
func (o *Orchestrator) NextDue(ctx context.Context) (time.Time, bool, error) {
	pending, err := o.queue.ListByStatus(ctx, models.QueueStatusPending)
	if err != nil {
		return time.Time{}, false, err
	}
	var next time.Time
	found := false
	heads := make(map[string]bool)
	for _, entry := range pending {
		key := entry.GroupKey()
		if heads[key] {
			continue
		}
		heads[key] = true
		if !found || entry.NextAttemptAt.Before(next) {
			next = entry.NextAttemptAt
			found = true
		}
	}
	return next, found, nil
}

func (o *Orchestrator) drain(ctx context.Context, groups []*entryGroup, run *runState) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(o.workers)

	for i, g := range groups {
		if o.stopping.Load() || egCtx.Err() != nil {
			for _, rest := range groups[i:] {
				run.skip(len(rest.entries))
			}
			break
		}
		eg.Go(func() error {
			return o.processGroup(egCtx, g, run)
		})
	}
	return eg.Wait()
}

func (o *Orchestrator) processGroup(ctx context.Context, g *entryGroup, run *runState) error {
	var knownRemoteID string
	for i, entry := range g.entries {
		if o.stopping.Load() || ctx.Err() != nil {
			run.skip(len(g.entries) - i)
			return nil
		}

		res, err := o.deliver(ctx, entry, knownRemoteID, run)
		if err != nil {
			run.skip(len(g.entries) - i - 1)
			return err
		}
		if !res.claimed || res.status == models.QueueStatusPending {
			// Later entries may depend on this one: leave them for the next run
			run.skip(len(g.entries) - i - 1)
			return nil
		}
		if res.remoteID != "" {
			knownRemoteID = res.remoteID
		}
	}
	return nil
}

func (o *Orchestrator) deliver(ctx context.Context, entry *models.QueueEntry, knownRemoteID string, run *runState) (deliveryResult, error) {
	attempt := entry.Attempts + 1
	ctx, span := observability.StartServiceSpan(ctx, "orchestrator", "deliver",
		observability.QueueID(entry.ID),
		observability.EntityKind(string(entry.EntityKind)),
		observability.Operation(string(entry.Operation)),
		observability.Attempt(attempt),
	)
	defer span.End()

	claimed, err := o.queue.MarkInFlight(ctx, entry.ID)
	if err != nil {
		observability.RecordError(span, err)
		return deliveryResult{}, err
	}
	if len(claimed) == 0 {
		run.skip(1)
		return deliveryResult{}, nil
	}

	// From here on the entry is ours: record its outcome even if the run is cancelled
	recordCtx := context.WithoutCancel(ctx)

	endpoint, err := o.effects.ResolveEndpoint(ctx, entry.EntityKind, entry.LocalEntityID, entry.Endpoint, knownRemoteID)
	if err != nil {
		if errors.Is(err, ErrUnresolvedRemoteID) {
			return o.record(recordCtx, run, entry, repository.ResultUpdate{
				Status:    models.QueueStatusFailed,
				Attempts:  attempt,
				LastError: err.Error(),
			}, "")
		}
		o.release(recordCtx, entry, err)
		run.skip(1)
		return deliveryResult{}, err
	}

	start := time.Now()
	resp, callErr := o.client.Do(recordCtx, entry.Method, endpoint, entry.Payload)
	span.SetAttributes(observability.Duration(time.Since(start)))

	if callErr != nil && errors.Is(callErr, ErrAuthentication) {
		o.release(recordCtx, entry, callErr)
		run.skip(1)
		observability.RecordError(span, callErr)
		return deliveryResult{}, callErr
	}
	if callErr == nil && resp.StatusCode == http.StatusUnauthorized {
		authErr := fmt.Errorf("%w: remote API returned 401", ErrAuthentication)
		o.release(recordCtx, entry, authErr)
		run.skip(1)
		return deliveryResult{}, authErr
	}

	update := o.classify(entry, attempt, resp, callErr)
	remoteID := ""
	if update.Status == models.QueueStatusSuccess {
		remoteID = update.RemoteID
		o.effects.Delivered(recordCtx, entry.EntityKind, entry.LocalEntityID, entry.Operation, endpoint, remoteID)
		observability.SetSuccess(span)
	} else {
		observability.AddEvent(span, "delivery."+string(update.Status), attribute.String("error", update.LastError))
	}
	return o.record(recordCtx, run, entry, update, remoteID)
}

// classify maps a response or transport error onto the entry's next state
func (o *Orchestrator) classify(entry *models.QueueEntry, attempt int, resp *Response, callErr error) repository.ResultUpdate {
	update := repository.ResultUpdate{Attempts: attempt}

	retry := func(reason string) repository.ResultUpdate {
		if attempt < entry.MaxAttempts {
			update.Status = models.QueueStatusPending
			update.LastError = reason
			update.NextAttemptAt = o.now().Add(o.backoff.Delay(attempt))
		} else {
			update.Status = models.QueueStatusFailed
			update.LastError = fmt.Sprintf("gave up after %d attempts: %s", attempt, reason)
		}
		return update
	}

	if callErr != nil {
		if IsNetworkError(callErr) {
			return retry(callErr.Error())
		}
		update.Status = models.QueueStatusFailed
		update.LastError = callErr.Error()
		return update
	}

	if resp.OK() {
		update.Status = models.QueueStatusSuccess
		update.RemoteID = resp.RemoteID()
		return update
	}

	remoteErr := ParseRemoteError(resp.StatusCode, resp.Body)
	switch {
	case remoteErr.Conflict:
		update.Status = models.QueueStatusConflict
		update.LastError = remoteErr.Error()
	case IsRetryableStatus(resp.StatusCode):
		return retry(remoteErr.Error())
	default:
		update.Status = models.QueueStatusFailed
		update.LastError = remoteErr.Error()
	}
	return update
}

func (o *Orchestrator) record(ctx context.Context, run *runState, entry *models.QueueEntry, update repository.ResultUpdate, remoteID string) (deliveryResult, error) {
	if err := o.queue.MarkResult(ctx, entry.ID, update); err != nil {
		run.skip(1)
		return deliveryResult{}, fmt.Errorf("record result of %s: %w", entry.ID, err)
	}

	o.logger.WithFields(map[string]interface{}{
		"queue_id":    entry.ID,
		"entity_kind": entry.EntityKind,
		"status":      update.Status,
		"attempt":     update.Attempts,
	}).Infof("%s %s -> %s %s", entry.Method, entry.Endpoint, update.Status, update.LastError)

	o.metrics.RecordDelivery(ctx, string(entry.EntityKind), string(update.Status))
	run.record(entry, update.Status, update.LastError)
	return deliveryResult{claimed: true, status: update.Status, remoteID: remoteID}, nil
}

// release hands a claimed entry back as pending without spending an attempt
func (o *Orchestrator) release(ctx context.Context, entry *models.QueueEntry, cause error) {
	err := o.queue.MarkResult(ctx, entry.ID, repository.ResultUpdate{
		Status:        models.QueueStatusPending,
		Attempts:      entry.Attempts,
		LastError:     cause.Error(),
		NextAttemptAt: o.now(),
	})
	if err != nil {
		o.logger.Errorf("Failed to release %s: %v", entry.ID, err)
	}
}

func (o *Orchestrator) finish(ctx context.Context, run *runState, fatal error) (*models.SyncReport, error) {
	report := run.report
	report.FinishedAt = o.now().UTC()

	var err error
	result := "success"
	switch {
	case fatal != nil:
		err = fatal
		report.Aborted = true
		result = "aborted"
	case report.HasPermanentFailures():
		err = newSyncError(report)
		result = "failed"
	}

	if err != nil {
		run.setPhase(models.PhaseError)
		o.logger.Warnf("Sync run finished with error: %v", err)
	} else {
		run.setPhase(models.PhaseComplete)
		o.logger.Infof("Sync run complete: %d delivered, %d retrying, %d skipped",
			report.Succeeded, report.Retrying, report.Skipped)
	}

	o.metrics.RecordRun(ctx, result)
	if o.observer != nil {
		o.observer.SyncFinished(report, err)
	}
	return report, err
}

func newSyncError(report *models.SyncReport) *SyncError {
	syncErr := &SyncError{Failed: report.Failed, Conflicts: report.Conflicts}
	for i, f := range report.Failures {
		if i == maxReportedReasons {
			syncErr.Reasons = append(syncErr.Reasons, fmt.Sprintf("and %d more", len(report.Failures)-i))
			break
		}
		syncErr.Reasons = append(syncErr.Reasons, fmt.Sprintf("%s %s: %s", f.EntityKind, f.Status, f.Reason))
	}
	return syncErr
}

// Stop prevents new runs and new groups from starting, then waits for the
// active run to release the lock or ctx to expire.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.stopping.Store(true)

	done := make(chan struct{})
	go func() {
		o.lock.Lock()
		o.lock.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume re-enables runs after Stop
func (o *Orchestrator) Resume() {
	o.stopping.Store(false)
}

// runState collects counters from concurrent group workers
type runState struct {
	mu       sync.Mutex
	report   *models.SyncReport
	progress models.SyncProgress
	observer RunObserver
}

func (r *runState) begin(total, notDue int) {
	r.mu.Lock()
	r.report.Total = total
	r.report.Skipped += notDue
	r.progress.Total = total
	p := r.progress
	r.mu.Unlock()
	r.emit(p)
}

func (r *runState) record(entry *models.QueueEntry, status models.QueueStatus, reason string) {
	r.mu.Lock()
	switch status {
	case models.QueueStatusSuccess:
		r.report.Succeeded++
		r.progress.Completed++
	case models.QueueStatusPending:
		r.report.Retrying++
		r.progress.Failed++
	case models.QueueStatusFailed, models.QueueStatusConflict:
		if status == models.QueueStatusFailed {
			r.report.Failed++
		} else {
			r.report.Conflicts++
		}
		r.progress.Failed++
		r.report.Failures = append(r.report.Failures, models.EntryFailure{
			QueueID:    entry.ID,
			EntityKind: entry.EntityKind,
			Status:     status,
			Reason:     reason,
		})
	}
	p := r.progress
	r.mu.Unlock()
	r.emit(p)
}

func (r *runState) skip(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.report.Skipped += n
	r.mu.Unlock()
}

func (r *runState) setPhase(phase models.SyncPhase) {
	r.mu.Lock()
	r.progress.Phase = phase
	p := r.progress
	r.mu.Unlock()
	r.emit(p)
}

func (r *runState) emit(p models.SyncProgress) {
	if r.observer != nil {
		r.observer.SyncProgressed(p)
	}
}
