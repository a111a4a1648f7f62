package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/possync/client/internal/models"
	"github.com/possync/client/internal/observability"
	"github.com/possync/client/internal/repository"
)

// Outcome tags the result of a mutation submitted through the interceptor
type Outcome string

const (
	OutcomeSent   Outcome = "sent"
	OutcomeQueued Outcome = "queued"
	OutcomeFailed Outcome = "failed"
)

// Result is Sent(response), Queued(queueID) or Failed(err). A Failed result
// caused by an HTTP error status also carries the response.
type Result struct {
	Outcome  Outcome
	Response *Response
	QueueID  string
	Err      error
}

func Sent(resp *Response) Result {
	return Result{Outcome: OutcomeSent, Response: resp}
}

func Queued(queueID string) Result {
	return Result{Outcome: OutcomeQueued, QueueID: queueID}
}

func Failed(err error, resp *Response) Result {
	return Result{Outcome: OutcomeFailed, Err: err, Response: resp}
}

// Mutation is an outgoing request from the application
type Mutation struct {
	Method        string
	Endpoint      string
	EntityKind    models.EntityKind
	LocalEntityID int64
	Payload       json.RawMessage
}

// collectionKinds maps the first path segment of an endpoint onto an entity kind
var collectionKinds = map[string]models.EntityKind{
	"sales":           models.EntitySale,
	"purchases":       models.EntityPurchase,
	"expenses":        models.EntityExpense,
	"incomes":         models.EntityIncome,
	"due-collections": models.EntityDueCollection,
	"due_collections": models.EntityDueCollection,
	"products":        models.EntityProduct,
	"parties":         models.EntityParty,
	"stocks":          models.EntityStock,
	"stock":           models.EntityStock,
}

// ClassifyEndpoint returns the entity kind an endpoint path belongs to, if queueable
func ClassifyEndpoint(endpoint string) (models.EntityKind, bool) {
	segment := collectionSegment(endpoint)
	kind, ok := collectionKinds[segment]
	return kind, ok
}

// collectionSegment returns the first path segment, ignoring scheme, host and query
func collectionSegment(endpoint string) string {
	path := endpoint
	if u, err := url.Parse(endpoint); err == nil {
		path = u.Path
	}
	path = strings.Trim(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}
	return strings.ToLower(path)
}

// collectionPath is the listing path a mutation affects, e.g. "/sales/12" -> "/sales"
func collectionPath(endpoint string) string {
	segment := collectionSegment(endpoint)
	if segment == "" {
		return ""
	}
	return "/" + segment
}

// InterceptorOptions configures an Interceptor
type InterceptorOptions struct {
	Client       RemoteDoer
	Queue        repository.QueueRepo
	Connectivity *Connectivity
	Effects      *DeliveryEffects
	MaxAttempts  int
	Now          func() time.Time
	Metrics      *observability.SyncMetrics
	// OnEnqueue runs after every successful enqueue, e.g. to refresh the pending count
	OnEnqueue func(ctx context.Context)
}

// Interceptor decides per mutation whether to send it now or defer it to the durable queue
type Interceptor struct {
	client      RemoteDoer
	queue       repository.QueueRepo
	conn        *Connectivity
	effects     *DeliveryEffects
	maxAttempts int
	now         func() time.Time
	metrics     *observability.SyncMetrics
	onEnqueue   func(ctx context.Context)
	logger      *observability.Logger
}

// NewInterceptor creates an Interceptor
func NewInterceptor(opts InterceptorOptions) *Interceptor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = models.DefaultMaxAttempts
	}
	return &Interceptor{
		client:      opts.Client,
		queue:       opts.Queue,
		conn:        opts.Connectivity,
		effects:     opts.Effects,
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
		metrics:     opts.Metrics,
		onEnqueue:   opts.OnEnqueue,
		logger:      observability.WithField("component", "interceptor"),
	}
}

// Submit sends or queues a mutation
func (i *Interceptor) Submit(ctx context.Context, m Mutation) Result {
	ctx, span := observability.StartServiceSpan(ctx, "interceptor", "submit",
		observability.Operation(m.Method),
		observability.EntityKind(string(m.EntityKind)),
	)
	defer span.End()

	op := models.OperationForMethod(m.Method)
	kind := m.EntityKind
	if kind == "" {
		kind, _ = ClassifyEndpoint(m.Endpoint)
	}
	eligible := op != "" && kind.IsQueueable()

	if !eligible {
		return i.passThrough(ctx, m)
	}

	if !i.conn.IsOnline() {
		return i.enqueue(ctx, op, kind, m, "")
	}

	// Earlier changes to the same record are still waiting: sending now would overtake them
	if m.LocalEntityID > 0 {
		open, err := i.queue.CountOpenForEntity(ctx, kind, m.LocalEntityID)
		if err != nil {
			observability.RecordError(span, err)
			return Failed(err, nil)
		}
		if open > 0 {
			return i.enqueue(ctx, op, kind, m, "")
		}
	}

	endpoint, err := i.effects.ResolveEndpoint(ctx, kind, m.LocalEntityID, m.Endpoint, "")
	if errors.Is(err, ErrUnresolvedRemoteID) {
		return i.enqueue(ctx, op, kind, m, "")
	}
	if err != nil {
		return Failed(err, nil)
	}

	resp, err := i.client.Do(ctx, m.Method, endpoint, m.Payload)
	if err != nil {
		if IsNetworkError(err) {
			i.logger.Warnf("Remote API unreachable for %s %s, queueing: %v", m.Method, m.Endpoint, err)
			i.conn.Set(false)
			return i.enqueue(ctx, op, kind, m, err.Error())
		}
		observability.RecordError(span, err)
		return Failed(err, nil)
	}

	if remoteErr := resp.Err(); remoteErr != nil {
		observability.RecordError(span, remoteErr)
		return Failed(remoteErr, resp)
	}

	i.effects.Delivered(ctx, kind, m.LocalEntityID, op, endpoint, resp.RemoteID())
	observability.SetSuccess(span)
	return Sent(resp)
}

func (i *Interceptor) passThrough(ctx context.Context, m Mutation) Result {
	resp, err := i.client.Do(ctx, m.Method, m.Endpoint, m.Payload)
	if err != nil {
		if IsNetworkError(err) {
			i.conn.Set(false)
		}
		return Failed(err, nil)
	}
	if remoteErr := resp.Err(); remoteErr != nil {
		return Failed(remoteErr, resp)
	}
	return Sent(resp)
}

func (i *Interceptor) enqueue(ctx context.Context, op models.Operation, kind models.EntityKind, m Mutation, reason string) Result {
	// A mutation accepted for queueing is stored even if the caller stops waiting
	ctx = context.WithoutCancel(ctx)

	entry, err := models.NewQueueEntry(op, kind, m.LocalEntityID, m.Method, m.Endpoint, m.Payload, i.now())
	if err != nil {
		return Failed(err, nil)
	}
	entry.MaxAttempts = i.maxAttempts
	entry.LastError = reason

	id, err := i.queue.Enqueue(ctx, entry)
	if err != nil {
		i.logger.Errorf("Failed to queue %s %s: %v", m.Method, m.Endpoint, err)
		return Failed(err, nil)
	}

	i.logger.WithFields(map[string]interface{}{
		"queue_id":    id,
		"entity_kind": kind,
		"status":      models.QueueStatusPending,
	}).Infof("Queued %s %s", m.Method, m.Endpoint)
	i.metrics.RecordEnqueue(ctx, string(kind))
	if i.onEnqueue != nil {
		i.onEnqueue(ctx)
	}
	return Queued(id)
}
