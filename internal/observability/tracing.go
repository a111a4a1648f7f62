package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns a tracer for the given name
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartSpan starts a new span from context
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// StartServiceSpan starts a span for service operations
func StartServiceSpan(ctx context.Context, service, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append([]attribute.KeyValue{
		attribute.String("service.component", service),
		attribute.String("service.operation", operation),
	}, attrs...)
	return StartSpan(ctx, fmt.Sprintf("%s.%s", service, operation),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// RecordError records an error on the span
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks the span as successful
func SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddEvent adds an event to the span
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SyncMetrics holds the sync engine instruments
type SyncMetrics struct {
	enqueued     metric.Int64Counter
	delivered    metric.Int64Counter
	runs         metric.Int64Counter
	cacheLookups metric.Int64Counter
	pending      metric.Int64Gauge
}

// NewSyncMetrics creates sync metrics instruments on the global meter provider
func NewSyncMetrics() (*SyncMetrics, error) {
	meter := otel.Meter(instrumentationName)

	enqueued, err := meter.Int64Counter(
		"possync.queue.enqueued",
		metric.WithDescription("Mutations written to the durable queue"),
		metric.WithUnit("{entries}"),
	)
	if err != nil {
		return nil, err
	}

	delivered, err := meter.Int64Counter(
		"possync.queue.delivered",
		metric.WithDescription("Queue entries that reached a delivery outcome"),
		metric.WithUnit("{entries}"),
	)
	if err != nil {
		return nil, err
	}

	runs, err := meter.Int64Counter(
		"possync.sync.runs",
		metric.WithDescription("Completed sync runs"),
		metric.WithUnit("{runs}"),
	)
	if err != nil {
		return nil, err
	}

	cacheLookups, err := meter.Int64Counter(
		"possync.cache.lookups",
		metric.WithDescription("Conditional cache lookups"),
		metric.WithUnit("{lookups}"),
	)
	if err != nil {
		return nil, err
	}

	pending, err := meter.Int64Gauge(
		"possync.queue.pending",
		metric.WithDescription("Entries waiting to sync"),
		metric.WithUnit("{entries}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		enqueued:     enqueued,
		delivered:    delivered,
		runs:         runs,
		cacheLookups: cacheLookups,
		pending:      pending,
	}, nil
}

// RecordEnqueue records a mutation queued instead of sent
func (m *SyncMetrics) RecordEnqueue(ctx context.Context, entityKind string) {
	if m == nil {
		return
	}
	m.enqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("entity_kind", entityKind)))
}

// RecordDelivery records the outcome of one replayed entry
func (m *SyncMetrics) RecordDelivery(ctx context.Context, entityKind, outcome string) {
	if m == nil {
		return
	}
	m.delivered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity_kind", entityKind),
		attribute.String("outcome", outcome),
	))
}

// RecordRun records a finished sync run
func (m *SyncMetrics) RecordRun(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordCacheLookup records a conditional cache hit or miss
func (m *SyncMetrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordPending records the current pending count
func (m *SyncMetrics) RecordPending(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.pending.Record(ctx, int64(n))
}
