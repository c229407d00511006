package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// span holds the End helpers shared by the typed spans below.
type span struct {
	span    trace.Span
	okLabel string
}

// End ends the span with success status.
func (s *span) End() {
	s.span.SetStatus(codes.Ok, s.okLabel)
	s.span.End()
}

// EndWithError ends the span with error status.
func (s *span) EndWithError(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
	s.span.End()
}

// SyncSpan covers one metric sync pass.
type SyncSpan struct{ span }

// StartSyncSpan starts a span for a metric sync pass.
func (t *Tracer) StartSyncSpan(ctx context.Context, ownerID, metricType string) (context.Context, *SyncSpan) {
	ctx, s := t.tracer.Start(ctx, "metricsync.sync",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("owner.id", ownerID),
			attribute.String("metric.type", metricType),
		),
	)
	return ctx, &SyncSpan{span{s, "sync completed"}}
}

// SetWindow records the fetch window.
func (s *SyncSpan) SetWindow(from, to time.Time) {
	s.span.span.SetAttributes(
		attribute.String("sync.window.from", from.Format(time.RFC3339)),
		attribute.String("sync.window.to", to.Format(time.RFC3339)),
	)
}

// SetSkipped marks a pass the gate denied.
func (s *SyncSpan) SetSkipped() {
	s.span.span.SetAttributes(attribute.Bool("sync.skipped", true))
}

// SetCounts records per-bucket outcomes.
func (s *SyncSpan) SetCounts(created, updated, unchanged, failed int) {
	s.span.span.SetAttributes(
		attribute.Int("sync.buckets.created", created),
		attribute.Int("sync.buckets.updated", updated),
		attribute.Int("sync.buckets.unchanged", unchanged),
		attribute.Int("sync.buckets.failed", failed),
	)
}

// CycleSpan covers one outbox processor cycle.
type CycleSpan struct{ span }

// StartCycleSpan starts a span for an outbox processor cycle.
func (t *Tracer) StartCycleSpan(ctx context.Context, ownerID string) (context.Context, *CycleSpan) {
	ctx, s := t.tracer.Start(ctx, "outbox.cycle",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("owner.id", ownerID)),
	)
	return ctx, &CycleSpan{span{s, "cycle completed"}}
}

// SetCounts records the cycle outcome.
func (c *CycleSpan) SetCounts(recovered, fetched, delivered, failed int) {
	c.span.span.SetAttributes(
		attribute.Int("outbox.recovered", recovered),
		attribute.Int("outbox.fetched", fetched),
		attribute.Int("outbox.delivered", delivered),
		attribute.Int("outbox.failed", failed),
	)
}

// DeliverySpan covers one remote call for an outbox event.
type DeliverySpan struct{ span }

// StartDeliverySpan starts a client span for delivering an event.
func (t *Tracer) StartDeliverySpan(ctx context.Context, eventID, entityID string, attempt int) (context.Context, *DeliverySpan) {
	ctx, s := t.tracer.Start(ctx, "outbox.deliver",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("outbox.event.id", eventID),
			attribute.String("outbox.entity.id", entityID),
			attribute.Int("outbox.attempt", attempt),
		),
	)
	return ctx, &DeliverySpan{span{s, "delivered"}}
}

// SetOperation records whether the delivery created or updated.
func (d *DeliverySpan) SetOperation(op string) {
	d.span.span.SetAttributes(attribute.String("outbox.operation", op))
}

// SetRemoteID records the backend identifier.
func (d *DeliverySpan) SetRemoteID(id string) {
	d.span.span.SetAttributes(attribute.String("outbox.remote.id", id))
}
