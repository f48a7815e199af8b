package store

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/sweeney/valve-meter/internal/logic"
)

// Traced records a span around each durable write and window query.
type Traced struct {
	Store
	tracer trace.Tracer
}

// NewTraced wraps inner. A nil tracer uses a no-op tracer.
func NewTraced(inner Store, tracer trace.Tracer) *Traced {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("store")
	}
	return &Traced{Store: inner, tracer: tracer}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// StartSession implements Store.
func (t *Traced) StartSession(ctx context.Context, s logic.Session) error {
	ctx, span := t.tracer.Start(ctx, "store.start",
		trace.WithAttributes(
			attribute.String("valve.id", s.ValveID),
			attribute.String("session.id", s.ID),
			attribute.String("session.trigger", string(s.Trigger)),
		))
	err := t.Store.StartSession(ctx, s)
	endSpan(span, err)
	return err
}

// FinalizeSession implements Store.
func (t *Traced) FinalizeSession(ctx context.Context, s logic.Session) (logic.Totals, error) {
	ctx, span := t.tracer.Start(ctx, "store.finalize",
		trace.WithAttributes(
			attribute.String("valve.id", s.ValveID),
			attribute.String("session.id", s.ID),
			attribute.String("session.end_reason", string(s.EndReason)),
			attribute.Float64("session.volume_l", s.Volume),
			attribute.Float64("session.duration_s", s.Duration.Seconds()),
		))
	totals, err := t.Store.FinalizeSession(ctx, s)
	if err == nil {
		span.SetAttributes(attribute.Int64("totals.lifetime_sessions", totals.LifetimeSessions))
	}
	endSpan(span, err)
	return totals, err
}

// ResetResettable implements Store.
func (t *Traced) ResetResettable(ctx context.Context, valveID string, at time.Time) (logic.Totals, error) {
	ctx, span := t.tracer.Start(ctx, "store.reset",
		trace.WithAttributes(attribute.String("valve.id", valveID)))
	totals, err := t.Store.ResetResettable(ctx, valveID, at)
	endSpan(span, err)
	return totals, err
}

// QueryWindow implements Store.
func (t *Traced) QueryWindow(ctx context.Context, valveID string, since time.Time) (logic.Usage, error) {
	ctx, span := t.tracer.Start(ctx, "store.window",
		trace.WithAttributes(
			attribute.String("valve.id", valveID),
			attribute.String("window.since", since.UTC().Format(time.RFC3339)),
		))
	u, err := t.Store.QueryWindow(ctx, valveID, since)
	endSpan(span, err)
	return u, err
}

// CleanupOlderThan implements Store.
func (t *Traced) CleanupOlderThan(ctx context.Context, days int, now time.Time) (int64, error) {
	ctx, span := t.tracer.Start(ctx, "store.cleanup",
		trace.WithAttributes(attribute.Int("retention.days", days)))
	n, err := t.Store.CleanupOlderThan(ctx, days, now)
	span.SetAttributes(attribute.Int64("sessions.deleted", n))
	endSpan(span, err)
	return n, err
}
