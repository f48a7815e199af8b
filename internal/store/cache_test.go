package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/sweeney/valve-meter/internal/logic"
)

// countingStore counts QueryWindow calls that reach the inner store.
type countingStore struct {
	Store
	windows int
}

func (c *countingStore) QueryWindow(ctx context.Context, id string, since time.Time) (logic.Usage, error) {
	c.windows++
	return c.Store.QueryWindow(ctx, id, since)
}

func TestWindowCacheReadThrough(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{Store: NewMemoryStore()}
	c := NewWindowCache(inner, time.Minute)

	_, err := c.FinalizeSession(ctx, session("a1", "front", t0, time.Minute, 4))
	require.NoError(t, err)

	since := t0.Add(-24 * time.Hour)
	u, err := c.QueryWindow(ctx, "front", since)
	require.NoError(t, err)
	require.InDelta(t, 4.0, u.Volume, 1e-9)
	u, err = c.QueryWindow(ctx, "front", since)
	require.NoError(t, err)
	require.InDelta(t, 4.0, u.Volume, 1e-9)
	require.Equal(t, 1, inner.windows)
	require.Equal(t, 1, c.Len())
}

func TestWindowCacheBoundaryWithinMinute(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{Store: NewMemoryStore()}
	c := NewWindowCache(inner, time.Minute)

	// Ends at t0+30s.
	_, err := c.FinalizeSession(ctx, session("a1", "front", t0.Add(-30*time.Second), time.Minute, 5))
	require.NoError(t, err)

	u, err := c.QueryWindow(ctx, "front", t0.Add(10*time.Second))
	require.NoError(t, err)
	require.InDelta(t, 5.0, u.Volume, 1e-9)

	u, err = c.QueryWindow(ctx, "front", t0.Add(50*time.Second))
	require.NoError(t, err)
	require.Zero(t, u.Volume, "a session that ended before since must not come from the cache")
	require.Equal(t, 2, inner.windows)
}

func TestWindowCacheFlush(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{Store: NewMemoryStore()}
	c := NewWindowCache(inner, time.Minute)

	_, err := c.QueryWindow(ctx, "front", t0)
	require.NoError(t, err)
	_, err = c.QueryWindow(ctx, "back", t0)
	require.NoError(t, err)
	c.Flush()
	require.Zero(t, c.Len())
}

func TestWindowCacheInvalidation(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{Store: NewMemoryStore()}
	c := NewWindowCache(inner, time.Minute)
	since := t0.Add(-24 * time.Hour)

	_, err := c.QueryWindow(ctx, "front", since)
	require.NoError(t, err)
	_, err = c.QueryWindow(ctx, "back", since)
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	_, err = c.FinalizeSession(ctx, session("a1", "front", t0, time.Minute, 4))
	require.NoError(t, err)
	require.Equal(t, 1, c.Len(), "only front's window is dropped")

	u, err := c.QueryWindow(ctx, "front", since)
	require.NoError(t, err)
	require.InDelta(t, 4.0, u.Volume, 1e-9)

	require.NoError(t, c.DeleteSession(ctx, "a1"))
	require.Zero(t, c.Len())

	u, err = c.QueryWindow(ctx, "front", since)
	require.NoError(t, err)
	require.Zero(t, u.Volume)
}

func TestTracedRecordsSpans(t *testing.T) {
	ctx := context.Background()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(ctx)

	s := NewTraced(NewMemoryStore(), tp.Tracer("test"))
	_, err := s.FinalizeSession(ctx, session("a1", "front", t0, time.Minute, 4))
	require.NoError(t, err)
	err = s.DeleteSession(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.QueryWindow(ctx, "front", t0.Add(-time.Hour))
	require.NoError(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "store.finalize", spans[0].Name())
	require.Equal(t, codes.Ok, spans[0].Status().Code)
	require.Equal(t, "store.window", spans[1].Name())
}

func TestTracedNilTracer(t *testing.T) {
	s := NewTraced(NewMemoryStore(), nil)
	_, err := s.ResetResettable(context.Background(), "front", t0)
	require.NoError(t, err)
}
