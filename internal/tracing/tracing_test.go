package tracing

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledIsNoop(t *testing.T) {
	p, err := New(DefaultConfig())
	require.NoError(t, err)
	require.False(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), "x")
	require.False(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestFileExporterWritesSpans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spans.json")
	p, err := New(Config{Enabled: true, Exporter: "file", FilePath: path})
	require.NoError(t, err)
	require.True(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), "store.finalize")
	require.True(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "store.finalize")
}

func TestConfigErrors(t *testing.T) {
	_, err := New(Config{Enabled: true, Exporter: "file"})
	require.Error(t, err)
	_, err = New(Config{Enabled: true, Exporter: "jaeger"})
	require.Error(t, err)
}

func TestNoneExporterStillSamples(t *testing.T) {
	p, err := New(Config{Enabled: true, Exporter: "none", SampleRate: 1})
	require.NoError(t, err)
	_, span := p.Tracer().Start(context.Background(), "x")
	require.True(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}
