package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Telemetry("a")
	m.ParseError("a")
	m.Command("a", "ON", nil)
	m.Unconfirmed("a", "OFF")
	m.SessionEnded("a", "manual", "auto_off", 1, time.Second)
	m.Warning("a", "failsafe")
	m.ValveState("a", 1, true, 2)
	m.ForgetValve("a")
	m.StoreDegraded(true)
	m.StorePending(3)
	m.StoreError("finalize")
	require.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCounters(t *testing.T) {
	m := New()
	m.Telemetry("front")
	m.Telemetry("front")
	m.ParseError("front")
	m.Command("front", "ON", nil)
	m.Command("front", "OFF", errors.New("down"))
	m.SessionEnded("front", "volume", "target_reached", 10, 2*time.Minute)
	m.SessionEnded("front", "timed", "failsafe", 5, time.Minute)

	require.Equal(t, 2.0, testutil.ToFloat64(m.telemetry.WithLabelValues("front")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.parseErrors.WithLabelValues("front")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("front", "OFF", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.sessions.WithLabelValues("front", "volume", "target_reached")))
	require.Equal(t, 15.0, testutil.ToFloat64(m.sessionVolume.WithLabelValues("front")))
}

func TestGauges(t *testing.T) {
	m := New()
	m.ValveState("front", 4.5, true, 120)
	m.StoreDegraded(true)
	require.Equal(t, 4.5, testutil.ToFloat64(m.flow.WithLabelValues("front")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.open.WithLabelValues("front")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.storeDegraded))

	m.ForgetValve("front")
	require.Equal(t, 0, testutil.CollectAndCount(m.flow))
}

func TestHandlerAndWrap(t *testing.T) {
	m := New()
	m.Telemetry("front")

	h := m.WrapHandler("/metrics", m.Handler())
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), `valve_meter_telemetry_messages_total{valve="front"} 1`))
	require.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("/metrics", "200")))
}
