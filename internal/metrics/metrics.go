// Package metrics exposes Prometheus collectors for the valve engine and
// the HTTP surface. Every method is safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "valve_meter"

type Metrics struct {
	registry *prometheus.Registry

	telemetry      *prometheus.CounterVec
	parseErrors    *prometheus.CounterVec
	commands       *prometheus.CounterVec
	unconfirmed    *prometheus.CounterVec
	sessions       *prometheus.CounterVec
	sessionVolume  *prometheus.CounterVec
	sessionSeconds *prometheus.HistogramVec
	warnings       *prometheus.CounterVec
	flow           *prometheus.GaugeVec
	open           *prometheus.GaugeVec
	lifetimeVolume *prometheus.GaugeVec
	storeDegraded  prometheus.Gauge
	storePending   prometheus.Gauge
	storeErrors    *prometheus.CounterVec

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New creates the collectors on a dedicated registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		telemetry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_messages_total",
			Help:      "Telemetry messages accepted per valve.",
		}, []string{"valve"}),
		parseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_parse_errors_total",
			Help:      "Telemetry messages dropped as malformed per valve.",
		}, []string{"valve"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Device commands by valve, command and delivery result.",
		}, []string{"valve", "command", "result"}),
		unconfirmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_unconfirmed_total",
			Help:      "Commands whose confirming telemetry did not arrive in time.",
		}, []string{"valve", "command"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished sessions by valve, trigger and end reason.",
		}, []string{"valve", "trigger", "reason"}),
		sessionVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_volume_liters_total",
			Help:      "Integrated volume of finished sessions.",
		}, []string{"valve"}),
		sessionSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of finished sessions.",
			Buckets:   []float64{30, 60, 300, 600, 1200, 1800, 3600, 7200},
		}, []string{"valve"}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warnings_total",
			Help:      "Operator warnings (failsafe stops, unresponsive devices).",
		}, []string{"valve", "kind"}),
		flow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flow_lpm",
			Help:      "Last reported flow rate in liters per minute.",
		}, []string{"valve"}),
		open: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_active",
			Help:      "1 while a session is in progress.",
		}, []string{"valve"}),
		lifetimeVolume: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lifetime_volume_liters",
			Help:      "Lifetime volume as last returned by the store.",
		}, []string{"valve"}),
		storeDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_degraded",
			Help:      "1 while the store runs in memory-only mode.",
		}),
		storePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_jobs_pending",
			Help:      "Store operations queued on the worker pool.",
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Store operations that returned an error.",
		}, []string{"op"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.telemetry,
		m.parseErrors,
		m.commands,
		m.unconfirmed,
		m.sessions,
		m.sessionVolume,
		m.sessionSeconds,
		m.warnings,
		m.flow,
		m.open,
		m.lifetimeVolume,
		m.storeDegraded,
		m.storePending,
		m.storeErrors,
		m.httpRequestsTotal,
		m.httpDuration,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts requests and their durations under route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

func (m *Metrics) Telemetry(valve string) {
	if m == nil {
		return
	}
	m.telemetry.WithLabelValues(valve).Inc()
}

func (m *Metrics) ParseError(valve string) {
	if m == nil {
		return
	}
	m.parseErrors.WithLabelValues(valve).Inc()
}

func (m *Metrics) Command(valve, command string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commands.WithLabelValues(valve, command, result).Inc()
}

func (m *Metrics) Unconfirmed(valve, command string) {
	if m == nil {
		return
	}
	m.unconfirmed.WithLabelValues(valve, command).Inc()
}

func (m *Metrics) SessionEnded(valve, trigger, reason string, liters float64, d time.Duration) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(valve, trigger, reason).Inc()
	m.sessionVolume.WithLabelValues(valve).Add(liters)
	m.sessionSeconds.WithLabelValues(valve).Observe(d.Seconds())
}

func (m *Metrics) Warning(valve, kind string) {
	if m == nil {
		return
	}
	m.warnings.WithLabelValues(valve, kind).Inc()
}

// ValveState records the gauges derived from a valve's read model.
func (m *Metrics) ValveState(valve string, flowLPM float64, active bool, lifetimeLiters float64) {
	if m == nil {
		return
	}
	m.flow.WithLabelValues(valve).Set(flowLPM)
	v := 0.0
	if active {
		v = 1
	}
	m.open.WithLabelValues(valve).Set(v)
	m.lifetimeVolume.WithLabelValues(valve).Set(lifetimeLiters)
}

// ForgetValve drops the per-valve gauges of a deregistered valve.
func (m *Metrics) ForgetValve(valve string) {
	if m == nil {
		return
	}
	m.flow.DeleteLabelValues(valve)
	m.open.DeleteLabelValues(valve)
	m.lifetimeVolume.DeleteLabelValues(valve)
}

func (m *Metrics) StoreDegraded(degraded bool) {
	if m == nil {
		return
	}
	v := 0.0
	if degraded {
		v = 1
	}
	m.storeDegraded.Set(v)
}

func (m *Metrics) StorePending(n int) {
	if m == nil {
		return
	}
	m.storePending.Set(float64(n))
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}
