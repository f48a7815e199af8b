// Package web provides the HTTP status page and control API for the
// valve-meter daemon.
package web

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/sweeney/valve-meter/internal/engine"
	"github.com/sweeney/valve-meter/internal/logic"
	"github.com/sweeney/valve-meter/internal/metrics"
	"github.com/sweeney/valve-meter/internal/status"
	"github.com/sweeney/valve-meter/internal/store"
)

// Valves is the part of the engine the server drives.
type Valves interface {
	Valves() []engine.ValveView
	Valve(id string) (engine.ValveView, bool)
	StartTimed(id string, d time.Duration) error
	StartVolume(id string, liters float64, hardTimeout time.Duration) error
	Stop(id string) error
	ResetTotals(id string) error
	Sessions(ctx context.Context, f store.Filter) ([]logic.Session, error)
	DeleteSession(ctx context.Context, id string) error
	ClearSessions(ctx context.Context, valveID string) (int64, error)
	Subscribe() (<-chan engine.Update, func())
}

// Options configures a Server. Tracker and Valves are required.
type Options struct {
	Tracker *status.Tracker
	Valves  Valves
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// AccessLog receives one Apache-style line per request; nil disables it.
	AccessLog io.Writer
}

// Server serves the status page and API over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	valves     Valves
	metrics    *metrics.Metrics
	log        *slog.Logger
}

// New creates a Server listening on addr.
func New(addr string, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		tracker: opts.Tracker,
		valves:  opts.Valves,
		metrics: opts.Metrics,
		log:     opts.Logger,
	}

	var h http.Handler = s.router()
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.log}),
		handlers.PrintRecoveryStack(false),
	)(h)
	if opts.AccessLog != nil {
		h = handlers.LoggingHandler(opts.AccessLog, h)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/", s.route("index", s.handleIndex)).Methods(http.MethodGet)
	r.Handle("/index.html", s.route("index", s.handleIndex)).Methods(http.MethodGet)
	r.Handle("/index.json", s.route("status", s.handleJSON)).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Handle("/valves", s.route("valves", s.handleValves)).Methods(http.MethodGet)
	api.Handle("/valves/{id}", s.route("valve", s.handleValve)).Methods(http.MethodGet)
	api.Handle("/valves/{id}/start_timed", s.route("start_timed", s.handleStartTimed)).Methods(http.MethodPost)
	api.Handle("/valves/{id}/start_volume", s.route("start_volume", s.handleStartVolume)).Methods(http.MethodPost)
	api.Handle("/valves/{id}/stop", s.route("stop", s.handleStop)).Methods(http.MethodPost)
	api.Handle("/valves/{id}/reset", s.route("reset", s.handleReset)).Methods(http.MethodPost)
	api.Handle("/reset", s.route("reset_all", s.handleResetAll)).Methods(http.MethodPost)
	api.Handle("/sessions", s.route("sessions", s.handleSessions)).Methods(http.MethodGet)
	api.Handle("/sessions", s.route("clear_sessions", s.handleClearSessions)).Methods(http.MethodDelete)
	api.Handle("/sessions/{id}", s.route("delete_session", s.handleDeleteSession)).Methods(http.MethodDelete)

	r.HandleFunc("/ws", s.handleLive).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	return r
}

func (s *Server) route(name string, fn http.HandlerFunc) http.Handler {
	return s.metrics.WrapHandler(name, fn)
}

// Handler returns the full handler chain. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		s.log.Error("render index", "error", err)
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

// recoveryLogger routes handler panics to slog.
type recoveryLogger struct {
	log *slog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.log.Error("http handler panic", "panic", fmt.Sprint(v...))
}
