// Package engine runs the valve event loop.
//
// One goroutine owns every logic.Valve. Telemetry, API requests, failsafe
// expiries, confirmation timeouts and store results all arrive on channels
// that the loop drains; store I/O runs on a sharded worker pool and its
// results are applied back on the loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sweeney/valve-meter/internal/dispatch"
	"github.com/sweeney/valve-meter/internal/failsafe"
	"github.com/sweeney/valve-meter/internal/gpio"
	"github.com/sweeney/valve-meter/internal/logic"
	"github.com/sweeney/valve-meter/internal/metrics"
	"github.com/sweeney/valve-meter/internal/mqtt"
	"github.com/sweeney/valve-meter/internal/store"
)

var (
	// ErrClosed is returned by API calls after the engine stopped.
	ErrClosed = errors.New("engine closed")
	// ErrUnknownValve is returned for a valve id that is not registered.
	ErrUnknownValve = errors.New("unknown valve")
	// ErrDuplicateValve is returned when registering an id twice.
	ErrDuplicateValve = errors.New("valve already registered")
	// ErrInvalidTarget is returned for a malformed run request.
	ErrInvalidTarget = logic.ErrInvalidTarget
)

// Defaults applied by New to zero Config fields.
const (
	DefaultMaxRuntime      = 120 * time.Minute
	DefaultMaxFlowLPM      = 60.0
	DefaultWorkers         = 4
	DefaultRetentionDays   = 90
	DefaultCleanupInterval = 24 * time.Hour
	DefaultWindowRefresh   = 5 * time.Minute
	DefaultStoreTimeout    = 10 * time.Second

	inboundBuffer = 256
	resultBuffer  = 64
)

// ValveConfig describes one valve.
type ValveConfig struct {
	ID   string
	Name string
	// Topic is the device's telemetry topic. Optional for GPIO valves.
	Topic   string
	Driver  dispatch.Driver
	Pin     int
	Profile logic.Profile

	NativeTimer bool
	// MaxRuntime bounds volume runs; zero uses Config.DefaultMaxRuntime.
	MaxRuntime time.Duration
	MaxFlowLPM float64
}

// Config holds engine settings.
type Config struct {
	Valves []ValveConfig

	// EventsTopic receives session_started and session_ended; empty disables.
	EventsTopic string
	EventsQoS   byte
	CommandQoS  byte

	ConfirmTimeout    time.Duration
	DefaultMaxRuntime time.Duration
	NativeTimerGrace  time.Duration

	Workers         int
	RetentionDays   int
	CleanupInterval time.Duration
	WindowRefresh   time.Duration
	StoreTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = dispatch.DefaultConfirmTimeout
	}
	if c.DefaultMaxRuntime <= 0 {
		c.DefaultMaxRuntime = DefaultMaxRuntime
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.WindowRefresh <= 0 {
		c.WindowRefresh = DefaultWindowRefresh
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	return c
}

func (c Config) valveDefaults(vc ValveConfig) ValveConfig {
	if vc.Name == "" {
		vc.Name = vc.ID
	}
	if vc.MaxRuntime <= 0 {
		vc.MaxRuntime = c.DefaultMaxRuntime
	}
	if vc.MaxFlowLPM <= 0 {
		vc.MaxFlowLPM = DefaultMaxFlowLPM
	}
	return vc
}

// Deps are the engine's collaborators. Store defaults to an in-memory
// store; MQTT and Relays may be nil when no valve uses them.
type Deps struct {
	Store   store.Store
	MQTT    mqtt.Client
	Relays  gpio.Relays
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	NewID   func() string
}

// entry is a registered valve. Only the loop touches it.
type entry struct {
	cfg   ValveConfig
	valve *logic.Valve
}

type inbound struct {
	valveID string
	payload []byte
	event   *logic.Event // set for synthesized telemetry
	at      time.Time
}

type request struct {
	fn    func() error
	reply chan error
}

// Engine coordinates valves, timers, dispatch and the store.
type Engine struct {
	cfg     Config
	store   store.Store
	mqtt    mqtt.Client
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string

	timers   *failsafe.Manager
	confirms *dispatch.Confirmations
	dispatch *dispatch.Dispatcher
	pool     *pool
	hub      *hub

	inbound  chan inbound
	requests chan request
	results  chan func()

	valves map[string]*entry

	viewMu sync.RWMutex
	views  map[string]ValveView

	running  atomic.Bool
	ready    chan struct{}
	stopping chan struct{}
	done     chan struct{}
}

// New validates cfg and builds an engine. Call Run to start it.
func New(cfg Config, deps Deps) (*Engine, error) {
	cfg = cfg.withDefaults()
	seen := make(map[string]bool, len(cfg.Valves))
	for _, vc := range cfg.Valves {
		if vc.ID == "" {
			return nil, errors.New("valve with empty id")
		}
		if seen[vc.ID] {
			return nil, fmt.Errorf("valve %s: %w", vc.ID, ErrDuplicateValve)
		}
		seen[vc.ID] = true
	}

	if deps.Store == nil {
		deps.Store = store.NewMemoryStore()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = logic.NewSessionID
	}

	e := &Engine{
		cfg:      cfg,
		store:    deps.Store,
		mqtt:     deps.MQTT,
		log:      deps.Logger,
		metrics:  deps.Metrics,
		now:      deps.Now,
		newID:    deps.NewID,
		timers:   failsafe.NewManager(deps.Now),
		confirms: dispatch.NewConfirmations(deps.Now),
		hub:      newHub(),
		inbound:  make(chan inbound, inboundBuffer),
		requests: make(chan request),
		results:  make(chan func(), resultBuffer),
		valves:   make(map[string]*entry),
		views:    make(map[string]ValveView),
		ready:    make(chan struct{}),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	e.dispatch = dispatch.New(dispatch.Options{
		MQTT:       deps.MQTT,
		Relays:     deps.Relays,
		QoS:        cfg.CommandQoS,
		Logger:     deps.Logger,
		Now:        deps.Now,
		Synthesize: e.synthesize,
		OnResult: func(valveID string, cmd logic.Command, err error) {
			e.metrics.Command(valveID, commandLabel(cmd), err)
		},
	})
	e.pool = newPool(cfg.Workers, cfg.StoreTimeout, e.postResult, e.metrics.StorePending)
	return e, nil
}

// Ready is closed once startup finished and the loop is running.
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

// Done is closed after shutdown completed and the store was closed.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Run closes sessions left open by a previous process, registers the
// configured valves and runs the loop until ctx is done. It then drains
// in-flight store work and closes the store.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}

	sctx, cancel := context.WithTimeout(context.Background(), e.cfg.StoreTimeout)
	n, err := e.store.CloseInterrupted(sctx, e.now())
	cancel()
	if err != nil {
		e.log.Error("closing interrupted sessions failed", "error", err)
	} else if n > 0 {
		e.log.Info("closed interrupted sessions", "count", n)
	}

	for _, vc := range e.cfg.Valves {
		if err := e.register(vc); err != nil {
			e.log.Error("valve not registered", "valve", vc.ID, "error", err)
		}
	}
	e.cleanup()
	e.settle()

	close(e.ready)
	e.log.Info("engine started", "valves", len(e.valves))

	e.loop(ctx)
	e.shutdown()
	return nil
}

// shutdown stops intake, cancels timers, lets queued store work finish and
// closes the store.
func (e *Engine) shutdown() {
	close(e.stopping)
	e.timers.Close()
	e.confirms.Close()

	drained := make(chan struct{})
	go func() {
		e.pool.close()
		close(drained)
	}()
	for waiting := true; waiting; {
		select {
		case fn := <-e.results:
			fn()
		case <-drained:
			waiting = false
		}
	}
	e.drainResults()

	e.dispatch.Close()
	if err := e.store.Close(); err != nil {
		e.log.Error("closing store failed", "error", err)
	}
	e.hub.close()
	e.log.Info("engine stopped")
	close(e.done)
}

// settle applies store results until the pool is idle. Run uses it so
// Ready means stored totals are already in the views.
func (e *Engine) settle() {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for !e.pool.idle() {
		select {
		case fn := <-e.results:
			fn()
		case <-tick.C:
		}
	}
	e.drainResults()
}

func (e *Engine) drainResults() {
	for {
		select {
		case fn := <-e.results:
			fn()
		default:
			return
		}
	}
}

// call runs fn on the loop and returns its error.
func (e *Engine) call(fn func() error) error {
	req := request{fn: fn, reply: make(chan error, 1)}
	select {
	case e.requests <- req:
	case <-e.stopping:
		return ErrClosed
	}
	return <-req.reply
}

func (e *Engine) postResult(fn func()) {
	e.results <- fn
}

// synthesize feeds telemetry produced by the dispatcher for GPIO valves.
func (e *Engine) synthesize(valveID string, ev logic.Event, at time.Time) {
	e.post(inbound{valveID: valveID, event: &ev, at: at})
}

func (e *Engine) post(in inbound) {
	select {
	case e.inbound <- in:
	case <-e.stopping:
	}
}

func (e *Engine) handler(valveID string) mqtt.Handler {
	return func(_ string, payload []byte, receivedAt time.Time) {
		e.post(inbound{valveID: valveID, payload: payload, at: receivedAt})
	}
}

func commandLabel(cmd logic.Command) string {
	if cmd.On {
		return "ON"
	}
	return "OFF"
}
