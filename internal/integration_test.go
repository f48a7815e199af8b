package internal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sweeney/valve-meter/internal/dispatch"
	"github.com/sweeney/valve-meter/internal/engine"
	"github.com/sweeney/valve-meter/internal/logic"
	"github.com/sweeney/valve-meter/internal/metrics"
	"github.com/sweeney/valve-meter/internal/mqtt"
	"github.com/sweeney/valve-meter/internal/status"
	"github.com/sweeney/valve-meter/internal/store"
	"github.com/sweeney/valve-meter/internal/web"
)

const (
	frontTopic   = "zigbee2mqtt/front"
	frontCommand = "zigbee2mqtt/front/set"
)

var t0 = time.Date(2026, 6, 1, 6, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// stack is the daemon wired the way cmd/valve-meter wires it, on a fake
// broker: resilient SQLite under tracing and the window cache, the engine,
// the status tracker and the HTTP server.
type stack struct {
	t         *testing.T
	clock     *clock
	mqtt      *mqtt.FakeClient
	resilient *store.Resilient
	eng       *engine.Engine
	tracker   *status.Tracker
	srv       *httptest.Server

	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func sqliteOpener(path string) store.Opener {
	return func(ctx context.Context) (store.Store, error) {
		return store.NewSQLiteStore(path)
	}
}

func newStack(t *testing.T, open store.Opener) *stack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := &stack{
		t:     t,
		clock: &clock{now: t0},
		mqtt:  mqtt.NewFakeClient(),
		done:  make(chan error, 1),
	}

	s.resilient = store.NewResilient(context.Background(), open, store.ResilientOptions{
		RetryInterval: time.Minute,
		Now:           s.clock.Now,
		Logger:        logger,
	})
	st := store.NewWindowCache(store.NewTraced(s.resilient, nil), time.Minute)

	m := metrics.New()
	eng, err := engine.New(engine.Config{
		Valves: []engine.ValveConfig{{
			ID:      "front",
			Name:    "Front lawn",
			Topic:   frontTopic,
			Driver:  dispatch.DriverMQTT,
			Profile: logic.Profile{FlowUnit: logic.FlowLPM},
		}},
		EventsTopic: mqtt.TopicEvents,
	}, engine.Deps{
		Store:   st,
		MQTT:    s.mqtt,
		Logger:  logger,
		Metrics: m,
		Now:     s.clock.Now,
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	s.eng = eng

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() { s.done <- eng.Run(ctx) }()
	select {
	case <-eng.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not start")
	}

	s.tracker = status.NewTracker(t0, status.Config{Broker: "tcp://fake:1883", DBPath: "test.db", Valves: 1})
	s.tracker.SetReady(true)
	s.tracker.SetStoreDegraded(s.resilient.Degraded())

	srv := web.New(":0", web.Options{Tracker: s.tracker, Valves: eng, Metrics: m, Logger: logger})
	s.srv = httptest.NewServer(srv.Handler())
	t.Cleanup(s.stop)
	return s
}

func (s *stack) stop() {
	s.once.Do(func() {
		s.srv.Close()
		s.cancel()
		select {
		case err := <-s.done:
			if err != nil {
				s.t.Errorf("engine.Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			s.t.Fatal("engine did not stop")
		}
	})
}

func (s *stack) inject(payload string, at time.Time) {
	s.t.Helper()
	if !s.mqtt.Inject(frontTopic, []byte(payload), at) {
		s.t.Fatalf("no subscription for %s", frontTopic)
	}
}

func (s *stack) getJSON(path string, v interface{}) {
	s.t.Helper()
	resp, err := http.Get(s.srv.URL + path)
	if err != nil {
		s.t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.t.Fatalf("GET %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		s.t.Fatalf("GET %s: decode: %v", path, err)
	}
}

func (s *stack) post(path string) int {
	s.t.Helper()
	resp, err := http.Post(s.srv.URL+path, "application/json", strings.NewReader(""))
	if err != nil {
		s.t.Fatalf("POST %s: %v", path, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func (s *stack) valve() status.ValveJSON {
	var v status.ValveJSON
	s.getJSON("/api/valves/front", &v)
	return v
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out: %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestIntegrationManualRunStoppedOverHTTP runs a device-started session,
// stops it through the API and checks the stored record, the totals and
// their survival across a restart.
func TestIntegrationManualRunStoppedOverHTTP(t *testing.T) {
	path := filepath.Join(t.TempDir(), "valves.db")
	s := newStack(t, sqliteOpener(path))

	s.inject(`{"state":"ON","flow":2.0,"battery":90}`, t0)
	waitFor(t, func() bool { return s.valve().Session != nil }, "session not opened")

	s.clock.Set(t0.Add(90 * time.Second))
	if code := s.post("/api/valves/front/stop"); code != http.StatusAccepted {
		t.Fatalf("stop: got %d, want 202", code)
	}

	var page web.SessionsJSON
	waitFor(t, func() bool {
		s.getJSON("/api/sessions?valve=front", &page)
		return len(page.Sessions) == 1 && page.Sessions[0].EndedAt != ""
	}, "session not finalized")

	rec := page.Sessions[0]
	if rec.EndReason != string(logic.EndManual) {
		t.Errorf("EndReason: got %q, want manual", rec.EndReason)
	}
	if rec.Liters != 3 {
		t.Errorf("Liters: got %v, want 3", rec.Liters)
	}
	if rec.DurationSeconds != 90 {
		t.Errorf("DurationSeconds: got %d, want 90", rec.DurationSeconds)
	}
	if rec.Trigger != string(logic.TriggerManual) {
		t.Errorf("Trigger: got %q, want manual", rec.Trigger)
	}

	waitFor(t, func() bool {
		v := s.valve()
		return v.Totals.LifetimeLiters == 3 && v.Last24h.Liters == 3
	}, "totals and windows not updated")

	cmds := s.mqtt.Published(frontCommand)
	if len(cmds) == 0 {
		t.Fatal("no OFF command published")
	}
	var cmd mqtt.CommandPayload
	json.Unmarshal(cmds[0].Payload, &cmd)
	if cmd.State != "OFF" {
		t.Errorf("command: got %q, want OFF", cmd.State)
	}
	waitFor(t, func() bool { return len(s.mqtt.Published(mqtt.TopicEvents)) == 2 }, "session events not published")

	s.stop()

	again := newStack(t, sqliteOpener(path))
	waitFor(t, func() bool { return again.valve().LastEnded != "" }, "last session not restored")
	v := again.valve()
	if v.Totals.LifetimeLiters != 3 || v.Totals.LifetimeSessions != 1 {
		t.Errorf("totals after restart: got %+v", v.Totals)
	}
	if v.Totals.ResettableLiters != 3 {
		t.Errorf("ResettableLiters after restart: got %v, want 3", v.Totals.ResettableLiters)
	}
}

func TestIntegrationResetOverHTTP(t *testing.T) {
	s := newStack(t, sqliteOpener(filepath.Join(t.TempDir(), "valves.db")))

	s.inject(`{"state":"ON","flow":6}`, t0)
	s.clock.Set(t0.Add(time.Minute))
	s.inject(`{"state":"OFF","flow":0}`, t0.Add(time.Minute))
	waitFor(t, func() bool { return s.valve().Totals.LifetimeLiters == 6 }, "run not credited")

	if code := s.post("/api/reset"); code != http.StatusAccepted {
		t.Fatalf("reset: got %d, want 202", code)
	}
	waitFor(t, func() bool {
		v := s.valve()
		return v.Totals.ResettableLiters == 0 && v.Totals.ResettableSessions == 0
	}, "resettable not cleared")
	v := s.valve()
	if v.Totals.LifetimeLiters != 6 {
		t.Errorf("lifetime changed: got %v, want 6", v.Totals.LifetimeLiters)
	}

	if code := s.post("/api/valves/back/reset"); code != http.StatusNotFound {
		t.Errorf("unknown valve reset: got %d, want 404", code)
	}
}

// TestIntegrationDegradedStoreReplays keeps metering while the database is
// missing and writes the queued session once it comes back.
func TestIntegrationDegradedStoreReplays(t *testing.T) {
	path := filepath.Join(t.TempDir(), "valves.db")
	var down atomic.Bool
	down.Store(true)
	open := func(ctx context.Context) (store.Store, error) {
		if down.Load() {
			return nil, errors.New("disk not mounted")
		}
		return store.NewSQLiteStore(path)
	}
	s := newStack(t, open)
	if !s.resilient.Degraded() {
		t.Fatal("store should start degraded")
	}

	var st status.StatusJSON
	s.getJSON("/index.json", &st)
	if !st.Status.Store.Degraded {
		t.Error("status should report the degraded store")
	}

	s.inject(`{"state":"ON","flow":2}`, t0)
	s.clock.Set(t0.Add(time.Minute))
	s.inject(`{"state":"OFF","flow":0}`, t0.Add(time.Minute))
	waitFor(t, func() bool { return s.valve().Totals.LifetimeLiters == 2 }, "run not credited in memory")
	if s.resilient.Queued() == 0 {
		t.Fatal("expected queued writes while degraded")
	}

	down.Store(false)
	s.clock.Set(t0.Add(2 * time.Minute))

	// Any store call past the retry interval reopens and replays.
	var page web.SessionsJSON
	s.getJSON("/api/sessions", &page)
	if s.resilient.Degraded() {
		t.Fatal("store should have recovered")
	}
	if s.resilient.Queued() != 0 {
		t.Errorf("Queued: got %d, want 0", s.resilient.Queued())
	}
	if len(page.Sessions) != 1 || page.Sessions[0].Liters != 2 {
		t.Errorf("sessions after replay: got %+v", page.Sessions)
	}

	direct, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer direct.Close()
	totals, err := direct.LoadTotals(context.Background(), "front")
	if err != nil {
		t.Fatalf("LoadTotals: %v", err)
	}
	if totals.LifetimeVolume != 2 || totals.LifetimeSessions != 1 {
		t.Errorf("replayed totals: got %+v", totals)
	}
}

func TestIntegrationLiveFeed(t *testing.T) {
	s := newStack(t, sqliteOpener(filepath.Join(t.TempDir(), "valves.db")))

	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg web.LiveMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if msg.Type != web.MessageSnapshot || len(msg.Valves) != 1 || msg.Valves[0].State != "UNKNOWN" {
		t.Fatalf("snapshot: got %+v", msg)
	}

	s.inject(`{"state":"ON","flow":4,"linkquality":87}`, t0)

	// Session bookkeeping may send more than one frame; wait for telemetry.
	for {
		msg = web.LiveMessage{}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read update: %v", err)
		}
		if msg.Type == web.MessageValve && msg.Kind == string(engine.UpdateTelemetry) {
			break
		}
	}
	if msg.Valve.State != "ON" || msg.Valve.FlowLPM != 4 {
		t.Errorf("valve: got state %q flow %v", msg.Valve.State, msg.Valve.FlowLPM)
	}
	if msg.Valve.LinkQuality == nil || *msg.Valve.LinkQuality != 87 {
		t.Errorf("LinkQuality: got %v, want 87", msg.Valve.LinkQuality)
	}
}
