package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sweeney/valve-meter/internal/dispatch"
	"github.com/sweeney/valve-meter/internal/engine"
	"github.com/sweeney/valve-meter/internal/logic"
	"github.com/sweeney/valve-meter/internal/metrics"
	"github.com/sweeney/valve-meter/internal/status"
	"github.com/sweeney/valve-meter/internal/store"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeValves records control calls and serves canned views.
type fakeValves struct {
	mu       sync.Mutex
	views    map[string]engine.ValveView
	calls    []string
	err      error
	sessions []logic.Session
	filter   store.Filter
	updates  chan engine.Update
}

func newFakeValves(views ...engine.ValveView) *fakeValves {
	f := &fakeValves{views: make(map[string]engine.ValveView), updates: make(chan engine.Update, 8)}
	for _, v := range views {
		f.views[v.ID] = v
	}
	return f
}

func (f *fakeValves) record(format string, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	return f.err
}

func (f *fakeValves) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeValves) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeValves) lastFilter() store.Filter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filter
}

func (f *fakeValves) setView(v engine.ValveView) {
	f.mu.Lock()
	f.views[v.ID] = v
	f.mu.Unlock()
}

func (f *fakeValves) Valves() []engine.ValveView {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []engine.ValveView
	for _, id := range []string{"bed", "front"} {
		if v, ok := f.views[id]; ok {
			out = append(out, v)
		}
	}
	return out
}

func (f *fakeValves) Valve(id string) (engine.ValveView, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.views[id]
	return v, ok
}

func (f *fakeValves) known(id string) error {
	if _, ok := f.Valve(id); !ok {
		return fmt.Errorf("valve %s: %w", id, engine.ErrUnknownValve)
	}
	return nil
}

func (f *fakeValves) StartTimed(id string, d time.Duration) error {
	if err := f.known(id); err != nil {
		return err
	}
	if d <= 0 {
		return engine.ErrInvalidTarget
	}
	return f.record("timed %s %s", id, d)
}

func (f *fakeValves) StartVolume(id string, liters float64, hard time.Duration) error {
	if err := f.known(id); err != nil {
		return err
	}
	return f.record("volume %s %g %s", id, liters, hard)
}

func (f *fakeValves) Stop(id string) error {
	if err := f.known(id); err != nil {
		return err
	}
	return f.record("stop %s", id)
}

func (f *fakeValves) ResetTotals(id string) error {
	return f.record("reset %q", id)
}

func (f *fakeValves) Sessions(_ context.Context, flt store.Filter) ([]logic.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = flt
	return f.sessions, f.err
}

func (f *fakeValves) DeleteSession(_ context.Context, id string) error {
	if id == "missing" {
		return store.ErrNotFound
	}
	return f.record("delete %s", id)
}

func (f *fakeValves) ClearSessions(_ context.Context, valveID string) (int64, error) {
	return 3, f.record("clear %q", valveID)
}

func (f *fakeValves) Subscribe() (<-chan engine.Update, func()) {
	return f.updates, func() {}
}

func frontView(state logic.State) engine.ValveView {
	return engine.ValveView{
		View: logic.View{
			ID:       "front",
			Name:     "Front lawn",
			State:    state,
			FlowRate: 2,
			Totals:   logic.Totals{LifetimeVolume: 42, LifetimeSessions: 3, ResettableVolume: 12},
		},
		Driver: dispatch.DriverMQTT,
		Topic:  "zigbee2mqtt/front",
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *status.Tracker, *fakeValves) {
	t.Helper()
	cfg := status.Config{
		HeartbeatMs: 900000,
		Broker:      "tcp://192.168.1.200:1883",
		HTTPPort:    ":80",
		DBPath:      "/var/lib/valve-meter/valve-meter.db",
		Valves:      1,
	}
	tr := status.NewTracker(start, cfg)
	valves := newFakeValves(frontView(logic.StateOff))
	srv := New(":0", Options{
		Tracker: tr,
		Valves:  valves,
		Metrics: metrics.New(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, tr, valves
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func do(t *testing.T, method, url string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(method, url, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestJSONEndpoint(t *testing.T) {
	ts, tr, _ := newTestServer(t)
	tr.Update([]engine.ValveView{frontView(logic.StateOn)})
	tr.SetReady(true)
	tr.SetMQTTConnected(true)

	resp, err := http.Get(ts.URL + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}

	if !sj.Status.Ready {
		t.Error("expected Ready=true")
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if sj.Status.MQTT.Broker != "tcp://192.168.1.200:1883" {
		t.Errorf("MQTT.Broker: got %q, want tcp://192.168.1.200:1883", sj.Status.MQTT.Broker)
	}
	if len(sj.Status.Valves) != 1 || sj.Status.Valves[0].State != "ON" {
		t.Errorf("Valves: got %+v", sj.Status.Valves)
	}
	if sj.Status.Config.DBPath != "/var/lib/valve-meter/valve-meter.db" {
		t.Errorf("Config.DBPath: got %q", sj.Status.Config.DBPath)
	}
}

func TestJSONNetworkInfo(t *testing.T) {
	ts, tr, _ := newTestServer(t)
	tr.SetNetwork(&status.NetworkInfo{
		Type:   "wifi",
		IP:     "192.168.1.42",
		Status: "connected",
		SSID:   "MyNet",
	})

	resp, err := http.Get(ts.URL + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()

	var sj status.StatusJSON
	json.NewDecoder(resp.Body).Decode(&sj)

	if sj.Status.Network == nil {
		t.Fatal("expected Network in JSON")
	}
	if sj.Status.Network.IP != "192.168.1.42" {
		t.Errorf("Network.IP: got %q, want 192.168.1.42", sj.Status.Network.IP)
	}
}

func TestHTMLEndpointRoot(t *testing.T) {
	ts, tr, _ := newTestServer(t)
	tr.Update([]engine.ValveView{frontView(logic.StateOn)})

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type: got %q, want text/html", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"Front lawn", `data-valve="front"`, "42.0 L (3 runs)"} {
		if !bytes.Contains(body, []byte(want)) {
			t.Errorf("page missing %q", want)
		}
	}
}

func TestHTMLEndpointIndexHTML(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/index.html")
	if err != nil {
		t.Fatalf("GET /index.html: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("No valves configured")) {
		t.Error("empty tracker should render the no-valves note")
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/nonexistent")
	if err != nil {
		t.Fatalf("GET /nonexistent: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestWrongMethod(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/api/valves/front/stop")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", resp.StatusCode)
	}
}

func TestListValves(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/api/valves")
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	var out ValvesJSON
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Valves) != 1 || out.Valves[0].ID != "front" {
		t.Fatalf("valves: got %+v", out.Valves)
	}
	if out.Valves[0].Totals.ResettableLiters != 12 {
		t.Errorf("ResettableLiters: got %v, want 12", out.Valves[0].Totals.ResettableLiters)
	}
}

func TestGetValve(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/api/valves/front")
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	var v status.ValveJSON
	json.NewDecoder(resp.Body).Decode(&v)
	if v.Name != "Front lawn" || v.Driver != "mqtt" {
		t.Errorf("valve: got %+v", v)
	}

	resp = do(t, http.MethodGet, ts.URL+"/api/valves/back")
	if resp.StatusCode != 404 {
		t.Errorf("unknown valve: got %d, want 404", resp.StatusCode)
	}
	var e ErrorJSON
	json.NewDecoder(resp.Body).Decode(&e)
	if !strings.Contains(e.Error, "unknown valve") {
		t.Errorf("error: got %q", e.Error)
	}
}

func TestControlEndpoints(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		wantCall string
	}{
		{"timed", "/api/valves/front/start_timed", `{"minutes":10}`, 202, "timed front 10m0s"},
		{"timed fraction", "/api/valves/front/start_timed", `{"minutes":1.5}`, 202, "timed front 1m30s"},
		{"volume", "/api/valves/front/start_volume", `{"liters":25}`, 202, "volume front 25 0s"},
		{"volume with timeout", "/api/valves/front/start_volume", `{"liters":25,"hard_timeout_minutes":30}`, 202, "volume front 25 30m0s"},
		{"stop", "/api/valves/front/stop", ``, 202, "stop front"},
		{"reset", "/api/valves/front/reset", ``, 202, `reset "front"`},
		{"reset all", "/api/reset", ``, 202, `reset ""`},
		{"zero minutes", "/api/valves/front/start_timed", `{"minutes":0}`, 400, ""},
		{"bad body", "/api/valves/front/start_timed", `{"minutes":"ten"}`, 400, ""},
		{"unknown field", "/api/valves/front/start_timed", `{"mins":10}`, 400, ""},
		{"empty body", "/api/valves/front/start_volume", ``, 400, ""},
		{"unknown valve", "/api/valves/back/stop", ``, 404, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, _, valves := newTestServer(t)

			resp := post(t, ts.URL+tt.path, tt.body)
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status: got %d, want %d", resp.StatusCode, tt.wantCode)
			}
			calls := valves.Calls()
			if tt.wantCall == "" {
				if len(calls) != 0 {
					t.Errorf("calls: got %v, want none", calls)
				}
				return
			}
			if len(calls) != 1 || calls[0] != tt.wantCall {
				t.Errorf("calls: got %v, want [%s]", calls, tt.wantCall)
			}
		})
	}
}

func TestAcceptedIncludesView(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := post(t, ts.URL+"/api/valves/front/stop", "")
	var out AcceptedJSON
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "accepted" {
		t.Errorf("Status: got %q, want accepted", out.Status)
	}
	if out.Valve == nil || out.Valve.ID != "front" {
		t.Errorf("Valve: got %+v", out.Valve)
	}
}

func TestEngineErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{engine.ErrClosed, 503},
		{store.ErrUnavailable, 503},
		{fmt.Errorf("wrapped: %w", engine.ErrInvalidTarget), 400},
		{errors.New("boom"), 500},
	}
	for _, tt := range tests {
		ts, _, valves := newTestServer(t)
		valves.setErr(tt.err)

		resp := post(t, ts.URL+"/api/valves/front/stop", "")
		if resp.StatusCode != tt.want {
			t.Errorf("%v: got %d, want %d", tt.err, resp.StatusCode, tt.want)
		}
	}
}

func TestSessionsEndpoint(t *testing.T) {
	ts, _, valves := newTestServer(t)
	valves.mu.Lock()
	valves.sessions = []logic.Session{{
		ID:        "s-2",
		ValveID:   "front",
		ValveName: "Front lawn",
		Trigger:   logic.TriggerVolume,
		Target:    logic.Target{Volume: 20},
		StartedAt: start.Add(time.Hour),
		EndedAt:   start.Add(time.Hour + 10*time.Minute),
		EndReason: logic.EndTargetReached,
		Duration:  10 * time.Minute,
		Volume:    20.0004,
		AvgRate:   2,
	}}
	valves.mu.Unlock()

	resp := do(t, http.MethodGet, ts.URL+"/api/sessions?valve=front&since=2026-01-01T00:00:00Z&limit=5000")
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	var out SessionsJSON
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Sessions) != 1 {
		t.Fatalf("sessions: got %d, want 1", len(out.Sessions))
	}
	s := out.Sessions[0]
	if s.EndReason != "target_reached" || s.Liters != 20 || s.DurationSeconds != 600 {
		t.Errorf("session: got %+v", s)
	}
	if s.TargetLiters == nil || *s.TargetLiters != 20 {
		t.Errorf("TargetLiters: got %v", s.TargetLiters)
	}
	if s.EndedAt != "2026-01-01T01:10:00Z" {
		t.Errorf("EndedAt: got %q", s.EndedAt)
	}

	f := valves.lastFilter()
	if f.ValveID != "front" || !f.Since.Equal(start) || !f.Until.IsZero() {
		t.Errorf("filter: got %+v", f)
	}
	if f.Limit != maxSessionLimit {
		t.Errorf("Limit: got %d, want %d", f.Limit, maxSessionLimit)
	}
}

func TestSessionsBadQuery(t *testing.T) {
	ts, _, _ := newTestServer(t)

	for _, q := range []string{"since=yesterday", "until=1", "limit=0", "limit=x"} {
		resp := do(t, http.MethodGet, ts.URL+"/api/sessions?"+q)
		if resp.StatusCode != 400 {
			t.Errorf("%s: got %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestSessionsEmptyListIsArray(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/api/sessions")
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"sessions":[]`)) {
		t.Errorf("body: got %s", body)
	}
}

func TestDeleteSessions(t *testing.T) {
	ts, _, valves := newTestServer(t)

	resp := do(t, http.MethodDelete, ts.URL+"/api/sessions/s-1")
	if resp.StatusCode != 200 {
		t.Errorf("delete: got %d, want 200", resp.StatusCode)
	}
	resp = do(t, http.MethodDelete, ts.URL+"/api/sessions/missing")
	if resp.StatusCode != 404 {
		t.Errorf("delete missing: got %d, want 404", resp.StatusCode)
	}

	resp = do(t, http.MethodDelete, ts.URL+"/api/sessions?valve=front")
	if resp.StatusCode != 200 {
		t.Fatalf("clear: got %d, want 200", resp.StatusCode)
	}
	var out DeletedJSON
	json.NewDecoder(resp.Body).Decode(&out)
	if out.Deleted != 3 {
		t.Errorf("Deleted: got %d, want 3", out.Deleted)
	}

	want := []string{"delete s-1", `clear "front"`}
	calls := valves.Calls()
	if len(calls) != len(want) || calls[0] != want[0] || calls[1] != want[1] {
		t.Errorf("calls: got %v, want %v", calls, want)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	do(t, http.MethodGet, ts.URL+"/api/valves")
	resp := do(t, http.MethodGet, ts.URL+"/metrics")
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`route="valves"`)) {
		t.Error("request metrics should carry the route label")
	}
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	srv := New(":0", Options{
		Tracker:   status.NewTracker(start, status.Config{}),
		Valves:    newFakeValves(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		AccessLog: lockedWriter{&mu, &buf},
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/valves")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(buf.String(), "GET /api/valves") {
		t.Errorf("access log: got %q", buf.String())
	}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func TestLiveStream(t *testing.T) {
	ts, _, valves := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg LiveMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if msg.Type != MessageSnapshot || len(msg.Valves) != 1 {
		t.Fatalf("snapshot: got %+v", msg)
	}

	valves.setView(frontView(logic.StateOn))
	valves.updates <- engine.Update{ValveID: "front", Kind: engine.UpdateTelemetry, At: start}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if msg.Type != MessageValve || msg.Valve == nil || msg.Valve.State != "ON" {
		t.Errorf("update: got %+v", msg)
	}
	if msg.Kind != "telemetry" {
		t.Errorf("Kind: got %q, want telemetry", msg.Kind)
	}

	valves.updates <- engine.Update{ValveID: "gone", Kind: engine.UpdateRegistry, At: start}
	msg = LiveMessage{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read removal: %v", err)
	}
	if msg.Type != MessageRemoved || msg.ValveID != "gone" {
		t.Errorf("removal: got %+v", msg)
	}

	close(valves.updates)
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("after engine stop: got %v, want going-away close", err)
	}
}

func TestPanicRecovered(t *testing.T) {
	srv := New(":0", Options{
		Tracker: nil, // handleIndex panics on a nil tracker
		Valves:  newFakeValves(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status: got %d, want 500", resp.StatusCode)
	}
}
