// Package status provides a thread-safe status tracker for the valve-meter daemon.
// It is read by the HTTP handlers and formatted into MQTT system events.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/valve-meter/internal/engine"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	HeartbeatMs         int64
	ConfirmTimeoutMs    int64
	DefaultMaxRuntimeMs int64
	Broker              string
	HTTPPort            string
	DBPath              string
	Valves              int
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	Valves        []engine.ValveView
	Ready         bool
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	StoreDegraded bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Valve returns the view of one valve.
func (s Snapshot) Valve(id string) (engine.ValveView, bool) {
	for _, v := range s.Valves {
		if v.ID == id {
			return v, true
		}
	}
	return engine.ValveView{}, false
}

// ActiveSessions counts valves with a session in progress.
func (s Snapshot) ActiveSessions() int {
	n := 0
	for _, v := range s.Valves {
		if v.Session != nil {
			n++
		}
	}
	return n
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// Update replaces the valve views. Called from runLoop whenever the engine
// reports a change.
func (t *Tracker) Update(valves []engine.ValveView) {
	t.mu.Lock()
	t.snap.Valves = valves
	t.mu.Unlock()
}

// SetReady marks the engine as started.
func (t *Tracker) SetReady(ready bool) {
	t.mu.Lock()
	t.snap.Ready = ready
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetStoreDegraded records whether the store runs memory-only.
func (t *Tracker) SetStoreDegraded(degraded bool) {
	t.mu.Lock()
	t.snap.StoreDegraded = degraded
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Valves = append([]engine.ValveView(nil), t.snap.Valves...)
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
