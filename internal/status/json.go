package status

import (
	"encoding/json"
	"math"
	"time"

	"github.com/sweeney/valve-meter/internal/engine"
	"github.com/sweeney/valve-meter/internal/logic"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event          string       `json:"event,omitempty"`
	Reason         string       `json:"reason,omitempty"`
	Ready          bool         `json:"ready"`
	UptimeSeconds  int64        `json:"uptime_seconds"`
	StartTime      string       `json:"start_time"`
	Timestamp      string       `json:"timestamp"`
	MQTT           MQTTStatus   `json:"mqtt"`
	Store          StoreStatus  `json:"store"`
	ActiveSessions int          `json:"active_sessions"`
	Valves         []ValveJSON  `json:"valves"`
	Network        *NetworkJSON `json:"network,omitempty"`
	Config         ConfigJSON   `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// StoreStatus reports whether writes reach the database.
type StoreStatus struct {
	Path     string `json:"path"`
	Degraded bool   `json:"degraded"`
}

// ValveJSON is the JSON representation of one valve.
type ValveJSON struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	Driver           string       `json:"driver"`
	Topic            string       `json:"topic,omitempty"`
	State            string       `json:"state"`
	FlowLPM          float64      `json:"flow_lpm"`
	Battery          *int         `json:"battery,omitempty"`
	LinkQuality      *int         `json:"link_quality,omitempty"`
	LastSeen         string       `json:"last_seen,omitempty"`
	Session          *SessionJSON `json:"session,omitempty"`
	PendingStart     bool         `json:"pending_start"`
	FailsafeDeadline string       `json:"failsafe_deadline,omitempty"`
	Totals           TotalsJSON   `json:"totals"`
	Last24h          UsageJSON    `json:"last_24h"`
	Last7d           UsageJSON    `json:"last_7d"`
	LastStarted      string       `json:"last_started,omitempty"`
	LastEnded        string       `json:"last_ended,omitempty"`
}

// SessionJSON is the in-progress session of a valve.
type SessionJSON struct {
	ID             string   `json:"id"`
	Trigger        string   `json:"trigger"`
	TargetSeconds  *int64   `json:"target_seconds,omitempty"`
	TargetLiters   *float64 `json:"target_liters,omitempty"`
	StartedAt      string   `json:"started_at"`
	ElapsedSeconds int64    `json:"elapsed_seconds"`
	Liters         float64  `json:"liters"`
}

// TotalsJSON is the JSON representation of a valve's totals.
type TotalsJSON struct {
	LifetimeLiters     float64 `json:"lifetime_liters"`
	LifetimeSeconds    int64   `json:"lifetime_seconds"`
	LifetimeSessions   int64   `json:"lifetime_sessions"`
	ResettableLiters   float64 `json:"resettable_liters"`
	ResettableSeconds  int64   `json:"resettable_seconds"`
	ResettableSessions int64   `json:"resettable_sessions"`
	LastReset          string  `json:"last_reset,omitempty"`
}

// UsageJSON is volume and run time over a rolling window.
type UsageJSON struct {
	Liters  float64 `json:"liters"`
	Seconds int64   `json:"seconds"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	HeartbeatMs         int64  `json:"heartbeat_ms"`
	ConfirmTimeoutMs    int64  `json:"confirm_timeout_ms"`
	DefaultMaxRuntimeMs int64  `json:"default_max_runtime_ms"`
	Broker              string `json:"broker"`
	HTTPPort            string `json:"http_port"`
	DBPath              string `json:"db_path"`
	Valves              int    `json:"valves"`
}

// Liters rounds a volume to millilitres for display.
func Liters(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func seconds(d time.Duration) int64 {
	return int64(d.Truncate(time.Second).Seconds())
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Valve converts an engine view to its JSON form.
func Valve(v engine.ValveView) ValveJSON {
	state := string(v.State)
	if state == "" {
		state = string(logic.StateUnknown)
	}
	out := ValveJSON{
		ID:           v.ID,
		Name:         v.Name,
		Driver:       string(v.Driver),
		Topic:        v.Topic,
		State:        state,
		FlowLPM:      Liters(v.FlowRate),
		Battery:      v.Battery,
		LinkQuality:  v.LinkQuality,
		LastSeen:     timestamp(v.LastSeen),
		PendingStart: v.PendingStart,
		Totals: TotalsJSON{
			LifetimeLiters:     Liters(v.Totals.LifetimeVolume),
			LifetimeSeconds:    seconds(v.Totals.LifetimeDuration),
			LifetimeSessions:   v.Totals.LifetimeSessions,
			ResettableLiters:   Liters(v.Totals.ResettableVolume),
			ResettableSeconds:  seconds(v.Totals.ResettableDuration),
			ResettableSessions: v.Totals.ResettableSessions,
			LastReset:          timestamp(v.Totals.LastReset),
		},
		Last24h:     UsageJSON{Liters: Liters(v.Windows.Day.Volume), Seconds: seconds(v.Windows.Day.Duration)},
		Last7d:      UsageJSON{Liters: Liters(v.Windows.Week.Volume), Seconds: seconds(v.Windows.Week.Duration)},
		LastStarted: timestamp(v.LastStarted),
		LastEnded:   timestamp(v.LastEnded),
	}
	if v.TimerArmed {
		out.FailsafeDeadline = timestamp(v.Deadline)
	}
	if s := v.Session; s != nil {
		sj := &SessionJSON{
			ID:             s.ID,
			Trigger:        string(s.Trigger),
			StartedAt:      timestamp(s.Started),
			ElapsedSeconds: seconds(s.Elapsed),
			Liters:         Liters(s.Volume),
		}
		switch s.Trigger {
		case logic.TriggerTimed:
			secs := seconds(s.Target.Duration)
			sj.TargetSeconds = &secs
		case logic.TriggerVolume:
			liters := s.Target.Volume
			sj.TargetLiters = &liters
		}
		out.Session = sj
	}
	return out
}

func buildInner(snap Snapshot) StatusInner {
	valves := make([]ValveJSON, 0, len(snap.Valves))
	for _, v := range snap.Valves {
		valves = append(valves, Valve(v))
	}

	return StatusInner{
		Ready:          snap.Ready,
		UptimeSeconds:  int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:      snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:      snap.Now.UTC().Format(time.RFC3339),
		MQTT:           MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Store:          StoreStatus{Path: snap.Config.DBPath, Degraded: snap.StoreDegraded},
		ActiveSessions: snap.ActiveSessions(),
		Valves:         valves,
		Config: ConfigJSON{
			HeartbeatMs:         snap.Config.HeartbeatMs,
			ConfirmTimeoutMs:    snap.Config.ConfirmTimeoutMs,
			DefaultMaxRuntimeMs: snap.Config.DefaultMaxRuntimeMs,
			Broker:              snap.Config.Broker,
			HTTPPort:            snap.Config.HTTPPort,
			DBPath:              snap.Config.DBPath,
			Valves:              snap.Config.Valves,
		},
	}
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
