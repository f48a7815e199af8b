// Package mqtt provides MQTT subscribe and publish primitives with an
// abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/valve-meter/internal/logic"
)

// TopicSystem is the default MQTT topic for system lifecycle events.
const TopicSystem = "valve-meter/system"

// TopicEvents is the default MQTT topic for session lifecycle events.
const TopicEvents = "valve-meter/events"

// Handler receives one inbound message. It runs on the transport's goroutine
// and must not block.
type Handler func(topic string, payload []byte, receivedAt time.Time)

// Client is the transport the engine talks to.
type Client interface {
	// Publish sends payload to topic. Failures are returned, never fatal.
	Publish(topic string, qos byte, retained bool, payload []byte) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Subscribe registers h for topic. Subscriptions survive reconnects.
	Subscribe(topic string, h Handler) error

	// Unsubscribe removes the subscription for topic.
	Unsubscribe(topic string) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// CommandTopic returns the topic a device listens on for commands.
func CommandTopic(deviceTopic string) string {
	return deviceTopic + commandSuffix
}

const commandSuffix = "/set"

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// CommandPayload is the body published to a device's command topic.
type CommandPayload struct {
	State  string `json:"state"`
	OnTime int64  `json:"on_time,omitempty"`
}

// FormatCommand creates the JSON payload for a valve command. A timed ON
// carries the device-native run length in whole seconds.
func FormatCommand(cmd logic.Command) ([]byte, error) {
	p := CommandPayload{State: string(logic.StateOff)}
	if cmd.On {
		p.State = string(logic.StateOn)
		if cmd.Duration > 0 {
			secs := int64(cmd.Duration.Round(time.Second) / time.Second)
			p.OnTime = max(secs, 1)
		}
	}
	return json.Marshal(p)
}

// Session event kinds.
const (
	EventSessionStarted = "session_started"
	EventSessionEnded   = "session_ended"
)

// SessionPayload represents the MQTT message payload for session events.
type SessionPayload struct {
	Session SessionPayloadInner `json:"session"`
}

// SessionPayloadInner contains the session event details.
type SessionPayloadInner struct {
	Timestamp     string   `json:"timestamp"`
	Event         string   `json:"event"`
	ID            string   `json:"id"`
	Valve         string   `json:"valve"`
	Name          string   `json:"name,omitempty"`
	Trigger       string   `json:"trigger"`
	TargetSeconds *float64 `json:"target_seconds,omitempty"`
	TargetLiters  *float64 `json:"target_liters,omitempty"`
	StartedAt     string   `json:"started_at"`
	EndedAt       string   `json:"ended_at,omitempty"`
	EndReason     string   `json:"end_reason,omitempty"`
	Seconds       *float64 `json:"duration_seconds,omitempty"`
	Liters        *float64 `json:"volume_liters,omitempty"`
	AvgLPM        *float64 `json:"avg_lpm,omitempty"`
}

// FormatSessionEvent creates the JSON payload for a session start or end.
func FormatSessionEvent(at time.Time, event string, s logic.Session) ([]byte, error) {
	inner := SessionPayloadInner{
		Timestamp: at.UTC().Format(time.RFC3339),
		Event:     event,
		ID:        s.ID,
		Valve:     s.ValveID,
		Name:      s.ValveName,
		Trigger:   string(s.Trigger),
		StartedAt: s.StartedAt.UTC().Format(time.RFC3339),
	}
	switch s.Trigger {
	case logic.TriggerTimed:
		secs := s.Target.Duration.Seconds()
		inner.TargetSeconds = &secs
	case logic.TriggerVolume:
		liters := s.Target.Volume
		inner.TargetLiters = &liters
	}
	if s.Ended() {
		secs := s.Duration.Seconds()
		vol := s.Volume
		avg := s.AvgRate
		inner.EndedAt = s.EndedAt.UTC().Format(time.RFC3339)
		inner.EndReason = string(s.EndReason)
		inner.Seconds = &secs
		inner.Liters = &vol
		inner.AvgLPM = &avg
	}
	return json.Marshal(SessionPayload{Session: inner})
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

// willPayload is published by the broker when the connection drops uncleanly.
func willPayload() []byte {
	b, _ := json.Marshal(SystemPayload{System: SystemPayloadInner{Event: "OFFLINE", Reason: "CONNECTION_LOST"}})
	return b
}
