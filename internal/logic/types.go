// Package logic contains pure business logic for valve metering and run sessions.
// This package has NO I/O (no MQTT, GPIO, database, goroutines or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import (
	"fmt"
	"time"
)

// State represents the reported open/closed state of a valve.
type State string

const (
	StateOn      State = "ON"
	StateOff     State = "OFF"
	StateUnknown State = "UNKNOWN"
)

// TriggerType records what caused a session to start.
type TriggerType string

const (
	TriggerManual TriggerType = "manual"
	TriggerTimed  TriggerType = "timed"
	TriggerVolume TriggerType = "volume"
)

// EndReason records which trigger ended a session.
type EndReason string

const (
	EndManual        EndReason = "manual"
	EndAutoOff       EndReason = "auto_off"
	EndTargetReached EndReason = "target_reached"
	EndFailsafe      EndReason = "failsafe"
	// EndInterrupted marks a session that was still open when the process
	// stopped without finalizing it. It never contributes to totals.
	EndInterrupted EndReason = "interrupted"
)

// Event is a normalized telemetry report from a valve.
// Pointer fields are nil when the payload did not carry them.
type Event struct {
	// State is empty when the payload had no state field.
	State       State
	FlowRate    *float64 // L/min, unit-converted and noise-floored
	Battery     *int
	LinkQuality *int
	Counter     *float64 // cumulative liters reported by the device
}

// Target is the stop condition of a run. Only the field matching the
// session's trigger type is meaningful; manual runs have no target.
type Target struct {
	Duration time.Duration
	Volume   float64 // liters
}

// Session is one continuous valve-open interval.
type Session struct {
	ID        string
	ValveID   string
	ValveName string
	Trigger   TriggerType
	Target    Target
	StartedAt time.Time
	Volume    float64 // liters integrated while active

	// Set when the session ends.
	EndedAt   time.Time
	EndReason EndReason
	Duration  time.Duration
	AvgRate   float64 // L/min
	// LifetimeVolume is the volume credited to lifetime totals. It equals
	// Volume unless a plausible device counter delta was available.
	LifetimeVolume float64
}

// Ended reports whether the session has been finalized.
func (s *Session) Ended() bool {
	return !s.EndedAt.IsZero()
}

// Totals are the durable usage counters of one valve.
type Totals struct {
	LifetimeVolume     float64
	LifetimeDuration   time.Duration
	LifetimeSessions   int64
	ResettableVolume   float64
	ResettableDuration time.Duration
	ResettableSessions int64
	LastReset          time.Time
}

// Usage is volume and run time aggregated over a time window.
type Usage struct {
	Volume   float64
	Duration time.Duration
}

// Windows holds the rolling usage aggregates shown per valve.
type Windows struct {
	Day  Usage
	Week Usage
}

// Command is an outbound device instruction.
type Command struct {
	On bool
	// Duration requests the device's native timed run when non-zero.
	Duration time.Duration
}

func (c Command) String() string {
	if !c.On {
		return "OFF"
	}
	if c.Duration > 0 {
		return fmt.Sprintf("ON(%s)", c.Duration)
	}
	return "ON"
}

// ActionKind identifies what the engine must do for an Action.
type ActionKind string

const (
	// ActionCommand sends Command to the device.
	ActionCommand ActionKind = "command"
	// ActionPersistStart writes the session-start record.
	ActionPersistStart ActionKind = "persist_start"
	// ActionFinalize writes the session end and increments totals.
	ActionFinalize ActionKind = "finalize"
	// ActionArm arms the host-side timer for SessionID at Deadline.
	ActionArm ActionKind = "arm"
	// ActionCancel cancels the valve's host-side timer.
	ActionCancel ActionKind = "cancel"
	// ActionWarn reports an operator-visible condition in Warning.
	ActionWarn ActionKind = "warn"
	// ActionNote reports an informational event in Warning.
	ActionNote ActionKind = "note"
)

// Action is a side effect requested by the state machine.
type Action struct {
	Kind      ActionKind
	Command   Command
	Session   Session // copy; set for persist_start and finalize
	SessionID string
	Deadline  time.Time
	Warning   string
}

// SessionView is the in-progress part of the read model.
type SessionView struct {
	ID      string
	Trigger TriggerType
	Target  Target
	Started time.Time
	Elapsed time.Duration
	Volume  float64
}

// View is a point-in-time read model of one valve.
// It is a value type, safe to share after it is produced.
type View struct {
	ID          string
	Name        string
	State       State
	FlowRate    float64
	Battery     *int
	LinkQuality *int
	LastSeen    time.Time

	Session      *SessionView
	PendingStart bool
	TimerArmed   bool
	Deadline     time.Time

	Totals      Totals
	Windows     Windows
	LastStarted time.Time
	LastEnded   time.Time
}
