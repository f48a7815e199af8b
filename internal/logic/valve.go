package logic

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidTarget is returned by Start for a malformed run request.
var ErrInvalidTarget = errors.New("invalid run target")

// volumeTolerance absorbs float error when comparing against a volume target.
const volumeTolerance = 1e-9

// maxOffResends is how many times an unconfirmed OFF is re-sent.
const maxOffResends = 1

// NewSessionID returns a new opaque session id.
func NewSessionID() string {
	return uuid.NewString()
}

// ValveConfig is the per-valve behavior the state machine needs.
type ValveConfig struct {
	ID      string
	Name    string
	Profile Profile

	// NativeTimer means the device accepts a timed ON command.
	NativeTimer bool
	// NativeTimerGrace is added to the host deadline of native timed runs.
	NativeTimerGrace time.Duration
	// MaxRuntime bounds volume runs without an explicit hard timeout.
	MaxRuntime time.Duration
	// MaxFlowLPM is the counter plausibility ceiling.
	MaxFlowLPM float64

	// NewID generates session ids. Nil means NewSessionID.
	NewID func() string
}

// StartRequest asks for a run. Only the fields of the chosen trigger apply.
type StartRequest struct {
	Trigger     TriggerType
	Duration    time.Duration // timed
	Volume      float64       // volume, liters
	HardTimeout time.Duration // volume; zero means MaxRuntime
}

// pendingStart is a run that was commanded but not yet observed ON.
type pendingStart struct {
	id      string
	trigger TriggerType
	target  Target
}

// timerState is the host-side timer this valve believes is armed.
type timerState struct {
	armed     bool
	sessionID string
	deadline  time.Time
	reason    EndReason
}

// Valve is the per-valve session state machine. It is not safe for
// concurrent use; one owner feeds it events in delivery order and executes
// the returned actions.
type Valve struct {
	cfg ValveConfig

	state       State
	flow        float64
	battery     *int
	linkQuality *int
	counter     *float64
	lastEvent   time.Time
	lastSeen    time.Time

	session        *Session
	runStart       time.Time
	runVolumeBase  float64
	counterAtStart *float64
	counterValid   bool

	pending     *pendingStart
	awaitingOff bool
	offResends  int
	timer       timerState

	totals      Totals
	windows     Windows
	lastStarted time.Time
	lastEnded   time.Time
}

// NewValve creates an idle valve in the unknown state.
func NewValve(cfg ValveConfig) *Valve {
	if cfg.NewID == nil {
		cfg.NewID = NewSessionID
	}
	return &Valve{cfg: cfg, state: StateUnknown}
}

// Config returns the valve's configuration.
func (v *Valve) Config() ValveConfig {
	return v.cfg
}

// Active reports whether a session is in progress.
func (v *Valve) Active() bool {
	return v.session != nil
}

// Observe feeds one normalized telemetry event received at now.
func (v *Valve) Observe(ev Event, now time.Time) []Action {
	if v.session != nil && !v.lastEvent.IsZero() {
		v.session.Volume += VolumeDelta(v.flow, now.Sub(v.lastEvent))
	}
	if now.After(v.lastEvent) {
		v.lastEvent = now
	}
	v.lastSeen = now

	if ev.FlowRate != nil {
		v.flow = *ev.FlowRate
	} else if ev.State == StateOff {
		v.flow = 0
	}
	if ev.Battery != nil {
		b := *ev.Battery
		v.battery = &b
	}
	if ev.LinkQuality != nil {
		lq := *ev.LinkQuality
		v.linkQuality = &lq
	}
	if ev.Counter != nil {
		c := *ev.Counter
		if v.session != nil && v.counter != nil && c < *v.counter {
			v.counterValid = false
		}
		v.counter = &c
	}

	wasActive := v.session != nil
	var actions []Action

	switch ev.State {
	case StateOn:
		v.state = StateOn
		if v.session == nil && !v.awaitingOff {
			actions = append(actions, v.open(now)...)
		}
	case StateOff:
		v.state = StateOff
		v.awaitingOff = false
		v.offResends = 0
		if v.session != nil {
			return append(actions, v.end(EndAutoOff, now)...)
		}
	case StateUnknown:
		v.state = StateUnknown
	}

	if wasActive && v.session != nil && v.targetReached(now) {
		actions = append(actions, v.end(EndTargetReached, now)...)
	}
	return actions
}

func (v *Valve) targetReached(now time.Time) bool {
	s := v.session
	switch s.Trigger {
	case TriggerVolume:
		return s.Volume-v.runVolumeBase >= s.Target.Volume-volumeTolerance
	case TriggerTimed:
		return s.Target.Duration > 0 && now.Sub(v.runStart) >= s.Target.Duration
	}
	return false
}

// open transitions Idle to Active, adopting a pending start if there is one.
func (v *Valve) open(now time.Time) []Action {
	id, trigger, target := "", TriggerManual, Target{}
	if v.pending != nil {
		id, trigger, target = v.pending.id, v.pending.trigger, v.pending.target
		v.pending = nil
	} else {
		id = v.cfg.NewID()
	}

	v.session = &Session{
		ID:        id,
		ValveID:   v.cfg.ID,
		ValveName: v.cfg.Name,
		Trigger:   trigger,
		Target:    target,
		StartedAt: now,
	}
	v.runStart = now
	v.runVolumeBase = 0
	v.counterAtStart = nil
	v.counterValid = v.counter != nil
	if v.counter != nil {
		c := *v.counter
		v.counterAtStart = &c
	}
	v.lastStarted = now

	return []Action{{Kind: ActionPersistStart, Session: *v.session, SessionID: id}}
}

// end transitions Active to Idle. Callers must check v.session != nil.
func (v *Valve) end(reason EndReason, now time.Time) []Action {
	s := *v.session
	v.session = nil

	s.EndedAt = now
	s.EndReason = reason
	s.Duration = now.Sub(s.StartedAt)
	if s.Duration < 0 {
		s.Duration = 0
	}
	s.AvgRate = AvgRate(s.Volume, s.Duration)
	s.LifetimeVolume = s.Volume
	if v.counterValid && v.counterAtStart != nil && v.counter != nil {
		delta := *v.counter - *v.counterAtStart
		if PlausibleCounterDelta(delta, s.Volume, v.cfg.MaxFlowLPM, s.Duration) {
			s.LifetimeVolume = delta
		}
	}

	var actions []Action
	if v.timer.armed {
		actions = append(actions, Action{Kind: ActionCancel, SessionID: v.timer.sessionID})
		v.timer = timerState{}
	}
	if reason != EndAutoOff {
		actions = append(actions, v.sendOff())
	}

	// Optimistic totals; the store's result replaces them.
	v.totals.LifetimeVolume += s.LifetimeVolume
	v.totals.LifetimeDuration += s.Duration
	v.totals.LifetimeSessions++
	v.totals.ResettableVolume = math.Min(v.totals.ResettableVolume+s.Volume, v.totals.LifetimeVolume)
	v.totals.ResettableDuration += s.Duration
	v.totals.ResettableSessions++
	v.lastEnded = now

	return append(actions, Action{Kind: ActionFinalize, Session: s, SessionID: s.ID})
}

func (v *Valve) sendOff() Action {
	v.awaitingOff = true
	v.offResends = 0
	return Action{Kind: ActionCommand, Command: Command{On: false}}
}

// Start requests a run. It returns the command to send and the timer to arm.
// The session id is allocated now so the timer bounds the run even if the
// device never confirms ON. A start while Active retargets that session.
func (v *Valve) Start(req StartRequest, now time.Time) ([]Action, error) {
	var (
		target   Target
		cmd      = Command{On: true}
		deadline time.Time
		reason   EndReason
	)
	switch req.Trigger {
	case TriggerTimed:
		if req.Duration <= 0 {
			return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidTarget)
		}
		target.Duration = req.Duration
		if v.cfg.NativeTimer {
			cmd.Duration = req.Duration
			deadline = now.Add(req.Duration + v.cfg.NativeTimerGrace)
			reason = EndFailsafe
		} else {
			deadline = now.Add(req.Duration)
			reason = EndTargetReached
		}
	case TriggerVolume:
		if req.Volume < 0 || math.IsNaN(req.Volume) || math.IsInf(req.Volume, 0) {
			return nil, fmt.Errorf("%w: volume must be a non-negative number", ErrInvalidTarget)
		}
		if req.HardTimeout < 0 {
			return nil, fmt.Errorf("%w: hard timeout must not be negative", ErrInvalidTarget)
		}
		target.Volume = req.Volume
		limit := req.HardTimeout
		if limit == 0 {
			limit = v.cfg.MaxRuntime
		}
		if limit > 0 {
			deadline = now.Add(limit)
			reason = EndFailsafe
		}
	case TriggerManual:
	default:
		return nil, fmt.Errorf("%w: unknown trigger %q", ErrInvalidTarget, req.Trigger)
	}

	var id string
	if v.session != nil {
		v.session.Trigger = req.Trigger
		v.session.Target = target
		v.runStart = now
		v.runVolumeBase = v.session.Volume
		id = v.session.ID
	} else {
		v.pending = &pendingStart{id: v.cfg.NewID(), trigger: req.Trigger, target: target}
		v.awaitingOff = false
		id = v.pending.id
	}

	actions := []Action{{Kind: ActionCommand, Command: cmd, SessionID: id}}
	switch {
	case !deadline.IsZero():
		v.timer = timerState{armed: true, sessionID: id, deadline: deadline, reason: reason}
		actions = append(actions, Action{Kind: ActionArm, SessionID: id, Deadline: deadline})
	case v.timer.armed:
		actions = append(actions, Action{Kind: ActionCancel, SessionID: v.timer.sessionID})
		v.timer = timerState{}
	}
	return actions, nil
}

// Stop ends the active session as a manual stop and always commands OFF.
func (v *Valve) Stop(now time.Time) []Action {
	if v.session != nil {
		return v.end(EndManual, now)
	}
	var actions []Action
	v.pending = nil
	if v.timer.armed {
		actions = append(actions, Action{Kind: ActionCancel, SessionID: v.timer.sessionID})
		v.timer = timerState{}
	}
	return append(actions, v.sendOff())
}

// TimerFired handles expiry of the host-side timer armed for sessionID.
// Expiries for any other session are ignored.
func (v *Valve) TimerFired(sessionID string, now time.Time) []Action {
	if !v.timer.armed || v.timer.sessionID != sessionID {
		return nil
	}
	reason := v.timer.reason
	v.timer = timerState{}

	if v.session != nil && v.session.ID == sessionID {
		var actions []Action
		switch reason {
		case EndFailsafe:
			actions = append(actions, Action{
				Kind:      ActionWarn,
				SessionID: sessionID,
				Warning:   fmt.Sprintf("failsafe stop: %s run exceeded its deadline", v.session.Trigger),
			})
		case EndTargetReached:
			actions = append(actions, Action{
				Kind:      ActionNote,
				SessionID: sessionID,
				Warning:   "host deadline ended timed run; device has no native timer",
			})
		}
		return append(actions, v.end(reason, now)...)
	}

	if v.pending != nil && v.pending.id == sessionID {
		v.pending = nil
		return []Action{
			{Kind: ActionWarn, SessionID: sessionID, Warning: "device unresponsive: ON never confirmed before deadline"},
			v.sendOff(),
		}
	}
	return nil
}

// CommandUnconfirmed handles a command whose confirming telemetry did not
// arrive in time. An unconfirmed OFF is re-sent once.
func (v *Valve) CommandUnconfirmed(cmd Command, now time.Time) []Action {
	if !cmd.On {
		if !v.awaitingOff || v.state == StateOff {
			return nil
		}
		if v.offResends < maxOffResends {
			v.offResends++
			return []Action{
				{Kind: ActionWarn, Warning: "device unresponsive: OFF not confirmed, re-sending"},
				{Kind: ActionCommand, Command: Command{On: false}},
			}
		}
		v.awaitingOff = false
		return []Action{{Kind: ActionWarn, Warning: "device unresponsive: OFF not confirmed after retry"}}
	}

	if v.pending == nil || v.session != nil || v.state == StateOn {
		return nil
	}
	return []Action{{
		Kind:      ActionWarn,
		SessionID: v.pending.id,
		Warning:   "device unresponsive: ON not confirmed, failsafe remains armed",
	}}
}

// ApplyTotals replaces the cached totals with the store's values.
func (v *Valve) ApplyTotals(t Totals) {
	v.totals = t
}

// ApplyWindows replaces the cached rolling window aggregates.
func (v *Valve) ApplyWindows(w Windows) {
	v.windows = w
}

// SetLastSession seeds the last session timestamps, e.g. from history at startup.
func (v *Valve) SetLastSession(started, ended time.Time) {
	v.lastStarted = started
	v.lastEnded = ended
}

// Totals returns the cached totals.
func (v *Valve) Totals() Totals {
	return v.totals
}

// View returns the read model of the valve at now.
func (v *Valve) View(now time.Time) View {
	view := View{
		ID:           v.cfg.ID,
		Name:         v.cfg.Name,
		State:        v.state,
		FlowRate:     v.flow,
		LastSeen:     v.lastSeen,
		PendingStart: v.pending != nil,
		TimerArmed:   v.timer.armed,
		Deadline:     v.timer.deadline,
		Totals:       v.totals,
		Windows:      v.windows,
		LastStarted:  v.lastStarted,
		LastEnded:    v.lastEnded,
	}
	if v.battery != nil {
		b := *v.battery
		view.Battery = &b
	}
	if v.linkQuality != nil {
		lq := *v.linkQuality
		view.LinkQuality = &lq
	}
	if s := v.session; s != nil {
		elapsed := now.Sub(s.StartedAt)
		if elapsed < 0 {
			elapsed = 0
		}
		view.Session = &SessionView{
			ID:      s.ID,
			Trigger: s.Trigger,
			Target:  s.Target,
			Started: s.StartedAt,
			Elapsed: elapsed,
			Volume:  s.Volume,
		}
	}
	return view
}
