package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sweeney/valve-meter/internal/dispatch"
	"github.com/sweeney/valve-meter/internal/failsafe"
	"github.com/sweeney/valve-meter/internal/logic"
	"github.com/sweeney/valve-meter/internal/mqtt"
	"github.com/sweeney/valve-meter/internal/store"
)

const (
	day  = 24 * time.Hour
	week = 7 * day
)

func (e *Engine) loop(ctx context.Context) {
	refresh := time.NewTicker(e.cfg.WindowRefresh)
	defer refresh.Stop()
	cleanup := time.NewTicker(e.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case in := <-e.inbound:
			e.handleTelemetry(in)
		case req := <-e.requests:
			req.reply <- req.fn()
		case exp := <-e.timers.Expired():
			e.handleExpiry(exp)
		case u := <-e.confirms.Expired():
			e.handleUnconfirmed(u)
		case fn := <-e.results:
			fn()
		case <-refresh.C:
			for _, ent := range e.valves {
				e.refreshWindows(ent)
			}
		case <-cleanup.C:
			e.cleanup()
		}
	}
}

func (e *Engine) handleTelemetry(in inbound) {
	ent, ok := e.valves[in.valveID]
	if !ok {
		return
	}
	at := in.at
	if at.IsZero() {
		at = e.now()
	}

	ev := in.event
	if ev == nil {
		parsed, err := ent.cfg.Profile.Normalize(in.payload)
		if err != nil {
			e.log.Warn("dropping telemetry", "valve", in.valveID, "error", err)
			e.metrics.ParseError(in.valveID)
			return
		}
		ev = &parsed
	}
	e.metrics.Telemetry(in.valveID)

	if ev.State == logic.StateOn || ev.State == logic.StateOff {
		e.confirms.Observe(in.valveID, ev.State)
	}
	e.execute(ent, ent.valve.Observe(*ev, at))
	e.publish(ent, UpdateTelemetry)
}

func (e *Engine) handleExpiry(exp failsafe.Expiry) {
	ent, ok := e.valves[exp.ValveID]
	if !ok {
		return
	}
	e.log.Debug("failsafe timer fired", "valve", exp.ValveID, "session", exp.SessionID)
	e.execute(ent, ent.valve.TimerFired(exp.SessionID, e.now()))
	e.publish(ent, UpdateSession)
}

func (e *Engine) handleUnconfirmed(u dispatch.Unconfirmed) {
	ent, ok := e.valves[u.ValveID]
	if !ok {
		return
	}
	e.metrics.Unconfirmed(u.ValveID, commandLabel(u.Command))
	e.execute(ent, ent.valve.CommandUnconfirmed(u.Command, e.now()))
}

// execute carries out the state machine's actions in order.
func (e *Engine) execute(ent *entry, actions []logic.Action) {
	id := ent.cfg.ID
	for _, a := range actions {
		switch a.Kind {
		case logic.ActionCommand:
			if err := e.dispatch.Send(id, a.Command); err != nil {
				e.log.Warn("command not queued", "valve", id, "command", a.Command.String(), "error", err)
				continue
			}
			e.confirms.Expect(id, a.Command, e.now().Add(e.cfg.ConfirmTimeout))

		case logic.ActionPersistStart:
			e.log.Info("session started", "valve", id, "session", a.SessionID, "trigger", string(a.Session.Trigger))
			e.persistStart(a.Session)

		case logic.ActionFinalize:
			s := a.Session
			e.log.Info("session ended",
				"valve", id,
				"session", s.ID,
				"reason", string(s.EndReason),
				"duration", s.Duration.Round(time.Second).String(),
				"liters", s.Volume,
			)
			e.metrics.SessionEnded(id, string(s.Trigger), string(s.EndReason), s.Volume, s.Duration)
			e.finalize(ent, s)

		case logic.ActionArm:
			e.timers.Arm(id, a.SessionID, a.Deadline)

		case logic.ActionCancel:
			if err := e.timers.Cancel(id); err != nil && !errors.Is(err, failsafe.ErrNoTimer) {
				e.log.Warn("cancel failsafe failed", "valve", id, "error", err)
			}

		case logic.ActionWarn:
			e.log.Warn(a.Warning, "valve", id, "session", a.SessionID)
			e.metrics.Warning(id, warningKind(a.Warning))

		case logic.ActionNote:
			e.log.Info(a.Warning, "valve", id, "session", a.SessionID)
		}
	}
}

func warningKind(msg string) string {
	if strings.HasPrefix(msg, "failsafe") {
		return "failsafe"
	}
	return "unresponsive"
}

func (e *Engine) persistStart(s logic.Session) {
	e.pool.submit(s.ValveID, func(ctx context.Context) func() {
		if err := e.store.StartSession(ctx, s); err != nil {
			e.storeFailed("start", s.ValveID, err)
		}
		e.publishSession(mqtt.EventSessionStarted, s)
		return nil
	})
}

// finalize persists a finished session. The store's totals replace the
// optimistic ones the valve computed.
func (e *Engine) finalize(ent *entry, s logic.Session) {
	e.pool.submit(s.ValveID, func(ctx context.Context) func() {
		totals, err := e.store.FinalizeSession(ctx, s)
		if err != nil {
			e.storeFailed("finalize", s.ValveID, err)
		}
		windows, werr := e.queryWindows(ctx, s.ValveID)
		if werr != nil {
			e.storeFailed("window", s.ValveID, werr)
		}
		e.publishSession(mqtt.EventSessionEnded, s)

		return func() {
			if e.valves[s.ValveID] != ent {
				return
			}
			if err == nil {
				ent.valve.ApplyTotals(totals)
			}
			if werr == nil {
				ent.valve.ApplyWindows(windows)
			}
			e.publish(ent, UpdateTotals)
		}
	})
}

func (e *Engine) reset(ent *entry, at time.Time) {
	t := ent.valve.Totals()
	t.ResettableVolume = 0
	t.ResettableDuration = 0
	t.ResettableSessions = 0
	t.LastReset = at
	ent.valve.ApplyTotals(t)
	e.publish(ent, UpdateTotals)

	id := ent.cfg.ID
	e.pool.submit(id, func(ctx context.Context) func() {
		totals, err := e.store.ResetResettable(ctx, id, at)
		if err != nil {
			e.storeFailed("reset", id, err)
			return nil
		}
		return func() {
			if e.valves[id] != ent {
				return
			}
			ent.valve.ApplyTotals(totals)
			e.publish(ent, UpdateTotals)
		}
	})
}

// load seeds a newly registered valve from the store.
func (e *Engine) load(ent *entry) {
	id := ent.cfg.ID
	e.pool.submit(id, func(ctx context.Context) func() {
		totals, err := e.store.LoadTotals(ctx, id)
		if err != nil {
			e.storeFailed("load", id, err)
		}
		windows, werr := e.queryWindows(ctx, id)
		if werr != nil {
			e.storeFailed("window", id, werr)
		}
		last, lerr := e.store.ListSessions(ctx, store.Filter{ValveID: id, Limit: 1})
		if lerr != nil {
			e.storeFailed("list", id, lerr)
		}

		return func() {
			if e.valves[id] != ent {
				return
			}
			if err == nil {
				ent.valve.ApplyTotals(totals)
			}
			if werr == nil {
				ent.valve.ApplyWindows(windows)
			}
			if lerr == nil && len(last) > 0 && !ent.valve.Active() {
				ent.valve.SetLastSession(last[0].StartedAt, last[0].EndedAt)
			}
			e.publish(ent, UpdateTotals)
		}
	})
}

func (e *Engine) refreshWindows(ent *entry) {
	id := ent.cfg.ID
	e.pool.submit(id, func(ctx context.Context) func() {
		windows, err := e.queryWindows(ctx, id)
		if err != nil {
			e.storeFailed("window", id, err)
			return nil
		}
		return func() {
			if e.valves[id] != ent {
				return
			}
			ent.valve.ApplyWindows(windows)
			e.publish(ent, UpdateWindows)
		}
	})
}

func (e *Engine) cleanup() {
	days := e.cfg.RetentionDays
	e.pool.submit("", func(ctx context.Context) func() {
		n, err := e.store.CleanupOlderThan(ctx, days, e.now())
		if err != nil {
			e.storeFailed("cleanup", "", err)
			return nil
		}
		if n > 0 {
			e.log.Info("pruned session history", "sessions", n, "retention_days", days)
		}
		return nil
	})
}

func (e *Engine) queryWindows(ctx context.Context, valveID string) (logic.Windows, error) {
	now := e.now()
	dayUsage, err := e.store.QueryWindow(ctx, valveID, now.Add(-day))
	if err != nil {
		return logic.Windows{}, err
	}
	weekUsage, err := e.store.QueryWindow(ctx, valveID, now.Add(-week))
	if err != nil {
		return logic.Windows{}, err
	}
	return logic.Windows{Day: dayUsage, Week: weekUsage}, nil
}

func (e *Engine) storeFailed(op, valveID string, err error) {
	e.metrics.StoreError(op)
	if errors.Is(err, store.ErrUnavailable) {
		e.log.Error("store unavailable", "op", op, "valve", valveID, "error", err)
		return
	}
	e.log.Warn("store operation failed", "op", op, "valve", valveID, "error", err)
}

func (e *Engine) publishSession(event string, s logic.Session) {
	if e.mqtt == nil || e.cfg.EventsTopic == "" {
		return
	}
	payload, err := mqtt.FormatSessionEvent(e.now(), event, s)
	if err != nil {
		e.log.Warn("format session event failed", "session", s.ID, "error", err)
		return
	}
	if err := e.mqtt.Publish(e.cfg.EventsTopic, e.cfg.EventsQoS, false, payload); err != nil {
		e.log.Warn("publish session event failed", "session", s.ID, "event", event, "error", err)
	}
}

func (e *Engine) register(vc ValveConfig) error {
	if vc.ID == "" {
		return errors.New("register valve: empty id")
	}
	if _, dup := e.valves[vc.ID]; dup {
		return fmt.Errorf("register valve %s: %w", vc.ID, ErrDuplicateValve)
	}
	vc = e.cfg.valveDefaults(vc)

	route := dispatch.Route{ValveID: vc.ID, Driver: vc.Driver, Topic: vc.Topic, Pin: vc.Pin}
	if err := e.dispatch.Add(route); err != nil {
		return fmt.Errorf("register valve: %w", err)
	}
	if vc.Topic != "" {
		if e.mqtt == nil {
			e.dispatch.Remove(vc.ID)
			return fmt.Errorf("register valve %s: topic %q without an mqtt client", vc.ID, vc.Topic)
		}
		if err := e.mqtt.Subscribe(vc.Topic, e.handler(vc.ID)); err != nil {
			e.dispatch.Remove(vc.ID)
			return fmt.Errorf("subscribe %s: %w", vc.Topic, err)
		}
	}

	ent := &entry{
		cfg: vc,
		valve: logic.NewValve(logic.ValveConfig{
			ID:               vc.ID,
			Name:             vc.Name,
			Profile:          vc.Profile,
			NativeTimer:      vc.NativeTimer,
			NativeTimerGrace: e.cfg.NativeTimerGrace,
			MaxRuntime:       vc.MaxRuntime,
			MaxFlowLPM:       vc.MaxFlowLPM,
			NewID:            e.newID,
		}),
	}
	e.valves[vc.ID] = ent
	e.log.Info("valve registered", "valve", vc.ID, "driver", string(vc.Driver), "topic", vc.Topic)
	e.load(ent)
	e.publish(ent, UpdateRegistry)
	return nil
}

// deregister closes the valve and forgets it. Queued commands are still
// delivered.
func (e *Engine) deregister(id string) error {
	ent, ok := e.valves[id]
	if !ok {
		return fmt.Errorf("deregister %s: %w", id, ErrUnknownValve)
	}
	e.execute(ent, ent.valve.Stop(e.now()))

	if err := e.timers.Cancel(id); err != nil && !errors.Is(err, failsafe.ErrNoTimer) {
		e.log.Warn("cancel failsafe failed", "valve", id, "error", err)
	}
	e.confirms.Clear(id)
	if ent.cfg.Topic != "" && e.mqtt != nil {
		if err := e.mqtt.Unsubscribe(ent.cfg.Topic); err != nil {
			e.log.Warn("unsubscribe failed", "valve", id, "topic", ent.cfg.Topic, "error", err)
		}
	}
	e.dispatch.Remove(id)
	delete(e.valves, id)

	e.viewMu.Lock()
	delete(e.views, id)
	e.viewMu.Unlock()
	e.metrics.ForgetValve(id)
	e.hub.notify(Update{ValveID: id, Kind: UpdateRegistry, At: e.now()})
	e.log.Info("valve deregistered", "valve", id)
	return nil
}
