package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sweeney/valve-meter/internal/logic"
	"github.com/sweeney/valve-meter/internal/store"
)

// The run and reset methods validate synchronously and return once the
// loop accepted the request. Device commands and store writes happen
// asynchronously; watch Subscribe or Valve for the outcome.

// StartTimed runs the valve for d.
func (e *Engine) StartTimed(valveID string, d time.Duration) error {
	return e.start(valveID, logic.StartRequest{Trigger: logic.TriggerTimed, Duration: d})
}

// StartVolume runs the valve until liters have flowed. hardTimeout bounds
// the run; zero uses the valve's max runtime.
func (e *Engine) StartVolume(valveID string, liters float64, hardTimeout time.Duration) error {
	return e.start(valveID, logic.StartRequest{
		Trigger:     logic.TriggerVolume,
		Volume:      liters,
		HardTimeout: hardTimeout,
	})
}

func (e *Engine) start(valveID string, req logic.StartRequest) error {
	return e.call(func() error {
		ent, ok := e.valves[valveID]
		if !ok {
			return fmt.Errorf("start %s: %w", valveID, ErrUnknownValve)
		}
		actions, err := ent.valve.Start(req, e.now())
		if err != nil {
			return fmt.Errorf("start %s: %w", valveID, err)
		}
		e.log.Info("run requested",
			"valve", valveID,
			"trigger", string(req.Trigger),
			"duration", req.Duration.String(),
			"liters", req.Volume,
		)
		e.execute(ent, actions)
		e.publish(ent, UpdateSession)
		return nil
	})
}

// Stop ends the valve's run, or just closes it when idle.
func (e *Engine) Stop(valveID string) error {
	return e.call(func() error {
		ent, ok := e.valves[valveID]
		if !ok {
			return fmt.Errorf("stop %s: %w", valveID, ErrUnknownValve)
		}
		e.log.Info("stop requested", "valve", valveID)
		e.execute(ent, ent.valve.Stop(e.now()))
		e.publish(ent, UpdateSession)
		return nil
	})
}

// ResetTotals zeroes the resettable counters of one valve, or of every
// valve when valveID is empty. Lifetime totals are not touched.
func (e *Engine) ResetTotals(valveID string) error {
	return e.call(func() error {
		at := e.now()
		if valveID == "" {
			for _, ent := range e.valves {
				e.reset(ent, at)
			}
			e.log.Info("resettable totals reset", "valves", len(e.valves))
			return nil
		}
		ent, ok := e.valves[valveID]
		if !ok {
			return fmt.Errorf("reset %s: %w", valveID, ErrUnknownValve)
		}
		e.reset(ent, at)
		e.log.Info("resettable totals reset", "valve", valveID)
		return nil
	})
}

// Register adds a valve at runtime.
func (e *Engine) Register(vc ValveConfig) error {
	return e.call(func() error {
		return e.register(vc)
	})
}

// Deregister closes a valve and removes it.
func (e *Engine) Deregister(valveID string) error {
	return e.call(func() error {
		return e.deregister(valveID)
	})
}

// Reload re-reads totals, windows and the last session of every valve from
// the store. Call it when the store returns from memory-only mode, so views
// stop reflecting the in-memory totals.
func (e *Engine) Reload() error {
	return e.call(func() error {
		for _, ent := range e.valves {
			e.load(ent)
		}
		return nil
	})
}

// Sessions lists session history, newest first.
func (e *Engine) Sessions(ctx context.Context, f store.Filter) ([]logic.Session, error) {
	return e.store.ListSessions(ctx, f)
}

// DeleteSession removes one history row. Totals are unchanged.
func (e *Engine) DeleteSession(ctx context.Context, id string) error {
	if err := e.store.DeleteSession(ctx, id); err != nil {
		return err
	}
	e.refreshAll()
	return nil
}

// ClearSessions removes the history of one valve, or of all valves when
// valveID is empty. Totals are unchanged.
func (e *Engine) ClearSessions(ctx context.Context, valveID string) (int64, error) {
	n, err := e.store.ClearSessions(ctx, valveID)
	if err != nil {
		return 0, err
	}
	e.refreshAll()
	return n, nil
}

// refreshAll requeries every valve's windows after history changed.
func (e *Engine) refreshAll() {
	_ = e.call(func() error {
		for _, ent := range e.valves {
			e.refreshWindows(ent)
		}
		return nil
	})
}
