package engine

import (
	"sort"
	"time"

	"github.com/sweeney/valve-meter/internal/dispatch"
	"github.com/sweeney/valve-meter/internal/logic"
)

// ValveView is the read model of one valve as served to the UI.
type ValveView struct {
	logic.View
	Driver dispatch.Driver
	Topic  string
}

// at returns a copy with the session's elapsed time measured at now.
func (v ValveView) at(now time.Time) ValveView {
	if v.Session == nil {
		return v
	}
	s := *v.Session
	s.Elapsed = now.Sub(s.Started)
	if s.Elapsed < 0 {
		s.Elapsed = 0
	}
	v.Session = &s
	return v
}

// publish refreshes the valve's snapshot and notifies subscribers.
func (e *Engine) publish(ent *entry, kind UpdateKind) {
	now := e.now()
	view := ValveView{
		View:   ent.valve.View(now),
		Driver: ent.cfg.Driver,
		Topic:  ent.cfg.Topic,
	}
	e.viewMu.Lock()
	e.views[ent.cfg.ID] = view
	e.viewMu.Unlock()

	e.metrics.ValveState(ent.cfg.ID, view.FlowRate, view.Session != nil, view.Totals.LifetimeVolume)
	e.hub.notify(Update{ValveID: ent.cfg.ID, Kind: kind, At: now})
}

// Valve returns the current view of one valve.
func (e *Engine) Valve(id string) (ValveView, bool) {
	e.viewMu.RLock()
	v, ok := e.views[id]
	e.viewMu.RUnlock()
	if !ok {
		return ValveView{}, false
	}
	return v.at(e.now()), true
}

// Valves returns every valve's view, ordered by id.
func (e *Engine) Valves() []ValveView {
	now := e.now()
	e.viewMu.RLock()
	out := make([]ValveView, 0, len(e.views))
	for _, v := range e.views {
		out = append(out, v.at(now))
	}
	e.viewMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscribe returns a channel of view changes and a func that ends the
// subscription. The channel is closed when the engine stops.
func (e *Engine) Subscribe() (<-chan Update, func()) {
	return e.hub.subscribe()
}
