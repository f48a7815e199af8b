// Package failsafe keeps one host-side backup deadline per valve.
//
// A deadline is armed for every run that has a bound. When it passes, an
// Expiry is posted to the channel returned by Expired; the engine feeds it
// to the same state machine entry point as telemetry, so an expiry for a
// session that already ended is a no-op there.
package failsafe

import (
	"errors"
	"sync"
	"time"
)

// ErrNoTimer is returned by Cancel when the valve has no armed timer.
var ErrNoTimer = errors.New("no failsafe timer armed")

// Expiry reports that a valve's deadline passed.
type Expiry struct {
	ValveID   string
	SessionID string
	Deadline  time.Time
}

// State is the timer state of one valve: either none (Armed false) or
// armed for SessionID at Deadline.
type State struct {
	Armed     bool
	SessionID string
	Deadline  time.Time
}

type entry struct {
	gen       uint64
	sessionID string
	deadline  time.Time
	timer     *time.Timer
}

// Manager holds at most one outstanding timer per valve. Arm and Cancel are
// the only mutation points.
type Manager struct {
	mu      sync.Mutex
	now     func() time.Time
	timers  map[string]*entry
	gen     uint64
	expired chan Expiry
	done    chan struct{}
	closed  bool
}

// NewManager creates a manager. now may be nil to use time.Now.
func NewManager(now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		now:     now,
		timers:  make(map[string]*entry),
		expired: make(chan Expiry, 16),
		done:    make(chan struct{}),
	}
}

// Expired returns the channel expiries are posted to.
func (m *Manager) Expired() <-chan Expiry {
	return m.expired
}

// Arm sets the valve's deadline, replacing any existing timer.
// A deadline in the past fires immediately.
func (m *Manager) Arm(valveID, sessionID string, deadline time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	if existing, ok := m.timers[valveID]; ok {
		existing.timer.Stop()
	}

	m.gen++
	e := &entry{gen: m.gen, sessionID: sessionID, deadline: deadline}
	gen := m.gen
	e.timer = time.AfterFunc(deadline.Sub(m.now()), func() {
		m.fire(valveID, gen)
	})
	m.timers[valveID] = e
}

// Cancel stops the valve's timer without posting an expiry.
func (m *Manager) Cancel(valveID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.timers[valveID]
	if !ok {
		return ErrNoTimer
	}
	e.timer.Stop()
	delete(m.timers, valveID)
	return nil
}

// CancelAll stops every timer.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.timers {
		e.timer.Stop()
		delete(m.timers, id)
	}
}

// Armed returns the valve's timer state.
func (m *Manager) Armed(valveID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.timers[valveID]
	if !ok {
		return State{}
	}
	return State{Armed: true, SessionID: e.sessionID, Deadline: e.deadline}
}

// Count returns the number of armed timers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Close cancels all timers and stops posting expiries.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for id, e := range m.timers {
		e.timer.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
	close(m.done)
}

func (m *Manager) fire(valveID string, gen uint64) {
	m.mu.Lock()
	e, ok := m.timers[valveID]
	if !ok || e.gen != gen {
		// Replaced or cancelled after the runtime timer fired.
		m.mu.Unlock()
		return
	}
	delete(m.timers, valveID)
	exp := Expiry{ValveID: valveID, SessionID: e.sessionID, Deadline: e.deadline}
	m.mu.Unlock()

	// Send outside the lock so a busy consumer cannot block Arm or Cancel.
	select {
	case m.expired <- exp:
	case <-m.done:
	}
}
