package dispatch

import (
	"sync"
	"time"

	"github.com/sweeney/valve-meter/internal/logic"
)

// DefaultConfirmTimeout is how long a device has to report the commanded state.
const DefaultConfirmTimeout = 10 * time.Second

// Unconfirmed reports a command whose confirming telemetry never arrived.
type Unconfirmed struct {
	ValveID  string
	Command  logic.Command
	Deadline time.Time
}

type expectation struct {
	gen      uint64
	cmd      logic.Command
	deadline time.Time
	timer    *time.Timer
}

// Confirmations tracks one outstanding command per valve and reports the
// ones that go unconfirmed.
type Confirmations struct {
	mu      sync.Mutex
	now     func() time.Time
	pending map[string]*expectation
	gen     uint64
	expired chan Unconfirmed
	done    chan struct{}
	closed  bool
}

// NewConfirmations creates a tracker. now may be nil to use time.Now.
func NewConfirmations(now func() time.Time) *Confirmations {
	if now == nil {
		now = time.Now
	}
	return &Confirmations{
		now:     now,
		pending: make(map[string]*expectation),
		expired: make(chan Unconfirmed, 16),
		done:    make(chan struct{}),
	}
}

// Expired returns the channel unconfirmed commands are posted to.
func (c *Confirmations) Expired() <-chan Unconfirmed {
	return c.expired
}

// Expect waits for valveID to report the state cmd asks for, replacing any
// earlier expectation for the valve.
func (c *Confirmations) Expect(valveID string, cmd logic.Command, deadline time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if e, ok := c.pending[valveID]; ok {
		e.timer.Stop()
	}
	c.gen++
	gen := c.gen
	e := &expectation{gen: gen, cmd: cmd, deadline: deadline}
	e.timer = time.AfterFunc(deadline.Sub(c.now()), func() {
		c.fire(valveID, gen)
	})
	c.pending[valveID] = e
}

// Observe clears the valve's expectation if state is the one it waits for.
// It reports whether an expectation was satisfied.
func (c *Confirmations) Observe(valveID string, state logic.State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pending[valveID]
	if !ok {
		return false
	}
	want := logic.StateOff
	if e.cmd.On {
		want = logic.StateOn
	}
	if state != want {
		return false
	}
	e.timer.Stop()
	delete(c.pending, valveID)
	return true
}

// Pending returns the command the valve still has to confirm.
func (c *Confirmations) Pending(valveID string) (logic.Command, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pending[valveID]
	if !ok {
		return logic.Command{}, false
	}
	return e.cmd, true
}

// Clear drops the valve's expectation.
func (c *Confirmations) Clear(valveID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.pending[valveID]; ok {
		e.timer.Stop()
		delete(c.pending, valveID)
	}
}

// Close stops every timer and stops posting.
func (c *Confirmations) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, e := range c.pending {
		e.timer.Stop()
		delete(c.pending, id)
	}
	c.mu.Unlock()
	close(c.done)
}

func (c *Confirmations) fire(valveID string, gen uint64) {
	c.mu.Lock()
	e, ok := c.pending[valveID]
	if !ok || e.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.pending, valveID)
	u := Unconfirmed{ValveID: valveID, Command: e.cmd, Deadline: e.deadline}
	c.mu.Unlock()

	select {
	case c.expired <- u:
	case <-c.done:
	}
}
