package gpio

import (
	"fmt"
	"sync"
)

// Change is one Set call recorded by FakeRelays.
type Change struct {
	Pin int
	On  bool
}

// FakeRelays is a test double that records relay changes.
// Safe for concurrent use.
type FakeRelays struct {
	mu     sync.Mutex
	states map[int]bool

	// Changes contains every successful Set, in order.
	Changes []Change

	// SetError, if set, will be returned by Set.
	SetError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeRelays creates FakeRelays with every pin off.
func NewFakeRelays(pins ...int) *FakeRelays {
	f := &FakeRelays{states: make(map[int]bool)}
	for _, p := range pins {
		f.states[p] = false
	}
	return f
}

// Set records the change.
func (f *FakeRelays) Set(pin int, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SetError != nil {
		return f.SetError
	}
	if _, ok := f.states[pin]; !ok {
		return fmt.Errorf("relay pin %d not requested", pin)
	}
	f.states[pin] = on
	f.Changes = append(f.Changes, Change{Pin: pin, On: on})
	return nil
}

// Get returns the last state set on pin.
func (f *FakeRelays) Get(pin int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	on, ok := f.states[pin]
	if !ok {
		return false, fmt.Errorf("relay pin %d not requested", pin)
	}
	return on, nil
}

// History returns a copy of the recorded changes.
func (f *FakeRelays) History() []Change {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Change(nil), f.Changes...)
}

// Close turns every relay off and marks the fake as closed.
func (f *FakeRelays) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for p := range f.states {
		f.states[p] = false
	}
	f.Closed = true
	return nil
}
