//go:build linux

package gpio

import (
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

// RealRelays drives relay lines on actual hardware using the Linux GPIO
// character device.
type RealRelays struct {
	mu    sync.Mutex
	chip  *gpiocdev.Chip
	lines map[int]*gpiocdev.Line
}

// NewRealRelays requests every pin as an output driven inactive (valve
// closed). Relay boards that switch on a low level need activeLow.
func NewRealRelays(chipName string, pins []int, activeLow bool) (*RealRelays, error) {
	if chipName == "" {
		chipName = DefaultChip
	}
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	r := &RealRelays{chip: chip, lines: make(map[int]*gpiocdev.Line)}
	for _, pin := range pins {
		opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0)}
		if activeLow {
			opts = append(opts, gpiocdev.AsActiveLow)
		}
		line, err := chip.RequestLine(pin, opts...)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("request relay pin %d: %w", pin, err)
		}
		r.lines[pin] = line
	}
	return r, nil
}

func (r *RealRelays) line(pin int) (*gpiocdev.Line, error) {
	l, ok := r.lines[pin]
	if !ok {
		return nil, fmt.Errorf("relay pin %d not requested", pin)
	}
	return l, nil
}

// Set drives the relay for pin.
func (r *RealRelays) Set(pin int, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, err := r.line(pin)
	if err != nil {
		return err
	}
	v := 0
	if on {
		v = 1
	}
	if err := l.SetValue(v); err != nil {
		return fmt.Errorf("set relay pin %d: %w", pin, err)
	}
	return nil
}

// Get reads back the logical level of pin.
func (r *RealRelays) Get(pin int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, err := r.line(pin)
	if err != nil {
		return false, err
	}
	v, err := l.Value()
	if err != nil {
		return false, fmt.Errorf("read relay pin %d: %w", pin, err)
	}
	return v == 1, nil
}

// Close releases GPIO resources.
// Each line is driven off and then reconfigured to input with pull-down
// (matching Pi boot defaults) so a valve cannot be left open across a
// restart.
func (r *RealRelays) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error

	for pin, l := range r.lines {
		if err := l.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("turn off pin %d: %w", pin, err))
		}
		if err := l.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure pin %d: %w", pin, err))
		}
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin %d: %w", pin, err))
		}
	}
	r.lines = nil
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		r.chip = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
