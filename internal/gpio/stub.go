//go:build !linux

package gpio

import "errors"

// RealRelays is not available on non-Linux platforms.
type RealRelays struct{}

// NewRealRelays returns an error on non-Linux platforms.
func NewRealRelays(chipName string, pins []int, activeLow bool) (*RealRelays, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// Set is not implemented on non-Linux platforms.
func (r *RealRelays) Set(pin int, on bool) error {
	return errors.New("gpio: not supported")
}

// Get is not implemented on non-Linux platforms.
func (r *RealRelays) Get(pin int) (bool, error) {
	return false, errors.New("gpio: not supported")
}

// Close is not implemented on non-Linux platforms.
func (r *RealRelays) Close() error {
	return nil
}
