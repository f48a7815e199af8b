// Package gpio drives solenoid valve relays wired to local GPIO lines.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Relays switches relay outputs by line offset (BCM numbering on a Pi).
type Relays interface {
	// Set drives the relay for pin. on=true opens the valve.
	Set(pin int, on bool) error

	// Get returns the logical state last driven on pin.
	Get(pin int) (bool, error)

	// Close turns every relay off and releases GPIO resources.
	Close() error
}

// DefaultChip is the GPIO chip relays are requested from.
const DefaultChip = "gpiochip0"
