// Package dispatch turns valve commands into device I/O.
//
// Each valve has a route: MQTT valves get a JSON command on their command
// topic, GPIO valves get their relay line switched. Commands are delivered
// in order by a single worker so the engine loop never waits on the broker.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sweeney/valve-meter/internal/gpio"
	"github.com/sweeney/valve-meter/internal/logic"
	"github.com/sweeney/valve-meter/internal/mqtt"
)

var (
	// ErrNoRoute is returned by Send for a valve that was never added.
	ErrNoRoute = errors.New("no route for valve")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("dispatcher closed")
)

// Driver names how a valve is commanded.
type Driver string

const (
	DriverMQTT Driver = "mqtt"
	DriverGPIO Driver = "gpio"
)

// Route describes where one valve's commands go.
type Route struct {
	ValveID string
	Driver  Driver
	Topic   string // device topic; commands go to Topic + "/set"
	Pin     int
}

// Options configures a Dispatcher.
type Options struct {
	MQTT   mqtt.Client
	Relays gpio.Relays
	QoS    byte
	Logger *slog.Logger
	Now    func() time.Time

	// Synthesize receives the telemetry a GPIO valve would have reported
	// after its relay switched. Called from the worker goroutine.
	Synthesize func(valveID string, ev logic.Event, at time.Time)

	// OnResult is called after every delivery attempt.
	OnResult func(valveID string, cmd logic.Command, err error)
}

type job struct {
	route Route
	cmd   logic.Command
}

// Dispatcher delivers commands asynchronously, in submission order.
type Dispatcher struct {
	opts Options

	mu     sync.Mutex
	cond   *sync.Cond
	routes map[string]Route
	queue  []job
	closed bool
	done   chan struct{}
}

// New creates a dispatcher and starts its worker.
func New(o Options) *Dispatcher {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	d := &Dispatcher{
		opts:   o,
		routes: make(map[string]Route),
		done:   make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.work()
	return d
}

// Add registers or replaces a valve's route.
func (d *Dispatcher) Add(r Route) error {
	switch r.Driver {
	case DriverMQTT:
		if d.opts.MQTT == nil {
			return fmt.Errorf("valve %s: mqtt driver without an mqtt client", r.ValveID)
		}
		if r.Topic == "" {
			return fmt.Errorf("valve %s: mqtt driver needs a topic", r.ValveID)
		}
	case DriverGPIO:
		if d.opts.Relays == nil {
			return fmt.Errorf("valve %s: gpio driver without relays", r.ValveID)
		}
	default:
		return fmt.Errorf("valve %s: unknown driver %q", r.ValveID, r.Driver)
	}
	d.mu.Lock()
	d.routes[r.ValveID] = r
	d.mu.Unlock()
	return nil
}

// Remove drops a valve's route. Commands already queued are still delivered.
func (d *Dispatcher) Remove(valveID string) {
	d.mu.Lock()
	delete(d.routes, valveID)
	d.mu.Unlock()
}

// Route returns a valve's route.
func (d *Dispatcher) Route(valveID string) (Route, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.routes[valveID]
	return r, ok
}

// Send queues cmd for valveID. It never blocks on I/O.
func (d *Dispatcher) Send(valveID string, cmd logic.Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	r, ok := d.routes[valveID]
	if !ok {
		return fmt.Errorf("send %s to %s: %w", cmd, valveID, ErrNoRoute)
	}
	d.queue = append(d.queue, job{route: r, cmd: cmd})
	d.cond.Signal()
	return nil
}

// Pending returns the number of queued commands.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Close stops accepting commands, delivers what is already queued and
// waits for the worker to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) work() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		j := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		id := j.route.ValveID
		err := d.deliver(j.route, j.cmd)
		if err != nil {
			d.opts.Logger.Warn("command delivery failed", "valve", id, "command", j.cmd.String(), "error", err)
		} else {
			d.opts.Logger.Debug("command sent", "valve", id, "command", j.cmd.String(), "driver", string(j.route.Driver))
		}
		if d.opts.OnResult != nil {
			d.opts.OnResult(id, j.cmd, err)
		}
	}
}

func (d *Dispatcher) deliver(r Route, cmd logic.Command) error {
	switch r.Driver {
	case DriverMQTT:
		payload, err := mqtt.FormatCommand(cmd)
		if err != nil {
			return fmt.Errorf("format command: %w", err)
		}
		return d.opts.MQTT.Publish(mqtt.CommandTopic(r.Topic), d.opts.QoS, false, payload)

	case DriverGPIO:
		if err := d.opts.Relays.Set(r.Pin, cmd.On); err != nil {
			return err
		}
		if d.opts.Synthesize != nil {
			state := logic.StateOff
			if cmd.On {
				state = logic.StateOn
			}
			d.opts.Synthesize(r.ValveID, logic.Event{State: state}, d.opts.Now())
		}
		return nil
	}
	return fmt.Errorf("unknown driver %q", r.Driver)
}
