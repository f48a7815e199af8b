package main

import (
	"errors"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/sweeney/valve-meter/internal/engine"
	"github.com/sweeney/valve-meter/internal/mqtt"
	"github.com/sweeney/valve-meter/internal/status"
)

// valveSource is the engine's read side.
type valveSource interface {
	Valves() []engine.ValveView
}

type loopDeps struct {
	publisher  mqtt.Client // nil when MQTT is disabled
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker
	valves     valveSource
	updates    <-chan engine.Update
	heartbeat  <-chan time.Time // nil disables heartbeats
	recovered  <-chan struct{}  // store came back from memory-only mode
	reload     func() error
	now        func() time.Time
	sig        <-chan os.Signal
	log        *slog.Logger
}

// runLoop keeps the status tracker current and publishes HEARTBEAT and
// SHUTDOWN system events. It returns on a signal, or with an error if the
// engine stops underneath it.
func runLoop(d loopDeps) error {
	for {
		select {
		case s := <-d.sig:
			d.log.Info("shutting down", "signal", s.String())
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			d.refresh()
			d.publish(mqtt.SystemEvent{
				Timestamp: d.now(),
				Event:     "SHUTDOWN",
				Reason:    signalName,
				Retained:  true,
			})
			return nil

		case _, ok := <-d.updates:
			if !ok {
				return errors.New("engine stopped")
			}
			d.refresh()

		case <-d.recovered:
			if d.reload == nil {
				continue
			}
			if err := d.reload(); err != nil {
				d.log.Warn("reloading totals after store recovery failed", "error", err)
			}

		case <-d.heartbeat:
			// Refresh network info for heartbeat
			if net := readNetworkInfo(); net != nil {
				d.tracker.SetNetwork(net)
			}
			d.refresh()
			snap := d.tracker.Snapshot()
			d.log.Info("heartbeat",
				"uptime", snap.Uptime().Truncate(time.Second),
				"valves", len(snap.Valves),
				"active", snap.ActiveSessions(),
				"mqtt", snap.MQTTConnected,
				"store_degraded", snap.StoreDegraded)
			d.publish(mqtt.SystemEvent{
				Timestamp: d.now(),
				Event:     "HEARTBEAT",
			})
		}
	}
}

func (d loopDeps) refresh() {
	d.tracker.Update(d.valves.Valves())
	if d.mqttStatus != nil {
		d.tracker.SetMQTTConnected(d.mqttStatus.IsConnected())
	}
}

// publish attaches a status snapshot to event and sends it.
func (d loopDeps) publish(event mqtt.SystemEvent) {
	if d.publisher == nil {
		return
	}
	event.RawPayload = status.FormatStatusEvent(d.tracker.Snapshot(), event.Event, event.Reason)
	if err := d.publisher.PublishSystem(event); err != nil {
		d.log.Warn("failed to publish system event", "event", event.Event, "error", err)
		return
	}
	d.log.Debug("published system event", "event", event.Event)
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
