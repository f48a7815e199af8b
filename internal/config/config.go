// Package config loads the daemon configuration from YAML with environment
// variable overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/valve-meter/internal/dispatch"
	"github.com/sweeney/valve-meter/internal/engine"
	"github.com/sweeney/valve-meter/internal/gpio"
	"github.com/sweeney/valve-meter/internal/logic"
	"github.com/sweeney/valve-meter/internal/mqtt"
	"github.com/sweeney/valve-meter/internal/tracing"
)

// Environment overrides.
const (
	EnvBroker = "VALVE_METER_BROKER"
	EnvDBPath = "VALVE_METER_DB_PATH"
	EnvHTTP   = "VALVE_METER_HTTP"
)

// DefaultPath is where the daemon looks for its config file.
const DefaultPath = "/etc/valve-meter/config.yaml"

// Config is the root configuration structure.
type Config struct {
	MQTT    MQTTConfig     `yaml:"mqtt"`
	HTTP    HTTPConfig     `yaml:"http"`
	Store   StoreConfig    `yaml:"store"`
	Engine  EngineConfig   `yaml:"engine"`
	GPIO    GPIOConfig     `yaml:"gpio"`
	Log     LogConfig      `yaml:"log"`
	Tracing tracing.Config `yaml:"tracing"`
	Valves  []ValveConfig  `yaml:"valves"`
}

// MQTTConfig configures the broker connection. An empty broker disables
// MQTT; only GPIO valves can then be configured.
type MQTTConfig struct {
	Broker      string        `yaml:"broker"`
	ClientID    string        `yaml:"client_id"`
	EventsTopic string        `yaml:"events_topic"`
	SystemTopic string        `yaml:"system_topic"`
	QoS         int           `yaml:"qos"`
	BufferSize  int           `yaml:"buffer_size"` // messages kept while disconnected
	Heartbeat   time.Duration `yaml:"heartbeat"`   // 0 disables
}

// HTTPConfig configures the status and control server.
type HTTPConfig struct {
	Listen string `yaml:"listen"` // empty disables
}

// StoreConfig configures persistence and the store worker pool.
type StoreConfig struct {
	DBPath          string        `yaml:"db_path"`
	Workers         int           `yaml:"workers"`
	Timeout         time.Duration `yaml:"timeout"`
	RetentionDays   int           `yaml:"retention_days"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	WindowRefresh   time.Duration `yaml:"window_refresh"`
	WindowCacheTTL  time.Duration `yaml:"window_cache_ttl"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
}

// EngineConfig holds run-control settings shared by all valves.
type EngineConfig struct {
	DefaultMaxRuntime time.Duration `yaml:"default_max_runtime"`
	ConfirmTimeout    time.Duration `yaml:"confirm_timeout"`
	NativeTimerGrace  time.Duration `yaml:"native_timer_grace"`
}

// GPIOConfig configures the relay chip used by gpio valves.
type GPIOConfig struct {
	Chip      string `yaml:"chip"`
	ActiveLow bool   `yaml:"active_low"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ValveConfig describes one valve. flow_unit has no default: every device
// must declare the unit it reports flow in.
type ValveConfig struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name,omitempty"`
	Topic  string `yaml:"topic,omitempty"`
	Driver string `yaml:"driver"`
	Pin    *int   `yaml:"pin,omitempty"`

	FlowUnit    string   `yaml:"flow_unit"`
	FlowScale   float64  `yaml:"flow_scale,omitempty"`
	NoiseFloor  *float64 `yaml:"noise_floor,omitempty"`
	CounterUnit string   `yaml:"counter_unit,omitempty"`

	NativeTimer bool          `yaml:"native_timer,omitempty"`
	MaxRuntime  time.Duration `yaml:"max_runtime,omitempty"`
	MaxFlowLPM  float64       `yaml:"max_flow_lpm,omitempty"`
}

// Default returns the configuration used for absent fields.
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker:      "tcp://192.168.1.200:1883",
			ClientID:    "valve-meter",
			EventsTopic: mqtt.TopicEvents,
			SystemTopic: mqtt.TopicSystem,
			QoS:         1,
			BufferSize:  mqtt.DefaultBufferSize,
			Heartbeat:   15 * time.Minute,
		},
		HTTP: HTTPConfig{
			Listen: ":80",
		},
		Store: StoreConfig{
			DBPath:          "/var/lib/valve-meter/valve-meter.db",
			Workers:         engine.DefaultWorkers,
			Timeout:         engine.DefaultStoreTimeout,
			RetentionDays:   engine.DefaultRetentionDays,
			CleanupInterval: engine.DefaultCleanupInterval,
			WindowRefresh:   engine.DefaultWindowRefresh,
			WindowCacheTTL:  time.Minute,
			RetryInterval:   30 * time.Second,
		},
		Engine: EngineConfig{
			DefaultMaxRuntime: engine.DefaultMaxRuntime,
			ConfirmTimeout:    dispatch.DefaultConfirmTimeout,
		},
		GPIO: GPIOConfig{
			Chip: gpio.DefaultChip,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path means defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v, ok := os.LookupEnv(EnvBroker); ok {
		c.MQTT.Broker = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		c.Store.DBPath = v
	}
	if v, ok := os.LookupEnv(EnvHTTP); ok {
		c.HTTP.Listen = v
	}
}

// Save writes the config as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		bad("mqtt.qos must be 0, 1 or 2")
	}
	if c.MQTT.Broker != "" && c.MQTT.ClientID == "" {
		bad("mqtt.client_id is required")
	}
	if c.MQTT.Heartbeat < 0 {
		bad("mqtt.heartbeat must not be negative")
	}
	if c.Store.DBPath == "" {
		bad("store.db_path is required")
	}
	if c.Store.Workers < 1 {
		bad("store.workers must be at least 1")
	}
	if c.Store.RetentionDays < 1 {
		bad("store.retention_days must be at least 1")
	}
	for name, d := range map[string]time.Duration{
		"store.timeout":          c.Store.Timeout,
		"store.cleanup_interval": c.Store.CleanupInterval,
		"store.window_refresh":   c.Store.WindowRefresh,
		"store.retry_interval":   c.Store.RetryInterval,
		"engine.confirm_timeout": c.Engine.ConfirmTimeout,
	} {
		if d <= 0 {
			bad("%s must be positive", name)
		}
	}
	if c.Store.WindowCacheTTL < 0 {
		bad("store.window_cache_ttl must not be negative")
	}
	if c.Engine.DefaultMaxRuntime <= 0 {
		bad("engine.default_max_runtime must be positive")
	}
	if c.Engine.NativeTimerGrace < 0 {
		bad("engine.native_timer_grace must not be negative")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		bad("log.level: %v", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		bad("log.format must be text or json")
	}

	ids := make(map[string]bool)
	pins := make(map[int]string)
	for i, v := range c.Valves {
		where := fmt.Sprintf("valves[%d]", i)
		if v.ID == "" {
			bad("%s: id is required", where)
		} else {
			where = fmt.Sprintf("valve %s", v.ID)
			if ids[v.ID] {
				bad("%s: duplicate id", where)
			}
			ids[v.ID] = true
		}

		switch dispatch.Driver(v.Driver) {
		case dispatch.DriverMQTT:
			if v.Topic == "" {
				bad("%s: mqtt driver needs a topic", where)
			}
		case dispatch.DriverGPIO:
			if v.Pin == nil {
				bad("%s: gpio driver needs a pin", where)
			} else if other, dup := pins[*v.Pin]; dup {
				bad("%s: pin %d already used by %s", where, *v.Pin, other)
			} else {
				pins[*v.Pin] = v.ID
			}
		default:
			bad("%s: driver must be mqtt or gpio", where)
		}
		if v.Topic != "" && c.MQTT.Broker == "" {
			bad("%s: topic set but mqtt.broker is empty", where)
		}

		switch logic.FlowUnit(v.FlowUnit) {
		case logic.FlowLPM, logic.FlowM3H:
		case logic.FlowScale:
			if v.FlowScale <= 0 {
				bad("%s: flow_unit scale needs a positive flow_scale", where)
			}
		case "":
			bad("%s: flow_unit is required (lpm, m3h or scale)", where)
		default:
			bad("%s: unknown flow_unit %q", where, v.FlowUnit)
		}
		switch logic.CounterUnit(v.CounterUnit) {
		case "", logic.CounterNone, logic.CounterLiters, logic.CounterM3:
		default:
			bad("%s: unknown counter_unit %q", where, v.CounterUnit)
		}
		if v.NoiseFloor != nil && *v.NoiseFloor < 0 {
			bad("%s: noise_floor must not be negative", where)
		}
		if v.MaxRuntime < 0 {
			bad("%s: max_runtime must not be negative", where)
		}
		if v.MaxFlowLPM < 0 {
			bad("%s: max_flow_lpm must not be negative", where)
		}
	}
	return errors.Join(errs...)
}

// UsesMQTT reports whether an MQTT client is needed.
func (c *Config) UsesMQTT() bool {
	return c.MQTT.Broker != ""
}

// GPIOPins returns the relay pins of gpio valves.
func (c *Config) GPIOPins() []int {
	var pins []int
	for _, v := range c.Valves {
		if dispatch.Driver(v.Driver) == dispatch.DriverGPIO && v.Pin != nil {
			pins = append(pins, *v.Pin)
		}
	}
	return pins
}

// EngineConfig converts the file layout into engine settings.
func (c *Config) EngineConfig() engine.Config {
	valves := make([]engine.ValveConfig, 0, len(c.Valves))
	for _, v := range c.Valves {
		valves = append(valves, v.engine())
	}
	return engine.Config{
		Valves:            valves,
		EventsTopic:       c.MQTT.EventsTopic,
		EventsQoS:         byte(c.MQTT.QoS),
		CommandQoS:        byte(c.MQTT.QoS),
		ConfirmTimeout:    c.Engine.ConfirmTimeout,
		DefaultMaxRuntime: c.Engine.DefaultMaxRuntime,
		NativeTimerGrace:  c.Engine.NativeTimerGrace,
		Workers:           c.Store.Workers,
		RetentionDays:     c.Store.RetentionDays,
		CleanupInterval:   c.Store.CleanupInterval,
		WindowRefresh:     c.Store.WindowRefresh,
		StoreTimeout:      c.Store.Timeout,
	}
}

func (v ValveConfig) engine() engine.ValveConfig {
	floor := logic.DefaultNoiseFloor
	if v.NoiseFloor != nil {
		floor = *v.NoiseFloor
	}
	counter := logic.CounterUnit(v.CounterUnit)
	if counter == "" {
		counter = logic.CounterNone
	}
	pin := 0
	if v.Pin != nil {
		pin = *v.Pin
	}
	return engine.ValveConfig{
		ID:     v.ID,
		Name:   v.Name,
		Topic:  v.Topic,
		Driver: dispatch.Driver(v.Driver),
		Pin:    pin,
		Profile: logic.Profile{
			FlowUnit:    logic.FlowUnit(v.FlowUnit),
			FlowScale:   v.FlowScale,
			NoiseFloor:  floor,
			CounterUnit: counter,
		},
		NativeTimer: v.NativeTimer,
		MaxRuntime:  v.MaxRuntime,
		MaxFlowLPM:  v.MaxFlowLPM,
	}
}

// NewLogger builds the slog logger described by l.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch l.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", l.Format)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown level %q", s)
}
