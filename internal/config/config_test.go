package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sweeney/valve-meter/internal/dispatch"
	"github.com/sweeney/valve-meter/internal/logic"
)

const sample = `
mqtt:
  broker: tcp://broker.local:1883
  qos: 0
  heartbeat: 5m
http:
  listen: ":8080"
store:
  db_path: /tmp/valves.db
  retention_days: 30
engine:
  confirm_timeout: 15s
  native_timer_grace: 30s
log:
  level: debug
  format: json
valves:
  - id: front
    name: Front lawn
    topic: zigbee2mqtt/front_valve
    driver: mqtt
    flow_unit: m3h
    counter_unit: m3
    native_timer: true
  - id: bed
    driver: gpio
    pin: 17
    flow_unit: scale
    flow_scale: 0.5
    noise_floor: 0
    max_runtime: 45m
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvBroker, EnvDBPath, EnvHTTP} {
		if v, ok := os.LookupEnv(k); ok {
			os.Unsetenv(k)
			t.Cleanup(func() { os.Setenv(k, v) })
		}
	}
}

func TestDefaultIsValid(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.True(t, cfg.UsesMQTT())
}

func TestLoadSample(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeFile(t, sample))
	require.NoError(t, err)

	require.Equal(t, "tcp://broker.local:1883", cfg.MQTT.Broker)
	require.Equal(t, "valve-meter", cfg.MQTT.ClientID, "unset fields keep defaults")
	require.Equal(t, 0, cfg.MQTT.QoS)
	require.Equal(t, 5*time.Minute, cfg.MQTT.Heartbeat)
	require.Equal(t, ":8080", cfg.HTTP.Listen)
	require.Equal(t, 30, cfg.Store.RetentionDays)
	require.Equal(t, 15*time.Second, cfg.Engine.ConfirmTimeout)
	require.Len(t, cfg.Valves, 2)
	require.Equal(t, []int{17}, cfg.GPIOPins())

	ec := cfg.EngineConfig()
	require.Equal(t, 30*time.Second, ec.NativeTimerGrace)
	require.Equal(t, 30, ec.RetentionDays)

	front := ec.Valves[0]
	require.Equal(t, dispatch.DriverMQTT, front.Driver)
	require.Equal(t, "zigbee2mqtt/front_valve", front.Topic)
	require.True(t, front.NativeTimer)
	require.Equal(t, logic.Profile{
		FlowUnit:    logic.FlowM3H,
		NoiseFloor:  logic.DefaultNoiseFloor,
		CounterUnit: logic.CounterM3,
	}, front.Profile)

	bed := ec.Valves[1]
	require.Equal(t, dispatch.DriverGPIO, bed.Driver)
	require.Equal(t, 17, bed.Pin)
	require.Equal(t, 45*time.Minute, bed.MaxRuntime)
	require.Equal(t, logic.Profile{
		FlowUnit:    logic.FlowScale,
		FlowScale:   0.5,
		NoiseFloor:  0,
		CounterUnit: logic.CounterNone,
	}, bed.Profile)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeFile(t, "mqtt:\n  brokr: tcp://x:1883\n"))
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvBroker, "tcp://other:1883")
	t.Setenv(EnvDBPath, "/data/v.db")
	t.Setenv(EnvHTTP, "")

	cfg, err := Load(writeFile(t, sample))
	require.NoError(t, err)
	require.Equal(t, "tcp://other:1883", cfg.MQTT.Broker)
	require.Equal(t, "/data/v.db", cfg.Store.DBPath)
	require.Equal(t, "", cfg.HTTP.Listen, "an empty VALVE_METER_HTTP disables the server")
}

func TestValidate(t *testing.T) {
	pin := func(n int) *int { return &n }
	neg := -1.0

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"missing flow unit", func(c *Config) {
			c.Valves = []ValveConfig{{ID: "a", Driver: "mqtt", Topic: "t"}}
		}, "flow_unit is required"},
		{"unknown flow unit", func(c *Config) {
			c.Valves = []ValveConfig{{ID: "a", Driver: "mqtt", Topic: "t", FlowUnit: "gpm"}}
		}, "unknown flow_unit"},
		{"scale without factor", func(c *Config) {
			c.Valves = []ValveConfig{{ID: "a", Driver: "mqtt", Topic: "t", FlowUnit: "scale"}}
		}, "positive flow_scale"},
		{"mqtt without topic", func(c *Config) {
			c.Valves = []ValveConfig{{ID: "a", Driver: "mqtt", FlowUnit: "lpm"}}
		}, "needs a topic"},
		{"gpio without pin", func(c *Config) {
			c.Valves = []ValveConfig{{ID: "a", Driver: "gpio", FlowUnit: "lpm"}}
		}, "needs a pin"},
		{"shared pin", func(c *Config) {
			c.Valves = []ValveConfig{
				{ID: "a", Driver: "gpio", Pin: pin(5), FlowUnit: "lpm"},
				{ID: "b", Driver: "gpio", Pin: pin(5), FlowUnit: "lpm"},
			}
		}, "already used by a"},
		{"duplicate id", func(c *Config) {
			v := ValveConfig{ID: "a", Driver: "mqtt", Topic: "t", FlowUnit: "lpm"}
			c.Valves = []ValveConfig{v, v}
		}, "duplicate id"},
		{"unknown driver", func(c *Config) {
			c.Valves = []ValveConfig{{ID: "a", Driver: "zigbee", FlowUnit: "lpm"}}
		}, "driver must be"},
		{"negative noise floor", func(c *Config) {
			c.Valves = []ValveConfig{{ID: "a", Driver: "mqtt", Topic: "t", FlowUnit: "lpm", NoiseFloor: &neg}}
		}, "noise_floor"},
		{"topic without broker", func(c *Config) {
			c.MQTT.Broker = ""
			c.Valves = []ValveConfig{{ID: "a", Driver: "mqtt", Topic: "t", FlowUnit: "lpm"}}
		}, "mqtt.broker is empty"},
		{"bad qos", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"no workers", func(c *Config) { c.Store.Workers = 0 }, "store.workers"},
		{"zero confirm timeout", func(c *Config) { c.Engine.ConfirmTimeout = 0 }, "engine.confirm_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveThenLoad(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeFile(t, sample))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, cfg.Save(path))
	again, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, again)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "heartbeat: 5m0s"), "durations are written as strings")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)
	log.Info("hidden")
	log.Warn("shown", "valve", "front")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"valve":"front"`)

	_, err = LogConfig{Level: "info", Format: "xml"}.NewLogger(&buf)
	require.Error(t, err)
}
