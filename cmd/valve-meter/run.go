package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/sweeney/valve-meter/internal/config"
	"github.com/sweeney/valve-meter/internal/engine"
	"github.com/sweeney/valve-meter/internal/gpio"
	"github.com/sweeney/valve-meter/internal/metrics"
	"github.com/sweeney/valve-meter/internal/mqtt"
	"github.com/sweeney/valve-meter/internal/status"
	"github.com/sweeney/valve-meter/internal/store"
	"github.com/sweeney/valve-meter/internal/tracing"
	"github.com/sweeney/valve-meter/internal/web"
)

func newRunCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the valve daemon until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
}

func run(cfg *config.Config) error {
	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	tp, err := tracing.New(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	m := metrics.New()

	// Initialize status tracker (before the store so mode changes land in it)
	tracker := status.NewTracker(time.Now(), statusConfig(cfg))
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	recovered := make(chan struct{}, 1)
	var st *store.WindowCache
	var resilient *store.Resilient
	st, resilient = openStore(cfg, tp.Tracer(), logger, func(degraded bool) {
		tracker.SetStoreDegraded(degraded)
		m.StoreDegraded(degraded)
		if degraded {
			return
		}
		// Windows cached while degraded came from memory.
		st.Flush()
		select {
		case recovered <- struct{}{}:
		default:
		}
	})
	tracker.SetStoreDegraded(resilient.Degraded())
	m.StoreDegraded(resilient.Degraded())

	// Interfaces stay nil unless the transport is configured.
	var client mqtt.Client
	var mqttStatus mqtt.ConnectionStatus
	if cfg.UsesMQTT() {
		rc := mqtt.NewRealClient(mqtt.Options{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			SystemTopic: cfg.MQTT.SystemTopic,
			QoS:         byte(cfg.MQTT.QoS),
			BufferSize:  cfg.MQTT.BufferSize,
			Logger:      logger,
		})
		defer rc.Close()
		client, mqttStatus = rc, rc
	}

	var relays gpio.Relays
	if pins := cfg.GPIOPins(); len(pins) > 0 {
		r, err := gpio.NewRealRelays(cfg.GPIO.Chip, pins, cfg.GPIO.ActiveLow)
		if err != nil {
			return fmt.Errorf("init gpio: %w", err)
		}
		defer r.Close()
		relays = r
	}

	eng, err := engine.New(cfg.EngineConfig(), engine.Deps{
		Store:   st,
		MQTT:    client,
		Relays:  relays,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engineErr := make(chan error, 1)
	go func() { engineErr <- eng.Run(ctx) }()
	<-eng.Ready()

	updates, unsubscribe := eng.Subscribe()
	defer unsubscribe()
	tracker.SetReady(true)
	tracker.Update(eng.Valves())

	// Publish startup event with full status snapshot
	if client != nil {
		snap := tracker.Snapshot()
		startupEvent := mqtt.SystemEvent{
			Timestamp:  snap.Now,
			Event:      "STARTUP",
			Retained:   true,
			RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
		}
		if err := client.PublishSystem(startupEvent); err != nil {
			logger.Warn("failed to publish startup event", "error", err)
		} else {
			logger.Info("published startup event")
		}
	}

	// Start HTTP status server
	if cfg.HTTP.Listen != "" {
		srv := web.New(cfg.HTTP.Listen, web.Options{
			Tracker:   tracker,
			Valves:    eng,
			Metrics:   m,
			Logger:    logger,
			AccessLog: os.Stdout,
		})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
		logger.Info("http status server listening", "addr", cfg.HTTP.Listen)
	}

	logger.Info("started",
		"valves", len(cfg.Valves),
		"broker", cfg.MQTT.Broker,
		"db", cfg.Store.DBPath,
		"heartbeat", cfg.MQTT.Heartbeat)

	var heartbeat <-chan time.Time
	if cfg.MQTT.Heartbeat > 0 {
		ticker := time.NewTicker(cfg.MQTT.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	loopErr := runLoop(loopDeps{
		publisher:  client,
		mqttStatus: mqttStatus,
		tracker:    tracker,
		valves:     eng,
		updates:    updates,
		heartbeat:  heartbeat,
		recovered:  recovered,
		reload:     eng.Reload,
		now:        time.Now,
		sig:        sigCh,
		log:        logger,
	})

	// Stop the engine before the deferred MQTT and GPIO closes run, so
	// in-flight session writes finish against a live store.
	cancel()
	if err := <-engineErr; err != nil && loopErr == nil {
		loopErr = err
	}
	return loopErr
}

func statusConfig(cfg *config.Config) status.Config {
	return status.Config{
		HeartbeatMs:         cfg.MQTT.Heartbeat.Milliseconds(),
		ConfirmTimeoutMs:    cfg.Engine.ConfirmTimeout.Milliseconds(),
		DefaultMaxRuntimeMs: cfg.Engine.DefaultMaxRuntime.Milliseconds(),
		Broker:              cfg.MQTT.Broker,
		HTTPPort:            cfg.HTTP.Listen,
		DBPath:              cfg.Store.DBPath,
		Valves:              len(cfg.Valves),
	}
}

// openStore stacks the window cache and tracing over a SQLite store that
// falls back to memory while the database is unavailable.
func openStore(cfg *config.Config, tracer trace.Tracer, logger *slog.Logger, onChange func(bool)) (*store.WindowCache, *store.Resilient) {
	path := cfg.Store.DBPath
	open := func(ctx context.Context) (store.Store, error) {
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		return store.NewSQLiteStore(path)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Store.Timeout)
	defer cancel()
	resilient := store.NewResilient(ctx, open, store.ResilientOptions{
		RetryInterval: cfg.Store.RetryInterval,
		Logger:        logger,
		OnChange: func(degraded bool) {
			if degraded {
				logger.Error("store degraded, writes are queued in memory")
			} else {
				logger.Info("store recovered")
			}
			onChange(degraded)
		},
	})
	traced := store.NewTraced(resilient, tracer)
	return store.NewWindowCache(traced, cfg.Store.WindowCacheTTL), resilient
}
