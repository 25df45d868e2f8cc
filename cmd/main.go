// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fluxdispatch/broker/events"
	"github.com/absmach/fluxdispatch/broker/webhook"
	"github.com/absmach/fluxdispatch/config"
	"github.com/absmach/fluxdispatch/deadletter"
	"github.com/absmach/fluxdispatch/dispatch"
	"github.com/absmach/fluxdispatch/driver"
	"github.com/absmach/fluxdispatch/ingress"
	"github.com/absmach/fluxdispatch/internal/wiring"
	"github.com/absmach/fluxdispatch/ratelimit"
	"github.com/absmach/fluxdispatch/security"
	"github.com/absmach/fluxdispatch/server/api"
	"github.com/absmach/fluxdispatch/server/coap"
	"github.com/absmach/fluxdispatch/server/health"
	"github.com/absmach/fluxdispatch/server/http"
	"github.com/absmach/fluxdispatch/server/otel"
	"github.com/absmach/fluxdispatch/server/websocket"
	"github.com/absmach/fluxdispatch/session"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)
	slog.Info("Starting dispatch engine",
		"node_id", cfg.Server.NodeID,
		"destinations", len(cfg.Destinations),
		"storage", cfg.Storage.Type)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics
	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(ctx, cfg.Server)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown

		if cfg.Server.OtelMetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
		}
		slog.Info("OpenTelemetry initialized",
			"endpoint", cfg.Server.MetricsAddr,
			"traces", cfg.Server.OtelTracesEnabled,
			"metrics", cfg.Server.OtelMetricsEnabled)
	}

	registry := driver.NewRegistry()
	if err := wiring.RegisterDrivers(registry, cfg.Drivers, logger); err != nil {
		slog.Error("Failed to register drivers", "error", err)
		os.Exit(1)
	}

	interceptor, err := security.New(cfg.Security)
	if err != nil {
		slog.Error("Failed to build payload interceptor", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus(cfg.Dispatch.EventBuffer, logger)

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("Failed to open dead letter storage", "error", err)
		os.Exit(1)
	}
	sink := deadletter.New(store, deadletter.Config{
		Topic:  cfg.Storage.DeadLetterTopic,
		Events: bus,
		Logger: logger,
	})

	opts := dispatch.Options{
		Registry:    registry,
		PoolSize:    cfg.Dispatch.Workers,
		TimerBuffer: cfg.Dispatch.TimerBuffer,
		Sink:        sink,
		Events:      bus,
		Interceptor: interceptor,
		Tracer:      otel.Tracer(),
		Logger:      logger,
	}
	if metrics != nil {
		opts.Observer = metrics
	}
	// A nil *KeyLimiter must not end up in the interface fields.
	limiter := ratelimit.FromConfig(cfg.RateLimit)
	if limiter != nil {
		opts.Limiter = limiter
		defer limiter.Stop()
	}

	engine, err := dispatch.NewEngine(opts)
	if err != nil {
		slog.Error("Failed to create dispatch engine", "error", err)
		os.Exit(1)
	}

	if metrics != nil {
		if err := metrics.Observe(engine); err != nil {
			slog.Error("Failed to register queue gauges", "error", err)
			os.Exit(1)
		}
	}

	sessions := session.NewManager(session.Config{
		Destinations: engine,
		Events:       bus,
		Logger:       logger,
	})
	sessions.Attach(bus)

	var notifier *webhook.GenericNotifier
	if cfg.Webhook.Enabled {
		notifier, err = webhook.NewNotifier(cfg.Webhook, cfg.Server.NodeID, webhook.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to initialize webhooks", "error", err)
			os.Exit(1)
		}
		notifier.Attach(bus)
		slog.Info("Webhook notifications enabled", "endpoints", len(cfg.Webhook.Endpoints))
	}

	if err := createDestinations(ctx, engine, sessions, cfg, logger); err != nil {
		slog.Error("Failed to create destinations", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 8)
	start := func(name, addr string, listen func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting server", "server", name, "address", addr)
			if err := listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	var healthServer *health.Server
	if cfg.Server.HealthEnabled {
		healthServer = health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			NodeID:          cfg.Server.NodeID,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, engine, logger)
		start("health", cfg.Server.HealthAddr, healthServer.Listen)
	}

	if cfg.Server.APIEnabled {
		apiOpts := []api.Option{api.WithDeadLetters(sink), api.WithSessions(sessions)}
		if limiter != nil {
			apiOpts = append(apiOpts, api.WithLimiter(limiter))
		}
		apiServer := api.New(api.Config{
			Address:         cfg.Server.APIAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			MaxConnections:  cfg.Server.APIMaxConnections,
			WaitTimeout:     cfg.Ingress.WaitTimeout,
		}, engine, logger, apiOpts...)
		start("api", cfg.Server.APIAddr, apiServer.Listen)
	}

	frames := ingress.NewLogging(ingress.New(engine, ingress.Config{
		WaitTimeout: cfg.Ingress.WaitTimeout,
		Logger:      logger,
	}), logger)
	if metrics != nil {
		frames, err = ingress.NewMetrics(frames, otel.Meter())
		if err != nil {
			slog.Error("Failed to create ingress metrics", "error", err)
			os.Exit(1)
		}
	}
	if l := cfg.Ingress.HTTP; l.Enabled {
		srv := http.New(http.Config{Address: l.Addr, ShutdownTimeout: cfg.Server.ShutdownTimeout}, frames, logger)
		start("http_ingress", l.Addr, srv.Listen)
	}
	if l := cfg.Ingress.WebSocket; l.Enabled {
		srv := websocket.New(websocket.Config{Address: l.Addr, ShutdownTimeout: cfg.Server.ShutdownTimeout}, frames, logger)
		start("websocket_ingress", l.Addr, srv.Listen)
	}
	if l := cfg.Ingress.CoAP; l.Enabled {
		srv := coap.New(coap.Config{Address: l.Addr, ShutdownTimeout: cfg.Server.ShutdownTimeout}, frames, logger)
		start("coap_ingress", l.Addr, srv.Listen)
	}

	if healthServer != nil {
		healthServer.SetReady(true)
	}
	slog.Info("Dispatch engine started", "drivers", registry.Types())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	if healthServer != nil {
		healthServer.SetReady(false)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Listeners first so no new entries arrive while queues drain.
	cancel()
	wg.Wait()

	sessions.Stop()
	if err := engine.Close(shutdownCtx); err != nil {
		slog.Error("Error during engine shutdown", "error", err)
	}
	if notifier != nil {
		if err := notifier.Close(); err != nil {
			slog.Error("Failed to close webhook notifier", "error", err)
		}
	}
	bus.Close()
	if metrics != nil {
		_ = metrics.Close()
	}
	if err := store.Close(); err != nil {
		slog.Error("Failed to close dead letter storage", "error", err)
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("Dispatch engine stopped")
}
