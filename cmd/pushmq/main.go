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
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/absmach/pushmq/ack"
	"github.com/absmach/pushmq/auth"
	"github.com/absmach/pushmq/config"
	"github.com/absmach/pushmq/dispatch"
	"github.com/absmach/pushmq/heartbeat"
	"github.com/absmach/pushmq/ingest"
	"github.com/absmach/pushmq/queue"
	"github.com/absmach/pushmq/ratelimit"
	"github.com/absmach/pushmq/registry"
	"github.com/absmach/pushmq/resilience"
	"github.com/absmach/pushmq/server/health"
	apihttp "github.com/absmach/pushmq/server/http"
	"github.com/absmach/pushmq/server/otel"
	"github.com/absmach/pushmq/server/sse"
	"github.com/absmach/pushmq/server/websocket"
	"github.com/absmach/pushmq/template"
)

const version = "1.0.0"

// shutdownReconnectAfter tells drained clients how long to wait before
// reconnecting, in seconds.
const shutdownReconnectAfter = 5

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	instanceID := uuid.NewString()
	slog.Info("Starting notification service",
		"version", version,
		"instance_id", instanceID,
		"http_addr", cfg.Server.HTTPAddr,
		"ws_addr", cfg.Server.WSAddr,
		"queue_backend", cfg.Queue.Backend,
		"log_level", cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry.
	var metrics *otel.Metrics
	if cfg.Otel.Enabled {
		shutdown, err := otel.InitProvider(otel.Config{
			ServiceName:     cfg.Otel.ServiceName,
			ServiceVersion:  cfg.Otel.ServiceVersion,
			Endpoint:        cfg.Otel.Endpoint,
			MetricsEnabled:  true,
			TracesEnabled:   cfg.Otel.TracesEnabled,
			TraceSampleRate: cfg.Otel.TraceSampleRate,
		}, instanceID)
		if err != nil {
			slog.Error("Failed to initialize telemetry", "error", err)
			os.Exit(1)
		}
		defer shutdown(context.Background())

		metrics, err = otel.NewMetrics()
		if err != nil {
			slog.Error("Failed to create metric instruments", "error", err)
			os.Exit(1)
		}
	}

	// Core state.
	reg := registry.New(registry.Limits{
		MaxConnections: cfg.Limits.MaxConnections,
		MaxPerUser:     cfg.Limits.MaxPerUser,
		MaxSubsPerConn: cfg.Limits.MaxSubsPerConn,
		OutboundBuffer: cfg.Limits.OutboundBuffer,
	}, logger)

	breakerCfg := resilience.BreakerConfig{
		FailureThreshold: int32(cfg.Breaker.FailureThreshold),
		SuccessThreshold: int32(cfg.Breaker.SuccessThreshold),
		ResetTimeout:     cfg.Breaker.ResetTimeout,
	}

	store, err := queue.NewBackend(ctx, cfg.Queue.Backend, queue.Config{
		Enabled:         cfg.Queue.Enabled,
		MaxPerUser:      cfg.Queue.MaxPerUser,
		MessageTTL:      cfg.Queue.TTL,
		CleanupInterval: cfg.Queue.CleanupInterval,
	}, queue.BackendOptions{
		RedisAddr:      cfg.Redis.Addr,
		RedisPassword:  cfg.Redis.Password,
		RedisDB:        cfg.Redis.DB,
		RedisKeyPrefix: cfg.Queue.RedisKeyPrefix,
		PostgresURL:    cfg.Postgres.URL,
		BadgerDir:      cfg.Badger.Dir,
		Breaker:        breakerCfg,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize offline queue", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	tracker, err := ack.NewBackend(ctx, cfg.Ack.Backend, ack.Config{
		Enabled:         cfg.Ack.Enabled,
		Timeout:         cfg.Ack.Timeout,
		CleanupInterval: cfg.Ack.CleanupInterval,
	}, ack.BackendOptions{
		RedisAddr:      cfg.Redis.Addr,
		RedisPassword:  cfg.Redis.Password,
		RedisDB:        cfg.Redis.DB,
		RedisKeyPrefix: cfg.Ack.RedisKeyPrefix,
		PostgresURL:    cfg.Postgres.URL,
		Breaker:        breakerCfg,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize ack tracker", "error", err)
		os.Exit(1)
	}
	defer tracker.Close()

	dispatcher := dispatch.New(dispatch.Config{
		AckTimeout: cfg.Ack.Timeout,
	}, reg, store, tracker, logger, metrics)

	templates := template.NewStore()
	authn := auth.New(cfg.Auth.JWTSecret, cfg.Tenant.DefaultTenant)
	limiter := ratelimit.New(cfg.Server.ConnRate, cfg.Server.ConnBurst)
	defer limiter.Stop()

	// Bus ingest.
	busClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer busClient.Close()

	ingester := ingest.New(ingest.Config{
		Patterns: cfg.Redis.Channels,
	}, busClient, dispatcher,
		resilience.NewBreaker(breakerCfg),
		resilience.NewBackoff(cfg.Backoff.InitialDelay, cfg.Backoff.MaxDelay),
		logger, metrics)

	maintenance := heartbeat.New(heartbeat.Config{
		Interval:             cfg.Heartbeat.Interval,
		CleanupInterval:      cfg.Heartbeat.CleanupInterval,
		IdleTimeout:          cfg.Heartbeat.IdleTimeout,
		QueueCleanupInterval: cfg.Queue.CleanupInterval,
		AckCleanupInterval:   cfg.Ack.CleanupInterval,
	}, reg, store, tracker, logger, metrics)

	// Transports.
	var sseHandler *sse.Handler
	if cfg.Server.SSEEnabled {
		sseHandler = sse.New(reg, store, authn, limiter, logger, metrics)
	}

	wsServer := websocket.New(websocket.Config{
		Address:         cfg.Server.WSAddr,
		Path:            cfg.Server.WSPath,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, reg, store, tracker, authn, limiter, logger, metrics)

	apiCfg := apihttp.Config{
		Address:         cfg.Server.HTTPAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		APIKey:          cfg.Server.APIKey,
		CORSOrigins:     cfg.Server.CORSOrigins,
		Version:         version,
	}
	deps := apihttp.Deps{
		Dispatcher: dispatcher,
		Registry:   reg,
		Queue:      store,
		Acks:       tracker,
		Templates:  templates,
		Ingest:     ingester,
		Heartbeat:  maintenance,
		Metrics:    metrics,
	}
	if sseHandler != nil {
		apiCfg.SSEPath = cfg.Server.SSEPath
		deps.SSE = sseHandler
	}
	apiServer := apihttp.New(apiCfg, deps, logger)

	var draining atomic.Bool
	healthServer := health.New(health.Config{
		Address:         cfg.Server.HealthAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Version:         version,
	}, reg, func() bool { return !draining.Load() }, logger)

	// Ingest stops ahead of the servers so no new events arrive while
	// connections drain.
	ingestCtx, stopIngest := context.WithCancel(ctx)
	defer stopIngest()

	var wg sync.WaitGroup
	serverErr := make(chan error, 8)

	run := func(name string, fn func(context.Context) error, runCtx context.Context) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(runCtx); err != nil {
				slog.Error("Component failed", "component", name, "error", err)
				serverErr <- err
			}
		}()
	}

	run("websocket", wsServer.Listen, ctx)
	run("api", apiServer.Listen, ctx)
	run("health", healthServer.Listen, ctx)
	run("heartbeat", maintenance.Run, ctx)
	run("ingest", ingester.Run, ingestCtx)

	slog.Info("Notification service started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	// Ordered drain: refuse new registrations, stop ingest, notify and
	// drop the live connections, then stop the listeners.
	draining.Store(true)
	reg.SetDraining()
	stopIngest()
	reg.DrainAll("server shutting down", shutdownReconnectAfter)
	cancel()

	wg.Wait()
	slog.Info("Notification service stopped")
}
