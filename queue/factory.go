// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/absmach/pushmq/resilience"
)

// BackendOptions carries the connection settings for the persistent
// backends. Only the fields of the selected backend are read.
type BackendOptions struct {
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	PostgresURL string

	BadgerDir string

	// Breaker tunes the storage guard wrapped around remote backends.
	Breaker resilience.BreakerConfig
}

// NewBackend builds the named queue backend. Persistent backends that
// cannot be reached degrade to the in-memory backend with a warning, so
// the service keeps dispatching with reduced durability instead of
// refusing to start.
func NewBackend(ctx context.Context, backend string, cfg Config, opts BackendOptions, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch backend {
	case "", "memory":
		return NewMemoryBackend(cfg), nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			logger.Warn("redis queue backend unavailable, falling back to memory",
				slog.String("addr", opts.RedisAddr),
				slog.String("error", err.Error()))
			return NewMemoryBackend(cfg), nil
		}
		logger.Info("queue backend ready",
			slog.String("backend", "redis"),
			slog.String("addr", opts.RedisAddr))
		return Guarded(NewRedisBackend(cfg, client, opts.RedisKeyPrefix), opts.Breaker, logger), nil

	case "postgres":
		pool, err := pgxpool.New(ctx, opts.PostgresURL)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = pool.Ping(pingCtx)
			cancel()
		}
		if err != nil {
			if pool != nil {
				pool.Close()
			}
			logger.Warn("postgres queue backend unavailable, falling back to memory",
				slog.String("error", err.Error()))
			return NewMemoryBackend(cfg), nil
		}
		b, err := NewPostgresBackend(ctx, cfg, pool)
		if err != nil {
			pool.Close()
			logger.Warn("postgres queue backend unavailable, falling back to memory",
				slog.String("error", err.Error()))
			return NewMemoryBackend(cfg), nil
		}
		logger.Info("queue backend ready", slog.String("backend", "postgres"))
		return Guarded(b, opts.Breaker, logger), nil

	case "badger":
		b, err := NewBadgerBackend(cfg, opts.BadgerDir)
		if err != nil {
			logger.Warn("badger queue backend unavailable, falling back to memory",
				slog.String("dir", opts.BadgerDir),
				slog.String("error", err.Error()))
			return NewMemoryBackend(cfg), nil
		}
		logger.Info("queue backend ready",
			slog.String("backend", "badger"),
			slog.String("dir", opts.BadgerDir))
		return b, nil

	default:
		return nil, fmt.Errorf("unknown queue backend %q", backend)
	}
}
