// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ack

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/absmach/pushmq/resilience"
)

// GuardedBackend wraps a remote backend in a storage circuit breaker so
// a Redis or Postgres outage fails tracking calls fast instead of
// holding dispatch hostage to storage timeouts.
type GuardedBackend struct {
	inner Backend
	guard *resilience.Guard
}

// Guarded wraps backend with its own breaker. In-memory backends are
// returned unchanged.
func Guarded(backend Backend, cfg resilience.BreakerConfig, logger *slog.Logger) Backend {
	if backend.Name() == "memory" {
		return backend
	}
	return &GuardedBackend{
		inner: backend,
		guard: resilience.NewGuard("ack:"+backend.Name(), cfg, logger),
	}
}

func (b *GuardedBackend) Enabled() bool { return b.inner.Enabled() }

func (b *GuardedBackend) Name() string { return b.inner.Name() }

func (b *GuardedBackend) Track(ctx context.Context, pending PendingAck) error {
	return b.guard.Do(func() error {
		return b.inner.Track(ctx, pending)
	})
}

func (b *GuardedBackend) Acknowledge(ctx context.Context, tenantID string, notificationID uuid.UUID, userID string) (Result, error) {
	var res Result
	err := b.guard.Do(func() error {
		var err error
		res, err = b.inner.Acknowledge(ctx, tenantID, notificationID, userID)
		return err
	})
	return res, err
}

func (b *GuardedBackend) CleanupExpired(ctx context.Context) (int, error) {
	var n int
	err := b.guard.Do(func() error {
		var err error
		n, err = b.inner.CleanupExpired(ctx)
		return err
	})
	return n, err
}

func (b *GuardedBackend) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := b.guard.Do(func() error {
		var err error
		stats, err = b.inner.Stats(ctx)
		return err
	})
	return stats, err
}

func (b *GuardedBackend) Close() error {
	return b.inner.Close()
}
