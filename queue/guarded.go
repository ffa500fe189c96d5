// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"log/slog"

	"github.com/absmach/pushmq/core"
	"github.com/absmach/pushmq/resilience"
)

// GuardedBackend wraps a remote backend in a storage circuit breaker so
// a Redis or Postgres outage fails queue calls fast. The dispatcher
// already treats enqueue errors as delivery failures, so fast failure
// keeps dispatch latency flat while the storage is down.
type GuardedBackend struct {
	inner Backend
	guard *resilience.Guard
}

// Guarded wraps backend with its own breaker. In-memory backends are
// returned unchanged: there is no I/O to protect.
func Guarded(backend Backend, cfg resilience.BreakerConfig, logger *slog.Logger) Backend {
	if backend.Name() == "memory" {
		return backend
	}
	return &GuardedBackend{
		inner: backend,
		guard: resilience.NewGuard("queue:"+backend.Name(), cfg, logger),
	}
}

func (b *GuardedBackend) Enabled() bool { return b.inner.Enabled() }

func (b *GuardedBackend) Name() string { return b.inner.Name() }

func (b *GuardedBackend) Enqueue(ctx context.Context, tenantID, userID string, evt core.Event) error {
	return b.guard.Do(func() error {
		return b.inner.Enqueue(ctx, tenantID, userID, evt)
	})
}

func (b *GuardedBackend) Drain(ctx context.Context, tenantID, userID string) ([]StoredMessage, error) {
	var msgs []StoredMessage
	err := b.guard.Do(func() error {
		var err error
		msgs, err = b.inner.Drain(ctx, tenantID, userID)
		return err
	})
	return msgs, err
}

func (b *GuardedBackend) Len(ctx context.Context, tenantID, userID string) (int, error) {
	var n int
	err := b.guard.Do(func() error {
		var err error
		n, err = b.inner.Len(ctx, tenantID, userID)
		return err
	})
	return n, err
}

func (b *GuardedBackend) Clear(ctx context.Context, tenantID, userID string) (int, error) {
	var n int
	err := b.guard.Do(func() error {
		var err error
		n, err = b.inner.Clear(ctx, tenantID, userID)
		return err
	})
	return n, err
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
