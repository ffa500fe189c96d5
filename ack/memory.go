// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ack

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/pushmq/core"
	"github.com/absmach/pushmq/internal/shard"
)

// ackShards spreads pending entries over independent locks so tracking
// and acknowledging for different notifications do not serialize on one
// mutex.
const ackShards = 16

type ackShard struct {
	mu      sync.Mutex
	pending map[string]PendingAck
}

// MemoryBackend keeps pending acknowledgements in process memory.
type MemoryBackend struct {
	cfg    Config
	shards [ackShards]ackShard

	tracked   atomic.Uint64
	acked     atomic.Uint64
	expired   atomic.Uint64
	latencyMS atomic.Uint64
}

// NewMemoryBackend creates an in-memory acknowledgement tracker.
func NewMemoryBackend(cfg Config) *MemoryBackend {
	b := &MemoryBackend{cfg: cfg.normalize()}
	for i := range b.shards {
		b.shards[i].pending = make(map[string]PendingAck)
	}
	return b
}

func (b *MemoryBackend) Enabled() bool { return b.cfg.Enabled }

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) shard(key string) *ackShard {
	return &b.shards[shard.Index(key, ackShards)]
}

func (b *MemoryBackend) Track(_ context.Context, p PendingAck) error {
	if !b.cfg.Enabled {
		return ErrDisabled
	}
	if p.ExpiresAt.IsZero() {
		p.ExpiresAt = time.Now().UTC().Add(b.cfg.Timeout)
	}

	key := pendingKey(p.TenantID, p.NotificationID)
	s := b.shard(key)

	s.mu.Lock()
	s.pending[key] = p
	s.mu.Unlock()

	b.tracked.Add(1)
	return nil
}

func (b *MemoryBackend) Acknowledge(_ context.Context, tenantID string, notificationID uuid.UUID, userID string) (Result, error) {
	if !b.cfg.Enabled {
		return Unknown, ErrDisabled
	}

	key := pendingKey(tenantID, notificationID)
	s := b.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[key]
	if !ok {
		return Unknown, nil
	}
	if p.UserID != userID {
		return UserMismatch, nil
	}

	delete(s.pending, key)
	if p.Expired(time.Now()) {
		b.expired.Add(1)
		return Expired, nil
	}
	if ms := time.Since(p.SentAt).Milliseconds(); ms > 0 {
		b.latencyMS.Add(uint64(ms))
	}
	b.acked.Add(1)
	return Acked, nil
}

func (b *MemoryBackend) CleanupExpired(_ context.Context) (int, error) {
	now := time.Now()
	removed := 0

	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		for key, p := range s.pending {
			if p.Expired(now) {
				delete(s.pending, key)
				removed++
			}
		}
		s.mu.Unlock()
	}

	b.expired.Add(uint64(removed))
	return removed, nil
}

func (b *MemoryBackend) Stats(_ context.Context) (Stats, error) {
	var pending int64
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		pending += int64(len(s.pending))
		s.mu.Unlock()
	}

	tracked := b.tracked.Load()
	acked := b.acked.Load()
	return Stats{
		Backend:       b.Name(),
		Pending:       pending,
		Tracked:       tracked,
		Acked:         acked,
		Expired:       b.expired.Load(),
		AckRate:       ackRate(tracked, acked),
		MeanLatencyMs: meanLatency(b.latencyMS.Load(), acked),
	}, nil
}

func (b *MemoryBackend) Close() error { return nil }

func pendingKey(tenantID string, id uuid.UUID) string {
	if tenantID == "" {
		tenantID = core.DefaultTenant
	}
	return tenantID + ":" + id.String()
}
