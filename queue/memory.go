// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/pushmq/core"
	"github.com/absmach/pushmq/internal/shard"
)

// queueShards spreads per-user queues over independent locks so
// concurrent enqueue/drain traffic for different users does not
// serialize on one mutex.
const queueShards = 16

type queueShard struct {
	mu     sync.Mutex
	queues map[string][]StoredMessage
}

// MemoryBackend keeps per-user queues in process memory. Contents are
// lost on restart, which is acceptable for short-lived notification
// retention.
type MemoryBackend struct {
	cfg    Config
	shards [queueShards]queueShard

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	drained  atomic.Uint64
	expired  atomic.Uint64
}

// NewMemoryBackend creates an in-memory queue backend.
func NewMemoryBackend(cfg Config) *MemoryBackend {
	b := &MemoryBackend{cfg: cfg.normalize()}
	for i := range b.shards {
		b.shards[i].queues = make(map[string][]StoredMessage)
	}
	return b
}

func (b *MemoryBackend) Enabled() bool { return b.cfg.Enabled }

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) shard(key string) *queueShard {
	return &b.shards[shard.Index(key, queueShards)]
}

func (b *MemoryBackend) Enqueue(_ context.Context, tenantID, userID string, evt core.Event) error {
	if !b.cfg.Enabled {
		return ErrDisabled
	}

	now := time.Now().UTC()
	msg := StoredMessage{
		Event:     evt,
		QueuedAt:  now,
		ExpiresAt: retention(evt, b.cfg.MessageTTL, now),
	}

	key := queueKey(tenantID, userID)
	s := b.shard(key)

	s.mu.Lock()
	q := s.queues[key]
	if len(q) >= b.cfg.MaxPerUser {
		// Drop the oldest to admit the newest.
		drop := len(q) - b.cfg.MaxPerUser + 1
		q = q[drop:]
		b.dropped.Add(uint64(drop))
	}
	s.queues[key] = append(q, msg)
	s.mu.Unlock()

	b.enqueued.Add(1)
	return nil
}

func (b *MemoryBackend) Drain(_ context.Context, tenantID, userID string) ([]StoredMessage, error) {
	if !b.cfg.Enabled {
		return nil, ErrDisabled
	}

	key := queueKey(tenantID, userID)
	s := b.shard(key)

	s.mu.Lock()
	q, ok := s.queues[key]
	if ok {
		delete(s.queues, key)
	}
	s.mu.Unlock()

	if len(q) == 0 {
		return nil, nil
	}

	now := time.Now()
	live := q[:0]
	for _, msg := range q {
		if msg.Expired(now) {
			b.expired.Add(1)
			continue
		}
		live = append(live, msg)
	}
	b.drained.Add(uint64(len(live)))
	return live, nil
}

func (b *MemoryBackend) Len(_ context.Context, tenantID, userID string) (int, error) {
	key := queueKey(tenantID, userID)
	s := b.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[key]), nil
}

func (b *MemoryBackend) Clear(_ context.Context, tenantID, userID string) (int, error) {
	key := queueKey(tenantID, userID)
	s := b.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queues[key])
	delete(s.queues, key)
	return n, nil
}

func (b *MemoryBackend) CleanupExpired(_ context.Context) (int, error) {
	now := time.Now()
	removed := 0

	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		for key, q := range s.queues {
			live := q[:0]
			for _, msg := range q {
				if msg.Expired(now) {
					removed++
					continue
				}
				live = append(live, msg)
			}
			if len(live) == 0 {
				delete(s.queues, key)
				continue
			}
			s.queues[key] = live
		}
		s.mu.Unlock()
	}

	b.expired.Add(uint64(removed))
	return removed, nil
}

func (b *MemoryBackend) Stats(_ context.Context) (Stats, error) {
	var users int
	var messages int64
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		users += len(s.queues)
		for _, q := range s.queues {
			messages += int64(len(q))
		}
		s.mu.Unlock()
	}

	return Stats{
		Backend:  b.Name(),
		Users:    users,
		Messages: messages,
		Enqueued: b.enqueued.Load(),
		Dropped:  b.dropped.Load(),
		Drained:  b.drained.Load(),
		Expired:  b.expired.Load(),
	}, nil
}

func (b *MemoryBackend) Close() error { return nil }

func queueKey(tenantID, userID string) string {
	if tenantID == "" {
		tenantID = core.DefaultTenant
	}
	return tenantID + ":" + userID
}
