// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/absmach/pushmq/core"
)

// DefaultRedisKeyPrefix namespaces this service's keys in a shared Redis.
const DefaultRedisKeyPrefix = "pushmq:queue"

// RedisBackend stores per-user queues as Redis streams, one stream per
// user keyed {prefix}:{tenant}:{user}. XADD with an exact MAXLEN gives
// the drop-oldest bound; the stream key expires with the retention
// window so abandoned queues clean themselves up.
type RedisBackend struct {
	cfg    Config
	client *redis.Client
	prefix string

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	drained  atomic.Uint64
	expired  atomic.Uint64
}

// NewRedisBackend creates a Redis-backed queue. The backend owns the
// client and closes it on Close.
func NewRedisBackend(cfg Config, client *redis.Client, keyPrefix string) *RedisBackend {
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	return &RedisBackend{
		cfg:    cfg.normalize(),
		client: client,
		prefix: keyPrefix,
	}
}

func (b *RedisBackend) Enabled() bool { return b.cfg.Enabled }

func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) Enqueue(ctx context.Context, tenantID, userID string, evt core.Event) error {
	if !b.cfg.Enabled {
		return ErrDisabled
	}

	now := time.Now().UTC()
	msg := StoredMessage{
		Event:     evt,
		QueuedAt:  now,
		ExpiresAt: retention(evt, b.cfg.MessageTTL, now),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queued message: %w", err)
	}

	key := b.key(tenantID, userID)

	pipe := b.client.TxPipeline()
	lenCmd := pipe.XLen(ctx, key)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: int64(b.cfg.MaxPerUser),
		Values: map[string]interface{}{"data": data},
	})
	pipe.Expire(ctx, key, b.cfg.MessageTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis enqueue: %w", err)
	}

	if lenCmd.Val() >= int64(b.cfg.MaxPerUser) {
		b.dropped.Add(1)
	}
	b.enqueued.Add(1)
	return nil
}

func (b *RedisBackend) Drain(ctx context.Context, tenantID, userID string) ([]StoredMessage, error) {
	if !b.cfg.Enabled {
		return nil, ErrDisabled
	}

	key := b.key(tenantID, userID)

	pipe := b.client.TxPipeline()
	rangeCmd := pipe.XRange(ctx, key, "-", "+")
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis drain: %w", err)
	}

	entries := rangeCmd.Val()
	if len(entries) == 0 {
		return nil, nil
	}

	now := time.Now()
	msgs := make([]StoredMessage, 0, len(entries))
	for _, entry := range entries {
		raw, ok := entry.Values["data"].(string)
		if !ok {
			continue
		}
		var msg StoredMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		if msg.Expired(now) {
			b.expired.Add(1)
			continue
		}
		msgs = append(msgs, msg)
	}
	b.drained.Add(uint64(len(msgs)))
	return msgs, nil
}

func (b *RedisBackend) Len(ctx context.Context, tenantID, userID string) (int, error) {
	n, err := b.client.XLen(ctx, b.key(tenantID, userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis len: %w", err)
	}
	return int(n), nil
}

func (b *RedisBackend) Clear(ctx context.Context, tenantID, userID string) (int, error) {
	key := b.key(tenantID, userID)

	pipe := b.client.TxPipeline()
	lenCmd := pipe.XLen(ctx, key)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis clear: %w", err)
	}
	return int(lenCmd.Val()), nil
}

// CleanupExpired walks this service's stream keys and deletes entries
// whose per-message retention elapsed before the stream key's own TTL.
func (b *RedisBackend) CleanupExpired(ctx context.Context) (int, error) {
	removed := 0
	now := time.Now()

	iter := b.client.Scan(ctx, 0, b.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		entries, err := b.client.XRange(ctx, key, "-", "+").Result()
		if err != nil {
			continue
		}
		var stale []string
		for _, entry := range entries {
			raw, ok := entry.Values["data"].(string)
			if !ok {
				stale = append(stale, entry.ID)
				continue
			}
			var msg StoredMessage
			if err := json.Unmarshal([]byte(raw), &msg); err != nil || msg.Expired(now) {
				stale = append(stale, entry.ID)
			}
		}
		if len(stale) == 0 {
			continue
		}
		if err := b.client.XDel(ctx, key, stale...).Err(); err != nil {
			continue
		}
		removed += len(stale)
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("redis cleanup scan: %w", err)
	}

	b.expired.Add(uint64(removed))
	return removed, nil
}

func (b *RedisBackend) Stats(ctx context.Context) (Stats, error) {
	users := 0
	var messages int64

	iter := b.client.Scan(ctx, 0, b.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		users++
		if n, err := b.client.XLen(ctx, iter.Val()).Result(); err == nil {
			messages += n
		}
	}
	if err := iter.Err(); err != nil {
		return Stats{}, fmt.Errorf("redis stats scan: %w", err)
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

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func (b *RedisBackend) key(tenantID, userID string) string {
	if tenantID == "" {
		tenantID = core.DefaultTenant
	}
	return b.prefix + ":" + tenantID + ":" + userID
}
