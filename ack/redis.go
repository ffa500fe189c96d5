// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ack

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/absmach/pushmq/core"
)

// DefaultRedisKeyPrefix namespaces this service's keys in a shared Redis.
const DefaultRedisKeyPrefix = "pushmq:ack"

// RedisBackend stores pending acknowledgements as self-expiring keys:
// {prefix}:{tenant}:pending:{id} holds the entry, a shared sorted set
// scored by expiry drives cleanup, and a stats hash keeps the counters
// consistent across instances.
type RedisBackend struct {
	cfg    Config
	client *redis.Client
	prefix string
}

// NewRedisBackend creates a Redis-backed acknowledgement tracker. The
// backend owns the client and closes it on Close.
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

func (b *RedisBackend) Track(ctx context.Context, p PendingAck) error {
	if !b.cfg.Enabled {
		return ErrDisabled
	}
	if p.TenantID == "" {
		p.TenantID = core.DefaultTenant
	}
	if p.ExpiresAt.IsZero() {
		p.ExpiresAt = time.Now().UTC().Add(b.cfg.Timeout)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending ack: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.pendingKey(p.TenantID, p.NotificationID), data, time.Until(p.ExpiresAt))
	pipe.ZAdd(ctx, b.timeoutKey(), redis.Z{
		Score:  float64(p.ExpiresAt.Unix()),
		Member: p.TenantID + ":" + p.NotificationID.String(),
	})
	pipe.HIncrBy(ctx, b.statsKey(), "tracked", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis track: %w", err)
	}
	return nil
}

func (b *RedisBackend) Acknowledge(ctx context.Context, tenantID string, notificationID uuid.UUID, userID string) (Result, error) {
	if !b.cfg.Enabled {
		return Unknown, ErrDisabled
	}
	if tenantID == "" {
		tenantID = core.DefaultTenant
	}

	key := b.pendingKey(tenantID, notificationID)
	raw, err := b.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return Unknown, nil
	}
	if err != nil {
		return Unknown, fmt.Errorf("redis acknowledge: %w", err)
	}

	var p PendingAck
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Unknown, fmt.Errorf("unmarshal pending ack: %w", err)
	}
	if p.UserID != userID {
		return UserMismatch, nil
	}

	result, counter := Acked, "acked"
	if p.Expired(time.Now()) {
		// Key TTL should have removed it already; treat a straggler as
		// expired rather than a successful ack.
		result, counter = Expired, "expired"
	}

	pipe := b.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.ZRem(ctx, b.timeoutKey(), tenantID+":"+notificationID.String())
	pipe.HIncrBy(ctx, b.statsKey(), counter, 1)
	if result == Acked {
		if ms := time.Since(p.SentAt).Milliseconds(); ms > 0 {
			pipe.HIncrBy(ctx, b.statsKey(), "latency_ms", ms)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Unknown, fmt.Errorf("redis acknowledge: %w", err)
	}
	return result, nil
}

func (b *RedisBackend) CleanupExpired(ctx context.Context) (int, error) {
	now := time.Now().Unix()

	members, err := b.client.ZRangeByScore(ctx, b.timeoutKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis cleanup: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := b.client.TxPipeline()
	for _, member := range members {
		// member is {tenant}:{id}
		if i := strings.LastIndexByte(member, ':'); i > 0 {
			pipe.Del(ctx, b.prefix+":"+member[:i]+":pending:"+member[i+1:])
		}
		pipe.ZRem(ctx, b.timeoutKey(), member)
	}
	pipe.HIncrBy(ctx, b.statsKey(), "expired", int64(len(members)))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis cleanup: %w", err)
	}
	return len(members), nil
}

func (b *RedisBackend) Stats(ctx context.Context) (Stats, error) {
	now := time.Now().Unix()

	pipe := b.client.TxPipeline()
	pendingCmd := pipe.ZCount(ctx, b.timeoutKey(), strconv.FormatInt(now, 10), "+inf")
	countersCmd := pipe.HGetAll(ctx, b.statsKey())
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Stats{}, fmt.Errorf("redis stats: %w", err)
	}

	counters := countersCmd.Val()
	tracked := parseCounter(counters["tracked"])
	acked := parseCounter(counters["acked"])
	return Stats{
		Backend:       b.Name(),
		Pending:       pendingCmd.Val(),
		Tracked:       tracked,
		Acked:         acked,
		Expired:       parseCounter(counters["expired"]),
		AckRate:       ackRate(tracked, acked),
		MeanLatencyMs: meanLatency(parseCounter(counters["latency_ms"]), acked),
	}, nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func (b *RedisBackend) pendingKey(tenantID string, id uuid.UUID) string {
	return b.prefix + ":" + tenantID + ":pending:" + id.String()
}

func (b *RedisBackend) timeoutKey() string {
	return b.prefix + ":timeouts"
}

func (b *RedisBackend) statsKey() string {
	return b.prefix + ":stats"
}

func parseCounter(s string) uint64 {
	n, _ := strconv.ParseUint(s, 10, 64)
	return n
}
