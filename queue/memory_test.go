// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/pushmq/core"
)

func testEvent(n int) core.Event {
	return core.NewEvent("order.created", "test",
		json.RawMessage(fmt.Sprintf(`{"n":%d}`, n)))
}

func TestMemoryEnqueueDrainFIFO(t *testing.T) {
	b := NewMemoryBackend(DefaultConfig())
	ctx := context.Background()

	events := make([]core.Event, 3)
	for i := range events {
		events[i] = testEvent(i)
		require.NoError(t, b.Enqueue(ctx, "", "u1", events[i]))
	}

	msgs, err := b.Drain(ctx, "", "u1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, msg := range msgs {
		assert.Equal(t, events[i].ID, msg.Event.ID, "FIFO order preserved")
	}

	// Drain empties the queue.
	msgs, err = b.Drain(ctx, "", "u1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMemoryDropOldestWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerUser = 3
	b := NewMemoryBackend(cfg)
	ctx := context.Background()

	events := make([]core.Event, 5)
	for i := range events {
		events[i] = testEvent(i)
		require.NoError(t, b.Enqueue(ctx, "", "u1", events[i]))
	}

	msgs, err := b.Drain(ctx, "", "u1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	// The two oldest were dropped; the newest three remain in order.
	for i, msg := range msgs {
		assert.Equal(t, events[i+2].ID, msg.Event.ID)
	}

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.Dropped)
}

func TestMemoryRetentionFollowsEventTTL(t *testing.T) {
	b := NewMemoryBackend(DefaultConfig())
	ctx := context.Background()

	evt := testEvent(1)
	evt.Metadata.TTL = 7200

	require.NoError(t, b.Enqueue(ctx, "", "u1", evt))
	msgs, err := b.Drain(ctx, "", "u1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	window := msgs[0].ExpiresAt.Sub(msgs[0].QueuedAt)
	assert.InDelta(t, (7200 * time.Second).Seconds(), window.Seconds(), 1)
}

func TestMemoryDrainSkipsExpired(t *testing.T) {
	b := NewMemoryBackend(DefaultConfig())
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "", "u1", testEvent(1)))
	require.NoError(t, b.Enqueue(ctx, "", "u1", testEvent(2)))

	// Force the first message's window into the past.
	key := queueKey("", "u1")
	s := b.shard(key)
	s.mu.Lock()
	s.queues[key][0].ExpiresAt = time.Now().Add(-time.Minute)
	s.mu.Unlock()

	msgs, err := b.Drain(ctx, "", "u1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Expired)
}

func TestMemoryCleanupExpired(t *testing.T) {
	b := NewMemoryBackend(DefaultConfig())
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "", "u1", testEvent(1)))
	require.NoError(t, b.Enqueue(ctx, "", "u2", testEvent(2)))

	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		for key := range s.queues {
			for j := range s.queues[key] {
				s.queues[key][j].ExpiresAt = time.Now().Add(-time.Minute)
			}
		}
		s.mu.Unlock()
	}

	removed, err := b.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Messages)
	assert.Zero(t, stats.Users, "empty per-user queues are deleted")
}

func TestMemoryClear(t *testing.T) {
	b := NewMemoryBackend(DefaultConfig())
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "", "u1", testEvent(1)))
	require.NoError(t, b.Enqueue(ctx, "", "u1", testEvent(2)))

	n, err := b.Clear(ctx, "", "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	length, err := b.Len(ctx, "", "u1")
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestMemoryDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	b := NewMemoryBackend(cfg)
	ctx := context.Background()

	assert.False(t, b.Enabled())
	assert.ErrorIs(t, b.Enqueue(ctx, "", "u1", testEvent(1)), ErrDisabled)
	_, err := b.Drain(ctx, "", "u1")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestMemoryTenantIsolation(t *testing.T) {
	b := NewMemoryBackend(DefaultConfig())
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "acme", "u1", testEvent(1)))
	require.NoError(t, b.Enqueue(ctx, "globex", "u1", testEvent(2)))

	msgs, err := b.Drain(ctx, "acme", "u1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	n, err := b.Len(ctx, "globex", "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryConcurrentUsers(t *testing.T) {
	b := NewMemoryBackend(Config{Enabled: true, MaxPerUser: 100, MessageTTL: time.Hour})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i)
			for j := 0; j < 20; j++ {
				evt := core.NewEvent("order.created", "test", nil)
				require.NoError(t, b.Enqueue(ctx, "", user, evt))
			}
			msgs, err := b.Drain(ctx, "", user)
			require.NoError(t, err)
			assert.Len(t, msgs, 20)
		}(i)
	}
	wg.Wait()

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Messages)
	assert.Equal(t, uint64(32*20), stats.Enqueued)
	assert.Equal(t, uint64(32*20), stats.Drained)
}

func TestFactoryUnknownBackend(t *testing.T) {
	_, err := NewBackend(context.Background(), "etcd", DefaultConfig(), BackendOptions{}, nil)
	assert.Error(t, err)
}

func TestFactoryDefaultsToMemory(t *testing.T) {
	b, err := NewBackend(context.Background(), "", DefaultConfig(), BackendOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "memory", b.Name())
}

func TestFactoryFallsBackWhenRedisUnreachable(t *testing.T) {
	b, err := NewBackend(context.Background(), "redis", DefaultConfig(),
		BackendOptions{RedisAddr: "127.0.0.1:1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "memory", b.Name(), "unreachable backend degrades to memory")
}
