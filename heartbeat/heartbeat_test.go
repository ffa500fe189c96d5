// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package heartbeat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/pushmq/ack"
	"github.com/absmach/pushmq/core"
	"github.com/absmach/pushmq/queue"
	"github.com/absmach/pushmq/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	limits := registry.DefaultLimits()
	limits.OutboundBuffer = 4
	return registry.New(limits, nil)
}

func TestSendHeartbeatsReachesConnections(t *testing.T) {
	reg := testRegistry(t)
	c1, err := reg.Register("u1", "", nil)
	require.NoError(t, err)
	c2, err := reg.Register("u2", "", nil)
	require.NoError(t, err)

	task := New(DefaultConfig(), reg, nil, nil, nil, nil)
	task.sendHeartbeats()

	for _, conn := range []*registry.Connection{c1, c2} {
		select {
		case msg := <-conn.Outbound():
			data, err := msg.Encode()
			require.NoError(t, err)
			var frame map[string]any
			require.NoError(t, json.Unmarshal(data, &frame))
			assert.Equal(t, core.FrameHeartbeat, frame["type"])
		default:
			t.Fatalf("connection %s received no heartbeat", conn.ID)
		}
	}
	assert.Equal(t, uint64(2), task.Stats().HeartbeatsSent)
}

func TestSendHeartbeatsCountsFullChannels(t *testing.T) {
	reg := testRegistry(t)
	conn, err := reg.Register("u1", "", nil)
	require.NoError(t, err)

	// Fill the outbound buffer so the heartbeat is refused.
	for conn.TrySend(core.Raw(core.PongFrame())) {
	}

	task := New(DefaultConfig(), reg, nil, nil, nil, nil)
	task.sendHeartbeats()

	stats := task.Stats()
	assert.Zero(t, stats.HeartbeatsSent)
	assert.Equal(t, uint64(1), stats.HeartbeatMisses)
}

func TestReapStaleRemovesDegradedConnections(t *testing.T) {
	reg := testRegistry(t)
	conn, err := reg.Register("u1", "", nil)
	require.NoError(t, err)

	for conn.TrySend(core.Raw(core.PongFrame())) {
	}
	require.True(t, conn.Degraded())

	task := New(DefaultConfig(), reg, nil, nil, nil, nil)
	task.reapStale()

	assert.Equal(t, uint64(1), task.Stats().Reaped)
	assert.Empty(t, reg.UserConnections("", "u1"))
}

func TestSweepQueueRemovesExpiredMessages(t *testing.T) {
	store := queue.NewMemoryBackend(queue.Config{
		Enabled:    true,
		MaxPerUser: 10,
		MessageTTL: time.Millisecond,
	})
	evt := core.NewEvent("e", "test", nil)
	require.NoError(t, store.Enqueue(context.Background(), "", "u1", evt))

	time.Sleep(5 * time.Millisecond)

	task := New(DefaultConfig(), testRegistry(t), store, nil, nil, nil)
	task.sweepQueue(context.Background())

	assert.Equal(t, uint64(1), task.Stats().QueueExpired)
	n, err := store.Len(context.Background(), "", "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepAcksExpiresPendingEntries(t *testing.T) {
	tracker := ack.NewMemoryBackend(ack.Config{
		Enabled: true,
		Timeout: time.Millisecond,
	})
	evt := core.NewEvent("e", "test", nil)
	pending := ack.NewPending(evt.ID, evt.ID, "", "u1", time.Millisecond)
	require.NoError(t, tracker.Track(context.Background(), pending))

	time.Sleep(5 * time.Millisecond)

	task := New(DefaultConfig(), testRegistry(t), nil, tracker, nil, nil)
	task.sweepAcks(context.Background())

	assert.Equal(t, uint64(1), task.Stats().AcksExpired)
}

func TestRunStopsOnShutdown(t *testing.T) {
	task := New(Config{
		Interval:        10 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
	}, testRegistry(t), nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- task.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("task did not stop on shutdown")
	}
}

func TestRunDeliversPeriodicHeartbeats(t *testing.T) {
	reg := testRegistry(t)
	conn, err := reg.Register("u1", "", nil)
	require.NoError(t, err)

	task := New(Config{Interval: 5 * time.Millisecond}, reg, nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go task.Run(ctx)

	select {
	case msg := <-conn.Outbound():
		assert.False(t, msg.PreEncoded())
		assert.Equal(t, core.FrameHeartbeat, msg.Frame().Type)
	case <-time.After(time.Second):
		t.Fatal("no heartbeat within deadline")
	}
}
