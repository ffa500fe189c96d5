// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package heartbeat runs the periodic maintenance task: liveness frames
// to every connection, stale-connection reaping, and expiry sweeps over
// the offline queue and the ack tracker.
package heartbeat

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/pushmq/ack"
	"github.com/absmach/pushmq/core"
	"github.com/absmach/pushmq/queue"
	"github.com/absmach/pushmq/registry"
	"github.com/absmach/pushmq/server/otel"
)

// Defaults applied when a Config field is zero.
const (
	DefaultInterval        = 30 * time.Second
	DefaultCleanupInterval = 60 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
)

// Config controls the maintenance cadence.
type Config struct {
	// Interval between heartbeat frames.
	Interval time.Duration

	// CleanupInterval between stale-connection sweeps.
	CleanupInterval time.Duration

	// IdleTimeout after which a silent connection is reaped.
	IdleTimeout time.Duration

	// QueueCleanupInterval between offline-queue expiry sweeps.
	QueueCleanupInterval time.Duration

	// AckCleanupInterval between ack-tracker expiry sweeps.
	AckCleanupInterval time.Duration
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		Interval:             DefaultInterval,
		CleanupInterval:      DefaultCleanupInterval,
		IdleTimeout:          DefaultIdleTimeout,
		QueueCleanupInterval: queue.DefaultCleanupInterval,
		AckCleanupInterval:   ack.DefaultCleanupInterval,
	}
}

func (c Config) normalize() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.QueueCleanupInterval <= 0 {
		c.QueueCleanupInterval = queue.DefaultCleanupInterval
	}
	if c.AckCleanupInterval <= 0 {
		c.AckCleanupInterval = ack.DefaultCleanupInterval
	}
	return c
}

// Stats is a point-in-time view of maintenance activity.
type Stats struct {
	HeartbeatsSent  uint64 `json:"heartbeats_sent"`
	HeartbeatMisses uint64 `json:"heartbeat_misses"`
	Reaped          uint64 `json:"connections_reaped"`
	QueueExpired    uint64 `json:"queue_messages_expired"`
	AcksExpired     uint64 `json:"acks_expired"`
}

// Task is the single long-lived maintenance goroutine.
type Task struct {
	cfg      Config
	registry *registry.Registry
	queue    queue.Backend
	acks     ack.Backend
	logger   *slog.Logger
	metrics  *otel.Metrics

	sent         atomic.Uint64
	misses       atomic.Uint64
	reaped       atomic.Uint64
	queueExpired atomic.Uint64
	acksExpired  atomic.Uint64
}

// New creates the maintenance task. Queue and ack backends may be nil.
func New(cfg Config, reg *registry.Registry, store queue.Backend, acks ack.Backend, logger *slog.Logger, metrics *otel.Metrics) *Task {
	if logger == nil {
		logger = slog.Default()
	}
	return &Task{
		cfg:      cfg.normalize(),
		registry: reg,
		queue:    store,
		acks:     acks,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run drives the tickers until ctx is cancelled, then returns without
// draining further work.
func (t *Task) Run(ctx context.Context) error {
	heartbeat := time.NewTicker(t.cfg.Interval)
	defer heartbeat.Stop()
	cleanup := time.NewTicker(t.cfg.CleanupInterval)
	defer cleanup.Stop()
	queueSweep := time.NewTicker(t.cfg.QueueCleanupInterval)
	defer queueSweep.Stop()
	ackSweep := time.NewTicker(t.cfg.AckCleanupInterval)
	defer ackSweep.Stop()

	t.logger.Info("heartbeat task starting",
		slog.Duration("interval", t.cfg.Interval),
		slog.Duration("cleanup_interval", t.cfg.CleanupInterval),
		slog.Duration("idle_timeout", t.cfg.IdleTimeout))

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("heartbeat task stopped")
			return nil
		case <-heartbeat.C:
			t.sendHeartbeats()
		case <-cleanup.C:
			t.reapStale()
		case <-queueSweep.C:
			t.sweepQueue(ctx)
		case <-ackSweep.C:
			t.sweepAcks(ctx)
		}
	}
}

// sendHeartbeats enqueues one heartbeat frame per connection. TrySend
// never blocks, so a round over thousands of connections stays well
// inside the tick; a full outbound channel counts as a miss and marks
// the connection for the next cleanup pass.
func (t *Task) sendHeartbeats() {
	frame := core.Raw(core.HeartbeatFrame())

	start := time.Now()
	var sent, missed uint64
	for _, conn := range t.registry.AllConnections() {
		if conn.TrySend(frame) {
			sent++
		} else {
			missed++
		}
	}
	t.sent.Add(sent)
	t.misses.Add(missed)

	elapsed := time.Since(start)
	if elapsed > t.cfg.Interval/2 {
		t.logger.Warn("heartbeat round is slow",
			slog.Duration("elapsed", elapsed),
			slog.Duration("interval", t.cfg.Interval))
	}
	if sent > 0 || missed > 0 {
		t.logger.Debug("heartbeat round complete",
			slog.Uint64("sent", sent),
			slog.Uint64("missed", missed),
			slog.Duration("elapsed", elapsed))
	}
}

// reapStale unregisters connections idle past the timeout, along with
// those whose outbound channel stayed refused since the last pass.
func (t *Task) reapStale() {
	removed := t.registry.CleanupStale(t.cfg.IdleTimeout)
	if len(removed) == 0 {
		return
	}
	t.reaped.Add(uint64(len(removed)))
	if t.metrics != nil {
		for range removed {
			t.metrics.RecordDisconnection("", "stale")
		}
	}
}

// sweepQueue drops queued messages whose retention window elapsed.
func (t *Task) sweepQueue(ctx context.Context) {
	if t.queue == nil || !t.queue.Enabled() {
		return
	}
	n, err := t.queue.CleanupExpired(ctx)
	if err != nil {
		t.logger.Warn("offline queue cleanup failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		t.queueExpired.Add(uint64(n))
		t.logger.Debug("expired queued messages removed", slog.Int("count", n))
	}
}

// sweepAcks expires pending acknowledgements past their window.
func (t *Task) sweepAcks(ctx context.Context) {
	if t.acks == nil || !t.acks.Enabled() {
		return
	}
	n, err := t.acks.CleanupExpired(ctx)
	if err != nil {
		t.logger.Warn("ack cleanup failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		t.acksExpired.Add(uint64(n))
		if t.metrics != nil {
			for i := 0; i < n; i++ {
				t.metrics.RecordAckResolved("expired")
			}
		}
		t.logger.Debug("expired pending acks removed", slog.Int("count", n))
	}
}

// Stats returns a snapshot of maintenance activity.
func (t *Task) Stats() Stats {
	return Stats{
		HeartbeatsSent:  t.sent.Load(),
		HeartbeatMisses: t.misses.Load(),
		Reaped:          t.reaped.Load(),
		QueueExpired:    t.queueExpired.Load(),
		AcksExpired:     t.acksExpired.Load(),
	}
}
