// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ingest consumes notification envelopes from the Redis event
// bus and hands them to the dispatcher. Bus outages are absorbed by a
// circuit breaker and jittered backoff; malformed messages are logged
// and skipped so one bad publisher cannot stall the loop.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/absmach/pushmq/core"
	"github.com/absmach/pushmq/dispatch"
	"github.com/absmach/pushmq/resilience"
	"github.com/absmach/pushmq/server/otel"
)

// DefaultConnectTimeout bounds the subscription handshake.
const DefaultConnectTimeout = 5 * time.Second

// Sink receives parsed envelopes. Satisfied by *dispatch.Dispatcher.
type Sink interface {
	Dispatch(ctx context.Context, tenantID string, target core.Target, evt core.Event) (dispatch.DeliveryResult, error)
}

// Config controls the ingest loop.
type Config struct {
	// Patterns are the bus subscription patterns, e.g.
	// notification:user:*. Glob characters make the subscription a
	// pattern subscription.
	Patterns []string

	// TenantID scopes dispatched events; empty means the default tenant.
	TenantID string

	ConnectTimeout time.Duration
}

// Stats is a point-in-time view of ingest activity.
type Stats struct {
	Received   uint64                     `json:"received"`
	Dispatched uint64                     `json:"dispatched"`
	Skipped    uint64                     `json:"skipped"`
	Reconnects uint64                     `json:"reconnects"`
	Breaker    resilience.BreakerSnapshot `json:"circuit_breaker"`
}

// Ingest is the bus subscriber. One Run loop owns the subscription.
type Ingest struct {
	cfg     Config
	client  redis.UniversalClient
	sink    Sink
	breaker *resilience.Breaker
	backoff *resilience.Backoff
	logger  *slog.Logger
	metrics *otel.Metrics

	received   atomic.Uint64
	dispatched atomic.Uint64
	skipped    atomic.Uint64
	reconnects atomic.Uint64
}

// New creates an ingest loop over an existing Redis client. The caller
// keeps ownership of the client.
func New(cfg Config, client redis.UniversalClient, sink Sink, breaker *resilience.Breaker, backoff *resilience.Backoff, logger *slog.Logger, metrics *otel.Metrics) *Ingest {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = []string{
			"notification:user:*",
			"notification:broadcast",
			"notification:channel:*",
		}
	}
	if breaker == nil {
		breaker = resilience.NewBreaker(resilience.DefaultBreakerConfig())
	}
	if backoff == nil {
		backoff = resilience.NewBackoff(resilience.DefaultInitialDelay, resilience.DefaultMaxDelay)
	}
	return &Ingest{
		cfg:     cfg,
		client:  client,
		sink:    sink,
		breaker: breaker,
		backoff: backoff,
		logger:  logger,
		metrics: metrics,
	}
}

// Run subscribes and consumes until ctx is cancelled. Bus errors feed
// the breaker and restart the subscribe cycle after backoff; Run only
// returns on shutdown.
func (i *Ingest) Run(ctx context.Context) error {
	i.logger.Info("ingest loop starting",
		slog.Any("patterns", i.cfg.Patterns))

	for {
		if err := ctx.Err(); err != nil {
			i.logger.Info("ingest loop stopped")
			return nil
		}

		if !i.breaker.Allow() {
			if !sleep(ctx, i.backoff.Next()) {
				return nil
			}
			continue
		}

		err := i.consume(ctx)
		if err == nil {
			// Clean shutdown observed inside consume.
			i.logger.Info("ingest loop stopped")
			return nil
		}

		i.breaker.RecordFailure()
		i.reconnects.Add(1)
		delay := i.backoff.Next()
		i.logger.Warn("bus subscription failed, retrying",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", delay),
			slog.String("breaker", i.breaker.State().String()))
		if i.metrics != nil {
			i.metrics.RecordError("ingest_subscribe")
		}
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

// consume opens one subscription and processes messages until the bus
// fails or ctx is cancelled. A nil return means shutdown.
func (i *Ingest) consume(ctx context.Context) error {
	pubsub := i.client.PSubscribe(ctx, i.cfg.Patterns...)
	defer pubsub.Close()

	connectCtx, cancel := context.WithTimeout(ctx, i.cfg.ConnectTimeout)
	_, err := pubsub.Receive(connectCtx)
	cancel()
	if err != nil {
		return err
	}

	i.breaker.RecordSuccess()
	i.backoff.Reset()
	i.logger.Info("bus subscription established",
		slog.Any("patterns", i.cfg.Patterns))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("bus subscription channel closed")
			}
			i.handle(ctx, msg)
		}
	}
}

// handle parses one bus message and dispatches it. Failures are logged
// and skipped; they never terminate the loop.
func (i *Ingest) handle(ctx context.Context, msg *redis.Message) {
	i.received.Add(1)

	target, evt, err := ParseEnvelope([]byte(msg.Payload), "redis:"+msg.Channel)
	if err != nil {
		i.skipped.Add(1)
		i.logger.Warn("skipping unparseable bus message",
			slog.String("channel", msg.Channel),
			slog.String("error", err.Error()))
		if i.metrics != nil {
			i.metrics.RecordError("ingest_parse")
		}
		return
	}

	res, err := i.sink.Dispatch(ctx, i.cfg.TenantID, target, evt)
	if err != nil {
		i.skipped.Add(1)
		i.logger.Warn("bus message dispatch failed",
			slog.String("channel", msg.Channel),
			slog.String("target", target.String()),
			slog.String("error", err.Error()))
		return
	}

	i.dispatched.Add(1)
	if i.metrics != nil {
		pattern := msg.Pattern
		if pattern == "" {
			pattern = msg.Channel
		}
		i.metrics.RecordIngest(pattern)
	}
	i.logger.Debug("bus message dispatched",
		slog.String("channel", msg.Channel),
		slog.String("event_id", evt.ID.String()),
		slog.Int("delivered", res.Delivered),
		slog.Int("queued", res.Queued))
}

// Stats returns a snapshot of ingest activity.
func (i *Ingest) Stats() Stats {
	return Stats{
		Received:   i.received.Load(),
		Dispatched: i.dispatched.Load(),
		Skipped:    i.skipped.Load(),
		Reconnects: i.reconnects.Load(),
		Breaker:    i.breaker.Snapshot(),
	}
}

// sleep waits for d or cancellation, reporting false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
