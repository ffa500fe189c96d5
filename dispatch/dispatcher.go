// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dispatch routes events to their target connections, queues for
// offline users and registers deliveries for acknowledgement.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/pushmq/ack"
	"github.com/absmach/pushmq/core"
	"github.com/absmach/pushmq/queue"
	"github.com/absmach/pushmq/registry"
	"github.com/absmach/pushmq/server/otel"
)

// Defaults applied when a Config field is zero.
const (
	// DefaultPreSerializeThreshold is the recipient count at which the
	// notification frame is encoded once and shared.
	DefaultPreSerializeThreshold = 2

	// DefaultChunkSize bounds how many users of a multi-user target are
	// resolved per pass.
	DefaultChunkSize = 100
)

// ErrUnsupportedTarget is returned for target kinds the dispatcher does
// not understand.
var ErrUnsupportedTarget = errors.New("unsupported target kind")

// Config controls fan-out behavior.
type Config struct {
	PreSerializeThreshold int
	ChunkSize             int
	AckTimeout            time.Duration
}

// DefaultConfig returns the dispatch defaults.
func DefaultConfig() Config {
	return Config{
		PreSerializeThreshold: DefaultPreSerializeThreshold,
		ChunkSize:             DefaultChunkSize,
		AckTimeout:            ack.DefaultTimeout,
	}
}

func (c Config) normalize() Config {
	if c.PreSerializeThreshold <= 0 {
		c.PreSerializeThreshold = DefaultPreSerializeThreshold
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = ack.DefaultTimeout
	}
	return c
}

// DeliveryResult reports the outcome of one dispatch operation.
type DeliveryResult struct {
	NotificationID uuid.UUID `json:"notification_id"`
	Delivered      int       `json:"delivered_to"`
	Failed         int       `json:"failed"`
	Queued         int       `json:"queued"`
}

// Success reports whether no delivery attempt failed. Queued-only
// results are successes: the event is retained for replay.
func (r DeliveryResult) Success() bool {
	return r.Failed == 0
}

// Dispatcher fans events out to live connections. It never blocks on a
// slow consumer: full outbound channels refuse the message and the
// failure is counted.
type Dispatcher struct {
	cfg      Config
	registry *registry.Registry
	queue    queue.Backend
	acks     ack.Backend
	logger   *slog.Logger
	metrics  *otel.Metrics
	stats    *Stats
}

// New creates a dispatcher. The queue and ack backends may be nil, in
// which case offline queueing and delivery tracking are skipped.
func New(cfg Config, reg *registry.Registry, store queue.Backend, acks ack.Backend, logger *slog.Logger, metrics *otel.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg.normalize(),
		registry: reg,
		queue:    store,
		acks:     acks,
		logger:   logger,
		metrics:  metrics,
		stats:    NewStats(),
	}
}

// Stats exposes the dispatch counters.
func (d *Dispatcher) Stats() *Stats {
	return d.stats
}

// Dispatch routes one event to its target within a tenant. The returned
// result is always valid, also when err is non-nil for unsupported
// targets.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID string, target core.Target, evt core.Event) (DeliveryResult, error) {
	if tenantID == "" {
		tenantID = core.DefaultTenant
	}
	res := DeliveryResult{NotificationID: evt.ID}

	if evt.Expired(time.Now()) {
		d.stats.IncrementExpired()
		if d.metrics != nil {
			d.metrics.RecordExpired()
		}
		d.logger.Debug("event expired before dispatch",
			slog.String("event_id", evt.ID.String()),
			slog.String("event_type", evt.EventType))
		return res, nil
	}

	d.stats.IncrementDispatched()
	start := time.Now()

	switch target.Kind() {
	case core.TargetUser:
		d.dispatchUsers(ctx, tenantID, []string{target.ID()}, evt, &res)
	case core.TargetUsers:
		d.dispatchUsers(ctx, tenantID, target.IDs(), evt, &res)
	case core.TargetBroadcast:
		d.dispatchBroadcast(ctx, tenantID, evt, &res)
	case core.TargetChannel:
		d.dispatchChannels(ctx, tenantID, []string{target.ID()}, evt, &res)
	case core.TargetChannels:
		d.dispatchChannels(ctx, tenantID, target.IDs(), evt, &res)
	default:
		return res, fmt.Errorf("%w: %s", ErrUnsupportedTarget, target.Kind())
	}

	if d.metrics != nil {
		d.metrics.RecordDispatch(string(target.Kind()), res.Delivered, res.Failed, res.Queued)
		d.metrics.RecordDispatchDuration(float64(time.Since(start).Microseconds()) / 1000.0)
		d.metrics.RecordMessageSize(int64(len(evt.Payload)))
	}
	d.logger.Debug("dispatched",
		slog.String("event_id", evt.ID.String()),
		slog.String("target", target.String()),
		slog.Int("delivered", res.Delivered),
		slog.Int("failed", res.Failed),
		slog.Int("queued", res.Queued))

	return res, nil
}

// dispatchUsers delivers to a set of users in bounded chunks. Duplicate
// ids are processed once. Users with no live connections are queued.
// Handles are resolved before encoding so a single user with several
// devices still shares one serialization.
func (d *Dispatcher) dispatchUsers(ctx context.Context, tenantID string, userIDs []string, evt core.Event, res *DeliveryResult) {
	unique := dedupStrings(userIDs)

	var targets []*registry.Connection
	for off := 0; off < len(unique); off += d.cfg.ChunkSize {
		end := off + d.cfg.ChunkSize
		if end > len(unique) {
			end = len(unique)
		}
		for _, userID := range unique[off:end] {
			conns := d.registry.UserConnections(tenantID, userID)
			if len(conns) == 0 {
				d.enqueue(ctx, tenantID, userID, evt, res)
				continue
			}
			targets = append(targets, conns...)
		}
	}
	if len(targets) == 0 {
		return
	}

	msg, err := d.encode(evt, len(targets))
	if err != nil {
		d.logger.Error("frame encoding failed",
			slog.String("error", err.Error()),
			slog.String("event_id", evt.ID.String()))
		res.Failed += len(targets)
		d.stats.AddFailed(len(targets))
		return
	}
	for _, conn := range targets {
		d.send(ctx, conn, evt, msg, res)
	}
}

// dispatchBroadcast delivers to every live connection of the tenant that
// passes the event's audience restriction. Broadcasts are never queued.
func (d *Dispatcher) dispatchBroadcast(ctx context.Context, tenantID string, evt core.Event, res *DeliveryResult) {
	d.stats.IncrementBroadcasts()

	conns := d.registry.TenantConnections(tenantID)
	eligible := make([]*registry.Connection, 0, len(conns))
	for _, conn := range conns {
		if !evt.DeliverableTo(conn.Roles) {
			d.stats.AddAudienceFiltered(1)
			continue
		}
		eligible = append(eligible, conn)
	}
	if len(eligible) == 0 {
		return
	}

	msg, err := d.encode(evt, len(eligible))
	if err != nil {
		d.logger.Error("frame encoding failed",
			slog.String("error", err.Error()),
			slog.String("event_id", evt.ID.String()))
		res.Failed += len(eligible)
		d.stats.AddFailed(len(eligible))
		return
	}
	for _, conn := range eligible {
		d.send(ctx, conn, evt, msg, res)
	}
}

// dispatchChannels delivers to the union of the named channels'
// subscribers. A connection subscribed to several of the channels
// receives the event once.
func (d *Dispatcher) dispatchChannels(ctx context.Context, tenantID string, names []string, evt core.Event, res *DeliveryResult) {
	var seen map[uuid.UUID]struct{}
	var targets []*registry.Connection
	for _, name := range names {
		for _, conn := range d.registry.ChannelConnections(tenantID, name) {
			if seen == nil {
				seen = make(map[uuid.UUID]struct{})
			}
			if _, dup := seen[conn.ID]; dup {
				continue
			}
			seen[conn.ID] = struct{}{}
			targets = append(targets, conn)
		}
	}
	if len(targets) == 0 {
		return
	}

	msg, err := d.encode(evt, len(targets))
	if err != nil {
		d.logger.Error("frame encoding failed",
			slog.String("error", err.Error()),
			slog.String("event_id", evt.ID.String()))
		res.Failed += len(targets)
		d.stats.AddFailed(len(targets))
		return
	}
	for _, conn := range targets {
		d.send(ctx, conn, evt, msg, res)
	}
}

// send attempts a non-blocking delivery to one connection and registers
// the pending acknowledgement on success.
func (d *Dispatcher) send(ctx context.Context, conn *registry.Connection, evt core.Event, msg core.OutboundMessage, res *DeliveryResult) {
	if !conn.TrySend(msg) {
		res.Failed++
		d.stats.AddFailed(1)
		d.logger.Warn("delivery refused, outbound channel full",
			slog.String("connection_id", conn.ID.String()),
			slog.String("user_id", conn.UserID),
			slog.String("event_id", evt.ID.String()))
		return
	}
	res.Delivered++
	d.stats.AddDelivered(1)
	d.trackAck(ctx, conn, evt)
}

// enqueue stores the event for an offline user. With the queue disabled
// or missing the event is dropped silently: an absent recipient is not a
// delivery failure.
func (d *Dispatcher) enqueue(ctx context.Context, tenantID, userID string, evt core.Event, res *DeliveryResult) {
	if d.queue == nil || !d.queue.Enabled() {
		d.logger.Debug("offline event dropped, queue disabled",
			slog.String("user_id", userID),
			slog.String("event_id", evt.ID.String()))
		return
	}
	if err := d.queue.Enqueue(ctx, tenantID, userID, evt); err != nil {
		res.Failed++
		d.stats.AddFailed(1)
		d.logger.Error("offline enqueue failed",
			slog.String("error", err.Error()),
			slog.String("user_id", userID),
			slog.String("event_id", evt.ID.String()))
		return
	}
	res.Queued++
	d.stats.AddQueued(1)
}

// trackAck registers a delivered notification for acknowledgement.
// Tracking failures are logged and never fail the dispatch.
func (d *Dispatcher) trackAck(ctx context.Context, conn *registry.Connection, evt core.Event) {
	if d.acks == nil || !d.acks.Enabled() {
		return
	}
	pending := ack.NewPending(evt.ID, conn.ID, conn.TenantID, conn.UserID, d.cfg.AckTimeout)
	if err := d.acks.Track(ctx, pending); err != nil {
		d.logger.Warn("ack tracking failed",
			slog.String("error", err.Error()),
			slog.String("notification_id", evt.ID.String()),
			slog.String("user_id", conn.UserID))
		return
	}
	if d.metrics != nil {
		d.metrics.RecordAckTracked()
	}
}

// encode builds the outbound message, pre-serializing the frame once
// when it will be shared across enough recipients.
func (d *Dispatcher) encode(evt core.Event, recipients int) (core.OutboundMessage, error) {
	frame := core.NotificationFrame(evt)
	if recipients >= d.cfg.PreSerializeThreshold {
		data, err := frame.Encode()
		if err != nil {
			return core.OutboundMessage{}, err
		}
		d.stats.IncrementPreSerialized()
		return core.PreSerialized(data), nil
	}
	return core.Raw(frame), nil
}

// dedupStrings keeps first occurrences, preserving order.
func dedupStrings(in []string) []string {
	if len(in) <= 1 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0:0]
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
