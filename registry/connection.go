// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/pushmq/core"
)

// DefaultOutboundBuffer is the capacity of a connection's outbound channel.
const DefaultOutboundBuffer = 32

// Connection is one live client attachment. The registry exclusively owns
// the record; producers hold shared references and send into the outbound
// channel, whose receive side is owned by the transport writer.
type Connection struct {
	ID          uuid.UUID
	UserID      string
	TenantID    string
	Roles       []string
	ConnectedAt time.Time

	outbound chan core.OutboundMessage
	done     chan struct{}
	closed   sync.Once

	// Unix seconds, updated lock-free on any client activity.
	lastActivity atomic.Int64

	// Set when an outbound send is refused; cleared on the next success.
	// The heartbeat cleanup pass reaps connections that stay degraded.
	degraded atomic.Bool

	mu            sync.RWMutex
	subscriptions map[string]struct{}
}

func newConnection(userID, tenantID string, roles []string, buffer int) *Connection {
	if buffer <= 0 {
		buffer = DefaultOutboundBuffer
	}
	now := time.Now().UTC()
	c := &Connection{
		ID:            uuid.New(),
		UserID:        userID,
		TenantID:      tenantID,
		Roles:         roles,
		ConnectedAt:   now,
		outbound:      make(chan core.OutboundMessage, buffer),
		done:          make(chan struct{}),
		subscriptions: make(map[string]struct{}),
	}
	c.lastActivity.Store(now.Unix())
	return c
}

// TrySend enqueues a message without blocking. It returns false when the
// outbound channel is full or the connection is closed; a refusal is the
// backpressure signal that the client is too slow.
func (c *Connection) TrySend(msg core.OutboundMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbound <- msg:
		c.degraded.Store(false)
		return true
	default:
		c.degraded.Store(true)
		return false
	}
}

// Send blocks until the message is accepted, the connection closes, or
// ctx is cancelled, reporting whether it was accepted. Queued-message
// replay uses it: those messages were already removed from the offline
// queue, so dropping them on a momentarily full channel would lose them.
func (c *Connection) Send(ctx context.Context, msg core.OutboundMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbound <- msg:
		c.degraded.Store(false)
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Outbound returns the receive side consumed by the transport writer.
func (c *Connection) Outbound() <-chan core.OutboundMessage {
	return c.outbound
}

// Done is closed when the connection is destroyed. Writers drain any
// buffered messages after observing it, then exit.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close signals the writer to finish. Safe to call more than once.
func (c *Connection) Close() {
	c.closed.Do(func() { close(c.done) })
}

// Touch records client activity now.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().Unix())
}

// LastActivity returns the time of the most recent client activity.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(c.lastActivity.Load(), 0)
}

// IdleFor reports how long the connection has been without client activity.
func (c *Connection) IdleFor(now time.Time) time.Duration {
	return now.Sub(c.LastActivity())
}

// Degraded reports whether the last outbound send was refused.
func (c *Connection) Degraded() bool {
	return c.degraded.Load()
}

// HasRole reports whether the authenticated principal carries the role.
func (c *Connection) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Subscriptions returns a sorted snapshot of the subscribed channel names,
// as the subscriber sees them (without tenant namespacing).
func (c *Connection) Subscriptions() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.subscriptions))
	for name := range c.subscriptions {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)
	return names
}

// SubscriptionCount returns the number of subscribed channels.
func (c *Connection) SubscriptionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions)
}

// addSubscription inserts a bare channel name, enforcing the per-connection
// cap. Inserting an already-held name succeeds without consuming capacity.
func (c *Connection) addSubscription(name string, max int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[name]; ok {
		return nil
	}
	if len(c.subscriptions) >= max {
		return ErrSubscriptionLimit
	}
	c.subscriptions[name] = struct{}{}
	return nil
}

// removeSubscription deletes a bare channel name, reporting whether it was held.
func (c *Connection) removeSubscription(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[name]; !ok {
		return false
	}
	delete(c.subscriptions, name)
	return true
}
