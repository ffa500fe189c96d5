// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queue stores events for users with no live connections until
// they reconnect or the messages expire.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/absmach/pushmq/core"
)

// Defaults applied when a Config field is zero.
const (
	DefaultMaxPerUser      = 100
	DefaultMessageTTL      = 3600 * time.Second
	DefaultCleanupInterval = 300 * time.Second
)

var (
	// ErrDisabled is returned by operations on a disabled queue.
	ErrDisabled = errors.New("offline queue is disabled")

	// ErrBackendUnavailable signals that a persistent backend cannot be
	// reached at construction time.
	ErrBackendUnavailable = errors.New("queue backend unavailable")
)

// Config controls queue capacity and retention.
type Config struct {
	Enabled         bool
	MaxPerUser      int
	MessageTTL      time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		MaxPerUser:      DefaultMaxPerUser,
		MessageTTL:      DefaultMessageTTL,
		CleanupInterval: DefaultCleanupInterval,
	}
}

func (c Config) normalize() Config {
	if c.MaxPerUser <= 0 {
		c.MaxPerUser = DefaultMaxPerUser
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = DefaultMessageTTL
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	return c
}

// StoredMessage is a queued event together with its retention window.
type StoredMessage struct {
	Event     core.Event `json:"event"`
	QueuedAt  time.Time  `json:"queued_at"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// Expired reports whether the message's retention window has elapsed.
func (m StoredMessage) Expired(now time.Time) bool {
	return now.After(m.ExpiresAt)
}

// Stats is a point-in-time view of queue activity.
type Stats struct {
	Backend  string `json:"backend"`
	Users    int    `json:"users"`
	Messages int64  `json:"messages"`
	Enqueued uint64 `json:"enqueued"`
	Dropped  uint64 `json:"dropped"`
	Drained  uint64 `json:"drained"`
	Expired  uint64 `json:"expired"`
}

// Backend stores per-user FIFO queues of undelivered events.
//
// Implementations bound each user's queue: when a queue is at capacity
// the oldest message is dropped to admit the newest, so Enqueue never
// fails because a queue is full.
type Backend interface {
	// Enabled reports whether the queue accepts messages.
	Enabled() bool

	// Name identifies the backend in logs and stats.
	Name() string

	// Enqueue appends an event to the user's queue. The retention
	// window is the event's TTL when set, the configured default
	// otherwise.
	Enqueue(ctx context.Context, tenantID, userID string, evt core.Event) error

	// Drain removes and returns the user's queued messages in FIFO
	// order, excluding any that expired while queued.
	Drain(ctx context.Context, tenantID, userID string) ([]StoredMessage, error)

	// Len reports how many messages are queued for the user.
	Len(ctx context.Context, tenantID, userID string) (int, error)

	// Clear removes all messages queued for the user and reports how
	// many were removed.
	Clear(ctx context.Context, tenantID, userID string) (int, error)

	// CleanupExpired removes messages whose retention window elapsed
	// and reports how many were removed.
	CleanupExpired(ctx context.Context) (int, error)

	// Stats returns a snapshot of queue activity.
	Stats(ctx context.Context) (Stats, error)

	// Close releases backend resources.
	Close() error
}

// retention computes a stored message's expiry from the event TTL,
// falling back to the configured default.
func retention(evt core.Event, def time.Duration, now time.Time) time.Time {
	if ttl := evt.Metadata.TTL; ttl > 0 {
		return now.Add(time.Duration(ttl) * time.Second)
	}
	return now.Add(def)
}
