// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ack tracks delivery acknowledgements so operators can measure
// how many pushed notifications were actually received.
package ack

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/pushmq/core"
)

// Defaults applied when a Config field is zero.
const (
	DefaultTimeout         = 30 * time.Second
	DefaultCleanupInterval = 60 * time.Second
)

// ErrDisabled is returned by operations on a disabled tracker.
var ErrDisabled = errors.New("ack tracking is disabled")

// Result classifies an acknowledgement attempt.
type Result string

const (
	// Acked means the pending entry existed, belonged to the caller and
	// was removed.
	Acked Result = "acked"

	// Unknown means no pending entry exists for the notification id:
	// it was never tracked, already acknowledged, or timed out.
	Unknown Result = "unknown"

	// UserMismatch means the pending entry belongs to a different user.
	// The entry is kept so the owner can still acknowledge it.
	UserMismatch Result = "user_mismatch"

	// Expired means the entry was still present but its acknowledgement
	// window had elapsed before the cleanup sweep removed it. The entry
	// is dropped and counted as expired, not acked.
	Expired Result = "expired"
)

// Config controls acknowledgement retention.
type Config struct {
	Enabled         bool
	Timeout         time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Timeout:         DefaultTimeout,
		CleanupInterval: DefaultCleanupInterval,
	}
}

func (c Config) normalize() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	return c
}

// PendingAck records a delivery that has not been acknowledged yet.
type PendingAck struct {
	NotificationID uuid.UUID `json:"notification_id"`
	TenantID       string    `json:"tenant_id"`
	UserID         string    `json:"user_id"`
	ConnectionID   uuid.UUID `json:"connection_id"`
	SentAt         time.Time `json:"sent_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the acknowledgement window has elapsed.
func (p PendingAck) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// Stats is a point-in-time view of acknowledgement activity. AckRate is
// acked/tracked and reads 1.0 before anything has been tracked;
// MeanLatencyMs is summed ack latency over acked and reads 0 before the
// first acknowledgement.
type Stats struct {
	Backend       string  `json:"backend"`
	Pending       int64   `json:"pending"`
	Tracked       uint64  `json:"tracked"`
	Acked         uint64  `json:"acked"`
	Expired       uint64  `json:"expired"`
	AckRate       float64 `json:"ack_rate"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
}

// Backend stores pending acknowledgements.
type Backend interface {
	// Enabled reports whether deliveries are being tracked.
	Enabled() bool

	// Name identifies the backend in logs and stats.
	Name() string

	// Track records a pending acknowledgement for a delivered
	// notification.
	Track(ctx context.Context, pending PendingAck) error

	// Acknowledge resolves a pending entry. The userID must match the
	// entry's owner: acknowledgements from other users report
	// UserMismatch and leave the entry in place.
	Acknowledge(ctx context.Context, tenantID string, notificationID uuid.UUID, userID string) (Result, error)

	// CleanupExpired removes entries whose acknowledgement window
	// elapsed and reports how many were removed.
	CleanupExpired(ctx context.Context) (int, error)

	// Stats returns a snapshot of acknowledgement activity.
	Stats(ctx context.Context) (Stats, error)

	// Close releases backend resources.
	Close() error
}

// NewPending builds a PendingAck for a delivery that just happened.
func NewPending(notificationID, connectionID uuid.UUID, tenantID, userID string, timeout time.Duration) PendingAck {
	if tenantID == "" {
		tenantID = core.DefaultTenant
	}
	now := time.Now().UTC()
	return PendingAck{
		NotificationID: notificationID,
		TenantID:       tenantID,
		UserID:         userID,
		ConnectionID:   connectionID,
		SentAt:         now,
		ExpiresAt:      now.Add(timeout),
	}
}

func ackRate(tracked, acked uint64) float64 {
	if tracked == 0 {
		return 1.0
	}
	return float64(acked) / float64(tracked)
}

func meanLatency(latencySumMS, acked uint64) float64 {
	if acked == 0 {
		return 0
	}
	return float64(latencySumMS) / float64(acked)
}
