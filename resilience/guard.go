// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Guard wraps persistent-backend I/O (Redis, Postgres) in a circuit
// breaker so a storage outage fails calls fast instead of stacking up
// timed-out requests. It is separate from the ingest Breaker: a queue
// or ack storage outage must not pause the pub/sub loop.
type Guard struct {
	cb *gobreaker.CircuitBreaker
}

// NewGuard creates a storage guard. With MaxRequests 1 a recovering
// backend is probed by a single call before the rest are let through.
func NewGuard(name string, cfg BreakerConfig, logger *slog.Logger) *Guard {
	cfg = cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: uint32(cfg.SuccessThreshold),
			Interval:    60 * time.Second,
			Timeout:     cfg.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("storage circuit breaker state changed",
					slog.String("guard", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		}),
	}
}

// Do runs fn through the breaker. While the breaker is open it returns
// gobreaker.ErrOpenState without invoking fn.
func (g *Guard) Do(fn func() error) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// State reports the underlying breaker state name.
func (g *Guard) State() string {
	return g.cb.State().String()
}
