// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package resilience provides the failure-handling primitives used on
// the ingest path: a lock-free circuit breaker and jittered exponential
// backoff.
package resilience

import (
	"sync/atomic"
	"time"
)

// State is the circuit breaker state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker defaults.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultResetTimeout     = 30 * time.Second
)

// BreakerConfig tunes the circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int32
	SuccessThreshold int32
	ResetTimeout     time.Duration
}

// DefaultBreakerConfig returns the production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: DefaultFailureThreshold,
		SuccessThreshold: DefaultSuccessThreshold,
		ResetTimeout:     DefaultResetTimeout,
	}
}

func (c BreakerConfig) normalize() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	return c
}

// Breaker is a three-state circuit breaker on atomics. State moves
// closed -> open after FailureThreshold consecutive failures, open ->
// half-open once ResetTimeout has passed since the last failure, and
// half-open -> closed after SuccessThreshold consecutive successes. A
// failed half-open probe reopens immediately. All transitions are CAS
// so concurrent callers settle on one outcome.
type Breaker struct {
	cfg BreakerConfig

	state      atomic.Int32
	failures   atomic.Int32
	successes  atomic.Int32
	lastFailed atomic.Int64 // unix nano
	opened     atomic.Uint64
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.normalize()}
}

// Allow reports whether a call may proceed, flipping open to half-open
// when the reset window has elapsed.
func (b *Breaker) Allow() bool {
	switch State(b.state.Load()) {
	case StateOpen:
		if time.Since(time.Unix(0, b.lastFailed.Load())) > b.cfg.ResetTimeout {
			if b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
				b.successes.Store(0)
			}
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure streak; in half-open it counts
// toward closing the circuit.
func (b *Breaker) RecordSuccess() {
	if State(b.state.Load()) == StateHalfOpen {
		if b.successes.Add(1) >= b.cfg.SuccessThreshold {
			if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateClosed)) {
				b.failures.Store(0)
			}
		}
		return
	}
	b.failures.Store(0)
}

// RecordFailure counts toward opening the circuit; in half-open a
// single failure reopens it.
func (b *Breaker) RecordFailure() {
	b.lastFailed.Store(time.Now().UnixNano())

	if State(b.state.Load()) == StateHalfOpen {
		if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen)) {
			b.opened.Add(1)
		}
		return
	}
	if b.failures.Add(1) >= b.cfg.FailureThreshold {
		if b.state.CompareAndSwap(int32(StateClosed), int32(StateOpen)) {
			b.opened.Add(1)
		}
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// BreakerSnapshot is the JSON view of the breaker for stats reporting.
type BreakerSnapshot struct {
	State               string `json:"state"`
	ConsecutiveFailures int32  `json:"consecutive_failures"`
	TimesOpened         uint64 `json:"times_opened"`
}

// Snapshot returns a point-in-time view of the breaker.
func (b *Breaker) Snapshot() BreakerSnapshot {
	return BreakerSnapshot{
		State:               b.State().String(),
		ConsecutiveFailures: b.failures.Load(),
		TimesOpened:         b.opened.Load(),
	}
}
