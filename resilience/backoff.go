// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"math/rand"
	"time"
)

// Backoff defaults.
const (
	DefaultInitialDelay = 100 * time.Millisecond
	DefaultMaxDelay     = 30 * time.Second

	// backoffJitter spreads reconnect storms: delays vary by +-10%.
	backoffJitter = 0.1
)

// Backoff produces exponentially growing, jittered delays:
// min(max, initial * 2^attempt), each drawn within +-10% so parallel
// clients don't reconnect in lockstep. Not safe for concurrent use;
// every retry loop owns its own Backoff.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	attempt int
}

// NewBackoff creates a backoff starting at initial and capped at max.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = DefaultInitialDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	return &Backoff{initial: initial, max: max}
}

// Next returns the delay for the current attempt and advances the
// counter.
func (b *Backoff) Next() time.Duration {
	d := b.max
	// Beyond 62 doublings the shift would overflow; the cap applies anyway.
	if b.attempt < 62 {
		if scaled := b.initial << uint(b.attempt); scaled < b.max {
			d = scaled
		}
	}
	b.attempt++

	factor := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * factor)
}

// Attempt reports how many delays have been produced since the last
// reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset restarts the progression after a successful call.
func (b *Backoff) Reset() {
	b.attempt = 0
}
