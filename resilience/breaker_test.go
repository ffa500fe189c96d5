// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:     time.Second,
	})

	assert.Equal(t, StateClosed, b.State())

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, ResetTimeout: time.Second})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenToClosed(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:     50 * time.Millisecond,
	})

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.State())
	require.False(t, b.Allow())

	time.Sleep(60 * time.Millisecond)

	require.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:     50 * time.Millisecond,
	})

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	require.True(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerStaysOpenDuringResetWindow(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		ResetTimeout:     time.Second,
	})

	b.RecordFailure()
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		assert.False(t, b.Allow())
		time.Sleep(20 * time.Millisecond)
	}
}

func TestBreakerConcurrentTransitions(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     10 * time.Millisecond,
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if b.Allow() {
					if j%3 == 0 {
						b.RecordSuccess()
					} else {
						b.RecordFailure()
					}
				}
			}
		}()
	}
	wg.Wait()

	// Whatever interleaving happened, the state is one of the three
	// defined values and the snapshot is readable.
	snap := b.Snapshot()
	assert.Contains(t, []string{"closed", "open", "half_open"}, snap.State)
}

func TestBreakerSnapshotCountsOpens(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: time.Second})

	b.RecordFailure()
	b.RecordFailure()

	snap := b.Snapshot()
	assert.Equal(t, "open", snap.State)
	assert.Equal(t, uint64(1), snap.TimesOpened)
}
