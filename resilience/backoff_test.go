// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsExponentially(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 30*time.Second)

	for i, want := range []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	} {
		d := b.Next()
		lo := time.Duration(float64(want) * 0.9)
		hi := time.Duration(float64(want) * 1.1)
		assert.GreaterOrEqual(t, d, lo, "attempt %d", i)
		assert.LessOrEqual(t, d, hi, "attempt %d", i)
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second)

	for i := 0; i < 20; i++ {
		d := b.Next()
		assert.LessOrEqual(t, d, time.Duration(float64(time.Second)*1.1))
	}
	assert.Equal(t, 20, b.Attempt())
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 30*time.Second)

	b.Next()
	b.Next()
	b.Next()
	b.Reset()
	assert.Equal(t, 0, b.Attempt())

	d := b.Next()
	assert.LessOrEqual(t, d, 110*time.Millisecond)
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff(0, 0)
	d := b.Next()
	assert.GreaterOrEqual(t, d, 90*time.Millisecond)
	assert.LessOrEqual(t, d, 110*time.Millisecond)
}

func TestBackoffNoOverflowOnManyAttempts(t *testing.T) {
	b := NewBackoff(time.Millisecond, time.Second)
	for i := 0; i < 100; i++ {
		d := b.Next()
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Duration(float64(time.Second)*1.1))
	}
}
