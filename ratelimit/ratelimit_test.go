// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterBurstThenRefuse(t *testing.T) {
	limiter := New(5, 2)
	require.NotNil(t, limiter)
	defer limiter.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}

	assert.True(t, limiter.Allow(addr))
	assert.True(t, limiter.Allow(addr))
	assert.False(t, limiter.Allow(addr), "burst exhausted")
}

func TestLimiterTracksIPsIndependently(t *testing.T) {
	limiter := New(1, 1)
	defer limiter.Stop()

	a := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}
	b := &net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 1}

	assert.True(t, limiter.Allow(a))
	assert.False(t, limiter.Allow(a))
	assert.True(t, limiter.Allow(b), "different IP has its own bucket")
}

func TestLimiterDisabled(t *testing.T) {
	limiter := New(0, 10)
	assert.Nil(t, limiter)

	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}
	assert.True(t, limiter.Allow(addr), "nil limiter allows everything")
	limiter.Stop()
}

func TestLimiterNilAddr(t *testing.T) {
	limiter := New(1, 1)
	defer limiter.Stop()

	assert.True(t, limiter.Allow(nil))
}

func TestLimiterSweepDropsIdleEntries(t *testing.T) {
	limiter := New(1, 1)
	defer limiter.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}
	limiter.Allow(addr)

	limiter.mu.Lock()
	limiter.entries["10.0.0.1"].lastSeen = limiter.entries["10.0.0.1"].lastSeen.Add(-limiter.cleanup * 3)
	limiter.mu.Unlock()

	limiter.sweep()

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Empty(t, limiter.entries)
}

func TestFrameLimiterPerConnection(t *testing.T) {
	limiter := NewFrameLimiter(1, 2)
	require.NotNil(t, limiter)

	assert.True(t, limiter.Allow("c1"))
	assert.True(t, limiter.Allow("c1"))
	assert.False(t, limiter.Allow("c1"))
	assert.True(t, limiter.Allow("c2"), "other connection unaffected")
}

func TestFrameLimiterForget(t *testing.T) {
	limiter := NewFrameLimiter(1, 1)

	assert.True(t, limiter.Allow("c1"))
	assert.False(t, limiter.Allow("c1"))

	limiter.Forget("c1")
	assert.True(t, limiter.Allow("c1"), "fresh bucket after forget")
}

func TestFrameLimiterDisabled(t *testing.T) {
	limiter := NewFrameLimiter(0, 0)
	assert.Nil(t, limiter)
	assert.True(t, limiter.Allow("c1"))
	limiter.Forget("c1")
}
