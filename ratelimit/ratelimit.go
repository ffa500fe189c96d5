// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit guards the push transports: a per-IP limiter on
// connection attempts and a per-connection limiter on inbound client
// frames.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultCleanupInterval between sweeps of idle per-IP entries.
const DefaultCleanupInterval = 5 * time.Minute

// Limiter rate limits connection attempts per source IP. A zero or
// negative rate disables it entirely.
type Limiter struct {
	mu       sync.Mutex
	entries  map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a per-IP connection limiter allowing r attempts per
// second with the given burst. Returns nil when r <= 0, and a nil
// *Limiter allows everything.
func New(r float64, burst int) *Limiter {
	if r <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	l := &Limiter{
		entries: make(map[string]*ipEntry),
		rate:    rate.Limit(r),
		burst:   burst,
		cleanup: DefaultCleanupInterval,
		stopCh:  make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow reports whether a connection attempt from addr may proceed.
func (l *Limiter) Allow(addr net.Addr) bool {
	if l == nil {
		return true
	}
	ip := extractIP(addr)
	if ip == "" {
		return true
	}

	l.mu.Lock()
	entry, ok := l.entries[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.entries[ip] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Stop terminates the sweep goroutine.
func (l *Limiter) Stop() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for ip, entry := range l.entries {
		if entry.lastSeen.Before(threshold) {
			delete(l.entries, ip)
		}
	}
}

// FrameLimiter rate limits inbound control frames per connection so a
// misbehaving client cannot monopolize its reader goroutine. A nil
// *FrameLimiter allows everything.
type FrameLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewFrameLimiter creates a per-connection frame limiter allowing r
// frames per second with the given burst. Returns nil when r <= 0.
func NewFrameLimiter(r float64, burst int) *FrameLimiter {
	if r <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &FrameLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

// Allow reports whether the connection may submit another frame.
func (l *FrameLimiter) Allow(connID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	limiter, ok := l.limiters[connID]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[connID] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// Forget drops the state kept for a disconnected connection.
func (l *FrameLimiter) Forget(connID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.limiters, connID)
	l.mu.Unlock()
}

// extractIP pulls the host part out of a net.Addr.
func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
