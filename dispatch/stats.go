// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"sync/atomic"
	"time"
)

// Stats tracks detailed dispatch statistics.
type Stats struct {
	startTime time.Time

	// Dispatch stats
	eventsDispatched atomic.Uint64
	eventsExpired    atomic.Uint64
	broadcasts       atomic.Uint64

	// Delivery stats
	delivered        atomic.Uint64
	failed           atomic.Uint64
	queued           atomic.Uint64
	audienceFiltered atomic.Uint64

	// Encoding stats
	preSerialized atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Dispatch tracking.
func (s *Stats) IncrementDispatched() {
	s.eventsDispatched.Add(1)
}

func (s *Stats) IncrementExpired() {
	s.eventsExpired.Add(1)
}

func (s *Stats) IncrementBroadcasts() {
	s.broadcasts.Add(1)
}

// Delivery tracking.
func (s *Stats) AddDelivered(n int) {
	s.delivered.Add(uint64(n))
}

func (s *Stats) AddFailed(n int) {
	s.failed.Add(uint64(n))
}

func (s *Stats) AddQueued(n int) {
	s.queued.Add(uint64(n))
}

func (s *Stats) AddAudienceFiltered(n int) {
	s.audienceFiltered.Add(uint64(n))
}

func (s *Stats) IncrementPreSerialized() {
	s.preSerialized.Add(1)
}

func (s *Stats) GetDispatched() uint64 {
	return s.eventsDispatched.Load()
}

func (s *Stats) GetDelivered() uint64 {
	return s.delivered.Load()
}

func (s *Stats) GetFailed() uint64 {
	return s.failed.Load()
}

func (s *Stats) GetQueued() uint64 {
	return s.queued.Load()
}

// GetUptime reports time since the dispatcher was created.
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is the JSON view of dispatch counters served by the stats API.
type Snapshot struct {
	EventsDispatched uint64 `json:"events_dispatched"`
	EventsExpired    uint64 `json:"events_expired"`
	Broadcasts       uint64 `json:"broadcasts"`
	Delivered        uint64 `json:"messages_delivered"`
	Failed           uint64 `json:"deliveries_failed"`
	Queued           uint64 `json:"messages_queued"`
	AudienceFiltered uint64 `json:"audience_filtered"`
	PreSerialized    uint64 `json:"pre_serialized_frames"`
}

// Snapshot returns a point-in-time copy of all counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		EventsDispatched: s.eventsDispatched.Load(),
		EventsExpired:    s.eventsExpired.Load(),
		Broadcasts:       s.broadcasts.Load(),
		Delivered:        s.delivered.Load(),
		Failed:           s.failed.Load(),
		Queued:           s.queued.Load(),
		AudienceFiltered: s.audienceFiltered.Load(),
		PreSerialized:    s.preSerialized.Load(),
	}
}
