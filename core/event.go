// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package core defines the domain types shared by the dispatch pipeline:
// events, targets, audiences, outbound messages and transport frames.
package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultTenant is the tenant assigned to connections and events that carry
// no explicit tenant claim.
const DefaultTenant = "default"

// Priority classifies how urgently an event should be delivered.
type Priority string

const (
	PriorityLow      Priority = "Low"
	PriorityNormal   Priority = "Normal"
	PriorityHigh     Priority = "High"
	PriorityCritical Priority = "Critical"
)

// Weight returns a numeric rank for ordering, higher is more urgent.
func (p Priority) Weight() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityNormal:
		return 2
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	default:
		return 2
	}
}

// Valid reports whether p is one of the defined priority levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// UnmarshalJSON accepts the defined levels and treats an empty or missing
// value as Normal.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*p = PriorityNormal
		return nil
	}
	v := Priority(s)
	if !v.Valid() {
		return fmt.Errorf("unknown priority %q", s)
	}
	*p = v
	return nil
}

// AudienceKind discriminates the audience filter variants.
type AudienceKind string

const (
	AudienceAll      AudienceKind = "All"
	AudienceRoles    AudienceKind = "Roles"
	AudienceUsers    AudienceKind = "Users"
	AudienceChannels AudienceKind = "Channels"
)

// Audience restricts broadcast delivery to a subset of connections.
// The wire form is {"type":"All"} or {"type":"Roles","value":[...]}.
type Audience struct {
	Kind   AudienceKind
	Values []string
}

type audienceWire struct {
	Type  AudienceKind `json:"type"`
	Value []string     `json:"value,omitempty"`
}

func (a Audience) MarshalJSON() ([]byte, error) {
	return json.Marshal(audienceWire{Type: a.Kind, Value: a.Values})
}

func (a *Audience) UnmarshalJSON(data []byte) error {
	var w audienceWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case AudienceAll, AudienceRoles, AudienceUsers, AudienceChannels:
	default:
		return fmt.Errorf("unknown audience type %q", w.Type)
	}
	a.Kind = w.Type
	a.Values = w.Value
	return nil
}

// MatchesRoles reports whether a connection holding the given roles should
// receive an event carrying this audience filter. All matches everything;
// Roles requires at least one shared role; Users and Channels audiences are
// satisfied by the targeting itself, so they always pass here.
func (a *Audience) MatchesRoles(roles []string) bool {
	if a == nil || a.Kind != AudienceRoles {
		return true
	}
	for _, want := range a.Values {
		for _, have := range roles {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Metadata carries delivery hints attached to an event.
type Metadata struct {
	Source        string    `json:"source"`
	Priority      Priority  `json:"priority"`
	TTL           uint32    `json:"ttl,omitempty"`
	Audience      *Audience `json:"audience,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Event is the unit of delivery. The identifier and origin timestamp are
// assigned at creation and never rewritten; the payload is treated as opaque
// and is never mutated after dispatch.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	OccurredAt time.Time       `json:"occurred_at"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	Metadata   Metadata        `json:"metadata"`
}

// NewEvent mints an event with a fresh identifier and the current timestamp.
// Optional metadata fields are set directly on the returned value.
func NewEvent(eventType, source string, payload json.RawMessage) Event {
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	return Event{
		ID:         uuid.New(),
		OccurredAt: time.Now().UTC(),
		EventType:  eventType,
		Payload:    payload,
		Metadata: Metadata{
			Source:   source,
			Priority: PriorityNormal,
		},
	}
}

// Expired reports whether the event's TTL window has elapsed. A zero TTL
// means the event never expires.
func (e *Event) Expired(now time.Time) bool {
	if e.Metadata.TTL == 0 {
		return false
	}
	return now.Sub(e.OccurredAt) > time.Duration(e.Metadata.TTL)*time.Second
}

// DeliverableTo applies the audience filter against a connection's roles.
func (e *Event) DeliverableTo(roles []string) bool {
	return e.Metadata.Audience.MatchesRoles(roles)
}
