// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	evt := NewEvent("order.created", "http-api", json.RawMessage(`{"order_id":"456"}`))

	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", evt.ID.String())
	assert.Equal(t, "order.created", evt.EventType)
	assert.Equal(t, "http-api", evt.Metadata.Source)
	assert.Equal(t, PriorityNormal, evt.Metadata.Priority)
	assert.WithinDuration(t, time.Now().UTC(), evt.OccurredAt, time.Second)
}

func TestNewEventNilPayload(t *testing.T) {
	evt := NewEvent("ping", "test", nil)
	assert.JSONEq(t, `{}`, string(evt.Payload))
}

func TestPriorityWeight(t *testing.T) {
	assert.Equal(t, 1, PriorityLow.Weight())
	assert.Equal(t, 2, PriorityNormal.Weight())
	assert.Equal(t, 3, PriorityHigh.Weight())
	assert.Equal(t, 4, PriorityCritical.Weight())
	assert.Equal(t, 2, Priority("").Weight())
}

func TestPriorityUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Priority
		wantErr bool
	}{
		{name: "high", input: `"High"`, want: PriorityHigh},
		{name: "critical", input: `"Critical"`, want: PriorityCritical},
		{name: "empty defaults to normal", input: `""`, want: PriorityNormal},
		{name: "unknown rejected", input: `"urgent"`, wantErr: true},
		{name: "lowercase rejected", input: `"high"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Priority
			err := json.Unmarshal([]byte(tt.input), &p)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p)
		})
	}
}

func TestEventExpired(t *testing.T) {
	evt := NewEvent("test", "test", nil)

	assert.False(t, evt.Expired(time.Now()), "zero TTL never expires")

	evt.Metadata.TTL = 60
	assert.False(t, evt.Expired(evt.OccurredAt.Add(30*time.Second)))
	assert.True(t, evt.Expired(evt.OccurredAt.Add(61*time.Second)))
}

func TestAudienceMatchesRoles(t *testing.T) {
	tests := []struct {
		name     string
		audience *Audience
		roles    []string
		want     bool
	}{
		{name: "nil audience delivers", audience: nil, roles: nil, want: true},
		{name: "all delivers", audience: &Audience{Kind: AudienceAll}, roles: nil, want: true},
		{
			name:     "matching role delivers",
			audience: &Audience{Kind: AudienceRoles, Values: []string{"admin", "ops"}},
			roles:    []string{"ops"},
			want:     true,
		},
		{
			name:     "no shared role filtered",
			audience: &Audience{Kind: AudienceRoles, Values: []string{"admin"}},
			roles:    []string{"viewer"},
			want:     false,
		},
		{
			name:     "role filter with no roles filtered",
			audience: &Audience{Kind: AudienceRoles, Values: []string{"admin"}},
			roles:    nil,
			want:     false,
		},
		{
			name:     "users audience passes through",
			audience: &Audience{Kind: AudienceUsers, Values: []string{"u1"}},
			roles:    nil,
			want:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.audience.MatchesRoles(tt.roles))
		})
	}
}

func TestAudienceJSON(t *testing.T) {
	a := Audience{Kind: AudienceRoles, Values: []string{"admin"}}
	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"Roles","value":["admin"]}`, string(data))

	var all Audience
	require.NoError(t, json.Unmarshal([]byte(`{"type":"All"}`), &all))
	assert.Equal(t, AudienceAll, all.Kind)
	assert.Empty(t, all.Values)

	var bad Audience
	assert.Error(t, json.Unmarshal([]byte(`{"type":"Everyone"}`), &bad))
}

func TestMetadataOmitsEmptyFields(t *testing.T) {
	evt := NewEvent("test", "test", nil)
	data, err := json.Marshal(evt.Metadata)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.NotContains(t, m, "ttl")
	assert.NotContains(t, m, "audience")
	assert.NotContains(t, m, "correlation_id")
	assert.Contains(t, m, "source")
	assert.Contains(t, m, "priority")
}
