// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/absmach/pushmq/core"
)

// Envelope is the bus wire form: an addressing mode, its operand and
// the event body. For broadcast the target is null; for the list modes
// a bare string is promoted to a one-element list.
//
//	{"type":"user","target":"u1","event":{"event_type":"order.shipped","payload":{...}}}
type Envelope struct {
	Type   string          `json:"type"`
	Target json.RawMessage `json:"target"`
	Event  EnvelopeEvent   `json:"event"`
}

// EnvelopeEvent is the event body of a bus envelope. Priority defaults
// to Normal; ttl and correlation_id are optional.
type EnvelopeEvent struct {
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Priority      core.Priority   `json:"priority,omitempty"`
	TTL           uint32          `json:"ttl,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// ParseEnvelope decodes a bus message into a dispatch target and a
// fresh event. The source tag records which bus channel carried it.
func ParseEnvelope(data []byte, source string) (core.Target, core.Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return core.Target{}, core.Event{}, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Event.EventType == "" {
		return core.Target{}, core.Event{}, fmt.Errorf("envelope has no event_type")
	}

	target, err := parseEnvelopeTarget(env.Type, env.Target)
	if err != nil {
		return core.Target{}, core.Event{}, err
	}

	evt := core.NewEvent(env.Event.EventType, source, env.Event.Payload)
	if env.Event.Priority != "" {
		if !env.Event.Priority.Valid() {
			return core.Target{}, core.Event{}, fmt.Errorf("unknown priority %q", env.Event.Priority)
		}
		evt.Metadata.Priority = env.Event.Priority
	}
	evt.Metadata.TTL = env.Event.TTL
	evt.Metadata.CorrelationID = env.Event.CorrelationID

	return target, evt, nil
}

// parseEnvelopeTarget maps the envelope's lowercase discriminator onto
// a dispatch target.
func parseEnvelopeTarget(typ string, operand json.RawMessage) (core.Target, error) {
	switch typ {
	case "broadcast":
		return core.BroadcastTarget(), nil

	case "user", "channel":
		var id string
		if err := json.Unmarshal(operand, &id); err != nil || id == "" {
			return core.Target{}, fmt.Errorf("%s envelope requires a non-empty string target", typ)
		}
		if typ == "user" {
			return core.UserTarget(id), nil
		}
		return core.ChannelTarget(id), nil

	case "users", "channels":
		ids, err := stringOrList(operand)
		if err != nil {
			return core.Target{}, fmt.Errorf("%s envelope: %w", typ, err)
		}
		if typ == "users" {
			return core.UsersTarget(ids), nil
		}
		return core.ChannelsTarget(ids), nil

	default:
		return core.Target{}, fmt.Errorf("unknown envelope type %q", typ)
	}
}

// stringOrList accepts a JSON string list or a bare string, which is
// promoted to a one-element list.
func stringOrList(operand json.RawMessage) ([]string, error) {
	var ids []string
	if err := json.Unmarshal(operand, &ids); err == nil {
		if len(ids) == 0 {
			return nil, fmt.Errorf("target list is empty")
		}
		return ids, nil
	}
	var single string
	if err := json.Unmarshal(operand, &single); err != nil || single == "" {
		return nil, fmt.Errorf("target must be a non-empty string or string list")
	}
	return []string{single}, nil
}
