// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TargetKind discriminates the addressing modes of a dispatch.
type TargetKind string

const (
	TargetUser      TargetKind = "User"
	TargetUsers     TargetKind = "Users"
	TargetBroadcast TargetKind = "Broadcast"
	TargetChannel   TargetKind = "Channel"
	TargetChannels  TargetKind = "Channels"
)

// Target pairs an addressing mode with its operand. It carries no state and
// is matched exhaustively by the dispatcher. The wire form is
// {"type":"User","target":"u1"}, {"type":"Users","target":["u1","u2"]} or
// {"type":"Broadcast"}.
type Target struct {
	kind TargetKind
	id   string
	ids  []string
}

// UserTarget addresses every live connection of one user.
func UserTarget(userID string) Target {
	return Target{kind: TargetUser, id: userID}
}

// UsersTarget addresses a set of users.
func UsersTarget(userIDs []string) Target {
	return Target{kind: TargetUsers, ids: userIDs}
}

// BroadcastTarget addresses all live connections.
func BroadcastTarget() Target {
	return Target{kind: TargetBroadcast}
}

// ChannelTarget addresses subscribers of one channel.
func ChannelTarget(name string) Target {
	return Target{kind: TargetChannel, id: name}
}

// ChannelsTarget addresses subscribers of a set of channels.
func ChannelsTarget(names []string) Target {
	return Target{kind: TargetChannels, ids: names}
}

// Kind returns the addressing mode.
func (t Target) Kind() TargetKind { return t.kind }

// ID returns the operand of User and Channel targets.
func (t Target) ID() string { return t.id }

// IDs returns the operand of Users and Channels targets.
func (t Target) IDs() []string { return t.ids }

// String renders the target for log output.
func (t Target) String() string {
	switch t.kind {
	case TargetUser, TargetChannel:
		return fmt.Sprintf("%s(%s)", t.kind, t.id)
	case TargetUsers, TargetChannels:
		return fmt.Sprintf("%s(%s)", t.kind, strings.Join(t.ids, ","))
	default:
		return string(t.kind)
	}
}

type targetWire struct {
	Type   TargetKind      `json:"type"`
	Target json.RawMessage `json:"target,omitempty"`
}

func (t Target) MarshalJSON() ([]byte, error) {
	w := targetWire{Type: t.kind}
	switch t.kind {
	case TargetUser, TargetChannel:
		b, err := json.Marshal(t.id)
		if err != nil {
			return nil, err
		}
		w.Target = b
	case TargetUsers, TargetChannels:
		b, err := json.Marshal(t.ids)
		if err != nil {
			return nil, err
		}
		w.Target = b
	}
	return json.Marshal(w)
}

func (t *Target) UnmarshalJSON(data []byte) error {
	var w targetWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parsed, err := parseTarget(w.Type, w.Target)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// parseTarget builds a Target from its wire discriminator and operand. For
// the list forms a bare string is promoted to a one-element list.
func parseTarget(kind TargetKind, operand json.RawMessage) (Target, error) {
	switch kind {
	case TargetBroadcast:
		return BroadcastTarget(), nil
	case TargetUser, TargetChannel:
		var id string
		if err := json.Unmarshal(operand, &id); err != nil {
			return Target{}, fmt.Errorf("%s target requires a string operand: %w", kind, err)
		}
		if kind == TargetUser {
			return UserTarget(id), nil
		}
		return ChannelTarget(id), nil
	case TargetUsers, TargetChannels:
		var ids []string
		if err := json.Unmarshal(operand, &ids); err != nil {
			var single string
			if err2 := json.Unmarshal(operand, &single); err2 != nil {
				return Target{}, fmt.Errorf("%s target requires a string or string list: %w", kind, err)
			}
			ids = []string{single}
		}
		if kind == TargetUsers {
			return UsersTarget(ids), nil
		}
		return ChannelsTarget(ids), nil
	default:
		return Target{}, fmt.Errorf("unknown target type %q", kind)
	}
}
