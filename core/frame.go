// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame types the server emits.
const (
	FrameNotification = "notification"
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FramePong         = "pong"
	FrameHeartbeat    = "heartbeat"
	FrameAcked        = "acked"
	FrameError        = "error"
	FrameShutdown     = "shutdown"
)

// Message types clients send.
const (
	ClientSubscribe   = "Subscribe"
	ClientUnsubscribe = "Unsubscribe"
	ClientPing        = "Ping"
	ClientAck         = "Ack"
)

// Error codes carried by error frames.
const (
	CodeInvalidMessage    = "INVALID_MESSAGE"
	CodeUnsupportedFormat = "UNSUPPORTED_FORMAT"
	CodeConnectionLimit   = "CONNECTION_LIMIT"
	CodeSubscriptionError = "SUBSCRIPTION_ERROR"
	CodeInvalidAck        = "INVALID_ACK"
)

// Frame is an outbound transport frame. Exactly one frame shape is populated
// per type; unused fields are omitted from the wire form.
type Frame struct {
	Type string `json:"type"`

	// notification: the event fields are inlined next to the type tag.
	ID         string          `json:"id,omitempty"`
	OccurredAt *time.Time      `json:"occurred_at,omitempty"`
	EventType  string          `json:"event_type,omitempty"`
	Metadata   *Metadata       `json:"metadata,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// acked
	NotificationID string `json:"notification_id,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// shutdown
	Reason         string `json:"reason,omitempty"`
	ReconnectAfter int    `json:"reconnect_after_seconds,omitempty"`
}

// NotificationFrame wraps an event for delivery.
func NotificationFrame(evt Event) Frame {
	occurred := evt.OccurredAt
	meta := evt.Metadata
	return Frame{
		Type:       FrameNotification,
		ID:         evt.ID.String(),
		OccurredAt: &occurred,
		EventType:  evt.EventType,
		Metadata:   &meta,
		Payload:    evt.Payload,
	}
}

// SubscribedFrame confirms the channels a subscribe request added.
func SubscribedFrame(channels []string) Frame {
	return listFrame(FrameSubscribed, channels)
}

// UnsubscribedFrame confirms the channels an unsubscribe request removed.
func UnsubscribedFrame(channels []string) Frame {
	return listFrame(FrameUnsubscribed, channels)
}

func listFrame(typ string, channels []string) Frame {
	payload, _ := json.Marshal(channels)
	return Frame{Type: typ, Payload: payload}
}

// PongFrame answers a client ping.
func PongFrame() Frame { return Frame{Type: FramePong} }

// HeartbeatFrame is the periodic liveness probe.
func HeartbeatFrame() Frame { return Frame{Type: FrameHeartbeat} }

// AckedFrame confirms receipt of a client acknowledgment.
func AckedFrame(notificationID string) Frame {
	return Frame{Type: FrameAcked, NotificationID: notificationID}
}

// ErrorFrame reports a recoverable protocol error to the client.
func ErrorFrame(code, message string) Frame {
	return Frame{Type: FrameError, Code: code, Message: message}
}

// ShutdownFrame announces graceful shutdown and when to reconnect.
func ShutdownFrame(reason string, reconnectAfter int) Frame {
	return Frame{Type: FrameShutdown, Reason: reason, ReconnectAfter: reconnectAfter}
}

// Encode serializes the frame to its wire form.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// ClientMessage is an inbound frame from a client.
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload carries the channels of Subscribe and Unsubscribe messages.
type SubscribePayload struct {
	Channels []string `json:"channels"`
}

// AckPayload carries the event identifier being acknowledged.
type AckPayload struct {
	NotificationID string `json:"notification_id"`
}

// ParseClientMessage decodes an inbound frame and validates its type tag.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("malformed message: %w", err)
	}
	switch msg.Type {
	case ClientSubscribe, ClientUnsubscribe, ClientPing, ClientAck:
		return msg, nil
	default:
		return ClientMessage{}, fmt.Errorf("unknown message type %q", msg.Type)
	}
}

// Channels decodes the channel list of a Subscribe or Unsubscribe message.
func (m ClientMessage) Channels() ([]string, error) {
	var p SubscribePayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, fmt.Errorf("malformed %s payload: %w", m.Type, err)
	}
	return p.Channels, nil
}

// AckID decodes the notification identifier of an Ack message.
func (m ClientMessage) AckID() (string, error) {
	var p AckPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return "", fmt.Errorf("malformed Ack payload: %w", err)
	}
	return p.NotificationID, nil
}
