// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

// OutboundMessage travels from producers to a connection's writer. It is
// either a frame the writer serializes at write time or bytes serialized
// once and shared across a fan-out.
type OutboundMessage struct {
	frame Frame
	bytes []byte
}

// Raw wraps a frame to be serialized by the consuming writer.
func Raw(f Frame) OutboundMessage {
	return OutboundMessage{frame: f}
}

// PreSerialized wraps bytes already in wire form. The slice is shared among
// recipients and must not be modified.
func PreSerialized(b []byte) OutboundMessage {
	return OutboundMessage{bytes: b}
}

// PreEncoded reports whether the message skips writer-side serialization.
func (m OutboundMessage) PreEncoded() bool { return m.bytes != nil }

// Frame returns the wrapped frame of a Raw message.
func (m OutboundMessage) Frame() Frame { return m.frame }

// Encode yields the wire bytes, serializing Raw frames on demand.
func (m OutboundMessage) Encode() ([]byte, error) {
	if m.bytes != nil {
		return m.bytes, nil
	}
	return m.frame.Encode()
}
