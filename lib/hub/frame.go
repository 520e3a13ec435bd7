// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"errors"

	"github.com/bureau-foundation/chatsync/lib/codec"
)

// Frame types.
const (
	FrameHandshake  = "handshake"
	FrameInvocation = "invocation"
	FrameCompletion = "completion"
	FrameEvent      = "event"
	FramePing       = "ping"
	FrameClose      = "close"
)

// ProtocolVersion is sent in the handshake.
const ProtocolVersion = 1

// Frame is the envelope for every message on a hub connection. It is
// exported for hub server implementations (and lib/hub/hubtest).
type Frame struct {
	Type    string    `json:"type"`
	ID      string    `json:"id,omitempty"`
	Target  string    `json:"target,omitempty"`
	Payload codec.Raw `json:"payload,omitempty"`
	Error   string    `json:"error,omitempty"`

	// Handshake fields.
	Protocol string `json:"protocol,omitempty"`
	Version  int    `json:"version,omitempty"`
}

// Payload is an event or completion payload still in wire form.
type Payload struct {
	protocol codec.Protocol
	data     codec.Raw
}

// NewPayload wraps data encoded with protocol.
func NewPayload(protocol codec.Protocol, data []byte) Payload {
	return Payload{protocol: protocol, data: data}
}

// Decode unmarshals the payload into v.
func (p Payload) Decode(v any) error {
	if len(p.data) == 0 {
		return errors.New("hub: empty payload")
	}
	return p.protocol.Unmarshal(p.data, v)
}

// Empty reports whether the frame carried no payload.
func (p Payload) Empty() bool {
	return len(p.data) == 0
}
