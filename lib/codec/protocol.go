// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/json"
	"fmt"
)

// Protocol is a hub wire format. A connection negotiates one protocol
// during its handshake and uses it for every frame and payload.
type Protocol interface {
	// Name is the identifier sent in the handshake ("json", "cbor").
	Name() string

	// Binary reports whether frames travel as binary websocket
	// messages (true) or text messages (false).
	Binary() bool

	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON is the text protocol. It is the default because browser
// clients and most hub servers speak it.
var JSON Protocol = jsonProtocol{}

// CBOR is the binary protocol.
var CBOR Protocol = cborProtocol{}

// ParseProtocol returns the protocol with the given handshake name.
// The empty string selects JSON.
func ParseProtocol(name string) (Protocol, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return nil, fmt.Errorf("codec: unknown protocol %q (want json or cbor)", name)
	}
}

type jsonProtocol struct{}

func (jsonProtocol) Name() string                       { return "json" }
func (jsonProtocol) Binary() bool                       { return false }
func (jsonProtocol) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonProtocol) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborProtocol struct{}

func (cborProtocol) Name() string                       { return "cbor" }
func (cborProtocol) Binary() bool                       { return true }
func (cborProtocol) Marshal(v any) ([]byte, error)      { return Marshal(v) }
func (cborProtocol) Unmarshal(data []byte, v any) error { return Unmarshal(data, v) }
