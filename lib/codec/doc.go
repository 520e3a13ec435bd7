// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the serialization formats used on the hub wire
// and in the local history cache.
//
// Hub connections negotiate a [Protocol] during the handshake: [JSON]
// (text websocket messages) or [CBOR] (binary websocket messages). Frame
// payloads are carried as [Raw] so that the frame envelope can be
// decoded before the payload type is known.
//
// The CBOR modes use Core Deterministic Encoding (RFC 8949 §4.2) and
// encode time.Time as RFC 3339 text with nanoseconds, so timestamps
// survive a round trip exactly. Message types carry only `json` struct
// tags; fxamacker/cbor falls back to them when `cbor` tags are absent,
// giving identical field names in both formats.
//
//	data, err := codec.Marshal(snapshot)
//	err = codec.Unmarshal(data, &snapshot)
package codec
