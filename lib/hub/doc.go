// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hub is the push-channel transport: one websocket connection
// to a hub server carrying server events and client invocations.
//
// A connection starts with a JSON handshake naming the frame protocol
// (see lib/codec: "json" as text messages, "cbor" as binary messages).
// After that every frame is an envelope:
//
//	{type: "invocation", id, target, payload}  client → server
//	{type: "completion", id, payload | error}  server → client
//	{type: "event", target, payload}           server → client
//	{type: "ping"} / {type: "close", error}    server → client
//
// [Conn.Invoke] sends an invocation and waits for its completion.
// Events are handed to [Handlers.OnEvent] on the read goroutine in
// arrival order.
//
// Reconnection is built in. When an established connection drops, Conn
// calls OnReconnecting, then walks its retry schedule (default 0s, 2s,
// 10s, 30s), asking the token provider for a fresh token on each
// attempt. The first success calls OnReconnected; an exhausted
// schedule calls OnClose with the last error. The initial [Dial] is
// not retried: a caller that cannot connect at all learns so
// immediately.
//
// Keepalive uses websocket ping control frames; a connection that
// delivers nothing (not even a pong) for twice the keepalive interval
// is treated as dropped.
package hub
