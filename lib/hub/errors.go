// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Invoke while the connection is
	// reconnecting or after it gave up.
	ErrNotConnected = errors.New("hub: not connected")

	// ErrConnectionLost is returned by an Invoke whose connection
	// dropped before the completion arrived. The server may or may
	// not have executed the invocation.
	ErrConnectionLost = errors.New("hub: connection lost before completion")

	// ErrClosed is returned by operations on a closed Conn.
	ErrClosed = errors.New("hub: connection closed")
)

// InvocationError is a completion that carried an error from the
// server.
type InvocationError struct {
	Method  string
	Message string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("hub: %s rejected by server: %s", e.Method, e.Message)
}

// HandshakeError is a handshake the server refused.
type HandshakeError struct {
	Message string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("hub: handshake rejected: %s", e.Message)
}

// ServerCloseError is a close frame sent by the server.
type ServerCloseError struct {
	Message string
}

func (e *ServerCloseError) Error() string {
	if e.Message == "" {
		return "hub: server closed the connection"
	}
	return fmt.Sprintf("hub: server closed the connection: %s", e.Message)
}
