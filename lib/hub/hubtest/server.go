// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hubtest runs an in-process hub server for tests. It speaks
// the lib/hub wire protocol over a real websocket (gorilla Upgrader on
// an httptest server), records every invocation, answers them through
// registered handlers, and lets tests push events, drop connections
// and refuse reconnects.
package hubtest

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/chatsync/lib/codec"
	"github.com/bureau-foundation/chatsync/lib/hub"
)

// Invocation is one invocation received by the server.
type Invocation struct {
	Method  string
	Token   string
	payload hub.Payload
}

// Decode unmarshals the invocation payload into v.
func (i Invocation) Decode(v any) error {
	return i.payload.Decode(v)
}

// Handler answers an invocation. A non-nil error is sent back as the
// completion's error string.
type Handler func(invocation Invocation) (any, error)

// Connection describes an accepted connection.
type Connection struct {
	Token    string
	Protocol string
}

// Server is a hub server bound to a test.
type Server struct {
	// URL is the ws:// endpoint to dial.
	URL string

	httpServer *httptest.Server
	upgrader   websocket.Upgrader

	mu          sync.Mutex
	handlers    map[string]Handler
	connections map[*serverConn]struct{}
	refusing    bool
	authorize   func(token string) bool

	invocations chan Invocation
	connected   chan Connection
}

type serverConn struct {
	socket   *websocket.Conn
	protocol codec.Protocol
	token    string
	writeMu  sync.Mutex
}

// NewServer starts a server that is shut down when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	server := &Server{
		handlers:    make(map[string]Handler),
		connections: make(map[*serverConn]struct{}),
		invocations: make(chan Invocation, 1024),
		connected:   make(chan Connection, 64),
	}
	server.httpServer = httptest.NewServer(http.HandlerFunc(server.serveHTTP))
	server.URL = "ws" + strings.TrimPrefix(server.httpServer.URL, "http")
	t.Cleanup(server.Close)
	return server
}

// Handle registers the handler for method. Unhandled methods complete
// with an empty result.
func (s *Server) Handle(method string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// Authorize installs a token check; rejected upgrades get HTTP 401.
func (s *Server) Authorize(check func(token string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorize = check
}

// SetRefusing makes new upgrade requests fail with HTTP 503 while
// set.
func (s *Server) SetRefusing(refusing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refusing = refusing
}

// Invocations delivers every invocation in arrival order.
func (s *Server) Invocations() <-chan Invocation {
	return s.invocations
}

// Connected delivers one value per completed handshake.
func (s *Server) Connected() <-chan Connection {
	return s.connected
}

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// Broadcast sends an event to every live connection.
func (s *Server) Broadcast(target string, payload any) error {
	var errs []error
	for _, conn := range s.snapshot() {
		data, err := conn.protocol.Marshal(payload)
		if err != nil {
			return err
		}
		if err := conn.write(hub.Frame{Type: hub.FrameEvent, Target: target, Payload: data}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendClose sends a close frame with message to every live connection.
func (s *Server) SendClose(message string) {
	for _, conn := range s.snapshot() {
		conn.write(hub.Frame{Type: hub.FrameClose, Error: message})
	}
}

// DropAll closes every live connection without a close frame, as a
// network failure would.
func (s *Server) DropAll() {
	for _, conn := range s.snapshot() {
		conn.socket.Close()
	}
}

// Close drops all connections and stops the server.
func (s *Server) Close() {
	s.DropAll()
	s.httpServer.Close()
}

func (s *Server) snapshot() []*serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*serverConn, 0, len(s.connections))
	for conn := range s.connections {
		conns = append(conns, conn)
	}
	return conns
}

func (s *Server) serveHTTP(writer http.ResponseWriter, request *http.Request) {
	token := strings.TrimPrefix(request.Header.Get("Authorization"), "Bearer ")

	s.mu.Lock()
	refusing := s.refusing
	authorize := s.authorize
	s.mu.Unlock()

	if refusing {
		http.Error(writer, "hub unavailable", http.StatusServiceUnavailable)
		return
	}
	if authorize != nil && !authorize(token) {
		http.Error(writer, "unauthorized", http.StatusUnauthorized)
		return
	}

	socket, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		return
	}
	conn := &serverConn{socket: socket, token: token}
	if !s.handshake(conn) {
		socket.Close()
		return
	}

	s.mu.Lock()
	s.connections[conn] = struct{}{}
	s.mu.Unlock()
	select {
	case s.connected <- Connection{Token: token, Protocol: conn.protocol.Name()}:
	default:
	}

	s.readLoop(conn)

	s.mu.Lock()
	delete(s.connections, conn)
	s.mu.Unlock()
	socket.Close()
}

func (s *Server) handshake(conn *serverConn) bool {
	var request hub.Frame
	if err := conn.socket.ReadJSON(&request); err != nil {
		return false
	}
	protocol, err := codec.ParseProtocol(request.Protocol)
	if err != nil || request.Type != hub.FrameHandshake {
		message := "expected handshake"
		if err != nil {
			message = err.Error()
		}
		conn.socket.WriteJSON(hub.Frame{Type: hub.FrameHandshake, Error: message})
		return false
	}
	conn.protocol = protocol
	return conn.socket.WriteJSON(hub.Frame{Type: hub.FrameHandshake}) == nil
}

func (s *Server) readLoop(conn *serverConn) {
	for {
		_, data, err := conn.socket.ReadMessage()
		if err != nil {
			return
		}
		var frame hub.Frame
		if err := conn.protocol.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type != hub.FrameInvocation {
			continue
		}

		invocation := Invocation{
			Method:  frame.Target,
			Token:   conn.token,
			payload: hub.NewPayload(conn.protocol, frame.Payload),
		}
		select {
		case s.invocations <- invocation:
		default:
		}

		s.mu.Lock()
		handler := s.handlers[frame.Target]
		s.mu.Unlock()

		reply := hub.Frame{Type: hub.FrameCompletion, ID: frame.ID}
		if handler != nil {
			result, err := handler(invocation)
			if err != nil {
				reply.Error = err.Error()
			} else if result != nil {
				encoded, err := conn.protocol.Marshal(result)
				if err != nil {
					reply.Error = err.Error()
				} else {
					reply.Payload = encoded
				}
			}
		}
		if err := conn.write(reply); err != nil {
			return
		}
	}
}

func (c *serverConn) write(frame hub.Frame) error {
	data, err := c.protocol.Marshal(frame)
	if err != nil {
		return err
	}
	messageType := websocket.TextMessage
	if c.protocol.Binary() {
		messageType = websocket.BinaryMessage
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.socket.WriteMessage(messageType, data)
}
