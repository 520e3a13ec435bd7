// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/lib/codec"
	"github.com/bureau-foundation/chatsync/lib/netutil"
)

// DefaultRetryDelays is the reconnect schedule used when
// Config.RetryDelays is nil.
var DefaultRetryDelays = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultKeepAlive        = 15 * time.Second
	writeTimeout            = 10 * time.Second
	maxFrameSize            = 4 << 20
)

// Config holds the parameters for a hub connection.
type Config struct {
	// Name identifies the hub in logs and errors ("message",
	// "notification").
	Name string

	// URL is the ws:// or wss:// endpoint.
	URL string

	// TokenProvider supplies the bearer token for each connect and
	// reconnect attempt. Required.
	TokenProvider func(ctx context.Context) (string, error)

	// Protocol is the frame format. Nil selects codec.JSON.
	Protocol codec.Protocol

	// RetryDelays is the reconnect schedule: one attempt after each
	// delay, in order. Nil selects DefaultRetryDelays; an empty
	// non-nil slice disables reconnection.
	RetryDelays []time.Duration

	// HandshakeTimeout bounds dial plus handshake. Zero selects 15s.
	HandshakeTimeout time.Duration

	// KeepAlive is the ping interval. Zero selects 15s; negative
	// disables pings and read deadlines.
	KeepAlive time.Duration

	// Dialer overrides the websocket dialer.
	Dialer *websocket.Dialer

	// Clock times reconnect delays and keepalive pings. Nil selects
	// clock.Real().
	Clock clock.Clock

	// Logger receives connection lifecycle messages. Nil discards.
	Logger *slog.Logger
}

// Handlers receive connection activity. Every field is optional.
// Handlers run on the connection's goroutine and must not call
// Conn.Close.
type Handlers struct {
	// OnEvent receives server events in arrival order.
	OnEvent func(target string, payload Payload)

	// OnReconnecting is called when an established connection drops
	// and the retry schedule starts.
	OnReconnecting func(err error)

	// OnReconnected is called when a retry succeeds.
	OnReconnected func()

	// OnClose is called once when the connection ends for good: nil
	// after Close, the last error after the retry schedule is
	// exhausted.
	OnClose func(err error)
}

type completion struct {
	frame Frame
	err   error
}

// Conn is a hub connection that survives drops. Safe for concurrent
// use.
type Conn struct {
	name        string
	url         string
	token       func(ctx context.Context) (string, error)
	protocol    codec.Protocol
	retryDelays []time.Duration
	handshake   time.Duration
	keepAlive   time.Duration
	dialer      *websocket.Dialer
	clock       clock.Clock
	logger      *slog.Logger
	handlers    Handlers

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	socket  *websocket.Conn
	closing bool
	pending map[string]chan completion

	writeMu sync.Mutex
}

// Dial connects to the hub and starts the connection's goroutine. The
// initial connect is attempted once; reconnection applies only to
// drops after Dial succeeds.
func Dial(ctx context.Context, config Config, handlers Handlers) (*Conn, error) {
	conn, err := newConn(config, handlers)
	if err != nil {
		return nil, err
	}

	socket, err := conn.connect(ctx)
	if err != nil {
		conn.cancel()
		return nil, err
	}
	conn.socket = socket

	conn.logger.Info("hub connected", "hub", conn.name, "protocol", conn.protocol.Name())
	go conn.run(socket)
	return conn, nil
}

func newConn(config Config, handlers Handlers) (*Conn, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("hub: URL is required")
	}
	parsed, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("hub: invalid URL %q: %w", config.URL, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, fmt.Errorf("hub: URL %q must be ws or wss", config.URL)
	}
	if config.TokenProvider == nil {
		return nil, fmt.Errorf("hub: TokenProvider is required")
	}

	protocol := config.Protocol
	if protocol == nil {
		protocol = codec.JSON
	}
	retryDelays := config.RetryDelays
	if retryDelays == nil {
		retryDelays = DefaultRetryDelays
	}
	handshake := config.HandshakeTimeout
	if handshake <= 0 {
		handshake = defaultHandshakeTimeout
	}
	keepAlive := config.KeepAlive
	if keepAlive == 0 {
		keepAlive = defaultKeepAlive
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshake,
		}
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	name := config.Name
	if name == "" {
		name = parsed.Path
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		name:        name,
		url:         config.URL,
		token:       config.TokenProvider,
		protocol:    protocol,
		retryDelays: retryDelays,
		handshake:   handshake,
		keepAlive:   keepAlive,
		dialer:      dialer,
		clock:       clk,
		logger:      logger,
		handlers:    handlers,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		pending:     make(map[string]chan completion),
	}, nil
}

// Name returns the hub name from Config.
func (c *Conn) Name() string { return c.name }

// Protocol returns the negotiated frame protocol.
func (c *Conn) Protocol() codec.Protocol { return c.protocol }

// Connected reports whether a socket is currently established.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socket != nil && !c.closing
}

// Invoke calls method on the server with payload and waits for the
// completion. If result is non-nil the completion payload is decoded
// into it. Invoke fails with ErrNotConnected while reconnecting; it is
// never queued or retried.
func (c *Conn) Invoke(ctx context.Context, method string, payload, result any) error {
	var raw codec.Raw
	if payload != nil {
		encoded, err := c.protocol.Marshal(payload)
		if err != nil {
			return fmt.Errorf("hub: encoding %s payload: %w", method, err)
		}
		raw = encoded
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrClosed
	}
	socket := c.socket
	if socket == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	id := uuid.NewString()
	reply := make(chan completion, 1)
	c.pending[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(socket, Frame{Type: FrameInvocation, ID: id, Target: method, Payload: raw}); err != nil {
		return fmt.Errorf("hub: sending %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case done := <-reply:
		if done.err != nil {
			return done.err
		}
		if done.frame.Error != "" {
			return &InvocationError{Method: method, Message: done.frame.Error}
		}
		if result != nil && len(done.frame.Payload) > 0 {
			if err := c.protocol.Unmarshal(done.frame.Payload, result); err != nil {
				return fmt.Errorf("hub: decoding %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Close ends the connection and stops reconnection. OnClose is called
// with nil before Close returns.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closing = true
	socket := c.socket
	c.mu.Unlock()

	c.cancel()
	if socket != nil {
		deadline := time.Now().Add(time.Second) //nolint:realclock socket deadline
		_ = socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		socket.Close()
	}
	<-c.done
	return nil
}

// run serves socket, then reconnects after each drop until the
// connection is closed or the retry schedule runs out.
func (c *Conn) run(socket *websocket.Conn) {
	defer close(c.done)

	for {
		err := c.serve(socket)
		c.detach(err)

		if c.isClosing() {
			c.logger.Info("hub closed", "hub", c.name)
			c.notifyClose(nil)
			return
		}

		if netutil.IsExpectedCloseError(err) {
			c.logger.Info("hub connection dropped", "hub", c.name, "error", err)
		} else {
			c.logger.Warn("hub connection dropped", "hub", c.name, "error", err)
		}
		if c.handlers.OnReconnecting != nil {
			c.handlers.OnReconnecting(err)
		}

		socket, err = c.reconnect(err)
		if socket == nil {
			c.mu.Lock()
			c.closing = true
			c.mu.Unlock()
			if err != nil {
				c.logger.Warn("hub reconnect gave up", "hub", c.name, "error", err)
			}
			c.notifyClose(err)
			return
		}

		c.logger.Info("hub reconnected", "hub", c.name)
		if c.handlers.OnReconnected != nil {
			c.handlers.OnReconnected()
		}
	}
}

// reconnect walks the retry schedule. It returns the new socket, or
// nil with the last error when the schedule is exhausted, or nil with
// nil when Close interrupted it.
func (c *Conn) reconnect(cause error) (*websocket.Conn, error) {
	lastErr := cause
	for attempt, delay := range c.retryDelays {
		select {
		case <-c.ctx.Done():
			return nil, nil
		case <-c.clock.After(delay):
		}

		socket, err := c.connect(c.ctx)
		if err == nil {
			c.mu.Lock()
			if c.closing {
				c.mu.Unlock()
				socket.Close()
				return nil, nil
			}
			c.socket = socket
			c.mu.Unlock()
			return socket, nil
		}
		if c.ctx.Err() != nil {
			return nil, nil
		}
		lastErr = err
		c.logger.Debug("hub reconnect attempt failed",
			"hub", c.name,
			"attempt", attempt+1,
			"of", len(c.retryDelays),
			"error", err,
		)
	}
	return nil, lastErr
}

// connect dials the hub and completes the handshake.
func (c *Conn) connect(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("hub: obtaining access token: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.handshake)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	socket, response, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("hub: dialing %s: %w (status %d)", c.name, err, response.StatusCode)
		}
		return nil, fmt.Errorf("hub: dialing %s: %w", c.name, err)
	}
	socket.SetReadLimit(maxFrameSize)

	deadline := time.Now().Add(c.handshake) //nolint:realclock socket deadline
	socket.SetWriteDeadline(deadline)
	socket.SetReadDeadline(deadline)

	request := Frame{Type: FrameHandshake, Protocol: c.protocol.Name(), Version: ProtocolVersion}
	if err := socket.WriteJSON(request); err != nil {
		socket.Close()
		return nil, fmt.Errorf("hub: sending handshake: %w", err)
	}
	var reply Frame
	if err := socket.ReadJSON(&reply); err != nil {
		socket.Close()
		return nil, fmt.Errorf("hub: reading handshake: %w", err)
	}
	if reply.Type != FrameHandshake {
		socket.Close()
		return nil, fmt.Errorf("hub: expected handshake reply, got %q", reply.Type)
	}
	if reply.Error != "" {
		socket.Close()
		return nil, &HandshakeError{Message: reply.Error}
	}

	socket.SetWriteDeadline(time.Time{})
	c.extendReadDeadline(socket)
	socket.SetPongHandler(func(string) error {
		c.extendReadDeadline(socket)
		return nil
	})
	return socket, nil
}

// serve runs the read loop (and keepalive) for one socket until it
// fails.
func (c *Conn) serve(socket *websocket.Conn) error {
	stop := make(chan struct{})
	if c.keepAlive > 0 {
		go c.pingLoop(socket, stop)
	}
	err := c.readLoop(socket)
	close(stop)
	socket.Close()
	return err
}

func (c *Conn) readLoop(socket *websocket.Conn) error {
	for {
		_, data, err := socket.ReadMessage()
		if err != nil {
			return err
		}
		c.extendReadDeadline(socket)

		var frame Frame
		if err := c.protocol.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("hub frame decode failed", "hub", c.name, "error", err, "size", len(data))
			continue
		}

		switch frame.Type {
		case FrameEvent:
			if c.handlers.OnEvent != nil {
				c.handlers.OnEvent(frame.Target, NewPayload(c.protocol, frame.Payload))
			}
		case FrameCompletion:
			c.complete(frame)
		case FramePing:
		case FrameClose:
			return &ServerCloseError{Message: frame.Error}
		default:
			c.logger.Debug("unknown hub frame type", "hub", c.name, "type", frame.Type)
		}
	}
}

func (c *Conn) pingLoop(socket *websocket.Conn, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-c.clock.After(c.keepAlive):
		}
		deadline := time.Now().Add(writeTimeout) //nolint:realclock socket deadline
		if err := socket.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			return
		}
	}
}

func (c *Conn) extendReadDeadline(socket *websocket.Conn) {
	if c.keepAlive <= 0 {
		socket.SetReadDeadline(time.Time{})
		return
	}
	socket.SetReadDeadline(time.Now().Add(2 * c.keepAlive)) //nolint:realclock socket deadline
}

func (c *Conn) write(socket *websocket.Conn, frame Frame) error {
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
	socket.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:realclock socket deadline
	return socket.WriteMessage(messageType, data)
}

func (c *Conn) complete(frame Frame) {
	c.mu.Lock()
	reply, ok := c.pending[frame.ID]
	delete(c.pending, frame.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("completion for unknown invocation", "hub", c.name, "id", frame.ID)
		return
	}
	reply <- completion{frame: frame}
}

// detach forgets the dropped socket and fails every invocation still
// waiting on it.
func (c *Conn) detach(cause error) {
	c.mu.Lock()
	c.socket = nil
	pending := c.pending
	c.pending = make(map[string]chan completion)
	c.mu.Unlock()

	err := ErrConnectionLost
	if cause != nil && !errors.Is(cause, ErrConnectionLost) {
		err = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
	}
	for _, reply := range pending {
		reply <- completion{err: err}
	}
}

func (c *Conn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *Conn) notifyClose(err error) {
	if c.handlers.OnClose != nil {
		c.handlers.OnClose(err)
	}
}
