// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/lib/hub"
	"github.com/bureau-foundation/chatsync/lib/metrics"
	"github.com/bureau-foundation/chatsync/messaging"
)

// ErrNotConnected is wrapped in the *messaging.TransportError returned
// by Invoke when the manager is not Connected.
var ErrNotConnected = errors.New("connection: not connected")

// State is the lifecycle state of a hub connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const defaultInvokeTimeout = 30 * time.Second

// Config holds the parameters for a Manager.
type Config struct {
	// Hub is passed to hub.Dial on every Connect. Its Clock and
	// Logger default to the Manager's.
	Hub hub.Config

	// InvokeTimeout bounds each invocation whose context carries no
	// deadline. Zero selects 30s.
	InvokeTimeout time.Duration

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Handler receives one hub event. Handlers run on the connection's
// read goroutine, so they must return promptly and must not wait on
// Invoke. A handler may see the same logical event more than once
// around a reconnect and must tolerate that.
type Handler func(payload hub.Payload)

// Manager is one shared hub connection. Safe for concurrent use.
type Manager struct {
	config  Config
	name    string
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	conn     *hub.Conn
	session  *session
	closed   bool
	handlers map[string][]Handler
	watchers []func(from, to State)

	// joined holds conversations to rejoin, in join order.
	joined []string
	// unreadMarks holds conversations whose markRead is owed to the
	// server.
	unreadMarks map[string]struct{}
}

// session ties hub callbacks to the Dial that created them, so a late
// callback from a replaced connection is ignored.
type session struct{}

// New creates a Manager in the Disconnected state.
func New(config Config) *Manager {
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if config.InvokeTimeout <= 0 {
		config.InvokeTimeout = defaultInvokeTimeout
	}
	if config.Hub.Clock == nil {
		config.Hub.Clock = clk
	}
	if config.Hub.Logger == nil {
		config.Hub.Logger = logger
	}
	name := config.Hub.Name
	if name == "" {
		name = "hub"
	}
	return &Manager{
		config:      config,
		name:        name,
		clock:       clk,
		metrics:     config.Metrics,
		logger:      logger.With("hub", name),
		handlers:    make(map[string][]Handler),
		unreadMarks: make(map[string]struct{}),
	}
}

// Name returns the hub name.
func (m *Manager) Name() string { return m.name }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Watch registers fn to be called on every state transition. fn runs
// outside the manager's lock, on whichever goroutine caused the
// transition.
func (m *Manager) Watch(fn func(from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, fn)
}

// On registers handler for eventName. Register handlers once, before
// Connect; handlers registered later see only later events.
func (m *Manager) On(eventName string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[eventName] = append(m.handlers[eventName], handler)
}

// Handle registers a handler that receives the event payload decoded
// into T. Payloads that fail to decode are logged and dropped.
func Handle[T any](m *Manager, eventName string, handler func(T)) {
	m.On(eventName, func(payload hub.Payload) {
		var event T
		if err := payload.Decode(&event); err != nil {
			m.logger.Warn("dropping undecodable hub event", "event", eventName, "error", err)
			return
		}
		handler(event)
	})
}

// Connect dials the hub. It fails with a *messaging.TransportError if
// the dial fails, leaving the manager Disconnected. Calling Connect
// while Connecting, Connected or Reconnecting is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return &messaging.TransportError{Hub: m.name, Err: hub.ErrClosed}
	}
	if m.state != Disconnected {
		m.mu.Unlock()
		return nil
	}
	current := &session{}
	m.session = current
	m.mu.Unlock()
	m.transition(current, Connecting)

	conn, err := hub.Dial(ctx, m.config.Hub, m.hubHandlers(current))
	if err != nil {
		m.transition(current, Disconnected)
		m.logger.Warn("hub connect failed", "error", err)
		return &messaging.TransportError{Hub: m.name, Err: err}
	}

	m.mu.Lock()
	if m.closed || m.session != current {
		m.mu.Unlock()
		conn.Close()
		return &messaging.TransportError{Hub: m.name, Err: hub.ErrClosed}
	}
	m.conn = conn
	m.mu.Unlock()

	m.transition(current, Connected)
	m.replay(ctx)
	return nil
}

func (m *Manager) hubHandlers(current *session) hub.Handlers {
	return hub.Handlers{
		OnEvent: func(target string, payload hub.Payload) {
			m.dispatch(current, target, payload)
		},
		OnReconnecting: func(err error) {
			m.logger.Info("hub reconnecting", "error", err)
			m.transition(current, Reconnecting)
		},
		OnReconnected: func() {
			m.metrics.ObserveReconnect(m.name, "reconnected")
			if m.transition(current, Connected) {
				// The callback runs on the connection goroutine, which
				// must get back to reading before any replayed
				// invocation can complete.
				go m.replay(context.Background())
			}
		},
		OnClose: func(err error) {
			if err != nil {
				m.metrics.ObserveReconnect(m.name, "gave_up")
				m.logger.Warn("hub connection lost for good", "error", err)
			}
			m.mu.Lock()
			if m.session == current {
				m.conn = nil
			}
			m.mu.Unlock()
			m.transition(current, Disconnected)
		},
	}
}

// transition moves to state if current is still the live session.
// It reports whether the transition happened.
func (m *Manager) transition(current *session, state State) bool {
	m.mu.Lock()
	if m.session != current || m.state == state {
		m.mu.Unlock()
		return false
	}
	from := m.state
	m.state = state
	watchers := slices.Clone(m.watchers)
	m.mu.Unlock()

	m.logger.Debug("hub state", "from", from.String(), "to", state.String())
	m.metrics.ObserveState(m.name, state.String())
	for _, watch := range watchers {
		watch(from, state)
	}
	return true
}

func (m *Manager) dispatch(current *session, target string, payload hub.Payload) {
	m.mu.Lock()
	if m.session != current {
		m.mu.Unlock()
		return
	}
	handlers := slices.Clone(m.handlers[target])
	m.mu.Unlock()

	if len(handlers) == 0 {
		m.logger.Debug("no handler for hub event", "event", target)
		return
	}
	for _, handler := range handlers {
		handler(payload)
	}
}

// Invoke calls method on the hub. It fails with a
// *messaging.TransportError wrapping ErrNotConnected unless the
// manager is Connected, and with a *messaging.RequestError if the
// invocation itself fails. Failed invocations are never retried.
func (m *Manager) Invoke(ctx context.Context, method string, payload, result any) error {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if state != Connected || conn == nil {
		m.metrics.ObserveInvocation(method, metrics.ResultTransportError, 0)
		return &messaging.TransportError{Hub: m.name, Err: ErrNotConnected}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.InvokeTimeout)
		defer cancel()
	}

	start := m.clock.Now()
	err := conn.Invoke(ctx, method, payload, result)
	elapsed := m.clock.Now().Sub(start)
	switch {
	case err == nil:
		m.metrics.ObserveInvocation(method, metrics.ResultOK, elapsed)
		return nil
	case errors.Is(err, hub.ErrNotConnected), errors.Is(err, hub.ErrClosed):
		m.metrics.ObserveInvocation(method, metrics.ResultTransportError, elapsed)
		return &messaging.TransportError{Hub: m.name, Err: errors.Join(ErrNotConnected, err)}
	default:
		m.metrics.ObserveInvocation(method, metrics.ResultRequestError, elapsed)
		return &messaging.RequestError{Op: method, Err: err}
	}
}

// Join subscribes to a conversation's events and adds it to the
// rejoin queue. While not Connected the join is only queued and Join
// returns nil; it is sent on the next transition into Connected.
func (m *Manager) Join(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	if !slices.Contains(m.joined, conversationID) {
		m.joined = append(m.joined, conversationID)
	}
	connected := m.state == Connected
	m.mu.Unlock()

	if !connected {
		return nil
	}
	return m.Invoke(ctx, messaging.MethodJoinConversation, conversationID, nil)
}

// Leave removes a conversation from the rejoin queue and drops any
// markRead still owed for it. There is no server-side leave; the
// window simply stops listening.
func (m *Manager) Leave(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joined = slices.DeleteFunc(m.joined, func(id string) bool { return id == conversationID })
	delete(m.unreadMarks, conversationID)
}

// Joined returns the rejoin queue in join order.
func (m *Manager) Joined() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.joined)
}

// MarkRead tells the server the conversation has been read. If the
// connection is down the mark is queued and replayed on reconnect,
// and MarkRead returns nil.
func (m *Manager) MarkRead(ctx context.Context, conversationID string) error {
	err := m.Invoke(ctx, messaging.MethodMarkRead, conversationID, nil)
	var transportErr *messaging.TransportError
	if errors.As(err, &transportErr) {
		m.mu.Lock()
		m.unreadMarks[conversationID] = struct{}{}
		m.mu.Unlock()
		m.logger.Debug("markRead queued until reconnect", "conversation_id", conversationID)
		return nil
	}
	return err
}

// replay sends the rejoin queue and every owed markRead. Failures are
// logged; a conversation that fails to rejoin is retried on the next
// transition into Connected.
func (m *Manager) replay(ctx context.Context) {
	m.mu.Lock()
	joined := slices.Clone(m.joined)
	marks := make([]string, 0, len(m.unreadMarks))
	for id := range m.unreadMarks {
		marks = append(marks, id)
	}
	m.mu.Unlock()
	slices.Sort(marks)

	if len(joined) > 0 || len(marks) > 0 {
		m.logger.Info("replaying rejoin queue",
			"conversations", strings.Join(joined, ","),
			"mark_read", len(marks),
		)
	}

	for _, id := range joined {
		if !m.stillJoined(id) {
			continue
		}
		if err := m.Invoke(ctx, messaging.MethodJoinConversation, id, nil); err != nil {
			m.logger.Warn("rejoin failed", "conversation_id", id, "error", err)
		}
	}
	for _, id := range marks {
		err := m.Invoke(ctx, messaging.MethodMarkRead, id, nil)
		if err != nil {
			m.logger.Warn("replayed markRead failed", "conversation_id", id, "error", err)
			var transportErr *messaging.TransportError
			if errors.As(err, &transportErr) {
				continue
			}
		}
		m.mu.Lock()
		delete(m.unreadMarks, id)
		m.mu.Unlock()
	}
}

func (m *Manager) stillJoined(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Contains(m.joined, conversationID)
}

// Close ends the connection and stops reconnection. The manager ends
// Disconnected and cannot be reconnected.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	current := m.session
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("connection: closing %s hub: %w", m.name, err)
		}
	}
	m.transition(current, Disconnected)
	return nil
}
