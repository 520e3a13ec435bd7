// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package coordinator manages the set of open conversation windows
// over one shared message hub connection.
//
// In widget mode at most Capacity windows exist at once (floating
// bubbles). A foreign message for a conversation without a window
// promotes it as a minimized bubble carrying its unread count,
// evicting the least recently active window when full. In inbox mode
// windows are unbounded and exactly one is shown at a time.
//
// Closing a window tears down its Session and drops the conversation
// from the rejoin queue; the hub connection is never touched.
package coordinator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/lib/connection"
	"github.com/bureau-foundation/chatsync/lib/conversation"
	"github.com/bureau-foundation/chatsync/lib/history"
	"github.com/bureau-foundation/chatsync/lib/merge"
	"github.com/bureau-foundation/chatsync/lib/metrics"
	"github.com/bureau-foundation/chatsync/lib/outbound"
	"github.com/bureau-foundation/chatsync/lib/scroll"
	"github.com/bureau-foundation/chatsync/messaging"
)

// DefaultWidgetCapacity is the widget-mode window cap.
const DefaultWidgetCapacity = 3

// Mode selects the window policy.
type Mode int

const (
	// ModeWidget: a few floating windows, all visible unless
	// minimized.
	ModeWidget Mode = iota
	// ModeInbox: unbounded windows, one shown at a time.
	ModeInbox
)

// ParseMode parses "widget" or "inbox".
func ParseMode(name string) (Mode, error) {
	switch name {
	case "widget":
		return ModeWidget, nil
	case "inbox":
		return ModeInbox, nil
	default:
		return 0, fmt.Errorf("coordinator: unknown mode %q (want widget or inbox)", name)
	}
}

func (m Mode) String() string {
	if m == ModeInbox {
		return "inbox"
	}
	return "widget"
}

// WindowState is the client-side state of a conversation window.
// Closed windows do not exist; the state is reported only for
// completeness in Conversations.
type WindowState int

const (
	Closed WindowState = iota
	Open
	Minimized
)

func (s WindowState) String() string {
	switch s {
	case Open:
		return "open"
	case Minimized:
		return "minimized"
	default:
		return "closed"
	}
}

// Hub is the shared message hub connection. *connection.Manager
// satisfies it.
type Hub interface {
	Join(ctx context.Context, conversationID string) error
	Leave(conversationID string)
	MarkRead(ctx context.Context, conversationID string) error
	Invoke(ctx context.Context, method string, payload, result any) error
}

// Window is a snapshot of one window.
type Window struct {
	ConversationID string
	Name           string
	State          WindowState
	Unread         int
	// Z is the stacking order; higher is on top.
	Z          int
	LastActive time.Time
}

// Entry is a snapshot of one conversation in the directory.
type Entry struct {
	messaging.Conversation
	Unread int
	State  WindowState
}

// Config holds Coordinator parameters. User, Hub and Fetcher are
// required.
type Config struct {
	Mode Mode
	// Capacity caps widget-mode windows. Zero selects
	// DefaultWidgetCapacity; ignored in inbox mode.
	Capacity int

	User     messaging.User
	Hub      Hub
	Fetcher  history.Fetcher
	Uploader outbound.Uploader

	Cache     conversation.Cache
	CacheSize int
	PageSize  int
	Scroll    scroll.Config

	// OnUpdate receives list updates from every session.
	OnUpdate func(conversation.Update)

	// OnChange is called after the window set, an unread counter or
	// the directory changes.
	OnChange func()

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type window struct {
	session    *conversation.Session
	state      WindowState
	z          int
	lastActive time.Time
	started    bool
}

// Coordinator owns the open windows. Safe for concurrent use.
type Coordinator struct {
	config   Config
	capacity int
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger
	onChange func()

	mu        sync.Mutex
	windows   map[string]*window
	unread    map[string]int
	// counted holds the message keys behind each unread counter so a
	// redelivered event is not counted twice.
	counted   map[string]map[string]struct{}
	directory map[string]messaging.Conversation
	focused   string
	nextZ     int
	closed    bool
}

// New creates a Coordinator with no windows.
func New(config Config) (*Coordinator, error) {
	if config.User.ID == "" {
		return nil, errors.New("coordinator: User.ID is required")
	}
	if config.Hub == nil {
		return nil, errors.New("coordinator: Hub is required")
	}
	if config.Fetcher == nil {
		return nil, errors.New("coordinator: Fetcher is required")
	}
	capacity := config.Capacity
	if capacity <= 0 {
		capacity = DefaultWidgetCapacity
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	onChange := config.OnChange
	if onChange == nil {
		onChange = func() {}
	}
	return &Coordinator{
		config:    config,
		capacity:  capacity,
		clock:     clk,
		metrics:   config.Metrics,
		logger:    logger.With("mode", config.Mode.String()),
		onChange:  onChange,
		windows:   make(map[string]*window),
		unread:    make(map[string]int),
		counted:   make(map[string]map[string]struct{}),
		directory: make(map[string]messaging.Conversation),
	}, nil
}

// Register subscribes the coordinator to hub events: message events
// from messages and conversation summaries from notifications. Either
// may be nil.
func (c *Coordinator) Register(messages, notifications *connection.Manager) {
	if messages != nil {
		connection.Handle(messages, messaging.EventMessageCreated, func(event messaging.MessageCreated) {
			c.HandleEvent(event)
		})
		connection.Handle(messages, messaging.EventMessageUpdated, func(event messaging.MessageUpdated) {
			c.HandleEvent(event)
		})
		connection.Handle(messages, messaging.EventMessageDeleted, func(event messaging.MessageDeleted) {
			c.HandleEvent(event)
		})
	}
	if notifications != nil {
		connection.Handle(notifications, messaging.EventConversationUpdated, c.HandleConversationUpdated)
	}
}

// Open opens a conversation, or surfaces it if it already has a
// window: unread resets to 0, the window is un-minimized and raised.
// The first open of a window loads its newest page; a load failure is
// returned but the window stays open.
func (c *Coordinator) Open(ctx context.Context, conversationID string) (*conversation.Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, conversation.ErrClosed
	}
	w, exists := c.windows[conversationID]
	var evicted []*conversation.Session
	var evictedIDs []string
	if !exists {
		// The session is built before eviction so a failure leaves the
		// window set untouched.
		session, err := c.newSessionLocked(conversationID)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		if c.config.Mode == ModeWidget {
			evictedIDs, evicted = c.evictLocked(c.capacity-1, conversationID)
		}
		w = &window{session: session}
		c.windows[conversationID] = w
	}
	hidden := c.showLocked(conversationID, w)
	c.resetUnreadLocked(conversationID)
	start := !w.started
	w.started = true
	session := w.session
	c.recordLocked()
	c.mu.Unlock()

	c.teardown(ctx, evictedIDs, evicted)
	if hidden != nil {
		hidden.SetVisible(false)
	}
	session.SetVisible(true)
	c.onChange()

	if !exists {
		if err := c.config.Hub.Join(ctx, conversationID); err != nil {
			c.logger.Warn("join failed", "conversation_id", conversationID, "error", err)
		}
	}
	if start {
		if err := session.Start(ctx); err != nil {
			return session, err
		}
	}
	return session, nil
}

// showLocked marks w open, focused and on top. In inbox mode the
// previously focused window is minimized and returned so the caller
// can hide its session.
func (c *Coordinator) showLocked(conversationID string, w *window) *conversation.Session {
	var hidden *conversation.Session
	if c.config.Mode == ModeInbox && c.focused != "" && c.focused != conversationID {
		if previous, ok := c.windows[c.focused]; ok && previous.state == Open {
			previous.state = Minimized
			hidden = previous.session
		}
	}
	c.nextZ++
	w.state = Open
	w.z = c.nextZ
	w.lastActive = c.clock.Now()
	c.focused = conversationID
	return hidden
}

// Minimize hides a window without closing it.
func (c *Coordinator) Minimize(conversationID string) error {
	c.mu.Lock()
	w, ok := c.windows[conversationID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("coordinator: %s is not open", conversationID)
	}
	w.state = Minimized
	if c.focused == conversationID {
		c.focused = ""
	}
	session := w.session
	c.mu.Unlock()

	session.SetVisible(false)
	c.onChange()
	return nil
}

// Close tears down a window. Its unread counter survives in the
// directory.
func (c *Coordinator) Close(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	w, ok := c.windows[conversationID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.windows, conversationID)
	if c.focused == conversationID {
		c.focused = ""
	}
	c.recordLocked()
	c.mu.Unlock()

	err := c.closeSession(ctx, conversationID, w.session)
	c.onChange()
	return err
}

// Session returns the session of an open window.
func (c *Coordinator) Session(conversationID string) (*conversation.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[conversationID]
	if !ok {
		return nil, false
	}
	return w.session, true
}

// Focused returns the conversation shown last by Open, if its window
// is still open.
func (c *Coordinator) Focused() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.windows[c.focused]; ok && w.state == Open {
		return c.focused
	}
	return ""
}

// HandleEvent routes one message event to its conversation. Called on
// the hub's read goroutine; it never waits on the hub.
func (c *Coordinator) HandleEvent(event messaging.Event) {
	conversationID := event.Conversation()
	created, isCreate := event.(messaging.MessageCreated)
	foreign := isCreate && !created.IsOwn(c.config.User.ID)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	w, exists := c.windows[conversationID]
	var promoted bool
	var evictedIDs []string
	var evicted []*conversation.Session

	if isCreate {
		c.touchDirectoryLocked(created.Message)
	}
	if foreign && !exists && c.config.Mode == ModeWidget {
		session, err := c.newSessionLocked(conversationID)
		if err != nil {
			c.logger.Warn("promoting conversation failed", "conversation_id", conversationID, "error", err)
		} else {
			evictedIDs, evicted = c.evictLocked(c.capacity-1, conversationID)
			c.nextZ++
			w = &window{session: session, state: Minimized, z: c.nextZ}
			c.windows[conversationID] = w
			exists = true
			promoted = true
		}
	}
	if exists {
		w.lastActive = c.clock.Now()
	}
	c.recordLocked()
	c.mu.Unlock()

	if len(evicted) > 0 {
		// Closing writes the cache, which must not stall the read
		// loop.
		go c.teardown(context.Background(), evictedIDs, evicted)
	}
	if promoted {
		w.session.SetVisible(false)
		go func() {
			if err := c.config.Hub.Join(context.Background(), conversationID); err != nil {
				c.logger.Warn("join after promotion failed", "conversation_id", conversationID, "error", err)
			}
		}()
	}
	if foreign {
		// With a window the merger decides whether the message is new;
		// without one the counted set does.
		var change merge.Change
		if exists {
			change = w.session.Apply(event)
		}
		if !exists || change.Kind == merge.ChangeInserted {
			c.countUnread(conversationID, created.Message)
		}
	} else if exists {
		w.session.Apply(event)
	}
	if isCreate || promoted {
		c.onChange()
	}
}

// countUnread adds message to the conversation's unread counter unless
// the conversation is shown or the message was already counted.
func (c *Coordinator) countUnread(conversationID string, message messaging.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.windows[conversationID]; ok && w.state == Open {
		return
	}
	key := message.Key()
	seen := c.counted[conversationID]
	if _, dup := seen[key]; dup {
		return
	}
	if seen == nil {
		seen = make(map[string]struct{})
		c.counted[conversationID] = seen
	}
	seen[key] = struct{}{}
	c.unread[conversationID]++
	c.recordLocked()
}

func (c *Coordinator) resetUnreadLocked(conversationID string) {
	c.unread[conversationID] = 0
	delete(c.counted, conversationID)
}

// HandleConversationUpdated applies a notification hub summary to the
// directory.
func (c *Coordinator) HandleConversationUpdated(event messaging.ConversationUpdated) {
	c.mu.Lock()
	entry := c.directory[event.ConversationID]
	entry.ID = event.ConversationID
	if event.Name != "" {
		entry.Name = event.Name
	}
	if event.LastActivityAt.After(entry.LastActivityAt) {
		entry.LastActivityAt = event.LastActivityAt
		if event.Preview != "" {
			entry.Preview = event.Preview
		}
	}
	c.directory[event.ConversationID] = entry
	c.mu.Unlock()
	c.onChange()
}

// SetConversations replaces the directory with a server listing,
// keeping any activity newer than the listing.
func (c *Coordinator) SetConversations(conversations []messaging.Conversation) {
	c.mu.Lock()
	directory := make(map[string]messaging.Conversation, len(conversations))
	for _, listed := range conversations {
		if known, ok := c.directory[listed.ID]; ok && known.LastActivityAt.After(listed.LastActivityAt) {
			listed.LastActivityAt = known.LastActivityAt
			listed.Preview = known.Preview
		}
		directory[listed.ID] = listed
	}
	c.directory = directory
	c.mu.Unlock()
	c.onChange()
}

// Conversations returns the directory, most recent activity first.
func (c *Coordinator) Conversations() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := make([]Entry, 0, len(c.directory))
	for id, known := range c.directory {
		entry := Entry{Conversation: known, Unread: c.unread[id]}
		if w, ok := c.windows[id]; ok {
			entry.State = w.state
		}
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		if order := b.LastActivityAt.Compare(a.LastActivityAt); order != 0 {
			return order
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return entries
}

// Windows returns the windows bottom to top.
func (c *Coordinator) Windows() []Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	windows := make([]Window, 0, len(c.windows))
	for id, w := range c.windows {
		windows = append(windows, Window{
			ConversationID: id,
			Name:           c.directory[id].Name,
			State:          w.state,
			Unread:         c.unread[id],
			Z:              w.z,
			LastActive:     w.lastActive,
		})
	}
	slices.SortFunc(windows, func(a, b Window) int { return cmp.Compare(a.Z, b.Z) })
	return windows
}

// Unread returns a conversation's unread counter.
func (c *Coordinator) Unread(conversationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread[conversationID]
}

// MarkRead clears the unread counter and tells the server. Sessions
// call it through their scroll controller once the view settles at
// the bottom.
func (c *Coordinator) MarkRead(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	c.resetUnreadLocked(conversationID)
	c.recordLocked()
	c.mu.Unlock()
	c.onChange()
	return c.config.Hub.MarkRead(ctx, conversationID)
}

// Shutdown closes every window. The hub connection is left to its
// owner.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var ids []string
	var sessions []*conversation.Session
	for id, w := range c.windows {
		ids = append(ids, id)
		sessions = append(sessions, w.session)
	}
	c.windows = make(map[string]*window)
	c.recordLocked()
	c.mu.Unlock()

	var errs []error
	for i, session := range sessions {
		if err := c.closeSession(ctx, ids[i], session); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) newSessionLocked(conversationID string) (*conversation.Session, error) {
	scrollConfig := c.config.Scroll
	if scrollConfig.Clock == nil {
		scrollConfig.Clock = c.clock
	}
	scrollConfig.OnSettled = func() {
		if err := c.MarkRead(context.Background(), conversationID); err != nil {
			c.logger.Warn("markRead failed", "conversation_id", conversationID, "error", err)
		}
	}
	return conversation.New(conversation.Config{
		ConversationID: conversationID,
		User:           c.config.User,
		Fetcher:        c.config.Fetcher,
		Invoker:        c.config.Hub,
		Uploader:       c.config.Uploader,
		Cache:          c.config.Cache,
		CacheSize:      c.config.CacheSize,
		PageSize:       c.config.PageSize,
		Scroll:         scrollConfig,
		OnUpdate:       c.config.OnUpdate,
		Clock:          c.clock,
		Metrics:        c.metrics,
		Logger:         c.logger,
	})
}

// evictLocked removes least recently active windows until at most
// keep remain, never evicting except. It returns the removed sessions
// for the caller to close outside the lock.
func (c *Coordinator) evictLocked(keep int, except string) ([]string, []*conversation.Session) {
	var ids []string
	var sessions []*conversation.Session
	for len(c.windows) > keep {
		var oldestID string
		var oldest *window
		for id, w := range c.windows {
			if id == except {
				continue
			}
			if oldest == nil || w.lastActive.Before(oldest.lastActive) ||
				(w.lastActive.Equal(oldest.lastActive) && w.z < oldest.z) {
				oldestID, oldest = id, w
			}
		}
		if oldest == nil {
			break
		}
		c.logger.Info("evicting least recently active window", "conversation_id", oldestID)
		delete(c.windows, oldestID)
		if c.focused == oldestID {
			c.focused = ""
		}
		ids = append(ids, oldestID)
		sessions = append(sessions, oldest.session)
	}
	return ids, sessions
}

func (c *Coordinator) teardown(ctx context.Context, ids []string, sessions []*conversation.Session) {
	for i, session := range sessions {
		if err := c.closeSession(ctx, ids[i], session); err != nil {
			c.logger.Warn("closing evicted window failed", "conversation_id", ids[i], "error", err)
		}
	}
}

func (c *Coordinator) closeSession(ctx context.Context, conversationID string, session *conversation.Session) error {
	c.config.Hub.Leave(conversationID)
	if err := session.Close(ctx); err != nil {
		return fmt.Errorf("coordinator: closing %s: %w", conversationID, err)
	}
	return nil
}

func (c *Coordinator) touchDirectoryLocked(message messaging.Message) {
	entry, ok := c.directory[message.ConversationID]
	if !ok {
		entry.ID = message.ConversationID
	}
	if message.CreatedAt.After(entry.LastActivityAt) {
		entry.LastActivityAt = message.CreatedAt
		entry.Preview = preview(message)
	}
	c.directory[message.ConversationID] = entry
}

func (c *Coordinator) recordLocked() {
	c.metrics.SetOpenConversations(len(c.windows))
	total := 0
	for _, n := range c.unread {
		total += n
	}
	c.metrics.SetUnread(total)
}

func preview(message messaging.Message) string {
	if message.IsMedia {
		return "[attachment]"
	}
	return message.Body
}
