// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package conversation is one open conversation: its history cursor,
// its merged message list, its scroll anchor and its outbound sender.
//
// A Session turns every change to its list into an [Update] telling
// the view where the list changed and what scroll intent came with it.
// While the session is hidden (a minimized window) changes are still
// applied but no updates are emitted; showing it again emits a single
// refresh. After Close every late result is discarded.
package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/lib/history"
	"github.com/bureau-foundation/chatsync/lib/merge"
	"github.com/bureau-foundation/chatsync/lib/metrics"
	"github.com/bureau-foundation/chatsync/lib/outbound"
	"github.com/bureau-foundation/chatsync/lib/scroll"
	"github.com/bureau-foundation/chatsync/messaging"
)

// ErrClosed is returned by operations on a closed Session.
var ErrClosed = errors.New("conversation: session closed")

// DefaultCacheSize is how many recent messages are written to the
// cache when Config.CacheSize is zero.
const DefaultCacheSize = 200

// Cache persists the newest messages of a conversation between runs.
// *historycache.Cache satisfies it.
type Cache interface {
	Load(ctx context.Context, conversationID string) ([]messaging.Message, error)
	Store(ctx context.Context, conversationID string, messages []messaging.Message) error
}

// Update tells the view that the list changed.
type Update struct {
	ConversationID string

	// Mutation says where the list changed; the view measures its
	// content before and after and passes both heights to the scroll
	// controller with this kind.
	Mutation scroll.MutationKind
	Intent   scroll.Intent

	// OwnMessage is set when an appended row was sent by the current
	// user.
	OwnMessage bool

	// Refresh is set on the update emitted when a hidden session is
	// shown again; Changes is empty and the view re-renders the whole
	// list.
	Refresh bool

	Changes []merge.Change
}

// Config holds Session parameters. ConversationID, User, Fetcher and
// Invoker are required.
type Config struct {
	ConversationID string
	User           messaging.User

	Fetcher  history.Fetcher
	Invoker  outbound.Invoker
	Uploader outbound.Uploader

	// Cache, if set, seeds the list before the first page arrives and
	// receives the newest CacheSize messages on Close.
	Cache     Cache
	CacheSize int

	PageSize int
	Scroll   scroll.Config

	// OnUpdate receives every visible change. Calls are serialized.
	OnUpdate func(Update)

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Session is one open conversation. Safe for concurrent use.
type Session struct {
	id        string
	user      messaging.User
	loader    *history.Loader
	merger    *merge.Merger
	anchor    *scroll.Controller
	sender    *outbound.Sender
	cache     Cache
	cacheSize int
	onUpdate  func(Update)
	logger    *slog.Logger

	mu       sync.Mutex
	closed   bool
	visible  bool
	rendered bool
	stale    bool

	emitMu sync.Mutex
}

// New creates a Session. Nothing is fetched until Start.
func New(config Config) (*Session, error) {
	if config.ConversationID == "" {
		return nil, errors.New("conversation: ConversationID is required")
	}
	if config.Fetcher == nil {
		return nil, errors.New("conversation: Fetcher is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("conversation_id", config.ConversationID)
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	cacheSize := config.CacheSize
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	onUpdate := config.OnUpdate
	if onUpdate == nil {
		onUpdate = func(Update) {}
	}

	session := &Session{
		id:        config.ConversationID,
		user:      config.User,
		cache:     config.Cache,
		cacheSize: cacheSize,
		onUpdate:  onUpdate,
		logger:    logger,
		visible:   true,
	}
	session.loader = history.New(config.Fetcher, config.ConversationID, history.Config{
		PageSize: config.PageSize,
		Metrics:  config.Metrics,
		Logger:   logger,
	})
	session.merger = merge.New(config.ConversationID, merge.Config{
		Metrics: config.Metrics,
		Logger:  logger,
	})
	scrollConfig := config.Scroll
	if scrollConfig.Clock == nil {
		scrollConfig.Clock = clk
	}
	session.anchor = scroll.New(scrollConfig)

	sender, err := outbound.New(outbound.Config{
		ConversationID: config.ConversationID,
		User:           config.User,
		Merger:         session.merger,
		Invoker:        config.Invoker,
		Uploader:       config.Uploader,
		OnChange:       session.senderChanged,
		Clock:          clk,
		Metrics:        config.Metrics,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	session.sender = sender
	return session, nil
}

// ID returns the conversation id.
func (s *Session) ID() string { return s.id }

// Anchor returns the session's scroll controller.
func (s *Session) Anchor() *scroll.Controller { return s.anchor }

// Messages returns the merged list in display order.
func (s *Session) Messages() []messaging.Message { return s.merger.Messages() }

// HasMore reports whether older history can be loaded.
func (s *Session) HasMore() bool { return s.loader.HasMore() }

// Loading reports whether a page fetch is in flight.
func (s *Session) Loading() bool { return s.loader.Loading() }

// Pending returns the in-flight sends.
func (s *Session) Pending() []outbound.Pending { return s.sender.Pending() }

// Start seeds the list from the cache and loads the newest page. A
// page failure is returned, but the session stays usable: live events
// still apply and LoadMore retries page 1.
func (s *Session) Start(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	if s.cache != nil {
		cached, err := s.cache.Load(ctx, s.id)
		if err != nil {
			s.logger.Warn("history cache load failed", "error", err)
		}
		var changes []merge.Change
		for _, message := range cached {
			if change := s.merger.Insert(message); change.Visible() {
				changes = append(changes, change)
			}
		}
		if len(changes) > 0 {
			s.logger.Debug("seeded from history cache", "messages", len(changes))
			s.emit(Update{Mutation: scroll.MutationInitial, Changes: changes})
		}
	}
	return s.LoadMore(ctx)
}

// LoadMore fetches the next older page and prepends it. It returns
// history.ErrNoMoreHistory when there is nothing older and
// history.ErrLoadInProgress while another load runs.
func (s *Session) LoadMore(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	page, err := s.loader.LoadNext(ctx)
	if err != nil {
		return err
	}
	if s.isClosed() {
		s.logger.Debug("discarding page that arrived after close", "page", page.CurrentPage)
		return ErrClosed
	}

	changes := s.merger.ApplyPage(page)
	mutation := scroll.MutationPrepend
	if page.CurrentPage <= 1 {
		mutation = scroll.MutationAppend
	}
	s.emit(Update{Mutation: mutation, Changes: changes})
	return nil
}

// Apply folds one live event into the list.
func (s *Session) Apply(event messaging.Event) merge.Change {
	if s.isClosed() {
		return merge.Change{}
	}
	change := s.merger.Apply(event)
	if !change.Visible() {
		return change
	}

	update := Update{Mutation: scroll.MutationInPlace, Changes: []merge.Change{change}}
	if change.Kind == merge.ChangeInserted && s.isNewest(change.Message) {
		update.Mutation = scroll.MutationAppend
		update.OwnMessage = change.Message.IsOwn(s.user.ID)
	}
	s.emit(update)
	return change
}

// Send posts a text message. The returned Result carries
// scroll.IntentForce.
func (s *Session) Send(ctx context.Context, body string) (outbound.Result, error) {
	if s.isClosed() {
		return outbound.Result{}, ErrClosed
	}
	return s.sender.Send(ctx, body)
}

// SendFile uploads an attachment and posts it.
func (s *Session) SendFile(ctx context.Context, filename, contentType string, content io.Reader) (outbound.Result, error) {
	if s.isClosed() {
		return outbound.Result{}, ErrClosed
	}
	return s.sender.SendFile(ctx, filename, contentType, content)
}

// Edit changes one of the user's own messages.
func (s *Session) Edit(ctx context.Context, messageID, newBody string) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.sender.Edit(ctx, messageID, newBody)
}

// Delete removes one of the user's own messages.
func (s *Session) Delete(ctx context.Context, messageID string) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.sender.Delete(ctx, messageID)
}

// SetVisible shows or hides the session. Hidden sessions keep their
// list current but emit nothing; showing one emits a refresh if
// anything changed meanwhile.
func (s *Session) SetVisible(visible bool) {
	s.mu.Lock()
	wasVisible := s.visible
	s.visible = visible
	stale := s.stale
	if visible {
		s.stale = false
	}
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}
	s.anchor.SetVisible(visible)
	if visible && !wasVisible && stale {
		s.emit(Update{Mutation: scroll.MutationInPlace, Refresh: true})
	}
}

// Visible reports whether the session is shown.
func (s *Session) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// Close stops the session and writes the newest messages to the
// cache. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.anchor.Stop()
	if s.cache == nil {
		return nil
	}
	tail := s.merger.Tail(s.cacheSize)
	if len(tail) == 0 {
		return nil
	}
	if err := s.cache.Store(ctx, s.id, tail); err != nil {
		return err
	}
	return nil
}

func (s *Session) senderChanged(change merge.Change, intent scroll.Intent) {
	if !change.Visible() || s.isClosed() {
		return
	}
	update := Update{Mutation: scroll.MutationInPlace, Intent: intent, Changes: []merge.Change{change}}
	if change.Kind == merge.ChangeInserted {
		update.Mutation = scroll.MutationAppend
		update.OwnMessage = true
	}
	s.emit(update)
}

func (s *Session) emit(update Update) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.visible {
		s.stale = true
		s.mu.Unlock()
		return
	}
	if !s.rendered {
		update.Mutation = scroll.MutationInitial
		s.rendered = true
	}
	s.mu.Unlock()

	update.ConversationID = s.id
	s.onUpdate(update)
}

func (s *Session) isNewest(message messaging.Message) bool {
	messages := s.merger.Messages()
	return len(messages) > 0 && messages[len(messages)-1].Key() == message.Key()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
