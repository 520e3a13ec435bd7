// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package outbound sends, edits and deletes messages for one
// conversation.
//
// A send inserts an optimistic copy into the conversation's Merger
// before the sendMessage invocation goes out, then confirms it with
// the stored message the server returns, or discards it if the send
// fails. Failed sends are never retried: the caller gets a *SendError
// carrying the text so it can restore the composer.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/lib/merge"
	"github.com/bureau-foundation/chatsync/lib/metrics"
	"github.com/bureau-foundation/chatsync/lib/scroll"
	"github.com/bureau-foundation/chatsync/messaging"
)

var (
	// ErrEmptyMessage is returned for a send with only whitespace.
	ErrEmptyMessage = errors.New("outbound: message is empty")

	// ErrNotOwner is returned by Edit and Delete for a message the
	// current user did not send. The server authorizes these calls
	// too; the check here only avoids a pointless round trip.
	ErrNotOwner = errors.New("outbound: only the sender may change a message")

	// ErrUnknownMessage is returned by Edit and Delete for an id that
	// is not in the list, or that is still pending.
	ErrUnknownMessage = errors.New("outbound: message not found")
)

// LocalIDPrefix starts every synthetic local id.
const LocalIDPrefix = "local-"

// Invoker calls a hub method. *connection.Manager satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, method string, payload, result any) error
}

// Uploader stores an attachment. *messaging.Client satisfies it.
type Uploader interface {
	Upload(ctx context.Context, filename, contentType string, body io.Reader) (string, error)
}

// PendingState is the phase of a PendingOutbound.
type PendingState int

const (
	// PendingUploading: the attachment upload is in flight; no row
	// has been inserted yet.
	PendingUploading PendingState = iota
	// PendingSending: the optimistic row is in the list and
	// sendMessage is in flight.
	PendingSending
)

func (s PendingState) String() string {
	if s == PendingUploading {
		return "uploading"
	}
	return "sending"
}

// Pending is one in-flight send.
type Pending struct {
	LocalID  string
	Body     string
	Filename string
	State    PendingState
	Started  time.Time
}

// Result is the outcome of a successful send. Intent is always
// scroll.IntentForce: the user sees their own message.
type Result struct {
	Message messaging.Message
	Intent  scroll.Intent
}

// SendError is a failed send. Body is the text (or, for an
// attachment, the filename) to give back to the user. It wraps the
// underlying *messaging.RequestError, *messaging.TransportError or
// *messaging.UploadError.
type SendError struct {
	Body string
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("outbound: send failed: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Config holds Sender parameters. Merger, Invoker and User are
// required.
type Config struct {
	ConversationID string
	User           messaging.User
	Merger         *merge.Merger
	Invoker        Invoker
	Uploader       Uploader

	// OnChange is called after every change the Sender makes to the
	// Merger, with the scroll intent the change carries.
	OnChange func(change merge.Change, intent scroll.Intent)

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Sender is the outbound side of one conversation. Safe for
// concurrent use.
type Sender struct {
	conversationID string
	user           messaging.User
	merger         *merge.Merger
	invoker        Invoker
	uploader       Uploader
	onChange       func(merge.Change, scroll.Intent)
	clock          clock.Clock
	metrics        *metrics.Metrics
	logger         *slog.Logger

	mu      sync.Mutex
	pending map[string]*Pending
}

// New creates a Sender.
func New(config Config) (*Sender, error) {
	if config.Merger == nil {
		return nil, errors.New("outbound: Merger is required")
	}
	if config.Invoker == nil {
		return nil, errors.New("outbound: Invoker is required")
	}
	if config.User.ID == "" {
		return nil, errors.New("outbound: User.ID is required")
	}
	conversationID := config.ConversationID
	if conversationID == "" {
		conversationID = config.Merger.ConversationID()
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
		onChange = func(merge.Change, scroll.Intent) {}
	}
	return &Sender{
		conversationID: conversationID,
		user:           config.User,
		merger:         config.Merger,
		invoker:        config.Invoker,
		uploader:       config.Uploader,
		onChange:       onChange,
		clock:          clk,
		metrics:        config.Metrics,
		logger:         logger.With("conversation_id", conversationID),
		pending:        make(map[string]*Pending),
	}, nil
}

// Send posts a text message.
func (s *Sender) Send(ctx context.Context, body string) (Result, error) {
	if strings.TrimSpace(body) == "" {
		return Result{}, ErrEmptyMessage
	}
	localID := newLocalID()
	s.track(&Pending{LocalID: localID, Body: body, State: PendingSending, Started: s.clock.Now()})
	defer s.untrack(localID)

	result, err := s.send(ctx, localID, body, false)
	if err != nil {
		return Result{}, &SendError{Body: body, Err: err}
	}
	return result, nil
}

// SendFile uploads an attachment and posts its URL as a media
// message. An upload failure aborts the send before any row is
// inserted.
func (s *Sender) SendFile(ctx context.Context, filename, contentType string, content io.Reader) (Result, error) {
	if s.uploader == nil {
		return Result{}, &SendError{Body: filename, Err: &messaging.UploadError{
			Filename: filename, Err: errors.New("no uploader configured"),
		}}
	}
	localID := newLocalID()
	pending := &Pending{LocalID: localID, Filename: filename, State: PendingUploading, Started: s.clock.Now()}
	s.track(pending)
	defer s.untrack(localID)

	url, err := s.uploader.Upload(ctx, filename, contentType, content)
	if err != nil {
		s.metrics.ObserveUpload(metrics.ResultRequestError)
		s.logger.Warn("attachment upload failed", "filename", filename, "error", err)
		var uploadErr *messaging.UploadError
		if !errors.As(err, &uploadErr) {
			err = &messaging.UploadError{Filename: filename, Err: err}
		}
		return Result{}, &SendError{Body: filename, Err: err}
	}
	s.metrics.ObserveUpload(metrics.ResultOK)

	s.mu.Lock()
	pending.State = PendingSending
	pending.Body = url
	s.mu.Unlock()

	result, err := s.send(ctx, localID, url, true)
	if err != nil {
		return Result{}, &SendError{Body: filename, Err: err}
	}
	return result, nil
}

func (s *Sender) send(ctx context.Context, localID, body string, isMedia bool) (Result, error) {
	optimistic := messaging.Message{
		LocalID:        localID,
		ConversationID: s.conversationID,
		SenderID:       s.user.ID,
		SenderName:     s.user.Name,
		Avatar:         s.user.Avatar,
		Body:           body,
		IsMedia:        isMedia,
		CreatedAt:      s.clock.Now(),
	}
	s.onChange(s.merger.Insert(optimistic), scroll.IntentForce)

	var stored messaging.Message
	err := s.invoker.Invoke(ctx, messaging.MethodSendMessage, messaging.SendMessageRequest{
		ConversationID: s.conversationID,
		Body:           body,
		IsMedia:        isMedia,
	}, &stored)
	if err != nil {
		s.logger.Warn("send failed", "local_id", localID, "error", err)
		s.onChange(s.merger.Discard(localID), scroll.IntentNone)
		return Result{}, err
	}

	if stored.ID == "" {
		// The server acknowledged without returning the row; the
		// message-created echo takes the optimistic copy's place.
		s.logger.Debug("send acknowledged without a stored message", "local_id", localID)
		change := s.merger.Acknowledge(localID)
		s.onChange(change, scroll.IntentNone)
		if change.Kind == merge.ChangeReplaced {
			return Result{Message: change.Message, Intent: scroll.IntentForce}, nil
		}
		current, _ := s.merger.LookupKey(localID)
		return Result{Message: current, Intent: scroll.IntentForce}, nil
	}
	if stored.ConversationID == "" {
		stored.ConversationID = s.conversationID
	}
	change := s.merger.Confirm(localID, stored)
	s.onChange(change, scroll.IntentNone)

	message := stored
	if current, ok := s.merger.Lookup(stored.ID); ok {
		message = current
	}
	return Result{Message: message, Intent: scroll.IntentForce}, nil
}

// Edit changes the body of one of the user's own messages. The list
// itself changes when the message-updated event arrives.
func (s *Sender) Edit(ctx context.Context, messageID, newBody string) error {
	if strings.TrimSpace(newBody) == "" {
		return ErrEmptyMessage
	}
	if err := s.checkOwner(messageID); err != nil {
		return err
	}
	return s.invoker.Invoke(ctx, messaging.MethodUpdateMessage, messaging.UpdateMessageRequest{
		MessageID: messageID,
		NewBody:   newBody,
	}, nil)
}

// Delete removes one of the user's own messages. On success the row
// is removed right away; the message-deleted echo is then a no-op.
func (s *Sender) Delete(ctx context.Context, messageID string) error {
	if err := s.checkOwner(messageID); err != nil {
		return err
	}
	if err := s.invoker.Invoke(ctx, messaging.MethodDeleteMessage, messageID, nil); err != nil {
		return err
	}
	s.onChange(s.merger.Apply(messaging.MessageDeleted{
		ConversationID: s.conversationID,
		MessageID:      messageID,
	}), scroll.IntentNone)
	return nil
}

func (s *Sender) checkOwner(messageID string) error {
	message, ok := s.merger.Lookup(messageID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	if !message.IsOwn(s.user.ID) {
		return ErrNotOwner
	}
	return nil
}

// Pending returns the in-flight sends, oldest first.
func (s *Sender) Pending() []Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := make([]Pending, 0, len(s.pending))
	for _, p := range s.pending {
		pending = append(pending, *p)
	}
	slices.SortFunc(pending, func(a, b Pending) int { return a.Started.Compare(b.Started) })
	return pending
}

// Uploading reports whether any attachment upload is in flight.
func (s *Sender) Uploading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pending {
		if p.State == PendingUploading {
			return true
		}
	}
	return false
}

func (s *Sender) track(pending *Pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[pending.LocalID] = pending
}

func (s *Sender) untrack(localID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, localID)
}

func newLocalID() string {
	return LocalIDPrefix + uuid.NewString()
}

// IsLocalID reports whether id is a synthetic local id.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}
