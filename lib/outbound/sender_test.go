// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package outbound

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/lib/merge"
	"github.com/bureau-foundation/chatsync/lib/scroll"
	"github.com/bureau-foundation/chatsync/lib/testutil"
	"github.com/bureau-foundation/chatsync/messaging"
)

var now = time.Date(2026, 6, 10, 8, 30, 0, 0, time.UTC)

type invocation struct {
	method  string
	payload any
}

type fakeInvoker struct {
	mu     sync.Mutex
	calls  []invocation
	answer func(method string, payload, result any) error
}

func (f *fakeInvoker) Invoke(_ context.Context, method string, payload, result any) error {
	f.mu.Lock()
	f.calls = append(f.calls, invocation{method: method, payload: payload})
	answer := f.answer
	f.mu.Unlock()
	if answer == nil {
		return nil
	}
	return answer(method, payload, result)
}

func (f *fakeInvoker) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var methods []string
	for _, call := range f.calls {
		methods = append(methods, call.method)
	}
	return methods
}

// storeAs answers sendMessage like the server: the stored message with
// a server id and timestamp.
func storeAs(id string, at time.Time) func(string, any, any) error {
	return func(method string, payload, result any) error {
		request := payload.(messaging.SendMessageRequest)
		*result.(*messaging.Message) = messaging.Message{
			ID:             id,
			ConversationID: request.ConversationID,
			SenderID:       "u1",
			SenderName:     "Ada",
			Body:           request.Body,
			IsMedia:        request.IsMedia,
			CreatedAt:      at,
		}
		return nil
	}
}

type uploaderFunc func(ctx context.Context, filename, contentType string, body io.Reader) (string, error)

func (f uploaderFunc) Upload(ctx context.Context, filename, contentType string, body io.Reader) (string, error) {
	return f(ctx, filename, contentType, body)
}

type recorded struct {
	kind   merge.ChangeKind
	intent scroll.Intent
}

func newSender(t *testing.T, invoker *fakeInvoker, uploader Uploader) (*Sender, *merge.Merger, *[]recorded) {
	t.Helper()
	merger := merge.New("c1", merge.Config{})
	var changes []recorded
	sender, err := New(Config{
		User:     messaging.User{ID: "u1", Name: "Ada"},
		Merger:   merger,
		Invoker:  invoker,
		Uploader: uploader,
		Clock:    clock.Fake(now),
		OnChange: func(change merge.Change, intent scroll.Intent) {
			changes = append(changes, recorded{change.Kind, intent})
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sender, merger, &changes
}

func TestSendConfirmsOptimisticCopy(t *testing.T) {
	invoker := &fakeInvoker{answer: storeAs("m1", now.Add(120*time.Millisecond))}
	sender, merger, changes := newSender(t, invoker, nil)

	result, err := sender.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.Intent != scroll.IntentForce {
		t.Errorf("Intent = %s, want force", result.Intent)
	}
	if result.Message.ID != "m1" || !IsLocalID(result.Message.LocalID) {
		t.Errorf("result message = %+v", result.Message)
	}

	want := []recorded{{merge.ChangeInserted, scroll.IntentForce}, {merge.ChangeReplaced, scroll.IntentNone}}
	if len(*changes) != len(want) {
		t.Fatalf("changes = %v, want %v", *changes, want)
	}
	for i := range want {
		if (*changes)[i] != want[i] {
			t.Errorf("change %d = %v, want %v", i, (*changes)[i], want[i])
		}
	}

	messages := merger.Messages()
	if len(messages) != 1 || messages[0].ID != "m1" {
		t.Fatalf("messages = %+v", messages)
	}
	// The echo is a duplicate.
	if change := merger.Apply(messaging.MessageCreated{Message: messages[0]}); change.Kind != merge.ChangeNone {
		t.Errorf("echo change = %s", change.Kind)
	}
	if len(sender.Pending()) != 0 {
		t.Errorf("Pending() = %v after confirm", sender.Pending())
	}
}

func TestBareAcknowledgementAdoptsLaterEcho(t *testing.T) {
	// The server accepts the send but returns no stored row.
	invoker := &fakeInvoker{}
	sender, merger, _ := newSender(t, invoker, nil)

	result, err := sender.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !result.Message.Pending() {
		t.Fatalf("result before the echo = %+v, want the pending copy", result.Message)
	}

	// The echo carries the server's own timestamp, so its signature
	// differs from the optimistic copy's.
	echo := messaging.MessageCreated{Message: messaging.Message{
		ID: "m1", ConversationID: "c1", SenderID: "u1", SenderName: "Ada",
		Body: "hello", CreatedAt: now.Add(37 * time.Millisecond),
	}}
	if change := merger.Apply(echo); change.Kind != merge.ChangeReplaced {
		t.Errorf("echo change = %s, want replaced", change.Kind)
	}
	messages := merger.Messages()
	if len(messages) != 1 || messages[0].ID != "m1" || messages[0].LocalID != result.Message.LocalID {
		t.Fatalf("messages = %+v, want the echo in place of the optimistic copy", messages)
	}

	// A replay of the echo is a duplicate, and a second identical
	// message from the server is a new row.
	if change := merger.Apply(echo); change.Kind != merge.ChangeNone {
		t.Errorf("replayed echo change = %s", change.Kind)
	}
	again := echo
	again.ID = "m2"
	again.CreatedAt = now.Add(time.Minute)
	if change := merger.Apply(again); change.Kind != merge.ChangeInserted {
		t.Errorf("second message change = %s, want inserted", change.Kind)
	}
}

func TestBareAcknowledgementAfterEcho(t *testing.T) {
	var merger *merge.Merger
	// The echo overtakes the acknowledgement.
	invoker := &fakeInvoker{answer: func(method string, payload, _ any) error {
		request := payload.(messaging.SendMessageRequest)
		merger.Apply(messaging.MessageCreated{Message: messaging.Message{
			ID: "m1", ConversationID: request.ConversationID, SenderID: "u1",
			Body: request.Body, CreatedAt: now.Add(50 * time.Millisecond),
		}})
		return nil
	}}
	sender, m, changes := newSender(t, invoker, nil)
	merger = m

	result, err := sender.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.Message.ID != "m1" {
		t.Errorf("result = %+v, want the echo", result.Message)
	}
	messages := merger.Messages()
	if len(messages) != 1 || messages[0].ID != "m1" {
		t.Fatalf("messages = %+v, want only the echo", messages)
	}
	last := (*changes)[len(*changes)-1]
	if last.kind != merge.ChangeReplaced {
		t.Errorf("last change = %s, want replaced", last.kind)
	}
}

func TestPendingWhileSending(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	invoker := &fakeInvoker{answer: func(method string, payload, result any) error {
		close(entered)
		<-release
		return storeAs("m1", now)(method, payload, result)
	}}
	sender, merger, _ := newSender(t, invoker, nil)

	done := make(chan error, 1)
	go func() {
		_, err := sender.Send(context.Background(), "hello")
		done <- err
	}()
	testutil.RequireClosed(t, entered, 5*time.Second, "sendMessage invoked")

	pending := sender.Pending()
	if len(pending) != 1 || pending[0].State != PendingSending || pending[0].Body != "hello" {
		t.Fatalf("Pending() = %+v", pending)
	}
	messages := merger.Messages()
	if len(messages) != 1 || !messages[0].Pending() || messages[0].LocalID != pending[0].LocalID {
		t.Fatalf("optimistic row = %+v", messages)
	}

	close(release)
	if err := testutil.RequireReceive(t, done, 5*time.Second, "send result"); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestSendFailureDiscardsAndReturnsBody(t *testing.T) {
	invoker := &fakeInvoker{answer: func(method string, _, _ any) error {
		return &messaging.RequestError{Op: method, Err: errors.New("rate limited")}
	}}
	sender, merger, changes := newSender(t, invoker, nil)

	_, err := sender.Send(context.Background(), "hello")
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("Send = %v, want *SendError", err)
	}
	if sendErr.Body != "hello" {
		t.Errorf("SendError.Body = %q", sendErr.Body)
	}
	var requestErr *messaging.RequestError
	if !errors.As(err, &requestErr) {
		t.Errorf("SendError does not wrap the RequestError: %v", err)
	}
	if merger.Len() != 0 {
		t.Errorf("optimistic copy left behind: %+v", merger.Messages())
	}
	if last := (*changes)[len(*changes)-1]; last.kind != merge.ChangeRemoved {
		t.Errorf("last change = %v, want removed", last)
	}
	if got := invoker.methods(); len(got) != 1 {
		t.Errorf("invocations = %v, want exactly one (no retry)", got)
	}
}

func TestSendRejectsEmpty(t *testing.T) {
	invoker := &fakeInvoker{}
	sender, _, _ := newSender(t, invoker, nil)
	if _, err := sender.Send(context.Background(), "  \n"); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("Send = %v, want ErrEmptyMessage", err)
	}
	if len(invoker.methods()) != 0 {
		t.Error("empty send reached the hub")
	}
}

func TestSendFileUploadsThenSendsMedia(t *testing.T) {
	var uploaded string
	uploader := uploaderFunc(func(_ context.Context, filename, contentType string, body io.Reader) (string, error) {
		data, _ := io.ReadAll(body)
		uploaded = string(data)
		return "https://cdn.example.com/" + filename, nil
	})
	invoker := &fakeInvoker{answer: storeAs("m7", now)}
	sender, _, _ := newSender(t, invoker, uploader)

	result, err := sender.SendFile(context.Background(), "cat.png", "image/png", strings.NewReader("PNG"))
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if uploaded != "PNG" {
		t.Errorf("uploaded %q", uploaded)
	}
	if !result.Message.IsMedia || result.Message.Body != "https://cdn.example.com/cat.png" {
		t.Errorf("message = %+v", result.Message)
	}
}

func TestUploadFailureAbortsSend(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	uploader := uploaderFunc(func(_ context.Context, filename, _ string, _ io.Reader) (string, error) {
		close(entered)
		<-release
		return "", &messaging.UploadError{Filename: filename, Err: errors.New("too large")}
	})
	invoker := &fakeInvoker{}
	sender, merger, _ := newSender(t, invoker, uploader)

	done := make(chan error, 1)
	go func() {
		_, err := sender.SendFile(context.Background(), "big.mov", "video/quicktime", strings.NewReader("x"))
		done <- err
	}()
	testutil.RequireClosed(t, entered, 5*time.Second, "upload started")
	if !sender.Uploading() {
		t.Error("Uploading() = false during upload")
	}
	close(release)

	err := testutil.RequireReceive(t, done, 5*time.Second, "SendFile result")
	var uploadErr *messaging.UploadError
	if !errors.As(err, &uploadErr) {
		t.Fatalf("SendFile = %v, want *messaging.UploadError", err)
	}
	var sendErr *SendError
	if !errors.As(err, &sendErr) || sendErr.Body != "big.mov" {
		t.Errorf("SendError = %+v, want Body big.mov", sendErr)
	}
	if merger.Len() != 0 || len(invoker.methods()) != 0 {
		t.Error("a failed upload must not insert a row or invoke sendMessage")
	}
	if sender.Uploading() {
		t.Error("Uploading() = true after failure")
	}
}

func TestEditAndDeleteOwnership(t *testing.T) {
	invoker := &fakeInvoker{}
	sender, merger, _ := newSender(t, invoker, nil)
	merger.Insert(messaging.Message{ID: "mine", ConversationID: "c1", SenderID: "u1", Body: "a", CreatedAt: now})
	merger.Insert(messaging.Message{ID: "theirs", ConversationID: "c1", SenderID: "u2", Body: "b", CreatedAt: now.Add(time.Second)})

	if err := sender.Edit(context.Background(), "theirs", "x"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("Edit(theirs) = %v, want ErrNotOwner", err)
	}
	if err := sender.Delete(context.Background(), "theirs"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("Delete(theirs) = %v, want ErrNotOwner", err)
	}
	if err := sender.Edit(context.Background(), "missing", "x"); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("Edit(missing) = %v, want ErrUnknownMessage", err)
	}
	if len(invoker.methods()) != 0 {
		t.Fatalf("rejected calls reached the hub: %v", invoker.methods())
	}

	if err := sender.Edit(context.Background(), "mine", "a2"); err != nil {
		t.Fatalf("Edit(mine): %v", err)
	}
	if err := sender.Delete(context.Background(), "mine"); err != nil {
		t.Fatalf("Delete(mine): %v", err)
	}
	if got := invoker.methods(); strings.Join(got, ",") != "updateMessage,deleteMessage" {
		t.Errorf("invocations = %v", got)
	}
	if _, ok := merger.Lookup("mine"); ok {
		t.Error("deleted message still listed")
	}
}
