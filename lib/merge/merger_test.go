// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package merge

import (
	"fmt"
	"testing"
	"time"

	"github.com/bureau-foundation/chatsync/messaging"
)

var t0 = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func message(id, body string, at time.Time) messaging.Message {
	return messaging.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       "u1",
		SenderName:     "Ada",
		Body:           body,
		CreatedAt:      at,
	}
}

func ids(messages []messaging.Message) string {
	keys := make([]string, len(messages))
	for i, m := range messages {
		keys[i] = m.Key()
	}
	return fmt.Sprint(keys)
}

func requireKind(t *testing.T, change Change, want ChangeKind) {
	t.Helper()
	if change.Kind != want {
		t.Fatalf("change = %s, want %s", change.Kind, want)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	merger := New("c1", Config{})
	event := messaging.MessageCreated{Message: message("", "hi", t0)}

	requireKind(t, merger.Apply(event), ChangeInserted)
	requireKind(t, merger.Apply(event), ChangeNone)
	if merger.Len() != 1 {
		t.Fatalf("Len() = %d after duplicate create, want 1", merger.Len())
	}

	withID := messaging.MessageCreated{Message: message("m1", "hello", t0.Add(time.Second))}
	requireKind(t, merger.Apply(withID), ChangeInserted)
	requireKind(t, merger.Apply(withID), ChangeNone)
	if merger.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", merger.Len())
	}
}

func TestOptimisticCollapsesIntoEcho(t *testing.T) {
	merger := New("c1", Config{})
	optimistic := message("", "hi", t0)
	optimistic.LocalID = "local-1"
	requireKind(t, merger.Insert(optimistic), ChangeInserted)

	change := merger.Apply(messaging.MessageCreated{Message: message("m1", "hi", t0)})
	requireKind(t, change, ChangeReplaced)

	messages := merger.Messages()
	if len(messages) != 1 || messages[0].ID != "m1" {
		t.Fatalf("messages = %+v, want one entry with id m1", messages)
	}
	if messages[0].LocalID != "local-1" {
		t.Errorf("LocalID = %q, want the optimistic row's local id kept", messages[0].LocalID)
	}

	// The send completion arriving after the echo changes nothing.
	requireKind(t, merger.Confirm("local-1", message("m1", "hi", t0)), ChangeNone)
	if merger.Len() != 1 {
		t.Errorf("Len() = %d after late confirm", merger.Len())
	}
}

func TestEchoBeforeOptimisticKeepsEcho(t *testing.T) {
	merger := New("c1", Config{})
	requireKind(t, merger.Apply(messaging.MessageCreated{Message: message("m1", "hi", t0)}), ChangeInserted)

	optimistic := message("", "hi", t0)
	optimistic.LocalID = "local-1"
	requireKind(t, merger.Insert(optimistic), ChangeNone)
	if got := ids(merger.Messages()); got != "[m1]" {
		t.Errorf("messages = %s, want [m1]", got)
	}
}

func TestConfirmByLocalIDWithServerTimestamp(t *testing.T) {
	merger := New("c1", Config{})
	optimistic := message("", "hi", t0)
	optimistic.LocalID = "local-1"
	merger.Insert(optimistic)

	// The server stamps its own createdAt, so signatures differ.
	stored := message("m1", "hi", t0.Add(350*time.Millisecond))
	requireKind(t, merger.Confirm("local-1", stored), ChangeReplaced)

	// The echo for the same stored message is now a duplicate by id.
	requireKind(t, merger.Apply(messaging.MessageCreated{Message: stored}), ChangeNone)

	messages := merger.Messages()
	if len(messages) != 1 || messages[0].ID != "m1" || !messages[0].CreatedAt.Equal(stored.CreatedAt) {
		t.Fatalf("messages = %+v", messages)
	}
}

func TestConfirmAfterEchoWithDifferentTimestamp(t *testing.T) {
	merger := New("c1", Config{})
	optimistic := message("", "hi", t0)
	optimistic.LocalID = "local-1"
	merger.Insert(optimistic)

	stored := message("m1", "hi", t0.Add(2*time.Second))
	requireKind(t, merger.Apply(messaging.MessageCreated{Message: stored}), ChangeInserted)
	if merger.Len() != 2 {
		t.Fatalf("Len() = %d before confirm, want optimistic and echo", merger.Len())
	}

	requireKind(t, merger.Confirm("local-1", stored), ChangeReplaced)
	if got := ids(merger.Messages()); got != "[m1]" {
		t.Errorf("messages = %s, want [m1]", got)
	}
}

func TestDiscardRemovesOnlyPending(t *testing.T) {
	merger := New("c1", Config{})
	optimistic := message("", "draft", t0)
	optimistic.LocalID = "local-1"
	merger.Insert(optimistic)

	requireKind(t, merger.Discard("local-1"), ChangeRemoved)
	requireKind(t, merger.Discard("local-1"), ChangeNone)
	if merger.Len() != 0 {
		t.Errorf("Len() = %d after discard", merger.Len())
	}
}

func TestSignatureCollisionPrefersLaterCreatedAt(t *testing.T) {
	merger := New("c1", Config{})
	first := message("", "hi", t0)
	first.LocalID = "local-1"
	merger.Insert(first)

	// Same millisecond, so the same signature, but a later instant.
	later := message("", "hi", t0.Add(300*time.Microsecond))
	later.LocalID = "local-2"
	requireKind(t, merger.Insert(later), ChangeReplaced)

	messages := merger.Messages()
	if len(messages) != 1 || !messages[0].CreatedAt.Equal(later.CreatedAt) {
		t.Errorf("messages = %+v, want the later copy", messages)
	}
	// An earlier copy loses.
	requireKind(t, merger.Insert(first), ChangeNone)
}

func TestEditAppliesByID(t *testing.T) {
	merger := New("c1", Config{})
	merger.Insert(message("m1", "helo", t0))

	edit := messaging.MessageUpdated{ConversationID: "c1", MessageID: "m1", NewBody: "hello", UpdatedAt: t0.Add(time.Minute)}
	change := merger.Apply(edit)
	requireKind(t, change, ChangeUpdated)
	if change.Message.Body != "hello" || change.Message.UpdatedAt == nil {
		t.Errorf("updated message = %+v", change.Message)
	}
	requireKind(t, merger.Apply(edit), ChangeNone)

	// A stale edit replayed after a newer one is ignored.
	stale := messaging.MessageUpdated{ConversationID: "c1", MessageID: "m1", NewBody: "hallo", UpdatedAt: t0.Add(30 * time.Second)}
	requireKind(t, merger.Apply(stale), ChangeNone)

	got, _ := merger.Lookup("m1")
	if got.Body != "hello" {
		t.Errorf("body = %q, want hello", got.Body)
	}
}

func TestEditIntoAnotherRowsSignatureKeepsIndex(t *testing.T) {
	edit := func(id, body string) messaging.MessageUpdated {
		return messaging.MessageUpdated{ConversationID: "c1", MessageID: id, NewBody: body, UpdatedAt: t0.Add(time.Hour)}
	}
	// An id-less copy of "same" must always collapse into a listed row.
	copyOfSame := message("", "same", t0)
	copyOfSame.LocalID = "local-1"

	t.Run("edited row removed", func(t *testing.T) {
		m := New("c1", Config{})
		m.Insert(message("a", "same", t0))
		m.Insert(message("b", "other", t0))
		requireKind(t, m.Apply(edit("b", "same")), ChangeUpdated)
		requireKind(t, m.Apply(messaging.MessageDeleted{ConversationID: "c1", MessageID: "b"}), ChangeRemoved)

		requireKind(t, m.Insert(copyOfSame), ChangeNone)
		if got := ids(m.Messages()); got != "[a]" {
			t.Errorf("messages = %s, want [a]", got)
		}
	})

	t.Run("original holder removed", func(t *testing.T) {
		m := New("c1", Config{})
		m.Insert(message("a", "same", t0))
		m.Insert(message("b", "other", t0))
		requireKind(t, m.Apply(edit("b", "same")), ChangeUpdated)
		requireKind(t, m.Apply(messaging.MessageDeleted{ConversationID: "c1", MessageID: "a"}), ChangeRemoved)

		requireKind(t, m.Insert(copyOfSame), ChangeNone)
		if got := ids(m.Messages()); got != "[b]" {
			t.Errorf("messages = %s, want [b]", got)
		}
	})
}

func TestEditForUnknownIDIsDropped(t *testing.T) {
	merger := New("c1", Config{})
	merger.Insert(message("m1", "a", t0))

	change := merger.Apply(messaging.MessageUpdated{ConversationID: "c1", MessageID: "m404", NewBody: "x", UpdatedAt: t0})
	requireKind(t, change, ChangeConflict)
	if change.Visible() {
		t.Error("a conflict must not be visible")
	}
	if merger.Len() != 1 {
		t.Errorf("Len() = %d, want 1", merger.Len())
	}
}

func TestDeleteIsIdempotentAndFinal(t *testing.T) {
	merger := New("c1", Config{})
	merger.Insert(message("m1", "a", t0))
	merger.Insert(message("m2", "b", t0.Add(time.Second)))

	deleted := messaging.MessageDeleted{ConversationID: "c1", MessageID: "m1"}
	requireKind(t, merger.Apply(deleted), ChangeRemoved)
	requireKind(t, merger.Apply(deleted), ChangeNone)
	if got := ids(merger.Messages()); got != "[m2]" {
		t.Fatalf("messages = %s, want [m2]", got)
	}

	// A replayed page or create can't resurrect it.
	merger.ApplyPage(&messaging.Page{Messages: []messaging.Message{message("m1", "a", t0)}})
	requireKind(t, merger.Apply(messaging.MessageCreated{Message: message("m1", "a", t0)}), ChangeNone)
	if got := ids(merger.Messages()); got != "[m2]" {
		t.Errorf("messages after replay = %s, want [m2]", got)
	}
}

func TestDeleteUnknownIsConflictThenNone(t *testing.T) {
	merger := New("c1", Config{})
	deleted := messaging.MessageDeleted{ConversationID: "c1", MessageID: "m9"}
	requireKind(t, merger.Apply(deleted), ChangeConflict)
	requireKind(t, merger.Apply(deleted), ChangeNone)

	// The delete arrived before the message: a later page must not
	// show it.
	merger.ApplyPage(&messaging.Page{Messages: []messaging.Message{message("m9", "gone", t0)}})
	if merger.Len() != 0 {
		t.Errorf("Len() = %d, want 0", merger.Len())
	}
}

func TestPageRetryDoesNotDuplicate(t *testing.T) {
	merger := New("c1", Config{})
	page1 := &messaging.Page{CurrentPage: 1, TotalPages: 2, Messages: []messaging.Message{
		message("m4", "d", t0.Add(4*time.Minute)),
		message("m3", "c", t0.Add(3*time.Minute)),
	}}
	page2 := &messaging.Page{CurrentPage: 2, TotalPages: 2, Messages: []messaging.Message{
		message("m2", "b", t0.Add(2*time.Minute)),
		message("m1", "a", t0.Add(time.Minute)),
		// The page boundary shifted by one: m3 appears again.
		message("m3", "c", t0.Add(3*time.Minute)),
	}}

	if changes := merger.ApplyPage(page1); len(changes) != 2 {
		t.Fatalf("page 1 changes = %d", len(changes))
	}
	if changes := merger.ApplyPage(page2); len(changes) != 2 {
		t.Fatalf("page 2 changes = %d, want 2 new rows", len(changes))
	}
	if changes := merger.ApplyPage(page2); len(changes) != 0 {
		t.Fatalf("page 2 retry changes = %d, want 0", len(changes))
	}
	if got := ids(merger.Messages()); got != "[m1 m2 m3 m4]" {
		t.Errorf("messages = %s, want [m1 m2 m3 m4]", got)
	}
}

func TestOrderingIsByCreatedAtThenInsertion(t *testing.T) {
	merger := New("c1", Config{})
	merger.Insert(message("m3", "c", t0.Add(2*time.Second)))
	merger.Insert(message("m1", "a", t0))
	merger.Insert(message("m2a", "tie-first", t0.Add(time.Second)))
	merger.Insert(message("m2b", "tie-second", t0.Add(time.Second)))

	if got := ids(merger.Messages()); got != "[m1 m2a m2b m3]" {
		t.Errorf("messages = %s, want [m1 m2a m2b m3]", got)
	}
}

func TestArrivalOrderDoesNotMatter(t *testing.T) {
	events := []messaging.Event{
		messaging.MessageCreated{Message: message("m1", "a", t0)},
		messaging.MessageCreated{Message: message("m2", "b", t0.Add(time.Second))},
		messaging.MessageUpdated{ConversationID: "c1", MessageID: "m1", NewBody: "a2", UpdatedAt: t0.Add(time.Minute)},
		messaging.MessageCreated{Message: message("m3", "c", t0.Add(2*time.Second))},
		messaging.MessageDeleted{ConversationID: "c1", MessageID: "m2"},
	}
	forward := New("c1", Config{})
	for _, event := range events {
		forward.Apply(event)
	}
	backward := New("c1", Config{})
	for i := len(events) - 1; i >= 0; i-- {
		backward.Apply(events[i])
	}
	// Replaying everything again converges too.
	for _, event := range events {
		backward.Apply(event)
	}

	want := ids(forward.Messages())
	if got := ids(backward.Messages()); got != want {
		t.Errorf("backward = %s, forward = %s", got, want)
	}
	if want != "[m1 m3]" {
		t.Errorf("forward = %s, want [m1 m3]", want)
	}
	got, _ := backward.Lookup("m1")
	if got.Body != "a2" {
		t.Errorf("m1 body after replay = %q, want a2", got.Body)
	}
}

func TestForeignConversationIgnored(t *testing.T) {
	merger := New("c1", Config{})
	foreign := message("m1", "x", t0)
	foreign.ConversationID = "c2"
	requireKind(t, merger.Insert(foreign), ChangeNone)
	requireKind(t, merger.Apply(messaging.MessageDeleted{ConversationID: "c2", MessageID: "m1"}), ChangeNone)
	if merger.Len() != 0 {
		t.Errorf("Len() = %d", merger.Len())
	}
}

func TestTailSkipsPending(t *testing.T) {
	merger := New("c1", Config{})
	merger.Insert(message("m1", "a", t0))
	merger.Insert(message("m2", "b", t0.Add(time.Second)))
	pending := message("", "c", t0.Add(2*time.Second))
	pending.LocalID = "local-1"
	merger.Insert(pending)

	if got := ids(merger.Tail(5)); got != "[m1 m2]" {
		t.Errorf("Tail(5) = %s", got)
	}
	if got := ids(merger.Tail(1)); got != "[m2]" {
		t.Errorf("Tail(1) = %s", got)
	}
}

func TestSignatureFields(t *testing.T) {
	base := message("", "hi", t0)
	if SignatureOf(base) != SignatureOf(message("m1", "hi", t0.Add(400*time.Microsecond))) {
		t.Error("id and sub-millisecond time must not affect the signature")
	}
	for name, variant := range map[string]messaging.Message{
		"body":   message("", "hi!", t0),
		"time":   message("", "hi", t0.Add(time.Millisecond)),
		"sender": func() messaging.Message { m := base; m.SenderID = "u2"; return m }(),
		// Shifting a byte between adjacent fields must not collide.
		"boundary": func() messaging.Message { m := base; m.ConversationID = "c"; m.SenderID = "1u1"; return m }(),
	} {
		if SignatureOf(variant) == SignatureOf(base) {
			t.Errorf("%s change did not change the signature", name)
		}
	}
}
