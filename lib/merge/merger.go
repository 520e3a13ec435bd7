// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package merge keeps one conversation's message list: the union of
// history pages, live events and optimistic local sends, ordered by
// createdAt and free of duplicates.
//
// Every operation is idempotent. Applying the same event or page twice
// leaves the list as it was after the first application, so reconnect
// replays and pagination retries need no bookkeeping of their own.
//
// Duplicate detection runs on the server id first and on the
// [Signature] second. When two entries share a signature the one with
// a server id wins; if both or neither have one, the later createdAt
// wins and a tie keeps the entry already present.
package merge

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/chatsync/lib/metrics"
	"github.com/bureau-foundation/chatsync/messaging"
)

// ChangeKind classifies the effect of one merge operation.
type ChangeKind int

const (
	// ChangeNone: the list is unchanged (duplicate, stale or foreign
	// input).
	ChangeNone ChangeKind = iota
	// ChangeInserted: a new row was added.
	ChangeInserted
	// ChangeReplaced: an existing row was superseded by another
	// representation of the same message (optimistic copy confirmed).
	ChangeReplaced
	// ChangeUpdated: an edit changed a row's body.
	ChangeUpdated
	// ChangeRemoved: a row was deleted or an optimistic copy
	// discarded.
	ChangeRemoved
	// ChangeConflict: an edit or delete named an id that is not in
	// the list. It is dropped; the next history load reconciles.
	ChangeConflict
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeNone:
		return "none"
	case ChangeInserted:
		return "inserted"
	case ChangeReplaced:
		return "replaced"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	case ChangeConflict:
		return "conflict"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// Change describes what one operation did.
type Change struct {
	Kind ChangeKind
	// Message is the row as it stands after the operation, or the
	// removed row for ChangeRemoved. Zero for ChangeNone and
	// ChangeConflict.
	Message messaging.Message
}

// Visible reports whether the change altered the rendered list.
func (c Change) Visible() bool {
	return c.Kind != ChangeNone && c.Kind != ChangeConflict
}

type entry struct {
	message   messaging.Message
	signature Signature
	seq       uint64
}

// Config holds optional Merger parameters.
type Config struct {
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Merger owns one conversation's list. Safe for concurrent use, though
// a conversation's events are normally applied from one goroutine.
type Merger struct {
	conversationID string
	metrics        *metrics.Metrics
	logger         *slog.Logger

	mu      sync.Mutex
	entries []*entry // sorted by (createdAt, seq)
	byID    map[string]*entry
	byLocal map[string]*entry
	bySig   map[Signature]*entry
	// tombstones holds ids removed by a delete so that a replayed
	// page or create can't bring them back.
	tombstones map[string]struct{}
	// acknowledged holds local ids, oldest first, of optimistic
	// copies the server accepted without returning the stored row.
	// The next matching echo takes their place.
	acknowledged []string
	seq          uint64
}

// New creates an empty Merger for conversationID.
func New(conversationID string, config Config) *Merger {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Merger{
		conversationID: conversationID,
		metrics:        config.Metrics,
		logger:         logger.With("conversation_id", conversationID),
		byID:           make(map[string]*entry),
		byLocal:        make(map[string]*entry),
		bySig:          make(map[Signature]*entry),
		tombstones:     make(map[string]struct{}),
	}
}

// ConversationID returns the conversation this list belongs to.
func (m *Merger) ConversationID() string { return m.conversationID }

// Apply folds one live event into the list.
func (m *Merger) Apply(event messaging.Event) Change {
	m.mu.Lock()
	defer m.mu.Unlock()

	var change Change
	switch event := event.(type) {
	case messaging.MessageCreated:
		change = m.insertLocked(event.Message)
	case messaging.MessageUpdated:
		change = m.updateLocked(event)
	case messaging.MessageDeleted:
		change = m.deleteLocked(event.ConversationID, event.MessageID)
	default:
		m.logger.Warn("unknown event type", "type", fmt.Sprintf("%T", event))
	}
	return m.record(change)
}

// Insert adds one message from any source: a history row, a cached
// row, or an optimistic local copy (LocalID set, ID empty).
func (m *Merger) Insert(message messaging.Message) Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record(m.insertLocked(message))
}

// ApplyPage inserts every message of a history page and returns the
// visible changes, in page order.
func (m *Merger) ApplyPage(page *messaging.Page) []Change {
	if page == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var changes []Change
	for _, message := range page.Messages {
		change := m.record(m.insertLocked(message))
		if change.Visible() {
			changes = append(changes, change)
		}
	}
	return changes
}

// Confirm replaces the optimistic copy with localID by the stored
// message the server returned for it. The replacement happens even
// when the server's createdAt differs from the local one, in which
// case the signatures don't match and only the local id links them.
// If the echo already arrived through a message-created event the
// optimistic copy is dropped and the echo kept.
func (m *Merger) Confirm(localID string, confirmed messaging.Message) Change {
	m.mu.Lock()
	defer m.mu.Unlock()

	local, ok := m.byLocal[localID]
	if !ok || local.message.ID != "" {
		// Already collapsed with the echo, or discarded.
		return m.record(m.insertLocked(confirmed))
	}
	if confirmed.ID == "" || !m.accepts(confirmed) {
		return m.record(Change{})
	}

	if _, dead := m.tombstones[confirmed.ID]; dead {
		m.removeLocked(local)
		return m.record(Change{Kind: ChangeRemoved, Message: local.message})
	}
	if echo, ok := m.byID[confirmed.ID]; ok {
		m.removeLocked(local)
		echo.message.LocalID = localID
		m.byLocal[localID] = echo
		return m.record(Change{Kind: ChangeReplaced, Message: echo.message})
	}

	confirmed.LocalID = localID
	m.replaceLocked(local, confirmed)
	return m.record(Change{Kind: ChangeReplaced, Message: confirmed})
}

// Acknowledge records that the send of the optimistic copy with
// localID succeeded but the server returned no stored message. The
// echo's createdAt is the server's, so the signatures will not match:
// instead the first echo from the same sender with the same body takes
// the copy's place. If that echo already arrived the copy is dropped
// now and the echo returned as ChangeReplaced.
func (m *Merger) Acknowledge(localID string) Change {
	m.mu.Lock()
	defer m.mu.Unlock()

	local, ok := m.byLocal[localID]
	if !ok || local.message.ID != "" {
		return m.record(Change{})
	}
	for _, e := range m.entries {
		if e.seq > local.seq && e.message.LocalID == "" && sameContent(e.message, local.message) {
			m.removeLocked(local)
			e.message.LocalID = localID
			m.byLocal[localID] = e
			return m.record(Change{Kind: ChangeReplaced, Message: e.message})
		}
	}
	if !slices.Contains(m.acknowledged, localID) {
		m.acknowledged = append(m.acknowledged, localID)
	}
	return m.record(Change{})
}

// Discard removes the optimistic copy with localID after its send
// failed. A copy that has already been confirmed is kept.
func (m *Merger) Discard(localID string) Change {
	m.mu.Lock()
	defer m.mu.Unlock()

	local, ok := m.byLocal[localID]
	if !ok || local.message.ID != "" {
		return m.record(Change{})
	}
	m.removeLocked(local)
	return m.record(Change{Kind: ChangeRemoved, Message: local.message})
}

// Messages returns a copy of the list in display order.
func (m *Merger) Messages() []messaging.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	messages := make([]messaging.Message, len(m.entries))
	for i, e := range m.entries {
		messages[i] = e.message
	}
	return messages
}

// Len returns the number of rows.
func (m *Merger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Lookup returns the row with server id.
func (m *Merger) Lookup(id string) (messaging.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return messaging.Message{}, false
	}
	return e.message, true
}

// LookupKey returns the row whose Key() is key: a server id, or the
// local id of a pending row.
func (m *Merger) LookupKey(key string) (messaging.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byID[key]; ok {
		return e.message, true
	}
	if e, ok := m.byLocal[key]; ok {
		return e.message, true
	}
	return messaging.Message{}, false
}

// Tail returns up to n of the newest rows that have a server id, in
// display order. Pending rows are skipped.
func (m *Merger) Tail(n int) []messaging.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tail []messaging.Message
	for i := len(m.entries) - 1; i >= 0 && len(tail) < n; i-- {
		if m.entries[i].message.ID != "" {
			tail = append(tail, m.entries[i].message)
		}
	}
	slices.Reverse(tail)
	return tail
}

func (m *Merger) accepts(message messaging.Message) bool {
	return message.ConversationID == m.conversationID
}

func (m *Merger) insertLocked(message messaging.Message) Change {
	if !m.accepts(message) {
		m.logger.Warn("dropping message for another conversation",
			"message_conversation_id", message.ConversationID,
			"message_id", message.ID,
		)
		return Change{}
	}
	if message.ID != "" {
		if _, dead := m.tombstones[message.ID]; dead {
			return Change{}
		}
		if existing, ok := m.byID[message.ID]; ok {
			return m.redeliveredLocked(existing, message)
		}
	}

	signature := SignatureOf(message)
	if existing, ok := m.bySig[signature]; ok {
		if !supersedes(message, existing.message) {
			return Change{}
		}
		if message.LocalID == "" {
			message.LocalID = existing.message.LocalID
		}
		m.replaceLocked(existing, message)
		return Change{Kind: ChangeReplaced, Message: message}
	}

	if message.ID != "" && message.LocalID == "" {
		if local := m.claimAcknowledgedLocked(message); local != nil {
			message.LocalID = local.message.LocalID
			m.replaceLocked(local, message)
			return Change{Kind: ChangeReplaced, Message: message}
		}
	}

	m.seq++
	e := &entry{message: message, signature: signature, seq: m.seq}
	m.indexLocked(e)
	m.placeLocked(e)
	return Change{Kind: ChangeInserted, Message: message}
}

// claimAcknowledgedLocked removes and returns the oldest acknowledged
// optimistic copy that message is the echo of, pruning ids whose copy
// is already gone.
func (m *Merger) claimAcknowledgedLocked(message messaging.Message) *entry {
	var claimed *entry
	kept := m.acknowledged[:0]
	for _, localID := range m.acknowledged {
		local, ok := m.byLocal[localID]
		if !ok || local.message.ID != "" {
			continue
		}
		if claimed == nil && sameContent(message, local.message) {
			claimed = local
			continue
		}
		kept = append(kept, localID)
	}
	m.acknowledged = kept
	return claimed
}

// sameContent reports whether a and b were sent by the same user with
// the same body.
func sameContent(a, b messaging.Message) bool {
	return a.SenderID == b.SenderID && a.Body == b.Body && a.IsMedia == b.IsMedia
}

// redeliveredLocked handles a message whose id is already present. A
// copy carrying a newer edit wins; anything else is a duplicate.
func (m *Merger) redeliveredLocked(existing *entry, message messaging.Message) Change {
	if !newerEdit(message.UpdatedAt, existing.message.UpdatedAt) {
		return Change{}
	}
	message.LocalID = existing.message.LocalID
	m.replaceLocked(existing, message)
	return Change{Kind: ChangeUpdated, Message: message}
}

func (m *Merger) updateLocked(event messaging.MessageUpdated) Change {
	if event.ConversationID != "" && event.ConversationID != m.conversationID {
		return Change{}
	}
	existing, ok := m.byID[event.MessageID]
	if !ok {
		m.logger.Debug("edit for unknown message dropped", "message_id", event.MessageID)
		return Change{Kind: ChangeConflict}
	}
	updatedAt := event.UpdatedAt
	if existing.message.UpdatedAt != nil {
		if updatedAt.Before(*existing.message.UpdatedAt) {
			return Change{}
		}
		if updatedAt.Equal(*existing.message.UpdatedAt) && existing.message.Body == event.NewBody {
			return Change{}
		}
	}
	updated := existing.message
	updated.Body = event.NewBody
	updated.UpdatedAt = &updatedAt
	m.replaceLocked(existing, updated)
	return Change{Kind: ChangeUpdated, Message: updated}
}

func (m *Merger) deleteLocked(conversationID, id string) Change {
	if conversationID != "" && conversationID != m.conversationID {
		return Change{}
	}
	if id == "" {
		return Change{}
	}
	_, alreadyDead := m.tombstones[id]
	m.tombstones[id] = struct{}{}

	existing, ok := m.byID[id]
	if !ok {
		if alreadyDead {
			return Change{}
		}
		m.logger.Debug("delete for unknown message recorded", "message_id", id)
		return Change{Kind: ChangeConflict}
	}
	m.removeLocked(existing)
	return Change{Kind: ChangeRemoved, Message: existing.message}
}

// replaceLocked swaps e's message for message, keeping e's insertion
// sequence, and re-sorts it if createdAt moved.
func (m *Merger) replaceLocked(e *entry, message messaging.Message) {
	m.unindexLocked(e)
	moved := !e.message.CreatedAt.Equal(message.CreatedAt)
	if moved {
		m.unplaceLocked(e)
	}
	e.message = message
	e.signature = SignatureOf(message)
	m.indexLocked(e)
	if moved {
		m.placeLocked(e)
	}
}

func (m *Merger) removeLocked(e *entry) {
	m.unindexLocked(e)
	m.unplaceLocked(e)
}

func (m *Merger) indexLocked(e *entry) {
	if e.message.ID != "" {
		m.byID[e.message.ID] = e
	}
	if e.message.LocalID != "" {
		m.byLocal[e.message.LocalID] = e
	}
	// An edit can give a row the signature of another; the first
	// holder keeps the slot.
	if _, taken := m.bySig[e.signature]; !taken {
		m.bySig[e.signature] = e
	}
}

func (m *Merger) unindexLocked(e *entry) {
	if m.byID[e.message.ID] == e {
		delete(m.byID, e.message.ID)
	}
	if m.byLocal[e.message.LocalID] == e {
		delete(m.byLocal, e.message.LocalID)
	}
	if m.bySig[e.signature] == e {
		delete(m.bySig, e.signature)
		for _, other := range m.entries {
			if other != e && other.signature == e.signature {
				m.bySig[e.signature] = other
				break
			}
		}
	}
}

func compareEntries(a, b *entry) int {
	if c := a.message.CreatedAt.Compare(b.message.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

func (m *Merger) placeLocked(e *entry) {
	index, _ := slices.BinarySearchFunc(m.entries, e, compareEntries)
	m.entries = slices.Insert(m.entries, index, e)
}

func (m *Merger) unplaceLocked(e *entry) {
	index, found := slices.BinarySearchFunc(m.entries, e, compareEntries)
	if found && m.entries[index] == e {
		m.entries = slices.Delete(m.entries, index, index+1)
		return
	}
	// Fall back to a scan if ordering keys were mutated in place.
	if index := slices.Index(m.entries, e); index >= 0 {
		m.entries = slices.Delete(m.entries, index, index+1)
	}
}

func (m *Merger) record(change Change) Change {
	m.metrics.ObserveMerge(change.Kind.String())
	return change
}

// supersedes reports whether incoming should replace existing when
// both carry the same signature.
func supersedes(incoming, existing messaging.Message) bool {
	incomingHasID := incoming.ID != ""
	existingHasID := existing.ID != ""
	if incomingHasID != existingHasID {
		return incomingHasID
	}
	return incoming.CreatedAt.After(existing.CreatedAt)
}

func newerEdit(incoming, existing *time.Time) bool {
	switch {
	case incoming == nil:
		return false
	case existing == nil:
		return true
	default:
		return incoming.After(*existing)
	}
}
