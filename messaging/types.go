// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import "time"

// Message is one chat message as delivered by the REST history API
// and the message-created hub event.
type Message struct {
	// ID is the server-assigned identifier. Empty while the message
	// is an optimistic local copy awaiting confirmation.
	ID string `json:"id,omitempty"`

	// LocalID is the synthetic identifier given to an optimistic
	// copy. Never sent to or received from the server.
	LocalID string `json:"-"`

	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName"`
	Avatar         string `json:"avatar,omitempty"`

	// Body is message text, or an uploaded asset URL when IsMedia is
	// set.
	Body    string `json:"body"`
	IsMedia bool   `json:"isMedia"`

	// CreatedAt orders messages within a conversation.
	CreatedAt time.Time `json:"createdAt"`

	// UpdatedAt is set once the message has been edited.
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// IsOwn reports whether currentUserID sent the message.
func (m Message) IsOwn(currentUserID string) bool {
	return currentUserID != "" && m.SenderID == currentUserID
}

// Pending reports whether the message is an unconfirmed optimistic
// copy.
func (m Message) Pending() bool {
	return m.ID == ""
}

// Key identifies the message for rendering: the server ID once known,
// the local ID before that.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.LocalID
}

// Conversation is a chat channel as returned by the conversation
// listing. Whether it is open, minimized or closed on this client is
// tracked by the coordinator and never sent to the server.
type Conversation struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Avatar  string   `json:"avatar,omitempty"`
	Members []string `json:"members,omitempty"`

	// Preview is a short rendering of the most recent message.
	Preview string `json:"preview,omitempty"`

	// LastActivityAt only moves forward; conversation lists sort on
	// it, newest first.
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// PageRequest selects one page of a conversation's history. Page 1 is
// the most recent page; higher numbers are strictly older.
type PageRequest struct {
	ConversationID string
	Page           int
	PageSize       int
}

// Page is one page of history as returned by the REST API. Messages
// within a page are not guaranteed to be sorted.
type Page struct {
	Messages    []Message `json:"messages"`
	CurrentPage int       `json:"currentPage"`
	TotalPages  int       `json:"totalPages"`
	PageSize    int       `json:"pageSize"`
}

// HasMore reports whether older pages exist beyond this one.
func (p *Page) HasMore() bool {
	return p.CurrentPage < p.TotalPages
}

// UploadResponse is the body returned by the upload endpoint.
type UploadResponse struct {
	URL string `json:"url"`
}

// User is the signed-in user, injected into the sync core at
// construction.
type User struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Avatar string `json:"avatar,omitempty" yaml:"avatar"`
}
