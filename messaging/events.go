// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import "time"

// Hub event names delivered by the server.
const (
	EventMessageCreated      = "message-created"
	EventMessageUpdated      = "message-updated"
	EventMessageDeleted      = "message-deleted"
	EventConversationUpdated = "conversation-updated"
)

// Hub methods invoked by the client.
const (
	MethodJoinConversation = "joinConversation"
	MethodMarkRead         = "markRead"
	MethodSendMessage      = "sendMessage"
	MethodUpdateMessage    = "updateMessage"
	MethodDeleteMessage    = "deleteMessage"
)

// Event is a live change to one conversation's message list. The set
// of implementations is closed: MessageCreated, MessageUpdated and
// MessageDeleted.
type Event interface {
	// Conversation returns the id of the conversation the event
	// applies to.
	Conversation() string

	isEvent()
}

// MessageCreated announces a new message. The wire form is the
// message itself.
type MessageCreated struct {
	Message
}

// MessageUpdated announces an edit.
type MessageUpdated struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	NewBody        string    `json:"newBody"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// MessageDeleted announces a deletion.
type MessageDeleted struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

func (e MessageCreated) Conversation() string { return e.ConversationID }
func (e MessageUpdated) Conversation() string { return e.ConversationID }
func (e MessageDeleted) Conversation() string { return e.ConversationID }

func (MessageCreated) isEvent() {}
func (MessageUpdated) isEvent() {}
func (MessageDeleted) isEvent() {}

// ConversationUpdated is the notification hub's cross-conversation
// summary. It moves a conversation in the sidebar but never touches a
// message list.
type ConversationUpdated struct {
	ConversationID string    `json:"conversationId"`
	Name           string    `json:"name,omitempty"`
	Preview        string    `json:"preview,omitempty"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// SendMessageRequest is the sendMessage payload. The server replies
// with the stored Message.
type SendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Body           string `json:"body"`
	IsMedia        bool   `json:"isMedia"`
}

// UpdateMessageRequest is the updateMessage payload.
type UpdateMessageRequest struct {
	MessageID string `json:"messageId"`
	NewBody   string `json:"newBody"`
}
