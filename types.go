package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is the {code, message} pair carried by a failed gateway envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic gateway response envelope.
type Result struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Duplicate bool            `json:"duplicate,omitempty"`
	Error     *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Page sizes used by the pagination controller.
const (
	ChatPageSize    = 20
	MessagePageSize = 50
)

// ============================================================================
// Chats
// ============================================================================

// ChatKind distinguishes one-to-one chats from group chats.
type ChatKind string

const (
	ChatDirect ChatKind = "direct"
	ChatGroup  ChatKind = "group"
)

// ChatStatus is the lifecycle status of a chat.
type ChatStatus string

const (
	ChatActive   ChatStatus = "active"
	ChatArchived ChatStatus = "archived"
	ChatDeleted  ChatStatus = "deleted"
)

// Chat is a cached, possibly stale copy of a remote chat row.
type Chat struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Kind           ChatKind   `json:"type"`
	TeamID         string     `json:"teamId,omitempty"`
	Participants   []string   `json:"participants,omitempty"`
	LastActivityAt time.Time  `json:"lastActivityAt,omitempty"`
	LastMessage    string     `json:"lastMessage,omitempty"`
	UnreadCount    int        `json:"unreadCount"`
	Status         ChatStatus `json:"status,omitempty"`
}

// HasParticipant reports whether userID is a member of the chat.
func (c *Chat) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// ============================================================================
// Messages
// ============================================================================

// MessageStatus is the delivery/lifecycle state of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
	StatusRecalled  MessageStatus = "recalled"
)

// RecalledPlaceholder replaces the content of a recalled message.
const RecalledPlaceholder = "This message was recalled"

// Attachment describes a file referenced by a message. Uploading it is the
// caller's job; only the descriptor travels with the message.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Reaction is an emoji left on a message by a user.
type Reaction struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

// Message is a chat message. While a send is in flight ID holds a temporary
// id of the form temp-<ClientMsgID>.
type Message struct {
	ID          string        `json:"id"`
	ChatID      string        `json:"chatId"`
	SenderID    string        `json:"senderId"`
	Content     string        `json:"content"`
	Type        string        `json:"messageType,omitempty"`
	Attachment  *Attachment   `json:"attachment,omitempty"`
	ReplyToID   string        `json:"replyToId,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	Edited      bool          `json:"edited,omitempty"`
	Status      MessageStatus `json:"status,omitempty"`
	Reactions   []Reaction    `json:"reactions,omitempty"`
	ClientMsgID string        `json:"clientMsgId,omitempty"`
}

// IsTemporary reports whether the message still carries a client-local id.
func (m *Message) IsTemporary() bool {
	return IsTempID(m.ID)
}

// ============================================================================
// Command parameters
// ============================================================================

// CreateChatParams are the arguments of create_chat.
type CreateChatParams struct {
	Name         string   `json:"name"`
	Kind         ChatKind `json:"type"`
	Participants []string `json:"participants"`
	TeamID       string   `json:"teamId,omitempty"`
}

// SendOptions carries the optional parts of a message.
type SendOptions struct {
	Type       string
	Attachment *Attachment
	ReplyToID  string
}

// SendMessageParams are the arguments of send_message.
type SendMessageParams struct {
	ChatID         string `json:"chatId"`
	Content        string `json:"content"`
	MessageType    string `json:"messageType"`
	AttachmentURL  string `json:"attachmentUrl,omitempty"`
	AttachmentName string `json:"attachmentName,omitempty"`
	AttachmentSize int64  `json:"attachmentSize,omitempty"`
	ReplyToID      string `json:"replyToId,omitempty"`
	ClientMsgID    string `json:"clientMsgId"`
}

// UpdateChatParams are the arguments of update_chat. Nil fields are left
// untouched by the server.
type UpdateChatParams struct {
	ChatID string      `json:"chatId"`
	Name   *string     `json:"name,omitempty"`
	Status *ChatStatus `json:"status,omitempty"`
}

// SendResult is the outcome of send_message. Duplicate is set when the
// idempotency key had already been applied by an earlier attempt.
type SendResult struct {
	Message   *Message
	Duplicate bool
}

// ReactionResult is the outcome of toggle_reaction.
type ReactionResult struct {
	Added    bool      `json:"added"`
	Reaction *Reaction `json:"reaction,omitempty"`
}
