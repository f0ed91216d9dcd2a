package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// ChatType distinguishes one-to-one chats from groups.
type ChatType string

const (
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
)

// Participant is a chat member as the backend last described it.
type Participant struct {
	UserID      string `json:"user_id"`
	Role        string `json:"role,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// Participants is stored as a JSON array.
type Participants []Participant

func (p Participants) Value() (driver.Value, error) {
	if p == nil {
		return "[]", nil
	}
	b, err := json.Marshal(p)
	return string(b), err
}

func (p *Participants) Scan(src any) error {
	return scanJSON(src, p)
}

// Chat is a conversation container. ID is the server-assigned identity.
type Chat struct {
	ID              string       `db:"id" json:"id"`
	Type            ChatType     `db:"type" json:"type"`
	Name            string       `db:"name" json:"name"`
	Participants    Participants `db:"participants" json:"participants"`
	Avatar          string       `db:"avatar" json:"avatar,omitempty"`
	LastMessage     string       `db:"last_message" json:"last_message,omitempty"`
	LastMessageTime int64        `db:"last_message_time" json:"last_message_time"`
	UnreadCount     int          `db:"unread_count" json:"unread_count"`
	CreatedAt       int64        `db:"created_at" json:"created_at"`
	UpdatedAt       int64        `db:"updated_at" json:"updated_at"`
}

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Rank orders statuses along the delivery path. Failed sits beside pending.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// ParseStatus maps a wire status onto a MessageStatus. Unknown values map to
// sent since anything the server reports has at least been accepted.
func ParseStatus(s string) MessageStatus {
	switch MessageStatus(s) {
	case StatusPending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return MessageStatus(s)
	case "seen":
		return StatusRead
	case "received":
		return StatusDelivered
	}
	return StatusSent
}

// Reactions counts reactions per emoji, stored as a JSON object.
type Reactions map[string]int

func (r Reactions) Value() (driver.Value, error) {
	if r == nil {
		return "{}", nil
	}
	b, err := json.Marshal(r)
	return string(b), err
}

func (r *Reactions) Scan(src any) error {
	return scanJSON(src, r)
}

// Message is a single chat entry. ClientID is the row key; ServerID is
// attached once the backend acknowledges the message.
type Message struct {
	ServerID    string        `db:"id" json:"server_id,omitempty"`
	ClientID    string        `db:"client_id" json:"client_id"`
	ChatID      string        `db:"chat_id" json:"chat_id"`
	Content     string        `db:"content" json:"content"`
	SenderID    string        `db:"sender_id" json:"sender_id"`
	SenderName  string        `db:"sender_name" json:"sender_name,omitempty"`
	Timestamp   int64         `db:"timestamp" json:"timestamp"`
	Status      MessageStatus `db:"status" json:"status"`
	Reactions   Reactions     `db:"reactions" json:"reactions,omitempty"`
	MessageType string        `db:"message_type" json:"message_type"`
	ReplyTo     string        `db:"reply_to" json:"reply_to,omitempty"`
	CreatedAt   int64         `db:"created_at" json:"created_at"`
	UpdatedAt   int64         `db:"updated_at" json:"updated_at"`
}

// Temporary reports whether the message has not been confirmed by the server.
func (m *Message) Temporary() bool {
	return m.ServerID == ""
}

// ErrInvalidMessage is returned when a message lacks a required field.
var ErrInvalidMessage = errors.New("invalid message")

// Validate checks the fields every persisted message must carry.
func (m *Message) Validate() error {
	switch {
	case m.ChatID == "":
		return fmt.Errorf("%w: missing chat id", ErrInvalidMessage)
	case m.Content == "":
		return fmt.Errorf("%w: missing content", ErrInvalidMessage)
	case m.SenderID == "":
		return fmt.Errorf("%w: missing sender id", ErrInvalidMessage)
	}
	return nil
}

// QueueStatus is the state of a send-queue item.
type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueSending QueueStatus = "sending"
	QueueSent    QueueStatus = "sent"
	QueueFailed  QueueStatus = "failed"
)

// QueuePayload is the outgoing message body kept with a queue item.
type QueuePayload struct {
	Content          string         `json:"content"`
	MessageType      string         `json:"messageType,omitempty"`
	MediaURL         string         `json:"mediaUrl,omitempty"`
	MediaMetadata    map[string]any `json:"mediaMetadata,omitempty"`
	ReplyToMessageID string         `json:"replyToMessageId,omitempty"`
}

func (p QueuePayload) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	return string(b), err
}

func (p *QueuePayload) Scan(src any) error {
	return scanJSON(src, p)
}

// QueueItem wraps a message waiting for delivery.
type QueueItem struct {
	ID            string       `db:"id" json:"id"`
	ChatID        string       `db:"chat_id" json:"chat_id"`
	ClientID      string       `db:"client_id" json:"client_id"`
	Payload       QueuePayload `db:"payload" json:"payload"`
	RetryCount    int          `db:"retry_count" json:"retry_count"`
	Status        QueueStatus  `db:"status" json:"status"`
	LastError     string       `db:"last_error" json:"last_error,omitempty"`
	NextAttemptAt int64        `db:"next_attempt_at" json:"next_attempt_at"`
	CreatedAt     int64        `db:"created_at" json:"created_at"`
	UpdatedAt     int64        `db:"updated_at" json:"updated_at"`
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message
	Snippet string `db:"snippet" json:"snippet"`
}

// Stats summarizes store contents.
type Stats struct {
	Chats        int `db:"chats" json:"chats"`
	Messages     int `db:"messages" json:"messages"`
	QueuePending int `db:"queue_pending" json:"queue_pending"`
	QueueFailed  int `db:"queue_failed" json:"queue_failed"`
	PendingLocal int `db:"pending_local" json:"pending_local"`
}

func scanJSON(src any, dst any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("scan json: unsupported type %T", src)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}
