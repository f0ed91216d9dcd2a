package realtime

import (
	"encoding/json"

	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/store"
)

// Outbound event names.
const (
	EventSendMessage = "send_message"
	EventJoinChat    = "join_chat"
	EventTypingStart = "typing_start"
	EventTypingStop  = "typing_stop"
	EventMarkAsRead  = "mark_as_read"
)

// Inbound event names.
const (
	EventNewMessage          = "newMessage"
	EventMessageSent         = "messageSent"
	EventMessageDelivered    = "messageDelivered"
	EventMessageRead         = "messageRead"
	EventMessageStatusUpdate = "messageStatusUpdate"
	EventChatCreated         = "chatCreated"
	EventJoinedChat          = "joinedChat"
	EventUserOnline          = "userOnline"
	EventUserOffline         = "userOffline"
	EventUserTyping          = "user_typing"
	EventError               = "error"
)

// Frame is the JSON envelope of every websocket text frame.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// SendMessagePayload is the body of send_message.
type SendMessagePayload struct {
	ChatID           string         `json:"chatId"`
	ClientID         string         `json:"clientId,omitempty"`
	Content          string         `json:"content"`
	MessageType      string         `json:"messageType"`
	MediaURL         string         `json:"mediaUrl,omitempty"`
	MediaMetadata    map[string]any `json:"mediaMetadata,omitempty"`
	ReplyToMessageID string         `json:"replyToMessageId,omitempty"`
}

// SentAck confirms a message sent over the socket. ClientID echoes the id the
// message was sent with, when the server reports one.
type SentAck struct {
	ClientID string
	Message  backend.Record
}

// Receipt reports delivery or read state for one or more messages.
type Receipt struct {
	ChatID     string
	MessageIDs []string
	UserID     string
	Status     store.MessageStatus
}

// Typing is a typing indicator.
type Typing struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}

// Presence reports a user coming online or going offline.
type Presence struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// JoinedChat confirms a join_chat.
type JoinedChat struct {
	ChatID string
}

func parseSentAck(rec backend.Record) SentAck {
	msg := rec.Record("message", "data")
	if msg == nil {
		msg = rec
	}
	clientID := rec.String("clientId", "client_id", "tempId", "temp_id", "client_message_id")
	if clientID == "" {
		clientID = msg.String("clientId", "client_id", "tempId", "temp_id", "client_message_id")
	}
	return SentAck{ClientID: clientID, Message: msg}
}

func parseReceipt(rec backend.Record, status store.MessageStatus) Receipt {
	return Receipt{
		ChatID:     rec.String("chatId", "chat_id"),
		MessageIDs: rec.Strings("messageIds", "message_ids", "messageId", "message_id", "id", "_id"),
		UserID:     rec.String("userId", "user_id", "readBy", "read_by"),
		Status:     status,
	}
}

func parseTyping(rec backend.Record) Typing {
	typing, ok := rec.Bool("isTyping", "is_typing", "typing")
	if !ok {
		typing = true
	}
	return Typing{
		ChatID: rec.String("chatId", "chat_id"),
		UserID: rec.String("userId", "user_id"),
		Typing: typing,
	}
}

// unwrap returns the object under key when the payload nests it there.
func unwrap(rec backend.Record, keys ...string) backend.Record {
	if inner := rec.Record(keys...); inner != nil {
		return inner
	}
	return rec
}
