package api

import (
	"encoding/json"

	"github.com/matheus3301/chatsync/internal/store"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
)

// StatusResponse describes the daemon.
type StatusResponse struct {
	Profile             string      `json:"profile"`
	UserID              string      `json:"user_id,omitempty"`
	Authenticated       bool        `json:"authenticated"`
	RealtimeState       string      `json:"realtime_state"`
	RealtimeSinceUnixMs int64       `json:"realtime_since_unix_ms"`
	UptimeMs            int64       `json:"uptime_ms"`
	StoreReady          bool        `json:"store_ready"`
	Stats               store.Stats `json:"stats"`
	Sync                SyncStatus  `json:"sync"`
}

// TokenRequest sets the session's bearer token.
type TokenRequest struct {
	Token  string `json:"token"`
	UserID string `json:"user_id,omitempty"`
}

// TokenResponse reports who the token belongs to.
type TokenResponse struct {
	UserID string `json:"user_id"`
}

// SyncRequest asks for a full sync.
type SyncRequest struct {
	Force  bool   `json:"force,omitempty"`
	ChatID string `json:"chat_id,omitempty"`
}

// SyncStatus describes the reconciliation engine.
type SyncStatus struct {
	Running          bool             `json:"running"`
	LastSyncAtUnixMs int64            `json:"last_sync_at_unix_ms,omitempty"`
	LastResult       *chatsync.Result `json:"last_result,omitempty"`
}

// WatchRequest selects events by kind prefix. No prefixes means every event.
type WatchRequest struct {
	Prefixes []string `json:"prefixes,omitempty"`
}

// Event is one bus event relayed to a watcher.
type Event struct {
	EventID          string          `json:"event_id"`
	Profile          string          `json:"profile"`
	Kind             string          `json:"kind"`
	OccurredAtUnixMs int64           `json:"occurred_at_unix_ms"`
	PayloadVersion   int             `json:"payload_version"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// ChatRequest names a chat.
type ChatRequest struct {
	ChatID string `json:"chat_id"`
}

// CreateChatRequest creates a chat on the backend.
type CreateChatRequest struct {
	Type         string   `json:"type"`
	Name         string   `json:"name,omitempty"`
	Description  string   `json:"description,omitempty"`
	Participants []string `json:"participants"`
}

// ChatsResponse lists chats, most recent first.
type ChatsResponse struct {
	Chats []store.Chat `json:"chats"`
}

// ChatResponse carries one chat.
type ChatResponse struct {
	Chat store.Chat `json:"chat"`
}

// ListMessagesRequest lists a chat's messages. Limit keeps the newest.
type ListMessagesRequest struct {
	ChatID string `json:"chat_id"`
	Limit  int    `json:"limit,omitempty"`
}

// MessagesResponse lists messages oldest first. Warning is set when the
// list is a local fallback.
type MessagesResponse struct {
	Messages []store.Message `json:"messages"`
	Warning  string          `json:"warning,omitempty"`
}

// SearchRequest is a full-text query.
type SearchRequest struct {
	Query  string `json:"query"`
	ChatID string `json:"chat_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// SearchResponse holds search hits.
type SearchResponse struct {
	Results []store.SearchResult `json:"results"`
}

// SendRequest queues a text message.
type SendRequest struct {
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// QueueItemResponse carries one queue item.
type QueueItemResponse struct {
	Item store.QueueItem `json:"item"`
}

// QueueResponse lists the send queue in FIFO order.
type QueueResponse struct {
	Items []store.QueueItem `json:"items"`
}

// CountResponse reports how many items an operation touched.
type CountResponse struct {
	Count int `json:"count"`
}

// TypingRequest toggles the typing indicator in a chat.
type TypingRequest struct {
	ChatID string `json:"chat_id"`
	Typing bool   `json:"typing"`
}
