package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrUnauthorized is returned for 401 responses and for requests made
	// before a token was set.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrChatNotFound signals that the server no longer knows the chat.
	ErrChatNotFound = errors.New("chat not found")
)

// HTTPError is a non-2xx response other than the ones mapped to sentinels.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Body)
}

// Record is a decoded JSON object as the server sent it. Field probing is left
// to the normalization layer.
type Record map[string]any

// NewChat is the body of a chat creation request.
type NewChat struct {
	Type         string   `json:"type"`
	Name         string   `json:"name,omitempty"`
	Description  string   `json:"description,omitempty"`
	Participants []string `json:"participants"`
}

// OutgoingMessage is the body of a message send request.
type OutgoingMessage struct {
	Content          string         `json:"content"`
	MessageType      string         `json:"messageType"`
	MediaURL         string         `json:"mediaUrl,omitempty"`
	MediaMetadata    map[string]any `json:"mediaMetadata,omitempty"`
	ReplyToMessageID string         `json:"replyToMessageId,omitempty"`
}

// PageOptions bounds a message fetch.
type PageOptions struct {
	Limit           int
	Offset          int
	BeforeMessageID string
}

// Client issues authenticated requests against the chat REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	mu    sync.RWMutex
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With(zap.String("component", "backend")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetAuthToken sets the bearer token used for every subsequent request.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// HasToken reports whether a token is set.
func (c *Client) HasToken() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != ""
}

// CreateChat creates a chat and returns the server's record of it.
func (c *Client) CreateChat(ctx context.Context, chat NewChat) (Record, error) {
	data, err := c.do(ctx, http.MethodPost, "/chat/create", nil, chat)
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	return decodeRecord(data)
}

// ListChats returns the current user's chats.
func (c *Client) ListChats(ctx context.Context) ([]Record, error) {
	data, err := c.do(ctx, http.MethodGet, "/chat/user-chats", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return decodeList(data, "data", "chats")
}

// GetMessages returns one page of a chat's messages. ErrChatNotFound means
// the chat is gone server-side.
func (c *Client) GetMessages(ctx context.Context, chatID string, page PageOptions) ([]Record, error) {
	q := url.Values{}
	if page.Limit > 0 {
		q.Set("limit", strconv.Itoa(page.Limit))
	}
	if page.Offset > 0 {
		q.Set("offset", strconv.Itoa(page.Offset))
	}
	if page.BeforeMessageID != "" {
		q.Set("beforeMessageId", page.BeforeMessageID)
	}
	data, err := c.do(ctx, http.MethodGet, "/chat/"+url.PathEscape(chatID)+"/messages", q, nil)
	if err != nil {
		return nil, fmt.Errorf("get messages %s: %w", chatID, err)
	}
	return decodeList(data, "data", "messages")
}

// SendMessage posts a message and returns the stored server record.
func (c *Client) SendMessage(ctx context.Context, chatID string, msg OutgoingMessage) (Record, error) {
	if msg.MessageType == "" {
		msg.MessageType = "text"
	}
	data, err := c.do(ctx, http.MethodPost, "/chat/"+url.PathEscape(chatID)+"/messages", nil, msg)
	if err != nil {
		return nil, fmt.Errorf("send message %s: %w", chatID, err)
	}
	return decodeRecord(data)
}

// DeleteChat deletes a chat server-side.
func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	if _, err := c.do(ctx, http.MethodDelete, "/chat/"+url.PathEscape(chatID), nil, nil); err != nil {
		return fmt.Errorf("delete chat %s: %w", chatID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token == "" {
		return nil, ErrUnauthorized
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("backend request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound && chatScoped(path):
		return nil, ErrChatNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		if bytes.Contains(bytes.ToLower(data), []byte("chat not found")) {
			return nil, ErrChatNotFound
		}
		return nil, &HTTPError{Status: resp.StatusCode, Body: truncate(string(data), 512)}
	}
	return data, nil
}

// decodeRecord accepts a bare object or one wrapped in {"data": {...}}.
func decodeRecord(data []byte) (Record, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Record{}, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if inner, ok := rec["data"].(map[string]any); ok {
		return Record(inner), nil
	}
	return rec, nil
}

// decodeList accepts a bare array or an object holding the array under one
// of keys.
func decodeList(data []byte, keys ...string) ([]Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return []Record{}, nil
	}
	var raw []map[string]any
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return toRecords(raw), nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	for _, k := range keys {
		inner, ok := wrapper[k]
		if !ok {
			continue
		}
		if err := json.Unmarshal(inner, &raw); err != nil {
			return nil, fmt.Errorf("decode %q: %w", k, err)
		}
		return toRecords(raw), nil
	}
	return nil, fmt.Errorf("decode response: no list under %v", keys)
}

func toRecords(raw []map[string]any) []Record {
	out := make([]Record, 0, len(raw))
	for _, r := range raw {
		if r != nil {
			out = append(out, Record(r))
		}
	}
	return out
}

// chatScoped reports whether path addresses a single chat, so that a 404
// means the chat itself is gone.
func chatScoped(path string) bool {
	return strings.HasPrefix(path, "/chat/") && path != "/chat/create" && path != "/chat/user-chats"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
