package devserver

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	errChatNotFound = errors.New("chat not found")
	errEmptyContent = errors.New("content is required")
)

type participant struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type lastMessage struct {
	Content   string `json:"content"`
	SenderID  string `json:"senderId"`
	CreatedAt string `json:"createdAt"`
}

type chat struct {
	ID           string        `json:"_id"`
	Type         string        `json:"type"`
	Name         string        `json:"name,omitempty"`
	Description  string        `json:"description,omitempty"`
	Participants []participant `json:"participants"`
	LastMessage  *lastMessage  `json:"lastMessage,omitempty"`
	CreatedAt    string        `json:"createdAt"`
	UpdatedAt    string        `json:"updatedAt"`
}

func (c *chat) member(userID string) bool {
	return slices.ContainsFunc(c.Participants, func(p participant) bool { return p.UserID == userID })
}

func (c *chat) memberIDs() []string {
	ids := make([]string, len(c.Participants))
	for i, p := range c.Participants {
		ids[i] = p.UserID
	}
	return ids
}

type message struct {
	ID               string   `json:"_id"`
	ChatID           string   `json:"chatId"`
	SenderID         string   `json:"senderId"`
	Content          string   `json:"content"`
	MessageType      string   `json:"messageType"`
	MediaURL         string   `json:"mediaUrl,omitempty"`
	ReplyToMessageID string   `json:"replyToMessageId,omitempty"`
	ClientID         string   `json:"clientId,omitempty"`
	Status           string   `json:"status"`
	ReadBy           []string `json:"readBy,omitempty"`
	CreatedAt        string   `json:"createdAt"`
}

type newMessage struct {
	Content          string `json:"content"`
	MessageType      string `json:"messageType"`
	MediaURL         string `json:"mediaUrl"`
	ReplyToMessageID string `json:"replyToMessageId"`
	ClientID         string `json:"clientId"`
}

// memory is the in-memory chat database. Values handed out are copies.
type memory struct {
	mu       sync.RWMutex
	chats    map[string]*chat
	messages map[string][]*message
	now      func() time.Time
}

func newMemory() *memory {
	return &memory{
		chats:    make(map[string]*chat),
		messages: make(map[string][]*message),
		now:      time.Now,
	}
}

func (m *memory) stamp() string {
	return m.now().UTC().Format(time.RFC3339Nano)
}

func (m *memory) createChat(owner, typ, name, description string, members []string) chat {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.stamp()
	c := &chat{
		ID:          uuid.NewString(),
		Type:        typ,
		Name:        name,
		Description: description,
		Participants: []participant{
			{UserID: owner, Role: "admin"},
		},
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	for _, id := range members {
		if id != "" && !c.member(id) {
			c.Participants = append(c.Participants, participant{UserID: id, Role: "member"})
		}
	}
	m.chats[c.ID] = c
	return *c
}

// chatsFor returns userID's chats, most recently updated first.
func (m *memory) chatsFor(userID string) []chat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]chat, 0)
	for _, c := range m.chats {
		if c.member(userID) {
			out = append(out, *c)
		}
	}
	slices.SortFunc(out, func(a, b chat) int {
		if a.UpdatedAt != b.UpdatedAt {
			if a.UpdatedAt > b.UpdatedAt {
				return -1
			}
			return 1
		}
		if a.ID < b.ID {
			return -1
		}
		return 1
	})
	return out
}

// chat returns the chat when userID is a member.
func (m *memory) chat(userID, chatID string) (chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[chatID]
	if !ok || !c.member(userID) {
		return chat{}, errChatNotFound
	}
	return *c, nil
}

func (m *memory) deleteChat(userID, chatID string) (chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok || !c.member(userID) {
		return chat{}, errChatNotFound
	}
	delete(m.chats, chatID)
	delete(m.messages, chatID)
	return *c, nil
}

// page returns up to limit messages oldest first. beforeID, when set, limits
// the page to messages older than it; otherwise offset counts back from the
// newest.
func (m *memory) page(userID, chatID string, limit, offset int, beforeID string) ([]message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[chatID]
	if !ok || !c.member(userID) {
		return nil, errChatNotFound
	}
	all := m.messages[chatID]
	end := len(all)
	if beforeID != "" {
		if i := slices.IndexFunc(all, func(msg *message) bool { return msg.ID == beforeID }); i >= 0 {
			end = i
		}
	} else {
		end = max(0, end-offset)
	}
	start := 0
	if limit > 0 {
		start = max(0, end-limit)
	}
	out := make([]message, 0, end-start)
	for _, msg := range all[start:end] {
		out = append(out, *msg)
	}
	return out, nil
}

// addMessage stores a message from senderID and returns it with the chat's
// members.
func (m *memory) addMessage(senderID, chatID string, in newMessage) (message, []string, error) {
	if in.Content == "" && in.MediaURL == "" {
		return message{}, nil, errEmptyContent
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok || !c.member(senderID) {
		return message{}, nil, errChatNotFound
	}
	if in.MessageType == "" {
		in.MessageType = "text"
	}
	ts := m.stamp()
	msg := &message{
		ID:               uuid.NewString(),
		ChatID:           chatID,
		SenderID:         senderID,
		Content:          in.Content,
		MessageType:      in.MessageType,
		MediaURL:         in.MediaURL,
		ReplyToMessageID: in.ReplyToMessageID,
		ClientID:         in.ClientID,
		Status:           "sent",
		CreatedAt:        ts,
	}
	m.messages[chatID] = append(m.messages[chatID], msg)
	c.LastMessage = &lastMessage{Content: msg.Content, SenderID: senderID, CreatedAt: ts}
	c.UpdatedAt = ts
	return *msg, c.memberIDs(), nil
}

// markRead marks messageID read by userID. Returns the chat and its members.
func (m *memory) markRead(userID, messageID string) (string, []string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for chatID, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.ID != messageID {
				continue
			}
			c := m.chats[chatID]
			if c == nil || !c.member(userID) {
				return "", nil, false
			}
			if msg.SenderID != userID && !slices.Contains(msg.ReadBy, userID) {
				msg.ReadBy = append(msg.ReadBy, userID)
				msg.Status = "read"
			}
			return chatID, c.memberIDs(), true
		}
	}
	return "", nil, false
}
