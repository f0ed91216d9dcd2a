// Package state is the read-mostly projection of chats and messages that
// local clients render. Only the reconciliation engine and the send queue
// write to it; every write publishes a ui.* event on the bus.
package state

import (
	"slices"
	"sort"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
)

// ChatsChanged is the payload of bus.KindChatsChanged.
type ChatsChanged struct {
	Count int
}

// ChatRemoved is the payload of bus.KindChatRemoved.
type ChatRemoved struct {
	ChatID string
}

// MessagesChanged is the payload of bus.KindMessagesChanged.
type MessagesChanged struct {
	ChatID string
	Count  int
}

// State caches the chat list and per-chat message lists.
type State struct {
	mu         sync.RWMutex
	chats      []store.Chat
	messages   map[string][]store.Message
	activeChat string

	bus       *bus.Bus
	refreshCh chan struct{}
}

// New creates an empty projection publishing on b (which may be nil).
func New(b *bus.Bus) *State {
	return &State{
		messages:  make(map[string][]store.Message),
		bus:       b,
		refreshCh: make(chan struct{}, 1),
	}
}

// RefreshCh signals that the projection changed. Signals coalesce.
func (s *State) RefreshCh() <-chan struct{} {
	return s.refreshCh
}

func (s *State) signalRefresh() {
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
}

// SetChats replaces the chat list. The list is kept most recent first.
func (s *State) SetChats(chats []store.Chat) {
	sorted := slices.Clone(chats)
	sortChats(sorted)
	s.mu.Lock()
	s.chats = sorted
	s.mu.Unlock()
	s.bus.Emit(bus.KindChatsChanged, ChatsChanged{Count: len(sorted)})
	s.signalRefresh()
}

// UpsertChat inserts or replaces a single chat.
func (s *State) UpsertChat(c store.Chat) {
	s.mu.Lock()
	i := slices.IndexFunc(s.chats, func(x store.Chat) bool { return x.ID == c.ID })
	if i >= 0 {
		s.chats[i] = c
	} else {
		s.chats = append(s.chats, c)
	}
	sortChats(s.chats)
	n := len(s.chats)
	s.mu.Unlock()
	s.bus.Emit(bus.KindChatsChanged, ChatsChanged{Count: n})
	s.signalRefresh()
}

// RemoveChat drops a chat and its messages.
func (s *State) RemoveChat(chatID string) {
	s.mu.Lock()
	s.chats = slices.DeleteFunc(s.chats, func(x store.Chat) bool { return x.ID == chatID })
	delete(s.messages, chatID)
	if s.activeChat == chatID {
		s.activeChat = ""
	}
	s.mu.Unlock()
	s.bus.Emit(bus.KindChatRemoved, ChatRemoved{ChatID: chatID})
	s.signalRefresh()
}

// SetMessages replaces a chat's message list. Messages are kept in ascending
// timestamp order.
func (s *State) SetMessages(chatID string, msgs []store.Message) {
	sorted := slices.Clone(msgs)
	SortMessages(sorted)
	s.mu.Lock()
	s.messages[chatID] = sorted
	s.mu.Unlock()
	s.bus.Emit(bus.KindMessagesChanged, MessagesChanged{ChatID: chatID, Count: len(sorted)})
	s.signalRefresh()
}

// UpsertMessage adds m to its chat, replacing a copy that shares either id.
func (s *State) UpsertMessage(m store.Message) {
	s.mu.Lock()
	list := s.messages[m.ChatID]
	i := slices.IndexFunc(list, func(x store.Message) bool { return sameMessage(x, m) })
	if i >= 0 {
		list[i] = m
	} else {
		list = append(list, m)
	}
	SortMessages(list)
	s.messages[m.ChatID] = list
	n := len(list)
	s.mu.Unlock()
	s.bus.Emit(bus.KindMessagesChanged, MessagesChanged{ChatID: m.ChatID, Count: n})
	s.signalRefresh()
}

// UpdateMessage applies fn to the cached message matching id in either id
// column. Returns false when the message is not cached.
func (s *State) UpdateMessage(chatID, id string, fn func(*store.Message)) bool {
	s.mu.Lock()
	list := s.messages[chatID]
	i := slices.IndexFunc(list, func(x store.Message) bool { return x.ClientID == id || (x.ServerID != "" && x.ServerID == id) })
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	fn(&list[i])
	n := len(list)
	s.mu.Unlock()
	s.bus.Emit(bus.KindMessagesChanged, MessagesChanged{ChatID: chatID, Count: n})
	s.signalRefresh()
	return true
}

// Chats returns a snapshot of the chat list.
func (s *State) Chats() []store.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.chats)
}

// Chat returns one cached chat.
func (s *State) Chat(chatID string) (store.Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.chats {
		if c.ID == chatID {
			return c, true
		}
	}
	return store.Chat{}, false
}

// Messages returns a snapshot of a chat's messages.
func (s *State) Messages(chatID string) []store.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages[chatID])
}

// SetActiveChat records which chat the user is looking at ("" for none).
func (s *State) SetActiveChat(chatID string) {
	s.mu.Lock()
	s.activeChat = chatID
	s.mu.Unlock()
}

// ActiveChat returns the focused chat id.
func (s *State) ActiveChat() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeChat
}

func sameMessage(a, b store.Message) bool {
	if a.ClientID != "" && a.ClientID == b.ClientID {
		return true
	}
	return a.ServerID != "" && a.ServerID == b.ServerID
}

func sortChats(chats []store.Chat) {
	sort.SliceStable(chats, func(i, j int) bool {
		return chats[i].LastMessageTime > chats[j].LastMessageTime
	})
}

// SortMessages orders messages by ascending timestamp, breaking ties by
// creation time and client id so the order is stable across sources.
func SortMessages(msgs []store.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ClientID < b.ClientID
	})
}
