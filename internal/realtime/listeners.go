package realtime

import (
	"sync"

	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/status"
)

// registry holds the listeners of one event category.
type registry[T any] struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(T)
}

func (r *registry[T]) add(fn func(T)) func() {
	r.mu.Lock()
	if r.fns == nil {
		r.fns = make(map[int]func(T))
	}
	id := r.next
	r.next++
	r.fns[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.fns, id)
			r.mu.Unlock()
		})
	}
}

func (r *registry[T]) emit(v T) {
	r.mu.RLock()
	fns := make([]func(T), 0, len(r.fns))
	for _, fn := range r.fns {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (r *registry[T]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.fns)
}

type listeners struct {
	message     registry[backend.Record]
	sent        registry[SentAck]
	delivered   registry[Receipt]
	read        registry[Receipt]
	typing      registry[Typing]
	presence    registry[Presence]
	chatCreated registry[backend.Record]
	joined      registry[JoinedChat]
	state       registry[status.StatusChange]
}

// Listeners run on the transport's read goroutine in frame order. Each On*
// call returns a function that removes the listener; calling it more than
// once is harmless.

// OnMessage registers a listener for newMessage.
func (t *Transport) OnMessage(fn func(backend.Record)) func() { return t.ls.message.add(fn) }

// OnMessageSent registers a listener for messageSent.
func (t *Transport) OnMessageSent(fn func(SentAck)) func() { return t.ls.sent.add(fn) }

// OnDelivered registers a listener for delivery receipts.
func (t *Transport) OnDelivered(fn func(Receipt)) func() { return t.ls.delivered.add(fn) }

// OnRead registers a listener for read receipts.
func (t *Transport) OnRead(fn func(Receipt)) func() { return t.ls.read.add(fn) }

// OnTyping registers a listener for typing indicators.
func (t *Transport) OnTyping(fn func(Typing)) func() { return t.ls.typing.add(fn) }

// OnPresence registers a listener for userOnline/userOffline.
func (t *Transport) OnPresence(fn func(Presence)) func() { return t.ls.presence.add(fn) }

// OnChatCreated registers a listener for chatCreated.
func (t *Transport) OnChatCreated(fn func(backend.Record)) func() { return t.ls.chatCreated.add(fn) }

// OnJoinedChat registers a listener for joinedChat.
func (t *Transport) OnJoinedChat(fn func(JoinedChat)) func() { return t.ls.joined.add(fn) }

// OnStateChange registers a listener for connection state changes.
func (t *Transport) OnStateChange(fn func(status.StatusChange)) func() { return t.ls.state.add(fn) }

// ListenerCount returns the number of registered listeners across categories.
func (t *Transport) ListenerCount() int {
	return t.ls.message.len() + t.ls.sent.len() + t.ls.delivered.len() + t.ls.read.len() +
		t.ls.typing.len() + t.ls.presence.len() + t.ls.chatCreated.len() + t.ls.joined.len() +
		t.ls.state.len()
}
