package sync

import (
	"context"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/store"
)

// Attach registers the engine's ingestion handlers on a transport and makes
// it the engine's read-receipt channel. The returned function detaches them.
func (e *Engine) Attach(ctx context.Context, t *realtime.Transport) func() {
	e.SetRealtime(t)
	offs := []func(){
		t.OnMessage(func(rec backend.Record) { e.HandleNewMessage(ctx, rec) }),
		t.OnMessageSent(func(ack realtime.SentAck) { e.HandleMessageSent(ctx, ack) }),
		t.OnDelivered(func(r realtime.Receipt) { e.HandleReceipt(ctx, r) }),
		t.OnRead(func(r realtime.Receipt) { e.HandleReceipt(ctx, r) }),
		t.OnChatCreated(func(rec backend.Record) { e.HandleChatCreated(ctx, rec) }),
		t.OnJoinedChat(func(j realtime.JoinedChat) {
			e.logger.Debug("joined chat", zap.String("chat_id", j.ChatID))
		}),
		t.OnTyping(func(ty realtime.Typing) { e.bus.Emit(bus.KindTyping, ty) }),
		t.OnPresence(func(p realtime.Presence) { e.bus.Emit(bus.KindPresence, p) }),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// HandleNewMessage ingests a pushed message. Our own echo is folded into the
// pending row it came from; anything else is saved once, bumps the unread
// counter when the chat is not focused, and is published.
func (e *Engine) HandleNewMessage(ctx context.Context, rec backend.Record) {
	norm := e.Normalizer()
	m := norm.Message(rec, "")
	if m.ChatID == "" || (m.ServerID == "" && m.ClientID == "") {
		e.logger.Debug("dropping realtime message without chat or id")
		return
	}
	own := m.SenderID != "" && m.SenderID == norm.UserID()

	if own && m.ClientID != "" && m.ServerID != "" {
		if prev, _ := e.store.GetMessage(ctx, m.ClientID); prev != nil && prev.ServerID == "" {
			if err := e.store.UpdateMessageIDByClientID(ctx, m.ClientID, m.ServerID); err == nil {
				e.publishMessage(ctx, m.ChatID, m.ClientID)
				return
			}
		}
	}

	inserted, err := e.store.SaveMessage(ctx, &m)
	if err != nil {
		e.logger.Warn("failed to save realtime message", zap.String("server_id", m.ServerID), zap.Error(err))
		return
	}
	if !inserted {
		e.logger.Debug("realtime message already stored", zap.String("server_id", m.ServerID))
		return
	}

	chat, _ := e.store.GetChat(ctx, m.ChatID)
	if chat == nil {
		// Unknown chat: let a full sync fetch its metadata.
		e.background(func(ctx context.Context) {
			e.SyncAllData(ctx, SyncOptions{ChatID: m.ChatID})
		})
		return
	}
	if !own {
		if e.state.ActiveChat() == m.ChatID {
			if rt := e.realtime(); rt != nil && m.ServerID != "" {
				_ = rt.MarkAsRead(ctx, m.ServerID)
			}
		} else if err := e.store.IncrementUnread(ctx, m.ChatID); err == nil {
			chat.UnreadCount++
		}
	}
	if c, _ := e.store.GetChat(ctx, m.ChatID); c != nil {
		chat = c
	}
	e.state.UpsertChat(*chat)
	e.publishMessage(ctx, m.ChatID, m.ClientID)
}

// HandleMessageSent attaches the server id from a send acknowledgement.
func (e *Engine) HandleMessageSent(ctx context.Context, ack realtime.SentAck) {
	serverID := ack.Message.String(serverIDKeys...)
	if ack.ClientID == "" || serverID == "" {
		// Nothing to correlate; treat it as a pushed message.
		if ack.Message != nil {
			e.HandleNewMessage(ctx, ack.Message)
		}
		return
	}
	if err := e.store.UpdateMessageIDByClientID(ctx, ack.ClientID, serverID); err != nil {
		e.logger.Debug("send ack for unknown message", zap.String("client_id", ack.ClientID), zap.Error(err))
		return
	}
	m, _ := e.store.GetMessage(ctx, ack.ClientID)
	if m == nil {
		return
	}
	e.state.UpsertMessage(*m)
	e.bus.Emit(bus.KindSendAck, *m)
}

// HandleReceipt advances message statuses. Statuses never move backwards.
func (e *Engine) HandleReceipt(ctx context.Context, r realtime.Receipt) {
	if len(r.MessageIDs) == 0 {
		return
	}
	n, err := e.store.UpdateMessageStatus(ctx, r.Status, r.MessageIDs...)
	if err != nil || n == 0 {
		return
	}
	for _, id := range r.MessageIDs {
		if m, _ := e.store.GetMessage(ctx, id); m != nil {
			e.state.UpsertMessage(*m)
		}
	}
}

// HandleChatCreated stores and publishes a chat pushed by the server or
// returned by chat creation. Local counters and a newer local summary are
// kept. ok is false when the record has no id.
func (e *Engine) HandleChatCreated(ctx context.Context, rec backend.Record) (store.Chat, bool) {
	c, ok := e.Normalizer().Chat(rec)
	if !ok {
		return store.Chat{}, false
	}
	if prev, _ := e.store.GetChat(ctx, c.ID); prev != nil {
		c.CreatedAt = prev.CreatedAt
		if prev.LastMessageTime > c.LastMessageTime {
			c.LastMessage, c.LastMessageTime = prev.LastMessage, prev.LastMessageTime
		}
		c.UnreadCount = max(c.UnreadCount, prev.UnreadCount)
	}
	if err := e.store.SaveChat(ctx, &c); err != nil {
		e.logger.Warn("failed to save pushed chat", zap.String("chat_id", c.ID), zap.Error(err))
	}
	e.state.UpsertChat(c)
	return c, true
}

func (e *Engine) publishMessage(ctx context.Context, chatID, clientID string) {
	m, _ := e.store.GetMessage(ctx, clientID)
	if m == nil {
		return
	}
	if _, ok := e.state.Chat(chatID); !ok {
		if c, _ := e.store.GetChat(ctx, chatID); c != nil {
			e.state.UpsertChat(*c)
		}
	}
	e.state.UpsertMessage(*m)
}

var _ Realtime = (*realtime.Transport)(nil)
