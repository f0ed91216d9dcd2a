// Package outbox is the send queue. Outgoing messages are persisted, shown
// optimistically, and delivered in FIFO order over the realtime transport or,
// failing that, the chat backend, with per-item exponential backoff.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/state"
	"github.com/matheus3301/chatsync/internal/store"
)

// ErrEmptyMessage is returned by Enqueue for a message without content or chat.
var ErrEmptyMessage = errors.New("message needs a chat and content")

// Backend is the REST fallback used when the realtime transport is down.
type Backend interface {
	SendMessage(ctx context.Context, chatID string, msg backend.OutgoingMessage) (backend.Record, error)
}

// Realtime is the preferred delivery path.
type Realtime interface {
	Connected() bool
	SendMessage(ctx context.Context, p realtime.SendMessagePayload) error
}

// Options are the queue tunables.
type Options struct {
	UserID       string
	MaxRetries   int
	BaseDelay    time.Duration
	PollInterval time.Duration
}

func (o *Options) defaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
}

// QueueChanged is the payload of bus.KindQueueChanged.
type QueueChanged struct {
	ItemID   string            `json:"item_id"`
	ClientID string            `json:"client_id"`
	Status   store.QueueStatus `json:"status"`
}

// SendFailed is the payload of bus.KindSendFailed.
type SendFailed struct {
	ItemID   string `json:"item_id"`
	ClientID string `json:"client_id"`
	ChatID   string `json:"chat_id"`
	Error    string `json:"error"`
}

var serverIDKeys = []string{"id", "_id", "message_id", "messageId"}

// Queue drains the persisted send queue.
type Queue struct {
	store  *store.Store
	api    Backend
	state  *state.State
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	rt     atomic.Pointer[Realtime]
	userID atomic.Pointer[string]

	// processing makes ProcessQueue single-flight.
	processing atomic.Bool
	wake       chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	now func() time.Time
}

// New creates a send queue.
func New(st *store.Store, api Backend, view *state.State, b *bus.Bus, opts Options, logger *zap.Logger) *Queue {
	if st == nil || api == nil || view == nil {
		panic("outbox: nil dependency")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.defaults()
	q := &Queue{
		store:  st,
		api:    api,
		state:  view,
		bus:    b,
		logger: logger.With(zap.String("component", "outbox")),
		opts:   opts,
		wake:   make(chan struct{}, 1),
		now:    time.Now,
	}
	q.SetUserID(opts.UserID)
	return q
}

// SetRealtime sets the preferred transport. nil disables it.
func (q *Queue) SetRealtime(rt Realtime) {
	if rt == nil {
		q.rt.Store(nil)
		return
	}
	q.rt.Store(&rt)
}

// SetUserID sets the sender id written on optimistic messages.
func (q *Queue) SetUserID(id string) {
	q.userID.Store(&id)
}

func (q *Queue) realtime() Realtime {
	if p := q.rt.Load(); p != nil {
		return *p
	}
	return nil
}

// Start resets items interrupted mid-send and runs the scheduler until Stop
// or ctx is done.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return nil
	}
	reset, err := q.store.ResetQueueItems(ctx, store.QueueSending)
	if err != nil {
		return fmt.Errorf("reset interrupted sends: %w", err)
	}
	if len(reset) > 0 {
		q.logger.Info("resuming interrupted sends", zap.Int("count", len(reset)))
	}
	if delivered, err := q.store.DeleteQueueItems(ctx, store.QueueSent); err != nil {
		q.logger.Warn("failed to drop delivered items", zap.Error(err))
	} else if len(delivered) > 0 {
		q.logger.Debug("dropped delivered items", zap.Int("count", len(delivered)))
	}

	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})
	go q.loop(ctx, q.done)
	q.Kick()
	return nil
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel, done := q.cancel, q.done
	q.cancel, q.done = nil, nil
	q.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Kick asks the scheduler for a pass. It never blocks.
func (q *Queue) Kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.wake:
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
		q.ProcessQueue(ctx)
	}
}

// Enqueue persists a message for delivery, shows it as pending, and wakes
// the scheduler. It does not wait for delivery.
func (q *Queue) Enqueue(ctx context.Context, chatID string, p store.QueuePayload) (*store.QueueItem, error) {
	if chatID == "" || strings.TrimSpace(p.Content) == "" {
		return nil, ErrEmptyMessage
	}
	if p.MessageType == "" {
		p.MessageType = "text"
	}
	now := q.now().UnixMilli()
	it := &store.QueueItem{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		ClientID:  uuid.NewString(),
		Payload:   p,
		Status:    store.QueuePending,
		CreatedAt: now,
	}
	m := &store.Message{
		ClientID:    it.ClientID,
		ChatID:      chatID,
		Content:     p.Content,
		SenderID:    *q.userID.Load(),
		Timestamp:   now,
		Status:      store.StatusPending,
		MessageType: p.MessageType,
		ReplyTo:     p.ReplyToMessageID,
	}
	// The message row goes first so a send never races ahead of it.
	_, saveErr := q.store.SaveMessage(ctx, m)
	if saveErr != nil {
		q.logger.Warn("optimistic message not stored", zap.String("client_id", it.ClientID), zap.Error(saveErr))
	}
	if err := q.store.InsertQueueItem(ctx, it); err != nil {
		if saveErr == nil {
			_ = q.store.SetMessageStatus(ctx, it.ClientID, store.StatusFailed)
		}
		return nil, err
	}
	if saveErr != nil {
		q.state.UpsertMessage(*m)
	} else {
		q.publish(ctx, it.ClientID)
	}

	q.logger.Debug("message queued", zap.String("item_id", it.ID), zap.String("chat_id", chatID))
	q.changed(it)
	q.Kick()
	return it, nil
}

// ProcessQueue delivers every due pending item in queue order. It reports
// false without doing anything when another pass is already running.
func (q *Queue) ProcessQueue(ctx context.Context) bool {
	if !q.processing.CompareAndSwap(false, true) {
		return false
	}
	defer q.processing.Store(false)

	items, err := q.store.QueueItems(ctx)
	if err != nil {
		return true
	}
	for i := range items {
		if ctx.Err() != nil {
			return true
		}
		it := &items[i]
		if it.Status != store.QueuePending {
			continue
		}
		// Items waiting out their backoff do not hold up the rest.
		if it.NextAttemptAt > q.now().UnixMilli() {
			continue
		}
		q.deliver(ctx, it)
	}
	return true
}

func (q *Queue) deliver(ctx context.Context, it *store.QueueItem) {
	it.Status = store.QueueSending
	if err := q.store.UpdateQueueItem(ctx, it); err != nil {
		return
	}
	q.changed(it)

	err := q.send(ctx, it)
	if err == nil {
		// Marked sent first: a row that outlives a failed delete is never resent.
		it.Status = store.QueueSent
		if err := q.store.UpdateQueueItem(ctx, it); err != nil {
			q.logger.Warn("failed to mark item sent", zap.String("item_id", it.ID), zap.Error(err))
		}
		q.changed(it)
		if err := q.store.DeleteQueueItem(ctx, it.ID); err != nil {
			q.logger.Warn("failed to drop delivered item", zap.String("item_id", it.ID), zap.Error(err))
		}
		return
	}

	it.RetryCount++
	it.LastError = err.Error()
	terminal := errors.Is(err, backend.ErrChatNotFound)
	if terminal || it.RetryCount >= q.opts.MaxRetries {
		it.Status = store.QueueFailed
		it.NextAttemptAt = 0
		q.logger.Warn("message delivery failed",
			zap.String("item_id", it.ID),
			zap.String("client_id", it.ClientID),
			zap.Int("attempt", it.RetryCount),
			zap.Error(err))
	} else {
		it.Status = store.QueuePending
		it.NextAttemptAt = q.now().Add(q.backoff(it.RetryCount)).UnixMilli()
		q.logger.Info("message delivery will be retried",
			zap.String("item_id", it.ID),
			zap.Int("attempt", it.RetryCount),
			zap.Time("next_attempt_at", time.UnixMilli(it.NextAttemptAt)),
			zap.Error(err))
	}
	if err := q.store.UpdateQueueItem(ctx, it); err != nil {
		return
	}
	q.changed(it)

	if it.Status == store.QueueFailed {
		if err := q.store.SetMessageStatus(ctx, it.ClientID, store.StatusFailed); err == nil {
			q.publish(ctx, it.ClientID)
		}
		q.bus.Emit(bus.KindSendFailed, SendFailed{ItemID: it.ID, ClientID: it.ClientID, ChatID: it.ChatID, Error: it.LastError})
	}
}

// backoff is BaseDelay * 2^retries.
func (q *Queue) backoff(retries int) time.Duration {
	return q.opts.BaseDelay << min(retries, 16)
}

// send tries the realtime transport first and the backend second.
func (q *Queue) send(ctx context.Context, it *store.QueueItem) error {
	if rt := q.realtime(); rt != nil && rt.Connected() {
		err := rt.SendMessage(ctx, realtime.SendMessagePayload{
			ChatID:           it.ChatID,
			ClientID:         it.ClientID,
			Content:          it.Payload.Content,
			MessageType:      it.Payload.MessageType,
			MediaURL:         it.Payload.MediaURL,
			MediaMetadata:    it.Payload.MediaMetadata,
			ReplyToMessageID: it.Payload.ReplyToMessageID,
		})
		if err == nil {
			q.logger.Debug("message sent over realtime", zap.String("client_id", it.ClientID))
			return nil
		}
		q.logger.Warn("realtime send failed, using backend", zap.String("client_id", it.ClientID), zap.Error(err))
	}

	rec, err := q.api.SendMessage(ctx, it.ChatID, backend.OutgoingMessage{
		Content:          it.Payload.Content,
		MessageType:      it.Payload.MessageType,
		MediaURL:         it.Payload.MediaURL,
		MediaMetadata:    it.Payload.MediaMetadata,
		ReplyToMessageID: it.Payload.ReplyToMessageID,
	})
	if err != nil {
		return err
	}

	if serverID := rec.String(serverIDKeys...); serverID != "" {
		if err := q.store.UpdateMessageIDByClientID(ctx, it.ClientID, serverID); err != nil && !errors.Is(err, store.ErrMessageNotFound) {
			q.logger.Warn("failed to attach server id", zap.String("client_id", it.ClientID), zap.Error(err))
		}
	} else {
		_ = q.store.SetMessageStatus(ctx, it.ClientID, store.StatusSent)
	}
	if m := q.publish(ctx, it.ClientID); m != nil {
		q.bus.Emit(bus.KindSendAck, *m)
	}
	q.logger.Info("message sent", zap.String("client_id", it.ClientID), zap.String("server_id", rec.String(serverIDKeys...)))
	return nil
}

// RetryFailedMessages moves every failed item back to pending with a zero
// retry count and wakes the scheduler.
func (q *Queue) RetryFailedMessages(ctx context.Context) (int, error) {
	items, err := q.store.ResetQueueItems(ctx, store.QueueFailed)
	if err != nil {
		return 0, err
	}
	for i := range items {
		_ = q.store.SetMessageStatus(ctx, items[i].ClientID, store.StatusPending)
		q.publish(ctx, items[i].ClientID)
		q.changed(&items[i])
	}
	if len(items) > 0 {
		q.Kick()
	}
	return len(items), nil
}

// ClearFailed drops failed items. Their messages stay in the store marked
// failed.
func (q *Queue) ClearFailed(ctx context.Context) (int, error) {
	items, err := q.store.DeleteQueueItems(ctx, store.QueueFailed)
	if err != nil {
		return 0, err
	}
	for i := range items {
		q.changed(&items[i])
	}
	return len(items), nil
}

// Remove drops one item regardless of its status.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if err := q.store.DeleteQueueItem(ctx, id); err != nil {
		return err
	}
	q.bus.Emit(bus.KindQueueChanged, QueueChanged{ItemID: id})
	return nil
}

// Items lists the queue in FIFO order.
func (q *Queue) Items(ctx context.Context) ([]store.QueueItem, error) {
	return q.store.QueueItems(ctx)
}

func (q *Queue) changed(it *store.QueueItem) {
	q.bus.Emit(bus.KindQueueChanged, QueueChanged{ItemID: it.ID, ClientID: it.ClientID, Status: it.Status})
}

// publish reloads a message from the store into the UI state.
func (q *Queue) publish(ctx context.Context, clientID string) *store.Message {
	m, _ := q.store.GetMessage(ctx, clientID)
	if m != nil {
		q.state.UpsertMessage(*m)
	}
	return m
}

var (
	_ Backend  = (*backend.Client)(nil)
	_ Realtime = (*realtime.Transport)(nil)
)
