// Package lifecycle ties the sync engine, send queue and realtime transport
// to the client's focus: startup, foreground/background, and entering or
// leaving a chat.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
)

// Syncer is the part of the reconciliation engine the coordinator drives.
type Syncer interface {
	SyncAllData(ctx context.Context, opts chatsync.SyncOptions) *chatsync.Result
	SyncChatMessages(ctx context.Context, chatID string) ([]store.Message, error)
	MarkChatRead(ctx context.Context, chatID string) error
}

// Transport is the part of the realtime transport the coordinator drives.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	State() status.State
	JoinChat(ctx context.Context, chatID string) error
	OnStateChange(fn func(status.StatusChange)) func()
}

// Queue is the part of the send queue the coordinator drives.
type Queue interface {
	Start(ctx context.Context) error
	Stop()
	Kick()
}

// Readiness reports when the local store can be used.
type Readiness interface {
	WaitReady(ctx context.Context, timeout time.Duration) error
}

// ActiveChat records which chat the user is looking at.
type ActiveChat interface {
	SetActiveChat(chatID string)
}

// Options are the coordinator tunables.
type Options struct {
	StoreReadyTimeout  time.Duration
	BackgroundInterval time.Duration
	DisconnectGrace    time.Duration
}

func (o *Options) defaults() {
	if o.StoreReadyTimeout <= 0 {
		o.StoreReadyTimeout = 10 * time.Second
	}
	if o.BackgroundInterval <= 0 {
		o.BackgroundInterval = 5 * time.Minute
	}
	if o.DisconnectGrace <= 0 {
		o.DisconnectGrace = 5 * time.Second
	}
}

// Coordinator sequences startup and reacts to focus changes.
type Coordinator struct {
	store  Readiness
	engine Syncer
	rt     Transport
	queue  Queue
	active ActiveChat
	logger *zap.Logger
	opts   Options

	mu         sync.Mutex
	grace      *time.Timer
	ctx        context.Context
	cancel     context.CancelFunc
	unsubState func()
	wg         sync.WaitGroup

	everConnected atomic.Bool
	foreground    atomic.Bool
}

// New creates a coordinator.
func New(st Readiness, engine Syncer, rt Transport, queue Queue, active ActiveChat, opts Options, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.defaults()
	return &Coordinator{
		store:  st,
		engine: engine,
		rt:     rt,
		queue:  queue,
		active: active,
		logger: logger.With(zap.String("component", "lifecycle")),
		opts:   opts,
	}
}

// Start waits a bounded time for the store, starts the send queue, and in the
// background runs the startup sync, connects the transport, and keeps a
// periodic sync going until Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	runCtx := c.ctx
	c.unsubState = c.rt.OnStateChange(c.onStateChange)
	c.mu.Unlock()
	c.foreground.Store(true)

	if err := c.store.WaitReady(ctx, c.opts.StoreReadyTimeout); err != nil {
		c.logger.Warn("store not ready, starting degraded", zap.Error(err))
	}
	if err := c.queue.Start(runCtx); err != nil {
		c.logger.Warn("send queue did not start", zap.Error(err))
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res := c.engine.SyncAllData(runCtx, chatsync.SyncOptions{})
		c.logger.Info("startup sync done", zap.Bool("success", res.Success), zap.String("source", string(res.Source)))
		c.ensureConnected(runCtx)
		c.periodic(runCtx)
	}()
	return nil
}

// Stop cancels background work, stops the queue and closes the transport.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel, unsub := c.cancel, c.unsubState
	c.cancel, c.unsubState = nil, nil
	c.stopGraceLocked()
	if cancel != nil {
		cancel()
	}
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	unsub()
	c.wg.Wait()
	c.queue.Stop()
	c.rt.Disconnect()
}

func (c *Coordinator) periodic(ctx context.Context) {
	ticker := time.NewTicker(c.opts.BackgroundInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.foreground.Load() {
				continue
			}
			c.engine.SyncAllData(ctx, chatsync.SyncOptions{})
		}
	}
}

// Foreground cancels any pending disconnect, reconnects if needed, wakes the
// send queue and resyncs.
func (c *Coordinator) Foreground(ctx context.Context) *chatsync.Result {
	c.foreground.Store(true)
	c.cancelPendingDisconnect()
	c.ensureConnected(ctx)
	c.queue.Kick()
	return c.engine.SyncAllData(ctx, chatsync.SyncOptions{})
}

// Background schedules a disconnect after the grace window.
func (c *Coordinator) Background() {
	c.foreground.Store(false)
	c.scheduleDisconnect()
}

// EnterChat focuses a chat: the transport is kept or brought up, the chat is
// joined, its messages are synced and it is marked read. The returned
// messages are the local copy when the server cannot be reached; err reports
// that fallback.
func (c *Coordinator) EnterChat(ctx context.Context, chatID string) ([]store.Message, error) {
	c.cancelPendingDisconnect()
	c.active.SetActiveChat(chatID)
	c.ensureConnected(ctx)
	if err := c.rt.JoinChat(ctx, chatID); err != nil {
		c.logger.Debug("join_chat not sent", zap.String("chat_id", chatID), zap.Error(err))
	}
	msgs, err := c.engine.SyncChatMessages(ctx, chatID)
	if rerr := c.engine.MarkChatRead(ctx, chatID); rerr != nil {
		c.logger.Warn("failed to mark chat read", zap.String("chat_id", chatID), zap.Error(rerr))
	}
	return msgs, err
}

// LeaveChat clears the focused chat and schedules a disconnect after the
// grace window. Entering a chat within the window cancels it.
func (c *Coordinator) LeaveChat() {
	c.active.SetActiveChat("")
	c.scheduleDisconnect()
}

// DisconnectPending reports whether a grace-window disconnect is scheduled.
func (c *Coordinator) DisconnectPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grace != nil
}

func (c *Coordinator) scheduleDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopGraceLocked()
	var t *time.Timer
	t = time.AfterFunc(c.opts.DisconnectGrace, func() {
		c.mu.Lock()
		if c.grace != t {
			c.mu.Unlock()
			return
		}
		c.grace = nil
		c.mu.Unlock()
		c.logger.Info("grace window elapsed, disconnecting realtime")
		c.rt.Disconnect()
	})
	c.grace = t
}

func (c *Coordinator) cancelPendingDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.grace != nil {
		c.logger.Debug("pending disconnect cancelled")
	}
	c.stopGraceLocked()
}

func (c *Coordinator) stopGraceLocked() {
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
}

func (c *Coordinator) ensureConnected(ctx context.Context) {
	switch c.rt.State() {
	case status.Connected, status.Connecting, status.Reconnecting:
		return
	}
	err := c.rt.Connect(ctx)
	switch {
	case err == nil:
	case errors.Is(err, realtime.ErrNoToken):
		c.logger.Debug("realtime not connected: no token")
	default:
		c.logger.Warn("realtime connect failed", zap.Error(err))
	}
}

// onStateChange resyncs and wakes the queue when the transport comes back
// after a drop.
func (c *Coordinator) onStateChange(change status.StatusChange) {
	if change.To != status.Connected {
		return
	}
	c.queue.Kick()
	if !c.everConnected.Swap(true) {
		return
	}
	c.mu.Lock()
	ctx := c.ctx
	if ctx == nil || ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		c.logger.Info("realtime reconnected, resyncing")
		c.engine.SyncAllData(ctx, chatsync.SyncOptions{})
	}()
}
