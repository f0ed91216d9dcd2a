// Package sync is the reconciliation engine: it merges the local store with
// the chat backend, purges orphaned chats, deduplicates messages, ingests
// realtime events, and publishes the result to the UI state.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	gosync "sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/contacts"
	"github.com/matheus3301/chatsync/internal/state"
	"github.com/matheus3301/chatsync/internal/store"
)

// Backend is the part of the chat API the engine reads from.
type Backend interface {
	ListChats(ctx context.Context) ([]backend.Record, error)
	GetMessages(ctx context.Context, chatID string, page backend.PageOptions) ([]backend.Record, error)
}

// Realtime is the part of the realtime transport the engine writes to.
type Realtime interface {
	MarkAsRead(ctx context.Context, messageID string) error
}

// Source says where the data of a sync result came from.
type Source string

const (
	SourceServer Source = "server"
	SourceLocal  Source = "local"
	// SourceHybrid means the chat list came from the server but at least one
	// chat's messages fell back to the local copy.
	SourceHybrid Source = "hybrid"
)

// Options are the engine tunables.
type Options struct {
	UserID                 string
	Contacts               *contacts.Cache
	FetchAttempts          int
	FetchBaseDelay         time.Duration
	MessageSyncChats       int
	MessageSyncConcurrency int
	MessagePageSize        int
}

func (o *Options) defaults() {
	if o.FetchAttempts <= 0 {
		o.FetchAttempts = 3
	}
	if o.FetchBaseDelay <= 0 {
		o.FetchBaseDelay = time.Second
	}
	if o.MessageSyncChats <= 0 {
		o.MessageSyncChats = 5
	}
	if o.MessageSyncConcurrency <= 0 {
		o.MessageSyncConcurrency = 2
	}
	if o.MessagePageSize <= 0 {
		o.MessagePageSize = 50
	}
}

// SyncOptions select what a SyncAllData call does.
type SyncOptions struct {
	// Force waits for a running sync instead of returning skipped.
	Force bool
	// ChatID limits message sync to one chat.
	ChatID string
}

// Result is the outcome of SyncAllData. Failures are reported here rather
// than as errors.
type Result struct {
	Success     bool          `json:"success"`
	Skipped     bool          `json:"skipped,omitempty"`
	Source      Source        `json:"source,omitempty"`
	Chats       []store.Chat  `json:"chats,omitempty"`
	Message     string        `json:"message,omitempty"`
	FailedChats []string      `json:"failed_chats,omitempty"`
	Purged      []string      `json:"purged,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Status is a snapshot of the engine for status reporting.
type Status struct {
	Running    bool
	LastSyncAt time.Time
	LastResult *Result
}

// Engine reconciles the local store with the backend.
type Engine struct {
	store  *store.Store
	api    Backend
	state  *state.State
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	norm atomic.Pointer[Normalizer]
	rt   atomic.Value // Realtime

	// runMu serializes full syncs. Non-forced callers TryLock and skip.
	runMu gosync.Mutex

	statusMu   gosync.RWMutex
	running    bool
	lastSyncAt time.Time
	lastResult *Result

	bg     gosync.WaitGroup
	bgMu   gosync.Mutex
	bgCtx  context.Context
	cancel context.CancelFunc
}

// NewEngine creates a reconciliation engine.
func NewEngine(st *store.Store, api Backend, view *state.State, b *bus.Bus, opts Options, logger *zap.Logger) *Engine {
	if st == nil || api == nil || view == nil {
		panic("sync: nil dependency")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.defaults()
	e := &Engine{
		store:  st,
		api:    api,
		state:  view,
		bus:    b,
		logger: logger.With(zap.String("component", "sync")),
		opts:   opts,
	}
	e.norm.Store(NewNormalizer(opts.UserID, opts.Contacts))
	return e
}

// Normalizer returns the normalizer in use.
func (e *Engine) Normalizer() *Normalizer {
	return e.norm.Load()
}

// SetUserID changes whose point of view chats are named from.
func (e *Engine) SetUserID(userID string) {
	e.norm.Store(NewNormalizer(userID, e.opts.Contacts))
}

// SetRealtime sets the transport used for read receipts.
func (e *Engine) SetRealtime(rt Realtime) {
	e.rt.Store(&rt)
}

func (e *Engine) realtime() Realtime {
	if p, ok := e.rt.Load().(*Realtime); ok && p != nil {
		return *p
	}
	return nil
}

// Start enables background work (resyncs requested by realtime ingestion)
// bound to ctx.
func (e *Engine) Start(ctx context.Context) {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	e.bgCtx, e.cancel = context.WithCancel(ctx)
	if v := e.store.Checkpoint(ctx, store.CheckpointLastSync); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			e.statusMu.Lock()
			e.lastSyncAt = time.UnixMilli(ms)
			e.statusMu.Unlock()
		}
	}
}

// Stop cancels background work and waits for it.
func (e *Engine) Stop() {
	e.bgMu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.bgMu.Unlock()
	e.bg.Wait()
}

func (e *Engine) background(fn func(ctx context.Context)) {
	e.bgMu.Lock()
	ctx := e.bgCtx
	if ctx == nil || ctx.Err() != nil {
		e.bgMu.Unlock()
		return
	}
	e.bg.Add(1)
	e.bgMu.Unlock()
	go func() {
		defer e.bg.Done()
		fn(ctx)
	}()
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return Status{Running: e.running, LastSyncAt: e.lastSyncAt, LastResult: e.lastResult}
}

func (e *Engine) setRunning(v bool) {
	e.statusMu.Lock()
	e.running = v
	e.statusMu.Unlock()
}

// SyncAllData runs a full sync. A non-forced call made while another sync is
// running returns immediately with Skipped set. Forced calls wait for the
// running sync and never overlap it.
func (e *Engine) SyncAllData(ctx context.Context, opts SyncOptions) *Result {
	if opts.Force {
		e.runMu.Lock()
	} else if !e.runMu.TryLock() {
		e.logger.Debug("sync already in progress, skipping")
		res := &Result{Success: true, Skipped: true, Message: "sync already in progress"}
		e.bus.Emit(bus.KindSyncSkipped, res)
		return res
	}
	defer e.runMu.Unlock()

	e.setRunning(true)
	defer e.setRunning(false)

	start := time.Now()
	res := e.syncAll(ctx, opts)
	res.Duration = time.Since(start)

	e.statusMu.Lock()
	e.lastResult = res
	if res.Success {
		e.lastSyncAt = start
	}
	e.statusMu.Unlock()
	if res.Success {
		if err := e.store.SetCheckpoint(ctx, store.CheckpointLastSync, strconv.FormatInt(start.UnixMilli(), 10)); err != nil {
			e.logger.Warn("failed to record sync time", zap.Error(err))
		}
	}

	e.logger.Info("sync finished",
		zap.Bool("success", res.Success),
		zap.String("source", string(res.Source)),
		zap.Int("chats", len(res.Chats)),
		zap.Int("purged", len(res.Purged)),
		zap.Strings("failed_chats", res.FailedChats),
		zap.Duration("took", res.Duration))
	e.bus.Emit(bus.KindSyncFinished, res)
	return res
}

func (e *Engine) syncAll(ctx context.Context, opts SyncOptions) *Result {
	local, _ := e.store.GetChats(ctx)
	if len(local) > 0 {
		e.state.SetChats(local)
	}

	records, err := e.fetchChats(ctx)
	if err != nil {
		e.logger.Warn("chat list fetch failed, using local data", zap.Error(err), zap.Int("local_chats", len(local)))
		if len(local) == 0 {
			return &Result{Success: false, Source: SourceLocal, Chats: []store.Chat{}, Message: "sync failed: " + err.Error()}
		}
		return &Result{Success: true, Source: SourceLocal, Chats: local, Message: "showing cached chats: " + err.Error()}
	}

	norm := e.Normalizer()
	server := make([]store.Chat, 0, len(records))
	serverIDs := make(map[string]bool, len(records))
	for _, rec := range records {
		c, ok := norm.Chat(rec)
		if !ok {
			e.logger.Debug("dropping chat record without id")
			continue
		}
		if serverIDs[c.ID] {
			continue
		}
		serverIDs[c.ID] = true
		server = append(server, c)
	}

	// The fetched list is authoritative: anything else local is orphaned.
	var purged []string
	kept := local[:0:0]
	for _, c := range local {
		if serverIDs[c.ID] {
			kept = append(kept, c)
			continue
		}
		e.RemoveChat(ctx, c.ID)
		purged = append(purged, c.ID)
	}

	merged := mergeChats(kept, server)
	if err := e.store.SaveChats(ctx, merged); err != nil {
		e.logger.Warn("failed to persist merged chats", zap.Error(err))
	}
	e.state.SetChats(merged)

	targets := e.messageTargets(merged, opts.ChatID)
	failed, removed := e.syncMessagesFor(ctx, targets)
	if len(removed) > 0 {
		merged = slicesDeleteIDs(merged, removed)
		purged = append(purged, removed...)
	}

	res := &Result{Success: true, Source: SourceServer, Chats: merged, Purged: purged, FailedChats: failed}
	if len(failed) > 0 {
		res.Source = SourceHybrid
		res.Message = fmt.Sprintf("%d chat(s) showing cached messages", len(failed))
	}
	return res
}

// fetchChats lists chats with a fixed number of attempts. The wait before
// attempt n+1 is n times the base delay.
func (e *Engine) fetchChats(ctx context.Context) ([]backend.Record, error) {
	var lastErr error
	for attempt := 1; attempt <= e.opts.FetchAttempts; attempt++ {
		records, err := e.api.ListChats(ctx)
		if err == nil {
			return records, nil
		}
		lastErr = err
		if errors.Is(err, backend.ErrUnauthorized) {
			break
		}
		e.logger.Debug("chat list fetch failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == e.opts.FetchAttempts {
			break
		}
		timer := time.NewTimer(time.Duration(attempt) * e.opts.FetchBaseDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func (e *Engine) messageTargets(chats []store.Chat, chatID string) []string {
	if chatID != "" {
		return []string{chatID}
	}
	n := min(e.opts.MessageSyncChats, len(chats))
	ids := make([]string, 0, n)
	for _, c := range chats[:n] {
		ids = append(ids, c.ID)
	}
	return ids
}

// syncMessagesFor syncs each chat's messages with bounded concurrency.
// Returns chats that fell back to local data and chats found deleted.
func (e *Engine) syncMessagesFor(ctx context.Context, chatIDs []string) (failed, removed []string) {
	var mu gosync.Mutex
	var g errgroup.Group
	g.SetLimit(e.opts.MessageSyncConcurrency)
	for _, id := range chatIDs {
		g.Go(func() error {
			_, gone, err := e.syncChatMessages(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case gone:
				removed = append(removed, id)
			case err != nil:
				failed = append(failed, id)
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed, removed
}

// SyncChatMessages refreshes one chat's messages from the server and
// publishes the deduplicated list. When the server cannot be reached the
// local messages are published and returned together with the error. A chat
// the server no longer knows is removed and yields an empty list.
func (e *Engine) SyncChatMessages(ctx context.Context, chatID string) ([]store.Message, error) {
	msgs, _, err := e.syncChatMessages(ctx, chatID)
	return msgs, err
}

func (e *Engine) syncChatMessages(ctx context.Context, chatID string) (msgs []store.Message, removed bool, err error) {
	local, _ := e.store.GetMessages(ctx, chatID)

	records, err := e.api.GetMessages(ctx, chatID, backend.PageOptions{Limit: e.opts.MessagePageSize})
	if errors.Is(err, backend.ErrChatNotFound) {
		e.logger.Info("chat gone on server, removing", zap.String("chat_id", chatID))
		e.RemoveChat(ctx, chatID)
		return []store.Message{}, true, nil
	}
	if err != nil {
		e.logger.Warn("message fetch failed, using local data", zap.String("chat_id", chatID), zap.Error(err))
		msgs = dedupeMessages(local)
		e.state.SetMessages(chatID, msgs)
		return msgs, false, err
	}

	norm := e.Normalizer()
	localByClient := make(map[string]store.Message, len(local))
	for _, m := range local {
		localByClient[m.ClientID] = m
	}

	server := make([]store.Message, 0, len(records))
	for _, rec := range records {
		m := norm.Message(rec, chatID)
		if m.ChatID != chatID {
			m.ChatID = chatID
		}
		if m.ServerID == "" && m.ClientID == "" {
			continue
		}
		e.persistServerMessage(ctx, &m, localByClient)
		server = append(server, m)
	}

	msgs = dedupeMessages(append(local, server...))
	e.state.SetMessages(chatID, msgs)
	return msgs, false, nil
}

// persistServerMessage stores a server message unless it is already known
// under either id. A known pending row gets the server id attached and a
// known row whose status lags the server's is advanced.
// A fresh row's client id is written back to m.
func (e *Engine) persistServerMessage(ctx context.Context, m *store.Message, localByClient map[string]store.Message) {
	if !e.store.MessageExists(ctx, m.ServerID, m.ClientID) {
		if _, err := e.store.SaveMessage(ctx, m); err != nil && !errors.Is(err, store.ErrInvalidMessage) {
			e.logger.Warn("failed to save server message", zap.String("server_id", m.ServerID), zap.Error(err))
		}
		return
	}
	if m.ServerID == "" {
		return
	}
	if l, ok := localByClient[m.ClientID]; ok && l.ServerID == "" {
		if err := e.store.UpdateMessageIDByClientID(ctx, m.ClientID, m.ServerID); err != nil {
			e.logger.Warn("failed to attach server id", zap.String("client_id", m.ClientID), zap.Error(err))
		}
	}
	if m.Status.Rank() > store.StatusSent.Rank() {
		_, _ = e.store.UpdateMessageStatus(ctx, m.Status, m.ServerID)
	}
}

// RemoveChat deletes a chat and its messages locally and from the UI state.
func (e *Engine) RemoveChat(ctx context.Context, chatID string) {
	if _, err := e.store.DeleteChat(ctx, chatID); err != nil {
		e.logger.Warn("failed to delete chat", zap.String("chat_id", chatID), zap.Error(err))
	}
	e.state.RemoveChat(chatID)
}

// MarkChatRead clears a chat's unread count and tells the server the newest
// confirmed message has been read.
func (e *Engine) MarkChatRead(ctx context.Context, chatID string) error {
	if err := e.store.MarkChatRead(ctx, chatID); err != nil {
		return err
	}
	if c, _ := e.store.GetChat(ctx, chatID); c != nil {
		e.state.UpsertChat(*c)
	}

	rt := e.realtime()
	if rt == nil {
		return nil
	}
	msgs, _ := e.store.GetMessages(ctx, chatID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ServerID != "" {
			_ = rt.MarkAsRead(ctx, msgs[i].ServerID)
			break
		}
	}
	return nil
}

func slicesDeleteIDs(chats []store.Chat, ids []string) []store.Chat {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	out := chats[:0:0]
	for _, c := range chats {
		if !drop[c.ID] {
			out = append(out, c)
		}
	}
	return out
}
