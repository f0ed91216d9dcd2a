package sync

import (
	"context"
	"errors"
	"path/filepath"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/state"
	"github.com/matheus3301/chatsync/internal/store"
)

type fakeBackend struct {
	mu       gosync.Mutex
	chats    []backend.Record
	chatsErr error
	messages map[string][]backend.Record
	msgErr   map[string]error

	// When gate is set ListChats signals entered and blocks until gate is
	// closed.
	gate    chan struct{}
	entered chan struct{}

	listCalls atomic.Int32
	inflight  atomic.Int32
	maxFlight atomic.Int32
}

func (f *fakeBackend) ListChats(ctx context.Context) ([]backend.Record, error) {
	f.listCalls.Add(1)
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		m := f.maxFlight.Load()
		if n <= m || f.maxFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if f.gate != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chatsErr != nil {
		return nil, f.chatsErr
	}
	return f.chats, nil
}

func (f *fakeBackend) GetMessages(_ context.Context, chatID string, _ backend.PageOptions) ([]backend.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.msgErr[chatID]; err != nil {
		return nil, err
	}
	return f.messages[chatID], nil
}

type fakeRealtime struct {
	mu   gosync.Mutex
	read []string
}

func (f *fakeRealtime) MarkAsRead(_ context.Context, messageID string) error {
	f.mu.Lock()
	f.read = append(f.read, messageID)
	f.mu.Unlock()
	return nil
}

func (f *fakeRealtime) reads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.read...)
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New(filepath.Join(t.TempDir(), "chatsync.db"), nil, time.Second)
	if _, err := st.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type harness struct {
	store  *store.Store
	api    *fakeBackend
	state  *state.State
	bus    *bus.Bus
	engine *Engine
}

func newHarness(t *testing.T, api *fakeBackend) *harness {
	t.Helper()
	if api.messages == nil {
		api.messages = map[string][]backend.Record{}
	}
	h := &harness{store: testStore(t), api: api, bus: bus.New()}
	h.state = state.New(h.bus)
	h.engine = NewEngine(h.store, api, h.state, h.bus, Options{
		UserID:         "me",
		FetchAttempts:  3,
		FetchBaseDelay: time.Millisecond,
	}, nil)
	return h
}

func (h *harness) seedChat(t *testing.T, id string, lastTime int64, msgs ...string) {
	t.Helper()
	ctx := context.Background()
	if err := h.store.SaveChat(ctx, &store.Chat{ID: id, Type: store.ChatDirect, Name: "local " + id, LastMessageTime: lastTime}); err != nil {
		t.Fatal(err)
	}
	for i, clientID := range msgs {
		m := &store.Message{ChatID: id, ClientID: clientID, ServerID: "s-" + clientID, Content: "hi", SenderID: "u1", Timestamp: lastTime - int64(len(msgs)-i)}
		if _, err := h.store.SaveMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
}

func chatIDs(chats []store.Chat) map[string]bool {
	out := map[string]bool{}
	for _, c := range chats {
		out[c.ID] = true
	}
	return out
}

func TestSyncPurgesOrphanedChats(t *testing.T) {
	api := &fakeBackend{chats: []backend.Record{
		{"id": "A", "name": "A", "last_message_time": float64(3000)},
		{"id": "C", "name": "C", "last_message_time": float64(3000)},
	}}
	h := newHarness(t, api)
	h.seedChat(t, "A", 1000, "a1")
	h.seedChat(t, "B", 1000, "b1", "b2")
	h.seedChat(t, "C", 1000, "c1")
	ctx := context.Background()

	res := h.engine.SyncAllData(ctx, SyncOptions{})
	if !res.Success || res.Source != SourceServer {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Purged) != 1 || res.Purged[0] != "B" {
		t.Errorf("purged = %v, want [B]", res.Purged)
	}

	stored, _ := h.store.GetChats(ctx)
	got := chatIDs(stored)
	if len(got) != 2 || !got["A"] || !got["C"] {
		t.Errorf("stored chats = %v, want A and C", got)
	}
	if msgs, _ := h.store.GetMessages(ctx, "B"); len(msgs) != 0 {
		t.Errorf("B still has %d messages", len(msgs))
	}
	if h.store.MessageExists(ctx, "s-b1", "b1") {
		t.Error("orphaned message still stored")
	}
	if msgs, _ := h.store.GetMessages(ctx, "A"); len(msgs) != 1 {
		t.Errorf("A has %d messages, want 1", len(msgs))
	}
	if view := chatIDs(h.state.Chats()); len(view) != 2 || view["B"] {
		t.Errorf("state chats = %v", view)
	}
}

func TestSyncMergeKeepsFresherVersion(t *testing.T) {
	api := &fakeBackend{chats: []backend.Record{
		{"id": "X", "name": "server X", "last_message_time": float64(2000)},
		{"id": "Y", "name": "server Y", "last_message_time": float64(2000)},
	}}
	h := newHarness(t, api)
	h.seedChat(t, "X", 1000)
	h.seedChat(t, "Y", 5000)
	ctx := context.Background()

	h.engine.SyncAllData(ctx, SyncOptions{})

	x, _ := h.store.GetChat(ctx, "X")
	if x == nil || x.Name != "server X" {
		t.Errorf("X = %+v, want server version", x)
	}
	y, _ := h.store.GetChat(ctx, "Y")
	if y == nil || y.Name != "local Y" {
		t.Errorf("Y = %+v, want local version", y)
	}
}

func TestSyncNamesDirectChatFromScratch(t *testing.T) {
	api := &fakeBackend{chats: []backend.Record{{
		"id":                      "c1",
		"type":                    "direct",
		"participants":            []any{map[string]any{"id": "u1"}, map[string]any{"id": "me"}},
		"last_message_created_at": "2024-01-01T00:00:00Z",
	}}}
	h := newHarness(t, api)
	ctx := context.Background()

	res := h.engine.SyncAllData(ctx, SyncOptions{})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	c, _ := h.store.GetChat(ctx, "c1")
	if c == nil {
		t.Fatal("chat c1 not stored")
	}
	if c.Name != NameUnknownUser {
		t.Errorf("name = %q, want %q", c.Name, NameUnknownUser)
	}
	if c.Type != store.ChatDirect {
		t.Errorf("type = %q, want direct", c.Type)
	}
	if c.LastMessageTime != 1704067200000 {
		t.Errorf("last_message_time = %d", c.LastMessageTime)
	}
	if _, ok := h.state.Chat("c1"); !ok {
		t.Error("chat not published to state")
	}
	if h.store.Checkpoint(ctx, store.CheckpointLastSync) == "" {
		t.Error("last sync checkpoint not recorded")
	}
}

func TestSyncSkipsWhileRunning(t *testing.T) {
	api := &fakeBackend{
		chats:   []backend.Record{{"id": "A"}},
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	h := newHarness(t, api)
	events, unsub := h.bus.Subscribe("sync.", 8)
	defer unsub()
	ctx := context.Background()

	done := make(chan *Result, 1)
	go func() { done <- h.engine.SyncAllData(ctx, SyncOptions{}) }()
	select {
	case <-api.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first sync never reached the backend")
	}

	second := h.engine.SyncAllData(ctx, SyncOptions{})
	if !second.Success || !second.Skipped {
		t.Errorf("second = %+v, want skipped success", second)
	}
	if !h.engine.Status().Running {
		t.Error("Status().Running = false during sync")
	}

	close(api.gate)
	first := <-done
	if first.Skipped || !first.Success {
		t.Errorf("first = %+v", first)
	}
	if n := api.listCalls.Load(); n != 1 {
		t.Errorf("ListChats called %d times, want 1", n)
	}

	var kinds []string
	for len(kinds) < 2 {
		select {
		case evt := <-events:
			kinds = append(kinds, evt.Kind)
		case <-time.After(time.Second):
			t.Fatalf("events = %v", kinds)
		}
	}
	if kinds[0] != bus.KindSyncSkipped || kinds[1] != bus.KindSyncFinished {
		t.Errorf("events = %v", kinds)
	}
}

func TestForcedSyncsNeverOverlap(t *testing.T) {
	api := &fakeBackend{
		chats:   []backend.Record{{"id": "A"}},
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 2),
	}
	h := newHarness(t, api)
	ctx := context.Background()

	var wg gosync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := h.engine.SyncAllData(ctx, SyncOptions{Force: true}); res.Skipped {
				t.Error("forced sync was skipped")
			}
		}()
	}
	<-api.entered
	time.Sleep(20 * time.Millisecond)
	close(api.gate)
	wg.Wait()

	if n := api.listCalls.Load(); n != 2 {
		t.Errorf("ListChats called %d times, want 2", n)
	}
	if m := api.maxFlight.Load(); m != 1 {
		t.Errorf("max concurrent fetches = %d, want 1", m)
	}
}

func TestSyncFallsBackToLocal(t *testing.T) {
	api := &fakeBackend{chatsErr: errors.New("connection refused")}
	h := newHarness(t, api)
	h.seedChat(t, "A", 1000, "a1")
	ctx := context.Background()

	res := h.engine.SyncAllData(ctx, SyncOptions{})
	if !res.Success || res.Source != SourceLocal {
		t.Errorf("result = %+v, want local success", res)
	}
	if len(res.Chats) != 1 || res.Chats[0].ID != "A" {
		t.Errorf("chats = %+v", res.Chats)
	}
	if n := api.listCalls.Load(); n != 3 {
		t.Errorf("ListChats called %d times, want 3 attempts", n)
	}
	if _, ok := h.state.Chat("A"); !ok {
		t.Error("local chat not published")
	}
}

func TestSyncFailsWithoutLocalData(t *testing.T) {
	api := &fakeBackend{chatsErr: errors.New("connection refused")}
	h := newHarness(t, api)

	res := h.engine.SyncAllData(context.Background(), SyncOptions{})
	if res.Success {
		t.Errorf("result = %+v, want failure", res)
	}
	if res.Message == "" {
		t.Error("failure carries no message")
	}
}

func TestSyncStopsRetryingWhenUnauthorized(t *testing.T) {
	api := &fakeBackend{chatsErr: backend.ErrUnauthorized}
	h := newHarness(t, api)

	h.engine.SyncAllData(context.Background(), SyncOptions{})
	if n := api.listCalls.Load(); n != 1 {
		t.Errorf("ListChats called %d times, want 1", n)
	}
}

func TestSyncHybridWhenMessagesFail(t *testing.T) {
	api := &fakeBackend{
		chats: []backend.Record{
			{"id": "A", "last_message_time": float64(2000)},
			{"id": "B", "last_message_time": float64(1000)},
		},
		messages: map[string][]backend.Record{
			"A": {{"id": "s1", "content": "hey", "sender_id": "u1", "created_at": float64(1500)}},
		},
		msgErr: map[string]error{"B": errors.New("timeout")},
	}
	h := newHarness(t, api)
	ctx := context.Background()

	res := h.engine.SyncAllData(ctx, SyncOptions{})
	if !res.Success || res.Source != SourceHybrid {
		t.Errorf("result = %+v, want hybrid success", res)
	}
	if len(res.FailedChats) != 1 || res.FailedChats[0] != "B" {
		t.Errorf("failed chats = %v", res.FailedChats)
	}
	if msgs, _ := h.store.GetMessages(ctx, "A"); len(msgs) != 1 || msgs[0].ServerID != "s1" {
		t.Errorf("A messages = %+v", msgs)
	}
	if msgs := h.state.Messages("A"); len(msgs) != 1 || msgs[0].ClientID != "s1" {
		t.Errorf("published A messages = %+v", msgs)
	}
}

func TestSyncDropsChatsGoneOnServer(t *testing.T) {
	api := &fakeBackend{
		chats:  []backend.Record{{"id": "A"}, {"id": "B"}},
		msgErr: map[string]error{"B": backend.ErrChatNotFound},
	}
	h := newHarness(t, api)
	ctx := context.Background()

	res := h.engine.SyncAllData(ctx, SyncOptions{})
	if ids := chatIDs(res.Chats); ids["B"] || !ids["A"] {
		t.Errorf("result chats = %v", ids)
	}
	if c, _ := h.store.GetChat(ctx, "B"); c != nil {
		t.Error("B still stored")
	}
	if _, ok := h.state.Chat("B"); ok {
		t.Error("B still published")
	}
	if res.Source != SourceServer {
		t.Errorf("source = %s, want server", res.Source)
	}
}

func TestSyncChatMessagesChatNotFound(t *testing.T) {
	api := &fakeBackend{msgErr: map[string]error{"X": backend.ErrChatNotFound}}
	h := newHarness(t, api)
	h.seedChat(t, "X", 1000, "x1")
	ctx := context.Background()

	msgs, err := h.engine.SyncChatMessages(ctx, "X")
	if err != nil || len(msgs) != 0 {
		t.Errorf("SyncChatMessages() = %v, %v", msgs, err)
	}
	if c, _ := h.store.GetChat(ctx, "X"); c != nil {
		t.Error("chat not removed")
	}
	if h.store.MessageExists(ctx, "", "x1") {
		t.Error("messages not removed")
	}
}

func TestSyncChatMessagesConfirmsPendingCopy(t *testing.T) {
	api := &fakeBackend{messages: map[string][]backend.Record{"X": {
		{"_id": "s1", "clientId": "c1", "content": "hello", "senderId": "me", "createdAt": float64(2000)},
		{"_id": "s0", "content": "earlier", "senderId": "u1", "createdAt": float64(1000)},
	}}}
	h := newHarness(t, api)
	h.seedChat(t, "X", 500)
	ctx := context.Background()
	pending := &store.Message{ChatID: "X", ClientID: "c1", Content: "hello", SenderID: "me", Timestamp: 2001, Status: store.StatusPending}
	if _, err := h.store.SaveMessage(ctx, pending); err != nil {
		t.Fatal(err)
	}

	msgs, err := h.engine.SyncChatMessages(ctx, "X")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2: %+v", len(msgs), msgs)
	}
	if msgs[0].ServerID != "s0" || msgs[1].ServerID != "s1" {
		t.Errorf("order = %s, %s", msgs[0].ServerID, msgs[1].ServerID)
	}
	if msgs[1].Temporary() {
		t.Error("pending copy won over the confirmed one")
	}

	stored, _ := h.store.GetMessages(ctx, "X")
	if len(stored) != 2 {
		t.Fatalf("stored %d rows, want 2", len(stored))
	}
	row, _ := h.store.GetMessage(ctx, "c1")
	if row == nil || row.ServerID != "s1" || row.Status != store.StatusSent {
		t.Errorf("pending row = %+v, want confirmed as s1", row)
	}
}

func TestSyncChatMessagesOfflineUsesLocal(t *testing.T) {
	api := &fakeBackend{msgErr: map[string]error{"X": errors.New("offline")}}
	h := newHarness(t, api)
	h.seedChat(t, "X", 1000, "x1", "x2")

	msgs, err := h.engine.SyncChatMessages(context.Background(), "X")
	if err == nil {
		t.Error("expected the fetch error")
	}
	if len(msgs) != 2 || len(h.state.Messages("X")) != 2 {
		t.Errorf("got %d messages, want the 2 local ones", len(msgs))
	}
}

func TestMarkChatRead(t *testing.T) {
	h := newHarness(t, &fakeBackend{})
	rt := &fakeRealtime{}
	h.engine.SetRealtime(rt)
	h.seedChat(t, "X", 1000, "x1", "x2")
	ctx := context.Background()
	if err := h.store.IncrementUnread(ctx, "X"); err != nil {
		t.Fatal(err)
	}

	if err := h.engine.MarkChatRead(ctx, "X"); err != nil {
		t.Fatal(err)
	}
	if c, _ := h.store.GetChat(ctx, "X"); c == nil || c.UnreadCount != 0 {
		t.Errorf("chat = %+v, want unread 0", c)
	}
	if got := rt.reads(); len(got) != 1 || got[0] != "s-x2" {
		t.Errorf("mark_as_read = %v, want [s-x2]", got)
	}
}
