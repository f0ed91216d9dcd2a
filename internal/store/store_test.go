package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testMessage(chatID, clientID, serverID string, ts int64) *Message {
	return &Message{
		ChatID:    chatID,
		ClientID:  clientID,
		ServerID:  serverID,
		Content:   "hello " + clientID + serverID,
		SenderID:  "u1",
		Timestamp: ts,
	}
}

func countMessages(t *testing.T, db *DB) int {
	t.Helper()
	var n int
	if err := db.Get(&n, `SELECT COUNT(*) FROM messages`); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + fts)", result.Version)
	}
	if len(result.Repaired) != 0 {
		t.Errorf("repaired = %v, want none on a fresh db", result.Repaired)
	}
}

// TestMigrateRepairsLegacySchema opens a database written by an older build
// whose messages table predates client ids, reactions and statuses. The
// missing columns must be added without losing the existing row.
func TestMigrateRepairsLegacySchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	legacy := []string{
		`CREATE TABLE chats (id TEXT PRIMARY KEY, name TEXT, last_message_time INTEGER NOT NULL DEFAULT 0)`,
		`CREATE TABLE messages (id TEXT, chat_id TEXT, content TEXT, sender_id TEXT, timestamp INTEGER)`,
		`INSERT INTO chats (id, name, last_message_time) VALUES ('c1', 'Old chat', 1000)`,
		`INSERT INTO messages (id, chat_id, content, sender_id, timestamp) VALUES ('s1', 'c1', 'kept', 'u1', 1000)`,
	}
	for _, stmt := range legacy {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}

	result, err := db.Migrate()
	if err != nil {
		t.Fatalf("Migrate() on legacy db: %v", err)
	}
	if len(result.Repaired) == 0 {
		t.Fatal("expected repaired columns")
	}

	ctx := context.Background()
	msgs, err := db.GetMessages(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].ClientID != "s1" || msgs[0].Content != "kept" {
		t.Errorf("legacy row = %+v, want client id backfilled from server id", msgs[0])
	}
	if msgs[0].Status != StatusSent {
		t.Errorf("status = %q, want default sent", msgs[0].Status)
	}

	chat, err := db.GetChat(ctx, "c1")
	if err != nil || chat == nil {
		t.Fatalf("GetChat() = %v, %v", chat, err)
	}
	if chat.Type != ChatDirect || chat.Name != "Old chat" {
		t.Errorf("chat = %+v", chat)
	}

	// The repaired table must accept new writes through the normal path.
	if _, err := db.SaveMessage(ctx, testMessage("c1", "c2", "", 2000)); err != nil {
		t.Fatalf("SaveMessage() after repair: %v", err)
	}
}

func TestSaveMessageIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := db.SaveMessage(ctx, testMessage("chat", "c1", "", 1000)); err != nil {
			t.Fatal(err)
		}
	}
	if n := countMessages(t, db); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

func TestSaveMessageReportsInsert(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	inserted, err := db.SaveMessage(ctx, testMessage("chat", "c1", "", 1000))
	if err != nil || !inserted {
		t.Fatalf("first SaveMessage() = %v, %v; want true, nil", inserted, err)
	}
	inserted, err = db.SaveMessage(ctx, testMessage("chat", "c1", "", 1000))
	if err != nil || inserted {
		t.Fatalf("second SaveMessage() = %v, %v; want false, nil", inserted, err)
	}
}

func TestSaveMessageMatchesEitherID(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.SaveMessage(ctx, testMessage("chat", "c1", "s1", 1000)); err != nil {
		t.Fatal(err)
	}
	// Same server id under a different client id.
	if inserted, _ := db.SaveMessage(ctx, testMessage("chat", "other", "s1", 1000)); inserted {
		t.Error("message with known server id was inserted again")
	}
	// Server copy without a client id: its client id defaults to the server id.
	if inserted, _ := db.SaveMessage(ctx, testMessage("chat", "", "s1", 1000)); inserted {
		t.Error("server copy of known message was inserted again")
	}
	if n := countMessages(t, db); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

func TestSaveMessageGeneratesClientID(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m := testMessage("chat", "", "", 1000)
	if _, err := db.SaveMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	if m.ClientID == "" {
		t.Fatal("client id not generated")
	}
	if ok, _ := db.MessageExists(ctx, "", m.ClientID); !ok {
		t.Error("generated client id not stored")
	}
}

func TestSaveMessageRejectsMissingFields(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	tests := []struct {
		name string
		msg  Message
	}{
		{"no chat", Message{Content: "x", SenderID: "u"}},
		{"no content", Message{ChatID: "c", SenderID: "u"}},
		{"no sender", Message{ChatID: "c", Content: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.SaveMessage(ctx, &tt.msg)
			if !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("err = %v, want ErrInvalidMessage", err)
			}
		})
	}
	if n := countMessages(t, db); n != 0 {
		t.Errorf("rows = %d, want 0", n)
	}
}

func TestUpdateMessageIDByClientID(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	pending := testMessage("chat", "c1", "", 1000)
	pending.Status = StatusPending
	if _, err := db.SaveMessage(ctx, pending); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateMessageIDByClientID(ctx, "c1", "s1"); err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct{ server, client string }{{"s1", ""}, {"", "c1"}} {
		ok, err := db.MessageExists(ctx, tc.server, tc.client)
		if err != nil || !ok {
			t.Errorf("MessageExists(%q, %q) = %v, %v; want true", tc.server, tc.client, ok, err)
		}
	}
	if n := countMessages(t, db); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
	m, err := db.GetMessage(ctx, "s1")
	if err != nil || m == nil {
		t.Fatalf("GetMessage(s1) = %v, %v", m, err)
	}
	if m.ClientID != "c1" || m.Status != StatusSent {
		t.Errorf("message = %+v, want client c1 status sent", m)
	}
}

// TestUpdateMessageIDFoldsEcho covers the realtime echo of our own message
// arriving (and being stored under its server id) before the send ack.
func TestUpdateMessageIDFoldsEcho(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	pending := testMessage("chat", "c1", "", 1000)
	pending.Status = StatusPending
	if _, err := db.SaveMessage(ctx, pending); err != nil {
		t.Fatal(err)
	}
	echo := testMessage("chat", "", "s1", 1001)
	echo.Status = StatusDelivered
	if _, err := db.SaveMessage(ctx, echo); err != nil {
		t.Fatal(err)
	}
	if n := countMessages(t, db); n != 2 {
		t.Fatalf("rows before fold = %d, want 2", n)
	}

	if err := db.UpdateMessageIDByClientID(ctx, "c1", "s1"); err != nil {
		t.Fatal(err)
	}
	if n := countMessages(t, db); n != 1 {
		t.Errorf("rows after fold = %d, want 1", n)
	}
	m, _ := db.GetMessage(ctx, "c1")
	if m == nil || m.ServerID != "s1" || m.Status != StatusDelivered {
		t.Errorf("folded message = %+v, want s1 delivered", m)
	}
}

func TestUpdateMessageIDUnknownClient(t *testing.T) {
	db := testDB(t)
	err := db.UpdateMessageIDByClientID(context.Background(), "missing", "s1")
	if !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("err = %v, want ErrMessageNotFound", err)
	}
}

func TestUpdateMessageStatusMonotonic(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.SaveMessage(ctx, testMessage("chat", "c1", "s1", 1000)); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		status  MessageStatus
		changed int
		want    MessageStatus
	}{
		{StatusRead, 1, StatusRead},
		{StatusDelivered, 0, StatusRead},
		{StatusFailed, 0, StatusRead},
	}
	for _, s := range steps {
		n, err := db.UpdateMessageStatus(ctx, s.status, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if n != s.changed {
			t.Errorf("UpdateMessageStatus(%s) changed %d, want %d", s.status, n, s.changed)
		}
		m, _ := db.GetMessage(ctx, "s1")
		if m.Status != s.want {
			t.Errorf("after %s status = %s, want %s", s.status, m.Status, s.want)
		}
	}
}

func TestGetMessagesOrderedAscending(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	// Insert out of order: server sync first, then older local, then realtime.
	for _, m := range []*Message{
		testMessage("chat", "b", "", 2000),
		testMessage("chat", "a", "", 1000),
		testMessage("chat", "d", "", 4000),
		testMessage("chat", "c", "", 3000),
		testMessage("other", "x", "", 500),
	} {
		if _, err := db.SaveMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.GetMessages(ctx, "chat")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i-1].Timestamp > msgs[i].Timestamp {
			t.Errorf("messages not ascending at %d: %d > %d", i, msgs[i-1].Timestamp, msgs[i].Timestamp)
		}
	}
}

func TestGetMessagesEmpty(t *testing.T) {
	db := testDB(t)
	msgs, err := db.GetMessages(context.Background(), "nothing")
	if err != nil {
		t.Fatal(err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Errorf("GetMessages() = %v, want empty non-nil slice", msgs)
	}
}

func TestChatSaveAndListByRecency(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	chats := []Chat{
		{ID: "old", Name: "Old", LastMessageTime: 1000},
		{ID: "new", Name: "New", Type: ChatGroup, LastMessageTime: 3000,
			Participants: Participants{{UserID: "u1", Role: "admin"}, {UserID: "me"}}},
		{ID: "mid", Name: "Mid", LastMessageTime: 2000},
	}
	if err := db.SaveChats(ctx, chats); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetChats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"new", "mid", "old"}
	if len(got) != len(want) {
		t.Fatalf("got %d chats, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("chats[%d] = %s, want %s", i, got[i].ID, id)
		}
	}
	if len(got[0].Participants) != 2 || got[0].Participants[0].Role != "admin" {
		t.Errorf("participants = %+v", got[0].Participants)
	}

	// Upsert keeps created_at.
	created := got[0].CreatedAt
	got[0].Name = "Renamed"
	if err := db.SaveChat(ctx, &got[0]); err != nil {
		t.Fatal(err)
	}
	c, _ := db.GetChat(ctx, "new")
	if c.Name != "Renamed" || c.CreatedAt != created {
		t.Errorf("chat = %+v, want renamed with created_at %d", c, created)
	}
}

func TestSaveMessageAdvancesChatSummary(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.SaveChat(ctx, &Chat{ID: "chat", LastMessageTime: 1500, LastMessage: "mid"}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.SaveMessage(ctx, testMessage("chat", "older", "", 1000)); err != nil {
		t.Fatal(err)
	}
	c, _ := db.GetChat(ctx, "chat")
	if c.LastMessage != "mid" {
		t.Errorf("older message replaced summary: %q", c.LastMessage)
	}

	newer := testMessage("chat", "newer", "", 2000)
	if _, err := db.SaveMessage(ctx, newer); err != nil {
		t.Fatal(err)
	}
	c, _ = db.GetChat(ctx, "chat")
	if c.LastMessage != newer.Content || c.LastMessageTime != 2000 {
		t.Errorf("summary = %q @ %d, want %q @ 2000", c.LastMessage, c.LastMessageTime, newer.Content)
	}
}

func TestDeleteChatRemovesMessagesAndQueue(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for _, id := range []string{"A", "B"} {
		if err := db.SaveChat(ctx, &Chat{ID: id}); err != nil {
			t.Fatal(err)
		}
		if _, err := db.SaveMessage(ctx, testMessage(id, "m-"+id, "", 1000)); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.InsertQueueItem(ctx, &QueueItem{ID: "q1", ChatID: "B", ClientID: "m-B"}); err != nil {
		t.Fatal(err)
	}

	existed, err := db.DeleteChat(ctx, "B")
	if err != nil || !existed {
		t.Fatalf("DeleteChat(B) = %v, %v", existed, err)
	}
	if msgs, _ := db.GetMessages(ctx, "B"); len(msgs) != 0 {
		t.Errorf("B still has %d messages", len(msgs))
	}
	if items, _ := db.QueueItems(ctx); len(items) != 0 {
		t.Errorf("queue still has %d items", len(items))
	}
	if msgs, _ := db.GetMessages(ctx, "A"); len(msgs) != 1 {
		t.Errorf("A has %d messages, want 1", len(msgs))
	}
	ids, _ := db.ChatIDs(ctx)
	if len(ids) != 1 || ids[0] != "A" {
		t.Errorf("ChatIDs() = %v, want [A]", ids)
	}

	existed, err = db.DeleteChat(ctx, "B")
	if err != nil || existed {
		t.Errorf("second DeleteChat(B) = %v, %v; want false, nil", existed, err)
	}
}

func TestUnreadCounter(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.SaveChat(ctx, &Chat{ID: "chat"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := db.IncrementUnread(ctx, "chat"); err != nil {
			t.Fatal(err)
		}
	}
	c, _ := db.GetChat(ctx, "chat")
	if c.UnreadCount != 3 {
		t.Errorf("unread = %d, want 3", c.UnreadCount)
	}
	if err := db.MarkChatRead(ctx, "chat"); err != nil {
		t.Fatal(err)
	}
	c, _ = db.GetChat(ctx, "chat")
	if c.UnreadCount != 0 {
		t.Errorf("unread after read = %d, want 0", c.UnreadCount)
	}
}

func TestQueueFIFOAndReset(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for _, id := range []string{"q1", "q2", "q3"} {
		it := &QueueItem{ID: id, ChatID: "chat", ClientID: "c-" + id, CreatedAt: 1000,
			Payload: QueuePayload{Content: id, MessageType: "text"}}
		if err := db.InsertQueueItem(ctx, it); err != nil {
			t.Fatal(err)
		}
	}
	items, err := db.QueueItems(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []string{"q1", "q2", "q3"} {
		if items[i].ID != want {
			t.Errorf("items[%d] = %s, want %s", i, items[i].ID, want)
		}
	}
	if items[0].Payload.Content != "q1" {
		t.Errorf("payload = %+v", items[0].Payload)
	}

	items[1].Status = QueueFailed
	items[1].RetryCount = 3
	items[1].LastError = "boom"
	if err := db.UpdateQueueItem(ctx, &items[1]); err != nil {
		t.Fatal(err)
	}

	reset, err := db.ResetQueueItems(ctx, QueueFailed)
	if err != nil {
		t.Fatal(err)
	}
	if len(reset) != 1 || reset[0].ID != "q2" || reset[0].RetryCount != 0 {
		t.Errorf("reset = %+v", reset)
	}
	it, _ := db.QueueItem(ctx, "q2")
	if it.Status != QueuePending || it.RetryCount != 0 || it.LastError != "" {
		t.Errorf("q2 = %+v, want pending with zero retries", it)
	}
}

func TestCheckpoint(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	v, err := db.Checkpoint(ctx, CheckpointLastSync)
	if err != nil || v != "" {
		t.Fatalf("missing checkpoint = %q, %v", v, err)
	}
	if err := db.SetCheckpoint(ctx, CheckpointLastSync, "1000"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCheckpoint(ctx, CheckpointLastSync, "2000"); err != nil {
		t.Fatal(err)
	}
	v, _ = db.Checkpoint(ctx, CheckpointLastSync)
	if v != "2000" {
		t.Errorf("checkpoint = %q, want 2000", v)
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	msgs := []*Message{
		{ChatID: "a", ClientID: "1", Content: "lunch tomorrow?", SenderID: "u1", Timestamp: 1000},
		{ChatID: "b", ClientID: "2", Content: "tomorrow works", SenderID: "u2", Timestamp: 2000},
		{ChatID: "a", ClientID: "3", Content: "see you", SenderID: "u1", Timestamp: 3000},
	}
	for _, m := range msgs {
		if _, err := db.SaveMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	results, err := db.SearchMessages(ctx, "tomorrow", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].ClientID != "2" {
		t.Errorf("first result = %s, want newest (2)", results[0].ClientID)
	}
	if results[0].Snippet == "" {
		t.Error("empty snippet")
	}

	results, err = db.SearchMessages(ctx, "tomorrow", "a", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ChatID != "a" {
		t.Errorf("chat-scoped results = %+v", results)
	}
}

func TestStoreNotReadyFailsSoft(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "x.db"), nil, 20*time.Millisecond)
	ctx := context.Background()

	chats, err := s.GetChats(ctx)
	if !errors.Is(err, ErrNotReady) {
		t.Errorf("err = %v, want ErrNotReady", err)
	}
	if chats == nil || len(chats) != 0 {
		t.Errorf("chats = %v, want empty", chats)
	}
	if s.MessageExists(ctx, "s1", "c1") {
		t.Error("MessageExists() = true on uninitialized store")
	}
	if v := s.Checkpoint(ctx, CheckpointLastSync); v != "" {
		t.Errorf("Checkpoint() = %q, want empty", v)
	}
}

func TestStoreWaitReadyAfterBackgroundInit(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "x.db"), nil, time.Second)
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = s.Init(ctx)
	}()
	if err := s.WaitReady(ctx, 5*time.Second); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.SaveChat(ctx, &Chat{ID: "c1", Name: "One"}); err != nil {
		t.Fatal(err)
	}
	chats, err := s.GetChats(ctx)
	if err != nil || len(chats) != 1 {
		t.Errorf("GetChats() = %v, %v", chats, err)
	}
	if st := s.Stats(ctx); st.Chats != 1 {
		t.Errorf("Stats().Chats = %d, want 1", st.Chats)
	}
}

func TestStoreInitFailure(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing", "dir", "x.db"), nil, 50*time.Millisecond)
	if _, err := s.Init(context.Background()); err == nil {
		t.Fatal("Init() expected error for unwritable path")
	}
	if err := s.WaitReady(context.Background(), time.Second); !errors.Is(err, ErrNotReady) {
		t.Errorf("WaitReady() = %v, want ErrNotReady", err)
	}
	if _, err := s.SaveMessage(context.Background(), testMessage("c", "1", "", 1)); !errors.Is(err, ErrNotReady) {
		t.Errorf("SaveMessage() = %v, want ErrNotReady", err)
	}
}

// TestMigrateFillsLegacyNulls covers nullable columns written by an older
// build: NULLs must not make the rows unreadable.
func TestMigrateFillsLegacyNulls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	legacy := []string{
		`CREATE TABLE chats (id TEXT PRIMARY KEY, name TEXT, last_message TEXT, last_message_time INTEGER)`,
		`CREATE TABLE messages (id TEXT, client_id TEXT, chat_id TEXT, content TEXT, sender_id TEXT, sender_name TEXT, timestamp INTEGER)`,
		`INSERT INTO chats (id, name, last_message, last_message_time) VALUES ('c1', NULL, NULL, NULL)`,
		`INSERT INTO messages (id, client_id, chat_id, content, sender_id, sender_name, timestamp) VALUES ('s1', NULL, 'c1', 'kept', 'u1', NULL, 1000)`,
	}
	for _, stmt := range legacy {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}

	if _, err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() on legacy db: %v", err)
	}

	ctx := context.Background()
	chats, err := db.GetChats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || chats[0].ID != "c1" || chats[0].Name != "" {
		t.Errorf("chats = %+v, want c1 with empty name", chats)
	}
	msgs, err := db.GetMessages(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ClientID != "s1" || msgs[0].SenderName != "" {
		t.Errorf("messages = %+v, want s1 with client id backfilled", msgs)
	}
}
