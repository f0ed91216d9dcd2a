package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNotReady is returned when the store has not finished opening within the
// caller's wait budget, or failed to open at all.
var ErrNotReady = errors.New("store not ready")

// Store is the local store used by the rest of the daemon. Every operation
// waits a bounded time for initialization, runs under a per-call timeout, and
// on failure logs and returns an empty result together with the error, so
// callers can keep going on degraded data.
type Store struct {
	path      string
	logger    *zap.Logger
	opTimeout time.Duration

	once    sync.Once
	ready   chan struct{}
	db      *DB
	initErr error
}

// New returns an uninitialized store for the sqlite file at path. opTimeout
// bounds both the readiness wait and each individual operation.
func New(path string, logger *zap.Logger, opTimeout time.Duration) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	return &Store{
		path:      path,
		logger:    logger.With(zap.String("component", "store")),
		opTimeout: opTimeout,
		ready:     make(chan struct{}),
	}
}

// Init opens the database and migrates it. Only the first call does work;
// later calls return the first outcome.
func (s *Store) Init(ctx context.Context) (*MigrateResult, error) {
	var result *MigrateResult
	s.once.Do(func() {
		defer close(s.ready)
		db, err := Open(s.path)
		if err != nil {
			s.initErr = err
			return
		}
		result, err = db.Migrate()
		if err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
		s.logger.Info("store initialized",
			zap.String("path", s.path),
			zap.Uint("version", result.Version),
			zap.Bool("migrated", result.Changed),
			zap.Strings("repaired", result.Repaired))
	})
	if s.initErr != nil {
		return nil, fmt.Errorf("init store: %w", s.initErr)
	}
	return result, nil
}

// WaitReady blocks until Init has finished or timeout elapses.
func (s *Store) WaitReady(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.ready:
		if s.initErr != nil {
			return fmt.Errorf("%w: %v", ErrNotReady, s.initErr)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: timed out after %s", ErrNotReady, timeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
	}
}

// Ready reports whether the store is open.
func (s *Store) Ready() bool {
	select {
	case <-s.ready:
		return s.initErr == nil
	default:
		return false
	}
}

// DB exposes the underlying connection once ready, or nil.
func (s *Store) DB() *DB {
	if !s.Ready() {
		return nil
	}
	return s.db
}

// Close closes the database if it was opened.
func (s *Store) Close() error {
	if !s.Ready() {
		return nil
	}
	return s.db.Close()
}

// with runs fn against the open database under the per-operation timeout.
// Failures are logged at warn and returned.
func (s *Store) with(ctx context.Context, op string, fn func(ctx context.Context, db *DB) error) error {
	if err := s.WaitReady(ctx, s.opTimeout); err != nil {
		s.logger.Warn("store unavailable", zap.String("op", op), zap.Error(err))
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := fn(ctx, s.db); err != nil {
		s.logger.Warn("store operation failed", zap.String("op", op), zap.Error(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SaveMessage persists m unless it already exists; see DB.SaveMessage.
func (s *Store) SaveMessage(ctx context.Context, m *Message) (bool, error) {
	var inserted bool
	err := s.with(ctx, "save message", func(ctx context.Context, db *DB) (err error) {
		inserted, err = db.SaveMessage(ctx, m)
		return err
	})
	return inserted, err
}

// MessageExists reports whether either id is stored. Failures read as false.
func (s *Store) MessageExists(ctx context.Context, serverID, clientID string) bool {
	var exists bool
	_ = s.with(ctx, "message exists", func(ctx context.Context, db *DB) (err error) {
		exists, err = db.MessageExists(ctx, serverID, clientID)
		return err
	})
	return exists
}

// UpdateMessageIDByClientID attaches a server id to a pending row.
func (s *Store) UpdateMessageIDByClientID(ctx context.Context, clientID, serverID string) error {
	return s.with(ctx, "update message id", func(ctx context.Context, db *DB) error {
		return db.UpdateMessageIDByClientID(ctx, clientID, serverID)
	})
}

// UpdateMessageStatus advances message statuses monotonically.
func (s *Store) UpdateMessageStatus(ctx context.Context, status MessageStatus, ids ...string) (int, error) {
	var n int
	err := s.with(ctx, "update message status", func(ctx context.Context, db *DB) (err error) {
		n, err = db.UpdateMessageStatus(ctx, status, ids...)
		return err
	})
	return n, err
}

// SetMessageStatus overwrites one message's status.
func (s *Store) SetMessageStatus(ctx context.Context, clientID string, status MessageStatus) error {
	return s.with(ctx, "set message status", func(ctx context.Context, db *DB) error {
		return db.SetMessageStatus(ctx, clientID, status)
	})
}

// UpdateReactions replaces a message's reaction counts.
func (s *Store) UpdateReactions(ctx context.Context, id string, reactions Reactions) error {
	return s.with(ctx, "update reactions", func(ctx context.Context, db *DB) error {
		return db.UpdateReactions(ctx, id, reactions)
	})
}

// GetMessages returns a chat's messages oldest first; empty on failure.
func (s *Store) GetMessages(ctx context.Context, chatID string) ([]Message, error) {
	msgs := []Message{}
	err := s.with(ctx, "get messages", func(ctx context.Context, db *DB) error {
		got, err := db.GetMessages(ctx, chatID)
		if err == nil {
			msgs = got
		}
		return err
	})
	return msgs, err
}

// GetMessage returns one message by either id, or nil.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m *Message
	err := s.with(ctx, "get message", func(ctx context.Context, db *DB) (err error) {
		m, err = db.GetMessage(ctx, id)
		return err
	})
	return m, err
}

// SaveChat upserts a chat.
func (s *Store) SaveChat(ctx context.Context, c *Chat) error {
	return s.with(ctx, "save chat", func(ctx context.Context, db *DB) error {
		return db.SaveChat(ctx, c)
	})
}

// SaveChats upserts chats in one transaction.
func (s *Store) SaveChats(ctx context.Context, chats []Chat) error {
	return s.with(ctx, "save chats", func(ctx context.Context, db *DB) error {
		return db.SaveChats(ctx, chats)
	})
}

// GetChats returns chats most recent first; empty on failure.
func (s *Store) GetChats(ctx context.Context) ([]Chat, error) {
	chats := []Chat{}
	err := s.with(ctx, "get chats", func(ctx context.Context, db *DB) error {
		got, err := db.GetChats(ctx)
		if err == nil {
			chats = got
		}
		return err
	})
	return chats, err
}

// GetChat returns one chat, or nil.
func (s *Store) GetChat(ctx context.Context, id string) (*Chat, error) {
	var c *Chat
	err := s.with(ctx, "get chat", func(ctx context.Context, db *DB) (err error) {
		c, err = db.GetChat(ctx, id)
		return err
	})
	return c, err
}

// DeleteChat removes a chat and everything attached to it.
func (s *Store) DeleteChat(ctx context.Context, id string) (bool, error) {
	var existed bool
	err := s.with(ctx, "delete chat", func(ctx context.Context, db *DB) (err error) {
		existed, err = db.DeleteChat(ctx, id)
		return err
	})
	return existed, err
}

// MarkChatRead resets a chat's unread counter.
func (s *Store) MarkChatRead(ctx context.Context, id string) error {
	return s.with(ctx, "mark chat read", func(ctx context.Context, db *DB) error {
		return db.MarkChatRead(ctx, id)
	})
}

// IncrementUnread bumps a chat's unread counter.
func (s *Store) IncrementUnread(ctx context.Context, id string) error {
	return s.with(ctx, "increment unread", func(ctx context.Context, db *DB) error {
		return db.IncrementUnread(ctx, id)
	})
}

// InsertQueueItem appends to the send queue.
func (s *Store) InsertQueueItem(ctx context.Context, it *QueueItem) error {
	return s.with(ctx, "insert queue item", func(ctx context.Context, db *DB) error {
		return db.InsertQueueItem(ctx, it)
	})
}

// UpdateQueueItem persists a queue item transition.
func (s *Store) UpdateQueueItem(ctx context.Context, it *QueueItem) error {
	return s.with(ctx, "update queue item", func(ctx context.Context, db *DB) error {
		return db.UpdateQueueItem(ctx, it)
	})
}

// DeleteQueueItem removes a queue item.
func (s *Store) DeleteQueueItem(ctx context.Context, id string) error {
	return s.with(ctx, "delete queue item", func(ctx context.Context, db *DB) error {
		return db.DeleteQueueItem(ctx, id)
	})
}

// QueueItems lists the queue in FIFO order; empty on failure.
func (s *Store) QueueItems(ctx context.Context) ([]QueueItem, error) {
	items := []QueueItem{}
	err := s.with(ctx, "queue items", func(ctx context.Context, db *DB) error {
		got, err := db.QueueItems(ctx)
		if err == nil {
			items = got
		}
		return err
	})
	return items, err
}

// ResetQueueItems moves items in status from back to pending.
func (s *Store) ResetQueueItems(ctx context.Context, from QueueStatus) ([]QueueItem, error) {
	var items []QueueItem
	err := s.with(ctx, "reset queue items", func(ctx context.Context, db *DB) (err error) {
		items, err = db.ResetQueueItems(ctx, from)
		return err
	})
	return items, err
}

// DeleteQueueItems removes every item in status.
func (s *Store) DeleteQueueItems(ctx context.Context, status QueueStatus) ([]QueueItem, error) {
	var items []QueueItem
	err := s.with(ctx, "delete queue items", func(ctx context.Context, db *DB) (err error) {
		items, err = db.DeleteQueueItems(ctx, status)
		return err
	})
	return items, err
}

// SetCheckpoint stores a sync checkpoint.
func (s *Store) SetCheckpoint(ctx context.Context, key, value string) error {
	return s.with(ctx, "set checkpoint", func(ctx context.Context, db *DB) error {
		return db.SetCheckpoint(ctx, key, value)
	})
}

// Checkpoint reads a sync checkpoint; "" when missing or on failure.
func (s *Store) Checkpoint(ctx context.Context, key string) string {
	var v string
	_ = s.with(ctx, "get checkpoint", func(ctx context.Context, db *DB) (err error) {
		v, err = db.Checkpoint(ctx, key)
		return err
	})
	return v
}

// SearchMessages runs a full-text search; empty on failure.
func (s *Store) SearchMessages(ctx context.Context, query, chatID string, limit int) ([]SearchResult, error) {
	results := []SearchResult{}
	err := s.with(ctx, "search messages", func(ctx context.Context, db *DB) error {
		got, err := db.SearchMessages(ctx, query, chatID, limit)
		if err == nil {
			results = got
		}
		return err
	})
	return results, err
}

// Stats summarizes store contents; zero on failure.
func (s *Store) Stats(ctx context.Context) Stats {
	var st Stats
	_ = s.with(ctx, "stats", func(ctx context.Context, db *DB) error {
		got, err := db.Stats(ctx)
		if err == nil {
			st = *got
		}
		return err
	})
	return st
}
