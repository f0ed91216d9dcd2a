package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const chatColumns = `id, name, type, participants, avatar, last_message, last_message_time,
	unread_count, created_at, updated_at`

// SaveChat inserts or replaces a chat record. created_at survives updates.
func (db *DB) SaveChat(ctx context.Context, c *Chat) error {
	return saveChat(ctx, db, c)
}

// SaveChats upserts chats in one transaction.
func (db *DB) SaveChats(ctx context.Context, chats []Chat) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for i := range chats {
		if err := saveChat(ctx, tx, &chats[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type namedExecer interface {
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
}

func saveChat(ctx context.Context, ex namedExecer, c *Chat) error {
	if c.ID == "" {
		return errors.New("save chat: missing id")
	}
	now := time.Now().UnixMilli()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	if c.Type == "" {
		c.Type = ChatDirect
	}
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	c.UpdatedAt = now
	_, err := ex.NamedExecContext(ctx, `
		INSERT INTO chats (id, name, type, participants, avatar, last_message, last_message_time,
			unread_count, created_at, updated_at)
		VALUES (:id, :name, :type, :participants, :avatar, :last_message, :last_message_time,
			:unread_count, :created_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			participants = excluded.participants,
			avatar = excluded.avatar,
			last_message = excluded.last_message,
			last_message_time = excluded.last_message_time,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`, c)
	if err != nil {
		return fmt.Errorf("save chat %s: %w", c.ID, err)
	}
	return nil
}

// GetChats returns all chats, most recent activity first.
func (db *DB) GetChats(ctx context.Context) ([]Chat, error) {
	chats := []Chat{}
	err := db.SelectContext(ctx, &chats, `
		SELECT `+chatColumns+`
		FROM chats
		ORDER BY last_message_time DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	return chats, nil
}

// GetChat returns a single chat by id, or nil when absent.
func (db *DB) GetChat(ctx context.Context, id string) (*Chat, error) {
	var c Chat
	err := db.GetContext(ctx, &c, `SELECT `+chatColumns+` FROM chats WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ChatIDs returns the ids of every stored chat.
func (db *DB) ChatIDs(ctx context.Context) ([]string, error) {
	ids := []string{}
	if err := db.SelectContext(ctx, &ids, `SELECT id FROM chats ORDER BY id`); err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteChat removes a chat, all of its messages and any queued sends for it
// in one transaction. Returns whether the chat row existed.
func (db *DB) DeleteChat(ctx context.Context, id string) (bool, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, id); err != nil {
		return false, fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM send_queue WHERE chat_id = ?`, id); err != nil {
		return false, fmt.Errorf("delete queued sends: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete chat: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete: %w", err)
	}
	return n > 0, nil
}

// MarkChatRead resets a chat's unread counter.
func (db *DB) MarkChatRead(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `UPDATE chats SET unread_count = 0, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	return err
}

// IncrementUnread bumps a chat's unread counter by one.
func (db *DB) IncrementUnread(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `UPDATE chats SET unread_count = unread_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	return err
}
