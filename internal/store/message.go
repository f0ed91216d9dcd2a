package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var messageColumns = messageColumnsFor("messages")

// ErrMessageNotFound is returned when no row matches a client id.
var ErrMessageNotFound = errors.New("message not found")

// SaveMessage inserts m unless a row already exists under either of its ids.
// A missing client id is filled from the server id, or generated. Returns
// whether a row was inserted. The chat's last-message summary is advanced in
// the same transaction when m is newer.
func (db *DB) SaveMessage(ctx context.Context, m *Message) (bool, error) {
	if err := m.Validate(); err != nil {
		return false, err
	}
	now := time.Now().UnixMilli()
	if m.ClientID == "" {
		if m.ServerID != "" {
			m.ClientID = m.ServerID
		} else {
			m.ClientID = uuid.NewString()
		}
	}
	if m.Status == "" {
		m.Status = StatusSent
	}
	if m.MessageType == "" {
		m.MessageType = "text"
	}
	if m.Timestamp == 0 {
		m.Timestamp = now
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	exists, err := messageExists(ctx, tx, m.ServerID, m.ClientID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, tx.Commit()
	}

	res, err := tx.NamedExecContext(ctx, `
		INSERT INTO messages (id, client_id, chat_id, content, sender_id, sender_name, timestamp,
			status, reactions, message_type, reply_to, created_at, updated_at)
		VALUES (:id, :client_id, :chat_id, :content, :sender_id, :sender_name, :timestamp,
			:status, :reactions, :message_type, :reply_to, :created_at, :updated_at)
		ON CONFLICT DO NOTHING`, m)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE chats SET last_message = ?, last_message_time = ?, updated_at = ?
		WHERE id = ? AND last_message_time <= ?`,
		preview(m.Content), m.Timestamp, now, m.ChatID, m.Timestamp); err != nil {
		return false, fmt.Errorf("update chat summary: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit message: %w", err)
	}
	return true, nil
}

// MessageExists reports whether any row carries serverID or clientID in
// either id column. Empty ids are ignored.
func (db *DB) MessageExists(ctx context.Context, serverID, clientID string) (bool, error) {
	return messageExists(ctx, db, serverID, clientID)
}

func messageExists(ctx context.Context, q sqlx.QueryerContext, serverID, clientID string) (bool, error) {
	var ids []string
	for _, id := range []string{serverID, clientID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return false, nil
	}
	query, args, err := sqlx.In(`SELECT EXISTS (SELECT 1 FROM messages WHERE id IN (?) OR client_id IN (?))`, ids, ids)
	if err != nil {
		return false, err
	}
	var exists bool
	if err := sqlx.GetContext(ctx, q, &exists, query, args...); err != nil {
		return false, fmt.Errorf("message exists: %w", err)
	}
	return exists, nil
}

// UpdateMessageIDByClientID attaches serverID to the row keyed by clientID and
// promotes a pending or failed row to sent. If a second row already holds
// serverID (an echo stored before the ack), it is folded into this one,
// keeping the further-along status.
func (db *DB) UpdateMessageIDByClientID(ctx context.Context, clientID, serverID string) error {
	if clientID == "" || serverID == "" {
		return fmt.Errorf("%w: client and server id required", ErrInvalidMessage)
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current MessageStatus
	err = tx.GetContext(ctx, &current, `SELECT status FROM messages WHERE client_id = ?`, clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}

	next := current
	if current == StatusPending || current == StatusFailed {
		next = StatusSent
	}

	var echo struct {
		ClientID string        `db:"client_id"`
		Status   MessageStatus `db:"status"`
	}
	err = tx.GetContext(ctx, &echo, `SELECT client_id, status FROM messages WHERE id = ? AND client_id <> ?`, serverID, clientID)
	switch {
	case err == nil:
		if echo.Status.Rank() > next.Rank() {
			next = echo.Status
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE client_id = ?`, echo.ClientID); err != nil {
			return fmt.Errorf("fold duplicate: %w", err)
		}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("load duplicate: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE messages SET id = ?, status = ?, updated_at = ? WHERE client_id = ?`,
		serverID, next, time.Now().UnixMilli(), clientID); err != nil {
		return fmt.Errorf("attach server id: %w", err)
	}
	return tx.Commit()
}

// UpdateMessageStatus advances the status of the messages matching ids (by
// either id column). Statuses never move backwards along the delivery path;
// failed only replaces pending. Returns the number of rows changed.
func (db *DB) UpdateMessageStatus(ctx context.Context, status MessageStatus, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query, args, err := sqlx.In(`SELECT client_id, status FROM messages WHERE id IN (?) OR client_id IN (?)`, ids, ids)
	if err != nil {
		return 0, err
	}
	var rows []struct {
		ClientID string        `db:"client_id"`
		Status   MessageStatus `db:"status"`
	}
	if err := tx.SelectContext(ctx, &rows, tx.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("load statuses: %w", err)
	}

	now := time.Now().UnixMilli()
	changed := 0
	for _, r := range rows {
		if !statusAdvances(r.Status, status) {
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET status = ?, updated_at = ? WHERE client_id = ?`, status, now, r.ClientID); err != nil {
			return 0, fmt.Errorf("update status: %w", err)
		}
		changed++
	}
	return changed, tx.Commit()
}

func statusAdvances(from, to MessageStatus) bool {
	if to == StatusFailed {
		return from == StatusPending
	}
	if from == StatusFailed {
		return to.Rank() > 0
	}
	return to.Rank() > from.Rank()
}

// SetMessageStatus overwrites the status of the row keyed by clientID. The
// send queue uses it to move its own messages between pending and failed.
func (db *DB) SetMessageStatus(ctx context.Context, clientID string, status MessageStatus) error {
	_, err := db.ExecContext(ctx, `UPDATE messages SET status = ?, updated_at = ? WHERE client_id = ?`,
		status, time.Now().UnixMilli(), clientID)
	return err
}

// UpdateReactions replaces the reaction counts of a message.
func (db *DB) UpdateReactions(ctx context.Context, id string, reactions Reactions) error {
	_, err := db.ExecContext(ctx, `UPDATE messages SET reactions = ?, updated_at = ? WHERE id = ? OR client_id = ?`,
		reactions, time.Now().UnixMilli(), id, id)
	return err
}

// GetMessages returns all messages of a chat, oldest first.
func (db *DB) GetMessages(ctx context.Context, chatID string) ([]Message, error) {
	msgs := []Message{}
	err := db.SelectContext(ctx, &msgs, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = ?
		ORDER BY timestamp ASC, created_at ASC, client_id ASC`, chatID)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// GetMessage returns the message carrying id in either id column, or nil.
func (db *DB) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	err := db.GetContext(ctx, &m, `SELECT `+messageColumns+` FROM messages WHERE client_id = ? OR id = ? LIMIT 1`, id, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func preview(s string) string {
	const maxRunes = 100
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes])
}
