package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const queueColumns = `id, chat_id, client_id, payload, retry_count, status, last_error,
	next_attempt_at, created_at, updated_at`

// InsertQueueItem appends an item to the send queue.
func (db *DB) InsertQueueItem(ctx context.Context, it *QueueItem) error {
	now := time.Now().UnixMilli()
	if it.CreatedAt == 0 {
		it.CreatedAt = now
	}
	if it.Status == "" {
		it.Status = QueuePending
	}
	it.UpdatedAt = now
	_, err := db.NamedExecContext(ctx, `
		INSERT INTO send_queue (id, chat_id, client_id, payload, retry_count, status, last_error,
			next_attempt_at, created_at, updated_at)
		VALUES (:id, :chat_id, :client_id, :payload, :retry_count, :status, :last_error,
			:next_attempt_at, :created_at, :updated_at)`, it)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

// UpdateQueueItem persists an item's state transition.
func (db *DB) UpdateQueueItem(ctx context.Context, it *QueueItem) error {
	it.UpdatedAt = time.Now().UnixMilli()
	_, err := db.NamedExecContext(ctx, `
		UPDATE send_queue SET
			retry_count = :retry_count,
			status = :status,
			last_error = :last_error,
			next_attempt_at = :next_attempt_at,
			updated_at = :updated_at
		WHERE id = :id`, it)
	if err != nil {
		return fmt.Errorf("update queue item: %w", err)
	}
	return nil
}

// DeleteQueueItem removes an item from the queue.
func (db *DB) DeleteQueueItem(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM send_queue WHERE id = ?`, id)
	return err
}

// QueueItems returns every queued item in FIFO order.
func (db *DB) QueueItems(ctx context.Context) ([]QueueItem, error) {
	items := []QueueItem{}
	err := db.SelectContext(ctx, &items, `SELECT `+queueColumns+` FROM send_queue ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// QueueItem returns one item by id, or nil.
func (db *DB) QueueItem(ctx context.Context, id string) (*QueueItem, error) {
	var it QueueItem
	err := db.GetContext(ctx, &it, `SELECT `+queueColumns+` FROM send_queue WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// ResetQueueItems moves every item in status from back to pending with a zero
// retry count and returns the items it changed.
func (db *DB) ResetQueueItems(ctx context.Context, from QueueStatus) ([]QueueItem, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	items := []QueueItem{}
	if err := tx.SelectContext(ctx, &items, `SELECT `+queueColumns+` FROM send_queue WHERE status = ? ORDER BY created_at ASC, rowid ASC`, from); err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		UPDATE send_queue SET status = ?, retry_count = 0, last_error = '', next_attempt_at = 0, updated_at = ?
		WHERE status = ?`, QueuePending, now, from); err != nil {
		return nil, fmt.Errorf("reset queue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Status = QueuePending
		items[i].RetryCount = 0
		items[i].LastError = ""
		items[i].NextAttemptAt = 0
		items[i].UpdatedAt = now
	}
	return items, nil
}

// DeleteQueueItems removes every item in the given status and returns them.
func (db *DB) DeleteQueueItems(ctx context.Context, status QueueStatus) ([]QueueItem, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	items := []QueueItem{}
	if err := tx.SelectContext(ctx, &items, `SELECT `+queueColumns+` FROM send_queue WHERE status = ?`, status); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM send_queue WHERE status = ?`, status); err != nil {
		return nil, err
	}
	return items, tx.Commit()
}
