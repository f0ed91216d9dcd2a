package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Checkpoint keys.
const (
	CheckpointLastSync = "last_sync_time"
)

// SetCheckpoint stores a sync checkpoint value.
func (db *DB) SetCheckpoint(ctx context.Context, key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// Checkpoint retrieves a sync checkpoint value; missing keys yield "".
func (db *DB) Checkpoint(ctx context.Context, key string) (string, error) {
	var value string
	err := db.GetContext(ctx, &value, `SELECT value FROM sync_state WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}
