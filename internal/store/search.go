package store

import "context"

// SearchMessages runs a full-text query over message content, newest first.
// chatID narrows the search to one chat when non-empty.
func (db *DB) SearchMessages(ctx context.Context, query, chatID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT ` + messageColumnsFor("m") + `,
		       snippet(messages_fts, '<<', '>>', '...', -1, 12) AS snippet
		FROM messages_fts
		JOIN messages m ON m.rowid = messages_fts.docid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if chatID != "" {
		q += " AND m.chat_id = ?"
		args = append(args, chatID)
	}
	q += " ORDER BY m.timestamp DESC LIMIT ?"
	args = append(args, limit)

	results := []SearchResult{}
	if err := db.SelectContext(ctx, &results, q, args...); err != nil {
		return nil, err
	}
	return results, nil
}

// Stats counts chats, messages and queue items.
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := db.GetContext(ctx, &s, `
		SELECT
			(SELECT COUNT(*) FROM chats) AS chats,
			(SELECT COUNT(*) FROM messages) AS messages,
			(SELECT COUNT(*) FROM send_queue WHERE status IN ('pending', 'sending')) AS queue_pending,
			(SELECT COUNT(*) FROM send_queue WHERE status = 'failed') AS queue_failed,
			(SELECT COUNT(*) FROM messages WHERE id = '') AS pending_local`)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func messageColumnsFor(alias string) string {
	p := alias + "."
	return `COALESCE(` + p + `id, '') AS id, ` + p + `client_id, ` + p + `chat_id, COALESCE(` + p + `content, '') AS content, ` +
		p + `sender_id, COALESCE(` + p + `sender_name, '') AS sender_name, ` + p + `timestamp, ` + p + `status, ` +
		p + `reactions, ` + p + `message_type, ` + p + `reply_to, ` + p + `created_at, ` + p + `updated_at`
}
