package store

import (
	"fmt"
	"strings"
)

type column struct {
	name string
	def  string
}

// expectedColumns is the latest shape of every table that older builds may
// already have created. Only additive changes are made: a column is added
// with its default, never dropped or retyped.
var expectedColumns = map[string][]column{
	"chats": {
		{"name", "TEXT NOT NULL DEFAULT ''"},
		{"type", "TEXT NOT NULL DEFAULT 'direct'"},
		{"participants", "TEXT NOT NULL DEFAULT '[]'"},
		{"avatar", "TEXT NOT NULL DEFAULT ''"},
		{"last_message", "TEXT NOT NULL DEFAULT ''"},
		{"last_message_time", "INTEGER NOT NULL DEFAULT 0"},
		{"unread_count", "INTEGER NOT NULL DEFAULT 0"},
		{"created_at", "INTEGER NOT NULL DEFAULT 0"},
		{"updated_at", "INTEGER NOT NULL DEFAULT 0"},
	},
	"messages": {
		{"id", "TEXT NOT NULL DEFAULT ''"},
		{"client_id", "TEXT NOT NULL DEFAULT ''"},
		{"chat_id", "TEXT NOT NULL DEFAULT ''"},
		{"content", "TEXT NOT NULL DEFAULT ''"},
		{"sender_id", "TEXT NOT NULL DEFAULT ''"},
		{"sender_name", "TEXT NOT NULL DEFAULT ''"},
		{"timestamp", "INTEGER NOT NULL DEFAULT 0"},
		{"status", "TEXT NOT NULL DEFAULT 'sent'"},
		{"reactions", "TEXT NOT NULL DEFAULT '{}'"},
		{"message_type", "TEXT NOT NULL DEFAULT 'text'"},
		{"reply_to", "TEXT NOT NULL DEFAULT ''"},
		{"created_at", "INTEGER NOT NULL DEFAULT 0"},
		{"updated_at", "INTEGER NOT NULL DEFAULT 0"},
	},
	"send_queue": {
		{"payload", "TEXT NOT NULL DEFAULT '{}'"},
		{"retry_count", "INTEGER NOT NULL DEFAULT 0"},
		{"status", "TEXT NOT NULL DEFAULT 'pending'"},
		{"last_error", "TEXT NOT NULL DEFAULT ''"},
		{"next_attempt_at", "INTEGER NOT NULL DEFAULT 0"},
		{"created_at", "INTEGER NOT NULL DEFAULT 0"},
		{"updated_at", "INTEGER NOT NULL DEFAULT 0"},
	},
}

// repairSchema adds columns missing from tables that already exist and
// fills NULLs in existing ones with the column default. Tables that do not
// exist yet are left to the migrations.
func (db *DB) repairSchema() ([]string, error) {
	var added []string
	for _, table := range []string{"chats", "messages", "send_queue"} {
		have, err := db.tableColumns(table)
		if err != nil {
			return added, err
		}
		if len(have) == 0 {
			continue
		}
		for _, col := range expectedColumns[table] {
			if have[col.name] {
				n, err := db.fillNulls(table, col)
				if err != nil {
					return added, err
				}
				if n > 0 {
					added = append(added, fmt.Sprintf("%s.%s (%d null)", table, col.name, n))
					if table == "messages" && col.name == "client_id" {
						if err := db.backfillClientIDs(); err != nil {
							return added, err
						}
					}
				}
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, col.name, col.def)
			if _, err := db.Exec(stmt); err != nil {
				return added, fmt.Errorf("add %s.%s: %w", table, col.name, err)
			}
			added = append(added, table+"."+col.name)
			if table == "messages" && col.name == "client_id" {
				if err := db.backfillClientIDs(); err != nil {
					return added, err
				}
			}
		}
	}
	return added, nil
}

// fillNulls replaces NULLs left by an older nullable column with the
// column's default so rows scan into plain struct fields.
func (db *DB) fillNulls(table string, col column) (int64, error) {
	i := strings.Index(col.def, "DEFAULT ")
	if i < 0 {
		return 0, nil
	}
	def := col.def[i+len("DEFAULT "):]
	res, err := db.Exec(fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s IS NULL", table, col.name, def, col.name))
	if err != nil {
		return 0, fmt.Errorf("fill nulls %s.%s: %w", table, col.name, err)
	}
	return res.RowsAffected()
}

func (db *DB) tableColumns(table string) (map[string]bool, error) {
	rows, err := db.Queryx(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	cols := make(map[string]bool)
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		switch name := row["name"].(type) {
		case string:
			cols[name] = true
		case []byte:
			cols[string(name)] = true
		}
	}
	return cols, rows.Err()
}

// backfillClientIDs gives rows written before client ids existed a stable
// client id: the server id when there is one, otherwise a random one.
func (db *DB) backfillClientIDs() error {
	_, err := db.Exec(`
		UPDATE messages
		SET client_id = CASE WHEN id <> '' THEN id ELSE lower(hex(randomblob(16))) END
		WHERE client_id = ''`)
	if err != nil {
		return fmt.Errorf("backfill client ids: %w", err)
	}
	return nil
}
