package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection for a profile's chatsync.db. Its methods are
// the raw operations; Store layers readiness and soft failure on top.
type DB struct {
	*sqlx.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	// One writer keeps every operation atomic with respect to the others.
	db.SetMaxOpenConns(1)
	return &DB{db}, nil
}
