package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/chatsync/internal/store/migrations"
)

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	Version uint
	Dirty   bool
	Changed bool
	// Repaired lists "table.column" entries added to tables written by an
	// older schema.
	Repaired []string
}

// Migrate repairs legacy tables, then runs all pending migrations.
func (db *DB) Migrate() (*MigrateResult, error) {
	repaired, err := db.repairSchema()
	if err != nil {
		return nil, fmt.Errorf("repair schema: %w", err)
	}

	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(db.DB.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}

	err = m.Up()
	changed := true
	if errors.Is(err, migrate.ErrNoChange) {
		changed = false
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("migration up: %w", err)
	}

	more, err := db.repairSchema()
	if err != nil {
		return nil, fmt.Errorf("repair schema: %w", err)
	}

	version, dirty, _ := m.Version()
	return &MigrateResult{
		Version:  version,
		Dirty:    dirty,
		Changed:  changed,
		Repaired: append(repaired, more...),
	}, nil
}
