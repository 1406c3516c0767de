// Package migrations drives schema migrations for the coordinator's ledger
// store using golang-migrate, reading .sql files from a directory on disk
// (by default the repo-root migrations/ directory).
package migrations

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// DefaultDir is the directory Apply reads .up.sql/.down.sql files from when
// the caller does not override it.
const DefaultDir = "migrations"

// Apply runs every pending up migration found in dir against db. It is safe
// to call on every startup; golang-migrate tracks applied versions in the
// schema_migrations table and is a no-op once the schema is current.
func Apply(db *sql.DB, dir string) error {
	if dir == "" {
		dir = DefaultDir
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migrations: postgres driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrations: init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}
