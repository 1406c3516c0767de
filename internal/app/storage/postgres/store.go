package postgres

import (
	"database/sql"

	"github.com/troop/coordinator/internal/app/storage"
)

// Store implements LedgerStore backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.LedgerStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}
