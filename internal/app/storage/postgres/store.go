// Package postgres implements the storage interfaces on raw database/sql +
// lib/pq, following the teacher repo's direct-SQL convention (no ORM,
// parameterized queries, sql.ErrNoRows surfaced as storage.ErrNotFound).
package postgres

import (
	"database/sql"

	"github.com/chainreactor/backend/internal/app/storage"
)

// Store implements every storage.*Store interface backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.EventStore = (*Store)(nil)
var _ storage.TriggerStore = (*Store)(nil)
var _ storage.CreditStore = (*Store)(nil)
var _ storage.AgentStore = (*Store)(nil)
var _ storage.ApiKeyStore = (*Store)(nil)
var _ storage.ActionResultStore = (*Store)(nil)

// New creates a Store using the provided database handle. The handle's
// connection pool (max open/idle) is configured by the caller.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}
