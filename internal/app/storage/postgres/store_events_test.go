package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainreactor/backend/internal/app/domain/event"
	"github.com/chainreactor/backend/internal/app/storage"
)

func sampleEvent() event.Event {
	return event.Event{
		ChainID:         1,
		Registry:        event.Registry("identity"),
		EventType:       "Registered",
		BlockNumber:     100,
		BlockHash:       "0xblock",
		TransactionHash: "0xtx",
		LogIndex:        0,
		BlockTimestamp:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:         map[string]any{"k": "v"},
	}
}

// A fresh natural key returns the inserted row's id and event.InsertOK.
func TestInsertEvent_FreshInsertReturnsID(t *testing.T) {
	s, mock := newMockStore(t)
	mock.MatchExpectationsInOrder(true)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO events`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("evt-1"))
	mock.ExpectCommit()

	inserted, outcome, err := s.InsertEvent(context.Background(), sampleEvent())
	require.NoError(t, err)
	assert.Equal(t, event.InsertOK, outcome)
	assert.Equal(t, "evt-1", inserted.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

// ON CONFLICT DO NOTHING yields no RETURNING row: sql.ErrNoRows maps to
// event.InsertDuplicate, not an error, and the transaction still commits.
func TestInsertEvent_DuplicateNaturalKeyIsNotAnError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.MatchExpectationsInOrder(true)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO events`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectCommit()

	inserted, outcome, err := s.InsertEvent(context.Background(), sampleEvent())
	require.NoError(t, err)
	assert.Equal(t, event.InsertDuplicate, outcome)
	assert.Equal(t, event.Event{}, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

// GetEvent maps sql.ErrNoRows to storage.ErrNotFound rather than leaking the
// driver error.
func TestGetEvent_NotFoundMapsToStorageError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT id, chain_id, registry, event_type`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetEvent(context.Background(), "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

// AdvanceCheckpoint is monotonic: the statement always runs, the GREATEST
// clause makes a non-increasing update a no-op at the SQL level, so the
// store layer issues the upsert unconditionally.
func TestAdvanceCheckpoint_IssuesUpsert(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO checkpoints`).
		WithArgs(int64(1), "identity", int64(50)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.AdvanceCheckpoint(context.Background(), 1, event.Registry("identity"), 50)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
