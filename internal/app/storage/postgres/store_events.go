package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/chainreactor/backend/internal/app/domain/event"
	"github.com/chainreactor/backend/internal/app/storage"
)

// InsertEvent inserts evt inside a transaction. The natural key (chain_id,
// block_number, transaction_hash, log_index) is unique; a duplicate insert
// is a no-op and reports event.InsertDuplicate. Publishing the post-commit
// "new_event" notification (§6.1) is eventstore.Service's job, not this
// store's: it only fires once the caller's transaction has actually
// committed, and only for a fresh insert.
func (s *Store) InsertEvent(ctx context.Context, evt event.Event) (event.Event, event.InsertOutcome, error) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	evt.InsertedAt = time.Now().UTC()

	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return event.Event{}, 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return event.Event{}, 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `
		INSERT INTO events (
			id, chain_id, registry, event_type, block_number, block_hash,
			transaction_hash, log_index, block_timestamp, inserted_at, payload,
			agent_id, client_address, score, tag1, tag2, file_uri, file_hash, validator_address
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (chain_id, block_number, transaction_hash, log_index) DO NOTHING
		RETURNING id
	`, evt.ID, evt.ChainID, string(evt.Registry), evt.EventType, evt.BlockNumber, evt.BlockHash,
		evt.TransactionHash, evt.LogIndex, evt.BlockTimestamp, evt.InsertedAt, payload,
		evt.AgentID, evt.ClientAddress, evt.Score, evt.Tag1, evt.Tag2, evt.FileURI, evt.FileHash, evt.ValidatorAddress)

	var returnedID string
	switch err := row.Scan(&returnedID); {
	case errors.Is(err, sql.ErrNoRows):
		// Natural key already present: idempotent duplicate.
		if err := tx.Commit(); err != nil {
			return event.Event{}, 0, err
		}
		return event.Event{}, event.InsertDuplicate, nil
	case err != nil:
		return event.Event{}, 0, err
	}
	evt.ID = returnedID

	if err := tx.Commit(); err != nil {
		return event.Event{}, 0, err
	}
	return evt, event.InsertOK, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (event.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chain_id, registry, event_type, block_number, block_hash,
			transaction_hash, log_index, block_timestamp, inserted_at, payload,
			agent_id, client_address, score, tag1, tag2, file_uri, file_hash, validator_address
		FROM events WHERE id = $1
	`, id)
	evt, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, storage.ErrNotFound
	}
	return evt, err
}

func (s *Store) ListEventsAfter(ctx context.Context, chainID int64, registry event.Registry, afterBlock int64, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chain_id, registry, event_type, block_number, block_hash,
			transaction_hash, log_index, block_timestamp, inserted_at, payload,
			agent_id, client_address, score, tag1, tag2, file_uri, file_hash, validator_address
		FROM events
		WHERE chain_id = $1 AND registry = $2 AND block_number > $3
		ORDER BY block_number ASC, log_index ASC
		LIMIT $4
	`, chainID, string(registry), afterBlock, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (event.Event, error) {
	var evt event.Event
	var registry string
	var payload []byte
	if err := row.Scan(
		&evt.ID, &evt.ChainID, &registry, &evt.EventType, &evt.BlockNumber, &evt.BlockHash,
		&evt.TransactionHash, &evt.LogIndex, &evt.BlockTimestamp, &evt.InsertedAt, &payload,
		&evt.AgentID, &evt.ClientAddress, &evt.Score, &evt.Tag1, &evt.Tag2, &evt.FileURI, &evt.FileHash, &evt.ValidatorAddress,
	); err != nil {
		return event.Event{}, err
	}
	evt.Registry = event.Registry(registry)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &evt.Payload); err != nil {
			return event.Event{}, err
		}
	}
	return evt, nil
}

func (s *Store) GetCheckpoint(ctx context.Context, chainID int64, registry event.Registry) (event.Checkpoint, bool, error) {
	var cp event.Checkpoint
	cp.ChainID = chainID
	cp.Registry = registry
	err := s.db.QueryRowContext(ctx, `
		SELECT last_block, updated_at FROM checkpoints WHERE chain_id = $1 AND registry = $2
	`, chainID, string(registry)).Scan(&cp.LastBlock, &cp.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return event.Checkpoint{}, false, nil
	case err != nil:
		return event.Checkpoint{}, false, err
	}
	return cp, true, nil
}

// AdvanceCheckpoint is monotonic: a non-increasing update is a no-op.
func (s *Store) AdvanceCheckpoint(ctx context.Context, chainID int64, registry event.Registry, block int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (chain_id, registry, last_block, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (chain_id, registry) DO UPDATE
		SET last_block = GREATEST(checkpoints.last_block, EXCLUDED.last_block),
		    updated_at = CASE WHEN EXCLUDED.last_block > checkpoints.last_block THEN now() ELSE checkpoints.updated_at END
	`, chainID, string(registry), block)
	return err
}
