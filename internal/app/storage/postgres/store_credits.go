package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/chainreactor/backend/internal/app/domain/credit"
	"github.com/chainreactor/backend/internal/app/storage"
)

// Credit appends a positive ledger entry. For type=purchase, reference_id
// must be unique across existing purchase entries; a duplicate returns the
// existing transaction unchanged (webhook idempotency, spec §4.6 / S2).
func (s *Store) Credit(ctx context.Context, orgID string, amountMicro int64, txType credit.TransactionType, referenceID, description string) (credit.Transaction, error) {
	if amountMicro <= 0 {
		return credit.Transaction{}, errors.New("amount must be positive")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return credit.Transaction{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	if txType == credit.TypePurchase && referenceID != "" {
		existing, err := scanTransactionByReference(ctx, tx, orgID, referenceID)
		if err == nil {
			return existing, tx.Commit()
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return credit.Transaction{}, err
		}
	}

	balance, err := lockBalance(ctx, tx, orgID)
	if err != nil {
		return credit.Transaction{}, err
	}
	newBalance := balance + amountMicro

	out, err := insertTransactionAndBalance(ctx, tx, orgID, amountMicro, txType, referenceID, description, newBalance)
	if err != nil {
		return credit.Transaction{}, err
	}
	return out, tx.Commit()
}

// Debit executes under a row-level exclusive lock on the balance row: read,
// verify balance >= amount, write balance - amount, append the transaction,
// all atomically. Returns storage.ErrInsufficientFunds if the balance would
// go negative.
func (s *Store) Debit(ctx context.Context, orgID string, amountMicro int64, description string) (credit.Transaction, error) {
	if amountMicro <= 0 {
		return credit.Transaction{}, errors.New("amount must be positive")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return credit.Transaction{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	balance, err := lockBalance(ctx, tx, orgID)
	if err != nil {
		return credit.Transaction{}, err
	}
	if balance < amountMicro {
		return credit.Transaction{}, storage.ErrInsufficientFunds
	}
	newBalance := balance - amountMicro

	out, err := insertTransactionAndBalance(ctx, tx, orgID, -amountMicro, credit.TypeUsage, "", description, newBalance)
	if err != nil {
		return credit.Transaction{}, err
	}
	return out, tx.Commit()
}

// lockBalance selects the balance row FOR UPDATE, creating a zero balance on
// first use, serializing concurrent debits/credits for one organization.
func lockBalance(ctx context.Context, tx *sql.Tx, orgID string) (int64, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, `SELECT balance_micro FROM credits WHERE organization_id = $1 FOR UPDATE`, orgID).Scan(&balance)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `INSERT INTO credits (organization_id, balance_micro) VALUES ($1, 0)`, orgID); err != nil {
			return 0, err
		}
		return 0, nil
	case err != nil:
		return 0, err
	}
	return balance, nil
}

func insertTransactionAndBalance(ctx context.Context, tx *sql.Tx, orgID string, amountSigned int64, txType credit.TransactionType, referenceID, description string, newBalance int64) (credit.Transaction, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE credits SET balance_micro = $1 WHERE organization_id = $2`, newBalance, orgID); err != nil {
		return credit.Transaction{}, err
	}
	var refID any
	if referenceID != "" {
		refID = referenceID
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, organization_id, amount_signed, type, description, reference_id, balance_after, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, id, orgID, amountSigned, string(txType), description, refID, newBalance, now); err != nil {
		return credit.Transaction{}, err
	}
	return credit.Transaction{
		ID: id, OrganizationID: orgID, AmountSigned: amountSigned, Type: txType,
		Description: description, ReferenceID: referenceID, BalanceAfter: newBalance, CreatedAt: now,
	}, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanTransactionByReference(ctx context.Context, q rowQuerier, orgID, referenceID string) (credit.Transaction, error) {
	var t credit.Transaction
	var txType string
	err := q.QueryRowContext(ctx, `
		SELECT id, organization_id, amount_signed, type, description, reference_id, balance_after, created_at
		FROM credit_transactions WHERE organization_id = $1 AND type = 'purchase' AND reference_id = $2
	`, orgID, referenceID).Scan(&t.ID, &t.OrganizationID, &t.AmountSigned, &txType, &t.Description, &t.ReferenceID, &t.BalanceAfter, &t.CreatedAt)
	if err != nil {
		return credit.Transaction{}, err
	}
	t.Type = credit.TransactionType(txType)
	return t, nil
}

func (s *Store) GetBalance(ctx context.Context, orgID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance_micro FROM credits WHERE organization_id = $1`, orgID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

func (s *Store) ListTransactions(ctx context.Context, orgID string, limit, offset int, txType *credit.TransactionType) ([]credit.Transaction, int, error) {
	if limit <= 0 {
		limit = 25
	}
	args := []any{orgID}
	where := "organization_id = $1"
	if txType != nil {
		args = append(args, string(*txType))
		where += " AND type = $2"
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM credit_transactions WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	query := `SELECT id, organization_id, amount_signed, type, description, reference_id, balance_after, created_at
		FROM credit_transactions WHERE ` + where + ` ORDER BY created_at DESC LIMIT $` +
		strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []credit.Transaction
	for rows.Next() {
		var t credit.Transaction
		var tt string
		var refID sql.NullString
		if err := rows.Scan(&t.ID, &t.OrganizationID, &t.AmountSigned, &tt, &t.Description, &refID, &t.BalanceAfter, &t.CreatedAt); err != nil {
			return nil, 0, err
		}
		t.Type = credit.TransactionType(tt)
		t.ReferenceID = refID.String
		out = append(out, t)
	}
	return out, total, rows.Err()
}
