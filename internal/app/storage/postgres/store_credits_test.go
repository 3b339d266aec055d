package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainreactor/backend/internal/app/domain/credit"
	"github.com/chainreactor/backend/internal/app/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

// Credit with a duplicate purchase reference_id must return the existing
// transaction without touching the balance row (§4.6 / S2 idempotency).
func TestCredit_DuplicatePurchaseReferenceIsIdempotent(t *testing.T) {
	s, mock := newMockStore(t)
	mock.MatchExpectationsInOrder(true)

	mock.ExpectBegin()
	existingCols := []string{"id", "organization_id", "amount_signed", "type", "description", "reference_id", "balance_after", "created_at"}
	mock.ExpectQuery(`SELECT id, organization_id, amount_signed, type, description, reference_id, balance_after, created_at\s+FROM credit_transactions WHERE organization_id = \$1 AND type = 'purchase' AND reference_id = \$2`).
		WithArgs("org-1", "stripe-ref-1").
		WillReturnRows(sqlmock.NewRows(existingCols).AddRow("tx-1", "org-1", int64(5_000_000), "purchase", "top-up", "stripe-ref-1", int64(5_000_000), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	mock.ExpectCommit()

	tx, err := s.Credit(context.Background(), "org-1", 5_000_000, credit.TypePurchase, "stripe-ref-1", "top-up")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", tx.ID)
	assert.Equal(t, int64(5_000_000), tx.BalanceAfter)
	require.NoError(t, mock.ExpectationsWereMet())
}

// A fresh purchase reference_id falls through to the normal lock-credit-write
// path exactly once.
func TestCredit_FreshPurchaseLocksAndWritesBalance(t *testing.T) {
	s, mock := newMockStore(t)
	mock.MatchExpectationsInOrder(true)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, organization_id, amount_signed, type, description, reference_id, balance_after, created_at\s+FROM credit_transactions WHERE organization_id = \$1 AND type = 'purchase' AND reference_id = \$2`).
		WithArgs("org-1", "stripe-ref-2").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT balance_micro FROM credits WHERE organization_id = \$1 FOR UPDATE`).
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance_micro"}).AddRow(int64(1_000_000)))
	mock.ExpectExec(`UPDATE credits SET balance_micro = \$1 WHERE organization_id = \$2`).
		WithArgs(int64(6_000_000), "org-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO credit_transactions`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := s.Credit(context.Background(), "org-1", 5_000_000, credit.TypePurchase, "stripe-ref-2", "top-up")
	require.NoError(t, err)
	assert.Equal(t, int64(6_000_000), tx.BalanceAfter)
	assert.Equal(t, int64(5_000_000), tx.AmountSigned)
	require.NoError(t, mock.ExpectationsWereMet())
}

// Debit below the locked balance reports storage.ErrInsufficientFunds and
// never reaches the write statements (S3).
func TestDebit_InsufficientFundsRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	mock.MatchExpectationsInOrder(true)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance_micro FROM credits WHERE organization_id = \$1 FOR UPDATE`).
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance_micro"}).AddRow(int64(100)))
	mock.ExpectRollback()

	_, err := s.Debit(context.Background(), "org-1", 500, "usage")
	require.ErrorIs(t, err, storage.ErrInsufficientFunds)
	require.NoError(t, mock.ExpectationsWereMet())
}

// A sufficient balance debits under the same row lock and commits once (S3).
func TestDebit_SufficientBalanceCommits(t *testing.T) {
	s, mock := newMockStore(t)
	mock.MatchExpectationsInOrder(true)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance_micro FROM credits WHERE organization_id = \$1 FOR UPDATE`).
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance_micro"}).AddRow(int64(1_000)))
	mock.ExpectExec(`UPDATE credits SET balance_micro = \$1 WHERE organization_id = \$2`).
		WithArgs(int64(500), "org-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO credit_transactions`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := s.Debit(context.Background(), "org-1", 500, "usage")
	require.NoError(t, err)
	assert.Equal(t, int64(500), tx.BalanceAfter)
	assert.Equal(t, int64(-500), tx.AmountSigned)
	require.NoError(t, mock.ExpectationsWereMet())
}

// A missing balance row is treated as a zero balance, created inline, not an
// error.
func TestLockBalance_MissingRowSeedsZero(t *testing.T) {
	s, mock := newMockStore(t)
	mock.MatchExpectationsInOrder(true)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance_micro FROM credits WHERE organization_id = \$1 FOR UPDATE`).
		WithArgs("org-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO credits \(organization_id, balance_micro\) VALUES \(\$1, 0\)`).
		WithArgs("org-1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	_, err := s.Debit(context.Background(), "org-1", 1, "usage")
	require.ErrorIs(t, err, storage.ErrInsufficientFunds)
	require.NoError(t, mock.ExpectationsWereMet())
}
