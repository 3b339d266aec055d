// Package credits is C6's thin validation layer in front of
// storage.CreditStore; the atomicity §4.6 requires (row-level lock on
// debit, idempotent purchase inserts) is already implemented at the
// storage layer, so this package only rejects malformed requests before
// they reach it.
package credits

import (
	"context"
	"fmt"
	"strings"

	serr "github.com/chainreactor/backend/infrastructure/errors"
	"github.com/chainreactor/backend/internal/app/domain/credit"
	"github.com/chainreactor/backend/internal/app/storage"
)

// Service wraps storage.CreditStore with input validation.
type Service struct {
	store storage.CreditStore
}

// New builds a Service backed by store.
func New(store storage.CreditStore) *Service {
	return &Service{store: store}
}

// Credit applies a positive-amount ledger entry of type purchase, refund,
// or adjustment. A duplicate purchase reference_id returns the existing
// transaction unchanged (webhook idempotency), handled by the store.
func (s *Service) Credit(ctx context.Context, orgID string, amountMicro int64, txType credit.TransactionType, referenceID, description string) (credit.Transaction, error) {
	if amountMicro <= 0 {
		return credit.Transaction{}, serr.New(serr.ErrCodeInvalidInput, "amount must be positive", 400)
	}
	switch txType {
	case credit.TypePurchase, credit.TypeRefund, credit.TypeAdjustment:
	default:
		return credit.Transaction{}, serr.New(serr.ErrCodeInvalidInput, fmt.Sprintf("invalid credit type %q", txType), 400)
	}
	if txType == credit.TypePurchase && strings.TrimSpace(referenceID) == "" {
		return credit.Transaction{}, serr.New(serr.ErrCodeInvalidInput, "purchase requires a reference_id", 400)
	}

	tx, err := s.store.Credit(ctx, orgID, amountMicro, txType, referenceID, description)
	if err != nil {
		return credit.Transaction{}, serr.Wrap(serr.ErrCodeDatabaseError, "credit failed", 500, err)
	}
	return tx, nil
}

// Debit applies a usage charge, failing with InsufficientFunds (mapped to
// 403, per §7's authorization-family handling of balance exhaustion)
// rather than a generic 500 when the balance would go negative.
func (s *Service) Debit(ctx context.Context, orgID string, amountMicro int64, description string) (credit.Transaction, error) {
	if amountMicro <= 0 {
		return credit.Transaction{}, serr.New(serr.ErrCodeInvalidInput, "amount must be positive", 400)
	}

	tx, err := s.store.Debit(ctx, orgID, amountMicro, description)
	if err != nil {
		if err == storage.ErrInsufficientFunds {
			return credit.Transaction{}, serr.New(serr.ErrCodeInsufficientFunds, "insufficient credits", 403)
		}
		return credit.Transaction{}, serr.Wrap(serr.ErrCodeDatabaseError, "debit failed", 500, err)
	}
	return tx, nil
}

// GetBalance returns orgID's current balance in micro-units.
func (s *Service) GetBalance(ctx context.Context, orgID string) (int64, error) {
	balance, err := s.store.GetBalance(ctx, orgID)
	if err != nil {
		return 0, serr.Wrap(serr.ErrCodeDatabaseError, "get balance failed", 500, err)
	}
	return balance, nil
}

// ListTransactions returns a page of orgID's ledger, optionally filtered by
// type.
func (s *Service) ListTransactions(ctx context.Context, orgID string, limit, offset int, txType *credit.TransactionType) ([]credit.Transaction, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	txs, total, err := s.store.ListTransactions(ctx, orgID, limit, offset, txType)
	if err != nil {
		return nil, 0, serr.Wrap(serr.ErrCodeDatabaseError, "list transactions failed", 500, err)
	}
	return txs, total, nil
}
