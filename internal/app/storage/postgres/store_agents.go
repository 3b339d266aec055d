package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/chainreactor/backend/internal/app/domain/agent"
	"github.com/chainreactor/backend/internal/app/storage"
)

// InsertUsedNonce marks a challenge nonce consumed until expiresAt. A nonce
// already present is a conflict (replay attempt, spec S4).
func (s *Store) InsertUsedNonce(ctx context.Context, nonce string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO used_nonces (nonce, expires_at) VALUES ($1, $2)`, nonce, expiresAt)
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	return err
}

// NonceUsed reports whether nonce is present and not yet expired.
func (s *Store) NonceUsed(ctx context.Context, nonce string) (bool, error) {
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM used_nonces WHERE nonce = $1`, nonce).Scan(&expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, err
	}
	return time.Now().UTC().Before(expiresAt), nil
}

// CreateLink inserts an AgentLink; unique constraint on (agent_id, chain_id)
// surfaces as storage.ErrConflict if already linked.
func (s *Store) CreateLink(ctx context.Context, l agent.Link) (agent.Link, error) {
	l.CreatedAt = time.Now().UTC()
	if l.Status == "" {
		l.Status = agent.LinkActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_links (agent_id, chain_id, organization_id, wallet_address, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, l.AgentID, l.ChainID, l.OrganizationID, l.WalletAddress, string(l.Status), l.CreatedAt)
	if isUniqueViolation(err) {
		return agent.Link{}, storage.ErrConflict
	}
	if err != nil {
		return agent.Link{}, err
	}
	return l, nil
}

func (s *Store) ListLinks(ctx context.Context, orgID string) ([]agent.Link, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, chain_id, organization_id, wallet_address, status, created_at
		FROM agent_links WHERE organization_id = $1 AND status = 'active'
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []agent.Link
	for rows.Next() {
		var l agent.Link
		var status string
		if err := rows.Scan(&l.AgentID, &l.ChainID, &l.OrganizationID, &l.WalletAddress, &status, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Status = agent.LinkStatus(status)
		out = append(out, l)
	}
	return out, rows.Err()
}

// OrganizationByWallet returns the organization with an active agent link
// for walletAddress, used by wallet-based user login to resolve which
// organization's session to issue.
func (s *Store) OrganizationByWallet(ctx context.Context, walletAddress string) (string, bool, error) {
	var orgID string
	err := s.db.QueryRowContext(ctx, `
		SELECT organization_id FROM agent_links
		WHERE wallet_address = $1 AND status = 'active'
		ORDER BY created_at ASC LIMIT 1
	`, walletAddress).Scan(&orgID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return orgID, true, nil
}

func (s *Store) RemoveLink(ctx context.Context, orgID string, agentID, chainID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_links SET status = 'revoked' WHERE organization_id = $1 AND agent_id = $2 AND chain_id = $3
	`, orgID, agentID, chainID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
