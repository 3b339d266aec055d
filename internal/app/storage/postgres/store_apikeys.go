package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/chainreactor/backend/internal/app/domain/org"
	"github.com/chainreactor/backend/internal/app/storage"
)

func (s *Store) CreateKey(ctx context.Context, k org.ApiKey) (org.ApiKey, error) {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	k.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, organization_id, prefix, hash, environment, type, permissions, rate_limit_override, expires_at, revoked, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, k.ID, k.OrganizationID, k.Prefix, k.Hash, string(k.Environment), string(k.Type), pq.Array(k.Permissions), k.RateLimitOverride, k.ExpiresAt, k.Revoked, k.CreatedAt)
	if isUniqueViolation(err) {
		return org.ApiKey{}, storage.ErrConflict
	}
	return k, err
}

func (s *Store) GetKeyByPrefix(ctx context.Context, prefix string) (org.ApiKey, bool, error) {
	var k org.ApiKey
	var env, typ string
	var perms pq.StringArray
	var revokedAt, expiresAt, lastUsedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, prefix, hash, environment, type, permissions, rate_limit_override, expires_at, revoked, revoked_at, last_used_at, created_at
		FROM api_keys WHERE prefix = $1
	`, prefix).Scan(&k.ID, &k.OrganizationID, &k.Prefix, &k.Hash, &env, &typ, &perms, &k.RateLimitOverride, &expiresAt, &k.Revoked, &revokedAt, &lastUsedAt, &k.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return org.ApiKey{}, false, nil
	case err != nil:
		return org.ApiKey{}, false, err
	}
	k.Environment = org.KeyEnvironment(env)
	k.Type = org.KeyType(typ)
	k.Permissions = perms
	if expiresAt.Valid {
		k.ExpiresAt = &expiresAt.Time
	}
	if revokedAt.Valid {
		k.RevokedAt = &revokedAt.Time
	}
	if lastUsedAt.Valid {
		k.LastUsedAt = &lastUsedAt.Time
	}
	return k, true, nil
}

func (s *Store) ListKeys(ctx context.Context, orgID string) ([]org.ApiKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, prefix, environment, type, revoked, created_at
		FROM api_keys WHERE organization_id = $1 ORDER BY created_at DESC
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []org.ApiKey
	for rows.Next() {
		var k org.ApiKey
		var env, typ string
		if err := rows.Scan(&k.ID, &k.OrganizationID, &k.Prefix, &env, &typ, &k.Revoked, &k.CreatedAt); err != nil {
			return nil, err
		}
		k.Environment = org.KeyEnvironment(env)
		k.Type = org.KeyType(typ)
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) RevokeKey(ctx context.Context, orgID, keyID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked = true, revoked_at = now() WHERE id = $1 AND organization_id = $2 AND revoked = false
	`, keyID, orgID)
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

// TouchLastUsed is invoked asynchronously by the auth layer after a
// successful verification (spec §4.5 step 3), never blocking the request.
func (s *Store) TouchLastUsed(ctx context.Context, keyID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = now() WHERE id = $1`, keyID)
	return err
}

// RecordAudit writes to the org-scoped audit log when orgID is known, or the
// anonymous-failure log otherwise (spec §4.5 step 4).
func (s *Store) RecordAudit(ctx context.Context, orgID *string, keyPrefix, outcome, remoteAddr string) error {
	table := "api_key_audit_log"
	if orgID == nil {
		table = "auth_failures"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+table+` (organization_id, key_prefix, outcome, remote_addr, created_at)
		VALUES ($1,$2,$3,$4, now())
	`, orgID, keyPrefix, outcome, remoteAddr)
	return err
}

// ListAudit reads api_key_audit_log and auth_failures as one combined,
// newest-first feed for /api/v1/admin/audit. AnonymousOnly narrows to
// auth_failures alone; otherwise both tables are unioned.
func (s *Store) ListAudit(ctx context.Context, filter storage.AuditFilter, limit, offset int) ([]org.AuditEntry, int, error) {
	if limit <= 0 {
		limit = 50
	}

	tables := []string{"api_key_audit_log", "auth_failures"}
	if filter.AnonymousOnly {
		tables = []string{"auth_failures"}
	}

	var where []string
	var args []any
	if filter.OrganizationID != "" {
		args = append(args, filter.OrganizationID)
		where = append(where, "organization_id = $"+strconv.Itoa(len(args)))
	}
	if filter.Outcome != "" {
		args = append(args, filter.Outcome)
		where = append(where, "outcome = $"+strconv.Itoa(len(args)))
	}
	whereClause := ""
	if len(where) > 0 {
		whereClause = " WHERE " + strings.Join(where, " AND ")
	}

	var selects []string
	for _, t := range tables {
		selects = append(selects, "SELECT id, organization_id, key_prefix, outcome, remote_addr, created_at FROM "+t+whereClause)
	}
	// $1/$2 are referenced identically in every branch of the union, so the
	// bind values are passed once regardless of how many tables are scanned.
	union := strings.Join(selects, " UNION ALL ")

	countQuery := "SELECT count(*) FROM (" + union + ") audit"
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	pageArgs := append(append([]any{}, args...), limit, offset)
	query := "SELECT id, organization_id, key_prefix, outcome, remote_addr, created_at FROM (" + union + ") audit ORDER BY created_at DESC LIMIT $" +
		strconv.Itoa(len(pageArgs)-1) + " OFFSET $" + strconv.Itoa(len(pageArgs))

	rows, err := s.db.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []org.AuditEntry
	for rows.Next() {
		var e org.AuditEntry
		var orgID sql.NullString
		if err := rows.Scan(&e.ID, &orgID, &e.KeyPrefix, &e.Outcome, &e.RemoteAddr, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		if orgID.Valid {
			v := orgID.String
			e.OrganizationID = &v
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}
