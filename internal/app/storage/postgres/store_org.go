package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/chainreactor/backend/internal/app/domain/org"
	"github.com/chainreactor/backend/internal/app/storage"
)

// CreateUserAndOrganization inserts a new user, a new organization, and an
// owner membership linking them in one transaction: every registering user
// gets exactly one organization they own.
func (s *Store) CreateUserAndOrganization(ctx context.Context, u org.User, o org.Organization) (org.User, org.Organization, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Plan == "" {
		o.Plan = "free"
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	o.CreatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return org.User{}, org.Organization{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `INSERT INTO users (id, email, password_hash, created_at) VALUES ($1,$2,$3,$4)`,
		u.ID, u.Email, u.PasswordHash, u.CreatedAt)
	if isUniqueViolation(err) {
		return org.User{}, org.Organization{}, storage.ErrConflict
	}
	if err != nil {
		return org.User{}, org.Organization{}, err
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO organizations (id, name, plan, created_at) VALUES ($1,$2,$3,$4)`,
		o.ID, o.Name, o.Plan, o.CreatedAt); err != nil {
		return org.User{}, org.Organization{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO organization_members (organization_id, user_id, role, joined_at) VALUES ($1,$2,$3,$4)
	`, o.ID, u.ID, string(org.RoleOwner), now); err != nil {
		return org.User{}, org.Organization{}, err
	}

	return u, o, tx.Commit()
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (org.User, bool, error) {
	var u org.User
	err := s.db.QueryRowContext(ctx, `SELECT id, email, password_hash, created_at FROM users WHERE email = $1`, email).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return org.User{}, false, nil
	case err != nil:
		return org.User{}, false, err
	}
	return u, true, nil
}

func (s *Store) GetOrganization(ctx context.Context, orgID string) (org.Organization, bool, error) {
	var o org.Organization
	err := s.db.QueryRowContext(ctx, `SELECT id, name, plan, created_at FROM organizations WHERE id = $1`, orgID).
		Scan(&o.ID, &o.Name, &o.Plan, &o.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return org.Organization{}, false, nil
	case err != nil:
		return org.Organization{}, false, err
	}
	return o, true, nil
}

func (s *Store) ListMemberOrganizations(ctx context.Context, userID string) ([]org.Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.name, o.plan, o.created_at
		FROM organizations o
		JOIN organization_members m ON m.organization_id = o.id
		WHERE m.user_id = $1
		ORDER BY o.created_at ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []org.Organization
	for rows.Next() {
		var o org.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.Plan, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
