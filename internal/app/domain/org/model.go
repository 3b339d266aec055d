// Package org defines the multi-tenant boundary entities: organizations,
// members, users, and API keys. CRUD beyond what the auth and billing cores
// depend on is explicitly out of scope (spec §1); these types exist so C5/C6
// have something concrete to check ownership against.
package org

import "time"

// Role enumerates organization membership roles, highest privilege last.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// Organization is the tenant boundary every trigger, API key, and credit
// balance is owned by exactly one of.
type Organization struct {
	ID        string
	Name      string
	Plan      string // anonymous|free|starter|pro|enterprise, drives rate-limit base
	CreatedAt time.Time
}

// User is an authenticated principal that may belong to organizations.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Member links a user to an organization with a role. Exactly one owner
// exists per organization at any time.
type Member struct {
	OrganizationID string
	UserID         string
	Role           Role
	JoinedAt       time.Time
}

// KeyEnvironment distinguishes live vs test API keys.
type KeyEnvironment string

const (
	EnvLive KeyEnvironment = "live"
	EnvTest KeyEnvironment = "test"
)

// KeyType gates which operations an API key may perform.
type KeyType string

const (
	KeyStandard   KeyType = "standard"
	KeyRestricted KeyType = "restricted"
	KeyAdmin      KeyType = "admin"
)

// ApiKey is never stored with its raw secret; only the Argon2id hash and a
// human-readable prefix for identification survive creation.
type ApiKey struct {
	ID                 string
	OrganizationID     string
	Prefix             string
	Hash               string
	Environment        KeyEnvironment
	Type               KeyType
	Permissions        []string
	RateLimitOverride  *int
	ExpiresAt          *time.Time
	Revoked            bool
	RevokedAt          *time.Time
	LastUsedAt         *time.Time
	CreatedAt          time.Time
}

// AuditEntry is one row from api_key_audit_log (organization_id set) or
// auth_failures (organization_id nil, key never resolved to an org).
type AuditEntry struct {
	ID             int64
	OrganizationID *string
	KeyPrefix      string
	Outcome        string
	RemoteAddr     string
	CreatedAt      time.Time
}

// Expired reports whether the key is past its optional expiry at now.
func (k ApiKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// Usable reports whether the key may currently authenticate a request.
func (k ApiKey) Usable(now time.Time) bool {
	return !k.Revoked && !k.Expired(now)
}
