// Package secrets encrypts and audits access to long-lived credentials this
// service must hold on behalf of organizations: notification bot tokens,
// webhook provider secrets, and similar bearer material. Adapted from the
// teacher's AES-GCM secret manager; the Supabase-specific repository layer
// is replaced with a plain interface any store can satisfy.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Secret is one encrypted credential owned by an organization.
type Secret struct {
	OrganizationID string
	Name           string
	Ciphertext     []byte
}

// AuditLog records every decrypt attempt, success or failure.
type AuditLog struct {
	OrganizationID string
	SecretName     string
	Service        string
	Success        bool
	CreatedAt      time.Time
}

// Repository is the persistence contract the manager depends on.
type Repository interface {
	GetSecret(ctx context.Context, orgID, name string) (Secret, error)
	GetAllowedServices(ctx context.Context, orgID, name string) ([]string, error)
	CreateAuditLog(ctx context.Context, log AuditLog) error
}

// Manager decrypts secrets on behalf of a named internal service, enforcing
// a per-secret allowlist and auditing every access.
type Manager struct {
	repo Repository
	aead cipher.AEAD
}

// NewManager normalizes the master key (hex-decoded 32 bytes, or a raw
// 32-byte string only when GO_ENV, NODE_ENV or APP_ENV is development, dev
// or test) and builds an AES-GCM AEAD.
func NewManager(repo Repository, rawKey string) (*Manager, error) {
	key, err := normalizeMasterKey(rawKey)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("build cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("build gcm: %w", err)
	}
	return &Manager{repo: repo, aead: aead}, nil
}

func normalizeMasterKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("secrets: API_ENCRYPTION_KEY is required")
	}
	if decoded, err := hex.DecodeString(raw); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	if len(raw) == 32 && isDevEnv() {
		return []byte(raw), nil
	}
	return nil, fmt.Errorf("secrets: API_ENCRYPTION_KEY must be 32 bytes hex-encoded")
}

func isDevEnv() bool {
	for _, key := range []string{"GO_ENV", "NODE_ENV", "APP_ENV"} {
		if v := strings.ToLower(os.Getenv(key)); v == "development" || v == "dev" || v == "test" {
			return true
		}
	}
	return false
}

// GetSecretForService decrypts the named secret on behalf of service,
// provided service is in that secret's allowlist. Every attempt, success or
// failure, is audited.
func (m *Manager) GetSecretForService(ctx context.Context, orgID, name, service string) (string, error) {
	allowed, err := m.repo.GetAllowedServices(ctx, orgID, name)
	if err != nil {
		return "", fmt.Errorf("load allowlist: %w", err)
	}
	if !contains(allowed, service) {
		m.audit(ctx, orgID, name, service, false)
		return "", fmt.Errorf("secrets: service %q is not permitted to access %q", service, name)
	}

	sec, err := m.repo.GetSecret(ctx, orgID, name)
	if err != nil {
		m.audit(ctx, orgID, name, service, false)
		return "", fmt.Errorf("load secret: %w", err)
	}

	plaintext, err := m.decrypt(sec.Ciphertext)
	if err != nil {
		m.audit(ctx, orgID, name, service, false)
		return "", fmt.Errorf("decrypt secret: %w", err)
	}

	m.audit(ctx, orgID, name, service, true)
	return plaintext, nil
}

// Encrypt produces ciphertext suitable for storage via Repository.
func (m *Manager) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return m.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func (m *Manager) decrypt(ciphertext []byte) (string, error) {
	nonceSize := m.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := m.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (m *Manager) audit(ctx context.Context, orgID, name, service string, success bool) {
	_ = m.repo.CreateAuditLog(ctx, AuditLog{
		OrganizationID: orgID, SecretName: name, Service: service,
		Success: success, CreatedAt: time.Now().UTC(),
	})
}

// String is a secret value whose String/GoString representations redact the
// underlying bytes so it is safe to pass through logging.Logger.WithFields
// or fmt.Sprintf without leaking the value. Marshal/Unmarshal to JSON are
// deliberately not implemented; callers must extract Reveal() explicitly.
type String struct {
	value string
}

// NewString wraps a plaintext secret.
func NewString(value string) String { return String{value: value} }

// Reveal returns the underlying plaintext. Callers must not log this value.
func (s String) Reveal() string { return s.value }

func (s String) String() string   { return "[REDACTED]" }
func (s String) GoString() string { return "secrets.String{[REDACTED]}" }

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
