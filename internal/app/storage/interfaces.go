// Package storage defines the persistence contracts C1/C4/C5/C6 depend on.
// Concrete implementations live in storage/postgres; services depend only on
// these interfaces so unit tests can substitute sqlmock-backed fakes.
package storage

import (
	"context"
	"time"

	"github.com/chainreactor/backend/internal/app/domain/action"
	"github.com/chainreactor/backend/internal/app/domain/agent"
	"github.com/chainreactor/backend/internal/app/domain/credit"
	"github.com/chainreactor/backend/internal/app/domain/event"
	"github.com/chainreactor/backend/internal/app/domain/org"
	"github.com/chainreactor/backend/internal/app/domain/trigger"
)

// ErrNotFound is returned (or wrapped) when a lookup misses, including the
// ownership-hiding case where a resource exists but is not owned by the
// caller's organization.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

// ErrConflict is returned on unique-constraint violations: duplicate trigger
// names, duplicate purchase reference ids, already-linked agents.
var ErrConflict = errConflict{}

type errConflict struct{}

func (errConflict) Error() string { return "conflict" }

// ErrVersionConflict is returned by optimistic-concurrency state updates
// whose expected_version no longer matches.
var ErrVersionConflict = errVersionConflict{}

type errVersionConflict struct{}

func (errVersionConflict) Error() string { return "version conflict" }

// ErrInsufficientFunds is returned by Debit when the balance would go
// negative.
var ErrInsufficientFunds = errInsufficientFunds{}

type errInsufficientFunds struct{}

func (errInsufficientFunds) Error() string { return "insufficient funds" }

// EventStore persists the append-only event log and its per-(chain,registry)
// checkpoints. Fan-out is a separate concern (see pkg/pgnotify); EventStore
// only guarantees the notification is published after the insert commits.
type EventStore interface {
	InsertEvent(ctx context.Context, evt event.Event) (event.Event, event.InsertOutcome, error)
	GetEvent(ctx context.Context, id string) (event.Event, error)
	ListEventsAfter(ctx context.Context, chainID int64, registry event.Registry, afterBlock int64, limit int) ([]event.Event, error)
	GetCheckpoint(ctx context.Context, chainID int64, registry event.Registry) (event.Checkpoint, bool, error)
	AdvanceCheckpoint(ctx context.Context, chainID int64, registry event.Registry, block int64) error
}

// TriggerStore persists triggers, their conditions/actions, and per-trigger
// state, enforcing organization ownership on every read and mutate call.
type TriggerStore interface {
	CreateTrigger(ctx context.Context, orgID string, t trigger.Trigger, conditions []trigger.Condition, actions []trigger.Action) (trigger.Trigger, error)
	GetTrigger(ctx context.Context, orgID, triggerID string) (trigger.Bundle, error)
	ListTriggers(ctx context.Context, orgID string, limit, offset int) ([]trigger.Trigger, int, error)
	UpdateTrigger(ctx context.Context, orgID string, t trigger.Trigger) (trigger.Trigger, error)
	DeleteTrigger(ctx context.Context, orgID, triggerID string) error

	LoadMatching(ctx context.Context, chainID int64, registry event.Registry) ([]trigger.Bundle, error)
	ListCronBundles(ctx context.Context) ([]trigger.Bundle, error)

	GetState(ctx context.Context, triggerID string) (trigger.State, error)
	UpdateState(ctx context.Context, triggerID string, newState trigger.State, expectedVersion int64) error
}

// CreditStore persists the credit ledger with the atomicity §4.6 requires.
type CreditStore interface {
	Credit(ctx context.Context, orgID string, amountMicro int64, txType credit.TransactionType, referenceID, description string) (credit.Transaction, error)
	Debit(ctx context.Context, orgID string, amountMicro int64, description string) (credit.Transaction, error)
	GetBalance(ctx context.Context, orgID string) (int64, error)
	ListTransactions(ctx context.Context, orgID string, limit, offset int, txType *credit.TransactionType) ([]credit.Transaction, int, error)
}

// AgentStore persists agent links and the nonce replay-protection table.
type AgentStore interface {
	InsertUsedNonce(ctx context.Context, nonce string, expiresAt time.Time) error
	NonceUsed(ctx context.Context, nonce string) (bool, error)
	CreateLink(ctx context.Context, l agent.Link) (agent.Link, error)
	ListLinks(ctx context.Context, orgID string) ([]agent.Link, error)
	RemoveLink(ctx context.Context, orgID string, agentID, chainID int64) error
	OrganizationByWallet(ctx context.Context, walletAddress string) (string, bool, error)
}

// ApiKeyStore persists API keys and their audit trail.
type ApiKeyStore interface {
	CreateKey(ctx context.Context, k org.ApiKey) (org.ApiKey, error)
	GetKeyByPrefix(ctx context.Context, prefix string) (org.ApiKey, bool, error)
	ListKeys(ctx context.Context, orgID string) ([]org.ApiKey, error)
	RevokeKey(ctx context.Context, orgID, keyID string) error
	TouchLastUsed(ctx context.Context, keyID string) error
	RecordAudit(ctx context.Context, orgID *string, keyPrefix, outcome, remoteAddr string) error
}

// AuditFilter narrows ListAudit to a subset of api_key_audit_log and
// auth_failures. Every field is optional; the zero value lists everything.
type AuditFilter struct {
	OrganizationID string
	Outcome        string
	// AnonymousOnly restricts the result to auth_failures rows (requests
	// that never resolved to an organization).
	AnonymousOnly bool
}

// AuditStore reads the audit trail RecordAudit writes.
type AuditStore interface {
	ListAudit(ctx context.Context, filter AuditFilter, limit, offset int) ([]org.AuditEntry, int, error)
}

// OrgStore persists the tenant/user/membership records §1 scopes to "only
// what the auth and billing cores depend on": account creation, lookup by
// email, and the owner membership created alongside a new organization.
type OrgStore interface {
	CreateUserAndOrganization(ctx context.Context, u org.User, o org.Organization) (org.User, org.Organization, error)
	GetUserByEmail(ctx context.Context, email string) (org.User, bool, error)
	GetOrganization(ctx context.Context, orgID string) (org.Organization, bool, error)
	ListMemberOrganizations(ctx context.Context, userID string) ([]org.Organization, error)
}

// ActionResultStore persists terminal dispatch outcomes and the dead-letter
// queue for C3.
type ActionResultStore interface {
	RecordResult(ctx context.Context, r action.Result) error
	UpsertDeadLetter(ctx context.Context, j action.Job, lastErr string) error
	ListDeadLetters(ctx context.Context, actionType trigger.ActionType, limit int) ([]action.Job, error)
	RemoveDeadLetter(ctx context.Context, jobID string) error
}
