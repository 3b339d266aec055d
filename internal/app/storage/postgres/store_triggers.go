package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/chainreactor/backend/internal/app/domain/event"
	"github.com/chainreactor/backend/internal/app/domain/trigger"
	"github.com/chainreactor/backend/internal/app/storage"
)

// CreateTrigger persists a trigger plus its conditions and actions in one
// transaction. A duplicate name within the organization is a conflict.
func (s *Store) CreateTrigger(ctx context.Context, orgID string, t trigger.Trigger, conditions []trigger.Condition, actions []trigger.Action) (trigger.Trigger, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.OrganizationID = orgID
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return trigger.Trigger{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO triggers (id, organization_id, name, description, chain_id, registry, enabled, is_stateful, cron_schedule, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, t.ID, t.OrganizationID, t.Name, t.Description, t.ChainID, string(t.Registry), t.Enabled, t.IsStateful, t.CronSchedule, t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err) {
		return trigger.Trigger{}, storage.ErrConflict
	}
	if err != nil {
		return trigger.Trigger{}, err
	}

	for _, c := range conditions {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		cfg := pq.StringArray(flattenConfig(c.Config))
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trigger_conditions (id, trigger_id, condition_type, field, operator, value, config)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, c.ID, t.ID, string(c.ConditionType), c.Field, c.Operator, c.Value, cfg); err != nil {
			return trigger.Trigger{}, err
		}
	}
	for _, a := range actions {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		cfg := pq.StringArray(flattenConfig(a.Config))
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trigger_actions (id, trigger_id, action_type, priority, config)
			VALUES ($1,$2,$3,$4,$5)
		`, a.ID, t.ID, string(a.ActionType), a.Priority, cfg); err != nil {
			return trigger.Trigger{}, err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trigger_state (trigger_id, version, state, updated_at) VALUES ($1, 0, '{}', $2)
	`, t.ID, now); err != nil {
		return trigger.Trigger{}, err
	}

	if err := tx.Commit(); err != nil {
		return trigger.Trigger{}, err
	}
	return t, nil
}

// flattenConfig encodes a string map as "k=v" pairs for a text[] column; the
// teacher's gasbank store uses the equivalent pattern for withdrawal config.
func flattenConfig(cfg map[string]string) []string {
	out := make([]string, 0, len(cfg))
	for k, v := range cfg {
		out = append(out, k+"="+v)
	}
	return out
}

func unflattenConfig(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		for i := 0; i < len(p); i++ {
			if p[i] == '=' {
				out[p[:i]] = p[i+1:]
				break
			}
		}
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// GetTrigger returns a trigger with its conditions and actions, scoped to
// orgID. A trigger that exists but is owned by a different organization
// returns storage.ErrNotFound, never disclosing its existence.
func (s *Store) GetTrigger(ctx context.Context, orgID, triggerID string) (trigger.Bundle, error) {
	t, err := s.scanTriggerOwned(ctx, orgID, triggerID)
	if err != nil {
		return trigger.Bundle{}, err
	}
	conditions, err := s.listConditions(ctx, triggerID)
	if err != nil {
		return trigger.Bundle{}, err
	}
	actions, err := s.listActions(ctx, triggerID)
	if err != nil {
		return trigger.Bundle{}, err
	}
	return trigger.Bundle{Trigger: t, Conditions: conditions, Actions: actions}, nil
}

func (s *Store) scanTriggerOwned(ctx context.Context, orgID, triggerID string) (trigger.Trigger, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, description, chain_id, registry, enabled, is_stateful, cron_schedule, created_at, updated_at
		FROM triggers WHERE id = $1 AND organization_id = $2
	`, triggerID, orgID)
	var t trigger.Trigger
	var registry string
	err := row.Scan(&t.ID, &t.OrganizationID, &t.Name, &t.Description, &t.ChainID, &registry, &t.Enabled, &t.IsStateful, &t.CronSchedule, &t.CreatedAt, &t.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return trigger.Trigger{}, storage.ErrNotFound
	case err != nil:
		return trigger.Trigger{}, err
	}
	t.Registry = event.Registry(registry)
	return t, nil
}

func (s *Store) listConditions(ctx context.Context, triggerID string) ([]trigger.Condition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger_id, condition_type, field, operator, value, config
		FROM trigger_conditions WHERE trigger_id = $1 ORDER BY id
	`, triggerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []trigger.Condition
	for rows.Next() {
		var c trigger.Condition
		var ct string
		var cfg pq.StringArray
		if err := rows.Scan(&c.ID, &c.TriggerID, &ct, &c.Field, &c.Operator, &c.Value, &cfg); err != nil {
			return nil, err
		}
		c.ConditionType = trigger.ConditionType(ct)
		c.Config = unflattenConfig(cfg)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) listActions(ctx context.Context, triggerID string) ([]trigger.Action, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger_id, action_type, priority, config
		FROM trigger_actions WHERE trigger_id = $1 ORDER BY priority ASC, id ASC
	`, triggerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []trigger.Action
	for rows.Next() {
		var a trigger.Action
		var at string
		var cfg pq.StringArray
		if err := rows.Scan(&a.ID, &a.TriggerID, &at, &a.Priority, &cfg); err != nil {
			return nil, err
		}
		a.ActionType = trigger.ActionType(at)
		a.Config = unflattenConfig(cfg)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ListTriggers(ctx context.Context, orgID string, limit, offset int) ([]trigger.Trigger, int, error) {
	if limit <= 0 {
		limit = 25
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM triggers WHERE organization_id = $1`, orgID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, name, description, chain_id, registry, enabled, is_stateful, cron_schedule, created_at, updated_at
		FROM triggers WHERE organization_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, orgID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []trigger.Trigger
	for rows.Next() {
		var t trigger.Trigger
		var registry string
		if err := rows.Scan(&t.ID, &t.OrganizationID, &t.Name, &t.Description, &t.ChainID, &registry, &t.Enabled, &t.IsStateful, &t.CronSchedule, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, 0, err
		}
		t.Registry = event.Registry(registry)
		out = append(out, t)
	}
	return out, total, rows.Err()
}

func (s *Store) UpdateTrigger(ctx context.Context, orgID string, t trigger.Trigger) (trigger.Trigger, error) {
	if _, err := s.scanTriggerOwned(ctx, orgID, t.ID); err != nil {
		return trigger.Trigger{}, err
	}
	t.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE triggers SET name=$1, description=$2, enabled=$3, is_stateful=$4, cron_schedule=$5, updated_at=$6
		WHERE id = $7 AND organization_id = $8
	`, t.Name, t.Description, t.Enabled, t.IsStateful, t.CronSchedule, t.UpdatedAt, t.ID, orgID)
	if isUniqueViolation(err) {
		return trigger.Trigger{}, storage.ErrConflict
	}
	if err != nil {
		return trigger.Trigger{}, err
	}
	return s.scanTriggerOwned(ctx, orgID, t.ID)
}

// DeleteTrigger cascades to conditions, actions, and state (FK ON DELETE
// CASCADE declared in the schema — see migrations).
func (s *Store) DeleteTrigger(ctx context.Context, orgID, triggerID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = $1 AND organization_id = $2`, triggerID, orgID)
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

// LoadMatching returns every enabled trigger scoped to (chainID, registry)
// with its conditions and actions, for C2's dispatch loop. Callers are
// expected to cache the result keyed on (chainID, registry) and invalidate on
// any write within that scope.
func (s *Store) LoadMatching(ctx context.Context, chainID int64, registry event.Registry) ([]trigger.Bundle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, name, description, chain_id, registry, enabled, is_stateful, cron_schedule, created_at, updated_at
		FROM triggers WHERE chain_id = $1 AND registry = $2 AND enabled = true
	`, chainID, string(registry))
	if err != nil {
		return nil, err
	}
	var triggers []trigger.Trigger
	for rows.Next() {
		var t trigger.Trigger
		var reg string
		if err := rows.Scan(&t.ID, &t.OrganizationID, &t.Name, &t.Description, &t.ChainID, &reg, &t.Enabled, &t.IsStateful, &t.CronSchedule, &t.CreatedAt, &t.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		t.Registry = event.Registry(reg)
		triggers = append(triggers, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	bundles := make([]trigger.Bundle, 0, len(triggers))
	for _, t := range triggers {
		conditions, err := s.listConditions(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		actions, err := s.listActions(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, trigger.Bundle{Trigger: t, Conditions: conditions, Actions: actions})
	}
	return bundles, nil
}

// ListCronBundles returns every enabled, cron-scheduled trigger with its
// actions, for cronscheduler to register against robfig/cron at startup.
// Conditions are omitted: a cron fire bypasses condition evaluation
// entirely, since there is no originating event to evaluate them against.
func (s *Store) ListCronBundles(ctx context.Context) ([]trigger.Bundle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, name, description, chain_id, registry, enabled, is_stateful, cron_schedule, created_at, updated_at
		FROM triggers WHERE enabled = true AND cron_schedule <> ''
	`)
	if err != nil {
		return nil, err
	}
	var triggers []trigger.Trigger
	for rows.Next() {
		var t trigger.Trigger
		var reg string
		if err := rows.Scan(&t.ID, &t.OrganizationID, &t.Name, &t.Description, &t.ChainID, &reg, &t.Enabled, &t.IsStateful, &t.CronSchedule, &t.CreatedAt, &t.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		t.Registry = event.Registry(reg)
		triggers = append(triggers, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	bundles := make([]trigger.Bundle, 0, len(triggers))
	for _, t := range triggers {
		actions, err := s.listActions(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, trigger.Bundle{Trigger: t, Actions: actions})
	}
	return bundles, nil
}

func (s *Store) GetState(ctx context.Context, triggerID string) (trigger.State, error) {
	var raw []byte
	st := trigger.State{TriggerID: triggerID}
	err := s.db.QueryRowContext(ctx, `
		SELECT version, state, updated_at FROM trigger_state WHERE trigger_id = $1
	`, triggerID).Scan(&st.Version, &raw, &st.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return trigger.State{}, storage.ErrNotFound
	case err != nil:
		return trigger.State{}, err
	}
	if err := trigger.UnmarshalState(raw, &st); err != nil {
		return trigger.State{}, err
	}
	return st, nil
}

// UpdateState performs an optimistic-concurrency compare-and-swap: the write
// only applies if the stored version still matches expectedVersion.
func (s *Store) UpdateState(ctx context.Context, triggerID string, newState trigger.State, expectedVersion int64) error {
	raw, err := trigger.MarshalState(newState)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE trigger_state SET version = version + 1, state = $1, updated_at = now()
		WHERE trigger_id = $2 AND version = $3
	`, raw, triggerID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrVersionConflict
	}
	return nil
}
