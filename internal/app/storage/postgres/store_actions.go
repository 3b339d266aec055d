package postgres

import (
	"context"
	"encoding/json"

	"github.com/chainreactor/backend/internal/app/domain/action"
	"github.com/chainreactor/backend/internal/app/domain/trigger"
)

// RecordResult persists the terminal outcome of one dispatch attempt
// sequence, as required for every job regardless of status (spec §4.3).
func (s *Store) RecordResult(ctx context.Context, r action.Result) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_results (trigger_id, action_id, event_id, status, attempt_count, duration_ms, response_summary, error_message, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, r.TriggerID, r.ActionID, r.EventID, string(r.Status), r.AttemptCount, r.DurationMS, r.ResponseSummary, r.ErrorMessage, r.Timestamp)
	return err
}

// UpsertDeadLetter parks a job whose retries are exhausted, mirroring the
// teacher gasbank store's dead-letter pattern (store_gasbank.go).
func (s *Store) UpsertDeadLetter(ctx context.Context, j action.Job, lastErr string) error {
	vars, err := json.Marshal(j.RenderedTemplateVars)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO action_dead_letters (job_id, trigger_id, action_id, event_id, action_type, template_vars, enqueued_at, attempt_count, last_error, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now())
		ON CONFLICT (job_id) DO UPDATE SET attempt_count = EXCLUDED.attempt_count, last_error = EXCLUDED.last_error, updated_at = now()
	`, j.JobID, j.TriggerID, j.ActionID, j.EventID, string(j.ActionType), vars, j.EnqueuedAt, j.AttemptCount, lastErr)
	return err
}

func (s *Store) ListDeadLetters(ctx context.Context, actionType trigger.ActionType, limit int) ([]action.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, trigger_id, action_id, event_id, action_type, template_vars, enqueued_at, attempt_count
		FROM action_dead_letters WHERE action_type = $1 ORDER BY updated_at ASC LIMIT $2
	`, string(actionType), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []action.Job
	for rows.Next() {
		var j action.Job
		var at string
		var vars []byte
		if err := rows.Scan(&j.JobID, &j.TriggerID, &j.ActionID, &j.EventID, &at, &vars, &j.EnqueuedAt, &j.AttemptCount); err != nil {
			return nil, err
		}
		j.ActionType = trigger.ActionType(at)
		if len(vars) > 0 {
			if err := json.Unmarshal(vars, &j.RenderedTemplateVars); err != nil {
				return nil, err
			}
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) RemoveDeadLetter(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM action_dead_letters WHERE job_id = $1`, jobID)
	return err
}
