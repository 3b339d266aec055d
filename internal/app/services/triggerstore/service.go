// Package triggerstore is C4's validation layer in front of
// storage.TriggerStore: it normalizes and rejects malformed triggers before
// they ever reach persistence, generalizing the teacher's
// validateAndNormalize trigger-service pattern to the spec's condition/
// action shape.
package triggerstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/chainreactor/backend/internal/app/domain/trigger"
	"github.com/chainreactor/backend/internal/app/storage"
)

// cronParser mirrors the default parser cron.New() uses at runtime
// (cronscheduler.Scheduler), so a schedule accepted here is guaranteed to
// register successfully later.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var validConditionTypes = map[trigger.ConditionType]bool{
	trigger.ConditionAgentIDEquals:      true,
	trigger.ConditionScoreThreshold:     true,
	trigger.ConditionTagEquals:          true,
	trigger.ConditionEventTypeEquals:    true,
	trigger.ConditionValidatorWhitelist: true,
	trigger.ConditionEMAThreshold:       true,
	trigger.ConditionRateLimit:          true,
	trigger.ConditionFileURIExists:      true,
}

var validActionTypes = map[trigger.ActionType]bool{
	trigger.ActionTelegram: true,
	trigger.ActionREST:     true,
	trigger.ActionMCP:      true,
}

// Service wraps storage.TriggerStore with create/update-time validation.
type Service struct {
	store storage.TriggerStore
}

// New builds a Service backed by store.
func New(store storage.TriggerStore) *Service {
	return &Service{store: store}
}

// Create validates t, its conditions, and its actions before delegating to
// the store. Registry, condition-type, and action-type membership are
// enforced here; ownership isolation is enforced by the store itself.
func (s *Service) Create(ctx context.Context, orgID string, t trigger.Trigger, conditions []trigger.Condition, actions []trigger.Action) (trigger.Trigger, error) {
	if err := validate(t, conditions, actions); err != nil {
		return trigger.Trigger{}, err
	}
	return s.store.CreateTrigger(ctx, orgID, t, conditions, actions)
}

func (s *Service) Get(ctx context.Context, orgID, triggerID string) (trigger.Bundle, error) {
	return s.store.GetTrigger(ctx, orgID, triggerID)
}

func (s *Service) List(ctx context.Context, orgID string, limit, offset int) ([]trigger.Trigger, int, error) {
	return s.store.ListTriggers(ctx, orgID, limit, offset)
}

func (s *Service) Update(ctx context.Context, orgID string, t trigger.Trigger) (trigger.Trigger, error) {
	if !t.Registry.Valid() {
		return trigger.Trigger{}, fmt.Errorf("%w: invalid registry %q", errInvalid, t.Registry)
	}
	if strings.TrimSpace(t.Name) == "" {
		return trigger.Trigger{}, fmt.Errorf("%w: name is required", errInvalid)
	}
	if err := validateCronSchedule(t.CronSchedule); err != nil {
		return trigger.Trigger{}, err
	}
	return s.store.UpdateTrigger(ctx, orgID, t)
}

func (s *Service) Delete(ctx context.Context, orgID, triggerID string) error {
	return s.store.DeleteTrigger(ctx, orgID, triggerID)
}

var errInvalid = fmt.Errorf("invalid trigger")

// validateCronSchedule rejects a malformed cron expression at write time so
// cronscheduler never has to cope with one it failed to register at startup.
// An empty schedule is valid: it means the trigger stays event-reactive.
func validateCronSchedule(schedule string) error {
	if schedule == "" {
		return nil
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return fmt.Errorf("%w: invalid cron_schedule: %v", errInvalid, err)
	}
	return nil
}

// validate enforces registry membership, condition/action-type membership,
// and the per-condition-type config keys stateful evaluators require.
func validate(t trigger.Trigger, conditions []trigger.Condition, actions []trigger.Action) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: name is required", errInvalid)
	}
	if !t.Registry.Valid() {
		return fmt.Errorf("%w: invalid registry %q", errInvalid, t.Registry)
	}
	if t.ChainID <= 0 {
		return fmt.Errorf("%w: chain_id must be positive", errInvalid)
	}
	if err := validateCronSchedule(t.CronSchedule); err != nil {
		return err
	}
	// A cron trigger fires on its own schedule with no originating event, so
	// conditions (which only ever evaluate against an event) are pointless
	// for it; an event-reactive trigger still requires at least one.
	if !t.IsCron() && len(conditions) == 0 {
		return fmt.Errorf("%w: at least one condition is required", errInvalid)
	}
	if len(actions) == 0 {
		return fmt.Errorf("%w: at least one action is required", errInvalid)
	}

	for _, c := range conditions {
		if !validConditionTypes[c.ConditionType] {
			return fmt.Errorf("%w: unknown condition_type %q", errInvalid, c.ConditionType)
		}
		if err := validateConditionConfig(c); err != nil {
			return err
		}
	}
	for _, a := range actions {
		if !validActionTypes[a.ActionType] {
			return fmt.Errorf("%w: unknown action_type %q", errInvalid, a.ActionType)
		}
		if err := validateActionConfig(a); err != nil {
			return err
		}
	}
	return nil
}

func validateConditionConfig(c trigger.Condition) error {
	switch c.ConditionType {
	case trigger.ConditionRateLimit:
		if c.Config["time_window"] == "" {
			return fmt.Errorf("%w: rate_limit condition requires config.time_window", errInvalid)
		}
	case trigger.ConditionEMAThreshold:
		if c.Operator == "" {
			return fmt.Errorf("%w: ema_threshold condition requires an operator", errInvalid)
		}
	}
	return nil
}

func validateActionConfig(a trigger.Action) error {
	switch a.ActionType {
	case trigger.ActionTelegram:
		if a.Config["chat_id"] == "" || a.Config["template"] == "" {
			return fmt.Errorf("%w: telegram action requires config.chat_id and config.template", errInvalid)
		}
	case trigger.ActionREST:
		if a.Config["url"] == "" {
			return fmt.Errorf("%w: rest action requires config.url", errInvalid)
		}
	case trigger.ActionMCP:
		// agent_id is derived from the triggering event, not a static config
		// key, so there is nothing mandatory to validate here beyond type.
	}
	return nil
}
