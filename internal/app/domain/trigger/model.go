// Package trigger defines user-configured rules that match events from C1
// and enqueue actions for C3, plus the per-trigger state stateful conditions
// carry between evaluations.
package trigger

import (
	"encoding/json"
	"time"

	"github.com/chainreactor/backend/internal/app/domain/event"
)

// ConditionType enumerates the recognized condition evaluators. All
// conditions of a trigger are AND-combined.
type ConditionType string

const (
	ConditionAgentIDEquals      ConditionType = "agent_id_equals"
	ConditionScoreThreshold     ConditionType = "score_threshold"
	ConditionTagEquals          ConditionType = "tag_equals"
	ConditionEventTypeEquals    ConditionType = "event_type_equals"
	ConditionValidatorWhitelist ConditionType = "validator_whitelist"
	ConditionEMAThreshold       ConditionType = "ema_threshold"
	ConditionRateLimit          ConditionType = "rate_limit"
	ConditionFileURIExists      ConditionType = "file_uri_exists"
)

// ActionType enumerates the dispatch channels an action can target.
type ActionType string

const (
	ActionTelegram ActionType = "telegram"
	ActionREST     ActionType = "rest"
	ActionMCP      ActionType = "mcp"
)

// Trigger is a user-defined rule scoped to one chain and registry. A trigger
// normally fires off an incoming event, but one with a non-empty
// CronSchedule instead fires on its own schedule, bypassing condition
// evaluation entirely since there is no originating event to evaluate.
type Trigger struct {
	ID             string
	OrganizationID string
	Name           string
	Description    string
	ChainID        int64
	Registry       event.Registry
	Enabled        bool
	IsStateful     bool
	// CronSchedule is a standard five-field cron expression. Empty means the
	// trigger is purely event-reactive.
	CronSchedule string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsCron reports whether t fires on a schedule rather than off incoming
// events.
func (t Trigger) IsCron() bool {
	return t.CronSchedule != ""
}

// Condition is one AND-combined predicate evaluated against an event and,
// for stateful condition types, the trigger's carried state.
type Condition struct {
	ID            string
	TriggerID     string
	ConditionType ConditionType
	Field         string
	Operator      string
	Value         string
	Config        map[string]string
}

// Action is a side-effectful dispatch enqueued when all of a trigger's
// conditions pass.
type Action struct {
	ID         string
	TriggerID  string
	ActionType ActionType
	Priority   int
	Config     map[string]string
}

// State holds whatever stateful condition evaluators need to carry between
// events for one trigger, plus an optimistic-concurrency version.
type State struct {
	TriggerID string
	Version   int64
	EMA       map[string]float64      // keyed by condition id
	RateLimit map[string]RateLimitBucket
	UpdatedAt time.Time
}

// RateLimitBucket is the sliding-window counter carried by a rate_limit
// condition. Entries are event timestamps (unix nanos) within the window;
// eviction is strictly by timestamp (true sliding window, per DESIGN.md open
// question decision 1).
type RateLimitBucket struct {
	Hits []int64
}

// Clone returns a deep copy of s so callers can mutate it before a
// compare-and-swap write without aliasing the authoritative copy.
func (s State) Clone() State {
	out := State{TriggerID: s.TriggerID, Version: s.Version, UpdatedAt: s.UpdatedAt}
	if s.EMA != nil {
		out.EMA = make(map[string]float64, len(s.EMA))
		for k, v := range s.EMA {
			out.EMA[k] = v
		}
	}
	if s.RateLimit != nil {
		out.RateLimit = make(map[string]RateLimitBucket, len(s.RateLimit))
		for k, v := range s.RateLimit {
			hits := make([]int64, len(v.Hits))
			copy(hits, v.Hits)
			out.RateLimit[k] = RateLimitBucket{Hits: hits}
		}
	}
	return out
}

// MarshalState/UnmarshalState are used by the postgres store to persist
// State.EMA/RateLimit as a single JSONB column.
type stateJSON struct {
	EMA       map[string]float64         `json:"ema,omitempty"`
	RateLimit map[string]RateLimitBucket `json:"rate_limit,omitempty"`
}

func MarshalState(s State) ([]byte, error) {
	return json.Marshal(stateJSON{EMA: s.EMA, RateLimit: s.RateLimit})
}

func UnmarshalState(data []byte, s *State) error {
	var sj stateJSON
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &sj); err != nil {
		return err
	}
	s.EMA = sj.EMA
	s.RateLimit = sj.RateLimit
	return nil
}

// Bundle is the denormalized shape C2 loads per (chain_id, registry): a
// trigger plus its conditions and actions, ready to evaluate.
type Bundle struct {
	Trigger    Trigger
	Conditions []Condition
	Actions    []Action
}
