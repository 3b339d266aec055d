package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	serr "github.com/chainreactor/backend/infrastructure/errors"
	"github.com/chainreactor/backend/infrastructure/httputil"
	"github.com/chainreactor/backend/internal/app/domain/event"
	"github.com/chainreactor/backend/internal/app/domain/trigger"
	"github.com/chainreactor/backend/internal/app/storage"
)

type conditionDTO struct {
	ConditionType string            `json:"condition_type"`
	Field         string            `json:"field"`
	Operator      string            `json:"operator"`
	Value         string            `json:"value"`
	Config        map[string]string `json:"config"`
}

type actionDTO struct {
	ActionType string            `json:"action_type"`
	Priority   int               `json:"priority"`
	Config     map[string]string `json:"config"`
}

type triggerDTO struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	ChainID     int64          `json:"chain_id"`
	Registry    string         `json:"registry"`
	Enabled     bool           `json:"enabled"`
	IsStateful  bool           `json:"is_stateful"`
	// CronSchedule, when set, makes this trigger fire on a schedule instead
	// of off incoming events; Conditions are ignored for cron triggers.
	CronSchedule string         `json:"cron_schedule,omitempty"`
	Conditions   []conditionDTO `json:"conditions,omitempty"`
	Actions      []actionDTO    `json:"actions,omitempty"`
}

func bundleToDTO(b trigger.Bundle) triggerDTO {
	dto := triggerDTO{
		ID: b.Trigger.ID, Name: b.Trigger.Name, Description: b.Trigger.Description,
		ChainID: b.Trigger.ChainID, Registry: string(b.Trigger.Registry),
		Enabled: b.Trigger.Enabled, IsStateful: b.Trigger.IsStateful,
		CronSchedule: b.Trigger.CronSchedule,
	}
	for _, c := range b.Conditions {
		dto.Conditions = append(dto.Conditions, conditionDTO{
			ConditionType: string(c.ConditionType), Field: c.Field, Operator: c.Operator, Value: c.Value, Config: c.Config,
		})
	}
	for _, a := range b.Actions {
		dto.Actions = append(dto.Actions, actionDTO{ActionType: string(a.ActionType), Priority: a.Priority, Config: a.Config})
	}
	return dto
}

func (d triggerDTO) toDomain() (trigger.Trigger, []trigger.Condition, []trigger.Action) {
	t := trigger.Trigger{
		ID: d.ID, Name: d.Name, Description: d.Description, ChainID: d.ChainID,
		Registry: event.Registry(d.Registry), Enabled: d.Enabled, IsStateful: d.IsStateful,
		CronSchedule: d.CronSchedule,
	}
	conditions := make([]trigger.Condition, 0, len(d.Conditions))
	for _, c := range d.Conditions {
		conditions = append(conditions, trigger.Condition{
			ConditionType: trigger.ConditionType(c.ConditionType), Field: c.Field, Operator: c.Operator, Value: c.Value, Config: c.Config,
		})
	}
	actions := make([]trigger.Action, 0, len(d.Actions))
	for _, a := range d.Actions {
		actions = append(actions, trigger.Action{ActionType: trigger.ActionType(a.ActionType), Priority: a.Priority, Config: a.Config})
	}
	return t, conditions, actions
}

func (h *handlers) createTrigger(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireOrg(w, r)
	if !ok {
		return
	}
	var dto triggerDTO
	if !decodeJSON(w, r, &dto) {
		return
	}
	t, conditions, actions := dto.toDomain()
	created, err := h.d.Triggers.Create(r.Context(), orgID, t, conditions, actions)
	if err != nil {
		writeTriggerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bundleToDTO(trigger.Bundle{Trigger: created, Conditions: conditions, Actions: actions}))
}

func (h *handlers) getTrigger(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireOrg(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	b, err := h.d.Triggers.Get(r.Context(), orgID, id)
	if err != nil {
		writeTriggerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bundleToDTO(b))
}

func (h *handlers) listTriggers(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireOrg(w, r)
	if !ok {
		return
	}
	offset, limit := httputil.PaginationParams(r, 50, 200)
	triggers, total, err := h.d.Triggers.List(r.Context(), orgID, limit, offset)
	if err != nil {
		writeTriggerError(w, r, err)
		return
	}
	out := make([]triggerDTO, 0, len(triggers))
	for _, t := range triggers {
		out = append(out, bundleToDTO(trigger.Bundle{Trigger: t}))
	}
	writeJSON(w, http.StatusOK, map[string]any{"triggers": out, "total": total})
}

func (h *handlers) updateTrigger(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireOrg(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	var dto triggerDTO
	if !decodeJSON(w, r, &dto) {
		return
	}
	dto.ID = id
	t, _, _ := dto.toDomain()
	updated, err := h.d.Triggers.Update(r.Context(), orgID, t)
	if err != nil {
		writeTriggerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bundleToDTO(trigger.Bundle{Trigger: updated}))
}

func (h *handlers) deleteTrigger(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireOrg(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.d.Triggers.Delete(r.Context(), orgID, id); err != nil {
		writeTriggerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeTriggerError maps triggerstore's plain errors (validation) and
// storage's sentinel errors (ownership misses, version conflicts) onto the
// JSON error envelope; triggerstore.Service does not wrap these in
// ServiceError since it has no http package dependency.
func writeTriggerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httputil.NotFound(w, "trigger not found")
	case errors.Is(err, storage.ErrConflict):
		httputil.Conflict(w, "a trigger with that name already exists")
	case err != nil:
		if _, ok := err.(*serr.ServiceError); ok {
			writeServiceError(w, r, err)
			return
		}
		httputil.BadRequest(w, err.Error())
	}
}
