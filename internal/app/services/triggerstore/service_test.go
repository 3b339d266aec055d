package triggerstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainreactor/backend/internal/app/domain/event"
	"github.com/chainreactor/backend/internal/app/domain/trigger"
)

// fakeStore is a minimal in-memory storage.TriggerStore, enough to exercise
// Service's validation layer without a database.
type fakeStore struct {
	created trigger.Trigger
}

func (f *fakeStore) CreateTrigger(ctx context.Context, orgID string, t trigger.Trigger, conditions []trigger.Condition, actions []trigger.Action) (trigger.Trigger, error) {
	t.OrganizationID = orgID
	f.created = t
	return t, nil
}
func (f *fakeStore) GetTrigger(ctx context.Context, orgID, triggerID string) (trigger.Bundle, error) {
	return trigger.Bundle{}, nil
}
func (f *fakeStore) ListTriggers(ctx context.Context, orgID string, limit, offset int) ([]trigger.Trigger, int, error) {
	return nil, 0, nil
}
func (f *fakeStore) UpdateTrigger(ctx context.Context, orgID string, t trigger.Trigger) (trigger.Trigger, error) {
	return t, nil
}
func (f *fakeStore) DeleteTrigger(ctx context.Context, orgID, triggerID string) error { return nil }
func (f *fakeStore) LoadMatching(ctx context.Context, chainID int64, registry event.Registry) ([]trigger.Bundle, error) {
	return nil, nil
}
func (f *fakeStore) ListCronBundles(ctx context.Context) ([]trigger.Bundle, error) { return nil, nil }
func (f *fakeStore) GetState(ctx context.Context, triggerID string) (trigger.State, error) {
	return trigger.State{}, nil
}
func (f *fakeStore) UpdateState(ctx context.Context, triggerID string, newState trigger.State, expectedVersion int64) error {
	return nil
}

func validTrigger() trigger.Trigger {
	return trigger.Trigger{Name: "t1", Registry: event.RegistryIdentity, ChainID: 1}
}

func validCondition() trigger.Condition {
	return trigger.Condition{ConditionType: trigger.ConditionAgentIDEquals, Field: "agent_id", Operator: "eq", Value: "1"}
}

func validAction() trigger.Action {
	return trigger.Action{ActionType: trigger.ActionREST, Config: map[string]string{"url": "https://example.com/hook"}}
}

func TestCreate_EventReactiveRequiresCondition(t *testing.T) {
	svc := New(&fakeStore{})
	_, err := svc.Create(context.Background(), "org1", validTrigger(), nil, []trigger.Action{validAction()})
	require.Error(t, err)
	assert.ErrorIs(t, err, errInvalid)
	assert.Contains(t, err.Error(), "condition")
}

func TestCreate_CronTriggerSkipsConditionRequirement(t *testing.T) {
	store := &fakeStore{}
	svc := New(store)
	tr := validTrigger()
	tr.CronSchedule = "*/5 * * * *"
	_, err := svc.Create(context.Background(), "org1", tr, nil, []trigger.Action{validAction()})
	require.NoError(t, err)
	assert.Equal(t, "org1", store.created.OrganizationID)
	assert.True(t, store.created.IsCron())
}

func TestCreate_RejectsMalformedCronSchedule(t *testing.T) {
	svc := New(&fakeStore{})
	tr := validTrigger()
	tr.CronSchedule = "not a schedule"
	_, err := svc.Create(context.Background(), "org1", tr, []trigger.Condition{validCondition()}, []trigger.Action{validAction()})
	require.Error(t, err)
	assert.ErrorIs(t, err, errInvalid)
	assert.Contains(t, err.Error(), "cron_schedule")
}

func TestCreate_AcceptsCronDescriptor(t *testing.T) {
	svc := New(&fakeStore{})
	tr := validTrigger()
	tr.CronSchedule = "@daily"
	_, err := svc.Create(context.Background(), "org1", tr, nil, []trigger.Action{validAction()})
	require.NoError(t, err)
}

func TestCreate_RejectsUnknownConditionType(t *testing.T) {
	svc := New(&fakeStore{})
	bad := validCondition()
	bad.ConditionType = "not_a_real_type"
	_, err := svc.Create(context.Background(), "org1", validTrigger(), []trigger.Condition{bad}, []trigger.Action{validAction()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "condition_type")
}

func TestCreate_RequiresAtLeastOneAction(t *testing.T) {
	svc := New(&fakeStore{})
	_, err := svc.Create(context.Background(), "org1", validTrigger(), []trigger.Condition{validCondition()}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "action is required")
}

func TestUpdate_RejectsMalformedCronSchedule(t *testing.T) {
	svc := New(&fakeStore{})
	tr := validTrigger()
	tr.ID = "trig-1"
	tr.CronSchedule = "* * * *"
	_, err := svc.Update(context.Background(), "org1", tr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errInvalid))
}

func TestValidateCronSchedule_EmptyIsValid(t *testing.T) {
	assert.NoError(t, validateCronSchedule(""))
}
