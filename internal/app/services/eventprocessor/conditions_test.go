package eventprocessor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainreactor/backend/internal/app/domain/event"
	"github.com/chainreactor/backend/internal/app/domain/trigger"
)

func intPtr(v int) *int { return &v }

func TestEvalEMAThreshold_SeedsOnFirstObservation(t *testing.T) {
	c := trigger.Condition{ID: "c1", ConditionType: trigger.ConditionEMAThreshold, Operator: ">=", Value: "50"}
	st := &trigger.State{}
	evt := event.Event{Score: intPtr(80)}

	res, err := evaluateCondition(c, evt, st, time.Now())
	require.NoError(t, err)
	assert.True(t, res.stateChanged)
	assert.True(t, res.pass)
	assert.InDelta(t, 80.0, st.EMA["c1"], 1e-9)
}

func TestEvalEMAThreshold_AppliesAlphaWeightedUpdate(t *testing.T) {
	c := trigger.Condition{ID: "c1", ConditionType: trigger.ConditionEMAThreshold, Operator: ">=", Value: "0", Config: map[string]string{"alpha": "0.2"}}
	st := &trigger.State{EMA: map[string]float64{"c1": 100}}
	evt := event.Event{Score: intPtr(50)}

	res, err := evaluateCondition(c, evt, st, time.Now())
	require.NoError(t, err)
	assert.True(t, res.pass)
	want := 0.2*50 + 0.8*100
	assert.InDelta(t, want, st.EMA["c1"], 1e-9)
}

func TestEvalEMAThreshold_DefaultAlphaWhenConfigOmitted(t *testing.T) {
	c := trigger.Condition{ID: "c1", ConditionType: trigger.ConditionEMAThreshold, Operator: ">=", Value: "0"}
	st := &trigger.State{EMA: map[string]float64{"c1": 10}}
	evt := event.Event{Score: intPtr(20)}

	_, err := evaluateCondition(c, evt, st, time.Now())
	require.NoError(t, err)
	want := defaultEMAAlpha*20 + (1-defaultEMAAlpha)*10
	assert.InDelta(t, want, st.EMA["c1"], 1e-9)
}

func TestEvalEMAThreshold_NilScoreFails(t *testing.T) {
	c := trigger.Condition{ID: "c1", ConditionType: trigger.ConditionEMAThreshold, Operator: ">=", Value: "0"}
	st := &trigger.State{}
	res, err := evaluateCondition(c, event.Event{}, st, time.Now())
	require.NoError(t, err)
	assert.False(t, res.pass)
	assert.False(t, res.stateChanged)
}

func TestEvalRateLimit_EvictsOutsideWindowByTimestamp(t *testing.T) {
	c := trigger.Condition{ID: "c1", ConditionType: trigger.ConditionRateLimit, Value: "2", Config: map[string]string{"time_window": "1m"}}
	st := &trigger.State{}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	res, err := evaluateCondition(c, event.Event{}, st, base)
	require.NoError(t, err)
	assert.False(t, res.pass) // 1 hit, threshold 2, operator defaults to >

	res, err = evaluateCondition(c, event.Event{}, st, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, res.pass) // 2 hits, threshold 2, operator ">": 2 > 2 is false

	// A third hit inside the window pushes the count to 3, which is > 2.
	res, err = evaluateCondition(c, event.Event{}, st, base.Add(40*time.Second))
	require.NoError(t, err)
	assert.True(t, res.pass)

	// A hit well outside the window evicts the earlier two, leaving only
	// this one: count 1, not > 2.
	res, err = evaluateCondition(c, event.Event{}, st, base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.False(t, res.pass)
}

func TestEvalRateLimit_ResetOnTriggerClearsWindow(t *testing.T) {
	c := trigger.Condition{
		ID: "c1", ConditionType: trigger.ConditionRateLimit, Value: "0",
		Config: map[string]string{"time_window": "1m", "reset_on_trigger": "true"},
	}
	st := &trigger.State{}
	now := time.Now()

	res, err := evaluateCondition(c, event.Event{}, st, now)
	require.NoError(t, err)
	assert.True(t, res.pass) // 1 hit, threshold 0, operator ">": 1 > 0 is true
	assert.Empty(t, st.RateLimit["c1"].Hits)
}

func TestEvalRateLimit_UnparseableWindowErrors(t *testing.T) {
	c := trigger.Condition{ID: "c1", ConditionType: trigger.ConditionRateLimit, Value: "1", Config: map[string]string{"time_window": "not-a-duration"}}
	_, err := evaluateCondition(c, event.Event{}, &trigger.State{}, time.Now())
	require.Error(t, err)
}

func TestEvalScoreThreshold_ComparesAgainstEventScore(t *testing.T) {
	c := trigger.Condition{ConditionType: trigger.ConditionScoreThreshold, Operator: ">=", Value: "70"}
	res, err := evaluateCondition(c, event.Event{Score: intPtr(75)}, &trigger.State{}, time.Now())
	require.NoError(t, err)
	assert.True(t, res.pass)

	res, err = evaluateCondition(c, event.Event{Score: intPtr(65)}, &trigger.State{}, time.Now())
	require.NoError(t, err)
	assert.False(t, res.pass)
}

func TestEvaluateCondition_UnknownTypeErrors(t *testing.T) {
	_, err := evaluateCondition(trigger.Condition{ConditionType: "not_a_real_type"}, event.Event{}, &trigger.State{}, time.Now())
	require.Error(t, err)
}
