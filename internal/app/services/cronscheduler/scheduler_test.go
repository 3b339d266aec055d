package cronscheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainreactor/backend/internal/app/domain/event"
	"github.com/chainreactor/backend/internal/app/domain/trigger"
	"github.com/chainreactor/backend/internal/app/services/eventprocessor"
)

type fakeTriggerStore struct {
	bundles []trigger.Bundle
	err     error
}

func (f *fakeTriggerStore) ListCronBundles(ctx context.Context) ([]trigger.Bundle, error) {
	return f.bundles, f.err
}

type recordedJob struct {
	actionType trigger.ActionType
	job        eventprocessor.Enqueued
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []recordedJob
}

func (q *fakeQueue) Enqueue(ctx context.Context, actionType trigger.ActionType, job eventprocessor.Enqueued) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, recordedJob{actionType: actionType, job: job})
	return nil
}

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func TestFire_EnqueuesOneJobPerAction(t *testing.T) {
	queue := &fakeQueue{}
	s := New(&fakeTriggerStore{}, queue, nil)

	bundle := trigger.Bundle{
		Trigger: trigger.Trigger{ID: "trig-1", ChainID: 1, Registry: event.RegistryIdentity, CronSchedule: "*/5 * * * *"},
		Actions: []trigger.Action{
			{ID: "act-1", ActionType: trigger.ActionREST, Config: map[string]string{"url": "https://example.com"}},
			{ID: "act-2", ActionType: trigger.ActionTelegram, Config: map[string]string{"chat_id": "1", "template": "hi"}},
		},
	}

	s.fire(context.Background(), bundle)

	require.Equal(t, 2, queue.len())
	assert.Equal(t, "trig-1", queue.jobs[0].job.TriggerID)
	assert.Equal(t, "cron_tick", queue.jobs[0].job.Event.EventType)
	assert.NotEmpty(t, queue.jobs[0].job.EventID)
	assert.Equal(t, queue.jobs[0].job.Event.ID, queue.jobs[0].job.EventID)
}

func TestFire_UsesDistinctEventIDPerTick(t *testing.T) {
	queue := &fakeQueue{}
	s := New(&fakeTriggerStore{}, queue, nil)
	bundle := trigger.Bundle{
		Trigger: trigger.Trigger{ID: "trig-1", CronSchedule: "*/5 * * * *"},
		Actions: []trigger.Action{{ID: "act-1", ActionType: trigger.ActionREST}},
	}

	s.fire(context.Background(), bundle)
	s.fire(context.Background(), bundle)

	require.Len(t, queue.jobs, 2)
	assert.NotEqual(t, queue.jobs[0].job.EventID, queue.jobs[1].job.EventID)
}

func TestStart_RegistersEveryCronBundle(t *testing.T) {
	queue := &fakeQueue{}
	store := &fakeTriggerStore{bundles: []trigger.Bundle{
		{
			Trigger: trigger.Trigger{ID: "trig-1", CronSchedule: "@every 1s"},
			Actions: []trigger.Action{{ID: "act-1", ActionType: trigger.ActionREST}},
		},
	}}
	s := New(store, queue, nil)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return queue.len() > 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestStart_SkipsInvalidScheduleWithoutFailingOthers(t *testing.T) {
	queue := &fakeQueue{}
	store := &fakeTriggerStore{bundles: []trigger.Bundle{
		{Trigger: trigger.Trigger{ID: "bad", CronSchedule: "not a schedule"}},
		{
			Trigger: trigger.Trigger{ID: "good", CronSchedule: "@every 1s"},
			Actions: []trigger.Action{{ID: "act-1", ActionType: trigger.ActionREST}},
		},
	}}
	s := New(store, queue, nil)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return queue.len() > 0 }, 3*time.Second, 50*time.Millisecond)
}
