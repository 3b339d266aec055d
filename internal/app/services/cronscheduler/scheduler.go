// Package cronscheduler fires triggers on a fixed schedule instead of off
// incoming events, replacing the teacher's naive minute-only
// parseNextCronExecution (services/automation/automation_triggers.go) with
// robfig/cron's real schedule engine. A fired trigger skips condition
// evaluation entirely: there is no event to evaluate conditions against, so
// every action on the trigger is enqueued unconditionally.
package cronscheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/chainreactor/backend/internal/app/domain/event"
	"github.com/chainreactor/backend/internal/app/domain/trigger"
	"github.com/chainreactor/backend/internal/app/services/eventprocessor"
	"github.com/chainreactor/backend/infrastructure/logging"
)

// TriggerStore is the narrow slice of storage.TriggerStore the scheduler
// needs: loading cron-scheduled bundles at startup. Declared here rather
// than depending on the full storage.TriggerStore interface so tests don't
// need to stub methods this package never calls.
type TriggerStore interface {
	ListCronBundles(ctx context.Context) ([]trigger.Bundle, error)
}

// cronEventType marks the synthetic event a scheduled fire hands to C3's
// template renderer; TemplateVars leaves every chain-event-specific field
// nil for it since there is no real payload behind a cron tick.
const cronEventType = "cron_tick"

// Scheduler wraps a *cron.Cron, loading every enabled cron-scheduled trigger
// at Start and registering one entry per trigger against the library's
// schedule parser.
type Scheduler struct {
	triggers TriggerStore
	queue    eventprocessor.Queue
	logger   *logging.Logger
	cron     *cron.Cron
}

// New builds a Scheduler that loads cron bundles from triggers and enqueues
// their actions onto queue when they fire.
func New(triggers TriggerStore, queue eventprocessor.Queue, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.New("cronscheduler", "info", "json")
	}
	return &Scheduler{
		triggers: triggers,
		queue:    queue,
		logger:   logger,
		cron:     cron.New(),
	}
}

// Start loads every enabled cron-scheduled trigger, registers it against the
// cron engine, and starts running entries in their own goroutine. Triggers
// created or edited after Start are not picked up until the process restarts.
func (s *Scheduler) Start(ctx context.Context) error {
	bundles, err := s.triggers.ListCronBundles(ctx)
	if err != nil {
		return fmt.Errorf("cronscheduler: load cron bundles: %w", err)
	}

	for _, bundle := range bundles {
		bundle := bundle
		if _, err := s.cron.AddFunc(bundle.Trigger.CronSchedule, func() {
			s.fire(ctx, bundle)
		}); err != nil {
			s.logger.WithFields(map[string]interface{}{
				"trigger_id": bundle.Trigger.ID,
				"schedule":   bundle.Trigger.CronSchedule,
			}).WithError(err).Error("register cron trigger failed, skipping")
			continue
		}
	}

	s.logger.WithFields(map[string]interface{}{"triggers": len(bundles)}).Info("cron scheduler starting")
	s.cron.Start()
	return nil
}

// Stop waits for any in-flight cron job to finish and halts the scheduler.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// fire enqueues one job per the trigger's actions, ordered the same way C2's
// dispatch does, against a synthetic event carrying only a timestamp.
func (s *Scheduler) fire(ctx context.Context, bundle trigger.Bundle) {
	now := time.Now().UTC()
	evt := event.Event{
		ID:             uuid.NewString(),
		ChainID:        bundle.Trigger.ChainID,
		Registry:       bundle.Trigger.Registry,
		EventType:      cronEventType,
		BlockTimestamp: now,
		InsertedAt:     now,
	}

	for _, a := range bundle.Actions {
		job := eventprocessor.Enqueued{
			TriggerID:  bundle.Trigger.ID,
			ActionID:   a.ID,
			EventID:    evt.ID,
			ActionType: a.ActionType,
			Config:     a.Config,
			Event:      evt,
		}
		if err := s.queue.Enqueue(ctx, a.ActionType, job); err != nil {
			s.logger.WithContext(ctx).WithFields(map[string]interface{}{
				"trigger_id": bundle.Trigger.ID,
				"action_id":  a.ID,
			}).WithError(err).Error("enqueue cron action failed")
		}
	}
}
