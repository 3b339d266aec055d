// Package actionworkers is C3: it consumes per-action-type queues produced
// by C2, renders templates, dispatches through a per-destination circuit
// breaker with retry and exponential backoff, and records a terminal
// ActionResult for every job regardless of outcome.
package actionworkers

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chainreactor/backend/internal/app/domain/action"
	"github.com/chainreactor/backend/internal/app/domain/trigger"
	"github.com/chainreactor/backend/internal/app/services/eventprocessor"
	"github.com/chainreactor/backend/internal/app/storage"
	"github.com/chainreactor/backend/infrastructure/logging"
)

const maxAttempts = 3

// newRetryBackoff builds a fresh exponential backoff sequence per dispatch
// so concurrent jobs for the same destination don't share retry timing
// state. Capped well under the circuit breaker's cooldown.
func newRetryBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.MaxInterval = 8 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Pool runs a fixed number of goroutines per action type, each pulling jobs
// off Queue's channel for that type and dispatching them through Senders.
type Pool struct {
	queue    *Queue
	results  storage.ActionResultStore
	senders  map[trigger.ActionType]Sender
	breakers *breakerRegistry
	logger   *logging.Logger
	now      func() time.Time
}

// NewPool wires senders (one per action type) to the shared queue and
// result store. Missing senders are simply never dispatched to — callers
// construct only the channels they have secrets/config for.
func NewPool(queue *Queue, results storage.ActionResultStore, senders map[trigger.ActionType]Sender, logger *logging.Logger) *Pool {
	if logger == nil {
		logger = logging.New("actionworkers", "info", "json")
	}
	return &Pool{
		queue:    queue,
		results:  results,
		senders:  senders,
		breakers: newBreakerRegistry(),
		logger:   logger,
		now:      time.Now,
	}
}

// Run starts concurrency workers per action type and blocks until ctx is
// canceled. Each action type's queue is drained by its own worker set so a
// slow or circuit-broken destination on one type never starves another.
func (p *Pool) Run(ctx context.Context, concurrency int) {
	if concurrency <= 0 {
		concurrency = 4
	}
	for actionType, sender := range p.senders {
		for i := 0; i < concurrency; i++ {
			go p.consume(ctx, actionType, sender)
		}
	}
	<-ctx.Done()
}

func (p *Pool) consume(ctx context.Context, actionType trigger.ActionType, sender Sender) {
	ch := p.queue.Channel(actionType)
	for {
		select {
		case <-ctx.Done():
			return
		case enq, ok := <-ch:
			if !ok {
				return
			}
			p.handle(ctx, sender, enq)
		}
	}
}

// handle renders the job's template, then runs the retry/circuit-breaker
// dispatch loop, and always writes a terminal ActionResult.
func (p *Pool) handle(ctx context.Context, sender Sender, enq eventprocessor.Enqueued) {
	start := p.now()
	job := action.Job{
		JobID:                fmt.Sprintf("%s:%s:%s", enq.TriggerID, enq.ActionID, enq.EventID),
		TriggerID:            enq.TriggerID,
		ActionID:             enq.ActionID,
		EventID:              enq.EventID,
		ActionType:           enq.ActionType,
		RenderedTemplateVars: TemplateVars(enq.Event, ""),
		EnqueuedAt:           start,
	}

	if job.Expired(action.DefaultTTL, p.now()) {
		p.record(ctx, job, action.StatusPermanentFailure, 0, start, "", fmt.Errorf("job exceeded TTL before dispatch"))
		return
	}

	config := p.renderConfig(enq)
	destination := sender.Destination(config)
	breakerKey := fmt.Sprintf("%s:%s", enq.ActionType, destination)
	breaker := p.breakers.Get(breakerKey)

	retry := newRetryBackoff()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		job.AttemptCount = attempt

		if !breaker.Allow() {
			lastErr = fmt.Errorf("circuit open for %s", breakerKey)
			p.record(ctx, job, action.StatusRetryableFailure, attempt, start, "", lastErr)
			return
		}

		outcome := sender.Send(ctx, config, enq.Event)
		breaker.RecordOutcome(outcome.Success)

		if outcome.Success {
			p.record(ctx, job, action.StatusSuccess, attempt, start, outcome.ResponseSummary, nil)
			return
		}

		lastErr = outcome.Err
		if !outcome.Retryable {
			p.record(ctx, job, action.StatusPermanentFailure, attempt, start, outcome.ResponseSummary, lastErr)
			return
		}

		if attempt < maxAttempts {
			select {
			case <-time.After(retry.NextBackOff()):
			case <-ctx.Done():
				p.record(ctx, job, action.StatusRetryableFailure, attempt, start, "", ctx.Err())
				return
			}
		}
	}

	p.deadLetter(ctx, job, lastErr)
}

// renderConfig applies Render to every templated config value using the
// job's whitelisted variable set, logging (not failing on) unknown
// placeholders.
func (p *Pool) renderConfig(enq eventprocessor.Enqueued) map[string]string {
	vars := TemplateVars(enq.Event, "")
	rendered := make(map[string]string, len(enq.Config)+1)
	for key, tpl := range enq.Config {
		result := Render(tpl, enq.Event.Registry, vars)
		rendered[key] = result.Text
		for _, w := range result.Warnings {
			p.logger.WithFields(map[string]interface{}{
				"trigger_id": enq.TriggerID,
				"action_id":  enq.ActionID,
				"field":      key,
			}).Warn(w)
		}
	}
	if tpl, ok := enq.Config["template"]; ok {
		rendered["rendered_text"] = Render(tpl, enq.Event.Registry, vars).Text
	}
	rendered["rendered_event_type"] = enq.Event.EventType
	return rendered
}

func (p *Pool) record(ctx context.Context, job action.Job, status action.Status, attempt int, start time.Time, summary string, err error) {
	result := action.Result{
		TriggerID:       job.TriggerID,
		ActionID:        job.ActionID,
		EventID:         job.EventID,
		Status:          status,
		AttemptCount:    attempt,
		DurationMS:      p.now().Sub(start).Milliseconds(),
		ResponseSummary: summary,
		Timestamp:       p.now(),
	}
	if err != nil {
		result.ErrorMessage = redactError(err)
	}
	if recErr := p.results.RecordResult(ctx, result); recErr != nil {
		p.logger.WithContext(ctx).WithError(recErr).Error("record action result failed")
	}
}

func (p *Pool) deadLetter(ctx context.Context, job action.Job, lastErr error) {
	p.record(ctx, job, action.StatusDeadLettered, job.AttemptCount, job.EnqueuedAt, "", lastErr)
	if err := p.results.UpsertDeadLetter(ctx, job, redactError(lastErr)); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("dead-letter write failed")
	}
}

// redactError strips nothing structurally but guards against nil; full
// secret redaction happens at the sender boundary (secrets.String never
// renders its value via Error()/String()).
func redactError(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
