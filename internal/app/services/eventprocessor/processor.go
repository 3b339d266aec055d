// Package eventprocessor is C2: it subscribes to newly inserted events,
// loads the triggers registered for that (chain, registry) pair, evaluates
// their AND-combined conditions, and enqueues one job per passing action.
package eventprocessor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/chainreactor/backend/internal/app/domain/event"
	"github.com/chainreactor/backend/internal/app/domain/trigger"
	"github.com/chainreactor/backend/internal/app/storage"
	"github.com/chainreactor/backend/infrastructure/logging"
	"github.com/chainreactor/backend/pkg/pgnotify"
)

// Queue is the outbound boundary to C3: one job per (ordered) passing action.
type Queue interface {
	Enqueue(ctx context.Context, actionType trigger.ActionType, job Enqueued) error
}

// Enqueued is the template-rendering input handed to C3 for one action.
type Enqueued struct {
	TriggerID  string
	ActionID   string
	EventID    string
	ActionType trigger.ActionType
	Config     map[string]string
	Event      event.Event
}

// NotificationChannel is the pg_notify channel C1 publishes new-event
// notifications on (§6.1's well-known "new_event" channel); the processor
// never trusts the notification payload for anything beyond the event id,
// always re-fetching the authoritative row.
const NotificationChannel = "new_event"

// metadataUpdatedEventType is the identity-registry event C3's cached
// agent-endpoint resolution must invalidate on.
const metadataUpdatedEventType = "metadata_updated"

// EndpointInvalidator is implemented by actionworkers.MCPSender; wiring it
// here lets C2 drop a stale cached MCP endpoint as soon as the identity
// registry reports a metadata change, instead of waiting for the cache's
// next miss.
type EndpointInvalidator interface {
	InvalidateEndpoint(chainID, agentID int64)
}

// Processor wires the keyed per-trigger lock, store access, and downstream
// queue together into the C2 evaluate-and-dispatch loop.
type Processor struct {
	events              storage.EventStore
	triggers            storage.TriggerStore
	queue               Queue
	logger              *logging.Logger
	locks               *keyedLock
	now                 func() time.Time
	endpointInvalidator EndpointInvalidator
}

// New builds a Processor ready to Subscribe or HandleNotification directly.
func New(events storage.EventStore, triggers storage.TriggerStore, queue Queue, logger *logging.Logger) *Processor {
	if logger == nil {
		logger = logging.New("eventprocessor", "info", "json")
	}
	return &Processor{
		events:   events,
		triggers: triggers,
		queue:    queue,
		logger:   logger,
		locks:    newKeyedLock(),
		now:      time.Now,
	}
}

// SetEndpointInvalidator wires the MCP sender's endpoint cache so metadata-
// update events evict it. Optional; a nil invalidator simply skips the
// eviction step.
func (p *Processor) SetEndpointInvalidator(inv EndpointInvalidator) {
	p.endpointInvalidator = inv
}

// Subscribe registers the processor as a pg_notify handler for new events.
func (p *Processor) Subscribe(bus *pgnotify.Bus) error {
	return bus.Subscribe(NotificationChannel, func(ctx context.Context, ev pgnotify.Event) error {
		var n event.Notification
		if err := json.Unmarshal(ev.Payload, &n); err != nil {
			return fmt.Errorf("decode event notification: %w", err)
		}
		return p.HandleNotification(ctx, n)
	})
}

// HandleNotification re-fetches the event by id, loads matching triggers,
// evaluates each independently (a failure on one never blocks the others),
// and advances the checkpoint once all evaluations have been attempted.
func (p *Processor) HandleNotification(ctx context.Context, n event.Notification) error {
	evt, err := p.events.GetEvent(ctx, n.EventID)
	if err != nil {
		return fmt.Errorf("fetch event %s: %w", n.EventID, err)
	}

	if p.endpointInvalidator != nil && evt.Registry == event.RegistryIdentity && evt.EventType == metadataUpdatedEventType && evt.AgentID != nil {
		p.endpointInvalidator.InvalidateEndpoint(evt.ChainID, *evt.AgentID)
	}

	bundles, err := p.triggers.LoadMatching(ctx, evt.ChainID, evt.Registry)
	if err != nil {
		return fmt.Errorf("load matching triggers: %w", err)
	}

	for _, bundle := range bundles {
		if !bundle.Trigger.Enabled {
			continue
		}
		if err := p.evaluateTrigger(ctx, bundle, evt); err != nil {
			p.logger.WithContext(ctx).WithFields(map[string]interface{}{
				"trigger_id": bundle.Trigger.ID,
				"event_id":   evt.ID,
			}).WithError(err).Warn("trigger evaluation failed, state left unchanged")
		}
	}

	return p.events.AdvanceCheckpoint(ctx, evt.ChainID, evt.Registry, evt.BlockNumber)
}

// evaluateTrigger serializes all evaluation of one trigger behind a keyed
// lock so stateful conditions (EMA, rate_limit) see a consistent sequence.
func (p *Processor) evaluateTrigger(ctx context.Context, bundle trigger.Bundle, evt event.Event) error {
	unlock := p.locks.Lock(bundle.Trigger.ID)
	defer unlock()

	st, err := p.triggers.GetState(ctx, bundle.Trigger.ID)
	if err != nil {
		return fmt.Errorf("load trigger state: %w", err)
	}
	working := st.Clone()

	now := p.now()
	stateChanged := false
	for _, cond := range bundle.Conditions {
		res, err := evaluateCondition(cond, evt, &working, now)
		if err != nil {
			return fmt.Errorf("condition %s: %w", cond.ID, err)
		}
		if res.stateChanged {
			stateChanged = true
		}
		if !res.pass {
			if stateChanged {
				if err := p.triggers.UpdateState(ctx, bundle.Trigger.ID, working, st.Version); err != nil && err != storage.ErrVersionConflict {
					return fmt.Errorf("persist state after non-match: %w", err)
				}
			}
			return nil
		}
	}

	if stateChanged {
		if err := p.triggers.UpdateState(ctx, bundle.Trigger.ID, working, st.Version); err != nil {
			return fmt.Errorf("persist state: %w", err)
		}
	}

	return p.dispatch(ctx, bundle, evt)
}

// dispatch enumerates actions ordered by (priority ASC, id ASC) and enqueues
// one job per action. Ordering across unrelated jobs is not preserved once
// they land on their action-type queues.
func (p *Processor) dispatch(ctx context.Context, bundle trigger.Bundle, evt event.Event) error {
	actions := make([]trigger.Action, len(bundle.Actions))
	copy(actions, bundle.Actions)
	sort.Slice(actions, func(i, j int) bool {
		if actions[i].Priority != actions[j].Priority {
			return actions[i].Priority < actions[j].Priority
		}
		return actions[i].ID < actions[j].ID
	})

	for _, a := range actions {
		job := Enqueued{
			TriggerID:  bundle.Trigger.ID,
			ActionID:   a.ID,
			EventID:    evt.ID,
			ActionType: a.ActionType,
			Config:     a.Config,
			Event:      evt,
		}
		if err := p.queue.Enqueue(ctx, a.ActionType, job); err != nil {
			p.logger.WithContext(ctx).WithFields(map[string]interface{}{
				"trigger_id": bundle.Trigger.ID,
				"action_id":  a.ID,
			}).WithError(err).Error("enqueue action failed")
		}
	}
	return nil
}
