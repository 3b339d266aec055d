package actionworkers

import (
	"context"
	"fmt"
	"sync"

	"github.com/chainreactor/backend/internal/app/domain/trigger"
	"github.com/chainreactor/backend/internal/app/services/eventprocessor"
)

// queueDepth bounds each action-type channel; when a queue is full, Enqueue
// returns an error at once rather than blocking or growing the queue.
const queueDepth = 1000

// Queue is the in-process, per-action-type channel fan-out C2 enqueues onto
// and the Worker pool consumes from. It satisfies eventprocessor.Queue.
type Queue struct {
	mu       sync.RWMutex
	channels map[trigger.ActionType]chan eventprocessor.Enqueued
}

// NewQueue creates one bounded channel per action type.
func NewQueue() *Queue {
	return &Queue{
		channels: map[trigger.ActionType]chan eventprocessor.Enqueued{
			trigger.ActionTelegram: make(chan eventprocessor.Enqueued, queueDepth),
			trigger.ActionREST:     make(chan eventprocessor.Enqueued, queueDepth),
			trigger.ActionMCP:      make(chan eventprocessor.Enqueued, queueDepth),
		},
	}
}

// Enqueue implements eventprocessor.Queue.
func (q *Queue) Enqueue(ctx context.Context, actionType trigger.ActionType, job eventprocessor.Enqueued) error {
	q.mu.RLock()
	ch, ok := q.channels[actionType]
	q.mu.RUnlock()
	if !ok {
		return fmt.Errorf("queue: unknown action type %q", actionType)
	}
	select {
	case ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("queue: %s queue is full", actionType)
	}
}

// Channel exposes the channel for actionType so a Worker can consume it.
func (q *Queue) Channel(actionType trigger.ActionType) <-chan eventprocessor.Enqueued {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.channels[actionType]
}
