// Package action defines the action-worker job envelope and the terminal
// result record every dispatch attempt produces.
package action

import (
	"time"

	"github.com/chainreactor/backend/internal/app/domain/trigger"
)

// Status is the terminal outcome of one dispatch attempt sequence.
type Status string

const (
	StatusSuccess          Status = "success"
	StatusRetryableFailure Status = "retryable_failure"
	StatusPermanentFailure Status = "permanent_failure"
	StatusDeadLettered     Status = "dead_lettered"
)

// Job is one enqueued unit of work for an action-type queue. Jobs carry a TTL
// (default 1h) measured from EnqueuedAt; see Expired. The action worker sets
// EnqueuedAt when it takes a job off its queue, so time spent waiting in the
// queue does not count toward the TTL.
type Job struct {
	JobID              string
	TriggerID          string
	ActionID           string
	EventID            string
	ActionType         trigger.ActionType
	RenderedTemplateVars map[string]string
	EnqueuedAt         time.Time
	AttemptCount       int
}

// Expired reports whether the job has outlived ttl measured from EnqueuedAt.
func (j Job) Expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(j.EnqueuedAt) > ttl
}

// Result is the per-dispatch outcome record persisted after every terminal
// attempt, independent of whether it ultimately succeeded.
type Result struct {
	TriggerID       string
	ActionID        string
	EventID         string
	Status          Status
	AttemptCount    int
	DurationMS      int64
	ResponseSummary string
	ErrorMessage    string
	Timestamp       time.Time
}

// DefaultTTL is the default job lifetime before it is discarded unexecuted.
const DefaultTTL = time.Hour
