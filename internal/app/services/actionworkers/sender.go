package actionworkers

import (
	"context"

	"github.com/chainreactor/backend/internal/app/domain/event"
)

// Outcome is the classified result of one dispatch attempt.
type Outcome struct {
	Success         bool
	Retryable       bool
	ResponseSummary string
	Err             error
}

// Sender executes one rendered action against its destination. Destination
// identifies the (action_type, destination) circuit-breaker and per-
// destination rate-limit scope, e.g. a chat id or a target URL host.
type Sender interface {
	Destination(config map[string]string) string
	Send(ctx context.Context, config map[string]string, evt event.Event) Outcome
}

// classifyHTTPStatus applies §4.3's status classification: 2xx success,
// 4xx (other than 429) permanent, 429/5xx/timeout retryable.
func classifyHTTPStatus(status int) (success, retryable bool) {
	switch {
	case status >= 200 && status < 300:
		return true, false
	case status == 429:
		return false, true
	case status >= 400 && status < 500:
		return false, false
	default:
		return false, true
	}
}
