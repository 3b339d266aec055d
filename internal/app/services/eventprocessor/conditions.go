package eventprocessor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chainreactor/backend/internal/app/domain/event"
	"github.com/chainreactor/backend/internal/app/domain/trigger"
)

// defaultEMAAlpha is used when a condition's config omits alpha.
const defaultEMAAlpha = 0.2

// evalResult is the outcome of one condition evaluation plus any state
// mutation it requires. Stateless conditions always return stateChanged=false.
type evalResult struct {
	pass         bool
	stateChanged bool
}

// evaluateCondition applies c against evt, reading and mutating st in place
// for stateful condition types. now is injected for deterministic tests.
func evaluateCondition(c trigger.Condition, evt event.Event, st *trigger.State, now time.Time) (evalResult, error) {
	switch c.ConditionType {
	case trigger.ConditionAgentIDEquals:
		return evalIntEquals(evt.AgentID, c.Value)
	case trigger.ConditionScoreThreshold:
		return evalIntCompare(evt.Score, c.Operator, c.Value)
	case trigger.ConditionTagEquals:
		return evalTagEquals(c, evt)
	case trigger.ConditionEventTypeEquals:
		return evalResult{pass: evt.EventType == c.Value}, nil
	case trigger.ConditionValidatorWhitelist:
		return evalValidatorWhitelist(evt.ValidatorAddress, c.Value)
	case trigger.ConditionFileURIExists:
		return evalResult{pass: evt.FileURI != nil && *evt.FileURI != ""}, nil
	case trigger.ConditionEMAThreshold:
		return evalEMAThreshold(c, evt, st, now)
	case trigger.ConditionRateLimit:
		return evalRateLimit(c, st, now)
	default:
		return evalResult{}, fmt.Errorf("unknown condition type %q", c.ConditionType)
	}
}

func evalIntEquals(field *int64, value string) (evalResult, error) {
	if field == nil {
		return evalResult{pass: false}, nil
	}
	want, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return evalResult{}, fmt.Errorf("parse condition value %q: %w", value, err)
	}
	return evalResult{pass: *field == want}, nil
}

func evalIntCompare(field *int, operator, value string) (evalResult, error) {
	if field == nil {
		return evalResult{pass: false}, nil
	}
	want, err := strconv.Atoi(value)
	if err != nil {
		return evalResult{}, fmt.Errorf("parse condition value %q: %w", value, err)
	}
	return evalResult{pass: compareInt(*field, operator, want)}, nil
}

func compareInt(got int, operator string, want int) bool {
	switch operator {
	case "<":
		return got < want
	case ">":
		return got > want
	case "<=":
		return got <= want
	case ">=":
		return got >= want
	case "=", "==":
		return got == want
	case "!=":
		return got != want
	default:
		return false
	}
}

func evalTagEquals(c trigger.Condition, evt event.Event) (evalResult, error) {
	var field *string
	switch c.Field {
	case "tag1":
		field = evt.Tag1
	case "tag2":
		field = evt.Tag2
	default:
		return evalResult{}, fmt.Errorf("tag_equals: unsupported field %q", c.Field)
	}
	if field == nil {
		return evalResult{pass: false}, nil
	}
	return evalResult{pass: *field == c.Value}, nil
}

func evalValidatorWhitelist(field *string, value string) (evalResult, error) {
	if field == nil {
		return evalResult{pass: false}, nil
	}
	var whitelist []string
	if err := json.Unmarshal([]byte(value), &whitelist); err != nil {
		return evalResult{}, fmt.Errorf("validator_whitelist: parse value as JSON array: %w", err)
	}
	got := strings.ToLower(*field)
	for _, addr := range whitelist {
		if strings.ToLower(addr) == got {
			return evalResult{pass: true}, nil
		}
	}
	return evalResult{pass: false}, nil
}

// evalEMAThreshold seeds the EMA on first observation with the raw score,
// then applies ema' = alpha*score + (1-alpha)*ema on every subsequent hit.
// The comparator is applied to the updated EMA, per spec.
func evalEMAThreshold(c trigger.Condition, evt event.Event, st *trigger.State, _ time.Time) (evalResult, error) {
	if evt.Score == nil {
		return evalResult{pass: false}, nil
	}
	alpha := defaultEMAAlpha
	if raw, ok := c.Config["alpha"]; ok && raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return evalResult{}, fmt.Errorf("ema_threshold: parse alpha %q: %w", raw, err)
		}
		if parsed > 0 && parsed <= 1 {
			alpha = parsed
		}
	}

	if st.EMA == nil {
		st.EMA = make(map[string]float64)
	}
	score := float64(*evt.Score)
	current, seeded := st.EMA[c.ID]
	if !seeded {
		current = score
	} else {
		current = alpha*score + (1-alpha)*current
	}
	st.EMA[c.ID] = current

	pass := compareFloat(current, c.Operator, c.Value)
	return evalResult{pass: pass, stateChanged: true}, nil
}

func compareFloat(got float64, operator, value string) bool {
	want, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return false
	}
	switch operator {
	case "<":
		return got < want
	case ">":
		return got > want
	case "<=":
		return got <= want
	case ">=":
		return got >= want
	case "=", "==":
		return got == want
	case "!=":
		return got != want
	default:
		return false
	}
}

// evalRateLimit evicts hits outside config.time_window, records this hit,
// then compares the remaining count against value using operator (normally
// ">"). When it passes and config.reset_on_trigger is true, the window
// clears so the next hit starts a fresh count.
func evalRateLimit(c trigger.Condition, st *trigger.State, now time.Time) (evalResult, error) {
	window, err := time.ParseDuration(c.Config["time_window"])
	if err != nil {
		return evalResult{}, fmt.Errorf("rate_limit: parse time_window %q: %w", c.Config["time_window"], err)
	}
	threshold, err := strconv.Atoi(c.Value)
	if err != nil {
		return evalResult{}, fmt.Errorf("rate_limit: parse value %q: %w", c.Value, err)
	}

	if st.RateLimit == nil {
		st.RateLimit = make(map[string]trigger.RateLimitBucket)
	}
	bucket := st.RateLimit[c.ID]

	cutoff := now.Add(-window).UnixNano()
	kept := bucket.Hits[:0]
	for _, ts := range bucket.Hits {
		if ts >= cutoff {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now.UnixNano())
	bucket.Hits = kept

	operator := c.Operator
	if operator == "" {
		operator = ">"
	}
	pass := compareInt(len(bucket.Hits), operator, threshold)

	if pass && strings.EqualFold(c.Config["reset_on_trigger"], "true") {
		bucket.Hits = nil
	}
	st.RateLimit[c.ID] = bucket

	return evalResult{pass: pass, stateChanged: true}, nil
}
