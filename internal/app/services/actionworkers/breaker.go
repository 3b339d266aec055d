package actionworkers

import (
	"sync"
	"time"
)

// breakerState mirrors infrastructure/resilience's three-state model, but
// trip decisions are a rolling failure RATIO over the last N attempts
// rather than a consecutive-failure count — sony/gobreaker's cumulative
// Counts reset on each state transition and cannot express "last N attempts"
// directly, so this is a small dedicated ring buffer instead of a
// resilience.CircuitBreaker wrapper.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

const (
	breakerWindow    = 20
	breakerThreshold = 0.8
	breakerCooldown  = 60 * time.Second
)

// destinationBreaker is one (action_type, destination) circuit breaker.
type destinationBreaker struct {
	mu          sync.Mutex
	state       breakerState
	outcomes    []bool // ring buffer, true = success
	openedAt    time.Time
	halfOpenUse bool
}

func newDestinationBreaker() *destinationBreaker {
	return &destinationBreaker{outcomes: make([]bool, 0, breakerWindow)}
}

// Allow reports whether a dispatch may proceed. When the breaker is open and
// the cooldown has elapsed, it transitions to half-open and allows exactly
// one probe through; concurrent callers during that window are refused.
func (b *destinationBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if time.Since(b.openedAt) < breakerCooldown {
			return false
		}
		b.state = breakerHalfOpen
		b.halfOpenUse = true
		return true
	case breakerHalfOpen:
		if b.halfOpenUse {
			return false
		}
		b.halfOpenUse = true
		return true
	default:
		return true
	}
}

// RecordOutcome feeds one dispatch result back into the breaker. In
// half-open state, a single success closes the breaker and clears history;
// a failure re-opens it immediately.
func (b *destinationBreaker) RecordOutcome(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		if success {
			b.state = breakerClosed
			b.outcomes = b.outcomes[:0]
		} else {
			b.state = breakerOpen
			b.openedAt = time.Now()
			b.outcomes = b.outcomes[:0]
		}
		return
	}

	if len(b.outcomes) >= breakerWindow {
		b.outcomes = b.outcomes[1:]
	}
	b.outcomes = append(b.outcomes, success)

	if len(b.outcomes) < breakerWindow {
		return
	}
	failures := 0
	for _, ok := range b.outcomes {
		if !ok {
			failures++
		}
	}
	if float64(failures)/float64(len(b.outcomes)) > breakerThreshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}

func (b *destinationBreaker) State() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// breakerRegistry hands out one destinationBreaker per (action_type,
// destination) key, created lazily.
type breakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*destinationBreaker
}

func newBreakerRegistry() *breakerRegistry {
	return &breakerRegistry{breakers: make(map[string]*destinationBreaker)}
}

func (r *breakerRegistry) Get(key string) *destinationBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = newDestinationBreaker()
		r.breakers[key] = b
	}
	return b
}
