package actionworkers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Fewer than breakerWindow outcomes never trips the breaker, regardless of
// failure ratio.
func TestDestinationBreaker_StaysClosedBelowWindowSize(t *testing.T) {
	b := newDestinationBreaker()
	for i := 0; i < breakerWindow-1; i++ {
		require.True(t, b.Allow())
		b.RecordOutcome(false)
	}
	assert.Equal(t, breakerClosed, b.State())
	assert.True(t, b.Allow())
}

// A failure ratio over breakerThreshold within the last breakerWindow
// attempts opens the breaker and refuses further calls until cooldown (S6).
func TestDestinationBreaker_OpensAboveFailureRatio(t *testing.T) {
	b := newDestinationBreaker()
	failures := int(breakerThreshold*float64(breakerWindow)) + 1
	for i := 0; i < breakerWindow; i++ {
		b.RecordOutcome(i >= failures)
	}
	assert.Equal(t, breakerOpen, b.State())
	assert.False(t, b.Allow())
}

// Once the cooldown elapses, Allow transitions to half-open and lets exactly
// one probe through; a concurrent second caller during the same half-open
// window is refused.
func TestDestinationBreaker_HalfOpenAllowsSingleProbe(t *testing.T) {
	b := newDestinationBreaker()
	b.state = breakerOpen
	b.openedAt = time.Now().Add(-breakerCooldown - time.Second)

	assert.True(t, b.Allow())
	assert.Equal(t, breakerHalfOpen, b.State())
	assert.False(t, b.Allow(), "a second caller during the same half-open window must be refused")
}

// A successful half-open probe closes the breaker and clears its history
// (S6 recovery).
func TestDestinationBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := newDestinationBreaker()
	b.state = breakerHalfOpen
	b.halfOpenUse = true

	b.RecordOutcome(true)
	assert.Equal(t, breakerClosed, b.State())
	assert.Empty(t, b.outcomes)
	assert.True(t, b.Allow())
}

// A failed half-open probe re-opens the breaker immediately.
func TestDestinationBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := newDestinationBreaker()
	b.state = breakerHalfOpen
	b.halfOpenUse = true

	b.RecordOutcome(false)
	assert.Equal(t, breakerOpen, b.State())
	assert.False(t, b.Allow())
}

// The registry hands out one breaker per key, lazily, and the same key
// always returns the same instance.
func TestBreakerRegistry_OneBreakerPerKey(t *testing.T) {
	r := newBreakerRegistry()
	a1 := r.Get("rest:https://a.example.com")
	a2 := r.Get("rest:https://a.example.com")
	b1 := r.Get("telegram:chat-1")

	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, b1)
}
