// Package authfabric is C5: it resolves an AuthContext for every request
// (anonymous, API key, or wallet session) and enforces the rate limit the
// resolved scope is entitled to before a handler ever runs.
package authfabric

import (
	"context"
	"time"
)

// Layer is the evidence tier that produced an AuthContext. Higher values
// take precedence (L2 > L1 > L0) when more than one is present.
type Layer int

const (
	LayerAnonymous Layer = iota
	LayerAPIKey
	LayerWallet
)

// ScopeKind selects what a rate-limit bucket is keyed on.
type ScopeKind string

const (
	ScopeIP    ScopeKind = "ip"
	ScopeOrg   ScopeKind = "org"
	ScopeAgent ScopeKind = "agent"
)

// AuthContext is attached to every request's context after the auth
// extraction stage of the middleware chain runs.
type AuthContext struct {
	Layer          Layer
	OrganizationID string
	AgentID        *int64
	KeyID          string
	KeyType        string // standard|restricted|admin, empty outside L1
	Plan           string // anonymous|free|starter|pro|enterprise
	RateLimitOverride *int
	ScopeKind      ScopeKind
	ScopeKey       string
	ClientIP       string
	QueryTier      int
}

// MaxTier returns the highest query tier this layer may use per §4.5's
// table (L0: 0-1, L1/L2: 0-3, L2 additionally allows agent operations).
func (a AuthContext) MaxTier() int {
	if a.Layer == LayerAnonymous {
		return 1
	}
	return 3
}

type ctxKey int

const authContextKey ctxKey = iota

// WithAuthContext attaches a to ctx.
func WithAuthContext(ctx context.Context, a AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, a)
}

// FromContext retrieves the AuthContext attached by the auth-extraction
// middleware. The zero value (anonymous, no scope) is returned if absent.
func FromContext(ctx context.Context) AuthContext {
	a, _ := ctx.Value(authContextKey).(AuthContext)
	return a
}

// planBaseLimits is the hourly request budget per plan (spec §4.5).
var planBaseLimits = map[string]int{
	"anonymous":  10,
	"free":       50,
	"starter":    100,
	"pro":        500,
	"enterprise": 2000,
}

// BaseLimit returns the hourly limit for plan, falling back to the
// anonymous tier for an unrecognized value.
func BaseLimit(plan string) int {
	if limit, ok := planBaseLimits[plan]; ok {
		return limit
	}
	return planBaseLimits["anonymous"]
}

// tierCostMultipliers is the per-query-tier cost multiplier (spec §4.5).
var tierCostMultipliers = map[int]int{0: 1, 1: 2, 2: 5, 3: 10}

// TierCost returns the cost multiplier for tier, defaulting to tier 0's
// multiplier for an unrecognized value.
func TierCost(tier int) int {
	if cost, ok := tierCostMultipliers[tier]; ok {
		return cost
	}
	return tierCostMultipliers[0]
}

// RateLimitWindow is the fixed bucket width every scope shares.
const RateLimitWindow = time.Hour
