package authfabric

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/chainreactor/backend/infrastructure/httputil"
	"github.com/chainreactor/backend/infrastructure/logging"
)

// Mode selects the behavior of the rate-limit middleware when a request
// exceeds its budget.
type Mode string

const (
	// ModeShadow lets the request proceed and marks the response
	// shadow-violation, used while rolling out new limits.
	ModeShadow Mode = "shadow"
	// ModeEnforcing rejects over-budget requests with a 429-equivalent.
	ModeEnforcing Mode = "enforcing"
)

// Fabric bundles the pieces C5 wires into the HTTP middleware chain:
// rate limiting and auth extraction. Both the rate-limit peek and the full
// auth-extraction step share a Resolver so plan/scope logic lives in one
// place.
type Fabric struct {
	limiter  *Limiter
	resolver *Resolver
	proxies  TrustedProxies
	mode     Mode
	logger   *logging.Logger
}

// NewFabric builds a Fabric. mode governs exceed behavior process-wide.
func NewFabric(limiter *Limiter, resolver *Resolver, proxies TrustedProxies, mode Mode, logger *logging.Logger) *Fabric {
	if logger == nil {
		logger = logging.New("authfabric", "info", "json")
	}
	if mode == "" {
		mode = ModeEnforcing
	}
	return &Fabric{limiter: limiter, resolver: resolver, proxies: proxies, mode: mode, logger: logger}
}

// RateLimit is applied before tier/auth extraction formally attach to the
// request context; it performs its own lightweight tier read and an
// IP-only scope guess (refined later by AuthExtraction for audit purposes
// only, per §4.5's two-phase scope note) so that anonymous traffic is
// throttled before any per-credential work runs.
func (f *Fabric) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		tier := ExtractTier(r)
		cost := TierCost(tier)

		clientIP := f.proxies.ClientIP(r)
		scopeKey := fmt.Sprintf("ip:%s", clientIP)
		limit := BaseLimit("anonymous")

		if raw := apiKeyFromRequest(r); raw != "" {
			if prefix, ok := ExtractPrefix(raw); ok {
				scopeKey = fmt.Sprintf("key:%s", prefix)
				if peeked, found := f.resolver.PeekKeyLimit(ctx, prefix); found {
					limit = peeked
				}
			}
		}

		decision := f.limiter.Check(ctx, scopeKey, limit, cost)
		writeRateLimitHeaders(w, decision)

		if !decision.Allowed {
			if f.mode == ModeShadow {
				w.Header().Set("X-RateLimit-Status", "shadow-violation")
				next.ServeHTTP(w, r)
				return
			}
			retryAfter := decision.ResetUnix - time.Now().Unix()
			if retryAfter < 0 {
				retryAfter = 0
			}
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			httputil.WriteErrorResponse(w, r, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED",
				"rate limit exceeded", map[string]interface{}{"limit": decision.Limit, "window_seconds": int(decision.Window.Seconds())})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// AuthExtraction resolves the full AuthContext (API key verification,
// wallet session, or anonymous) and attaches it to the request context for
// handlers. It runs after RateLimit so anonymous abuse is already throttled
// before this does per-credential Argon2id work.
func (f *Fabric) AuthExtraction(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := f.resolver.Resolve(r.Context(), r)
		authCtx.QueryTier = TierFromContext(r.Context())
		ctx := WithAuthContext(r.Context(), authCtx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeRateLimitHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetUnix, 10))
	w.Header().Set("X-RateLimit-Window", strconv.Itoa(int(d.Window.Seconds())))
	if d.Degraded {
		w.Header().Set("X-RateLimit-Status", "degraded")
	}
}

// RequireTier rejects requests whose auth context cannot use the tier
// extracted for this request, e.g. an anonymous caller hitting a tier-2
// endpoint. Handlers mount this per-route, not in the global chain.
func RequireTier(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := FromContext(r.Context())
		if authCtx.QueryTier > authCtx.MaxTier() {
			httputil.WriteErrorResponse(w, r, http.StatusForbidden, "TIER_NOT_ALLOWED",
				"this auth layer may not use the requested query tier", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
