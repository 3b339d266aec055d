package authfabric

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
)

// tierPathPattern matches a /…/tierN/… path segment.
var tierPathPattern = regexp.MustCompile(`/tier(\d+)(?:/|$)`)

type tierCtxKey int

const queryTierKey tierCtxKey = iota

// ExtractTier reads the query tier from the URL path (".../tierN/...") or a
// "tier" query parameter, defaulting to 0 when neither is present or the
// value doesn't parse.
func ExtractTier(r *http.Request) int {
	if m := tierPathPattern.FindStringSubmatch(r.URL.Path); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	if raw := r.URL.Query().Get("tier"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return 0
}

// TierMiddleware attaches the request's query tier to its context, ahead of
// auth extraction (chain order per §4.5).
func TierMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tier := ExtractTier(r)
		ctx := context.WithValue(r.Context(), queryTierKey, tier)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TierFromContext returns the tier TierMiddleware attached, or 0.
func TierFromContext(ctx context.Context) int {
	t, _ := ctx.Value(queryTierKey).(int)
	return t
}
