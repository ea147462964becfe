// Package middleware adapts a ratelimit.Limiter into a net/http handler
// wrapper: header population plus a policy-driven allow/deny decision.
// IP extraction and the X-RateLimit-* headers follow the same shape as
// this codebase's other HTTP middleware, but the allow/deny decision is
// driven off the Policy itself (including its own FailOpen/FailClosed
// choice) rather than hardcoding fail-open on every backend error.
package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/chris-alexander-pop/ratelimit-core/pkg/logger"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit"
)

type requestContextKey struct{}

// RemoteAddrKey is a ready-made key source: the caller's IP with any port
// stripped, falling back to the raw RemoteAddr if it can't be split. It
// reads the *http.Request that New stashes in ctx.
func RemoteAddrKey(ctx context.Context) string {
	r, ok := ctx.Value(requestContextKey{}).(*http.Request)
	if !ok {
		return ""
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// WithIPKey returns a copy of policy whose Key fingerprints the caller's
// remote address, the common per-client-IP case.
func WithIPKey(policy ratelimit.Policy) ratelimit.Policy {
	policy.Key.Func = RemoteAddrKey
	return policy
}

// New wraps limiter and policy into an http.Handler middleware. The
// request is stashed in context so a Policy.Key.Func built from this
// package (e.g. WithIPKey) or a custom one can inspect it.
func New(limiter *ratelimit.Limiter, policy ratelimit.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), requestContextKey{}, r)
			decision, err := limiter.Check(ctx, policy)
			if err != nil {
				// Only a malformed Policy reaches here; a backend failure is
				// already resolved into FAIL_OPEN/FAIL_CLOSED by Check.
				logger.L().ErrorContext(r.Context(), "rate limit policy invalid, allowing request", "policy", policy.Name, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", decision.ResetAt.Unix()))
			if !decision.Allowed {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", decision.RetryAfterSec))
			}

			if !decision.Allowed {
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
