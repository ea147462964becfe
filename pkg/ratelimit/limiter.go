package ratelimit

import (
	"context"

	"github.com/chris-alexander-pop/ratelimit-core/pkg/errors"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/logger"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/backend"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/backend/multi"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/circuit"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/clock"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/health"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/keyfp"
)

// Options configures a Limiter.
type Options struct {
	// Clock defaults to the real wall clock; tests substitute clock.NewMock.
	Clock clock.Clock

	// KeyRegistry resolves named selectors on a Policy.Key. May be nil if
	// no policy uses Selectors.
	KeyRegistry *keyfp.Registry

	// Breaker guards calls to Backend as a whole (on top of whatever
	// per-child breaking a multi backend already does internally), so a
	// backend stuck failing doesn't get hammered by every Check call.
	Breaker circuit.Options

	// HealthCheck configures the background probe loop against Backend
	// that Health() reports on. The loop runs only when EnableHealthCheck
	// is true; zero fields in HealthCheck take the health package defaults.
	HealthCheck health.Config
	EnableHealthCheck bool
}

// Limiter is the facade every caller goes through: it derives a key, runs
// the policy's algorithm against a backend through a circuit breaker, and
// falls back to the policy's configured fail-open/fail-closed behavior on
// backend trouble.
type Limiter struct {
	be      backend.Backend
	clk     clock.Clock
	keyReg  *keyfp.Registry
	breaker *circuit.Breaker
	monitor *health.Monitor
}

// New constructs a Limiter over a single backend (which may itself be a
// multi.Backend composing several).
func New(be backend.Backend, opts Options) *Limiter {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	l := &Limiter{
		be:      be,
		clk:     clk,
		keyReg:  opts.KeyRegistry,
		breaker: circuit.New(be.Name(), opts.Breaker),
	}

	if opts.EnableHealthCheck {
		l.monitor = health.New([]health.Target{{Name: be.Name(), Backend: be, Breaker: l.breaker}}, opts.HealthCheck)
		l.monitor.Start(context.Background())
	}

	return l
}

// Check evaluates policy for the caller identified by ctx, returning the
// admission decision. Check never returns an error for an admission
// decision made under a degraded backend: FailOpen/FailClosed on the
// policy decides the outcome and the error is logged, not propagated. It
// does return an error for a malformed Policy.
func (l *Limiter) Check(ctx context.Context, policy Policy) (Decision, error) {
	if policy.Skip != nil && policy.Skip(ctx) {
		return decisionForSkip(), nil
	}

	if err := policy.Validate(); err != nil {
		return Decision{}, err
	}

	key := keyfp.Fingerprint(ctx, policy.Key, l.keyReg)

	if err := l.breaker.Allow(); err != nil {
		logger.L().WarnContext(ctx, "rate limit backend circuit open, applying fallback", "policy", policy.Name)
		return decisionForFail(policy, l.clk.Now()), nil
	}

	d, err := l.dispatch(ctx, key, policy)
	if err != nil {
		weight := circuit.WeightTransient
		if backend.IsFatal(err) {
			weight = circuit.WeightFatal
		}
		l.breaker.Failure(weight)
		logger.L().WarnContext(ctx, "rate limit backend call failed, applying fallback", "policy", policy.Name, "error", err)
		return decisionForFail(policy, l.clk.Now()), nil
	}

	l.breaker.Success()
	return d, nil
}

func (l *Limiter) dispatch(ctx context.Context, key string, policy Policy) (Decision, error) {
	switch policy.Algorithm {
	case Fixed:
		return runFixed(ctx, l.be, l.clk, key, policy)
	case Sliding:
		return runSliding(ctx, l.be, l.clk, key, policy)
	case TokenBucket:
		return runTokenBucket(ctx, l.be, l.clk, key, policy)
	default:
		return Decision{}, errors.InvalidArgument("unknown algorithm", nil)
	}
}

// Reset clears all rate-limit state for the caller identified by ctx under
// policy.
func (l *Limiter) Reset(ctx context.Context, policy Policy) error {
	key := keyfp.Fingerprint(ctx, policy.Key, l.keyReg)
	return l.be.Reset(ctx, key)
}

// Health reports the current reachability of the underlying backend(s). If
// the backend is a multi.Backend, this is the finer-grained per-child view;
// otherwise it's a single entry: the health monitor's last result when
// health checking is enabled, else the top-level circuit breaker's state.
func (l *Limiter) Health() map[string]health.Status {
	if mb, ok := l.be.(*multi.Backend); ok {
		children := mb.Health()
		out := make(map[string]health.Status, len(children))
		for name, state := range children {
			out[name] = health.StatusForState(state)
		}
		return out
	}
	if l.monitor != nil {
		return l.monitor.Statuses()
	}
	return map[string]health.Status{l.be.Name(): health.StatusForState(l.breaker.State())}
}

// Close releases the limiter's background resources (health monitor) and
// the underlying backend.
func (l *Limiter) Close() error {
	if l.monitor != nil {
		l.monitor.Stop()
	}
	return l.be.Close()
}
