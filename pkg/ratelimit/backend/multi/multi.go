// Package multi composes several backends into one health-aware backend,
// failing over from a primary (e.g. remote/Redis) to a fallback (e.g.
// in-process memory).
//
// The per-call circuit breaking and span/error-propagation pattern follows
// this codebase's instrumented-decorator idiom elsewhere: wrap a call,
// record the error on both the span and a health mechanism, then decide
// what the caller sees. The ordered-failover mechanics are specific to
// this domain and built fresh here, in that same wrapping idiom.
package multi

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chris-alexander-pop/ratelimit-core/pkg/logger"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/backend"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/circuit"
)

var tracer = otel.Tracer("ratelimit/backend/multi")

// Strategy selects which child backend to try first on each call.
type Strategy int

const (
	// FirstHealthy always tries children in the configured order, skipping
	// any whose circuit is open.
	FirstHealthy Strategy = iota
	// RoundRobin rotates the starting child on each call across all
	// children; a child whose circuit is open is skipped in favor of the
	// next one in that rotated order.
	RoundRobin
)

// Config configures a Backend.
type Config struct {
	Strategy      Strategy
	BreakerOpts   circuit.Options
}

type child struct {
	backend backend.Backend
	breaker *circuit.Breaker
}

// Backend tries each configured child backend in turn, skipping ones whose
// circuit breaker is open, and feeds every call's outcome back into that
// child's breaker.
type Backend struct {
	name     string
	children []*child
	config   Config
	rrCursor uint64
}

// New constructs a multi Backend named name over an ordered list of child
// backends. The first child is the primary; subsequent ones are fallbacks.
func New(name string, children []backend.Backend, cfg Config) *Backend {
	wrapped := make([]*child, len(children))
	for i, c := range children {
		wrapped[i] = &child{
			backend: c,
			breaker: circuit.New(c.Name(), cfg.BreakerOpts),
		}
	}
	return &Backend{name: name, children: wrapped, config: cfg}
}

func (b *Backend) Name() string { return b.name }

// order returns the child indices to try, in the order they should be
// attempted for this call.
func (b *Backend) order() []int {
	n := len(b.children)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	if b.config.Strategy == RoundRobin && n > 0 {
		start := int(atomic.AddUint64(&b.rrCursor, 1)-1) % n
		idx = append(idx[start:], idx[:start]...)
	}
	return idx
}

// Health reports the current circuit state of every child backend, by
// name, for the facade's Health() introspection.
func (b *Backend) Health() map[string]circuit.State {
	out := make(map[string]circuit.State, len(b.children))
	for _, c := range b.children {
		out[c.backend.Name()] = c.breaker.State()
	}
	return out
}

func (b *Backend) IncrFixed(ctx context.Context, key string, period time.Duration, alignedStart time.Time) (int64, time.Time, error) {
	ctx, span := tracer.Start(ctx, "multi.IncrFixed")
	defer span.End()

	var lastErr error
	for _, i := range b.order() {
		c := b.children[i]
		if err := c.breaker.Allow(); err != nil {
			lastErr = err
			continue
		}
		count, resetAt, err := c.backend.IncrFixed(ctx, key, period, alignedStart)
		if b.record(span, c, err) {
			return count, resetAt, nil
		}
		lastErr = err
	}
	return 0, time.Time{}, failAll(span, lastErr)
}

func (b *Backend) CheckSliding(ctx context.Context, key string, period time.Duration, limit int64, nowMs int64) (int64, time.Time, bool, error) {
	ctx, span := tracer.Start(ctx, "multi.CheckSliding")
	defer span.End()

	var lastErr error
	for _, i := range b.order() {
		c := b.children[i]
		if err := c.breaker.Allow(); err != nil {
			lastErr = err
			continue
		}
		count, resetAt, admitted, err := c.backend.CheckSliding(ctx, key, period, limit, nowMs)
		if b.record(span, c, err) {
			return count, resetAt, admitted, nil
		}
		lastErr = err
	}
	return 0, time.Time{}, false, failAll(span, lastErr)
}

func (b *Backend) CheckBucket(ctx context.Context, key string, capacity int64, refillRate float64, nowMs int64, cost int64) (float64, time.Time, bool, error) {
	ctx, span := tracer.Start(ctx, "multi.CheckBucket")
	defer span.End()

	var lastErr error
	for _, i := range b.order() {
		c := b.children[i]
		if err := c.breaker.Allow(); err != nil {
			lastErr = err
			continue
		}
		tokens, resetAt, admitted, err := c.backend.CheckBucket(ctx, key, capacity, refillRate, nowMs, cost)
		if b.record(span, c, err) {
			return tokens, resetAt, admitted, nil
		}
		lastErr = err
	}
	return 0, time.Time{}, false, failAll(span, lastErr)
}

func (b *Backend) Peek(ctx context.Context, key string, algo backend.Algo) (float64, time.Time, error) {
	ctx, span := tracer.Start(ctx, "multi.Peek")
	defer span.End()

	var lastErr error
	for _, i := range b.order() {
		c := b.children[i]
		if err := c.breaker.Allow(); err != nil {
			lastErr = err
			continue
		}
		val, resetAt, err := c.backend.Peek(ctx, key, algo)
		if b.record(span, c, err) {
			return val, resetAt, nil
		}
		lastErr = err
	}
	return 0, time.Time{}, failAll(span, lastErr)
}

func (b *Backend) Reset(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "multi.Reset")
	defer span.End()

	// Reset is best-effort-broadcast: clear the key on every reachable
	// child so a stale count on a currently-unhealthy backend doesn't
	// resurface once it recovers.
	var lastErr error
	attempted := false
	for _, c := range b.children {
		if err := c.breaker.Allow(); err != nil {
			continue
		}
		attempted = true
		err := c.backend.Reset(ctx, key)
		b.record(span, c, err)
		if err != nil {
			lastErr = err
		}
	}
	if !attempted {
		return failAll(span, lastErr)
	}
	return nil
}

func (b *Backend) Probe(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "multi.Probe")
	defer span.End()

	var lastErr error
	for _, c := range b.children {
		err := c.backend.Probe(ctx)
		b.record(span, c, err)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return failAll(span, lastErr)
}

func (b *Backend) Close() error {
	var firstErr error
	for _, c := range b.children {
		if err := c.backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// record feeds a call's outcome into the child's breaker and the trace
// span, returning true iff the call succeeded and the caller should use
// its result.
func (b *Backend) record(span trace.Span, c *child, err error) bool {
	if err == nil {
		c.breaker.Success()
		return true
	}

	weight := circuit.WeightTransient
	if backend.IsFatal(err) {
		weight = circuit.WeightFatal
	}
	c.breaker.Failure(weight)

	span.AddEvent("backend call failed", trace.WithAttributes(
		attribute.String("backend.name", c.backend.Name()),
		attribute.String("backend.error", err.Error()),
	))
	logger.L().Warn("rate limit backend call failed, trying next", "backend", c.backend.Name(), "error", err)
	return false
}

func failAll(span trace.Span, lastErr error) error {
	if lastErr == nil {
		lastErr = backend.ErrClosed
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return backend.Transient("all backends unavailable", lastErr)
}

var _ backend.Backend = (*Backend)(nil)
