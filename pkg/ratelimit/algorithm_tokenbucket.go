package ratelimit

import (
	"context"

	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/backend"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/clock"
)

// runTokenBucket implements TOKEN_BUCKET: refill since last call, then
// attempt to consume one token, allowing bursts up to BucketSize.
func runTokenBucket(ctx context.Context, be backend.Backend, clk clock.Clock, key string, p Policy) (Decision, error) {
	nowMs := clk.NowMillis()
	capacity := p.EffectiveBucketSize()

	tokens, resetAt, admitted, err := be.CheckBucket(ctx, key, capacity, p.RefillRate, nowMs, 1)
	if err != nil {
		return Decision{}, err
	}

	remaining := int64(tokens)
	if remaining < 0 {
		remaining = 0
	}

	d := Decision{
		Allowed:          admitted,
		Limit:            p.Limit,
		Remaining:        remaining,
		ResetAt:          resetAt,
		Reason:           ReasonOK,
		BucketCapacity:   capacity,
		BucketRefillRate: p.RefillRate,
	}
	if !admitted {
		d.Reason = ReasonLimitExceeded
		d.RetryAfterSec = retryAfterSeconds(clk, resetAt)
	}
	return d, nil
}
