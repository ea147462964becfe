package ratelimit

import (
	"context"

	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/backend"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/clock"
)

// runSliding implements SLIDING_WINDOW as an exact log: every admitted call
// is timestamped, and a call is admitted iff fewer than Limit timestamps
// remain within the trailing Period.
func runSliding(ctx context.Context, be backend.Backend, clk clock.Clock, key string, p Policy) (Decision, error) {
	nowMs := clk.NowMillis()

	count, resetAt, admitted, err := be.CheckSliding(ctx, key, p.Period, p.Limit, nowMs)
	if err != nil {
		return Decision{}, err
	}

	remaining := p.Limit - count
	if remaining < 0 {
		remaining = 0
	}

	d := Decision{
		Allowed:   admitted,
		Limit:     p.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
		Reason:    ReasonOK,
	}
	if !admitted {
		d.Reason = ReasonLimitExceeded
		d.RetryAfterSec = retryAfterSeconds(clk, resetAt)
	}
	return d, nil
}
