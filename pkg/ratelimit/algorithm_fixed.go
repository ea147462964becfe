package ratelimit

import (
	"context"
	"time"

	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/backend"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/clock"
)

// runFixed implements FIXED_WINDOW: one atomic increment per call, the
// window resetting to a fresh count=1 once its TTL elapses.
func runFixed(ctx context.Context, be backend.Backend, clk clock.Clock, key string, p Policy) (Decision, error) {
	var alignedStart time.Time
	if p.AlignToClock {
		alignedStart = clk.Now().Truncate(p.Period)
	}

	count, resetAt, err := be.IncrFixed(ctx, key, p.Period, alignedStart)
	if err != nil {
		return Decision{}, err
	}

	admitted := count <= p.Limit
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

func retryAfterSeconds(clk clock.Clock, resetAt time.Time) int64 {
	wait := resetAt.Sub(clk.Now())
	if wait < 0 {
		return 0
	}
	secs := int64(wait.Seconds())
	if time.Duration(secs)*time.Second < wait {
		secs++ // round up, never under-promise a retry window
	}
	return secs
}
