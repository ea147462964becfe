package ratelimit

import "time"

// Reason explains why a Decision came out the way it did.
type Reason string

const (
	ReasonOK            Reason = "OK"
	ReasonLimitExceeded Reason = "LIMIT_EXCEEDED"
	ReasonSkipped       Reason = "SKIPPED"
	ReasonFailOpen      Reason = "FAIL_OPEN"
	ReasonFailClosed    Reason = "FAIL_CLOSED"
)

// Decision is the result of a single Check call.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time

	// RetryAfterSec is populated only when Allowed is false.
	RetryAfterSec int64

	Reason Reason

	// BucketCapacity and BucketRefillRate are populated only for
	// TOKEN_BUCKET policies, for callers that want to surface them as
	// response headers.
	BucketCapacity   int64
	BucketRefillRate float64
}

func decisionForSkip() Decision {
	return Decision{Allowed: true, Reason: ReasonSkipped}
}

func decisionForFail(policy Policy, now time.Time) Decision {
	d := Decision{
		Limit:   policy.Limit,
		ResetAt: now.Add(policy.Period),
	}
	if policy.FailOpen {
		d.Allowed = true
		d.Remaining = policy.Limit
		d.Reason = ReasonFailOpen
	} else {
		d.Allowed = false
		d.Remaining = 0
		d.Reason = ReasonFailClosed
	}
	return d
}
