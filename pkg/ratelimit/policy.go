package ratelimit

import (
	"context"
	"time"

	"github.com/chris-alexander-pop/ratelimit-core/pkg/errors"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/keyfp"
)

// Algorithm selects which rate-limiting algorithm a Policy uses.
type Algorithm int

const (
	Fixed Algorithm = iota
	Sliding
	TokenBucket
)

func (a Algorithm) String() string {
	switch a {
	case Fixed:
		return "fixed"
	case Sliding:
		return "sliding"
	case TokenBucket:
		return "token_bucket"
	default:
		return "unknown"
	}
}

// Policy is an immutable, per-call rate-limiting configuration.
type Policy struct {
	Name string

	Limit       int64
	Period      time.Duration
	Algorithm   Algorithm
	BucketSize  int64   // TOKEN_BUCKET only; defaults to Limit when zero
	RefillRate  float64 // TOKEN_BUCKET only, tokens/sec

	AlignToClock  bool
	BlockOnExceed bool
	FailOpen      bool

	// Key describes how to derive the fingerprint for a call under this
	// policy.
	Key keyfp.Source

	// Skip, if set, bypasses the limiter entirely (reason SKIPPED) when it
	// returns true for the call's context.
	Skip func(ctx context.Context) bool
}

// Validate checks a Policy's field invariants and returns an
// INVALID_ARGUMENT error (pkg/errors), the code used for bad configuration,
// on the first violation found.
func (p Policy) Validate() error {
	if p.Limit <= 0 {
		return errors.InvalidArgument("policy limit must be positive", nil)
	}
	if p.Period < time.Second {
		return errors.InvalidArgument("policy period must be at least 1s", nil)
	}
	switch p.Algorithm {
	case Fixed, Sliding:
		// no extra fields required
	case TokenBucket:
		if p.RefillRate <= 0 {
			return errors.InvalidArgument("token bucket policy requires a positive refill_rate", nil)
		}
		bucketSize := p.BucketSize
		if bucketSize == 0 {
			bucketSize = p.Limit
		}
		if bucketSize < p.Limit {
			return errors.InvalidArgument("bucket_size must be >= limit", nil)
		}
	default:
		return errors.InvalidArgument("unknown algorithm", nil)
	}
	return nil
}

// EffectiveBucketSize returns BucketSize, defaulting to Limit when unset.
func (p Policy) EffectiveBucketSize() int64 {
	if p.BucketSize > 0 {
		return p.BucketSize
	}
	return p.Limit
}
