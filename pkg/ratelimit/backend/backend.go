// Package backend defines the storage-driver contract every rate-limit
// backend (memory, remote, multi) implements, and the shared error codes
// that classify their failures for the circuit breaker and the facade.
package backend

import (
	"context"
	"time"

	"github.com/chris-alexander-pop/ratelimit-core/pkg/errors"
)

// Algo tags which algorithm's state a Peek/Reset call addresses.
type Algo int

const (
	AlgoFixed Algo = iota
	AlgoSliding
	AlgoTokenBucket
)

func (a Algo) String() string {
	switch a {
	case AlgoFixed:
		return "fixed"
	case AlgoSliding:
		return "sliding"
	case AlgoTokenBucket:
		return "tokenbucket"
	default:
		return "unknown"
	}
}

// Backend is the capability set every storage driver implements. Every
// method MUST be atomic with respect to concurrent callers observing the
// same key and MUST respect ctx's deadline.
type Backend interface {
	// Name identifies this backend instance for logs, circuit breakers and
	// the multi-backend ordered list.
	Name() string

	// IncrFixed atomically increments the fixed-window counter for key,
	// creating it with count=1 and the given TTL if absent. alignedStart,
	// when non-zero, is the clock-aligned window start to use instead of
	// "now" for a brand new key.
	IncrFixed(ctx context.Context, key string, period time.Duration, alignedStart time.Time) (newCount int64, resetAt time.Time, err error)

	// CheckSliding atomically prunes entries older than period, counts the
	// remainder, and admits (inserting a new entry) iff the count is below
	// limit.
	CheckSliding(ctx context.Context, key string, period time.Duration, limit int64, nowMs int64) (countAfter int64, resetAt time.Time, admitted bool, err error)

	// CheckBucket atomically refills then attempts to consume cost tokens.
	CheckBucket(ctx context.Context, key string, capacity int64, refillRate float64, nowMs int64, cost int64) (tokensAfter float64, resetAt time.Time, admitted bool, err error)

	// Peek performs a read-only inspection of the current state for key
	// under algorithm algo; it MUST NOT mutate state observable to
	// subsequent calls.
	Peek(ctx context.Context, key string, algo Algo) (currentCountOrTokens float64, resetAt time.Time, err error)

	// Reset erases all state for key.
	Reset(ctx context.Context, key string) error

	// Probe is a lightweight health check; it returns nil iff the backend
	// can currently accept a new call.
	Probe(ctx context.Context) error

	// Close releases resources (background goroutines, connections). After
	// Close returns, every method returns BACKEND_CLOSED.
	Close() error
}

// Classification helpers for the two backend error codes. Every backend
// returns errors built with these so the circuit breaker and the facade
// can classify failures without depending on a specific driver's error
// types.

// Transient wraps err as a BACKEND_TRANSIENT error: a network/timeout-class
// failure that feeds the circuit breaker with ordinary weight.
func Transient(message string, err error) error {
	return errors.Unavailable(message, err)
}

// Fatal wraps err as a BACKEND_FATAL error: a protocol/script-class failure
// that feeds the circuit breaker with doubled weight (see circuit.Weight).
func Fatal(message string, err error) error {
	return errors.Internal(message, err)
}

// ErrClosed is returned by any backend method called after Close.
var ErrClosed = errors.Unavailable("backend closed", nil)

// IsFatal reports whether err was constructed via Fatal (CodeInternal),
// as opposed to Transient (CodeUnavailable).
func IsFatal(err error) bool {
	code, ok := errors.CodeOf(err)
	return ok && code == errors.CodeInternal
}
