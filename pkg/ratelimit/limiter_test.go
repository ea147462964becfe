package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/backend"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/backend/memory"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/circuit"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/keyfp"
)

func keyfpLiteral(s string) keyfp.Source {
	return keyfp.Source{Literal: s}
}

func newMemoryLimiter(t *testing.T) *ratelimit.Limiter {
	be := memory.New("test", memory.Config{})
	t.Cleanup(func() { be.Close() })
	return ratelimit.New(be, ratelimit.Options{})
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	l := newMemoryLimiter(t)
	policy := ratelimit.Policy{Name: "p", Limit: 2, Period: time.Minute, Algorithm: ratelimit.Fixed, Key: keyfpLiteral("k")}

	d, err := l.Check(context.Background(), policy)
	assert.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Remaining)
}

func TestCheckRejectsOverLimit(t *testing.T) {
	l := newMemoryLimiter(t)
	policy := ratelimit.Policy{Name: "p", Limit: 1, Period: time.Minute, Algorithm: ratelimit.Fixed, Key: keyfpLiteral("k")}

	_, err := l.Check(context.Background(), policy)
	assert.NoError(t, err)

	d, err := l.Check(context.Background(), policy)
	assert.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ratelimit.ReasonLimitExceeded, d.Reason)
}

func TestCheckHonorsSkip(t *testing.T) {
	l := newMemoryLimiter(t)
	policy := ratelimit.Policy{
		Name: "p", Limit: 1, Period: time.Minute, Algorithm: ratelimit.Fixed, Key: keyfpLiteral("k"),
		Skip: func(ctx context.Context) bool { return true },
	}

	d, err := l.Check(context.Background(), policy)
	assert.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ratelimit.ReasonSkipped, d.Reason)
}

func TestCheckRejectsInvalidPolicy(t *testing.T) {
	l := newMemoryLimiter(t)
	_, err := l.Check(context.Background(), ratelimit.Policy{Name: "bad"})
	assert.Error(t, err)
}

type failingBackend struct{ *memory.Backend }

func (f failingBackend) IncrFixed(ctx context.Context, key string, period time.Duration, alignedStart time.Time) (int64, time.Time, error) {
	return 0, time.Time{}, backend.Fatal("induced", nil)
}

func TestCheckFailsOpenWhenConfigured(t *testing.T) {
	be := memory.New("test", memory.Config{})
	defer be.Close()
	l := ratelimit.New(failingBackend{be}, ratelimit.Options{Breaker: circuit.Options{FailureThreshold: 100}})

	policy := ratelimit.Policy{Name: "p", Limit: 1, Period: time.Minute, Algorithm: ratelimit.Fixed, Key: keyfpLiteral("k"), FailOpen: true}
	d, err := l.Check(context.Background(), policy)
	assert.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ratelimit.ReasonFailOpen, d.Reason)
}

func TestCheckFailsClosedWhenConfigured(t *testing.T) {
	be := memory.New("test", memory.Config{})
	defer be.Close()
	l := ratelimit.New(failingBackend{be}, ratelimit.Options{Breaker: circuit.Options{FailureThreshold: 100}})

	policy := ratelimit.Policy{Name: "p", Limit: 1, Period: time.Minute, Algorithm: ratelimit.Fixed, Key: keyfpLiteral("k"), FailOpen: false}
	d, err := l.Check(context.Background(), policy)
	assert.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ratelimit.ReasonFailClosed, d.Reason)
}

func TestResetClearsState(t *testing.T) {
	l := newMemoryLimiter(t)
	policy := ratelimit.Policy{Name: "p", Limit: 1, Period: time.Minute, Algorithm: ratelimit.Fixed, Key: keyfpLiteral("k")}

	_, _ = l.Check(context.Background(), policy)
	assert.NoError(t, l.Reset(context.Background(), policy))

	d, err := l.Check(context.Background(), policy)
	assert.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestHealthReportsSingleBackend(t *testing.T) {
	l := newMemoryLimiter(t)
	health := l.Health()
	assert.Contains(t, health, "test")
}
