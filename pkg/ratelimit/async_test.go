package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/backend/memory"
)

func TestAsyncLimiterDeliversResult(t *testing.T) {
	be := memory.New("test", memory.Config{})
	defer be.Close()

	limiter := ratelimit.New(be, ratelimit.Options{})
	async := ratelimit.NewAsync(limiter, 2)
	defer async.Close()

	policy := ratelimit.Policy{Name: "p", Limit: 1, Period: time.Minute, Algorithm: ratelimit.Fixed, Key: keyfpLiteral("k")}

	select {
	case res := <-async.Check(context.Background(), policy):
		assert.NoError(t, res.Err)
		assert.True(t, res.Decision.Allowed)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for async result")
	}
}

func TestAsyncLimiterHandlesConcurrentCallers(t *testing.T) {
	be := memory.New("test", memory.Config{})
	defer be.Close()

	limiter := ratelimit.New(be, ratelimit.Options{})
	async := ratelimit.NewAsync(limiter, 4)
	defer async.Close()

	policy := ratelimit.Policy{Name: "p", Limit: 100, Period: time.Minute, Algorithm: ratelimit.Fixed, Key: keyfpLiteral("shared")}

	channels := make([]<-chan ratelimit.Result, 20)
	for i := range channels {
		channels[i] = async.Check(context.Background(), policy)
	}

	admitted := 0
	for _, ch := range channels {
		res := <-ch
		assert.NoError(t, res.Err)
		if res.Decision.Allowed {
			admitted++
		}
	}
	assert.Equal(t, 20, admitted)
}
