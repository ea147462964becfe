package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/backend"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/backend/memory"
)

func TestIncrFixedCreatesThenIncrements(t *testing.T) {
	b := memory.New("m", memory.Config{})
	defer b.Close()
	ctx := context.Background()

	count, resetAt, err := b.IncrFixed(ctx, "k", time.Minute, time.Time{})
	assert.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.True(t, resetAt.After(time.Now()))

	count, _, err = b.IncrFixed(ctx, "k", time.Minute, time.Time{})
	assert.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestIncrFixedRollsOverAfterExpiry(t *testing.T) {
	b := memory.New("m", memory.Config{})
	defer b.Close()
	ctx := context.Background()

	count, _, err := b.IncrFixed(ctx, "k", 10*time.Millisecond, time.Time{})
	assert.NoError(t, err)
	assert.Equal(t, int64(1), count)

	time.Sleep(20 * time.Millisecond)

	count, _, err = b.IncrFixed(ctx, "k", 10*time.Millisecond, time.Time{})
	assert.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestIncrFixedConcurrentCallersAreAtomic(t *testing.T) {
	b := memory.New("m", memory.Config{})
	defer b.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = b.IncrFixed(ctx, "hot", time.Minute, time.Time{})
		}()
	}
	wg.Wait()

	count, _, err := b.Peek(ctx, "hot", backend.AlgoFixed)
	assert.NoError(t, err)
	assert.Equal(t, float64(100), count)
}

func TestCheckSlidingAdmitsUpToLimitThenRejects(t *testing.T) {
	b := memory.New("m", memory.Config{})
	defer b.Close()
	ctx := context.Background()
	now := time.Now().UnixMilli()

	for i := int64(0); i < 3; i++ {
		_, _, admitted, err := b.CheckSliding(ctx, "k", time.Minute, 3, now+i)
		assert.NoError(t, err)
		assert.True(t, admitted)
	}

	_, _, admitted, err := b.CheckSliding(ctx, "k", time.Minute, 3, now+3)
	assert.NoError(t, err)
	assert.False(t, admitted)
}

func TestCheckSlidingPrunesExpiredEntries(t *testing.T) {
	b := memory.New("m", memory.Config{})
	defer b.Close()
	ctx := context.Background()
	now := time.Now().UnixMilli()

	_, _, admitted, err := b.CheckSliding(ctx, "k", 50*time.Millisecond, 1, now)
	assert.NoError(t, err)
	assert.True(t, admitted)

	_, _, admitted, err = b.CheckSliding(ctx, "k", 50*time.Millisecond, 1, now+100)
	assert.NoError(t, err)
	assert.True(t, admitted)
}

func TestCheckBucketConsumesAndRefills(t *testing.T) {
	b := memory.New("m", memory.Config{})
	defer b.Close()
	ctx := context.Background()
	now := time.Now().UnixMilli()

	tokens, _, admitted, err := b.CheckBucket(ctx, "k", 5, 1, now, 5)
	assert.NoError(t, err)
	assert.True(t, admitted)
	assert.Equal(t, float64(0), tokens)

	_, _, admitted, err = b.CheckBucket(ctx, "k", 5, 1, now, 1)
	assert.NoError(t, err)
	assert.False(t, admitted)

	tokens, _, admitted, err = b.CheckBucket(ctx, "k", 5, 1, now+2000, 1)
	assert.NoError(t, err)
	assert.True(t, admitted)
	assert.InDelta(t, 1, tokens, 0.01)
}

func TestCheckBucketLongIdleResetsToFull(t *testing.T) {
	b := memory.New("m", memory.Config{})
	defer b.Close()
	ctx := context.Background()
	now := time.Now().UnixMilli()

	_, _, _, err := b.CheckBucket(ctx, "k", 5, 1, now, 5)
	assert.NoError(t, err)

	tokens, _, admitted, err := b.CheckBucket(ctx, "k", 5, 1, now+60_000, 1)
	assert.NoError(t, err)
	assert.True(t, admitted)
	assert.InDelta(t, 4, tokens, 0.01)
}

func TestResetClearsKey(t *testing.T) {
	b := memory.New("m", memory.Config{})
	defer b.Close()
	ctx := context.Background()

	_, _, _ = b.IncrFixed(ctx, "k", time.Minute, time.Time{})
	assert.NoError(t, b.Reset(ctx, "k"))

	count, _, err := b.Peek(ctx, "k", backend.AlgoFixed)
	assert.NoError(t, err)
	assert.Equal(t, float64(0), count)
}

func TestClosedBackendRejectsAllCalls(t *testing.T) {
	b := memory.New("m", memory.Config{})
	assert.NoError(t, b.Close())
	ctx := context.Background()

	_, _, err := b.IncrFixed(ctx, "k", time.Minute, time.Time{})
	assert.ErrorIs(t, err, backend.ErrClosed)

	assert.ErrorIs(t, b.Probe(ctx), backend.ErrClosed)
	assert.ErrorIs(t, b.Reset(ctx, "k"), backend.ErrClosed)
}

func TestEvictsDownToTargetWhenOverMaxKeys(t *testing.T) {
	b := memory.New("m", memory.Config{MaxKeys: 10, MinRetain: time.Millisecond})
	defer b.Close()
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		_, _, err := b.IncrFixed(ctx, string(rune('a'+i)), time.Nanosecond, time.Time{})
		assert.NoError(t, err)
	}

	time.Sleep(5 * time.Millisecond)
	_, _, err := b.IncrFixed(ctx, "trigger", time.Minute, time.Time{})
	assert.NoError(t, err)

	assert.LessOrEqual(t, b.Stats().KeyCount, 10)
}

func TestCleanupLoopRemovesExpiredEntries(t *testing.T) {
	b := memory.New("m", memory.Config{CleanupInterval: 10 * time.Millisecond})
	defer b.Close()
	ctx := context.Background()

	_, _, err := b.IncrFixed(ctx, "k", 5*time.Millisecond, time.Time{})
	assert.NoError(t, err)
	assert.Equal(t, 1, b.Stats().KeyCount)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, b.Stats().KeyCount)
}
