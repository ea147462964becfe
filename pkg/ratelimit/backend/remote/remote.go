// Package remote implements the distributed rate-limit backend on top of
// Redis, using server-side Lua scripts so each primitive is atomic across
// every application instance sharing the store.
//
// Fixed-window, sliding-window and token-bucket limiting are each
// expressed as a Lua script run through go-redis/v9, reshaped to the
// shared backend.Backend contract.
package remote

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/backend"
)

var tracer = otel.Tracer("ratelimit/backend/remote")

// Config configures a Backend.
type Config struct {
	KeyPrefix      string        `env:"RATELIMIT_REMOTE_KEY_PREFIX" env-default:"rl"`
	CallTimeout    time.Duration `env:"RATELIMIT_REMOTE_CALL_TIMEOUT" env-default:"100ms"`
	MaxIdleFactor  float64       `env:"RATELIMIT_REMOTE_MAX_IDLE_FACTOR" env-default:"2"`
	TokenBucketTTL time.Duration `env:"RATELIMIT_REMOTE_BUCKET_TTL" env-default:"10m"`
}

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "rl"
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 100 * time.Millisecond
	}
	if c.MaxIdleFactor <= 0 {
		c.MaxIdleFactor = 2
	}
	if c.TokenBucketTTL <= 0 {
		c.TokenBucketTTL = 10 * time.Minute
	}
	return c
}

// Backend is the Redis-backed storage driver.
type Backend struct {
	name   string
	client goredis.UniversalClient
	config Config
}

// New constructs a remote Backend named name over client.
func New(name string, client goredis.UniversalClient, cfg Config) *Backend {
	return &Backend{name: name, client: client, config: cfg.withDefaults()}
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.config.CallTimeout)
}

func (b *Backend) fixedKey(key string) string   { return fmt.Sprintf("%s:fixed:%s", b.config.KeyPrefix, key) }
func (b *Backend) slideKey(key string) string   { return fmt.Sprintf("%s:slide:%s", b.config.KeyPrefix, key) }
func (b *Backend) bucketKey(key string) string  { return fmt.Sprintf("%s:bucket:%s", b.config.KeyPrefix, key) }

var fixedWindowScript = goredis.NewScript(`
local key = KEYS[1]
local ttl = tonumber(ARGV[1])

local current = redis.call('INCR', key)
if current == 1 then
    redis.call('EXPIRE', key, ttl)
end

local remaining_ttl = redis.call('TTL', key)
if remaining_ttl < 0 then
    remaining_ttl = ttl
end

return {current, remaining_ttl}
`)

func (b *Backend) IncrFixed(ctx context.Context, key string, period time.Duration, alignedStart time.Time) (int64, time.Time, error) {
	ctx, span := tracer.Start(ctx, "remote.IncrFixed")
	defer span.End()

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	now := time.Now()
	ttlSeconds := int64(period.Seconds())
	if !alignedStart.IsZero() {
		if remaining := time.Until(alignedStart.Add(period)); remaining > 0 {
			ttlSeconds = int64(remaining.Seconds()) + 1
		}
	}
	if ttlSeconds <= 0 {
		ttlSeconds = 1
	}

	result, err := fixedWindowScript.Run(ctx, b.client, []string{b.fixedKey(key)}, ttlSeconds).Int64Slice()
	if err != nil {
		return 0, time.Time{}, classify(span, err)
	}

	return result[0], now.Add(time.Duration(result[1]) * time.Second), nil
}

var slidingWindowScript = goredis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local member = ARGV[4]

local window_start = now - window_ms
redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. window_start)

local count = redis.call('ZCARD', key)
local admitted = 0
local count_after = count

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window_ms)
    admitted = 1
    count_after = count + 1
end

local reset_ms = window_ms
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest and #oldest >= 2 then
    local oldest_score = tonumber(oldest[2])
    reset_ms = (oldest_score + window_ms) - now
    if reset_ms < 0 then reset_ms = 0 end
end

return {admitted, count_after, reset_ms}
`)

func (b *Backend) CheckSliding(ctx context.Context, key string, period time.Duration, limit int64, nowMs int64) (int64, time.Time, bool, error) {
	ctx, span := tracer.Start(ctx, "remote.CheckSliding")
	defer span.End()

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	member := uuid.NewString()
	result, err := slidingWindowScript.Run(ctx, b.client, []string{b.slideKey(key)}, limit, period.Milliseconds(), nowMs, member).Int64Slice()
	if err != nil {
		return 0, time.Time{}, false, classify(span, err)
	}

	resetAt := time.UnixMilli(nowMs).Add(time.Duration(result[2]) * time.Millisecond)
	return result[1], resetAt, result[0] == 1, nil
}

var tokenBucketScript = goredis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])
local max_idle_ms = tonumber(ARGV[6])

local data = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(data[1])
local last_refill = tonumber(data[2])

if tokens == nil then
    tokens = capacity
    last_refill = now
else
    local elapsed = now - last_refill
    if elapsed > max_idle_ms then
        tokens = capacity
    elseif elapsed > 0 then
        tokens = math.min(capacity, tokens + (elapsed / 1000.0) * refill_rate)
    end
end

local admitted = 0
if tokens >= cost then
    tokens = tokens - cost
    admitted = 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_refill', now)
redis.call('EXPIRE', key, ttl)

local reset_ms = 0
if tokens < capacity then
    reset_ms = math.ceil((capacity - tokens) / refill_rate * 1000)
end

return {admitted, math.floor(tokens * 1000), reset_ms}
`)

func (b *Backend) CheckBucket(ctx context.Context, key string, capacity int64, refillRate float64, nowMs int64, cost int64) (float64, time.Time, bool, error) {
	ctx, span := tracer.Start(ctx, "remote.CheckBucket")
	defer span.End()

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	maxIdleMs := int64(float64(capacity) / refillRate * b.config.MaxIdleFactor * 1000)
	ttlSeconds := int64(b.config.TokenBucketTTL.Seconds())

	result, err := tokenBucketScript.Run(ctx, b.client, []string{b.bucketKey(key)}, capacity, refillRate, nowMs, cost, ttlSeconds, maxIdleMs).Int64Slice()
	if err != nil {
		return 0, time.Time{}, false, classify(span, err)
	}

	tokens := float64(result[1]) / 1000.0
	resetAt := time.UnixMilli(nowMs).Add(time.Duration(result[2]) * time.Millisecond)
	return tokens, resetAt, result[0] == 1, nil
}

func (b *Backend) Peek(ctx context.Context, key string, algo backend.Algo) (float64, time.Time, error) {
	ctx, span := tracer.Start(ctx, "remote.Peek")
	defer span.End()

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	switch algo {
	case backend.AlgoFixed:
		return b.peekFixed(ctx, span, key)
	case backend.AlgoSliding:
		return b.peekSliding(ctx, span, key)
	case backend.AlgoTokenBucket:
		return b.peekBucket(ctx, span, key)
	default:
		return 0, time.Time{}, nil
	}
}

func (b *Backend) peekFixed(ctx context.Context, span trace.Span, key string) (float64, time.Time, error) {
	pipe := b.client.Pipeline()
	getCmd := pipe.Get(ctx, b.fixedKey(key))
	ttlCmd := pipe.TTL(ctx, b.fixedKey(key))
	_, err := pipe.Exec(ctx)
	if err != nil && err != goredis.Nil {
		return 0, time.Time{}, classify(span, err)
	}

	count, _ := getCmd.Int64()
	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	return float64(count), time.Now().Add(ttl), nil
}

var peekSlidingScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])

local count = redis.call('ZCARD', key)
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldest_score = now
if oldest and #oldest >= 2 then
    oldest_score = tonumber(oldest[2])
end

return {count, oldest_score}
`)

func (b *Backend) peekSliding(ctx context.Context, span trace.Span, key string) (float64, time.Time, error) {
	result, err := peekSlidingScript.Run(ctx, b.client, []string{b.slideKey(key)}, time.Now().UnixMilli()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, classify(span, err)
	}
	return float64(result[0]), time.UnixMilli(result[1]), nil
}

func (b *Backend) peekBucket(ctx context.Context, span trace.Span, key string) (float64, time.Time, error) {
	result, err := b.client.HMGet(ctx, b.bucketKey(key), "tokens", "last_refill").Result()
	if err != nil {
		return 0, time.Time{}, classify(span, err)
	}
	if len(result) < 1 || result[0] == nil {
		return 0, time.Now(), nil
	}
	tokens, _ := result[0].(string)
	var t float64
	fmt.Sscanf(tokens, "%g", &t)
	return t, time.Now(), nil
}

func (b *Backend) Reset(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "remote.Reset")
	defer span.End()

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	err := b.client.Del(ctx, b.fixedKey(key), b.slideKey(key), b.bucketKey(key)).Err()
	if err != nil {
		return classify(span, err)
	}
	return nil
}

func (b *Backend) Probe(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "remote.Probe")
	defer span.End()

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	if err := b.client.Ping(ctx).Err(); err != nil {
		return classify(span, err)
	}
	return nil
}

func (b *Backend) Close() error {
	return b.client.Close()
}

// classify maps a go-redis error to the shared BACKEND_TRANSIENT /
// BACKEND_FATAL taxonomy: timeouts and connection failures are transient,
// anything else (a malformed script, a type error from a key holding the
// wrong data structure) is treated as fatal since retrying won't help.
func classify(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	var redisErr goredis.Error
	if stderrors.As(err, &redisErr) {
		// An error reply from the server (e.g. a script or type error)
		// rather than a network/protocol failure; retrying won't help.
		return backend.Fatal("remote backend script error", err)
	}
	return backend.Transient("remote backend call failed", err)
}

var _ backend.Backend = (*Backend)(nil)
