// Package memory implements the in-process rate-limit backend: TTL expiry,
// an LRU key cap, and a background cleanup routine.
//
// Combines an RWMutex-guarded map of per-key entries (each with its own
// mutex) with lazy TTL expiry, the pkg/datastructures/lru eviction
// bookkeeping, a per-key sliding log, and a periodic cleanup ticker.
package memory

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chris-alexander-pop/ratelimit-core/pkg/datastructures/lru"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/logger"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/backend"
)

// Config configures a Backend.
type Config struct {
	MaxKeys         int           `env:"RATELIMIT_MEMORY_MAX_KEYS" env-default:"10000"`
	CleanupInterval time.Duration `env:"RATELIMIT_MEMORY_CLEANUP_INTERVAL" env-default:"30s"`
	MinRetain       time.Duration `env:"RATELIMIT_MEMORY_MIN_RETAIN" env-default:"1s"`
	ShutdownGrace   time.Duration `env:"RATELIMIT_MEMORY_SHUTDOWN_GRACE" env-default:"2s"`
}

func (c Config) withDefaults() Config {
	if c.MaxKeys <= 0 {
		c.MaxKeys = 10000
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 30 * time.Second
	}
	if c.MinRetain <= 0 {
		c.MinRetain = time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 2 * time.Second
	}
	return c
}

type slidingEntry struct {
	tsMs  int64
	nonce string
}

type fixedState struct {
	count       int64
	windowStart time.Time
	expiresAt   time.Time
}

type bucketState struct {
	tokens       float64
	lastRefillMs int64
	capacity     int64
	refillRate   float64
}

type entry struct {
	mu sync.Mutex

	fixed   *fixedState
	sliding []slidingEntry
	bucket  *bucketState

	expiresAt   time.Time
	lastTouched time.Time
}

// Backend is the in-process rate-limit storage driver.
type Backend struct {
	name   string
	config Config

	mapMu   sync.RWMutex
	entries map[string]*entry
	recency *lru.Cache[string, struct{}]

	stopCh chan struct{}
	doneCh chan struct{}

	closedMu sync.RWMutex
	closed   bool
}

// New constructs a memory Backend named name and starts its cleanup
// routine.
func New(name string, cfg Config) *Backend {
	cfg = cfg.withDefaults()
	b := &Backend{
		name:    name,
		config:  cfg,
		entries: make(map[string]*entry),
		recency: lru.New[string, struct{}](cfg.MaxKeys * 2),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go b.cleanupLoop()
	return b
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) isClosed() bool {
	b.closedMu.RLock()
	defer b.closedMu.RUnlock()
	return b.closed
}

// getOrCreate returns the entry for key, creating an empty one under a
// short map lock if absent, and records the touch for LRU purposes.
func (b *Backend) getOrCreate(key string) *entry {
	b.mapMu.Lock()
	e, ok := b.entries[key]
	if !ok {
		e = &entry{}
		b.entries[key] = e
	}
	b.mapMu.Unlock()

	b.recency.Set(key, struct{}{})
	b.maybeEvict()
	return e
}

func (b *Backend) get(key string) (*entry, bool) {
	b.mapMu.RLock()
	defer b.mapMu.RUnlock()
	e, ok := b.entries[key]
	return e, ok
}

func (b *Backend) maybeEvict() {
	b.mapMu.RLock()
	size := len(b.entries)
	b.mapMu.RUnlock()

	if size <= b.config.MaxKeys {
		return
	}

	target := int(float64(b.config.MaxKeys) * 0.9)
	now := time.Now()
	minRetainDeadline := now.Add(b.config.MinRetain)

	candidates := b.recency.Oldest(size - target + size/10 + 1)

	b.mapMu.Lock()
	defer b.mapMu.Unlock()

	evicted := 0
	needed := len(b.entries) - target
	if needed <= 0 {
		return
	}

	// First pass: evict only entries whose window has already expired or
	// is about to (the common, safe case).
	for _, key := range candidates {
		if evicted >= needed {
			break
		}
		e, ok := b.entries[key]
		if !ok {
			continue
		}
		if e.expiresAt.IsZero() || e.expiresAt.Before(minRetainDeadline) {
			delete(b.entries, key)
			b.recency.Delete(key)
			evicted++
		}
	}

	// Second pass: if nothing qualified (all entries are hot), evict the
	// oldest anyway rather than let the map grow unbounded.
	if evicted == 0 {
		for _, key := range candidates {
			if evicted >= needed {
				break
			}
			if _, ok := b.entries[key]; ok {
				delete(b.entries, key)
				b.recency.Delete(key)
				evicted++
			}
		}
	}
}

func (b *Backend) IncrFixed(ctx context.Context, key string, period time.Duration, alignedStart time.Time) (int64, time.Time, error) {
	if b.isClosed() {
		return 0, time.Time{}, backend.ErrClosed
	}

	e := b.getOrCreate(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()

	if e.fixed == nil || now.After(e.fixed.expiresAt) || now.Equal(e.fixed.expiresAt) {
		windowStart := now
		if !alignedStart.IsZero() {
			windowStart = alignedStart
		}
		e.fixed = &fixedState{count: 1, windowStart: windowStart, expiresAt: windowStart.Add(period)}
	} else {
		e.fixed.count++
	}

	e.expiresAt = e.fixed.expiresAt
	e.lastTouched = now

	return e.fixed.count, e.fixed.expiresAt, nil
}

func (b *Backend) CheckSliding(ctx context.Context, key string, period time.Duration, limit int64, nowMs int64) (int64, time.Time, bool, error) {
	if b.isClosed() {
		return 0, time.Time{}, false, backend.ErrClosed
	}

	e := b.getOrCreate(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := nowMs - period.Milliseconds()
	e.sliding = pruneSliding(e.sliding, cutoff)

	count := int64(len(e.sliding))
	admitted := count < limit
	if admitted {
		e.sliding = append(e.sliding, slidingEntry{tsMs: nowMs, nonce: uuid.NewString()})
		count++
	}

	resetAt := time.UnixMilli(nowMs).Add(period)
	if len(e.sliding) > 0 {
		resetAt = time.UnixMilli(e.sliding[0].tsMs).Add(period)
	}

	e.expiresAt = resetAt
	e.lastTouched = time.Now()

	return count, resetAt, admitted, nil
}

func pruneSliding(entries []slidingEntry, cutoff int64) []slidingEntry {
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].tsMs >= cutoff })
	if idx == 0 {
		return entries
	}
	out := make([]slidingEntry, len(entries)-idx)
	copy(out, entries[idx:])
	return out
}

// maxIdleFactor caps the refill interval treated as a real elapsed gap;
// beyond it, the bucket is treated as having reset to full rather than
// accumulating a long floating-point refill delta.
const maxIdleFactor = 2.0

func (b *Backend) CheckBucket(ctx context.Context, key string, capacity int64, refillRate float64, nowMs int64, cost int64) (float64, time.Time, bool, error) {
	if b.isClosed() {
		return 0, time.Time{}, false, backend.ErrClosed
	}

	e := b.getOrCreate(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.bucket == nil {
		e.bucket = &bucketState{tokens: float64(capacity), lastRefillMs: nowMs, capacity: capacity, refillRate: refillRate}
	} else {
		e.bucket.capacity = capacity
		e.bucket.refillRate = refillRate
		elapsedMs := nowMs - e.bucket.lastRefillMs
		maxIdleMs := int64(float64(capacity) / refillRate * maxIdleFactor * 1000)
		if elapsedMs > maxIdleMs {
			e.bucket.tokens = float64(capacity)
		} else if elapsedMs > 0 {
			e.bucket.tokens = math.Min(float64(capacity), e.bucket.tokens+float64(elapsedMs)/1000*refillRate)
		}
		e.bucket.lastRefillMs = nowMs
	}

	admitted := e.bucket.tokens >= float64(cost)
	if admitted {
		e.bucket.tokens -= float64(cost)
	}

	ttl := time.Duration(float64(capacity)/refillRate*float64(time.Second)) + 2*time.Minute
	e.expiresAt = time.Now().Add(ttl)
	e.lastTouched = time.Now()

	resetAt := time.Now()
	if e.bucket.tokens < float64(capacity) {
		resetAt = resetAt.Add(time.Duration((float64(capacity) - e.bucket.tokens) / refillRate * float64(time.Second)))
	}

	return e.bucket.tokens, resetAt, admitted, nil
}

func (b *Backend) Peek(ctx context.Context, key string, algo backend.Algo) (float64, time.Time, error) {
	if b.isClosed() {
		return 0, time.Time{}, backend.ErrClosed
	}

	e, ok := b.get(key)
	if !ok {
		return 0, time.Time{}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch algo {
	case backend.AlgoFixed:
		if e.fixed == nil {
			return 0, time.Time{}, nil
		}
		return float64(e.fixed.count), e.fixed.expiresAt, nil
	case backend.AlgoSliding:
		now := time.Now()
		if len(e.sliding) == 0 {
			return 0, now, nil
		}
		// Read-only prune: compute what would remain without mutating.
		cutoff := now.UnixMilli() - (e.sliding[len(e.sliding)-1].tsMs - e.sliding[0].tsMs)
		visible := 0
		for _, se := range e.sliding {
			if se.tsMs >= cutoff {
				visible++
			}
		}
		return float64(visible), time.UnixMilli(e.sliding[0].tsMs), nil
	case backend.AlgoTokenBucket:
		if e.bucket == nil {
			return 0, time.Time{}, nil
		}
		return e.bucket.tokens, time.Now(), nil
	default:
		return 0, time.Time{}, nil
	}
}

func (b *Backend) Reset(ctx context.Context, key string) error {
	if b.isClosed() {
		return backend.ErrClosed
	}
	b.mapMu.Lock()
	delete(b.entries, key)
	b.mapMu.Unlock()
	b.recency.Delete(key)
	return nil
}

func (b *Backend) Probe(ctx context.Context) error {
	if b.isClosed() {
		return backend.ErrClosed
	}
	return nil
}

func (b *Backend) Close() error {
	b.closedMu.Lock()
	if b.closed {
		b.closedMu.Unlock()
		return nil
	}
	b.closed = true
	b.closedMu.Unlock()

	close(b.stopCh)
	select {
	case <-b.doneCh:
	case <-time.After(b.config.ShutdownGrace):
		logger.L().Warn("memory backend cleanup routine did not stop within shutdown grace", "backend", b.name)
	}
	return nil
}

func (b *Backend) cleanupLoop() {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.cleanup()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Backend) cleanup() {
	now := time.Now()

	b.mapMu.RLock()
	expired := make([]string, 0)
	for key, e := range b.entries {
		e.mu.Lock()
		isExpired := !e.expiresAt.IsZero() && e.expiresAt.Before(now)
		e.mu.Unlock()
		if isExpired {
			expired = append(expired, key)
		}
	}
	b.mapMu.RUnlock()

	if len(expired) == 0 {
		return
	}

	b.mapMu.Lock()
	for _, key := range expired {
		if e, ok := b.entries[key]; ok {
			e.mu.Lock()
			stillExpired := !e.expiresAt.IsZero() && e.expiresAt.Before(now)
			e.mu.Unlock()
			if stillExpired {
				delete(b.entries, key)
			}
		}
	}
	b.mapMu.Unlock()

	for _, key := range expired {
		b.recency.Delete(key)
	}
}

// Stats reports point-in-time bookkeeping, not part of the Backend
// interface but useful for an embedder's own metrics.
type Stats struct {
	KeyCount int
	MaxKeys  int
}

func (b *Backend) Stats() Stats {
	b.mapMu.RLock()
	defer b.mapMu.RUnlock()
	return Stats{KeyCount: len(b.entries), MaxKeys: b.config.MaxKeys}
}

var _ backend.Backend = (*Backend)(nil)
