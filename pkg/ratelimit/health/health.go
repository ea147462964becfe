// Package health runs periodic liveness probes against rate-limit
// backends and feeds the results into their circuit breakers, so a
// backend that recovers while idle (no traffic hitting it to trip
// Success/Failure naturally) still gets its breaker state corrected.
//
// Uses this codebase's pkg/concurrency.WorkerPool for the concurrent
// fan-out across backends, reused here instead of duplicated.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/chris-alexander-pop/ratelimit-core/pkg/concurrency"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/logger"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/backend"
	"github.com/chris-alexander-pop/ratelimit-core/pkg/ratelimit/circuit"
)

// Status summarizes a backend's reachability for external reporting.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded" // half-open: probing to see if it recovered
	StatusUnavailable Status = "unavailable"
)

// StatusForState maps a circuit breaker state to a Status, for callers that
// track a single backend's breaker without running a full Monitor.
func StatusForState(s circuit.State) Status {
	switch s {
	case circuit.StateClosed:
		return StatusHealthy
	case circuit.StateHalfOpen:
		return StatusDegraded
	default:
		return StatusUnavailable
	}
}

// Target is a single backend to probe, paired with the breaker its
// results should be recorded against.
type Target struct {
	Name    string
	Backend backend.Backend
	Breaker *circuit.Breaker
}

// Config configures a Monitor.
type Config struct {
	Interval     time.Duration `env:"RATELIMIT_HEALTH_CHECK_INTERVAL" env-default:"15s"`
	ProbeTimeout time.Duration `env:"RATELIMIT_HEALTH_PROBE_TIMEOUT" env-default:"2s"`
	Workers      int           `env:"RATELIMIT_HEALTH_WORKERS" env-default:"4"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// Monitor periodically probes a fixed set of backends.
type Monitor struct {
	config  Config
	targets []Target
	pool    *concurrency.WorkerPool

	mu       sync.RWMutex
	statuses map[string]Status

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Monitor over targets. Call Start to begin probing.
func New(targets []Target, cfg Config) *Monitor {
	cfg = cfg.withDefaults()
	statuses := make(map[string]Status, len(targets))
	for _, t := range targets {
		statuses[t.Name] = StatusForState(t.Breaker.State())
	}
	return &Monitor{
		config:   cfg,
		targets:  targets,
		pool:     concurrency.NewWorkerPool(cfg.Workers, len(targets)+1),
		statuses: statuses,
		done:     make(chan struct{}),
	}
}

// Start begins the periodic probe loop. It returns immediately; probing
// continues in the background until ctx is canceled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.pool.Start(ctx)

	go m.loop(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *Monitor) probeAll(ctx context.Context) {
	for _, t := range m.targets {
		t := t
		m.pool.Submit(func(ctx context.Context) {
			m.probeOne(ctx, t)
		})
	}
}

func (m *Monitor) probeOne(ctx context.Context, t Target) {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	// Go through the breaker like any caller: an OPEN breaker whose
	// OpenDuration has elapsed moves to HALF_OPEN here, so a successful
	// probe closes it even with no traffic flowing.
	if err := t.Breaker.Allow(); err != nil {
		m.mu.Lock()
		m.statuses[t.Name] = StatusForState(t.Breaker.State())
		m.mu.Unlock()
		return
	}

	err := t.Backend.Probe(probeCtx)
	if err != nil {
		weight := circuit.WeightTransient
		if backend.IsFatal(err) {
			weight = circuit.WeightFatal
		}
		t.Breaker.Failure(weight)
		logger.L().Warn("backend health probe failed", "backend", t.Name, "error", err)
	} else {
		t.Breaker.Success()
	}

	m.mu.Lock()
	m.statuses[t.Name] = StatusForState(t.Breaker.State())
	m.mu.Unlock()
}

// Statuses returns the last-known status of every target, by name.
func (m *Monitor) Statuses() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.statuses))
	for k, v := range m.statuses {
		out[k] = v
	}
	return out
}

// Stop halts probing and waits for in-flight probes to finish.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.done
	m.pool.Stop()
}
