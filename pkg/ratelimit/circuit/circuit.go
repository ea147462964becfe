// Package circuit implements a per-backend circuit breaker: a
// closed/open/half-open state machine guarding calls to an unreliable
// backend.
package circuit

import (
	"sync"
	"time"

	"github.com/chris-alexander-pop/ratelimit-core/pkg/errors"
)

// State is one of the three circuit states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned by Allow when the circuit is open.
var ErrOpen = errors.Unavailable("circuit breaker is open", nil)

// Weight lets a caller report a failure with extra weight against
// FailureThreshold; BACKEND_FATAL failures count double relative to
// BACKEND_TRANSIENT ones.
type Weight int

const (
	WeightTransient Weight = 1
	WeightFatal     Weight = 2
)

// Options configures a Breaker. Zero values fall back to sensible defaults.
type Options struct {
	FailureThreshold int           // default 5
	FailureWindow    time.Duration // default 60s, tumbling window for CLOSED-state failure counting (see rollWindow)
	OpenDuration     time.Duration // default 30s
	OnStateChange    func(name string, from, to State)
}

func (o Options) withDefaults() Options {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.FailureWindow <= 0 {
		o.FailureWindow = 60 * time.Second
	}
	if o.OpenDuration <= 0 {
		o.OpenDuration = 30 * time.Second
	}
	return o
}

// Breaker is a single backend's circuit breaker. It is safe for concurrent
// use.
type Breaker struct {
	name    string
	options Options

	mu               sync.Mutex
	state            State
	failures         int
	windowStart      time.Time
	openedAt         time.Time
	halfOpenInFlight bool
}

// New constructs a Breaker for a backend named name, initially CLOSED.
func New(name string, opts Options) *Breaker {
	opts = opts.withDefaults()
	return &Breaker{
		name:        name,
		options:     opts,
		state:       StateClosed,
		windowStart: time.Now(),
	}
}

// Allow reports whether a call should be attempted right now. When the
// circuit is OPEN and OpenDuration has elapsed, Allow transitions it to
// HALF_OPEN and grants exactly one probing caller; subsequent concurrent
// callers are rejected until that probe resolves via Success/Failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) >= b.options.OpenDuration {
			b.setState(StateHalfOpen)
			b.halfOpenInFlight = true
			return nil
		}
		return ErrOpen
	case StateHalfOpen:
		if b.halfOpenInFlight {
			return ErrOpen
		}
		b.halfOpenInFlight = true
		return nil
	default:
		return nil
	}
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.resetWindow()
	case StateHalfOpen:
		b.halfOpenInFlight = false
		b.setState(StateClosed)
		b.resetWindow()
	}
}

// Failure records a failed call with the given weight.
func (b *Breaker) Failure(w Weight) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.rollWindow()
		b.failures += int(w)
		if b.failures >= b.options.FailureThreshold {
			b.openedAt = time.Now()
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.halfOpenInFlight = false
		b.openedAt = time.Now()
		b.setState(StateOpen)
	}
}

// rollWindow resets the failure counter once FailureWindow has elapsed
// since the window started: a tumbling approximation of a true sliding
// failure window.
func (b *Breaker) rollWindow() {
	if time.Since(b.windowStart) >= b.options.FailureWindow {
		b.resetWindow()
	}
}

func (b *Breaker) resetWindow() {
	b.failures = 0
	b.windowStart = time.Now()
}

func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if from != to && b.options.OnStateChange != nil {
		cb := b.options.OnStateChange
		name := b.name
		go cb(name, from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ForceOpen manually opens the circuit, e.g. for operator intervention.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openedAt = time.Now()
	b.setState(StateOpen)
}

// ForceClose manually closes the circuit.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.resetWindow()
}

// Metrics is a snapshot of breaker state for diagnostics.
type Metrics struct {
	Name     string
	State    State
	Failures int
}

func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Metrics{Name: b.name, State: b.state, Failures: b.failures}
}
