// Package resilience guards the provider connection path.
//
// A [Breaker] is a three-state circuit breaker (closed → open → half-open).
// After MaxFailures consecutive provider dial failures it opens and new
// sessions fail fast with [ErrCircuitOpen] instead of each waiting on a
// provider that is down or rejecting the API key. [Dialer] applies a Breaker
// to any realtime.Dialer.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker is open and the reset timeout
// has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probe calls through. A failed
	// probe re-opens the breaker; HalfOpenMax successes close it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Defaults applied by [NewBreaker] to zero-value config fields.
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
	DefaultHalfOpenMax  = 1
)

// BreakerConfig tunes a [Breaker].
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed while half-open.
	HalfOpenMax int

	Logger *slog.Logger

	// now replaces time.Now in tests.
	now func() time.Time
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	log          *slog.Logger
	now          func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	probes        int
	probeSuccess  int
	rejectedCalls int
}

// NewBreaker returns a closed Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = DefaultHalfOpenMax
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		log:          cfg.Logger,
		now:          cfg.now,
	}
}

// Do runs fn if the breaker allows it. A failure observed after ctx was
// cancelled is the caller giving up, not the dependency failing, and is
// neither counted as a failure nor as a success.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case err == nil:
		b.succeeded(probe)
	case ctx.Err() != nil:
		if probe && b.state == StateHalfOpen && b.probes > 0 {
			b.probes--
		}
	default:
		b.failed(probe)
	}
	return err
}

// admit decides whether a call may proceed and whether it is a probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			b.rejectedCalls++
			return false, ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.probes = 0
		b.probeSuccess = 0
	}
	if b.state == StateHalfOpen {
		if b.probes >= b.halfOpenMax {
			b.rejectedCalls++
			return false, ErrCircuitOpen
		}
		b.probes++
		return true, nil
	}
	return false, nil
}

// failed records a failure. b.mu must be held.
func (b *Breaker) failed(probe bool) {
	if probe {
		b.openedAt = b.now()
		b.transition(StateOpen)
		return
	}
	if b.state != StateClosed {
		// A call admitted before the breaker opened.
		return
	}
	b.failures++
	if b.failures >= b.maxFailures {
		b.openedAt = b.now()
		b.transition(StateOpen)
	}
}

// succeeded records a success. b.mu must be held.
func (b *Breaker) succeeded(probe bool) {
	if probe {
		if b.state != StateHalfOpen {
			return
		}
		b.probeSuccess++
		if b.probeSuccess >= b.halfOpenMax {
			b.transition(StateClosed)
		}
		return
	}
	if b.state == StateClosed {
		b.failures = 0
	}
}

// transition moves to s and logs the change. b.mu must be held.
func (b *Breaker) transition(s State) {
	if b.state == s {
		return
	}
	from := b.state
	b.state = s
	if s == StateClosed {
		b.failures = 0
		b.probes = 0
		b.probeSuccess = 0
	}
	level := slog.LevelInfo
	if s == StateOpen {
		level = slog.LevelWarn
	}
	b.log.Log(context.Background(), level, "circuit breaker state change",
		"name", b.name,
		"from", from.String(),
		"to", s.String(),
		"consecutive_failures", b.failures,
	)
}

// State reports the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Rejected returns the number of calls refused with [ErrCircuitOpen].
func (b *Breaker) Rejected() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejectedCalls
}

// Check returns ErrCircuitOpen while the breaker refuses calls. It has the
// shape of a readiness check function.
func (b *Breaker) Check(context.Context) error {
	if b.State() == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.failures = 0
}
