package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(maxFailures, halfOpenMax int) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(BreakerConfig{
		Name:         "test",
		MaxFailures:  maxFailures,
		ResetTimeout: time.Minute,
		HalfOpenMax:  halfOpenMax,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:          clock.Now,
	})
	return b, clock
}

func fail(context.Context) error    { return errTest }
func succeed(context.Context) error { return nil }

func TestNewBreaker_Defaults(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{})
	if b.maxFailures != DefaultMaxFailures {
		t.Errorf("maxFailures = %d, want %d", b.maxFailures, DefaultMaxFailures)
	}
	if b.resetTimeout != DefaultResetTimeout {
		t.Errorf("resetTimeout = %v, want %v", b.resetTimeout, DefaultResetTimeout)
	}
	if b.halfOpenMax != DefaultHalfOpenMax {
		t.Errorf("halfOpenMax = %d, want %d", b.halfOpenMax, DefaultHalfOpenMax)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, _ := newTestBreaker(3, 1)

	for range 3 {
		if err := b.Do(ctx, fail); !errors.Is(err, errTest) {
			t.Fatalf("Do = %v, want errTest", err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("Do while open = %v (called=%v), want ErrCircuitOpen without calling", err, called)
	}
	if b.Rejected() != 1 {
		t.Errorf("Rejected = %d, want 1", b.Rejected())
	}
	if err := b.Check(ctx); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Check = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, _ := newTestBreaker(3, 1)

	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, succeed)
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreaker_CancelledCallsAreNeutral(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(2, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for range 5 {
		_ = b.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after cancelled calls", b.State())
	}
}

func TestBreaker_HalfOpen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		probes    []func(context.Context) error
		wantState State
	}{
		{name: "successful probes close", probes: []func(context.Context) error{succeed, succeed}, wantState: StateClosed},
		{name: "failed probe reopens", probes: []func(context.Context) error{fail}, wantState: StateOpen},
		{name: "one success is not enough", probes: []func(context.Context) error{succeed}, wantState: StateHalfOpen},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			b, clock := newTestBreaker(1, 2)

			_ = b.Do(ctx, fail)
			if b.State() != StateOpen {
				t.Fatal("expected open")
			}
			clock.Advance(time.Minute)
			if b.State() != StateHalfOpen {
				t.Fatalf("state = %v, want half-open after the reset timeout", b.State())
			}
			for _, p := range tc.probes {
				_ = b.Do(ctx, p)
			}
			if got := b.State(); got != tc.wantState {
				t.Errorf("state = %v, want %v", got, tc.wantState)
			}
		})
	}
}

func TestBreaker_HalfOpenLimitsProbes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, clock := newTestBreaker(1, 1)
	_ = b.Do(ctx, fail)
	clock.Advance(time.Minute)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := b.Do(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second probe = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe = %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, _ := newTestBreaker(1, 1)
	_ = b.Do(ctx, fail)

	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", b.State())
	}
	if err := b.Do(ctx, succeed); err != nil {
		t.Fatalf("Do after reset = %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
