package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/MrWong99/voxrelay/pkg/provider/realtime/mock"
)

func TestDialer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inner := &mock.Dialer{DialErr: errors.New("401 unauthorized")}
	d := NewDialer(inner, BreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Hour,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if d.Unwrap() != inner {
		t.Fatal("Unwrap did not return the wrapped dialer")
	}

	for range 2 {
		if _, err := d.Dial(ctx); err == nil || errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("Dial = %v, want the provider error", err)
		}
	}
	_, err := d.Dial(ctx)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Dial = %v, want ErrCircuitOpen", err)
	}
	if got := inner.Calls(); got != 2 {
		t.Errorf("inner dial calls = %d, want 2", got)
	}

	conn := mock.NewConn()
	ok := NewDialer(&mock.Dialer{Conn: conn}, BreakerConfig{})
	got, err := ok.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if got != conn {
		t.Error("Dial returned a different connection")
	}
}

func TestDialer_CancelledDialDoesNotTrip(t *testing.T) {
	t.Parallel()
	inner := &mock.Dialer{Gate: make(chan struct{})}
	d := NewDialer(inner, BreakerConfig{MaxFailures: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Dial(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Dial = %v, want context.Canceled", err)
	}
	if s := d.Breaker().State(); s != StateClosed {
		t.Errorf("state = %v, want closed", s)
	}
}
