package relay

import (
	"context"
	"fmt"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/pkg/provider/realtime"
)

// upstream is the provider half of a session: the connection once open and
// the FIFO of encoded events produced before that. It is owned by the
// session goroutine and not safe for concurrent use.
type upstream struct {
	conn       realtime.Conn
	pending    [][]byte
	maxPending int
	metrics    *observe.Metrics
	closed     bool

	// flushed is the number of pending events sent by open.
	flushed int
}

func newUpstream(maxPending int, m *observe.Metrics) *upstream {
	return &upstream{maxPending: maxPending, metrics: m}
}

// ready reports whether events go straight to the provider.
func (u *upstream) ready() bool { return u.conn != nil }

// open configures conn with exactly one session.update built from cfg and
// then flushes the pending queue in order. After open, events are sent
// directly.
func (u *upstream) open(ctx context.Context, conn realtime.Conn, cfg realtime.SessionConfig) error {
	update, err := realtime.SessionUpdate(cfg)
	if err != nil {
		return fmt.Errorf("relay: build session.update: %w", err)
	}
	u.conn = conn
	if err := conn.Send(ctx, update); err != nil {
		return fmt.Errorf("relay: send session.update: %w", err)
	}

	pending := u.pending
	u.pending = nil
	u.metrics.PendingMessages.Add(ctx, -int64(len(pending)))
	for i, event := range pending {
		if err := conn.Send(ctx, event); err != nil {
			return fmt.Errorf("relay: flush pending event %d/%d: %w", i+1, len(pending), err)
		}
		u.flushed++
	}
	return nil
}

// sendAudio wraps a validated PCM16 frame as input_audio_buffer.append.
func (u *upstream) sendAudio(ctx context.Context, frame []byte) error {
	return u.send(ctx, realtime.AppendAudio(frame))
}

// sendControl passes a client control message through untouched.
func (u *upstream) sendControl(ctx context.Context, text []byte) error {
	return u.send(ctx, text)
}

func (u *upstream) send(ctx context.Context, event []byte) error {
	if u.closed {
		return ErrSessionClosed
	}
	if u.ready() {
		if err := u.conn.Send(ctx, event); err != nil {
			return fmt.Errorf("relay: send to provider: %w", err)
		}
		return nil
	}
	if u.maxPending > 0 && len(u.pending) >= u.maxPending {
		return fmt.Errorf("%w: %d events queued", ErrPendingOverflow, len(u.pending))
	}
	u.pending = append(u.pending, event)
	u.metrics.PendingMessages.Add(ctx, 1)
	return nil
}

// close drops the provider connection without a closing handshake and
// releases the queue. Idempotent.
func (u *upstream) close(ctx context.Context) error {
	u.closed = true
	if n := len(u.pending); n > 0 {
		u.metrics.PendingMessages.Add(ctx, -int64(n))
		u.pending = nil
	}
	if u.conn == nil {
		return nil
	}
	conn := u.conn
	u.conn = nil
	return conn.CloseNow()
}
