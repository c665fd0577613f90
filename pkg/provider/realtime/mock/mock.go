// Package mock provides test doubles for the realtime package interfaces.
//
// Use Dialer to control when (and whether) a provider connection opens, and
// Conn to feed provider events and inspect which events were sent upstream.
//
// Example:
//
//	conn := mock.NewConn()
//	d := &mock.Dialer{Conn: conn, Gate: make(chan struct{})}
//	// ... start a relay session with d ...
//	close(d.Gate) // provider handshake completes
//	conn.Push([]byte(`{"type":"transcription_session.created"}`))
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/provider/realtime"
)

// Dialer is a mock implementation of realtime.Dialer.
type Dialer struct {
	mu sync.Mutex

	// Conn is returned by Dial. If nil, Dial returns a fresh Conn.
	Conn *Conn

	// DialErr, if non-nil, is returned as the error from Dial.
	DialErr error

	// Gate, if non-nil, blocks Dial until it is closed or ctx is done.
	Gate chan struct{}

	// DialCallCount is the number of times Dial was called.
	DialCallCount int
}

// Dial waits on Gate, records the call and returns Conn, DialErr.
func (d *Dialer) Dial(ctx context.Context) (realtime.Conn, error) {
	d.mu.Lock()
	d.DialCallCount++
	gate := d.Gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	if d.Conn == nil {
		d.Conn = NewConn()
	}
	return d.Conn, nil
}

// Calls returns the number of Dial calls. Thread-safe.
func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.DialCallCount
}

// Ensure Dialer implements realtime.Dialer at compile time.
var _ realtime.Dialer = (*Dialer)(nil)

// Conn is a mock implementation of realtime.Conn.
//
// Events pushed with Push are returned by Read in order. Sent events are
// recorded and also announced on the channel returned by SentNotify.
type Conn struct {
	mu sync.Mutex

	inbound chan []byte
	done    chan struct{}
	sentCh  chan []byte

	// SendErr, if non-nil, is returned by every Send call.
	SendErr error

	// readErr is returned by Read once Fail has been called and the inbound
	// queue is drained.
	readErr error

	// SentEvents records every event passed to Send, in order.
	SentEvents [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	// CloseNowCallCount is the number of times CloseNow was called.
	CloseNowCallCount int

	// CloseGate, if non-nil, blocks Close until it is closed, like a
	// provider that never answers the closing handshake. CloseNow ignores it.
	CloseGate chan struct{}
}

// NewConn returns a ready-to-use Conn.
func NewConn() *Conn {
	return &Conn{
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
		sentCh:  make(chan []byte, 1024),
	}
}

// Push queues a provider event for Read.
func (c *Conn) Push(event []byte) {
	c.inbound <- event
}

// Fail makes the next Read return err, simulating a provider-side failure.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr == nil {
		c.readErr = err
		close(c.inbound)
	}
}

// Read returns the next pushed event.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case evt, ok := <-c.inbound:
		if !ok {
			c.mu.Lock()
			defer c.mu.Unlock()
			return nil, c.readErr
		}
		return evt, nil
	case <-c.done:
		return nil, realtime.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send records the event and returns SendErr.
func (c *Conn) Send(_ context.Context, event []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return realtime.ErrClosed
	default:
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	cp := append([]byte(nil), event...)
	c.SentEvents = append(c.SentEvents, cp)
	select {
	case c.sentCh <- cp:
	default:
	}
	return nil
}

// Close waits on CloseGate, records the call and unblocks pending Reads.
// Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	gate := c.CloseGate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCallCount++
	c.markClosed()
	return nil
}

// CloseNow records the call and unblocks pending Reads. Idempotent.
func (c *Conn) CloseNow() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseNowCallCount++
	c.markClosed()
	return nil
}

// markClosed closes done once. The caller holds c.mu.
func (c *Conn) markClosed() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// CloseCalls returns how often Close and CloseNow were called. Thread-safe.
func (c *Conn) CloseCalls() (closeCalls, closeNowCalls int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CloseCallCount, c.CloseNowCallCount
}

// Sent returns a copy of every event sent so far. Thread-safe.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.SentEvents))
	copy(out, c.SentEvents)
	return out
}

// SentNotify returns a channel receiving each sent event as it is sent.
func (c *Conn) SentNotify() <-chan []byte { return c.sentCh }

// Closed returns a channel that is closed once Close has been called.
func (c *Conn) Closed() <-chan struct{} { return c.done }

// ErrInjected is a convenience error for simulating provider failures.
var ErrInjected = errors.New("mock: injected failure")

// Ensure Conn implements realtime.Conn at compile time.
var _ realtime.Conn = (*Conn)(nil)
