package relay

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxrelay/internal/transport/ws"
	"github.com/MrWong99/voxrelay/pkg/provider/realtime"
	"github.com/MrWong99/voxrelay/pkg/provider/realtime/mock"
)

const waitTimeout = 5 * time.Second

// ── fakeClient ───────────────────────────────────────────────────────────────

// fakeClient is an in-memory ClientConn. Messages written to in are returned
// by Read; messages the session sends appear on out.
type fakeClient struct {
	in     chan ws.Message
	out    chan ws.Message
	closed chan struct{}

	// closeGate, if non-nil, blocks Close until it is closed.
	closeGate chan struct{}

	hangupOnce sync.Once
	closeOnce  sync.Once
	mu         sync.Mutex
	reason     string
	closeCalls int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		in:     make(chan ws.Message),
		out:    make(chan ws.Message, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeClient) Read(ctx context.Context) (ws.Message, error) {
	select {
	case msg, ok := <-c.in:
		if !ok {
			return ws.Message{}, fmt.Errorf("%w: peer went away", ws.ErrClosed)
		}
		return msg, nil
	case <-c.closed:
		return ws.Message{}, ws.ErrClosed
	case <-ctx.Done():
		return ws.Message{}, ctx.Err()
	}
}

func (c *fakeClient) Send(ctx context.Context, msg ws.Message) error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeClient) Close(reason string) error {
	if c.closeGate != nil {
		<-c.closeGate
	}
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

// send delivers msg to the session, failing the test if nobody reads it.
func (c *fakeClient) send(t *testing.T, msg ws.Message) {
	t.Helper()
	select {
	case c.in <- msg:
	case <-c.closed:
		t.Fatalf("client closed (%q) before message was read", c.closeReason())
	case <-time.After(waitTimeout):
		t.Fatal("session did not read client message")
	}
}

func (c *fakeClient) sendText(t *testing.T, s string) {
	t.Helper()
	c.send(t, ws.Text([]byte(s)))
}

func (c *fakeClient) sendBinary(t *testing.T, b []byte) {
	t.Helper()
	c.send(t, ws.Binary(b))
}

// hangup simulates the peer disconnecting.
func (c *fakeClient) hangup() {
	c.hangupOnce.Do(func() { close(c.in) })
}

func (c *fakeClient) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *fakeClient) waitClosed(t *testing.T) string {
	t.Helper()
	select {
	case <-c.closed:
		return c.closeReason()
	case <-time.After(waitTimeout):
		t.Fatal("client was not closed")
		return ""
	}
}

func (c *fakeClient) next(t *testing.T) ws.Message {
	t.Helper()
	select {
	case msg := <-c.out:
		return msg
	case <-time.After(waitTimeout):
		t.Fatal("no message sent to client")
		return ws.Message{}
	}
}

// ── fakeCapture ──────────────────────────────────────────────────────────────

type fakeCapture struct {
	chunks    chan []byte
	done      chan struct{}
	stopped   chan struct{}
	stopOnce  sync.Once
	exitOnce  sync.Once
	stopCalls atomic.Int32
	err       error
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{
		chunks:  make(chan []byte, 16),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (c *fakeCapture) Chunks() <-chan []byte { return c.chunks }
func (c *fakeCapture) Done() <-chan struct{} { return c.done }

func (c *fakeCapture) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *fakeCapture) Stop() {
	c.stopCalls.Add(1)
	c.stopOnce.Do(func() { close(c.stopped) })
}

// exit simulates the process ending on its own.
func (c *fakeCapture) exit(err error) {
	c.exitOnce.Do(func() {
		c.err = err
		close(c.chunks)
		close(c.done)
	})
}

func (c *fakeCapture) waitStopped(t *testing.T) {
	t.Helper()
	select {
	case <-c.stopped:
	case <-time.After(waitTimeout):
		t.Fatal("capture was not stopped")
	}
}

// captureStarter hands out fakeCaptures and counts calls.
type captureStarter struct {
	mu       sync.Mutex
	err      error
	captures []*fakeCapture

	// queued is placed on every new capture's chunk channel before it is
	// handed out.
	queued [][]byte
}

func (s *captureStarter) StartCapture(context.Context) (Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	c := newFakeCapture()
	for _, chunk := range s.queued {
		c.chunks <- chunk
	}
	s.captures = append(s.captures, c)
	return c, nil
}

func (s *captureStarter) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.captures)
}

func (s *captureStarter) capture(i int) *fakeCapture {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captures[i]
}

// ── harness ──────────────────────────────────────────────────────────────────

type harness struct {
	session *Session
	client  *fakeClient
	dialer  *mock.Dialer
	conn    *mock.Conn
	errc    chan error
}

// startSession runs a session against a mock provider. The provider handshake
// completes only after openProvider when gated is true.
func startSession(t *testing.T, gated bool, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		client: newFakeClient(),
		conn:   mock.NewConn(),
		errc:   make(chan error, 1),
	}
	h.dialer = &mock.Dialer{Conn: h.conn}
	if gated {
		h.dialer.Gate = make(chan struct{})
	}
	cfg := Config{
		Dialer:     h.dialer,
		MaxPending: 64,
		Session: realtime.SessionConfig{
			Model:      "gpt-4o-transcribe",
			Language:   "en",
			SampleRate: 24000,
			VAD:        realtime.VADConfig{Enabled: true, Threshold: 0.5, PrefixPaddingMs: 300, SilenceDurationMs: 500},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.session = NewSession(h.client, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.errc <- h.session.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		h.client.hangup()
		select {
		case <-h.errc:
		case <-time.After(waitTimeout):
			t.Error("session did not stop")
		}
	})
	return h
}

func (h *harness) openProvider() { close(h.dialer.Gate) }

// wait returns the error Run returned.
func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errc:
		// Put it back so Cleanup does not block.
		h.errc <- err
		return err
	case <-time.After(waitTimeout):
		t.Fatal("session did not end")
		return nil
	}
}

// waitSent blocks until the provider has received at least n events and
// returns them.
func waitSent(t *testing.T, conn *mock.Conn, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		sent := conn.Sent()
		if len(sent) >= n {
			return sent
		}
		if time.Now().After(deadline) {
			t.Fatalf("provider received %d events, want %d", len(sent), n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// barrier sends a passthrough event and waits until the provider has it,
// which proves every earlier client message was handled.
func (h *harness) barrier(t *testing.T, tag string) {
	t.Helper()
	event := []byte(fmt.Sprintf(`{"type":"test.barrier","tag":%q}`, tag))
	h.client.send(t, ws.Text(event))
	deadline := time.Now().Add(waitTimeout)
	for {
		for _, e := range h.conn.Sent() {
			if bytes.Equal(e, event) {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("barrier %q never reached the provider", tag)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
