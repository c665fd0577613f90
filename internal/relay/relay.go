// Package relay pairs one client WebSocket connection with one upstream
// transcription provider connection.
//
// A [Session] owns both connections, an optional capture subprocess, and a
// queue of provider events produced before the provider handshake finished.
// All of a session's state is confined to the goroutine running
// [Session.Run]; connection readers and the capture process feed it through
// channels. The [Manager] accepts clients over HTTP and tracks live sessions
// for graceful shutdown.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxrelay/internal/capture"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/transport/ws"
	"github.com/MrWong99/voxrelay/pkg/provider/realtime"
)

// ErrSessionClosed is returned by operations on a session that has already
// been torn down.
var ErrSessionClosed = errors.New("relay: session closed")

// ErrPendingOverflow is the close cause of a session whose provider did not
// open before the pending queue reached its bound.
var ErrPendingOverflow = errors.New("relay: pending queue overflow")

// Close reasons sent to the client.
const (
	reasonClientClosed   = "client closed"
	reasonProviderFailed = "provider connect failed"
	reasonProviderClosed = "provider closed"
	reasonHandshakeStall = "provider handshake stalled"
	reasonProviderWrite  = "provider write failed"
	reasonClientWrite    = "client write failed"
	reasonServerShutdown = "server shutting down"
)

// State is the lifecycle state of a session.
type State int32

const (
	// StateConnecting: the provider connection is being dialled. Outbound
	// events are queued.
	StateConnecting State = iota

	// StateReady: the provider is open and configured. Outbound events are
	// sent immediately.
	StateReady

	// StateClosed: the session has been torn down. Terminal.
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ClientConn is the client side of a session. *ws.Conn implements it.
type ClientConn interface {
	Read(ctx context.Context) (ws.Message, error)
	Send(ctx context.Context, msg ws.Message) error
	Close(reason string) error
}

// Capture is a running capture subprocess.
type Capture interface {
	// Chunks delivers PCM16 frames; closed at end of output.
	Chunks() <-chan []byte

	// Done is closed when the process has exited.
	Done() <-chan struct{}

	// Err reports the exit error once Done is closed.
	Err() error

	// Stop terminates the process without waiting.
	Stop()
}

// CaptureStarter spawns capture processes for a session.
type CaptureStarter interface {
	StartCapture(ctx context.Context) (Capture, error)
}

// CaptureFunc adapts a function to [CaptureStarter].
type CaptureFunc func(ctx context.Context) (Capture, error)

// StartCapture implements [CaptureStarter].
func (f CaptureFunc) StartCapture(ctx context.Context) (Capture, error) { return f(ctx) }

// ProcessStarter returns a [CaptureStarter] spawning processes from m.
func ProcessStarter(m *capture.Manager) CaptureStarter {
	return CaptureFunc(func(ctx context.Context) (Capture, error) {
		p, err := m.Start(ctx)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

// Config holds everything a session needs besides its client connection.
type Config struct {
	// Dialer opens the provider connection. Required.
	Dialer realtime.Dialer

	// ProviderName labels provider metrics. Default: "realtime".
	ProviderName string

	// Captures spawns capture processes. Nil disables speaker.capture.start.
	Captures CaptureStarter

	// Session is the provider configuration sent on open.
	Session realtime.SessionConfig

	// MaxPending bounds the events queued while connecting. Zero means
	// unbounded.
	MaxPending int

	// Metrics records session metrics. Default: observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Logger is the base logger. Default: trace-correlated slog.Default().
	Logger *slog.Logger
}

// Compile-time interface assertions.
var (
	_ ClientConn = (*ws.Conn)(nil)
	_ Capture    = (*capture.Process)(nil)
)
