// Package realtime defines the upstream side of a transcription relay: the
// connection contract to a streaming transcription provider and the client
// events of the Realtime transcription protocol.
//
// Inbound provider events are never interpreted here. A relay forwards them
// byte-for-byte to its client, so Conn deals in raw frames only.
package realtime

import (
	"context"
	"errors"
)

// ErrClosed is returned by Conn methods after the connection has been closed.
var ErrClosed = errors.New("realtime: connection closed")

// Conn is an open, bidirectional connection to a transcription provider.
//
// Implementations must be safe for one concurrent reader and one concurrent
// writer. Close and CloseNow must be idempotent, tolerate each other and
// unblock a pending Read.
type Conn interface {
	// Read blocks until the next provider event arrives and returns its raw
	// bytes. Any error is terminal for the connection.
	Read(ctx context.Context) ([]byte, error)

	// Send writes one text event to the provider.
	Send(ctx context.Context, event []byte) error

	// Close terminates the connection, waiting for the provider to
	// acknowledge where the transport has a closing handshake.
	Close() error

	// CloseNow terminates the connection without waiting on the provider.
	CloseNow() error
}

// Dialer opens provider connections. One Dial call yields one session-scoped
// connection; there is no pooling or reconnection.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a plain function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// SessionConfig holds the transcription parameters sent to the provider in
// the initial session.update event.
type SessionConfig struct {
	// Model is the transcription model, e.g. "gpt-4o-transcribe".
	Model string

	// Language is an ISO-639-1 hint such as "en". Empty omits the hint.
	Language string

	// Prompt is optional vocabulary or style guidance for the transcriber.
	Prompt string

	// VAD configures server-side turn detection. When VAD.Enabled is false the
	// client must commit the audio buffer explicitly.
	VAD VADConfig

	// SampleRate is the PCM16 input rate in Hz. The provider assumes 24000.
	SampleRate int

	// InputAudioFormat is the provider-side audio encoding. Empty means pcm16.
	InputAudioFormat string
}

// VADConfig configures server-side voice activity detection.
type VADConfig struct {
	Enabled           bool
	Threshold         float64
	PrefixPaddingMs   int
	SilenceDurationMs int
}
