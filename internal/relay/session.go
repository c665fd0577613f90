package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/transport/ws"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/realtime"
)

// Session relays one client connection to one provider connection.
// Create it with [NewSession] and drive it with [Session.Run].
type Session struct {
	id     string
	client ClientConn
	cfg    Config
	state  atomic.Int32

	// Owned by the Run goroutine.
	session  realtime.SessionConfig
	up       *upstream
	capture  Capture
	chunks   <-chan []byte
	started  time.Time
	log      *slog.Logger
	reason   string
	closeErr error
}

// NewSession returns a session for client. It does nothing until Run.
func NewSession(client ClientConn, cfg Config) *Session {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "realtime"
	}
	s := &Session{
		id:      uuid.NewString(),
		client:  client,
		cfg:     cfg,
		session: cfg.Session,
		up:      newUpstream(cfg.MaxPending, cfg.Metrics),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state. Safe for concurrent use.
func (s *Session) State() State { return State(s.state.Load()) }

// ── Events ───────────────────────────────────────────────────────────────────

type clientEvent struct {
	msg ws.Message
	err error
}

type providerEvent struct {
	data []byte
	err  error
}

type dialResult struct {
	conn realtime.Conn
	err  error
}

// Run drives the session until either side closes, an unrecoverable error
// occurs, or ctx is cancelled. On return every resource is released. The
// returned error describes why the session ended and is nil when the client
// left or ctx was cancelled.
func (s *Session) Run(ctx context.Context) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctx, span := observe.StartSessionSpan(ctx, s.id, s.cfg.ProviderName)
	defer func() { observe.EndSessionSpan(span, s.reason, s.closeErr) }()

	s.log = observe.SessionLogger(ctx, s.cfg.Logger, s.id)
	s.started = time.Now()
	s.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	s.log.Info("relay: session opened")

	clientCh := make(chan clientEvent)
	dialCh := make(chan dialResult)
	var providerCh chan providerEvent

	go s.readClient(ctx, clientCh)
	go s.dial(ctx, dialCh)

	for {
		// Exit is only observed once the chunk stream has been drained.
		var captureDone <-chan struct{}
		if s.capture != nil && s.chunks == nil {
			captureDone = s.capture.Done()
		}

		select {
		case <-ctx.Done():
			s.teardown(ctx, reasonServerShutdown, nil)

		case ev := <-clientCh:
			if ev.err != nil && ctx.Err() != nil {
				s.teardown(ctx, reasonServerShutdown, nil)
				break
			}
			if ev.err != nil {
				s.log.Debug("relay: client read ended", "err", ev.err)
				s.teardown(ctx, reasonClientClosed, nil)
				break
			}
			if err := s.handleClient(ctx, ev.msg); err != nil {
				s.teardown(ctx, closeReason(err), err)
			}

		case res := <-dialCh:
			if res.err != nil && ctx.Err() != nil {
				s.teardown(ctx, reasonServerShutdown, nil)
				break
			}
			if res.err != nil {
				s.cfg.Metrics.RecordProviderError(ctx, s.cfg.ProviderName, "dial")
				s.teardown(ctx, reasonProviderFailed, fmt.Errorf("relay: dial provider: %w", res.err))
				break
			}
			if err := s.onProviderOpen(ctx, res.conn); err != nil {
				s.cfg.Metrics.RecordProviderError(ctx, s.cfg.ProviderName, "write")
				s.teardown(ctx, reasonProviderWrite, err)
				break
			}
			providerCh = make(chan providerEvent)
			go s.readProvider(ctx, res.conn, providerCh)

		case ev := <-providerCh:
			if ev.err != nil && ctx.Err() != nil {
				s.teardown(ctx, reasonServerShutdown, nil)
				break
			}
			if ev.err != nil {
				s.cfg.Metrics.RecordProviderError(ctx, s.cfg.ProviderName, "read")
				s.teardown(ctx, reasonProviderClosed, fmt.Errorf("relay: provider read: %w", ev.err))
				break
			}
			s.cfg.Metrics.ProviderEvents.Add(ctx, 1)
			if err := s.client.Send(ctx, ws.Text(ev.data)); err != nil {
				s.teardown(ctx, reasonClientWrite, fmt.Errorf("relay: forward to client: %w", err))
			}

		case chunk, ok := <-s.chunks:
			if !ok {
				s.chunks = nil
				break
			}
			if err := s.handleAudio(ctx, chunk, observe.SourceCapture); err != nil {
				s.teardown(ctx, closeReason(err), err)
			}

		case <-captureDone:
			s.captureExited(ctx)
		}

		if s.State() == StateClosed {
			return s.closeErr
		}
	}
}

func (s *Session) readClient(ctx context.Context, out chan<- clientEvent) {
	for {
		msg, err := s.client.Read(ctx)
		select {
		case out <- clientEvent{msg: msg, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) dial(ctx context.Context, out chan<- dialResult) {
	conn, err := s.cfg.Dialer.Dial(ctx)
	select {
	case out <- dialResult{conn: conn, err: err}:
	case <-ctx.Done():
		if conn != nil {
			_ = conn.CloseNow()
		}
	}
}

func (s *Session) readProvider(ctx context.Context, conn realtime.Conn, out chan<- providerEvent) {
	for {
		data, err := conn.Read(ctx)
		select {
		case out <- providerEvent{data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// ── Handlers ─────────────────────────────────────────────────────────────────

func (s *Session) onProviderOpen(ctx context.Context, conn realtime.Conn) error {
	if err := s.up.open(ctx, conn, s.session); err != nil {
		return err
	}
	s.state.Store(int32(StateReady))
	latency := time.Since(s.started)
	s.cfg.Metrics.HandshakeDuration.Record(ctx, latency.Seconds())
	observe.SessionEvent(ctx, observe.EventProviderReady,
		attribute.Int64("pending.flushed", int64(s.up.flushed)))
	s.log.Info("relay: provider open", "latency", latency)
	return nil
}

func (s *Session) handleClient(ctx context.Context, msg ws.Message) error {
	if msg.Kind == ws.KindBinary {
		return s.handleAudio(ctx, msg.Data, observe.SourceClient)
	}

	ctrl, err := realtime.ParseControl(msg.Data)
	if err != nil {
		s.cfg.Metrics.RecordControlMessage(ctx, "malformed")
		s.log.Debug("relay: dropping malformed control message", "err", err)
		return nil
	}

	switch ctrl.Type {
	case realtime.EventSpeakerCaptureStart:
		s.cfg.Metrics.RecordControlMessage(ctx, ctrl.Type)
		s.startCapture(ctx)
		return nil

	case realtime.EventSpeakerCaptureStop:
		s.cfg.Metrics.RecordControlMessage(ctx, ctrl.Type)
		if err := s.drainCapture(ctx); err != nil {
			return err
		}
		s.stopCapture(ctx)
		return s.up.sendControl(ctx, realtime.Commit())

	case realtime.EventSessionUpdate:
		s.cfg.Metrics.RecordControlMessage(ctx, ctrl.Type)
		s.session = realtime.ApplyOverride(s.session, ctrl.Session)
		s.log.Debug("relay: session override", "vad", s.session.VAD.Enabled, "format", s.session.InputAudioFormat)
		return s.up.sendControl(ctx, msg.Data)

	case realtime.EventInputAudioCommit:
		s.cfg.Metrics.RecordControlMessage(ctx, ctrl.Type)
		return s.up.sendControl(ctx, msg.Data)

	default:
		s.cfg.Metrics.RecordControlMessage(ctx, "passthrough")
		return s.up.sendControl(ctx, msg.Data)
	}
}

func (s *Session) handleAudio(ctx context.Context, frame []byte, source string) error {
	if !audio.ValidFrame(frame) {
		reason := "odd_length"
		if len(frame) == 0 {
			reason = "empty"
		}
		s.cfg.Metrics.RecordDroppedFrame(ctx, source, reason)
		return nil
	}
	if err := s.up.sendAudio(ctx, frame); err != nil {
		return err
	}
	s.cfg.Metrics.RecordAudioFrame(ctx, source, len(frame))
	return nil
}

func (s *Session) startCapture(ctx context.Context) {
	if s.capture != nil {
		s.cfg.Metrics.RecordCaptureStart(ctx, "already_running")
		return
	}
	if s.cfg.Captures == nil {
		s.cfg.Metrics.RecordCaptureStart(ctx, "disabled")
		s.log.Warn("relay: capture requested but disabled")
		return
	}
	c, err := s.cfg.Captures.StartCapture(ctx)
	if err != nil {
		s.cfg.Metrics.RecordCaptureStart(ctx, "error")
		s.log.Warn("relay: capture failed to start", "err", err)
		return
	}
	s.capture = c
	s.chunks = c.Chunks()
	s.cfg.Metrics.RecordCaptureStart(ctx, "started")
	s.cfg.Metrics.ActiveCaptures.Add(ctx, 1)
	observe.SessionEvent(ctx, observe.EventCaptureStarted)
	s.log.Info("relay: capture started")
}

// drainCapture forwards the chunks the capture has already queued so a
// following commit covers them. It never blocks on the process.
func (s *Session) drainCapture(ctx context.Context) error {
	for n := len(s.chunks); n > 0; n-- {
		chunk, ok := <-s.chunks
		if !ok {
			return nil
		}
		if err := s.handleAudio(ctx, chunk, observe.SourceCapture); err != nil {
			return err
		}
	}
	return nil
}

// stopCapture stops the active capture, if any, and forgets it. Output the
// process produces afterwards is discarded.
func (s *Session) stopCapture(ctx context.Context) {
	if s.capture == nil {
		return
	}
	s.capture.Stop()
	s.capture = nil
	s.chunks = nil
	s.cfg.Metrics.ActiveCaptures.Add(ctx, -1)
	s.log.Info("relay: capture stopped")
}

// captureExited handles a capture process that ended on its own. Only the
// current capture's Done channel is ever selected, so the reference is
// always the one that exited. A later speaker.capture.start spawns a new one.
func (s *Session) captureExited(ctx context.Context) {
	err := s.capture.Err()
	observe.SessionEvent(ctx, observe.EventCaptureExited, attribute.Bool("error", err != nil))
	if err != nil {
		s.log.Warn("relay: capture exited", "err", err)
	} else {
		s.log.Info("relay: capture exited")
	}
	s.capture = nil
	s.chunks = nil
	s.cfg.Metrics.ActiveCaptures.Add(ctx, -1)
}

// teardown releases everything the session owns, in order: capture,
// provider, client. The provider is dropped without a closing handshake.
// Idempotent.
func (s *Session) teardown(ctx context.Context, reason string, cause error) {
	if s.State() == StateClosed {
		return
	}
	s.state.Store(int32(StateClosed))
	s.reason = reason
	s.closeErr = cause

	s.stopCapture(ctx)
	if err := s.up.close(ctx); err != nil {
		s.log.Debug("relay: provider close", "err", err)
	}
	if err := s.client.Close(reason); err != nil {
		s.log.Debug("relay: client close", "err", err)
	}

	duration := time.Since(s.started)
	s.cfg.Metrics.ActiveSessions.Add(ctx, -1)
	s.cfg.Metrics.SessionDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("reason", reason)),
	)
	if errors.Is(cause, ErrPendingOverflow) {
		s.cfg.Metrics.PendingOverflows.Add(ctx, 1)
	}

	attrs := []any{"reason", reason, "duration", duration}
	if cause != nil {
		s.log.Warn("relay: session closed", append(attrs, "err", cause)...)
		return
	}
	s.log.Info("relay: session closed", attrs...)
}

// closeReason maps a handler error to the close reason shown to the client.
func closeReason(err error) string {
	if errors.Is(err, ErrPendingOverflow) {
		return reasonHandshakeStall
	}
	return reasonProviderWrite
}
