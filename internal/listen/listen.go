// Package listen is a terminal client for the relay. It streams microphone
// audio (or asks the relay to run its own speaker capture) and prints the
// transcripts the relay forwards back.
package listen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxrelay/internal/transport/ws"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/realtime"
)

// ErrRelayClosed is returned by [Client.Run] when the relay ends the
// connection before the client asked to stop.
var ErrRelayClosed = errors.New("listen: relay closed the connection")

// ErrSourceClosed is returned by [Pump] when the audio source stops on its
// own. [Client.Run] treats it as a request to finish.
var ErrSourceClosed = errors.New("listen: audio source closed")

// DefaultLinger is how long Run waits for a final transcript after sending
// the closing commit.
const DefaultLinger = 2 * time.Second

// Source produces blocks of interleaved float32 samples at its native rate.
// The channel returned by Start is closed once the source has stopped.
type Source interface {
	Start(ctx context.Context) (<-chan []float32, error)
	SampleRate() int
	Channels() int
	Close() error
}

// Sender is the write half of a relay connection.
type Sender interface {
	Send(ctx context.Context, msg ws.Message) error
}

// Config configures a [Client].
type Config struct {
	// URL is the relay websocket endpoint, e.g. ws://localhost:3001/ws.
	URL string

	// BackendCapture asks the relay to capture speaker audio instead of
	// streaming from Source.
	BackendCapture bool

	// VAD enables server-side turn detection. When false the client commits
	// explicitly on shutdown.
	VAD bool

	// SilenceMs is the server VAD silence duration.
	SilenceMs int

	// Source provides microphone audio. Required unless BackendCapture is set.
	Source Source

	// Linger overrides DefaultLinger when positive.
	Linger time.Duration

	Out    io.Writer
	Err    io.Writer
	Logger *slog.Logger
}

// Client connects to a relay and renders its transcripts.
type Client struct {
	cfg      Config
	log      *slog.Logger
	render   *Renderer
	finished chan struct{}
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("listen: URL is required")
	}
	if !cfg.BackendCapture && cfg.Source == nil {
		return nil, errors.New("listen: an audio source is required without backend capture")
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Err == nil {
		cfg.Err = os.Stderr
	}
	if cfg.Linger <= 0 {
		cfg.Linger = DefaultLinger
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		log:      log,
		render:   NewRenderer(cfg.Out, cfg.Err),
		finished: make(chan struct{}, 1),
	}, nil
}

// Override builds the session.update a client sends right after connecting.
// With vad disabled turn_detection is null and the client commits manually.
func Override(vad bool, silenceMs int) []byte {
	type turnDetection struct {
		Type              string `json:"type"`
		SilenceDurationMs int    `json:"silence_duration_ms,omitempty"`
	}
	var td *turnDetection
	if vad {
		td = &turnDetection{Type: "server_vad", SilenceDurationMs: silenceMs}
	}
	msg := struct {
		Type    string `json:"type"`
		Session struct {
			InputAudioFormat string         `json:"input_audio_format"`
			TurnDetection    *turnDetection `json:"turn_detection"`
		} `json:"session"`
	}{Type: realtime.EventSessionUpdate}
	msg.Session.InputAudioFormat = realtime.InputAudioFormatPCM16
	msg.Session.TurnDetection = td
	// Marshalling fixed struct types cannot fail.
	data, _ := json.Marshal(msg)
	return data
}

func typeOnly(eventType string) []byte {
	return []byte(`{"type":"` + eventType + `"}`)
}

// Run connects to the relay and streams until ctx is cancelled, the audio
// source ends or the relay closes the connection. In the first two cases it
// sends a final commit (or stops the backend capture), waits briefly for the
// last transcript and closes.
func (c *Client) Run(ctx context.Context) error {
	conn, err := ws.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer conn.Close("listener done")
	c.log.Info("connected to relay", "url", c.cfg.URL, "backend_capture", c.cfg.BackendCapture, "vad", c.cfg.VAD)

	if err := conn.Send(ctx, ws.Text(Override(c.cfg.VAD, c.cfg.SilenceMs))); err != nil {
		return fmt.Errorf("listen: send session override: %w", err)
	}

	var blocks <-chan []float32
	if c.cfg.BackendCapture {
		if err := conn.Send(ctx, ws.Text(typeOnly(realtime.EventSpeakerCaptureStart))); err != nil {
			return fmt.Errorf("listen: start capture: %w", err)
		}
	} else {
		blocks, err = c.cfg.Source.Start(ctx)
		if err != nil {
			return fmt.Errorf("listen: start audio source: %w", err)
		}
		defer func() {
			_ = c.cfg.Source.Close()
			audio.Drain(blocks)
		}()
	}

	readDone := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(readDone)
		return c.readLoop(context.WithoutCancel(ctx), conn)
	})

	if blocks != nil {
		framer := audio.Framer{
			SourceRate:     c.cfg.Source.SampleRate(),
			SourceChannels: c.cfg.Source.Channels(),
			TargetRate:     audio.DefaultSampleRate,
		}
		g.Go(func() error {
			return Pump(gctx, conn, framer, blocks)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		c.finish(conn, readDone)
		return conn.Close("listener done")
	})

	err = g.Wait()
	if errors.Is(err, ErrSourceClosed) {
		c.log.Info("audio source ended")
		return nil
	}
	return err
}

// readLoop renders relay events until the connection closes.
func (c *Client) readLoop(ctx context.Context, conn *ws.Conn) error {
	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-conn.Done():
				return nil
			default:
			}
			if errors.Is(err, ws.ErrClosed) {
				return ErrRelayClosed
			}
			return fmt.Errorf("listen: %w", err)
		}
		if msg.Kind != ws.KindText {
			continue
		}
		ev, ok := c.render.Render(msg.Data)
		if ok && ev.Type == realtime.EventTranscriptionCompleted {
			select {
			case c.finished <- struct{}{}:
			default:
			}
		}
	}
}

// finish sends the closing control event and lingers for a trailing
// transcript.
func (c *Client) finish(conn *ws.Conn, readDone <-chan struct{}) {
	select {
	case <-readDone:
		return
	default:
	}
	seen := c.render.Completed()

	final := realtime.EventInputAudioCommit
	if c.cfg.BackendCapture {
		final = realtime.EventSpeakerCaptureStop
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Linger)
	defer cancel()
	if err := conn.Send(ctx, ws.Text(typeOnly(final))); err != nil {
		c.log.Warn("failed to send final event", "type", final, "err", err)
		return
	}
	c.log.Debug("sent final event", "type", final)

	for {
		select {
		case <-c.finished:
			if c.render.Completed() > seen {
				return
			}
		case <-readDone:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Pump frames every block from blocks and sends it as a binary message. It
// returns nil when ctx is cancelled and [ErrSourceClosed] when blocks is
// closed.
func Pump(ctx context.Context, conn Sender, framer audio.Framer, blocks <-chan []float32) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case block, ok := <-blocks:
			if !ok {
				return ErrSourceClosed
			}
			frame := framer.Frame(block)
			if frame == nil {
				continue
			}
			if err := conn.Send(ctx, ws.Binary(frame)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("listen: send audio: %w", err)
			}
		}
	}
}
