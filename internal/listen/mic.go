package listen

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// DefaultFramesPerBuffer is the portaudio block size used by [OpenMic].
const DefaultFramesPerBuffer = 1024

// Mic captures the default input device at its native sample rate.
type Mic struct {
	stream *portaudio.Stream
	buf    []float32
	rate   int
	name   string

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

var _ Source = (*Mic)(nil)

// OpenMic initialises portaudio and opens a mono input stream on the default
// input device. framesPerBuffer <= 0 selects DefaultFramesPerBuffer.
func OpenMic(framesPerBuffer int) (*Mic, error) {
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("listen: init portaudio: %w", err)
	}
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("listen: default input device: %w", err)
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      dev.DefaultSampleRate,
		FramesPerBuffer: framesPerBuffer,
	}
	buf := make([]float32, framesPerBuffer)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("listen: open input stream on %q: %w", dev.Name, err)
	}
	return &Mic{
		stream: stream,
		buf:    buf,
		rate:   int(dev.DefaultSampleRate),
		name:   dev.Name,
		done:   make(chan struct{}),
	}, nil
}

// Name returns the input device name.
func (m *Mic) Name() string { return m.name }

// SampleRate implements [Source].
func (m *Mic) SampleRate() int { return m.rate }

// Channels implements [Source].
func (m *Mic) Channels() int { return 1 }

// Start begins capturing. Blocks are dropped when the consumer falls behind.
func (m *Mic) Start(ctx context.Context) (<-chan []float32, error) {
	if err := m.stream.Start(); err != nil {
		close(m.done)
		return nil, fmt.Errorf("listen: start input stream: %w", err)
	}
	ctx, m.cancel = context.WithCancel(ctx)
	out := make(chan []float32, 32)

	go func() {
		defer close(m.done)
		defer close(out)
		defer func() { _ = m.stream.Stop() }()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if err := m.stream.Read(); err != nil {
				slog.Debug("audio read error", "device", m.name, "err", err)
				return
			}
			block := append([]float32(nil), m.buf...)
			select {
			case out <- block:
			default:
				slog.Debug("audio buffer full, dropping block", "device", m.name)
			}
		}
	}()
	return out, nil
}

// Close stops capture and releases portaudio. It is safe to call more than
// once and without a prior Start.
func (m *Mic) Close() error {
	var err error
	m.closeOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
			<-m.done
		}
		if cerr := m.stream.Close(); cerr != nil {
			err = fmt.Errorf("listen: close input stream: %w", cerr)
		}
		_ = portaudio.Terminate()
	})
	return err
}
