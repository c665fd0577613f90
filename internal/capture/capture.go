// Package capture runs an external audio capture program (ffmpeg by default)
// and streams its raw PCM16 stdout as frames.
//
// A [Manager] holds the resolved command line; each call to [Manager.Start]
// spawns an independent [Process]. Processes are owned by exactly one relay
// session, which stops them on teardown.
package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// ErrNoExecutable is returned by [Manager.Start] when the capture program
// cannot be resolved.
var ErrNoExecutable = errors.New("capture: executable not found")

const (
	// readBufferSize is the stdout read size. At 24 kHz mono PCM16 this is
	// roughly 85 ms of audio.
	readBufferSize = 4096

	// defaultChunkBuffer is the chunk channel capacity when Config leaves it 0.
	defaultChunkBuffer = 64

	// killTimeout is how long a terminated process may take to exit before
	// it is killed.
	killTimeout = 3 * time.Second
)

// Input formats understood by [DefaultArgs].
const (
	FormatDShow        = "dshow"
	FormatPulse        = "pulse"
	FormatAVFoundation = "avfoundation"
)

// Config describes how to spawn the capture program.
type Config struct {
	// Path is the executable, resolved through $PATH. Default: "ffmpeg".
	Path string

	// Device names the loopback or virtual input device.
	Device string

	// InputFormat selects the ffmpeg demuxer for Device. Default: dshow.
	InputFormat string

	// SampleRate is the output rate in Hz. Default: [audio.DefaultSampleRate].
	SampleRate int

	// Args replaces the generated argument list when non-empty.
	Args []string

	// SourceRate and SourceChannels describe what a custom Args list writes
	// to stdout. Zero means mono at SampleRate.
	SourceRate     int
	SourceChannels int

	// ChunkBuffer is the capacity of the chunk channel.
	ChunkBuffer int

	// Env is appended to the current process environment.
	Env []string

	// Logger receives stderr lines at debug level. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultArgs returns the ffmpeg arguments that read device through the
// given demuxer and write mono s16le at rate to stdout.
func DefaultArgs(inputFormat, device string, rate int) []string {
	var input string
	switch inputFormat {
	case FormatPulse:
		input = device
	case FormatAVFoundation:
		input = ":" + device
	default:
		inputFormat = FormatDShow
		input = "audio=" + device
	}
	return []string{
		"-f", inputFormat,
		"-i", input,
		"-ac", "1",
		"-ar", strconv.Itoa(rate),
		"-f", "s16le",
		"pipe:1",
	}
}

// Manager spawns capture processes from a fixed configuration.
type Manager struct {
	cfg  Config
	args []string
	src  audio.Format
	dst  audio.Format
}

// New returns a Manager for cfg with defaults applied.
func New(cfg Config) *Manager {
	if cfg.Path == "" {
		cfg.Path = "ffmpeg"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.ChunkBuffer <= 0 {
		cfg.ChunkBuffer = defaultChunkBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		cfg: cfg,
		dst: audio.Format{SampleRate: cfg.SampleRate, Channels: 1},
	}
	m.src = m.dst
	if len(cfg.Args) > 0 {
		m.args = cfg.Args
		if cfg.SourceRate > 0 {
			m.src.SampleRate = cfg.SourceRate
		}
		if cfg.SourceChannels > 0 {
			m.src.Channels = cfg.SourceChannels
		}
	} else {
		m.args = DefaultArgs(cfg.InputFormat, cfg.Device, cfg.SampleRate)
	}
	return m
}

// Path returns the configured executable.
func (m *Manager) Path() string { return m.cfg.Path }

// Args returns the argument list passed to the executable.
func (m *Manager) Args() []string { return m.args }

// Start spawns a capture process. Cancelling ctx terminates it.
func (m *Manager) Start(ctx context.Context) (*Process, error) {
	path, err := exec.LookPath(m.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoExecutable, err)
	}
	conv, err := audio.NewConverter(m.src, m.dst)
	if err != nil {
		return nil, fmt.Errorf("capture: start: %w", err)
	}

	cmd := exec.CommandContext(ctx, path, m.args...)
	cmd.Cancel = func() error { return terminate(cmd.Process) }
	cmd.WaitDelay = killTimeout
	if len(m.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), m.cfg.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("capture: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("capture: start %s: %w", m.cfg.Path, err)
	}

	p := &Process{
		cmd:     cmd,
		chunks:  make(chan []byte, m.cfg.ChunkBuffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		log:     m.cfg.Logger.With("pid", cmd.Process.Pid),
	}
	p.log.Debug("capture: started", "path", path, "args", m.args)

	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		p.pumpStdout(ctx, stdout, conv)
	}()
	go func() {
		defer pipes.Done()
		p.drainStderr(stderr)
	}()
	go func() {
		// Wait must not run before all pipe reads are finished.
		pipes.Wait()
		p.exit(cmd.Wait())
	}()

	return p, nil
}

// Process is a running capture subprocess.
type Process struct {
	cmd     *exec.Cmd
	chunks  chan []byte
	done    chan struct{}
	stopped chan struct{}
	log     *slog.Logger

	stopOnce sync.Once
	err      error
}

// Chunks delivers PCM16 frames in the wire format. Every chunk passes
// [audio.ValidFrame]. The channel is closed when stdout reaches EOF.
func (p *Process) Chunks() <-chan []byte { return p.chunks }

// Done is closed once the process has exited and all output is consumed or
// discarded.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit error. It is only meaningful after Done is closed and
// is nil when the process exited cleanly or was stopped through [Process.Stop].
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// PID returns the operating system process ID.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Stop asks the process to terminate and returns immediately. A process that
// has not exited after a grace period is killed. Safe to call repeatedly.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopped)
		select {
		case <-p.done:
			return
		default:
		}
		if err := terminate(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.log.Debug("capture: terminate", "err", err)
		}
		time.AfterFunc(killTimeout, func() {
			select {
			case <-p.done:
			default:
				_ = p.cmd.Process.Kill()
			}
		})
	})
}

func (p *Process) pumpStdout(ctx context.Context, r io.Reader, conv *audio.Converter) {
	defer close(p.chunks)
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			// Convert copies, so buf can be reused.
			if chunk := conv.Convert(buf[:n]); len(chunk) > 0 {
				select {
				case p.chunks <- chunk:
				case <-p.stopped:
					// Keep reading so the process never blocks on a full pipe.
				case <-ctx.Done():
				}
			}
		}
		if err != nil {
			if ferr := conv.Flush(); ferr != nil {
				p.log.Debug("capture: discarding trailing bytes", "err", ferr)
			}
			return
		}
	}
}

func (p *Process) drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		p.log.Debug("capture: stderr", "line", sc.Text())
	}
	// Drain whatever the scanner refused (over-long lines).
	_, _ = io.Copy(io.Discard, r)
}

func (p *Process) exit(err error) {
	select {
	case <-p.stopped:
		err = nil
	default:
	}
	p.err = err
	if err != nil {
		p.log.Warn("capture: exited", "err", err)
	} else {
		p.log.Debug("capture: exited")
	}
	close(p.done)
}

// terminate asks proc to exit. Windows has no SIGTERM, so the process is
// killed there.
func terminate(proc *os.Process) error {
	if runtime.GOOS == "windows" {
		return proc.Kill()
	}
	return proc.Signal(syscall.SIGTERM)
}
