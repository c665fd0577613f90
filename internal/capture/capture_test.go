package capture

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

const helperEnv = "VOXRELAY_CAPTURE_HELPER=1"

// TestHelperProcess is not a real test. It is the capture program spawned by
// the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("VOXRELAY_CAPTURE_HELPER") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		os.Exit(2)
	}

	switch args[1] {
	case "pcm":
		// Odd-sized writes so reads split samples.
		for _, b := range [][]byte{{1, 2, 3}, {4, 5, 6, 7, 8}, {9}, {10, 11}} {
			_, _ = os.Stdout.Write(b)
			time.Sleep(5 * time.Millisecond)
		}
		_, _ = os.Stderr.Write([]byte("size=       0kB time=00:00:00.00\n"))
		os.Exit(0)
	case "hang":
		_, _ = os.Stdout.Write([]byte{1, 0, 2, 0})
		time.Sleep(time.Minute)
		os.Exit(0)
	case "fail":
		_, _ = os.Stderr.Write([]byte("audio=nope: I/O error\n"))
		os.Exit(3)
	}
	os.Exit(2)
}

func helperManager(t *testing.T, mode string, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		Path: os.Args[0],
		Args: []string{"-test.run=^TestHelperProcess$", "--", mode},
		Env:  []string{helperEnv},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func collect(t *testing.T, p *Process) []byte {
	t.Helper()
	var out []byte
	timeout := time.After(10 * time.Second)
	for {
		select {
		case chunk, ok := <-p.Chunks():
			if !ok {
				return out
			}
			if !audio.ValidFrame(chunk) {
				t.Errorf("invalid chunk of %d bytes", len(chunk))
			}
			out = append(out, chunk...)
		case <-timeout:
			t.Fatal("timed out waiting for capture output")
		}
	}
}

func waitDone(t *testing.T, p *Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestDefaultArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format string
		device string
		want   []string
	}{
		{
			format: FormatDShow,
			device: "virtual-audio-capturer",
			want:   []string{"-f", "dshow", "-i", "audio=virtual-audio-capturer", "-ac", "1", "-ar", "24000", "-f", "s16le", "pipe:1"},
		},
		{
			format: "",
			device: "Stereo Mix",
			want:   []string{"-f", "dshow", "-i", "audio=Stereo Mix", "-ac", "1", "-ar", "24000", "-f", "s16le", "pipe:1"},
		},
		{
			format: FormatPulse,
			device: "alsa_output.monitor",
			want:   []string{"-f", "pulse", "-i", "alsa_output.monitor", "-ac", "1", "-ar", "24000", "-f", "s16le", "pipe:1"},
		},
		{
			format: FormatAVFoundation,
			device: "BlackHole 2ch",
			want:   []string{"-f", "avfoundation", "-i", ":BlackHole 2ch", "-ac", "1", "-ar", "24000", "-f", "s16le", "pipe:1"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.format+"/"+tc.device, func(t *testing.T) {
			t.Parallel()
			if got := DefaultArgs(tc.format, tc.device, 24000); !slices.Equal(got, tc.want) {
				t.Errorf("DefaultArgs:\n got %q\nwant %q", got, tc.want)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	m := New(Config{Device: "dev"})
	if m.Path() != "ffmpeg" {
		t.Errorf("Path = %q, want ffmpeg", m.Path())
	}
	if !slices.Contains(m.Args(), "24000") {
		t.Errorf("Args %q should use the default rate", m.Args())
	}

	custom := New(Config{Args: []string{"-i", "x", "pipe:1"}, Device: "ignored"})
	if !slices.Equal(custom.Args(), []string{"-i", "x", "pipe:1"}) {
		t.Errorf("custom args not used: %q", custom.Args())
	}
}

func TestStart_MissingExecutable(t *testing.T) {
	t.Parallel()
	m := New(Config{Path: "voxrelay-no-such-ffmpeg", Device: "dev"})
	_, err := m.Start(context.Background())
	if !errors.Is(err, ErrNoExecutable) {
		t.Fatalf("expected ErrNoExecutable, got %v", err)
	}
}

func TestProcess_AlignsChunks(t *testing.T) {
	t.Parallel()
	p, err := helperManager(t, "pcm", nil).Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.PID() <= 0 {
		t.Errorf("PID = %d", p.PID())
	}

	got := collect(t, p)
	waitDone(t, p)

	// 11 bytes written; the trailing odd byte is discarded.
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if !bytes.Equal(got, want) {
		t.Errorf("output = %v, want %v", got, want)
	}
	if err := p.Err(); err != nil {
		t.Errorf("Err = %v, want nil for clean exit", err)
	}
}

func TestProcess_ConvertsSourceFormat(t *testing.T) {
	t.Parallel()
	m := helperManager(t, "hang", func(c *Config) {
		c.SampleRate = 24000
		c.SourceRate = 24000
		c.SourceChannels = 2
	})
	p, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	// One stereo frame L=1 R=2 averages to mono 1.
	select {
	case chunk := <-p.Chunks():
		if !bytes.Equal(chunk, []byte{1, 0}) {
			t.Errorf("chunk = %v, want [1 0]", chunk)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no chunk received")
	}
}

func TestProcess_Stop(t *testing.T) {
	t.Parallel()
	p, err := helperManager(t, "hang", nil).Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-p.Chunks():
	case <-time.After(10 * time.Second):
		t.Fatal("no chunk received before stop")
	}

	start := time.Now()
	p.Stop()
	if time.Since(start) > time.Second {
		t.Error("Stop should not block")
	}
	p.Stop() // idempotent

	waitDone(t, p)
	if err := p.Err(); err != nil {
		t.Errorf("Err after Stop = %v, want nil", err)
	}
	// Chunks is closed before Done.
	for range p.Chunks() {
	}
}

func TestProcess_ContextCancelTerminates(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	p, err := helperManager(t, "hang", nil).Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	waitDone(t, p)
}

func TestProcess_ExitError(t *testing.T) {
	t.Parallel()
	p, err := helperManager(t, "fail", nil).Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := collect(t, p); len(got) != 0 {
		t.Errorf("unexpected output %v", got)
	}
	waitDone(t, p)

	var exitErr *exec.ExitError
	if !errors.As(p.Err(), &exitErr) {
		t.Fatalf("Err = %v, want *exec.ExitError", p.Err())
	}
	if exitErr.ExitCode() != 3 {
		t.Errorf("exit code = %d, want 3", exitErr.ExitCode())
	}
}
