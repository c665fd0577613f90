// Command voxrelay-listen streams the default microphone (or the relay's own
// speaker capture) to a voxrelay server and prints live transcripts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrWong99/voxrelay/internal/listen"
)

func main() {
	os.Exit(run())
}

func run() int {
	url := flag.String("url", "ws://localhost:3001/ws", "relay websocket URL")
	backend := flag.Bool("backend-capture", false, "ask the relay to capture speaker audio instead of using the microphone")
	vad := flag.Bool("vad", false, "enable server-side voice activity detection")
	silenceMs := flag.Int("silence-ms", 500, "server VAD silence duration in milliseconds")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := listen.Config{
		URL:            *url,
		BackendCapture: *backend,
		VAD:            *vad,
		SilenceMs:      *silenceMs,
	}
	if !*backend {
		mic, err := listen.OpenMic(listen.DefaultFramesPerBuffer)
		if err != nil {
			fmt.Fprintf(os.Stderr, "voxrelay-listen: %v\n", err)
			return 1
		}
		slog.Info("capturing microphone", "device", mic.Name(), "sample_rate", mic.SampleRate())
		defer mic.Close()
		cfg.Source = mic
	}

	client, err := listen.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxrelay-listen: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *vad {
		fmt.Fprintln(os.Stderr, "listening (server VAD), press Ctrl+C to stop")
	} else {
		fmt.Fprintln(os.Stderr, "listening, press Ctrl+C to commit and stop")
	}

	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "voxrelay-listen: %v\n", err)
		return 1
	}
	return 0
}
