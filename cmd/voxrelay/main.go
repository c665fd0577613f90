// Command voxrelay is the realtime transcription relay server.
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
	"time"

	"github.com/MrWong99/voxrelay/internal/app"
	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/pkg/provider/realtime"
	"github.com/MrWong99/voxrelay/pkg/provider/realtime/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voxrelay.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	fileFound := true
	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxrelay: %v\n", err)
			return 1
		}
		fileFound = false
		cfg = config.Default()
	}
	if err := config.ApplyEnv(cfg, os.LookupEnv); err != nil {
		fmt.Fprintf(os.Stderr, "voxrelay: %v\n", err)
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "voxrelay: invalid configuration:\n%v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("voxrelay starting",
		"version", version,
		"config", *configPath,
		"config_found", fileFound,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.Setup(ctx, observe.TelemetryConfig{
		ServiceVersion: version,
		SampleRatio:    cfg.Server.SampleRatio(),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	if cfg.Provider.APIKey == "" {
		slog.Warn("no provider API key configured; set OPENAI_API_KEY or provider.api_key")
	}

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{
		app.WithLevel(level),
		app.WithMetricsHandler(telemetry.Handler()),
	}
	if fileFound && *watch {
		opts = append(opts, app.WithConfigWatch(*configPath, config.WithEnv(os.LookupEnv)))
	}
	application, err := app.New(cfg, reg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	printStartupSummary(cfg)
	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the built-in dialer factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.Register("openai-realtime", func(entry config.ProviderEntry) (realtime.Dialer, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if beta, ok := entry.OptionString("beta"); ok {
			opts = append(opts, openai.WithBeta(beta))
		}
		if api, ok := entry.OptionString("api_base_url"); ok && api != "" {
			opts = append(opts, openai.WithAPIBaseURL(api))
		}
		if n := optInt(entry.Options, "read_limit"); n > 0 {
			opts = append(opts, openai.WithReadLimit(int64(n)))
		}
		return openai.New(entry.APIKey, opts...), nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered provider", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voxrelay — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", cfg.Provider.Name+" / "+cfg.Provider.Model)
	printRow("Transcriber", cfg.Transcription.Model)
	printRow("Language", cfg.Transcription.Language)
	if cfg.VAD.IsEnabled() {
		printRow("VAD", fmt.Sprintf("server (%.2f)", cfg.VAD.Threshold))
	} else {
		printRow("VAD", "off (manual commit)")
	}
	if cfg.Capture.Disabled {
		printRow("Capture", "(disabled)")
	} else {
		printRow("Capture", cfg.Capture.Device)
	}
	if cfg.Server.StaticDir != "" {
		printRow("Frontend", cfg.Server.StaticDir)
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optInt extracts an integer value from a provider Options map. YAML decodes
// whole numbers as int; other types yield 0.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
