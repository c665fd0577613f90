// Package app wires the voxrelay subsystems into a running HTTP server.
//
// The App struct owns the full lifecycle: New builds the provider dialer,
// capture starter and session manager from the config, Run serves HTTP until
// the context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithDialer,
// WithCaptures, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxrelay/internal/capture"
	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/health"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/relay"
	"github.com/MrWong99/voxrelay/internal/resilience"
	"github.com/MrWong99/voxrelay/pkg/provider/realtime"
)

const (
	// readHeaderTimeout bounds how long a client may take to send request
	// headers, including the websocket upgrade.
	readHeaderTimeout = 10 * time.Second

	// verifyTTL is how long a provider credential check result is reused by
	// /readyz.
	verifyTTL = time.Minute

	// defaultShutdownTimeout bounds the shutdown Run performs on its own when
	// ctx is cancelled.
	defaultShutdownTimeout = 15 * time.Second
)

// App owns all subsystem lifetimes of the relay server.
type App struct {
	mu  sync.Mutex
	cfg *config.Config

	dialer         realtime.Dialer
	guarded        *resilience.Dialer
	captures       relay.CaptureStarter
	capturesSet    bool
	metrics        *observe.Metrics
	level          *slog.LevelVar
	metricsHandler http.Handler

	manager *relay.Manager
	probes  *health.Handler
	handler http.Handler
	server  *http.Server

	watchPath string
	watchOpts []config.WatcherOption

	shutdownTimeout time.Duration

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce    sync.Once
	shutdownErr error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDialer injects a provider dialer instead of creating one from the
// registry.
func WithDialer(d realtime.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithCaptures injects the capture starter. A nil starter disables
// speaker.capture.start.
func WithCaptures(c relay.CaptureStarter) Option {
	return func(a *App) {
		a.captures = c
		a.capturesSet = true
	}
}

// WithMetrics injects the metrics instruments. Default:
// observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevel attaches the level variable of the process logger so that
// reloaded configs can change verbosity.
func WithLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetricsHandler replaces the /metrics handler. Default:
// observe.MetricsHandler().
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithConfigWatch makes Run poll path for changes and apply them via
// [App.Reload].
func WithConfigWatch(path string, opts ...config.WatcherOption) Option {
	return func(a *App) {
		a.watchPath = path
		a.watchOpts = opts
	}
}

// WithShutdownTimeout bounds the shutdown performed when Run's context is
// cancelled.
func WithShutdownTimeout(d time.Duration) Option {
	return func(a *App) { a.shutdownTimeout = d }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. The provider dialer is built from reg unless
// injected with [WithDialer].
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:             cfg,
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Provider dialer ───────────────────────────────────────────────
	if a.dialer == nil {
		if reg == nil {
			return nil, errors.New("app: no provider registry and no dialer injected")
		}
		d, err := reg.Create(cfg.Provider)
		if err != nil {
			return nil, fmt.Errorf("app: create provider %q: %w", cfg.Provider.Name, err)
		}
		a.dialer = d
	}
	a.guarded = resilience.NewDialer(a.dialer, resilience.BreakerConfig{
		Name:         cfg.Provider.Name,
		MaxFailures:  cfg.Relay.Breaker.MaxFailures,
		ResetTimeout: cfg.Relay.Breaker.ResetTimeout,
		Logger:       slog.Default().With("component", "breaker"),
	})

	// ── 2. Metrics ───────────────────────────────────────────────────────
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = observe.MetricsHandler()
	}

	// ── 3. Capture ───────────────────────────────────────────────────────
	if !a.capturesSet {
		a.captures = CaptureStarter(cfg)
	}

	// ── 4. Session manager ───────────────────────────────────────────────
	a.manager = relay.NewManager(relay.ManagerConfig{
		Relay:          a.relayConfig(cfg),
		OriginPatterns: cfg.Server.AllowedOrigins,
		ReadLimit:      cfg.Relay.ReadLimit,
	})

	// ── 5. HTTP routes ───────────────────────────────────────────────────
	a.handler = a.routes()

	return a, nil
}

// CaptureStarter builds the capture starter described by cfg, or nil when
// capture is disabled.
func CaptureStarter(cfg *config.Config) relay.CaptureStarter {
	if cfg.Capture.Disabled {
		return nil
	}
	return relay.ProcessStarter(capture.New(capture.Config{
		Path:           cfg.Capture.FFmpegPath,
		Device:         cfg.Capture.Device,
		InputFormat:    string(cfg.Capture.InputFormat),
		SampleRate:     cfg.Audio.SampleRate,
		Args:           cfg.Capture.Args,
		SourceRate:     cfg.Capture.SourceRate,
		SourceChannels: cfg.Capture.SourceChannels,
		ChunkBuffer:    cfg.Capture.ChunkBuffer,
		Logger:         slog.Default().With("component", "capture"),
	}))
}

func (a *App) relayConfig(cfg *config.Config) relay.Config {
	return relay.Config{
		Dialer:       a.guarded,
		ProviderName: cfg.Provider.Name,
		Captures:     a.captures,
		Session:      cfg.SessionConfig(),
		MaxPending:   cfg.Relay.PendingLimit(),
		Metrics:      a.metrics,
	}
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", a.manager)
	a.probes = health.New(a.checkers(), health.WithSessions(a.manager.Active))
	a.probes.Register(mux)
	mux.Handle("GET /metrics", a.metricsHandler)
	if dir := a.cfg.Server.StaticDir; dir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(dir)))
	}
	return cors(observe.Middleware(a.metrics)(mux))
}

func (a *App) checkers() []health.Checker {
	checks := []health.Checker{{Name: "provider_breaker", Check: a.guarded.Breaker().Check}}
	if v, ok := a.dialer.(health.Verifier); ok {
		checks = append(checks, health.Cached(health.ProviderChecker("provider", v), verifyTTL))
	}
	if !a.cfg.Capture.Disabled && a.cfg.Capture.FFmpegPath != "" {
		checks = append(checks, health.ExecutableChecker("ffmpeg", a.cfg.Capture.FFmpegPath))
	}
	return checks
}

// cors allows any origin and answers preflight requests.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Manager returns the session manager.
func (a *App) Manager() *relay.Manager { return a.manager }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled or
// the server fails. See [App.Serve].
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is cancelled or the server fails, then
// shuts the App down. It returns ctx's error on cancellation.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}
	a.mu.Lock()
	a.server = srv
	tlsCfg := a.cfg.Server.TLS
	a.mu.Unlock()

	var watcher *config.Watcher
	if a.watchPath != "" {
		w, err := config.NewWatcher(a.watchPath, a.watchOpts...)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("app: watch config: %w", err)
		}
		watcher = w
	}

	g, gctx := errgroup.WithContext(ctx)
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx, a.Reload) })
	}
	g.Go(func() error {
		var err error
		if tlsCfg != nil {
			err = srv.ServeTLS(ln, tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	slog.Info("relay listening", "addr", ln.Addr().String(), "tls", tlsCfg != nil)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable differences between old and new. Live
// sessions keep their configuration; new sessions use the reloaded one.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.SessionChanged || d.RelayChanged || d.CaptureChanged {
		a.mu.Lock()
		a.cfg = new
		if d.CaptureChanged && !a.capturesSet {
			a.captures = CaptureStarter(new)
		}
		rc := a.relayConfig(new)
		a.mu.Unlock()

		a.manager.SetConfig(rc)
		if d.RelayChanged {
			a.manager.SetReadLimit(new.Relay.ReadLimit)
		}
		slog.Info("relay configuration reloaded",
			"session", d.SessionChanged,
			"relay", d.RelayChanged,
			"capture", d.CaptureChanged,
		)
	}

	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "settings", d.RestartRequired)
	}
}

// SlogLevel converts a config log level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting connections, closes every live session and runs
// the registered closers. It respects the context deadline. Safe to call
// more than once; later calls return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.manager.Active())
		if a.probes != nil {
			a.probes.Drain()
		}

		var errs []error
		a.mu.Lock()
		srv := a.server
		closers := a.closers
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
			}
		}

		// Upgraded connections are hijacked and not tracked by the server.
		if err := a.manager.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}

		for i, closer := range closers {
			if ctx.Err() != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", len(closers)-i)
				errs = append(errs, ctx.Err())
				break
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		a.shutdownErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return a.shutdownErr
}

// AddCloser registers fn to run during Shutdown after all sessions ended.
func (a *App) AddCloser(fn func() error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, fn)
}
