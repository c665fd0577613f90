package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxrelay/internal/transport/ws"
)

// ErrManagerClosed is returned by [Manager.Serve] once [Manager.Shutdown] has
// been called.
var ErrManagerClosed = errors.New("relay: manager closed")

// ManagerConfig holds everything a [Manager] needs.
type ManagerConfig struct {
	// Relay is the per-session configuration. Replace it at runtime with
	// [Manager.SetConfig].
	Relay Config

	// OriginPatterns lists the host patterns accepted for upgrades. Empty
	// accepts any origin.
	OriginPatterns []string

	// ReadLimit bounds a single client message. Default: ws.DefaultReadLimit.
	ReadLimit int64

	// Logger receives manager events. Default: slog.Default().
	Logger *slog.Logger
}

// SessionInfo describes a live session.
type SessionInfo struct {
	// ID is the session's unique identifier.
	ID string

	// RemoteAddr is the client address, when known.
	RemoteAddr string

	// StartedAt is when the client connected.
	StartedAt time.Time

	// State is the session's lifecycle state at the time of the call.
	State State
}

type trackedSession struct {
	session    *Session
	remoteAddr string
	startedAt  time.Time
}

// Manager accepts client connections and runs one [Session] per connection.
// All exported methods are safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	readLimit int64
	sessions  map[string]trackedSession
	closed    bool

	origins []string
	log     *slog.Logger

	wg     sync.WaitGroup
	base   context.Context
	cancel context.CancelFunc
}

// NewManager returns a Manager ready to serve.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = ws.DefaultReadLimit
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg.Relay,
		readLimit: cfg.ReadLimit,
		sessions:  make(map[string]trackedSession),
		origins:   cfg.OriginPatterns,
		log:       cfg.Logger,
		base:      base,
		cancel:    cancel,
	}
}

// SetConfig replaces the per-session configuration. Running sessions keep
// the configuration they started with.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// SetReadLimit changes the message size bound for new connections.
func (m *Manager) SetReadLimit(n int64) {
	if n <= 0 {
		n = ws.DefaultReadLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readLimit = n
}

// Config returns the configuration new sessions start with.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// ServeHTTP upgrades the request to a WebSocket and runs a session on it
// until the session ends.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	closed, limit := m.closed, m.readLimit
	m.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := ws.Accept(w, r, &ws.Options{
		OriginPatterns: m.origins,
		ReadLimit:      limit,
	})
	if err != nil {
		// Accept has already written the HTTP error.
		m.log.Warn("relay: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	if err := m.serve(r.Context(), conn, r.RemoteAddr); err != nil && !errors.Is(err, ErrManagerClosed) {
		m.log.Debug("relay: session ended with error", "remote", r.RemoteAddr, "err", err)
	}
}

// Serve runs a session on client until it ends, ctx is cancelled, or the
// manager shuts down.
func (m *Manager) Serve(ctx context.Context, client ClientConn) error {
	return m.serve(ctx, client, "")
}

func (m *Manager) serve(ctx context.Context, client ClientConn, remote string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = client.Close(reasonServerShutdown)
		return ErrManagerClosed
	}
	s := NewSession(client, m.cfg)
	m.sessions[s.ID()] = trackedSession{session: s, remoteAddr: remote, startedAt: time.Now()}
	m.wg.Add(1)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.sessions, s.ID())
		m.mu.Unlock()
		m.wg.Done()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.base, cancel)
	defer stop()

	return s.Run(ctx)
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sessions returns a snapshot of the live sessions, oldest first.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for id, t := range m.sessions {
		out = append(out, SessionInfo{
			ID:         id,
			RemoteAddr: t.remoteAddr,
			StartedAt:  t.startedAt,
			State:      t.session.State(),
		})
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b SessionInfo) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return out
}

// Shutdown rejects new sessions, tears down every live session and waits for
// them to finish or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	n := len(m.sessions)
	m.mu.Unlock()

	if n > 0 {
		m.log.Info("relay: closing sessions", "count", n)
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay: shutdown: %w", ctx.Err())
	}
}
