// Package health serves the relay's probe endpoints.
//
//   - GET /healthz answers 200 while the process serves HTTP.
//   - GET /readyz answers 200 when every [Checker] passes and the relay is
//     not draining, 503 otherwise.
//   - GET /health answers {"ok":true} for clients that predate /healthz.
//
// /healthz and /readyz reply with a JSON object holding "status" ("ok",
// "fail" or "draining"), a "checks" map of per-check results and, when a
// session counter is configured, the number of live "sessions".
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds every readiness check.
const checkTimeout = 5 * time.Second

// Response statuses.
const (
	StatusOK       = "ok"
	StatusFail     = "fail"
	StatusDraining = "draining"
)

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	// Name is the key under "checks" (e.g. "provider", "ffmpeg").
	Name string

	// Check must honour ctx.
	Check func(ctx context.Context) error
}

type result struct {
	Status   string            `json:"status"`
	Checks   map[string]string `json:"checks,omitempty"`
	Sessions *int              `json:"sessions,omitempty"`
}

// Handler serves the probe endpoints. Safe for concurrent use.
type Handler struct {
	checkers []Checker
	sessions func() int
	draining atomic.Bool
}

// Option configures a [Handler].
type Option func(*Handler)

// WithSessions reports n() as the live session count on /healthz and /readyz.
func WithSessions(n func() int) Option {
	return func(h *Handler) { h.sessions = n }
}

// New returns a Handler that runs checkers on every /readyz request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...)}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Drain makes /readyz fail from now on so load balancers stop routing new
// clients while live sessions wind down.
func (h *Handler) Drain() { h.draining.Store(true) }

// Draining reports whether Drain was called.
func (h *Handler) Draining() bool { return h.draining.Load() }

func (h *Handler) result(status string, checks map[string]string) result {
	res := result{Status: status, Checks: checks}
	if h.sessions != nil {
		n := h.sessions()
		res.Sessions = &n
	}
	return res
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.result(StatusOK, nil))
}

// Readyz runs every checker concurrently, each under [checkTimeout], and
// answers 200 only if all pass. A draining handler answers 503 without
// running checks.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.Draining() {
		writeJSON(w, http.StatusServiceUnavailable, h.result(StatusDraining, nil))
		return
	}

	errs := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			errs[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	status, code := StatusOK, http.StatusOK
	checks := make(map[string]string, len(h.checkers))
	for i, c := range h.checkers {
		if errs[i] != nil {
			checks[c.Name] = "fail: " + errs[i].Error()
			status, code = StatusFail, http.StatusServiceUnavailable
			continue
		}
		checks[c.Name] = StatusOK
	}
	writeJSON(w, code, h.result(status, checks))
}

// Legacy answers {"ok":true}.
func (h *Handler) Legacy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Register mounts the three probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /health", h.Legacy)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"fail"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
