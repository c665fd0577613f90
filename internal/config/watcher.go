package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// ChangeFunc receives the previous and the newly loaded configuration.
type ChangeFunc func(old, new *Config)

// Watcher polls a config file and reports effective changes. A rewrite that
// leaves the parsed configuration unchanged (comments, formatting, a touch)
// is absorbed silently. Invalid content is logged once and the last good
// configuration stays current.
type Watcher struct {
	path     string
	interval time.Duration
	lookup   LookupFunc
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
	sum     [sha256.Size]byte
	badSum  [sha256.Size]byte
}

// fileStamp is the cheap pre-check before the file is read.
type fileStamp struct {
	size  int64
	mtime time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithEnv applies environment overrides from lookup on every load, so a
// reloaded file keeps the precedence it had at startup.
func WithEnv(lookup LookupFunc) WatcherOption {
	return func(w *Watcher) { w.lookup = lookup }
}

// WithLogger sets the logger for reload events. Default: slog.Default().
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads path once and returns a watcher for it. Polling starts
// with [Watcher.Run].
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultWatchInterval}
	for _, opt := range opts {
		opt(w)
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	w.log = w.log.With("path", path)

	cfg, sum, stamp, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.sum, w.stamp = cfg, sum, stamp
	return w, nil
}

// Current returns the last valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done and calls onChange for every reload that
// changes at least one setting. onChange runs on the polling goroutine.
// Run always returns nil.
func (w *Watcher) Run(ctx context.Context, onChange ChangeFunc) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if old, cfg := w.poll(); cfg != nil && onChange != nil {
				onChange(old, cfg)
			}
		}
	}
}

// poll returns the previous and new configuration when the file changed
// effectively, or nil.
func (w *Watcher) poll() (old, cfg *Config) {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config watcher: stat failed", "err", err)
		return nil, nil
	}
	w.mu.Lock()
	unchanged := w.stamp == fileStamp{size: info.Size(), mtime: info.ModTime()}
	w.mu.Unlock()
	if unchanged {
		return nil, nil
	}

	next, sum, stamp, err := w.load()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stamp = stamp
	if err != nil {
		if sum != w.badSum {
			w.badSum = sum
			w.log.Warn("config watcher: keeping previous configuration", "err", err)
		}
		return nil, nil
	}
	if sum == w.sum {
		return nil, nil
	}
	w.sum = sum
	old, w.current = w.current, next
	if !Diff(old, next).Changed() {
		w.log.Debug("config watcher: file rewritten without effective changes")
		return nil, nil
	}
	w.log.Info("config watcher: configuration reloaded")
	return old, next
}

// load reads, parses and validates the file. The checksum and stamp are
// returned even when the content is invalid.
func (w *Watcher) load() (*Config, [sha256.Size]byte, fileStamp, error) {
	var sum [sha256.Size]byte
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, sum, fileStamp{}, err
	}
	stamp := fileStamp{size: info.Size(), mtime: info.ModTime()}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, sum, stamp, err
	}
	sum = sha256.Sum256(data)

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, sum, stamp, err
	}
	if w.lookup != nil {
		if err := ApplyEnv(cfg, w.lookup); err != nil {
			return nil, sum, stamp, err
		}
		if err := Validate(cfg); err != nil {
			return nil, sum, stamp, err
		}
	}
	return cfg, sum, stamp, nil
}
