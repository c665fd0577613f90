package health

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// Verifier is implemented by providers that can check their credentials
// without opening a streaming session.
type Verifier interface {
	Verify(ctx context.Context) error
}

// ProviderChecker reports whether v accepts its configured credentials.
func ProviderChecker(name string, v Verifier) Checker {
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			if v == nil {
				return errors.New("no provider configured")
			}
			return v.Verify(ctx)
		},
	}
}

// ExecutableChecker reports whether path resolves to an executable, either
// directly or through $PATH.
func ExecutableChecker(name, path string) Checker {
	return Checker{
		Name: name,
		Check: func(_ context.Context) error {
			if _, err := exec.LookPath(path); err != nil {
				return fmt.Errorf("%s not found: %w", path, err)
			}
			return nil
		},
	}
}

// Cached wraps c so that a result is reused for ttl. Remote checks such as
// credential verification hit a billed API; probes may run every few seconds.
func Cached(c Checker, ttl time.Duration) Checker {
	var (
		mu      sync.Mutex
		checked time.Time
		last    error
	)
	return Checker{
		Name: c.Name,
		Check: func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			if !checked.IsZero() && time.Since(checked) < ttl {
				return last
			}
			last = c.Check(ctx)
			checked = time.Now()
			return last
		},
	}
}
