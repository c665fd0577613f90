package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/voxrelay/pkg/provider/realtime"
)

// Dialer opens provider connections through a [Breaker].
type Dialer struct {
	next    realtime.Dialer
	breaker *Breaker
}

var _ realtime.Dialer = (*Dialer)(nil)

// NewDialer wraps next. cfg.Name defaults to "provider".
func NewDialer(next realtime.Dialer, cfg BreakerConfig) *Dialer {
	if cfg.Name == "" {
		cfg.Name = "provider"
	}
	return &Dialer{next: next, breaker: NewBreaker(cfg)}
}

// Dial implements realtime.Dialer. It returns an error wrapping
// [ErrCircuitOpen] without dialling while the breaker is open.
func (d *Dialer) Dial(ctx context.Context) (realtime.Conn, error) {
	var conn realtime.Conn
	err := d.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		conn, err = d.next.Dial(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.breaker.name, err)
	}
	return conn, nil
}

// Breaker returns the breaker guarding d.
func (d *Dialer) Breaker() *Breaker { return d.breaker }

// Unwrap returns the wrapped dialer.
func (d *Dialer) Unwrap() realtime.Dialer { return d.next }
