// Package openai implements realtime.Dialer for OpenAI's Realtime API in
// transcription mode.
//
// It establishes a WebSocket connection to the Realtime endpoint and exposes
// it as a raw realtime.Conn. Session configuration and audio framing are the
// caller's concern; this package only authenticates, dials and moves frames.
// A REST client from openai-go is kept alongside for credential preflight.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/voxrelay/pkg/provider/realtime"
)

// Compile-time assertions that Provider and conn satisfy the realtime interfaces.
var _ realtime.Dialer = (*Provider)(nil)
var _ realtime.Conn = (*conn)(nil)

const (
	// DefaultModel is the realtime model selected in the dial URL.
	DefaultModel   = "gpt-4o-transcribe"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// defaultReadLimit bounds a single provider event. Transcription events
	// are small; 1 MiB leaves room for large error payloads.
	defaultReadLimit = 1 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model passed as the "model" query parameter on dial.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithAPIBaseURL overrides the REST API base URL used by Verify.
func WithAPIBaseURL(url string) Option {
	return func(p *Provider) { p.apiBaseURL = url }
}

// WithBeta sets the OpenAI-Beta header value. An empty value omits the header.
func WithBeta(beta string) Option {
	return func(p *Provider) { p.beta = beta }
}

// WithReadLimit sets the maximum size in bytes of a single provider event.
func WithReadLimit(n int64) Option {
	return func(p *Provider) { p.readLimit = n }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider dials OpenAI Realtime connections.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	apiBaseURL string
	beta       string
	readLimit  int64
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		model:     DefaultModel,
		baseURL:   defaultBaseURL,
		beta:      "realtime=v1",
		readLimit: defaultReadLimit,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Model returns the model used in the dial URL.
func (p *Provider) Model() string { return p.model }

// Dial opens a new Realtime connection. The connection is usable as soon as
// Dial returns; the caller is expected to send session.update first.
func (p *Provider) Dial(ctx context.Context) (realtime.Conn, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))

	header := http.Header{
		"Authorization": []string{"Bearer " + p.apiKey},
	}
	if p.beta != "" {
		header.Set("OpenAI-Beta", p.beta)
	}

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	ws.SetReadLimit(p.readLimit)

	return &conn{ws: ws}, nil
}

// Verify checks that the API key is accepted and the configured model exists
// by fetching the model from the REST API.
func (p *Provider) Verify(ctx context.Context) error {
	if p.apiKey == "" {
		return fmt.Errorf("openai: api key not configured")
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithMaxRetries(0),
	}
	if p.apiBaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(p.apiBaseURL))
	}
	client := oai.NewClient(reqOpts...)
	if _, err := client.Models.Get(ctx, p.model); err != nil {
		return fmt.Errorf("openai: verify model %q: %w", p.model, err)
	}
	return nil
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// Read returns the next text or binary frame from the provider.
func (c *conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		if c.isClosed() {
			return nil, realtime.ErrClosed
		}
		return nil, fmt.Errorf("openai: read: %w", err)
	}
	return data, nil
}

// Send writes event as a text frame.
func (c *conn) Send(ctx context.Context, event []byte) error {
	if c.isClosed() {
		return realtime.ErrClosed
	}
	if err := c.ws.Write(ctx, websocket.MessageText, event); err != nil {
		return fmt.Errorf("openai: write: %w", err)
	}
	return nil
}

// Close terminates the connection. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.ws.Close(websocket.StatusNormalClosure, "session closed")
}

// CloseNow drops the underlying socket without a closing handshake.
// Idempotent.
func (c *conn) CloseNow() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.ws.CloseNow()
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
