// Package ws is the client-facing WebSocket transport of the relay.
//
// It wraps github.com/coder/websocket with the semantics a relay session
// needs: message kinds instead of opcodes, sends that become silent no-ops
// once the connection is gone, and an idempotent close with a done channel.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// DefaultReadLimit is the maximum inbound message size in bytes.
const DefaultReadLimit = 1 << 20

// ErrClosed is returned by [Conn.Read] once the connection is closed, by
// either side.
var ErrClosed = errors.New("ws: connection closed")

// Kind distinguishes audio from control messages.
type Kind int

const (
	// KindText carries a JSON control message or provider event.
	KindText Kind = iota + 1

	// KindBinary carries a PCM16 audio frame.
	KindBinary
)

// String returns "text" or "binary".
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Message is one WebSocket message.
type Message struct {
	Kind Kind
	Data []byte
}

// Text returns a text message carrying data.
func Text(data []byte) Message { return Message{Kind: KindText, Data: data} }

// Binary returns a binary message carrying data.
func Binary(data []byte) Message { return Message{Kind: KindBinary, Data: data} }

// Options configures [Accept] and [Dial].
type Options struct {
	// OriginPatterns lists allowed cross-origin hosts for Accept. Empty
	// allows any origin.
	OriginPatterns []string

	// ReadLimit overrides [DefaultReadLimit] when positive.
	ReadLimit int64

	// Header is sent with the handshake request by Dial.
	Header http.Header
}

func (o *Options) readLimit() int64 {
	if o != nil && o.ReadLimit > 0 {
		return o.ReadLimit
	}
	return DefaultReadLimit
}

// Conn is a message-oriented WebSocket connection. Read must be called from
// a single goroutine; Send and Close are safe for concurrent use.
type Conn struct {
	ws *websocket.Conn

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

// Accept upgrades an HTTP request to a WebSocket connection.
func Accept(w http.ResponseWriter, r *http.Request, opts *Options) (*Conn, error) {
	accept := &websocket.AcceptOptions{OriginPatterns: []string{"*"}}
	if opts != nil && len(opts.OriginPatterns) > 0 {
		accept.OriginPatterns = opts.OriginPatterns
	}
	c, err := websocket.Accept(w, r, accept)
	if err != nil {
		return nil, fmt.Errorf("ws: accept: %w", err)
	}
	c.SetReadLimit(opts.readLimit())
	return newConn(c), nil
}

// Dial opens a client connection to url.
func Dial(ctx context.Context, url string, opts *Options) (*Conn, error) {
	var dial *websocket.DialOptions
	if opts != nil && opts.Header != nil {
		dial = &websocket.DialOptions{HTTPHeader: opts.Header}
	}
	c, _, err := websocket.Dial(ctx, url, dial)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}
	c.SetReadLimit(opts.readLimit())
	return newConn(c), nil
}

func newConn(c *websocket.Conn) *Conn {
	return &Conn{ws: c, done: make(chan struct{})}
}

// Read blocks until the next message arrives. It returns an error wrapping
// [ErrClosed] when the connection was closed by either side.
func (c *Conn) Read(ctx context.Context) (Message, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		if c.isClosed() || websocket.CloseStatus(err) != -1 {
			return Message{}, fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return Message{}, fmt.Errorf("ws: read: %w", err)
	}
	kind := KindText
	if typ == websocket.MessageBinary {
		kind = KindBinary
	}
	return Message{Kind: kind, Data: data}, nil
}

// Send writes msg. It is a silent no-op once the connection is closed, so
// late provider events for a departed client are dropped without error.
func (c *Conn) Send(ctx context.Context, msg Message) error {
	if c.isClosed() {
		return nil
	}
	typ := websocket.MessageText
	if msg.Kind == KindBinary {
		typ = websocket.MessageBinary
	}
	if err := c.ws.Write(ctx, typ, msg.Data); err != nil {
		if c.isClosed() {
			return nil
		}
		return fmt.Errorf("ws: write: %w", err)
	}
	return nil
}

// Close sends a normal closure with reason and releases the connection.
// Subsequent calls return the first call's result.
func (c *Conn) Close(reason string) error {
	c.closeOnce.Do(func() {
		close(c.done)
		err := c.ws.Close(websocket.StatusNormalClosure, truncateReason(reason))
		if err != nil {
			c.closeErr = fmt.Errorf("ws: close: %w", err)
		}
	})
	return c.closeErr
}

// Done is closed when Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// maxReasonLen is the close reason limit: a control frame payload is 125
// bytes, two of which hold the status code.
const maxReasonLen = 123

func truncateReason(reason string) string {
	if len(reason) <= maxReasonLen {
		return reason
	}
	return reason[:maxReasonLen]
}
