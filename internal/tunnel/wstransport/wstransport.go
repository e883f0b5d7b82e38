// Package wstransport adapts github.com/coder/websocket connections to
// the io.ReadWriteCloser contract that identity.ClientHandshake /
// identity.ServerHandshake expect, so the authenticated tunnel
// transport (spec §4.2) can run over WebSocket instead of raw TCP —
// useful when the tunnel must traverse an HTTP-only egress path.
// "Implementation freedom: any transport satisfying these contracts is
// acceptable" (spec §4.2).
package wstransport

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
)

const readLimitBytes = 64 << 20 // matches wire's own maxFrameSize ceiling

// Conn wraps a *websocket.Conn as a byte stream: each websocket
// message is buffered and served out to Read call by call, so the
// length-prefixed framing in internal/identity sees an ordinary
// io.Reader regardless of message boundaries.
type Conn struct {
	ws  *websocket.Conn
	ctx context.Context

	pending []byte
}

// New wraps an already-established websocket.Conn.
func New(ctx context.Context, ws *websocket.Conn) *Conn {
	ws.SetReadLimit(readLimitBytes)
	return &Conn{ws: ws, ctx: ctx}
}

// Dial opens a client-side WebSocket connection to url.
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return New(ctx, ws), nil
}

// Accept upgrades an inbound HTTP request to a server-side WebSocket
// connection.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, err
	}
	return New(r.Context(), ws), nil
}

func (c *Conn) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		_, msg, err := c.ws.Read(c.ctx)
		if err != nil {
			return 0, err
		}
		c.pending = msg
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *Conn) Write(p []byte) (int, error) {
	if err := c.ws.Write(c.ctx, websocket.MessageBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}
