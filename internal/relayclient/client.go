// Package relayclient implements the Relay-Client role (spec §2): the
// Origin Dialer (§4.6) and the client side of the Relay Engine (§4.7),
// wired to a tunnel.Dialer with transparent reconnection and a
// periodic heartbeat emitter (§4.4).
package relayclient

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/portunnel/portunnel/internal/session"
	"github.com/portunnel/portunnel/internal/tunnel"
	"github.com/portunnel/portunnel/internal/wire"
)

// DefaultBufSize is the chunk size used when pumping bytes from an
// origin TCP socket onto the tunnel.
const DefaultBufSize = 32 * 1024

// Service describes one origin TCP service this client exposes
// through the tunnel: OriginAddr is dialed lazily per client_addr.
type Service struct {
	OriginAddr string
	BufSize    int
}

// Client runs one tunnel.Dialer connection for one Service, dialing
// the origin lazily per client_addr (spec §4.6) and reconnecting the
// tunnel transparently on failure (spec §4.2).
type Client struct {
	dialer   *tunnel.Dialer
	service  Service
	interval time.Duration

	reconnectBackoff time.Duration

	mu         sync.Mutex
	sessions   *session.Table[string]
	activeConn *tunnel.Conn

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Client. interval is heartbeat.interval; the same
// value paces both the client's own heartbeat emitter and is expected
// to match the server's liveness tick.
func New(dialer *tunnel.Dialer, service Service, interval time.Duration) *Client {
	if service.BufSize == 0 {
		service.BufSize = DefaultBufSize
	}
	return &Client{
		dialer:           dialer,
		service:          service,
		interval:         interval,
		reconnectBackoff: time.Second,
		sessions:         session.New[string](),
		stop:             make(chan struct{}),
	}
}

// Run connects, reconnecting transparently on failure, until Stop is
// called. It blocks the calling goroutine.
func (c *Client) Run() {
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		conn, err := c.dialer.Dial()
		if err != nil {
			log.Warn().Err(err).Str("addr", c.dialer.Addr).Msg("tunnel dial failed, retrying")
			select {
			case <-time.After(c.reconnectBackoff):
			case <-c.stop:
				return
			}
			continue
		}
		log.Info().Str("peer_identity", c.dialer.PeerIdentity).Msg("tunnel connected")
		c.runSession(conn)
	}
}

// Stop halts Run's reconnect loop, closes the active tunnel connection
// (unblocking runSession's ReadFrame loop), and closes all origin
// sessions.
func (c *Client) Stop() {
	close(c.stop)
	c.mu.Lock()
	sessions := c.sessions
	conn := c.activeConn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	sessions.DrainFunc(func(string) bool { return true })
}

// runSession drives one connected tunnel.Conn until it errors: a
// heartbeat emitter goroutine and the main read loop dispatching
// RELAY frames to the Origin Dialer.
func (c *Client) runSession(conn *tunnel.Conn) {
	c.mu.Lock()
	c.activeConn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.activeConn == conn {
			c.activeConn = nil
		}
		c.mu.Unlock()
	}()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(conn, done)
	}()

	for {
		f, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, wire.ErrMalformedFrame) {
				log.Warn().Err(err).Msg("dropping malformed frame")
				continue
			}
			break
		}
		if f.Command == wire.CmdRelay {
			c.handleRelay(f)
		}
	}
	close(done)
	conn.Close()
	wg.Wait()
}

func (c *Client) heartbeatLoop(conn *tunnel.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if err := conn.WriteFrame(wire.Heartbeat()); err != nil {
				return
			}
		}
	}
}

// currentConn returns the tunnel.Conn currently in use. A pump started
// under one connection resolves this dynamically on every write rather
// than closing over the connection live at session-creation time, so a
// reconnect re-points it at the new connection instead of leaving it
// wired to a permanently-closed one.
func (c *Client) currentConn() *tunnel.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeConn
}

// handleRelay implements the Origin Dialer (spec §4.6): lazily dial
// the origin on first sight of a client_addr, drop the frame on dial
// failure, otherwise always write the payload to the origin.
func (c *Client) handleRelay(f *wire.Frame) {
	clientAddr := string(f.ClientAddr())

	entry, _, err := c.sessions.GetOrCreate(clientAddr, func() (*session.Entry, error) {
		origin, err := net.Dial("tcp", c.service.OriginAddr)
		if err != nil {
			return nil, err
		}
		e := &session.Entry{Reader: origin, Writer: origin, Closer: origin}
		go c.pumpOriginToTunnel(clientAddr, origin, e)
		return e, nil
	})
	if err != nil {
		log.Warn().Err(err).Str("client_addr", clientAddr).Msg("Can't connect to server, dropping frame")
		return
	}

	// Edge case: the session may have been removed between lookup and
	// write (spec §4.6); Write on an already-closed net.Conn just
	// errors and we drop it, matching "silently dropped".
	entry.Writer.Write(f.Payload())
}

// pumpOriginToTunnel is the client-side half of the Relay Engine: it
// reads the origin's bytes and forwards each chunk as a RELAY frame,
// tearing the session down on EOF or error. It resolves the tunnel
// connection to write to on every chunk via currentConn, since this
// goroutine can outlive the connection it was started under (spec §5:
// "in-flight origin sessions ... are retained across reconnect").
func (c *Client) pumpOriginToTunnel(clientAddr string, origin net.Conn, entry *session.Entry) {
	buf := make([]byte, c.service.BufSize)
	for {
		n, err := origin.Read(buf)
		if n > 0 {
			payload := append([]byte(nil), buf[:n]...)
			if conn := c.currentConn(); conn != nil {
				conn.WriteFrame(wire.Relay([]byte(clientAddr), payload))
			}
		}
		if err != nil {
			c.sessions.Remove(clientAddr)
			return
		}
	}
}
