package tunnel

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/portunnel/portunnel/internal/identity"
	"github.com/portunnel/portunnel/internal/wire"
)

// InboundFrame tags a decoded frame with the peer_identity the
// acceptor's transport layer prepended (spec §4.1: "an additional
// leading part carrying the peer_identity is prepended/consumed by
// the transport layer automatically").
type InboundFrame struct {
	PeerIdentity string
	Frame        *wire.Frame
}

// Acceptor is the server-role tunnel transport: it binds one TCP port
// and accepts many dealer peers, each identified by a stable
// peer_identity string (spec §4.2).
type Acceptor struct {
	ln        net.Listener
	cred      *identity.Credential
	authorize identity.Authorizer

	// OnDisconnect is invoked, if set, whenever the connection currently
	// registered for a peer is torn down (read error, EOF). A connection
	// already replaced by a reconnect does not trigger it.
	OnDisconnect func(peerIdentity string)

	mu    sync.Mutex
	peers map[string]*Conn

	wg      sync.WaitGroup
	inbound chan InboundFrame
}

// NewAcceptor binds addr and returns an Acceptor ready to Serve over
// raw TCP.
func NewAcceptor(addr string, cred *identity.Credential, authorize identity.Authorizer) (*Acceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return newAcceptor(ln, cred, authorize), nil
}

// NewWebSocketAcceptor returns an Acceptor with no bound TCP listener:
// peers connect through ServeWebSocket instead of Serve, for
// deployments where only HTTP egress reaches the server (spec §4.2's
// "any transport satisfying these contracts is acceptable").
func NewWebSocketAcceptor(cred *identity.Credential, authorize identity.Authorizer) *Acceptor {
	return newAcceptor(nil, cred, authorize)
}

func newAcceptor(ln net.Listener, cred *identity.Credential, authorize identity.Authorizer) *Acceptor {
	return &Acceptor{
		ln:        ln,
		cred:      cred,
		authorize: authorize,
		peers:     make(map[string]*Conn),
		inbound:   make(chan InboundFrame, 256),
	}
}

// Addr returns the bound tunnel-port address, or nil for an Acceptor
// built with NewWebSocketAcceptor.
func (a *Acceptor) Addr() net.Addr {
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// Inbound returns the channel of frames received from any peer,
// tagged with the sender's peer_identity.
func (a *Acceptor) Inbound() <-chan InboundFrame { return a.inbound }

// Serve runs the raw TCP accept loop until the listener is closed. Not
// valid on an Acceptor built with NewWebSocketAcceptor.
func (a *Acceptor) Serve() error {
	if a.ln == nil {
		return errors.New("tunnel: Serve called on a websocket-only acceptor")
	}
	for {
		raw, err := a.ln.Accept()
		if err != nil {
			return err
		}
		a.wg.Add(1)
		go a.handle(raw)
	}
}

// Close stops accepting, tears down every peer connection, and closes
// the Inbound channel once every in-flight handleConn goroutine has
// returned. Callers ranging over Inbound() can rely on the channel
// closing on shutdown instead of blocking forever.
func (a *Acceptor) Close() error {
	var err error
	if a.ln != nil {
		err = a.ln.Close()
	}
	a.mu.Lock()
	peers := make([]*Conn, 0, len(a.peers))
	for _, c := range a.peers {
		peers = append(peers, c)
	}
	a.mu.Unlock()
	for _, c := range peers {
		c.Close()
	}
	a.wg.Wait()
	close(a.inbound)
	return err
}

func (a *Acceptor) handle(raw net.Conn) {
	defer a.wg.Done()
	a.handleConn(raw, raw.RemoteAddr().String())
}

// handleConn runs the handshake, registration, and read loop for one
// already-accepted transport connection, regardless of whether it
// arrived over a raw TCP net.Conn (Serve) or an upgraded WebSocket
// (ServeWebSocket) — both satisfy io.ReadWriteCloser, which is all
// identity.ServerHandshake requires (spec §4.2's "any transport
// satisfying these contracts is acceptable").
func (a *Acceptor) handleConn(raw io.ReadWriteCloser, remote string) {
	secure, err := identity.ServerHandshake(raw, a.cred, a.authorize)
	if err != nil {
		log.Warn().Err(err).Str("remote", remote).Msg("tunnel handshake rejected")
		return
	}
	peerIdentity, err := recvIdentity(secure)
	if err != nil {
		secure.Close()
		return
	}

	c := newConn(secure, peerIdentity)
	a.register(peerIdentity, c)
	defer a.unregister(peerIdentity, c)

	for {
		f, err := c.ReadFrame()
		if err != nil {
			if errors.Is(err, wire.ErrMalformedFrame) {
				log.Warn().Err(err).Str("peer", peerIdentity).Msg("dropping malformed frame")
				continue
			}
			return
		}
		a.inbound <- InboundFrame{PeerIdentity: peerIdentity, Frame: f}
	}
}

func (a *Acceptor) register(peerIdentity string, c *Conn) {
	a.mu.Lock()
	old, existed := a.peers[peerIdentity]
	a.peers[peerIdentity] = c
	a.mu.Unlock()
	if existed {
		old.Close()
	}
}

func (a *Acceptor) unregister(peerIdentity string, c *Conn) {
	a.mu.Lock()
	current := a.peers[peerIdentity] == c
	if current {
		delete(a.peers, peerIdentity)
	}
	a.mu.Unlock()
	c.Close()
	// Only the connection actually registered at the time of teardown
	// counts as a disconnect; a superseded connection (replaced by a
	// reconnect via register) tearing down afterward must not report a
	// peer that is, in fact, still connected through its replacement.
	if current && a.OnDisconnect != nil {
		a.OnDisconnect(peerIdentity)
	}
}

// Send addresses f to peerIdentity. Delivery to an unknown or
// disconnected peer is silently dropped (spec §4.2).
func (a *Acceptor) Send(peerIdentity string, f *wire.Frame) {
	a.mu.Lock()
	c, ok := a.peers[peerIdentity]
	a.mu.Unlock()
	if !ok {
		return
	}
	if err := c.WriteFrame(f); err != nil {
		log.Debug().Err(err).Str("peer", peerIdentity).Msg("tunnel send failed")
	}
}

// Connected reports whether peerIdentity currently has a live
// connection.
func (a *Acceptor) Connected(peerIdentity string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.peers[peerIdentity]
	return ok
}
