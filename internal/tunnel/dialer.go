package tunnel

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/portunnel/portunnel/internal/identity"
	"github.com/portunnel/portunnel/internal/tunnel/wstransport"
)

// ErrServerIdentityMismatch is returned by Dial when the server's
// handshake identity does not match a pinned key (client-side key
// pinning, spec §4.8's peer_public_key).
var ErrServerIdentityMismatch = errors.New("tunnel: server identity does not match pinned key")

// TransportTCP and TransportWebSocket select how Dial reaches Addr.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// Dialer is the dealer-role tunnel transport: it sets its own
// peer_identity before connecting (spec §4.2). Reconnection on
// transient failure is the caller's responsibility (see
// internal/relayclient), since the spec ties reconnect policy to the
// client's own backoff/logging needs rather than the transport.
type Dialer struct {
	Addr         string
	Cred         *identity.Credential
	PeerIdentity string

	// Transport selects the underlying connection kind: TransportTCP
	// (default, Addr is a "host:port") or TransportWebSocket (Addr is a
	// ws:// or wss:// URL), for deployments where only HTTP egress can
	// reach the server (spec §4.2's "any transport satisfying these
	// contracts is acceptable").
	Transport string

	// PinnedServerKey, if non-nil, must equal the server's handshake
	// identity or Dial fails closed.
	PinnedServerKey ed25519.PublicKey
}

// Dial performs one connection attempt: transport dial, mutual
// handshake, identity announce. The caller owns the returned Conn's
// lifecycle.
func (d *Dialer) Dial() (*Conn, error) {
	raw, err := d.dialTransport()
	if err != nil {
		return nil, err
	}
	secure, err := identity.ClientHandshake(raw, d.Cred)
	if err != nil {
		raw.Close()
		return nil, err
	}
	if d.PinnedServerKey != nil && !secure.PeerIdentity.Equal(d.PinnedServerKey) {
		secure.Close()
		return nil, ErrServerIdentityMismatch
	}
	if err := sendIdentity(secure, d.PeerIdentity); err != nil {
		secure.Close()
		return nil, err
	}
	return newConn(secure, d.PeerIdentity), nil
}

// dialTransport opens the raw connection named by d.Addr, per
// d.Transport.
func (d *Dialer) dialTransport() (io.ReadWriteCloser, error) {
	switch d.Transport {
	case "", TransportTCP:
		return net.Dial("tcp", d.Addr)
	case TransportWebSocket:
		return wstransport.Dial(context.Background(), d.Addr)
	default:
		return nil, fmt.Errorf("tunnel: unknown transport %q", d.Transport)
	}
}
