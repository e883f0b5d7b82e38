package tunnel

import (
	"errors"

	"github.com/portunnel/portunnel/internal/identity"
)

// maxIdentityLen bounds the self-declared peer identity string, sent
// once immediately after the handshake completes.
const maxIdentityLen = 256

// ErrIdentityTooLong is returned when a peer announces an identity
// string larger than maxIdentityLen.
var ErrIdentityTooLong = errors.New("tunnel: peer identity announce too large")

// sendIdentity announces this side's self-declared peer_identity
// (spec §4.2: "sets its own peer_identity before connecting"). Each
// TCP connection is already 1:1 with one authenticated peer, so the
// announce travels once as a plain message rather than being carried
// on every frame.
func sendIdentity(secure *identity.SecureConn, peerIdentity string) error {
	return secure.WriteMessage([]byte(peerIdentity))
}

func recvIdentity(secure *identity.SecureConn) (string, error) {
	raw, err := secure.ReadMessage()
	if err != nil {
		return "", err
	}
	if len(raw) > maxIdentityLen {
		return "", ErrIdentityTooLong
	}
	return string(raw), nil
}
