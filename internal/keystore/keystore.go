// Package keystore defines the abstract certificate/identity
// provisioning contract the core depends on (spec §4.8) and a
// file-backed implementation of it.
package keystore

import "crypto/ed25519"

// KeyStore is the abstract contract the relay core uses to load its
// own long-term keypair and to authorize or pin peer public keys. The
// concrete backing store is outside the core (spec §4.8); file.go
// supplies the on-disk implementation.
type KeyStore interface {
	// LoadSelf returns this process's own long-term Ed25519 keypair,
	// called once at startup.
	LoadSelf() (ed25519.PublicKey, ed25519.PrivateKey, error)

	// AuthorizePeer reports whether pub is allowed to complete the
	// tunnel handshake. Called by the Relay-Server's acceptor.
	AuthorizePeer(pub ed25519.PublicKey) bool

	// PeerPublicKey looks up a named peer's pinned public key,
	// client-side, to pin the server's identity before dialing.
	PeerPublicKey(peerName string) (ed25519.PublicKey, error)
}
