// Package identity implements the long-term Ed25519 keypairs that peers
// authenticate with, and the X25519+ChaCha20-Poly1305 handshake that
// turns a raw connection into a confidential, integrity-protected one
// (spec §4.2, §4.8).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
)

// ErrInvalidPrivateKey is returned when a private key of the wrong size
// is supplied to NewCredentialFromPrivateKey.
var ErrInvalidPrivateKey = errors.New("identity: invalid private key length")

// Credential is a peer's long-term Ed25519 identity. The same keypair
// authenticates the tunnel handshake and, client-side, signs nothing
// else: the transport handshake is the only place it is used.
type Credential struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// NewCredential generates a fresh Ed25519 keypair.
func NewCredential() (*Credential, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Credential{private: priv, public: pub}, nil
}

// NewCredentialFromPrivateKey rebuilds a Credential from a stored
// private key, e.g. loaded from a file by a KeyStore implementation.
func NewCredentialFromPrivateKey(priv ed25519.PrivateKey) (*Credential, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivateKey
	}
	return &Credential{private: priv, public: priv.Public().(ed25519.PublicKey)}, nil
}

// PublicKey returns the credential's Ed25519 public key.
func (c *Credential) PublicKey() ed25519.PublicKey { return c.public }

// PrivateKey returns the credential's Ed25519 private key.
func (c *Credential) PrivateKey() ed25519.PrivateKey { return c.private }

// Sign signs data with the credential's private key.
func (c *Credential) Sign(data []byte) []byte {
	return ed25519.Sign(c.private, data)
}

// Fingerprint returns a short hex identifier for the public key,
// suitable for log lines and the authorized-keys directory listing.
func Fingerprint(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}
