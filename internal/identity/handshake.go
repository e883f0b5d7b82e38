package identity

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	nonceSize        = chacha20poly1305.NonceSize
	maxSkew          = 30 * time.Second
	maxMessageSize   = 1 << 26 // 64MiB, guards against a corrupt length prefix
	initPayloadSize  = 1 + 8 + nonceSize + ed25519.PublicKeySize + curve25519.PointSize
	clientDirectionInfo = "portunnel client"
	serverDirectionInfo = "portunnel server"
	protocolVersion  = byte(1)
)

var (
	ErrHandshakeFailed  = errors.New("identity: handshake failed")
	ErrUnauthorized     = errors.New("identity: peer not authorized")
	ErrInvalidSignature = errors.New("identity: invalid signature")
	ErrInvalidTimestamp = errors.New("identity: timestamp out of skew window")
	ErrProtocolVersion  = errors.New("identity: unsupported protocol version")
	ErrMessageTooLarge  = errors.New("identity: message exceeds maximum size")
)

// Authorizer answers whether a peer's long-term public key is allowed
// to complete the handshake (spec §4.8's "public-key authorizer").
type Authorizer func(pub ed25519.PublicKey) bool

// initMessage is the signed handshake payload exchanged by both sides.
type initMessage struct {
	version   byte
	timestamp int64
	nonce     []byte
	identity  ed25519.PublicKey
	sessionPK []byte // ephemeral X25519 public key
	signature []byte
}

func (m *initMessage) payload() []byte {
	buf := make([]byte, 0, initPayloadSize)
	buf = append(buf, m.version)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(m.timestamp))
	buf = append(buf, ts[:]...)
	buf = append(buf, m.nonce...)
	buf = append(buf, m.identity...)
	buf = append(buf, m.sessionPK...)
	return buf
}

func parseInitMessage(data []byte) (*initMessage, error) {
	if len(data) != initPayloadSize+ed25519.SignatureSize {
		return nil, ErrHandshakeFailed
	}
	payload := data[:initPayloadSize]
	sig := data[initPayloadSize:]

	off := 0
	version := payload[off]
	off++
	timestamp := int64(binary.BigEndian.Uint64(payload[off : off+8]))
	off += 8
	nonce := append([]byte(nil), payload[off:off+nonceSize]...)
	off += nonceSize
	identity := append(ed25519.PublicKey(nil), payload[off:off+ed25519.PublicKeySize]...)
	off += ed25519.PublicKeySize
	sessionPK := append([]byte(nil), payload[off:off+curve25519.PointSize]...)

	return &initMessage{
		version:   version,
		timestamp: timestamp,
		nonce:     nonce,
		identity:  identity,
		sessionPK: sessionPK,
		signature: append([]byte(nil), sig...),
	}, nil
}

func buildInitMessage(cred *Credential, sessionPK []byte) (*initMessage, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	m := &initMessage{
		version:   protocolVersion,
		timestamp: time.Now().Unix(),
		nonce:     nonce,
		identity:  cred.PublicKey(),
		sessionPK: sessionPK,
	}
	m.signature = cred.Sign(m.payload())
	return m, nil
}

func validateInitMessage(m *initMessage) error {
	if m.version != protocolVersion {
		return ErrProtocolVersion
	}
	skew := time.Now().Unix() - m.timestamp
	if skew < -int64(maxSkew.Seconds()) || skew > int64(maxSkew.Seconds()) {
		return ErrInvalidTimestamp
	}
	if !ed25519.Verify(m.identity, m.payload(), m.signature) {
		return ErrInvalidSignature
	}
	return nil
}

// SecureConn is a confidential, integrity-protected, message-boundary
// preserving connection established by ClientHandshake/ServerHandshake.
// It is the raw transport a tunnel.Conn reads and writes wire.Frames
// over.
type SecureConn struct {
	conn io.ReadWriteCloser

	encrypt     cipher.AEAD
	decrypt     cipher.AEAD
	encryptSeq  []byte
	decryptSeq  []byte

	// PeerIdentity is the authenticated Ed25519 public key of the other
	// end, captured at handshake time.
	PeerIdentity ed25519.PublicKey
}

// WriteMessage encrypts and sends one opaque message, preserving its
// boundary on the wire via a length prefix.
func (sc *SecureConn) WriteMessage(p []byte) error {
	incrementSeq(sc.encryptSeq)
	sealed := sc.encrypt.Seal(nil, sc.encryptSeq, p, nil)
	return writeLengthPrefixed(sc.conn, sealed)
}

// ReadMessage receives and decrypts the next opaque message.
func (sc *SecureConn) ReadMessage() ([]byte, error) {
	sealed, err := readLengthPrefixed(sc.conn)
	if err != nil {
		return nil, err
	}
	incrementSeq(sc.decryptSeq)
	return sc.decrypt.Open(nil, sc.decryptSeq, sealed, nil)
}

// Close closes the underlying connection.
func (sc *SecureConn) Close() error { return sc.conn.Close() }

// ClientHandshake performs the dealer side of the mutual handshake:
// exchange signed ephemeral X25519 keys over Ed25519 identities, then
// derive a pair of ChaCha20-Poly1305 keys, one per direction.
func ClientHandshake(conn io.ReadWriteCloser, cred *Credential) (*SecureConn, error) {
	ephPriv, ephPub, err := generateEphemeral()
	if err != nil {
		return nil, err
	}

	clientInit, err := buildInitMessage(cred, ephPub)
	if err != nil {
		return nil, err
	}
	if err := writeLengthPrefixed(conn, append(clientInit.payload(), clientInit.signature...)); err != nil {
		return nil, err
	}

	serverRaw, err := readLengthPrefixed(conn)
	if err != nil {
		return nil, err
	}
	serverInit, err := parseInitMessage(serverRaw)
	if err != nil {
		return nil, err
	}
	if err := validateInitMessage(serverInit); err != nil {
		return nil, err
	}

	shared, err := curve25519.X25519(ephPriv, serverInit.sessionPK)
	if err != nil {
		return nil, ErrHandshakeFailed
	}
	encKey := derive(shared, clientInit.nonce, serverInit.nonce, clientDirectionInfo)
	decKey := derive(shared, serverInit.nonce, clientInit.nonce, serverDirectionInfo)

	return newSecureConn(conn, encKey, decKey, serverInit.identity)
}

// ServerHandshake performs the acceptor side. authorize decides whether
// the connecting peer's long-term public key may proceed; an
// unauthorized peer's connection is closed without a response, so the
// rejection is indistinguishable from a network failure (spec §7,
// AuthFailure: "reject peer silently at transport").
func ServerHandshake(conn io.ReadWriteCloser, cred *Credential, authorize Authorizer) (sc *SecureConn, err error) {
	// Any error return here means the handshake never produced a usable
	// SecureConn, which is the only thing that otherwise takes ownership
	// of conn; close it on every failing path so a probe that sends a
	// truncated or unauthorized init message doesn't leak the socket.
	defer func() {
		if err != nil {
			conn.Close()
		}
	}()

	clientRaw, err := readLengthPrefixed(conn)
	if err != nil {
		return nil, err
	}
	clientInit, err := parseInitMessage(clientRaw)
	if err != nil {
		return nil, err
	}
	if err := validateInitMessage(clientInit); err != nil {
		return nil, err
	}
	if authorize != nil && !authorize(clientInit.identity) {
		return nil, ErrUnauthorized
	}

	ephPriv, ephPub, err := generateEphemeral()
	if err != nil {
		return nil, err
	}
	serverInit, err := buildInitMessage(cred, ephPub)
	if err != nil {
		return nil, err
	}
	if err := writeLengthPrefixed(conn, append(serverInit.payload(), serverInit.signature...)); err != nil {
		return nil, err
	}

	shared, err := curve25519.X25519(ephPriv, clientInit.sessionPK)
	if err != nil {
		return nil, ErrHandshakeFailed
	}
	encKey := derive(shared, serverInit.nonce, clientInit.nonce, serverDirectionInfo)
	decKey := derive(shared, clientInit.nonce, serverInit.nonce, clientDirectionInfo)

	return newSecureConn(conn, encKey, decKey, clientInit.identity)
}

func newSecureConn(conn io.ReadWriteCloser, encKey, decKey []byte, peer ed25519.PublicKey) (*SecureConn, error) {
	enc, err := chacha20poly1305.New(encKey)
	if err != nil {
		return nil, err
	}
	dec, err := chacha20poly1305.New(decKey)
	if err != nil {
		return nil, err
	}
	return &SecureConn{
		conn:         conn,
		encrypt:      enc,
		decrypt:      dec,
		encryptSeq:   make([]byte, nonceSize),
		decryptSeq:   make([]byte, nonceSize),
		PeerIdentity: peer,
	}, nil
}

func generateEphemeral() (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err = io.ReadFull(rand.Reader, priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

func derive(shared, saltA, saltB []byte, info string) []byte {
	salt := append(append([]byte(nil), saltA...), saltB...)
	r := hkdf.New(sha256.New, shared, salt, []byte(info))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		panic("identity: hkdf derive failed: " + err.Error())
	}
	return key
}

// incrementSeq treats the nonce as a big-endian counter, incremented
// once per message in each direction.
func incrementSeq(seq []byte) {
	for i := len(seq) - 1; i >= 0; i-- {
		seq[i]++
		if seq[i] != 0 {
			return
		}
	}
}

func writeLengthPrefixed(w io.Writer, data []byte) error {
	if len(data) > maxMessageSize {
		return ErrMessageTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxMessageSize {
		return nil, ErrMessageTooLarge
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
