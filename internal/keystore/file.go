package keystore

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPeerUnknown is returned by PeerPublicKey when no pinned key file
// exists for the requested peer name.
var ErrPeerUnknown = errors.New("keystore: peer public key not found")

// FileStore is a KeyStore backed by plain files on disk:
//
//   - selfKeyPath holds this process's own hex-encoded Ed25519 private
//     key (64 bytes -> 128 hex chars), one line.
//   - authorizedKeysDir holds one file per authorized peer, each
//     containing that peer's hex-encoded Ed25519 public key. The
//     directory is polled for mtime changes every pollInterval and the
//     authorized set is swapped in atomically (spec §4.8).
//   - peersDir holds one file per named peer (client-side pinning),
//     same hex-public-key format, filename is the peer name.
type FileStore struct {
	selfKeyPath       string
	authorizedKeysDir string
	peersDir          string
	pollInterval      time.Duration

	authorized atomic.Pointer[map[string]struct{}]

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewFileStore constructs a FileStore. authorizedKeysDir may be empty
// if this process never acts as an acceptor (pure relay-client use);
// peersDir may be empty if it never dials with key pinning.
func NewFileStore(selfKeyPath, authorizedKeysDir, peersDir string) *FileStore {
	fs := &FileStore{
		selfKeyPath:       selfKeyPath,
		authorizedKeysDir: authorizedKeysDir,
		peersDir:          peersDir,
		pollInterval:      time.Second,
		stop:              make(chan struct{}),
	}
	empty := make(map[string]struct{})
	fs.authorized.Store(&empty)
	return fs
}

// LoadSelf reads the process's own Ed25519 private key from disk.
func (fs *FileStore) LoadSelf() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(fs.selfKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("keystore: read self key: %w", err)
	}
	priv, err := decodeHexPrivateKey(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("keystore: parse self key: %w", err)
	}
	return priv.Public().(ed25519.PublicKey), priv, nil
}

// Start loads the authorized-keys directory once synchronously, then
// launches the 1-second poller (spec §4.8: "watcher polls modification
// time at 1 s cadence"). Call before AuthorizePeer is relied upon.
func (fs *FileStore) Start() error {
	if fs.authorizedKeysDir == "" {
		return nil
	}
	lastMod := fs.dirModTime()
	if err := fs.reload(); err != nil {
		return err
	}
	fs.wg.Add(1)
	go fs.poll(lastMod)
	return nil
}

// Stop halts the directory poller.
func (fs *FileStore) Stop() {
	fs.stopOnce.Do(func() { close(fs.stop) })
	fs.wg.Wait()
}

func (fs *FileStore) poll(lastMod time.Time) {
	defer fs.wg.Done()
	ticker := time.NewTicker(fs.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-fs.stop:
			return
		case <-ticker.C:
			mod := fs.dirModTime()
			if mod.After(lastMod) {
				lastMod = mod
				_ = fs.reload()
			}
		}
	}
}

func (fs *FileStore) dirModTime() time.Time {
	info, err := os.Stat(fs.authorizedKeysDir)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// reload reads every file in authorizedKeysDir and atomically swaps
// the authorized-key set in one pointer store, so concurrent
// AuthorizePeer calls never observe a half-updated set.
func (fs *FileStore) reload() error {
	entries, err := os.ReadDir(fs.authorizedKeysDir)
	if err != nil {
		return fmt.Errorf("keystore: read authorized keys dir: %w", err)
	}
	next := make(map[string]struct{}, len(entries))
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(fs.authorizedKeysDir, ent.Name()))
		if err != nil {
			continue
		}
		pub, err := decodeHexPublicKey(raw)
		if err != nil {
			continue
		}
		next[string(pub)] = struct{}{}
	}
	fs.authorized.Store(&next)
	return nil
}

// AuthorizePeer reports whether pub is currently present in the
// authorized-key set.
func (fs *FileStore) AuthorizePeer(pub ed25519.PublicKey) bool {
	set := *fs.authorized.Load()
	_, ok := set[string(pub)]
	return ok
}

// PeerPublicKey looks up a named peer's pinned public key from
// peersDir, client-side.
func (fs *FileStore) PeerPublicKey(peerName string) (ed25519.PublicKey, error) {
	if fs.peersDir == "" {
		return nil, ErrPeerUnknown
	}
	raw, err := os.ReadFile(filepath.Join(fs.peersDir, peerName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPeerUnknown
		}
		return nil, fmt.Errorf("keystore: read peer key: %w", err)
	}
	return decodeHexPublicKey(raw)
}

func decodeHexPrivateKey(raw []byte) (ed25519.PrivateKey, error) {
	raw = []byte(strings.TrimSpace(string(raw)))
	data := make([]byte, hex.DecodedLen(len(raw)))
	n, err := hex.Decode(data, raw)
	if err != nil {
		return nil, err
	}
	data = data[:n]
	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("expected %d bytes, got %d", ed25519.PrivateKeySize, len(data))
	}
	return ed25519.PrivateKey(data), nil
}

func decodeHexPublicKey(raw []byte) (ed25519.PublicKey, error) {
	raw = []byte(strings.TrimSpace(string(raw)))
	data := make([]byte, hex.DecodedLen(len(raw)))
	n, err := hex.Decode(data, raw)
	if err != nil {
		return nil, err
	}
	data = data[:n]
	if len(data) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("expected %d bytes, got %d", ed25519.PublicKeySize, len(data))
	}
	return ed25519.PublicKey(data), nil
}

// WritePrivateKeyFile hex-encodes priv and writes it to path with
// restrictive permissions, used by the tunnel-keygen command.
func WritePrivateKeyFile(path string, priv ed25519.PrivateKey) error {
	return os.WriteFile(path, []byte(hex.EncodeToString(priv)), 0o600)
}

// WritePublicKeyFile hex-encodes pub and writes it to path, used by
// tunnel-keygen and by operators populating an authorized-keys
// directory or a peers directory.
func WritePublicKeyFile(path string, pub ed25519.PublicKey) error {
	return os.WriteFile(path, []byte(hex.EncodeToString(pub)), 0o644)
}
