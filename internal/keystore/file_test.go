package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadSelfRoundTrip(t *testing.T) {
	dir := t.TempDir()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(dir, "identity.key")
	if err := WritePrivateKeyFile(keyPath, priv); err != nil {
		t.Fatal(err)
	}

	fs := NewFileStore(keyPath, "", "")
	gotPub, gotPriv, err := fs.LoadSelf()
	if err != nil {
		t.Fatal(err)
	}
	if !gotPub.Equal(pub) || !gotPriv.Equal(priv) {
		t.Fatalf("loaded keypair does not match written one")
	}
}

func TestAuthorizePeerReflectsDirectoryContents(t *testing.T) {
	dir := t.TempDir()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if err := WritePublicKeyFile(filepath.Join(dir, "alice"), pub); err != nil {
		t.Fatal(err)
	}

	fs := NewFileStore("", dir, "")
	if err := fs.Start(); err != nil {
		t.Fatal(err)
	}
	defer fs.Stop()

	if !fs.AuthorizePeer(pub) {
		t.Fatalf("expected pre-existing key to be authorized")
	}

	other, _, _ := ed25519.GenerateKey(rand.Reader)
	if fs.AuthorizePeer(other) {
		t.Fatalf("unknown key should not be authorized")
	}
}

func TestAuthorizePeerPicksUpLaterAddition(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileStore("", dir, "")
	fs.pollInterval = 20 * time.Millisecond
	if err := fs.Start(); err != nil {
		t.Fatal(err)
	}
	defer fs.Stop()

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if fs.AuthorizePeer(pub) {
		t.Fatalf("key should not be authorized before it is written")
	}

	if err := WritePublicKeyFile(filepath.Join(dir, "bob"), pub); err != nil {
		t.Fatal(err)
	}
	// force a visible mtime change even on coarse filesystem clocks
	now := time.Now().Add(time.Second)
	os.Chtimes(dir, now, now)

	deadline := time.After(2 * time.Second)
	for !fs.AuthorizePeer(pub) {
		select {
		case <-deadline:
			t.Fatalf("poller did not pick up newly authorized key in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPeerPublicKeyUnknown(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileStore("", "", dir)
	if _, err := fs.PeerPublicKey("ghost"); err != ErrPeerUnknown {
		t.Fatalf("expected ErrPeerUnknown, got %v", err)
	}
}

func TestPeerPublicKeyFound(t *testing.T) {
	dir := t.TempDir()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if err := WritePublicKeyFile(filepath.Join(dir, "relay-server-1"), pub); err != nil {
		t.Fatal(err)
	}
	fs := NewFileStore("", "", dir)
	got, err := fs.PeerPublicKey("relay-server-1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(pub) {
		t.Fatalf("pinned key mismatch")
	}
}
