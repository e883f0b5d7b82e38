package identity

import (
	"crypto/ed25519"
	"net"
	"testing"
)

func pipeHandshake(t *testing.T, authorize Authorizer) (client, server *SecureConn, clientCred, serverCred *Credential) {
	t.Helper()
	clientCred, err := NewCredential()
	if err != nil {
		t.Fatal(err)
	}
	serverCred, err = NewCredential()
	if err != nil {
		t.Fatal(err)
	}

	c1, c2 := net.Pipe()

	type result struct {
		sc  *SecureConn
		err error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)

	go func() {
		sc, err := ClientHandshake(c1, clientCred)
		clientCh <- result{sc, err}
	}()
	go func() {
		sc, err := ServerHandshake(c2, serverCred, authorize)
		serverCh <- result{sc, err}
	}()

	cr := <-clientCh
	sr := <-serverCh
	if cr.err != nil {
		t.Fatalf("client handshake: %v", cr.err)
	}
	if sr.err != nil {
		t.Fatalf("server handshake: %v", sr.err)
	}
	return cr.sc, sr.sc, clientCred, serverCred
}

func TestHandshakeRoundTripAndEncryptedMessages(t *testing.T) {
	client, server, clientCred, serverCred := pipeHandshake(t, func(ed25519.PublicKey) bool { return true })

	if !client.PeerIdentity.Equal(serverCred.PublicKey()) {
		t.Fatalf("client did not learn server identity")
	}
	if !server.PeerIdentity.Equal(clientCred.PublicKey()) {
		t.Fatalf("server did not learn client identity")
	}

	done := make(chan error, 1)
	go func() {
		done <- client.WriteMessage([]byte("hello from client"))
	}()
	got, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if string(got) != "hello from client" {
		t.Fatalf("got %q", got)
	}
	if err := <-done; err != nil {
		t.Fatalf("client write: %v", err)
	}
}

func TestHandshakeRejectsUnauthorizedPeer(t *testing.T) {
	clientCred, err := NewCredential()
	if err != nil {
		t.Fatal(err)
	}
	serverCred, err := NewCredential()
	if err != nil {
		t.Fatal(err)
	}
	c1, c2 := net.Pipe()

	clientErr := make(chan error, 1)
	go func() {
		_, err := ClientHandshake(c1, clientCred)
		clientErr <- err
	}()

	_, err = ServerHandshake(c2, serverCred, func(ed25519.PublicKey) bool { return false })
	if err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	<-clientErr
}
