package tunnel

import (
	"crypto/ed25519"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/portunnel/portunnel/internal/identity"
	"github.com/portunnel/portunnel/internal/wire"
)

func TestAcceptorDialerRoundTrip(t *testing.T) {
	serverCred, err := identity.NewCredential()
	if err != nil {
		t.Fatal(err)
	}
	clientCred, err := identity.NewCredential()
	if err != nil {
		t.Fatal(err)
	}

	acc, err := NewAcceptor("127.0.0.1:0", serverCred, func(pub ed25519.PublicKey) bool {
		return clientCred.PublicKey().Equal(pub)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer acc.Close()
	go acc.Serve()

	dialer := &Dialer{Addr: acc.Addr().String(), Cred: clientCred, PeerIdentity: "client-host:9090"}
	conn, err := dialer.Dial()
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteFrame(wire.Heartbeat()); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case in := <-acc.Inbound():
		if in.PeerIdentity != "client-host:9090" {
			t.Fatalf("peer identity = %q", in.PeerIdentity)
		}
		if in.Frame.Command != wire.CmdHeartbeat {
			t.Fatalf("command = %s", in.Frame.Command)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound frame")
	}

	if !acc.Connected("client-host:9090") {
		t.Fatal("expected peer to be registered as connected")
	}

	acc.Send("client-host:9090", wire.Exception("bind failed"))
	got, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if got.Command != wire.CmdException {
		t.Fatalf("command = %s", got.Command)
	}

	// Sends to an unknown peer are silently dropped, not an error.
	acc.Send("no-such-peer:1", wire.Heartbeat())
}

func TestAcceptorDropsMalformedFrameKeepsPeerConnected(t *testing.T) {
	serverCred, _ := identity.NewCredential()
	clientCred, _ := identity.NewCredential()

	acc, err := NewAcceptor("127.0.0.1:0", serverCred, func(pub ed25519.PublicKey) bool {
		return clientCred.PublicKey().Equal(pub)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer acc.Close()
	go acc.Serve()

	dialer := &Dialer{Addr: acc.Addr().String(), Cred: clientCred, PeerIdentity: "client-host:9091"}
	conn, err := dialer.Dial()
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Bypass the frame codec and write a message that wire.Unmarshal
	// cannot decode: a single byte is shorter than the minimum header.
	if err := conn.secure.WriteMessage([]byte{0xff}); err != nil {
		t.Fatalf("write malformed message: %v", err)
	}

	if err := conn.WriteFrame(wire.Heartbeat()); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	select {
	case in := <-acc.Inbound():
		if in.Frame.Command != wire.CmdHeartbeat {
			t.Fatalf("command = %s, want HEARTBEAT (malformed frame should have been dropped, not fatal)", in.Frame.Command)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the heartbeat following the malformed frame")
	}

	if !acc.Connected("client-host:9091") {
		t.Fatal("peer should remain connected after a malformed frame")
	}
}

func TestWebSocketAcceptorDialerRoundTrip(t *testing.T) {
	serverCred, err := identity.NewCredential()
	if err != nil {
		t.Fatal(err)
	}
	clientCred, err := identity.NewCredential()
	if err != nil {
		t.Fatal(err)
	}

	acc := NewWebSocketAcceptor(serverCred, func(pub ed25519.PublicKey) bool {
		return clientCred.PublicKey().Equal(pub)
	})
	defer acc.Close()

	httpSrv := httptest.NewServer(http.HandlerFunc(acc.ServeWebSocket))
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	dialer := &Dialer{Addr: wsURL, Transport: TransportWebSocket, Cred: clientCred, PeerIdentity: "client-host:9092"}
	conn, err := dialer.Dial()
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteFrame(wire.Heartbeat()); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case in := <-acc.Inbound():
		if in.PeerIdentity != "client-host:9092" {
			t.Fatalf("peer identity = %q", in.PeerIdentity)
		}
		if in.Frame.Command != wire.CmdHeartbeat {
			t.Fatalf("command = %s", in.Frame.Command)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound frame")
	}
}

func TestAcceptorCloseClosesInboundChannel(t *testing.T) {
	serverCred, _ := identity.NewCredential()
	clientCred, _ := identity.NewCredential()

	acc, err := NewAcceptor("127.0.0.1:0", serverCred, func(pub ed25519.PublicKey) bool {
		return clientCred.PublicKey().Equal(pub)
	})
	if err != nil {
		t.Fatal(err)
	}
	go acc.Serve()

	dialer := &Dialer{Addr: acc.Addr().String(), Cred: clientCred, PeerIdentity: "client-host:9093"}
	conn, err := dialer.Dial()
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteFrame(wire.Heartbeat()); err != nil {
		t.Fatalf("write: %v", err)
	}
	<-acc.Inbound()

	done := make(chan struct{})
	go func() {
		acc.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	_, ok := <-acc.Inbound()
	if ok {
		t.Fatal("Inbound channel should be closed after Close")
	}
}

func TestConnCloseAfterWriteErrorDoesNotDeadlock(t *testing.T) {
	serverCred, _ := identity.NewCredential()
	clientCred, _ := identity.NewCredential()

	acc, err := NewAcceptor("127.0.0.1:0", serverCred, func(pub ed25519.PublicKey) bool {
		return clientCred.PublicKey().Equal(pub)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer acc.Close()
	go acc.Serve()

	dialer := &Dialer{Addr: acc.Addr().String(), Cred: clientCred, PeerIdentity: "client-host:9094"}
	conn, err := dialer.Dial()
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	// Close the underlying secure transport out from under the writer
	// goroutine, then enqueue a frame: the next WriteMessage call fails,
	// driving writeLoop's error branch. Close must still return promptly
	// from another goroutine rather than deadlocking against the writer
	// goroutine's own wg.Done.
	conn.secure.Close()
	conn.WriteFrame(wire.Heartbeat())

	done := make(chan struct{})
	go func() {
		conn.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close deadlocked after a write error in writeLoop")
	}
}

func TestAcceptorRejectsUnauthorizedPeer(t *testing.T) {
	serverCred, _ := identity.NewCredential()
	clientCred, _ := identity.NewCredential()

	acc, err := NewAcceptor("127.0.0.1:0", serverCred, func(ed25519.PublicKey) bool { return false })
	if err != nil {
		t.Fatal(err)
	}
	defer acc.Close()
	go acc.Serve()

	dialer := &Dialer{Addr: acc.Addr().String(), Cred: clientCred, PeerIdentity: "client-host:9090"}
	if _, err := dialer.Dial(); err == nil {
		t.Fatal("expected dial to fail for unauthorized peer")
	}
}
