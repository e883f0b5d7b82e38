package relayclient

import (
	"bufio"
	"crypto/ed25519"
	"net"
	"testing"
	"time"

	"github.com/portunnel/portunnel/internal/identity"
	"github.com/portunnel/portunnel/internal/tunnel"
	"github.com/portunnel/portunnel/internal/wire"
)

// fakeOrigin is a minimal echo server standing in for an origin
// service: it sends back each line it receives, prefixed with "echo:".
func fakeOrigin(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if len(line) > 0 {
						c.Write([]byte("echo:" + line))
					}
					if err != nil {
						return
					}
				}
			}(c)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestClientStopUnblocksConnectedSession(t *testing.T) {
	serverCred, _ := identity.NewCredential()
	clientCred, _ := identity.NewCredential()

	acc, err := tunnel.NewAcceptor("127.0.0.1:0", serverCred, func(pub ed25519.PublicKey) bool {
		return clientCred.PublicKey().Equal(pub)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer acc.Close()
	go acc.Serve()

	origin := fakeOrigin(t)

	dialer := &tunnel.Dialer{Addr: acc.Addr().String(), Cred: clientCred, PeerIdentity: "client-host:9095"}
	c := New(dialer, Service{OriginAddr: origin}, 50*time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for !acc.Connected("client-host:9095") {
		select {
		case <-deadline:
			t.Fatal("client never connected")
		case <-time.After(5 * time.Millisecond):
		}
	}

	c.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop while a session was connected")
	}
}

func TestClientRelaysOriginBytesRoundTrip(t *testing.T) {
	serverCred, _ := identity.NewCredential()
	clientCred, _ := identity.NewCredential()

	acc, err := tunnel.NewAcceptor("127.0.0.1:0", serverCred, func(pub ed25519.PublicKey) bool {
		return clientCred.PublicKey().Equal(pub)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer acc.Close()
	go acc.Serve()

	origin := fakeOrigin(t)

	dialer := &tunnel.Dialer{Addr: acc.Addr().String(), Cred: clientCred, PeerIdentity: "client-host:9090"}
	c := New(dialer, Service{OriginAddr: origin}, 50*time.Millisecond)
	go c.Run()
	defer c.Stop()

	deadline := time.After(2 * time.Second)
	for !acc.Connected("client-host:9090") {
		select {
		case <-deadline:
			t.Fatal("client never connected")
		case <-time.After(5 * time.Millisecond):
		}
	}

	acc.Send("client-host:9090", wire.Relay([]byte("198.51.100.7:54321"), []byte("hello\n")))

	deadline = time.After(2 * time.Second)
	for {
		select {
		case in := <-acc.Inbound():
			if in.Frame.Command == wire.CmdRelay && string(in.Frame.Payload()) == "echo:hello\n" {
				return
			}
		case <-deadline:
			t.Fatal("never received echoed payload back through the tunnel")
		}
	}
}
