package relayclient

import (
	"sync"
	"time"

	"github.com/portunnel/portunnel/internal/identity"
	"github.com/portunnel/portunnel/internal/tunnel"
)

// ServiceConfig names one origin service to expose and the tunnel
// identity it should register under. This is the supplemented
// multi-service configuration surface: the core spec models one
// Relay-Client per (server, service) pair, but a single process
// commonly wants to expose several origin services from one
// configuration file.
type ServiceConfig struct {
	PeerIdentity string
	OriginAddr   string
	BufSize      int
}

// Group runs one independent Client per configured service, each over
// its own tunnel connection, so a bind-port conflict or liveness
// eviction on one service never affects another.
type Group struct {
	clients []*Client
}

// NewGroup builds a Client per entry in services, all dialing addr
// with cred and the given heartbeat interval. transport is
// tunnel.TransportTCP or tunnel.TransportWebSocket; addr is a
// "host:port" for the former, a ws://.../wss://... URL for the latter.
func NewGroup(addr string, transport string, cred *identity.Credential, pinnedServerKey []byte, interval time.Duration, services []ServiceConfig) *Group {
	g := &Group{}
	for _, svc := range services {
		dialer := &tunnel.Dialer{
			Addr:         addr,
			Transport:    transport,
			Cred:         cred,
			PeerIdentity: svc.PeerIdentity,
		}
		if pinnedServerKey != nil {
			dialer.PinnedServerKey = pinnedServerKey
		}
		g.clients = append(g.clients, New(dialer, Service{OriginAddr: svc.OriginAddr, BufSize: svc.BufSize}, interval))
	}
	return g
}

// Run starts every client concurrently and blocks until Stop is
// called.
func (g *Group) Run() {
	var wg sync.WaitGroup
	for _, c := range g.clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			c.Run()
		}(c)
	}
	wg.Wait()
}

// Stop halts every client in the group.
func (g *Group) Stop() {
	for _, c := range g.clients {
		c.Stop()
	}
}
