// Package relayserver implements the Relay-Server role (spec §2): the
// Public Listener Manager (§4.5) and the server side of the Relay
// Engine (§4.7), wired to a tunnel.Acceptor and a liveness.Monitor.
package relayserver

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/portunnel/portunnel/internal/audit"
	"github.com/portunnel/portunnel/internal/liveness"
	"github.com/portunnel/portunnel/internal/session"
	"github.com/portunnel/portunnel/internal/tunnel"
	"github.com/portunnel/portunnel/internal/wire"
)

// DefaultBufSize is the chunk size used when pumping bytes from a
// public TCP socket onto the tunnel.
const DefaultBufSize = 32 * 1024

// DefaultMaxSessionsPerPeer bounds concurrent public sessions per peer
// when a caller passes maxSessions <= 0 to New (spec §9, default 1024).
const DefaultMaxSessionsPerPeer = 1024

// AuditSink receives the observable-behavior events named in spec §9.
// Satisfied by *audit.Log; nil is a valid no-op sink.
type AuditSink interface {
	Record(kind audit.EventKind, peer, addr, note string) error
}

// peerState is everything the server keeps about one connected peer:
// its public listener and its (peer, client_addr) session table (spec
// §3's PeerRecord, minus the liveness counter which lives in the
// shared liveness.Monitor).
type peerState struct {
	listener net.Listener
	sessions *session.Table[string]
}

// Server is the Relay-Server core: it owns no process lifecycle
// concerns (those belong to cmd/tunnel-server) and consumes an
// already-running tunnel.Acceptor.
type Server struct {
	acc         *tunnel.Acceptor
	liveness    *liveness.Monitor
	bufSize     int
	maxSessions int
	audit       AuditSink

	mu    sync.Mutex
	peers map[string]*peerState
}

// SetAuditSink attaches an audit log. Call before Start.
func (s *Server) SetAuditSink(sink AuditSink) { s.audit = sink }

func (s *Server) recordEvent(kind audit.EventKind, peer, addr, note string) {
	log.Info().Str("event", string(kind)).Str("peer", peer).Str("addr", addr).Str("note", note).Msg("relay event")
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(kind, peer, addr, note); err != nil {
		log.Warn().Err(err).Msg("audit record failed")
	}
}

// New wires a Server to acc. The caller starts acc.Serve() separately;
// Server.Start returns once the caller closes acc.
// maxSessions <= 0 resolves to DefaultMaxSessionsPerPeer.
func New(acc *tunnel.Acceptor, livenessMax int, interval time.Duration, bufSize, maxSessions int) *Server {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessionsPerPeer
	}
	s := &Server{
		acc:         acc,
		bufSize:     bufSize,
		maxSessions: maxSessions,
		peers:       make(map[string]*peerState),
	}
	s.liveness = liveness.New(livenessMax, interval, s.evictPeer)
	acc.OnDisconnect = s.recordPeerDisconnect
	return s
}

// recordPeerDisconnect is the tunnel.Acceptor.OnDisconnect hook: a
// transport-level teardown of the peer's current connection (read
// error, EOF) is its own observable-behavior event (spec §6), distinct from a
// liveness-timeout eviction, which evictPeer records separately.
func (s *Server) recordPeerDisconnect(peerIdentity string) {
	s.recordEvent(audit.EventPeerDisconnected, peerIdentity, "", "")
}

// Start launches the liveness ticker and the frame dispatch loop. It
// blocks until acc's inbound channel is closed (i.e. until the
// acceptor is closed).
func (s *Server) Start() {
	s.liveness.Start()
	for in := range s.acc.Inbound() {
		s.handleInbound(in)
	}
	s.liveness.Stop()
}

func (s *Server) handleInbound(in tunnel.InboundFrame) {
	s.mu.Lock()
	_, known := s.peers[in.PeerIdentity]
	s.mu.Unlock()

	if !known {
		if err := s.registerPeer(in.PeerIdentity); err != nil {
			s.recordEvent(audit.EventBindFailure, in.PeerIdentity, "", err.Error())
			s.acc.Send(in.PeerIdentity, wire.Exception(err.Error()))
			return
		}
		s.recordEvent(audit.EventPeerConnected, in.PeerIdentity, "", "")
	}

	// Touch only once registration is known to have succeeded (or the
	// peer was already registered from an earlier frame): a bind
	// failure must never create a liveness entry, so the next frame
	// retries the bind (spec §4.5).
	s.liveness.Touch(in.PeerIdentity)

	if in.Frame.Command == wire.CmdRelay {
		s.dispatchToPublicClient(in.PeerIdentity, in.Frame)
	}
}

// registerPeer parses peerIdentity as "<hostname>:<port>" and opens
// the peer's public listener (spec §4.5). Bind failure leaves no
// trace so the next frame retries the bind.
//
// The whole existence-check-then-bind-then-insert sequence runs under
// s.mu, the same lock evictPeer holds across its delete-then-close, so
// a reconnecting peer's bind can never race a stale eviction's close of
// the listener it is about to replace.
func (s *Server) registerPeer(peerIdentity string) error {
	_, portStr, err := net.SplitHostPort(peerIdentity)
	if err != nil {
		return fmt.Errorf("malformed peer identity %q: %w", peerIdentity, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.peers[peerIdentity]; exists {
		return nil
	}

	ln, err := net.Listen("tcp", ":"+portStr)
	if err != nil {
		return err
	}

	ps := &peerState{listener: ln, sessions: session.New[string]()}
	s.peers[peerIdentity] = ps

	log.Info().Str("peer", peerIdentity).Str("listen", ln.Addr().String()).Msg("public listener ready")
	s.recordEvent(audit.EventListenerBound, peerIdentity, ln.Addr().String(), "")
	go s.acceptLoop(peerIdentity, ps)
	return nil
}

func (s *Server) acceptLoop(peerIdentity string, ps *peerState) {
	for {
		conn, err := ps.listener.Accept()
		if err != nil {
			return
		}
		clientAddr := conn.RemoteAddr().String()

		if ps.sessions.Len() >= s.maxSessions {
			log.Warn().Str("peer", peerIdentity).Int("max", s.maxSessions).Msg("per-peer session cap reached, rejecting accept")
			s.recordEvent(audit.EventSessionRejected, peerIdentity, clientAddr, "session cap reached")
			conn.Close()
			continue
		}

		entry, _, err := ps.sessions.GetOrCreate(clientAddr, func() (*session.Entry, error) {
			return &session.Entry{Reader: conn, Writer: conn, Closer: conn}, nil
		})
		if err != nil {
			conn.Close()
			continue
		}
		s.recordEvent(audit.EventSessionOpened, peerIdentity, clientAddr, "")
		go s.pumpPublicToTunnel(peerIdentity, clientAddr, ps, entry)
	}
}

// pumpPublicToTunnel is the server-side half of the Relay Engine
// (spec §4.7): it reads the public client's bytes and forwards each
// chunk as a RELAY frame, tearing the session down on EOF or error.
func (s *Server) pumpPublicToTunnel(peerIdentity, clientAddr string, ps *peerState, entry *session.Entry) {
	buf := make([]byte, s.bufSize)
	for {
		n, err := entry.Reader.Read(buf)
		if n > 0 {
			payload := append([]byte(nil), buf[:n]...)
			s.acc.Send(peerIdentity, wire.Relay([]byte(clientAddr), payload))
		}
		if err != nil {
			ps.sessions.Remove(clientAddr)
			s.recordEvent(audit.EventSessionClosed, peerIdentity, clientAddr, "")
			return
		}
	}
}

// dispatchToPublicClient writes an inbound RELAY frame's payload to
// the public client it names. Unknown or already-closed client_addr
// values are silently dropped (spec §4.5).
func (s *Server) dispatchToPublicClient(peerIdentity string, f *wire.Frame) {
	s.mu.Lock()
	ps, ok := s.peers[peerIdentity]
	s.mu.Unlock()
	if !ok {
		return
	}
	entry, ok := ps.sessions.Get(string(f.ClientAddr()))
	if !ok {
		return
	}
	entry.Writer.Write(f.Payload())
}

// evictPeer is the liveness.EvictFunc: it closes the peer's public
// listener, drains its sessions, and forgets the peer entirely (spec
// §4.4).
//
// delete, Close, and DrainFunc all run under s.mu, the same lock
// registerPeer holds across its own exists-check-then-bind, so a
// reconnect can never observe the old listener still bound nor have
// its fresh peerState torn down by a stale eviction racing the
// reconnect.
func (s *Server) evictPeer(peerIdentity string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.peers[peerIdentity]
	if !ok {
		return
	}
	delete(s.peers, peerIdentity)
	ps.listener.Close()
	ps.sessions.DrainFunc(func(string) bool { return true })
	log.Info().Str("peer", peerIdentity).Msg("peer evicted on liveness expiry")
	s.recordEvent(audit.EventLivenessExpired, peerIdentity, "", "")
}

// ConnectedPeers returns the identities of currently registered peers,
// used by the admin status surface.
func (s *Server) ConnectedPeers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	return out
}

// SessionCount returns the number of live public sessions for a peer.
func (s *Server) SessionCount(peerIdentity string) int {
	s.mu.Lock()
	ps, ok := s.peers[peerIdentity]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return ps.sessions.Len()
}
