// Package tunnel implements the authenticated tunnel transport (spec
// §4.2): a reliable, message-oriented, mutually-authenticated,
// encrypted channel in which one acceptor serves many dealer peers,
// each identified by a stable peer identity string.
package tunnel

import (
	"fmt"
	"io"
	"sync"

	"github.com/portunnel/portunnel/internal/identity"
	"github.com/portunnel/portunnel/internal/wire"
)

// writeQueueDepth bounds how many outbound frames may be buffered for
// a single peer before Send starts blocking the caller.
const writeQueueDepth = 256

// Conn is one tunnel-transport connection to a single peer, carrying
// wire.Frames over an identity.SecureConn. All writes to the
// underlying SecureConn are serialized through a single writer
// goroutine fed by writeCh, since the AEAD sequence counter is not
// safe for concurrent Seal calls.
type Conn struct {
	secure       *identity.SecureConn
	PeerIdentity string

	writeCh chan *wire.Frame
	closeCh chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	writeErr error
	mu       sync.Mutex
}

func newConn(secure *identity.SecureConn, peerIdentity string) *Conn {
	c := &Conn{
		secure:       secure,
		PeerIdentity: peerIdentity,
		writeCh:      make(chan *wire.Frame, writeQueueDepth),
		closeCh:      make(chan struct{}),
	}
	c.wg.Add(1)
	go c.writeLoop()
	return c
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case f := <-c.writeCh:
			if err := c.secure.WriteMessage(wire.Marshal(f)); err != nil {
				c.mu.Lock()
				c.writeErr = err
				c.mu.Unlock()
				// signalClose, not Close: Close blocks on c.wg, which
				// this very goroutine's deferred Done only satisfies by
				// returning, so waiting here would deadlock forever.
				c.signalClose()
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

// signalClose closes closeCh and the underlying secure connection at
// most once, without waiting for the writer goroutine to exit. Callers
// that need the writer goroutine fully stopped before returning must
// use Close instead.
func (c *Conn) signalClose() error {
	var err error
	c.once.Do(func() {
		close(c.closeCh)
		err = c.secure.Close()
	})
	return err
}

// WriteFrame enqueues f for the connection's single writer goroutine.
// It does not block on network I/O; if the connection is already
// closed it returns the error that closed it.
func (c *Conn) WriteFrame(f *wire.Frame) error {
	select {
	case <-c.closeCh:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.writeErr != nil {
			return c.writeErr
		}
		return io.ErrClosedPipe
	case c.writeCh <- f:
		return nil
	}
}

// ReadFrame blocks for the next inbound frame. Any inbound message —
// HEARTBEAT or RELAY — is liveness-significant; the caller is
// responsible for touching the liveness monitor.
//
// A decode failure is returned wrapping wire.ErrMalformedFrame; callers
// must check errors.Is against it and keep reading (spec §7: drop the
// frame, log, keep the peer). Any other error is a transport failure
// and the connection must be torn down.
func (c *Conn) ReadFrame() (*wire.Frame, error) {
	raw, err := c.secure.ReadMessage()
	if err != nil {
		return nil, err
	}
	f, err := wire.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("tunnel: %w", err)
	}
	return f, nil
}

// Close tears down the connection and waits for its writer goroutine to
// exit. Safe to call more than once. Must not be called from the
// writer goroutine itself; use signalClose there instead.
func (c *Conn) Close() error {
	err := c.signalClose()
	c.wg.Wait()
	return err
}
