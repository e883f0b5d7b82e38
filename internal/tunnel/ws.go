package tunnel

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/portunnel/portunnel/internal/tunnel/wstransport"
)

// ServeWebSocket upgrades r to a WebSocket connection and runs it
// through the same handshake, registration, and read loop as Serve's
// raw TCP accept loop. Mount it at an HTTP route (e.g. "/tunnel") when
// the deployment only has HTTP egress available to the peer (spec
// §4.2's "any transport satisfying these contracts is acceptable").
func (a *Acceptor) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := wstransport.Accept(w, r)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	a.wg.Add(1)
	defer a.wg.Done()
	a.handleConn(ws, r.RemoteAddr)
}
