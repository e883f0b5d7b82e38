// Package admin exposes a read-only HTTP status surface over the
// running Relay-Server: connected peers and per-peer session counts,
// for operators who would otherwise have to grep logs (spec §9's
// "counter hook at each of these events is recommended" extended to a
// queryable surface).
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// StatusSource is the subset of relayserver.Server the admin surface
// needs, kept narrow so this package doesn't import relayserver.
type StatusSource interface {
	ConnectedPeers() []string
	SessionCount(peerIdentity string) int
}

// Router builds the admin HTTP handler.
func Router(src StatusSource) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/peers", func(w http.ResponseWriter, r *http.Request) {
		peers := src.ConnectedPeers()
		out := make([]peerStatus, 0, len(peers))
		for _, p := range peers {
			out = append(out, peerStatus{Identity: p, Sessions: src.SessionCount(p)})
		}
		writeJSON(w, out)
	})
	r.Get("/peers/{identity}", func(w http.ResponseWriter, r *http.Request) {
		identity := chi.URLParam(r, "identity")
		for _, p := range src.ConnectedPeers() {
			if p == identity {
				writeJSON(w, peerStatus{Identity: p, Sessions: src.SessionCount(p)})
				return
			}
		}
		http.NotFound(w, r)
	})
	return r
}

type peerStatus struct {
	Identity string `json:"identity"`
	Sessions int    `json:"sessions"`
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
