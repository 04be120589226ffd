package control

import (
	"net/http"

	"github.com/fleetcontrol/control-plane/internal/clientstream"
)

// handleClientSSE serves one subscriber's Server-Sent-Events stream
// (spec.md §4.6). Origin handling reuses the same allowlist as the
// WebSocket ingress, generalized per SPEC_FULL.md §6.6.
func (s *Server) handleClientSSE(w http.ResponseWriter, r *http.Request) {
	if !s.originAllowed(r.Header.Get("Origin"), r.Host) {
		writeError(w, http.StatusForbidden, "origin not allowed")
		return
	}

	user, err := s.auth.ResolveUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if origin := r.Header.Get("Origin"); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	if err := clientstream.Serve(r.Context(), w, flusher, s.broker, s.store, user, s.log); err != nil {
		s.log.Debug().Err(err).Int64("user", int64(user)).Msg("client stream ended")
	}
}
