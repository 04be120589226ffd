package control

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fleetcontrol/control-plane/internal/agentsession"
	"github.com/fleetcontrol/control-plane/internal/iputil"
)

// handleAgentWS upgrades the connection and hands it to a fresh
// agentsession.Session, which owns the rest of the connection's
// lifecycle (spec.md §4.4). Origin and key validation happen inside the
// upgrader (CheckOrigin) and Session.Run respectively.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	agentKey := chi.URLParam(r, "agentKey")

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("agent websocket upgrade failed")
		return
	}

	transport := newWSTransport(conn)
	sess := agentsession.New(s.store, s.broker, transport, s.log)

	if err := sess.Run(r.Context(), agentKey, iputil.ClientIP(r)); err != nil {
		s.log.Debug().Err(err).Str("agent_key", agentKey).Msg("agent session ended")
	}
}
