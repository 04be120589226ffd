package control

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fleetcontrol/control-plane/internal/external"
	"github.com/fleetcontrol/control-plane/internal/ferrors"
	"github.com/fleetcontrol/control-plane/internal/iputil"
)

// handleRegisterInitiate implements POST /api/agents/register/initiate
// (spec.md §4.7 step 1, §6).
func (s *Server) handleRegisterInitiate(w http.ResponseWriter, r *http.Request) {
	reg, err := s.reg.Initiate(r.Context(), iputil.ClientIP(r))
	if err != nil {
		writeError(w, httpStatusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         reg.RegID,
		"code":       reg.Code,
		"status":     reg.Status,
		"expires_at": reg.ExpiresAt,
	})
}

// handleRegisterComplete implements POST /api/agents/register/complete
// (spec.md §4.7 step 2). Requires requireUser.
func (s *Server) handleRegisterComplete(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req struct {
		RegID string `json:"reg_id"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	regID, err := uuid.Parse(req.RegID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid reg_id")
		return
	}

	_, err = s.reg.Complete(r.Context(), iputil.ClientIP(r), regID, req.Code, user)
	if err != nil {
		switch {
		case isErr(err, ferrors.ErrTooManyAttempts):
			writeError(w, http.StatusBadRequest, "too many failed attempts")
		case isErr(err, ferrors.ErrInvalidCode), isErr(err, ferrors.ErrNotFound):
			writeError(w, http.StatusBadRequest, "invalid or expired code")
		default:
			writeError(w, httpStatusFor(err), err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "registration completed"})
}

// handleRegisterStatus implements GET
// /api/agents/register/status/{regID} (spec.md §4.7 step 3).
func (s *Server) handleRegisterStatus(w http.ResponseWriter, r *http.Request) {
	regID, err := uuid.Parse(chi.URLParam(r, "regID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid reg id")
		return
	}

	reg, err := s.reg.Status(r.Context(), iputil.ClientIP(r), regID, external.SystemClock)
	if err != nil {
		switch {
		case isErr(err, ferrors.ErrExpired):
			writeJSON(w, http.StatusGone, map[string]string{"status": "expired"})
		case isErr(err, ferrors.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown registration")
		default:
			writeError(w, httpStatusFor(err), err.Error())
		}
		return
	}

	resp := map[string]any{"status": reg.Status}
	if reg.AgentCredentials != nil {
		resp["credentials"] = map[string]string{"key": reg.AgentCredentials.Key.String()}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRegisterFinalize implements POST
// /api/agents/register/finalize (spec.md §4.7 step 4). Requires
// requireAgentKey.
func (s *Server) handleRegisterFinalize(w http.ResponseWriter, r *http.Request) {
	agent, ok := agentFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing agent credential")
		return
	}
	if err := s.reg.Finalize(r.Context(), agent.ID); err != nil {
		writeError(w, httpStatusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "finalized"})
}

// handleUnregister implements POST /api/agents/unregister/ (spec.md
// §4.7, Unregister). Requires requireAgentKey.
func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	agent, ok := agentFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing agent credential")
		return
	}
	if err := s.reg.Unregister(r.Context(), agent); err != nil {
		writeError(w, httpStatusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "unregistered"})
}
