package control

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/fleetcontrol/control-plane/internal/domain"
	"github.com/fleetcontrol/control-plane/internal/ferrors"
)

type ctxKey int

const (
	ctxUserKey ctxKey = iota
	ctxAgentKey
)

func withUser(ctx context.Context, user domain.UserID) context.Context {
	return context.WithValue(ctx, ctxUserKey, user)
}

func userFromContext(ctx context.Context) (domain.UserID, bool) {
	u, ok := ctx.Value(ctxUserKey).(domain.UserID)
	return u, ok
}

func withAgent(ctx context.Context, agent domain.Agent) context.Context {
	return context.WithValue(ctx, ctxAgentKey, agent)
}

func agentFromContext(ctx context.Context) (domain.Agent, bool) {
	a, ok := ctx.Value(ctxAgentKey).(domain.Agent)
	return a, ok
}

// requireUser resolves the authenticated end user via the external.Auth
// collaborator (spec.md §6) and stashes it in the request context.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.auth.ResolveUser(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), user)))
	})
}

// requireAgentKey parses "Authorization: Agent <UUID>" and resolves the
// agent by key (spec.md §6). It does not itself enforce
// RegistrationStatus == Registered: /register/finalize is Agent-key-authed
// precisely to move an agent out of Pending, so that check is left to
// each handler.
func (s *Server) requireAgentKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Agent "
		if !strings.HasPrefix(header, prefix) {
			writeError(w, http.StatusUnauthorized, "missing agent credential")
			return
		}
		key, err := uuid.Parse(strings.TrimPrefix(header, prefix))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "malformed agent key")
			return
		}

		agent, err := s.store.GetAgentByKey(r.Context(), key)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unknown agent")
			return
		}
		next.ServeHTTP(w, r.WithContext(withAgent(r.Context(), agent)))
	})
}

// requireMetricsToken gates next behind a bcrypt-hashed bearer token when
// cfg.MetricsTokenHash is configured, following the teacher's
// CheckPassword/ValidateAgentToken comparison style (auth.go). Disabled
// (pass-through) when no hash is configured.
func (s *Server) requireMetricsToken(next http.Handler) http.Handler {
	if s.cfg.MetricsTokenHash == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) {
			writeError(w, http.StatusUnauthorized, "missing metrics token")
			return
		}
		token := strings.TrimPrefix(header, prefix)
		if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.MetricsTokenHash), []byte(token)); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid metrics token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func httpStatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case isErr(err, ferrors.ErrBadInput), isErr(err, ferrors.ErrInvalidEvent):
		return http.StatusBadRequest
	case isErr(err, ferrors.ErrUnauthenticated):
		return http.StatusUnauthorized
	case isErr(err, ferrors.ErrUnauthorized):
		return http.StatusForbidden
	case isErr(err, ferrors.ErrNotFound):
		return http.StatusNotFound
	case isErr(err, ferrors.ErrExpired):
		return http.StatusGone
	case isErr(err, ferrors.ErrConflict):
		return http.StatusConflict
	case isErr(err, ferrors.ErrTooManyAttempts):
		return http.StatusBadRequest
	case isErr(err, ferrors.ErrInvalidCode):
		return http.StatusBadRequest
	case isErr(err, ferrors.ErrNotPending):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
