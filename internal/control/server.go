package control

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fleetcontrol/control-plane/internal/broker"
	"github.com/fleetcontrol/control-plane/internal/external"
	"github.com/fleetcontrol/control-plane/internal/registration"
	"github.com/fleetcontrol/control-plane/internal/store"
)

// Server is the control plane's HTTP/WS front door: agent WebSocket
// ingress, client SSE subscriptions, and the registration REST surface,
// playing the role the teacher's dashboard.Server plays.
type Server struct {
	cfg    *Config
	store  store.Store
	broker broker.Broker
	auth   external.Auth
	reg    *registration.Service
	log    zerolog.Logger

	wsUpgrader websocket.Upgrader
	router     chi.Router
	httpServer *http.Server
}

// New builds a Server ready to Run.
func New(cfg *Config, s store.Store, b broker.Broker, auth external.Auth, reg *registration.Service, log zerolog.Logger) *Server {
	srv := &Server{
		cfg:    cfg,
		store:  s,
		broker: b,
		auth:   auth,
		reg:    reg,
		log:    log.With().Str("component", "control").Logger(),
	}
	srv.wsUpgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     srv.checkOrigin,
	}
	srv.setupRouter()
	return srv
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.requireMetricsToken(promhttp.Handler()).ServeHTTP)

	r.Get("/ws/agent/{agentKey}/", s.handleAgentWS)
	r.Get("/api/sse/agents/", s.handleClientSSE)

	r.Route("/api/agents/register", func(r chi.Router) {
		r.Post("/initiate", s.handleRegisterInitiate)
		r.With(s.requireUser).Post("/complete", s.handleRegisterComplete)
		r.Get("/status/{regID}", s.handleRegisterStatus)
		r.With(s.requireAgentKey).Post("/finalize", s.handleRegisterFinalize)
	})
	r.With(s.requireAgentKey).Post("/api/agents/unregister/", s.handleUnregister)

	s.router = r
}

// checkOrigin generalizes the teacher's checkOrigin/isLocalhost pair
// (internal/dashboard/handlers.go) from a single-host dashboard to a
// config-driven allowlist shared by the WebSocket and SSE surfaces.
func (s *Server) checkOrigin(r *http.Request) bool {
	return s.originAllowed(r.Header.Get("Origin"), r.Host)
}

func (s *Server) originAllowed(origin, host string) bool {
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		s.log.Warn().Str("origin", origin).Msg("rejected: invalid origin URL")
		return false
	}

	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}

	if isLocalhost(host) {
		if isLocalhost(originURL.Host) {
			return true
		}
		s.log.Warn().Str("origin", origin).Str("host", host).Msg("rejected: localhost host, non-localhost origin")
		return false
	}

	expected := fmt.Sprintf("https://%s", host)
	if origin == expected {
		return true
	}

	s.log.Warn().Str("origin", origin).Str("expected", expected).Msg("rejected: origin mismatch")
	return false
}

func isLocalhost(host string) bool {
	if colonIdx := strings.LastIndex(host, ":"); colonIdx != -1 {
		if bracketIdx := strings.LastIndex(host, "]"); bracketIdx == -1 || colonIdx > bracketIdx {
			host = host[:colonIdx]
		}
	}
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Run starts the HTTP server and blocks until it exits.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting control plane server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler for testing.
func (s *Server) Router() http.Handler {
	return s.router
}
