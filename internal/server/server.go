// Package server is the HTTP edge: one chi router carrying the public OAuth
// endpoints, the authenticated MCP transport (SSE, message, rpc), and the
// admin surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"mcpgate/internal/aggregator"
	"mcpgate/internal/config"
	"mcpgate/internal/oauth"
	"mcpgate/pkg/logging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Sessions is the slice of the session manager the edge serves.
type Sessions interface {
	HandleSSE(http.ResponseWriter, *http.Request)
	HandleMessage(http.ResponseWriter, *http.Request)
	HandleRPC(http.ResponseWriter, *http.Request)
	Count() int
}

// Backends is the slice of the registry the admin surface exposes.
type Backends interface {
	Status() []aggregator.BackendStatus
	Snapshot() *aggregator.Snapshot
	RestartBackend(id string) error
}

// Server owns the HTTP listener.
type Server struct {
	addr    string
	name    string
	version string

	auth     *oauth.Server
	limiter  *oauth.RateLimiter
	sessions Sessions
	backends Backends

	httpServer *http.Server
}

// New wires the router. The server does not listen until Start.
func New(cfg config.Config, version string, auth *oauth.Server, sessions Sessions, backends Backends) *Server {
	s := &Server{
		addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		name:     cfg.Aggregator.Name,
		version:  version,
		auth:     auth,
		limiter:  oauth.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst),
		sessions: sessions,
		backends: backends,
	}
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the full route table. Exposed for httptest.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	// Public surface: token lifecycle, discovery, branding.
	r.Post("/oauth/token", s.auth.HandleToken)
	r.Post("/oauth/revoke", s.auth.HandleRevoke)
	r.Get("/oauth/authorize", s.auth.HandleAuthorize)
	r.Get("/.well-known/openid-configuration", s.auth.HandleDiscovery)
	r.Get("/icon.svg", handleIcon)
	r.Get("/icon", handleIcon)

	// Everything else requires a bearer token and is rate limited.
	r.Group(func(pr chi.Router) {
		pr.Use(s.auth.Middleware)
		pr.Use(s.limiter.Middleware)

		pr.Get("/sse", s.sessions.HandleSSE)
		pr.Post("/sse", s.sessions.HandleSSE)
		pr.Post("/message", s.sessions.HandleMessage)
		pr.Post("/rpc", s.sessions.HandleRPC)
		pr.Post("/oauth/validate", s.auth.HandleValidate)

		pr.Get("/admin/health", s.handleHealth)
		pr.Get("/admin/status", s.handleStatus)
		pr.Post("/admin/backends/{id}/restart", s.handleRestartBackend)
		pr.Post("/admin/clients", s.handleAddClient)
		pr.Delete("/admin/clients/{id}", s.handleRemoveClient)
	})

	return r
}

// Start begins serving. The listener is opened synchronously so port
// conflicts surface as a startup error.
func (s *Server) Start(context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Server", err, "HTTP server terminated")
		}
	}()

	logging.Info("Server", "Listening on %s", s.addr)
	return nil
}

// Stop drains in-flight requests until the context expires.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestLogger records one line per request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debug("Server", "%s %s -> %d (%v)", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond))
	})
}
