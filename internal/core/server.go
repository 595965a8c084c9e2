// Package core provides the API chassis for the tiergate entitlement
// service. It creates a chi router and enforces cross-cutting concerns
// (security headers, logging, metrics, authentication, rate limiting and
// session binding) before requests reach domain handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tiergate/internal/config"
	"tiergate/internal/session"
	"tiergate/internal/types"
)

// MetricsCollector records API telemetry.
type MetricsCollector interface {
	// RecordRequest records one request. route is the chi route pattern,
	// not the raw path, to keep label cardinality bounded.
	RecordRequest(method, route string, status int, duration time.Duration)
}

// Authenticator resolves a bearer token to an identity.
type Authenticator interface {
	Verify(ctx context.Context, token string) (types.Identity, error)
}

// SessionStore holds live dashboard sessions.
type SessionStore interface {
	Acquire(id string) *session.Session
	Remove(id string)
}

// Server encapsulates all dependencies for the tiergate API, allowing for
// easy injection during testing.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Metrics       MetricsCollector
	Authenticator Authenticator
	Sessions      SessionStore

	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler

	HealthProbes []HealthProbe

	// V1RouteRegistrars mount domain handlers under /v1. They are populated
	// by the entry point to avoid import cycles with handler packages.
	V1RouteRegistrars []func(chi.Router)

	limiter *clientLimiter
	router  *chi.Mux
}

// NewServer initializes dependencies and prepares the server for route
// mounting. The caller mounts routes with MountRoutes after injecting
// collaborators.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	s := &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}
	if cfg.Server.RateLimitPerSecond > 0 && cfg.Server.RateLimitBurst > 0 {
		s.limiter = newClientLimiter(cfg.Server.RateLimitPerSecond, cfg.Server.RateLimitBurst)
	}
	return s, nil
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases server-owned resources: live sessions are closed so
// their periodic re-checks stop.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")
	if closer, ok := s.Sessions.(interface{ Close() }); ok {
		closer.Close()
	}
	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
