package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/stakematch/internal/crypto"
	"github.com/alanyoungcy/stakematch/internal/domain"
	"github.com/alanyoungcy/stakematch/internal/server/handler"
	"github.com/alanyoungcy/stakematch/internal/server/middleware"
	"github.com/alanyoungcy/stakematch/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, operator routes answer 403

	// RateLimit is the number of public API calls one client IP may make per
	// RateWindow. Zero disables rate limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health   *handler.HealthHandler
	Status   *handler.StatusHandler
	Requests *handler.RequestHandler
	Matches  *handler.MatchHandler
	Audit    *handler.AuditHandler
	Feed     *handler.SettlementFeedHandler
	Metrics  http.Handler
}

// Deps are the shared components the middleware chain needs.
type Deps struct {
	Limiter    domain.RateLimiter
	ResultAuth *crypto.ResultAuth
	Hub        *ws.Hub
}

// Server is the HTTP + WebSocket API in front of the matchmaking engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered.
func NewServer(cfg Config, handlers Handlers, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewRouter(cfg, handlers, deps, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// NewRouter builds the route table and middleware chain. It is exported so
// tests can drive the full stack through httptest.
func NewRouter(cfg Config, handlers Handlers, deps Deps, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	public := func(h http.HandlerFunc) http.Handler {
		if deps.Limiter == nil || cfg.RateLimit <= 0 {
			return h
		}
		return middleware.RateLimit(deps.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	operator := middleware.Auth(cfg.APIKey)

	// Health and status (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Player-facing matchmaking.
	mux.Handle("POST /api/requests", public(handlers.Requests.Create))
	mux.Handle("GET /api/requests/{id}", public(handlers.Requests.Get))
	mux.Handle("DELETE /api/requests/{id}", public(handlers.Requests.Cancel))
	mux.Handle("GET /api/matches/{id}", public(handlers.Matches.Get))

	// Results come from the game server and must carry its signature. The
	// operator API key is accepted as well when no result secret is set.
	var settle http.Handler = http.HandlerFunc(handlers.Matches.Settle)
	if deps.ResultAuth != nil {
		settle = middleware.ResultSignature(deps.ResultAuth, logger)(settle)
	} else {
		settle = operator(settle)
	}
	mux.Handle("POST /api/matches/{id}/settle", settle)

	// Operator endpoints.
	mux.Handle("POST /api/matches/{id}/resume", operator(http.HandlerFunc(handlers.Matches.Resume)))
	if handlers.Audit != nil {
		mux.Handle("GET /api/audit", operator(http.HandlerFunc(handlers.Audit.List)))
	}
	if handlers.Feed != nil {
		mux.Handle("GET /api/settlements", operator(http.HandlerFunc(handlers.Feed.List)))
	}
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	// WebSocket endpoint.
	if deps.Hub != nil {
		mux.HandleFunc("GET /ws", deps.Hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
