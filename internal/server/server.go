package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	v1 "github.com/gosuda/tether/internal/api/v1"
	"github.com/gosuda/tether/internal/auth"
	"github.com/gosuda/tether/internal/config"
	"github.com/gosuda/tether/internal/domain"
	"github.com/gosuda/tether/internal/server/middleware"
	"github.com/gosuda/tether/internal/wire"
)

// Relay serves the websocket relay endpoint. Satisfied by *hub.Hub.
type Relay interface {
	ServeRelay(w http.ResponseWriter, r *http.Request)
}

// Deps are the collaborators the HTTP surface is wired to.
type Deps struct {
	Store    v1.DataStore
	Keys     domain.KeyRepository
	Verifier auth.Verifier
	Relay    Relay
}

// Server is the HTTP server that wires all application routes and middleware.
type Server struct {
	router     chi.Router
	httpServer *http.Server
}

// New creates a Server with all routes wired. ctx bounds the rate limiter
// cleanup goroutines.
func New(ctx context.Context, cfg *config.HubConfig, deps Deps) *Server {
	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(chimw.Logger)
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Machine-ID", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)

	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	// Authenticated REST surface.
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(deps.Verifier))
		r.Use(middleware.RateLimit(ctx, cfg.Relay.APIRateRPS, cfg.Relay.APIRateBurst))

		apiConfig := huma.DefaultConfig("Tether Relay API", "1.0.0")
		apiConfig.Servers = []*huma.Server{
			{URL: "/api/v1"},
		}
		api := humachi.New(r, apiConfig)
		registerAPIRoutes(api, deps.Store, deps.Keys)
	})

	// Relay websocket. The hub authenticates the handshake itself so that
	// browser clients can pass the token as a query parameter.
	router.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(ctx, 5, 20))
		registerRelayRoutes(r, deps.Relay)
	})

	// Health checks (unauthenticated). /health is what the daemon checks before dialling.
	router.Get(wire.HealthPath, healthz)
	router.Get("/healthz", healthz)

	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
