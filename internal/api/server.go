package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/commhub/communication-server/internal/auth"
	"github.com/commhub/communication-server/internal/config"
	"github.com/commhub/communication-server/internal/metrics"
	"github.com/commhub/communication-server/internal/registration"
	"github.com/commhub/communication-server/internal/registry"
	"github.com/commhub/communication-server/internal/router"
	"github.com/commhub/communication-server/internal/storage"
	"github.com/commhub/communication-server/internal/validation"
)

// Deps are the components the REST server fronts.
type Deps struct {
	Store    storage.Store
	Registry *registry.Registry
	Resolver *router.Resolver
	Workflow *registration.Workflow
}

// RESTServer represents the REST API server
type RESTServer struct {
	config    *config.Config
	store     storage.Store
	registry  *registry.Registry
	resolver  *router.Resolver
	workflow  *registration.Workflow
	auth      *auth.JWTManager
	validator *validation.Validator
	router    chi.Router
	server    *http.Server
}

// NewRESTServer creates a new REST API server
func NewRESTServer(cfg *config.Config, deps Deps) *RESTServer {
	s := &RESTServer{
		config:    cfg,
		store:     deps.Store,
		registry:  deps.Registry,
		resolver:  deps.Resolver,
		workflow:  deps.Workflow,
		auth:      auth.NewJWTManager(&cfg.JWT),
		validator: validation.NewValidator(),
		router:    chi.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.API.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant", "X-Internal-Token"},
		ExposedHeaders:   []string{TenantDBHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Method(http.MethodGet, "/metrics", metrics.Handler())

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// Handler returns the root handler, for tests and embedding.
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
