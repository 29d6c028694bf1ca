package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.identifyMiddleware)
		r.Use(s.tenantMiddleware)

		r.Get("/tenant", s.HandleTenantProbe)

		r.Route("/databases", func(r chi.Router) {
			// Service-to-service registration
			r.With(s.internalTokenMiddleware).Post("/register", s.HandleRegisterDatabase)

			r.Group(func(r chi.Router) {
				r.Use(s.authMiddleware)
				r.Post("/attach", s.HandleAttachDatabase)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.authMiddleware)
				r.Use(s.adminMiddleware)
				r.Get("/", s.HandleListDatabases)
				r.Post("/{client_id}/refresh", s.HandleRefreshDatabase)
				r.Delete("/{client_id}", s.HandleOffboardDatabase)
			})
		})
	})
}
