package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/commhub/communication-server/internal/auth"
	"github.com/commhub/communication-server/internal/directory"
	"github.com/commhub/communication-server/internal/errs"
	"github.com/commhub/communication-server/internal/router"
	"github.com/commhub/communication-server/internal/tenantctx"
)

const (
	// TenantHeader names the tenant of an unauthenticated request.
	TenantHeader = "X-Tenant"
	// TenantDBHeader reports the alias a request was routed to.
	TenantDBHeader = "X-Tenant-DB"
)

type claimsKey struct{}

// ClaimsFrom returns the claims of an authenticated request.
func ClaimsFrom(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*auth.Claims)
	return c, ok
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// identifyMiddleware attaches claims when a valid bearer token is present.
// A present but invalid token is rejected.
func (s *RESTServer) identifyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			s.respondError(w, http.StatusUnauthorized, "unauthorized", "invalid authorization header")
			return
		}

		claims, err := s.auth.ValidateToken(token)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authMiddleware requires claims set by identifyMiddleware
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ClaimsFrom(r.Context()); !ok {
			s.respondError(w, http.StatusUnauthorized, "unauthorized", "missing authorization header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *RESTServer) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFrom(r.Context())
		if !ok || !claims.IsAdmin {
			s.respondErr(w, errs.New(errs.Authorization, "admin privileges required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestTenant picks the tenant of a request: token claims, then the
// X-Tenant header, then the tenant query parameter.
func requestTenant(r *http.Request) string {
	if claims, ok := ClaimsFrom(r.Context()); ok {
		if t := claims.TenantName(); t != "" {
			return t
		}
	}
	if t := strings.TrimSpace(r.Header.Get(TenantHeader)); t != "" {
		return t
	}
	if t := strings.TrimSpace(r.URL.Query().Get("tenant")); t != "" {
		return t
	}
	return tenantctx.Default
}

// tenantMiddleware binds the request tenant for the lifetime of the request.
func (s *RESTServer) tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, scope := tenantctx.NewScope(r.Context())
		defer scope.Clear()

		// usernames are bound as the tenant's alias
		tenant, err := s.resolver.Canonical(ctx, requestTenant(r))
		if err != nil {
			s.respondErr(w, err)
			return
		}
		scope.Bind(tenant)

		alias, err := s.resolver.Router().DatabaseFor(ctx, router.CategoryCommunication)
		switch {
		case err == nil:
			w.Header().Set(TenantDBHeader, alias)
		case errs.Is(err, errs.Validation):
			s.respondErr(w, err)
			return
		default:
			// strict routing without a tenant; handlers that route will fail
			log.Debug().Err(err).Msg("Request has no routable tenant")
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// internalTokenMiddleware guards service-to-service endpoints when an
// internal token is configured.
func (s *RESTServer) internalTokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := s.config.Directory.InternalToken
		if want == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get(directory.InternalTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			s.respondErr(w, errs.New(errs.Authorization, "invalid internal token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
