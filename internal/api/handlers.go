package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/commhub/communication-server/internal/errs"
	"github.com/commhub/communication-server/internal/router"
	"github.com/commhub/communication-server/internal/tenantctx"
)

// HandleHealth handles health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		log.Error().Err(err).Msg("Health check: master database unreachable")
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	s.respondJSON(w, code, map[string]interface{}{
		"status":  status,
		"aliases": len(s.registry.Aliases()),
	})
}

// HandleTenantProbe reports where the request was routed and whether that
// database answers.
func (s *RESTServer) HandleTenantProbe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant, _ := tenantctx.Current(ctx)

	db, alias, err := s.resolver.Conn(ctx, router.CategoryCommunication)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if err := db.PingContext(ctx); err != nil {
		s.respondErr(w, errs.Wrap(errs.ConnectionTest, err, "ping %s", alias))
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"tenant": tenant,
		"alias":  alias,
		"ok":     true,
	})
}

// ========== Helper functions ==========

func (s *RESTServer) decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.New(errs.Validation, "invalid request body")
	}
	return s.validator.Validate(v)
}

func clientIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "client_id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.New(errs.Validation, "client_id must be a positive integer")
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v < 0 {
		return def
	}
	return v
}

// respondJSON sends a JSON response
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError sends an error response
func (s *RESTServer) respondError(w http.ResponseWriter, status int, kind, message string) {
	s.respondJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"kind":    kind,
			"message": message,
		},
	})
}

// respondErr maps a domain error to its status and summary.
func (s *RESTServer) respondErr(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
	}
	s.respondError(w, status, string(errs.KindOf(err)), errs.Summary(err))
}
