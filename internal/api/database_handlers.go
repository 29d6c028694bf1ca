package api

import (
	"net/http"

	"github.com/commhub/communication-server/internal/directory"
	"github.com/commhub/communication-server/internal/errs"
	"github.com/commhub/communication-server/internal/registration"
)

// HandleRegisterDatabase runs the self-service registration workflow.
func (s *RESTServer) HandleRegisterDatabase(w http.ResponseWriter, r *http.Request) {
	var req registration.Request
	if err := s.decode(r, &req); err != nil {
		s.respondErr(w, err)
		return
	}

	res, err := s.workflow.Register(r.Context(), req)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, res)
}

type attachRequest struct {
	ClientID       int64  `json:"client_id" validate:"min=0"`
	ClientUsername string `json:"client_username" validate:"max=150"`
}

// HandleAttachDatabase makes the caller's tenant database available to this
// process. Admins may attach any tenant.
func (s *RESTServer) HandleAttachDatabase(w http.ResponseWriter, r *http.Request) {
	var req attachRequest
	if err := s.decode(r, &req); err != nil {
		s.respondErr(w, err)
		return
	}

	lookup := directory.Lookup{ClientID: req.ClientID, Username: req.ClientUsername}
	claims, _ := ClaimsFrom(r.Context())
	own := directory.ParseTenant(claims.TenantName())
	if !lookup.Valid() {
		lookup = own
	}
	if !claims.IsAdmin && lookup != own {
		s.respondErr(w, errs.New(errs.Authorization, "cannot attach another tenant's database"))
		return
	}

	alias, err := s.workflow.Attach(r.Context(), lookup, s.config.Tenants.AutoMigrate)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"alias": alias})
}

// HandleRefreshDatabase drops cached metadata and re-registers the alias.
func (s *RESTServer) HandleRefreshDatabase(w http.ResponseWriter, r *http.Request) {
	id, err := clientIDParam(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	alias, err := s.workflow.Refresh(r.Context(), directory.Lookup{ClientID: id})
	if err != nil {
		s.respondErr(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"alias": alias})
}

// HandleOffboardDatabase soft-deletes a tenant and drops its alias.
func (s *RESTServer) HandleOffboardDatabase(w http.ResponseWriter, r *http.Request) {
	id, err := clientIDParam(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	if err := s.workflow.Offboard(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleListDatabases lists active tenant records. Passwords are never
// serialized.
func (s *RESTServer) HandleListDatabases(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit == 0 || limit > 500 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)

	records, total, err := s.store.ListActiveTenantRecords(r.Context(), limit, offset)
	if err != nil {
		s.respondErr(w, errs.Wrap(errs.Internal, err, "list tenant databases"))
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"items":  records,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}
