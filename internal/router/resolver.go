package router

import (
	"context"
	"database/sql"
	"strings"

	"github.com/commhub/communication-server/internal/directory"
	"github.com/commhub/communication-server/internal/errs"
	"github.com/commhub/communication-server/internal/models"
	"github.com/commhub/communication-server/internal/registry"
	"github.com/commhub/communication-server/internal/tenantctx"
)

// AliasEnsurer materializes a tenant alias on demand.
type AliasEnsurer interface {
	EnsureAlias(ctx context.Context, l directory.Lookup) (string, error)
}

// Resolver turns routing decisions into live pools.
type Resolver struct {
	router   *Router
	registry *registry.Registry
	ensurer  AliasEnsurer
}

// NewResolver creates a resolver.
func NewResolver(r *Router, reg *registry.Registry, ensurer AliasEnsurer) *Resolver {
	return &Resolver{router: r, registry: reg, ensurer: ensurer}
}

// Router returns the decision table.
func (res *Resolver) Router() *Router {
	return res.router
}

// Canonical returns the value to bind for tenant. A username is replaced by
// the alias the directory assigns to its tenant so routing, relation checks
// and the alias the directory registers all agree. Ids, aliases, the default
// tenant and malformed values are returned unchanged.
func (res *Resolver) Canonical(ctx context.Context, tenant string) (string, error) {
	tenant = strings.TrimSpace(tenant)
	if tenant == "" || strings.EqualFold(tenant, tenantctx.Default) || !tenantPattern.MatchString(tenant) {
		return tenant, nil
	}
	l := directory.ParseTenant(tenant)
	if l.ClientID > 0 {
		return tenant, nil
	}
	return res.ensurer.EnsureAlias(ctx, l)
}

// Conn returns the pool an operation on cat must use, registering the
// tenant's alias through the directory when this process has not seen it.
func (res *Resolver) Conn(ctx context.Context, cat Category) (*sql.DB, string, error) {
	alias, err := res.router.DatabaseFor(ctx, cat)
	if err != nil {
		return nil, "", err
	}

	if models.IsTenantAlias(alias) && !res.registry.Has(alias) {
		tenant, _ := tenantctx.Current(ctx)
		l := directory.ParseTenant(tenant)
		got, err := res.ensurer.EnsureAlias(ctx, l)
		if err != nil {
			return nil, "", err
		}
		switch {
		case got == alias:
		case l.ClientID == 0:
			// bound by username; the directory knows the tenant's id
			alias = got
		default:
			return nil, "", errs.New(errs.Directory, "directory alias %s does not match routed alias %s", got, alias)
		}
	}

	db, err := res.registry.DB(ctx, alias)
	if err != nil {
		return nil, "", err
	}
	return db, alias, nil
}

// Relate fails with an Authorization error when a and b live in different
// databases.
func (res *Resolver) Relate(ctx context.Context, a, b Category) error {
	return res.router.CheckRelation(ctx, a, b)
}
