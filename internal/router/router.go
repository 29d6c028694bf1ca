// Package router decides which physical database an operation must hit.
package router

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/commhub/communication-server/internal/errs"
	"github.com/commhub/communication-server/internal/metrics"
	"github.com/commhub/communication-server/internal/models"
	"github.com/commhub/communication-server/internal/tenantctx"
)

const (
	// DefaultAlias is the master database.
	DefaultAlias = "default"
	// SharedAlias is the database holding the tenant directory table.
	SharedAlias = "shared"
)

// Category names the kind of entity an operation touches.
type Category string

// Master categories
const (
	CategoryAuth         Category = "auth"
	CategoryAdmin        Category = "admin"
	CategoryContentTypes Category = "contenttypes"
	CategorySessions     Category = "sessions"
	CategoryConfig       Category = "config"
	CategoryMessages     Category = "messages"
)

// CategoryDatabases is the tenant directory itself.
const CategoryDatabases Category = "databases"

// Tenant-scoped categories
const (
	CategoryAPI           Category = "api"
	CategoryCommunication Category = "communicationapp"
)

// Class is the routing class of a category.
type Class int

const (
	ClassUnknown Class = iota
	ClassMaster
	ClassShared
	ClassTenant
)

func (c Class) String() string {
	switch c {
	case ClassMaster:
		return "master"
	case ClassShared:
		return "shared"
	case ClassTenant:
		return "tenant"
	default:
		return "unknown"
	}
}

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@+-]{0,127}$`)

// Options configures a Router.
type Options struct {
	// Strict refuses tenant-scoped operations that have no bound tenant
	// instead of sending them to the default database.
	Strict bool
	// TenantCategories extends the tenant-scoped set.
	TenantCategories []Category
}

// Router is a state-free decision table.
type Router struct {
	classes map[Category]Class
	strict  bool
}

// New creates a router.
func New(opts Options) *Router {
	r := &Router{
		classes: map[Category]Class{
			CategoryAuth:          ClassMaster,
			CategoryAdmin:         ClassMaster,
			CategoryContentTypes:  ClassMaster,
			CategorySessions:      ClassMaster,
			CategoryConfig:        ClassMaster,
			CategoryMessages:      ClassMaster,
			CategoryDatabases:     ClassShared,
			CategoryAPI:           ClassTenant,
			CategoryCommunication: ClassTenant,
		},
		strict: opts.Strict,
	}
	for _, c := range opts.TenantCategories {
		if _, ok := r.classes[c]; !ok {
			r.classes[c] = ClassTenant
		}
	}
	return r
}

// Strict reports whether unbound tenant-scoped access fails.
func (r *Router) Strict() bool {
	return r.strict
}

// Classify returns the class of a category.
func (r *Router) Classify(cat Category) Class {
	return r.classes[cat]
}

// AliasFor returns the alias of a tenant. Values that already are aliases
// are returned unchanged.
func AliasFor(tenant string) string {
	if models.IsTenantAlias(tenant) {
		return tenant
	}
	return models.AliasPrefix + tenant
}

// boundTenant returns the tenant bound in ctx, or "" when none or default.
func boundTenant(ctx context.Context) (string, error) {
	tenant, ok := tenantctx.Current(ctx)
	if !ok || strings.EqualFold(tenant, tenantctx.Default) {
		return "", nil
	}
	if !tenantPattern.MatchString(tenant) {
		return "", errs.New(errs.Validation, "invalid tenant identifier")
	}
	return tenant, nil
}

// DatabaseFor returns the alias an operation on cat must use given the
// tenant bound in ctx.
func (r *Router) DatabaseFor(ctx context.Context, cat Category) (string, error) {
	class := r.Classify(cat)

	alias, err := r.route(ctx, cat, class)
	if err != nil {
		return "", err
	}

	target := alias
	if models.IsTenantAlias(alias) {
		target = "tenant"
	}
	metrics.RoutingDecisions.WithLabelValues(string(cat), target).Inc()
	return alias, nil
}

func (r *Router) route(ctx context.Context, cat Category, class Class) (string, error) {
	switch class {
	case ClassMaster:
		return DefaultAlias, nil
	case ClassShared:
		return SharedAlias, nil
	case ClassTenant:
		tenant, err := boundTenant(ctx)
		if err != nil {
			return "", err
		}
		if tenant != "" {
			return AliasFor(tenant), nil
		}
		if r.strict {
			return "", errs.New(errs.Authorization, "no tenant bound for %s", cat)
		}
		log.Debug().Str("category", string(cat)).Msg("No tenant bound, routing to default database")
		return DefaultAlias, nil
	default:
		return DefaultAlias, nil
	}
}

// AllowRelation reports whether an operation may relate rows of a and b.
// Both must resolve to the same database.
func (r *Router) AllowRelation(ctx context.Context, a, b Category) bool {
	da, err := r.DatabaseFor(ctx, a)
	if err != nil {
		return false
	}
	db, err := r.DatabaseFor(ctx, b)
	if err != nil {
		return false
	}
	return da == db
}

// CheckRelation is AllowRelation returning an Authorization error.
func (r *Router) CheckRelation(ctx context.Context, a, b Category) error {
	if !r.AllowRelation(ctx, a, b) {
		return errs.New(errs.Authorization, "relation between %s and %s crosses databases", a, b)
	}
	return nil
}

// AllowMigrate reports whether schema for cat may be applied on alias.
// Tenant-scoped schema never lands on the default database.
func (r *Router) AllowMigrate(alias string, cat Category) bool {
	switch r.Classify(cat) {
	case ClassMaster:
		return alias == DefaultAlias
	case ClassShared:
		return alias == SharedAlias
	case ClassTenant:
		return models.IsTenantAlias(alias)
	default:
		return alias == DefaultAlias
	}
}
