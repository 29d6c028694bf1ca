package router

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commhub/communication-server/internal/directory"
	"github.com/commhub/communication-server/internal/errs"
	"github.com/commhub/communication-server/internal/registry"
	"github.com/commhub/communication-server/internal/tenantctx"
)

func pgConfig(name string) registry.ConnectionConfig {
	return registry.ConnectionConfig{Host: "localhost", Port: 5432, Name: name, User: "app"}
}

// registeringEnsurer registers the alias it is asked for.
type registeringEnsurer struct {
	reg     *registry.Registry
	lookups []directory.Lookup
	alias   string
}

func (e *registeringEnsurer) EnsureAlias(_ context.Context, l directory.Lookup) (string, error) {
	e.lookups = append(e.lookups, l)
	alias := e.alias
	if alias == "" {
		alias = "client_" + l.String()
	}
	if e.reg.Has(alias) {
		return alias, nil
	}
	if err := e.reg.Register(alias, pgConfig(alias)); err != nil {
		return "", err
	}
	return alias, nil
}

func mockOpener(t *testing.T) registry.Opener {
	return registry.OpenerFunc(func(context.Context, registry.ConnectionConfig) (*sql.DB, error) {
		db, _, err := sqlmock.New()
		require.NoError(t, err)
		return db, nil
	})
}

func TestResolverMaterializesTenantAlias(t *testing.T) {
	reg := registry.New(mockOpener(t))
	require.NoError(t, reg.Register(DefaultAlias, pgConfig("master")))
	ensurer := &registeringEnsurer{reg: reg}
	res := NewResolver(New(Options{}), reg, ensurer)

	ctx := tenantctx.WithTenant(context.Background(), "99")
	db, alias, err := res.Conn(ctx, CategoryAPI)
	require.NoError(t, err)
	assert.NotNil(t, db)
	assert.Equal(t, "client_99", alias)
	assert.Equal(t, []directory.Lookup{{ClientID: 99}}, ensurer.lookups)

	// already registered: no second directory call
	_, _, err = res.Conn(ctx, CategoryCommunication)
	require.NoError(t, err)
	assert.Len(t, ensurer.lookups, 1)

	// no tenant: default
	_, alias, err = res.Conn(context.Background(), CategoryAPI)
	require.NoError(t, err)
	assert.Equal(t, DefaultAlias, alias)
}

func TestResolverAliasMismatch(t *testing.T) {
	reg := registry.New(mockOpener(t))
	res := NewResolver(New(Options{}), reg, &registeringEnsurer{reg: reg, alias: "tenant_a"})

	ctx := tenantctx.WithTenant(context.Background(), "5")
	_, _, err := res.Conn(ctx, CategoryAPI)
	assert.True(t, errs.Is(err, errs.Directory))
}

func TestResolverRoutesUsernameTenant(t *testing.T) {
	reg := registry.New(mockOpener(t))
	ensurer := &registeringEnsurer{reg: reg, alias: "client_12"}
	res := NewResolver(New(Options{}), reg, ensurer)

	// a username binding still reaches the tenant's own database
	ctx := tenantctx.WithTenant(context.Background(), "alice")
	db, alias, err := res.Conn(ctx, CategoryAPI)
	require.NoError(t, err)
	assert.NotNil(t, db)
	assert.Equal(t, "client_12", alias)
	assert.Equal(t, []string{"client_12"}, reg.Aliases())

	bound, err := res.Canonical(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "client_12", bound)

	ctx = tenantctx.WithTenant(context.Background(), bound)
	routed, err := res.Router().DatabaseFor(ctx, CategoryAPI)
	require.NoError(t, err)
	assert.Equal(t, "client_12", routed)
	assert.Equal(t, []directory.Lookup{{Username: "alice"}, {Username: "alice"}}, ensurer.lookups)
}

func TestResolverCanonicalLeavesIdsAlone(t *testing.T) {
	reg := registry.New(mockOpener(t))
	ensurer := &registeringEnsurer{reg: reg}
	res := NewResolver(New(Options{}), reg, ensurer)

	for _, tenant := range []string{"", "default", "42", "client_42", "bad tenant!"} {
		got, err := res.Canonical(context.Background(), tenant)
		require.NoError(t, err)
		assert.Equal(t, tenant, got)
	}
	assert.Empty(t, ensurer.lookups)
}

func TestResolverUnregisteredSharedAlias(t *testing.T) {
	reg := registry.New(mockOpener(t))
	res := NewResolver(New(Options{}), reg, &registeringEnsurer{reg: reg})

	_, _, err := res.Conn(context.Background(), CategoryDatabases)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestResolverRelate(t *testing.T) {
	reg := registry.New(mockOpener(t))
	res := NewResolver(New(Options{}), reg, &registeringEnsurer{reg: reg})

	ctx := tenantctx.WithTenant(context.Background(), "3")
	assert.NoError(t, res.Relate(ctx, CategoryAPI, CategoryCommunication))
	assert.True(t, errs.Is(res.Relate(ctx, CategoryAPI, CategoryAuth), errs.Authorization))
}
