package router

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commhub/communication-server/internal/errs"
	"github.com/commhub/communication-server/internal/tenantctx"
)

var masterCategories = []Category{
	CategoryAuth, CategoryAdmin, CategoryContentTypes, CategorySessions, CategoryConfig, CategoryMessages,
}

func TestTenantCategoriesRouteToTenant(t *testing.T) {
	r := New(Options{})

	for _, id := range []int{1, 7, 42, 99, 123456} {
		ctx := tenantctx.WithTenant(context.Background(), fmt.Sprint(id))
		for _, cat := range []Category{CategoryAPI, CategoryCommunication} {
			alias, err := r.DatabaseFor(ctx, cat)
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("client_%d", id), alias)
			assert.NotEqual(t, DefaultAlias, alias)
		}
	}
}

func TestMasterCategoriesIgnoreTenant(t *testing.T) {
	r := New(Options{Strict: true})

	for _, tenant := range []string{"", "default", "42", "client_42"} {
		ctx := context.Background()
		if tenant != "" {
			ctx = tenantctx.WithTenant(ctx, tenant)
		}
		for _, cat := range masterCategories {
			alias, err := r.DatabaseFor(ctx, cat)
			require.NoError(t, err)
			assert.Equal(t, DefaultAlias, alias, "category %s tenant %q", cat, tenant)
		}
	}
}

func TestSharedAndUnknownCategories(t *testing.T) {
	r := New(Options{})
	ctx := tenantctx.WithTenant(context.Background(), "42")

	alias, err := r.DatabaseFor(ctx, CategoryDatabases)
	require.NoError(t, err)
	assert.Equal(t, SharedAlias, alias)

	alias, err = r.DatabaseFor(ctx, Category("analytics"))
	require.NoError(t, err)
	assert.Equal(t, DefaultAlias, alias)
}

func TestUnboundTenantFallsBackToDefault(t *testing.T) {
	r := New(Options{})

	alias, err := r.DatabaseFor(context.Background(), CategoryAPI)
	require.NoError(t, err)
	assert.Equal(t, DefaultAlias, alias)

	ctx := tenantctx.WithTenant(context.Background(), "default")
	alias, err = r.DatabaseFor(ctx, CategoryAPI)
	require.NoError(t, err)
	assert.Equal(t, DefaultAlias, alias)
}

func TestStrictRoutingRefusesUnboundTenant(t *testing.T) {
	r := New(Options{Strict: true})

	_, err := r.DatabaseFor(context.Background(), CategoryCommunication)
	assert.True(t, errs.Is(err, errs.Authorization))
}

func TestAliasForIsIdempotent(t *testing.T) {
	assert.Equal(t, "client_42", AliasFor("42"))
	assert.Equal(t, "client_42", AliasFor("client_42"))

	r := New(Options{})
	ctx := tenantctx.WithTenant(context.Background(), "client_42")
	alias, err := r.DatabaseFor(ctx, CategoryAPI)
	require.NoError(t, err)
	assert.Equal(t, "client_42", alias)
}

func TestInvalidTenantIdentifier(t *testing.T) {
	r := New(Options{})
	ctx := tenantctx.WithTenant(context.Background(), "../etc/passwd")
	_, err := r.DatabaseFor(ctx, CategoryAPI)
	assert.True(t, errs.Is(err, errs.Validation))
}

func TestAllowRelation(t *testing.T) {
	r := New(Options{})
	tenant := tenantctx.WithTenant(context.Background(), "42")

	assert.True(t, r.AllowRelation(tenant, CategoryAPI, CategoryCommunication))
	assert.True(t, r.AllowRelation(tenant, CategoryAuth, CategorySessions))
	assert.False(t, r.AllowRelation(tenant, CategoryAPI, CategoryAuth))
	assert.False(t, r.AllowRelation(tenant, CategoryDatabases, CategoryAuth))

	// with no tenant both sides fall back to default
	assert.True(t, r.AllowRelation(context.Background(), CategoryAPI, CategoryAuth))

	err := r.CheckRelation(tenant, CategoryAPI, CategoryAuth)
	assert.True(t, errs.Is(err, errs.Authorization))

	strict := New(Options{Strict: true})
	assert.False(t, strict.AllowRelation(context.Background(), CategoryAPI, CategoryAPI))
}

func TestAllowMigrate(t *testing.T) {
	r := New(Options{})

	tests := []struct {
		alias string
		cat   Category
		want  bool
	}{
		{"client_42", CategoryAPI, true},
		{"client_42", CategoryCommunication, true},
		{DefaultAlias, CategoryAPI, false},
		{SharedAlias, CategoryAPI, false},
		{DefaultAlias, CategoryAuth, true},
		{"client_42", CategoryAuth, false},
		{SharedAlias, CategoryDatabases, true},
		{DefaultAlias, CategoryDatabases, false},
		{DefaultAlias, Category("unknown"), true},
		{"client_42", Category("unknown"), false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.alias, tt.cat), func(t *testing.T) {
			assert.Equal(t, tt.want, r.AllowMigrate(tt.alias, tt.cat))
		})
	}
}

func TestExtraTenantCategories(t *testing.T) {
	r := New(Options{TenantCategories: []Category{"surveys", CategoryAuth}})
	assert.Equal(t, ClassTenant, r.Classify("surveys"))
	assert.Equal(t, ClassMaster, r.Classify(CategoryAuth), "built-in classes are not overridden")
}
