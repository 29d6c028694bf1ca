package registration

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commhub/communication-server/internal/directory"
	"github.com/commhub/communication-server/internal/errs"
	"github.com/commhub/communication-server/internal/events"
	"github.com/commhub/communication-server/internal/registry"
)

// fakeDirectory registers aliases straight into the registry.
type fakeDirectory struct {
	reg         *registry.Registry
	err         error
	invalidated []directory.Lookup
	refreshed   []directory.Lookup
}

func (d *fakeDirectory) EnsureAlias(_ context.Context, l directory.Lookup) (string, error) {
	if d.err != nil {
		return "", d.err
	}
	alias := "client_" + l.String()
	if !d.reg.Has(alias) {
		if err := d.reg.Register(alias, registry.ConnectionConfig{Host: "h", Port: 5432, Name: "n", User: "u"}); err != nil {
			return "", err
		}
	}
	return alias, nil
}

func (d *fakeDirectory) Invalidate(_ context.Context, l directory.Lookup) error {
	d.invalidated = append(d.invalidated, l)
	return d.reg.Unregister("client_" + l.String())
}

func (d *fakeDirectory) Refresh(ctx context.Context, l directory.Lookup) (string, error) {
	d.refreshed = append(d.refreshed, l)
	if err := d.Invalidate(ctx, l); err != nil {
		return "", err
	}
	return d.EnsureAlias(ctx, l)
}

func withDirectory(h *harness) *fakeDirectory {
	dir := &fakeDirectory{reg: h.registry}
	h.workflow.dir = dir
	return dir
}

func TestAttach(t *testing.T) {
	h := newHarness(t)
	withDirectory(h)

	alias, err := h.workflow.Attach(context.Background(), directory.Lookup{ClientID: 31}, false)
	require.NoError(t, err)
	assert.Equal(t, "client_31", alias)
	assert.True(t, h.registry.Has(alias))
	assert.Zero(t, atomic.LoadInt32(&h.migrated))

	_, err = h.workflow.Attach(context.Background(), directory.Lookup{ClientID: 31}, true)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.migrated))
	require.Len(t, h.mocks, 1)
	assert.NoError(t, h.mocks[0].ExpectationsWereMet(), "pool released after migration")
}

func TestAttachErrors(t *testing.T) {
	h := newHarness(t)

	_, err := h.workflow.Attach(context.Background(), directory.Lookup{}, false)
	assert.True(t, errs.Is(err, errs.Validation))

	_, err = h.workflow.Attach(context.Background(), directory.Lookup{ClientID: 1}, false)
	assert.True(t, errs.Is(err, errs.Configuration))

	dir := withDirectory(h)
	dir.err = errs.New(errs.Directory, "accounts service returned 503")
	_, err = h.workflow.Attach(context.Background(), directory.Lookup{Username: "acme"}, false)
	assert.True(t, errs.Is(err, errs.Directory))

	dir.err = nil
	h.migrate = func(context.Context, *sql.DB) error { return errors.New("boom") }
	_, err = h.workflow.Attach(context.Background(), directory.Lookup{ClientID: 2}, true)
	assert.True(t, errs.Is(err, errs.Migration))
}

func TestOffboardAndPurge(t *testing.T) {
	h := newHarness(t)
	dir := withDirectory(h)
	ctx := context.Background()

	_, err := h.workflow.Register(ctx, h.request(t, 40))
	require.NoError(t, err)
	require.True(t, h.registry.Has("client_40"))

	// purge refuses live tenants
	err = h.workflow.Purge(ctx, 40)
	assert.True(t, errs.Is(err, errs.Validation))

	require.NoError(t, h.workflow.Offboard(ctx, 40))
	assert.Equal(t, 1, h.store.Commits)
	assert.Equal(t, 1, h.store.Rollbacks, "refused purge rolls back")
	assert.False(t, h.registry.Has("client_40"))
	assert.Equal(t, []directory.Lookup{{ClientID: 40}}, dir.invalidated)
	_, err = h.store.GetActiveTenantRecordByClientID(ctx, 40)
	assert.Error(t, err)

	// soft-deleted rows still block re-registration
	_, err = h.workflow.Register(ctx, h.request(t, 40))
	assert.True(t, errs.Is(err, errs.DuplicateTenant))

	err = h.workflow.Offboard(ctx, 40)
	assert.True(t, errs.Is(err, errs.NotFound))

	require.NoError(t, h.workflow.Purge(ctx, 40))
	assert.Zero(t, h.store.Count(40))
	assert.True(t, errs.Is(h.workflow.Purge(ctx, 40), errs.NotFound))

	_, err = h.workflow.Register(ctx, h.request(t, 40))
	require.NoError(t, err)

	var types []events.Type
	for _, ev := range h.publisher.events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []events.Type{events.TypeRegistered, events.TypeOffboarded, events.TypeRegistered}, types)
}

func TestOffboardStoreFailureKeepsTenant(t *testing.T) {
	h := newHarness(t)
	dir := withDirectory(h)
	ctx := context.Background()

	_, err := h.workflow.Register(ctx, h.request(t, 41))
	require.NoError(t, err)

	h.store.DeleteErr = errors.New("could not serialize access")
	err = h.workflow.Offboard(ctx, 41)
	assert.True(t, errs.Is(err, errs.Internal))
	assert.Equal(t, 1, h.store.Rollbacks)
	assert.Zero(t, h.store.Commits)

	// nothing was torn down
	assert.True(t, h.registry.Has("client_41"))
	assert.Empty(t, dir.invalidated)
	_, err = h.store.GetActiveTenantRecordByClientID(ctx, 41)
	assert.NoError(t, err)

	h.store.DeleteErr = nil
	require.NoError(t, h.workflow.Offboard(ctx, 41))
	h.store.DeleteErr = errors.New("could not serialize access")
	assert.True(t, errs.Is(h.workflow.Purge(ctx, 41), errs.Internal))
	assert.Equal(t, 1, h.store.Count(41))
}

func TestRefreshPublishes(t *testing.T) {
	h := newHarness(t)
	dir := withDirectory(h)

	alias, err := h.workflow.Refresh(context.Background(), directory.Lookup{ClientID: 50})
	require.NoError(t, err)
	assert.Equal(t, "client_50", alias)
	assert.Len(t, dir.refreshed, 1)
	require.Len(t, h.publisher.events, 1)
	assert.Equal(t, events.TypeRefreshed, h.publisher.events[0].Type)
}
