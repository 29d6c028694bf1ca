package directory

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/commhub/communication-server/internal/errs"
	"github.com/commhub/communication-server/internal/models"
	"github.com/commhub/communication-server/internal/storage"
)

// Lookup names a tenant by id or, failing that, by username.
type Lookup struct {
	ClientID int64
	Username string
}

// Valid reports whether the lookup names anything.
func (l Lookup) Valid() bool {
	return l.ClientID > 0 || strings.TrimSpace(l.Username) != ""
}

// Key returns the cache key of the lookup.
func (l Lookup) Key() string {
	if l.ClientID > 0 {
		return KeyPrefix + strconv.FormatInt(l.ClientID, 10)
	}
	return KeyPrefix + "username:" + strings.ToLower(strings.TrimSpace(l.Username))
}

func (l Lookup) String() string {
	if l.ClientID > 0 {
		return strconv.FormatInt(l.ClientID, 10)
	}
	return l.Username
}

// Fetched is what a source returns. Password is set when the source only
// has the plaintext; otherwise Record.DBPassword holds ciphertext.
type Fetched struct {
	Record   *models.TenantRecord
	Password string
}

// Source fetches tenant metadata from the system of record.
type Source interface {
	Fetch(ctx context.Context, l Lookup) (*Fetched, error)
}

// StoreSource reads the local tenant_databases table.
type StoreSource struct {
	store storage.Store
}

// NewStoreSource creates a source backed by store.
func NewStoreSource(store storage.Store) *StoreSource {
	return &StoreSource{store: store}
}

// Fetch implements Source. Soft-deleted records are never returned.
func (s *StoreSource) Fetch(ctx context.Context, l Lookup) (*Fetched, error) {
	var (
		rec *models.TenantRecord
		err error
	)
	if l.ClientID > 0 {
		rec, err = s.store.GetActiveTenantRecordByClientID(ctx, l.ClientID)
	} else {
		rec, err = s.store.GetActiveTenantRecordByUsername(ctx, l.Username)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errs.New(errs.NotFound, "no database registered for tenant %s", l)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Directory, err, "load tenant %s", l)
	}
	return &Fetched{Record: rec}, nil
}
