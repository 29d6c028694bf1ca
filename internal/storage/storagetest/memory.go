// Package storagetest provides an in-memory storage.Store for tests.
package storagetest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/commhub/communication-server/internal/models"
	"github.com/commhub/communication-server/internal/storage"
)

// MemoryStore is an in-memory storage.Store honouring the unique
// constraints of tenant_databases.
type MemoryStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*models.TenantRecord

	// CreateErr, when set, is returned by CreateTenantRecord.
	CreateErr error
	// PingErr, when set, is returned by Ping.
	PingErr error
	// DeleteErr, when set, is returned by the soft and hard delete methods.
	DeleteErr error

	// Commits and Rollbacks count finished transactions.
	Commits   int
	Rollbacks int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uuid.UUID]*models.TenantRecord)}
}

var _ storage.Store = (*MemoryStore)(nil)

func (s *MemoryStore) BeginTx(context.Context) (storage.Store, error) { return s, nil }
func (s *MemoryStore) Close() error                                  { return nil }

// Commit counts the transaction; writes are applied immediately.
func (s *MemoryStore) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Commits++
	return nil
}

// Rollback counts the transaction. Writes made inside it are not undone.
func (s *MemoryStore) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Rollbacks++
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return s.PingErr
}

func (s *MemoryStore) CreateTenantRecord(ctx context.Context, rec *models.TenantRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.CreateErr != nil {
		return s.CreateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ClientID == rec.ClientID || r.Alias == rec.Alias ||
			(rec.Username != "" && strings.EqualFold(r.Username, rec.Username)) {
			return storage.ErrDuplicateKey
		}
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := time.Now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) find(match func(*models.TenantRecord) bool) (*models.TenantRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if match(r) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *MemoryStore) GetTenantRecord(_ context.Context, id uuid.UUID) (*models.TenantRecord, error) {
	return s.find(func(r *models.TenantRecord) bool { return r.ID == id })
}

func (s *MemoryStore) GetTenantRecordByClientID(_ context.Context, clientID int64) (*models.TenantRecord, error) {
	return s.find(func(r *models.TenantRecord) bool { return r.ClientID == clientID })
}

func (s *MemoryStore) GetActiveTenantRecordByClientID(_ context.Context, clientID int64) (*models.TenantRecord, error) {
	return s.find(func(r *models.TenantRecord) bool { return r.ClientID == clientID && !r.IsDeleted })
}

func (s *MemoryStore) GetActiveTenantRecordByUsername(_ context.Context, username string) (*models.TenantRecord, error) {
	return s.find(func(r *models.TenantRecord) bool {
		return strings.EqualFold(r.Username, username) && !r.IsDeleted
	})
}

func (s *MemoryStore) TenantRecordExists(_ context.Context, clientID int64, username string) (bool, error) {
	_, err := s.find(func(r *models.TenantRecord) bool {
		return r.ClientID == clientID || (username != "" && strings.EqualFold(r.Username, username))
	})
	return err == nil, nil
}

// ListActiveTenantRecords returns active records ordered by client id.
func (s *MemoryStore) ListActiveTenantRecords(_ context.Context, limit, offset int) ([]*models.TenantRecord, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*models.TenantRecord
	for _, r := range s.records {
		if !r.IsDeleted {
			cp := *r
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ClientID < all[j].ClientID })

	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

func (s *MemoryStore) SoftDeleteTenantRecord(_ context.Context, clientID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	for _, r := range s.records {
		if r.ClientID == clientID && !r.IsDeleted {
			now := time.Now()
			r.IsDeleted, r.DeletedAt = true, &now
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *MemoryStore) HardDeleteTenantRecord(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	if _, ok := s.records[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.records, id)
	return nil
}

// Count returns the number of rows, deleted or not, for clientID.
func (s *MemoryStore) Count(clientID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.ClientID == clientID {
			n++
		}
	}
	return n
}
