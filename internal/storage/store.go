package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/commhub/communication-server/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
)

// Store defines the storage interface for tenant database records
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// Tenant record methods. Only the GetActive/ListActive variants exclude
	// soft-deleted rows.
	CreateTenantRecord(ctx context.Context, rec *models.TenantRecord) error
	GetTenantRecord(ctx context.Context, id uuid.UUID) (*models.TenantRecord, error)
	GetTenantRecordByClientID(ctx context.Context, clientID int64) (*models.TenantRecord, error)
	GetActiveTenantRecordByClientID(ctx context.Context, clientID int64) (*models.TenantRecord, error)
	GetActiveTenantRecordByUsername(ctx context.Context, username string) (*models.TenantRecord, error)
	TenantRecordExists(ctx context.Context, clientID int64, username string) (bool, error)
	ListActiveTenantRecords(ctx context.Context, limit, offset int) ([]*models.TenantRecord, int64, error)
	SoftDeleteTenantRecord(ctx context.Context, clientID int64) error
	HardDeleteTenantRecord(ctx context.Context, id uuid.UUID) error

	Ping(ctx context.Context) error
	Close() error
}
