package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/commhub/communication-server/internal/models"
)

const tenantRecordColumns = `
        id, created_at, updated_at, client_id, username, alias, db_name, db_user,
        db_password, db_host, db_port, db_type, is_deleted, deleted_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTenantRecord(row rowScanner) (*models.TenantRecord, error) {
	rec := &models.TenantRecord{}
	var username sql.NullString
	err := row.Scan(
		&rec.ID, &rec.CreatedAt, &rec.UpdatedAt, &rec.ClientID, &username, &rec.Alias,
		&rec.DBName, &rec.DBUser, &rec.DBPassword, &rec.DBHost, &rec.DBPort,
		&rec.DBType, &rec.IsDeleted, &rec.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Username = username.String
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateTenantRecord inserts a tenant record. DBPassword must already be ciphertext.
func (s *PostgresStore) CreateTenantRecord(ctx context.Context, rec *models.TenantRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Alias == "" {
		rec.Alias = models.AliasFor(rec.ClientID)
	}
	if rec.DBType == "" {
		rec.DBType = models.DBTypeSelfHosted
	}

	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.IsDeleted = false
	rec.DeletedAt = nil

	query := `
        INSERT INTO tenant_databases (` + tenantRecordColumns + `
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
        )`

	_, err := s.getDB().ExecContext(ctx, query,
		rec.ID, rec.CreatedAt, rec.UpdatedAt, rec.ClientID, nullString(rec.Username), rec.Alias,
		rec.DBName, rec.DBUser, rec.DBPassword, rec.DBHost, rec.DBPort,
		rec.DBType, rec.IsDeleted, rec.DeletedAt,
	)

	if err != nil {
		if isDuplicate(err) {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetTenantRecord gets a record by ID, including soft-deleted rows
func (s *PostgresStore) GetTenantRecord(ctx context.Context, id uuid.UUID) (*models.TenantRecord, error) {
	query := `SELECT ` + tenantRecordColumns + `
        FROM tenant_databases
        WHERE id = $1`

	rec, err := scanTenantRecord(s.getDB().QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

// GetTenantRecordByClientID gets the record of a tenant id, including
// soft-deleted rows
func (s *PostgresStore) GetTenantRecordByClientID(ctx context.Context, clientID int64) (*models.TenantRecord, error) {
	query := `SELECT ` + tenantRecordColumns + `
        FROM tenant_databases
        WHERE client_id = $1`

	rec, err := scanTenantRecord(s.getDB().QueryRowContext(ctx, query, clientID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

// GetActiveTenantRecordByClientID gets the non-deleted record for a tenant id
func (s *PostgresStore) GetActiveTenantRecordByClientID(ctx context.Context, clientID int64) (*models.TenantRecord, error) {
	query := `SELECT ` + tenantRecordColumns + `
        FROM tenant_databases
        WHERE client_id = $1 AND is_deleted = false`

	rec, err := scanTenantRecord(s.getDB().QueryRowContext(ctx, query, clientID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

// GetActiveTenantRecordByUsername gets the non-deleted record for a username,
// compared case-insensitively
func (s *PostgresStore) GetActiveTenantRecordByUsername(ctx context.Context, username string) (*models.TenantRecord, error) {
	query := `SELECT ` + tenantRecordColumns + `
        FROM tenant_databases
        WHERE lower(username) = lower($1) AND is_deleted = false`

	rec, err := scanTenantRecord(s.getDB().QueryRowContext(ctx, query, username))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

// TenantRecordExists reports whether any record, deleted or not, holds the
// tenant id or the username
func (s *PostgresStore) TenantRecordExists(ctx context.Context, clientID int64, username string) (bool, error) {
	query := `
        SELECT EXISTS (
            SELECT 1 FROM tenant_databases
            WHERE client_id = $1 OR ($2 <> '' AND lower(username) = lower($2))
        )`

	var exists bool
	if err := s.getDB().QueryRowContext(ctx, query, clientID, username).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// ListActiveTenantRecords lists non-deleted records
func (s *PostgresStore) ListActiveTenantRecords(ctx context.Context, limit, offset int) ([]*models.TenantRecord, int64, error) {
	// Get count
	var count int64
	err := s.getDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tenant_databases WHERE is_deleted = false").Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	// Get rows
	query := `SELECT ` + tenantRecordColumns + `
        FROM tenant_databases
        WHERE is_deleted = false
        ORDER BY client_id
        LIMIT $1 OFFSET $2`

	rows, err := s.getDB().QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []*models.TenantRecord
	for rows.Next() {
		rec, err := scanTenantRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}

	return records, count, rows.Err()
}

// SoftDeleteTenantRecord flags the active record of a tenant as deleted
func (s *PostgresStore) SoftDeleteTenantRecord(ctx context.Context, clientID int64) error {
	now := time.Now()
	query := `
        UPDATE tenant_databases SET
            is_deleted = true, deleted_at = $2, updated_at = $2
        WHERE client_id = $1 AND is_deleted = false`

	result, err := s.getDB().ExecContext(ctx, query, clientID, now)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// HardDeleteTenantRecord removes a record permanently
func (s *PostgresStore) HardDeleteTenantRecord(ctx context.Context, id uuid.UUID) error {
	result, err := s.getDB().ExecContext(ctx, "DELETE FROM tenant_databases WHERE id = $1", id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}
