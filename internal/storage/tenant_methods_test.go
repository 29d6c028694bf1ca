package storage

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commhub/communication-server/internal/models"
)

var recordCols = []string{
	"id", "created_at", "updated_at", "client_id", "username", "alias", "db_name", "db_user",
	"db_password", "db_host", "db_port", "db_type", "is_deleted", "deleted_at",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

func anyArgs(n int) []driver.Value {
	args := make([]driver.Value, n)
	for i := range args {
		args[i] = sqlmock.AnyArg()
	}
	return args
}

func TestCreateTenantRecord(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO tenant_databases").
		WithArgs(anyArgs(14)...).
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec := &models.TenantRecord{
		ClientID: 99, DBName: "acme", DBUser: "acme", DBPassword: "cipher",
		DBHost: "db.internal", DBPort: 5432,
	}
	require.NoError(t, store.CreateTenantRecord(context.Background(), rec))

	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.Equal(t, "client_99", rec.Alias)
	assert.Equal(t, models.DBTypeSelfHosted, rec.DBType)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTenantRecordDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO tenant_databases").
		WithArgs(anyArgs(14)...).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := store.CreateTenantRecord(context.Background(), &models.TenantRecord{ClientID: 1})
	assert.ErrorIs(t, err, ErrDuplicateKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveTenantRecordByClientID(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	now := time.Now()

	mock.ExpectQuery("FROM tenant_databases WHERE client_id = \\$1 AND is_deleted = false").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(recordCols).AddRow(
			id.String(), now, now, int64(42), "Acme", "client_42", "acme", "acme_user",
			"cipher", "db.example.com", 5432, "client_hosted", false, nil,
		))

	rec, err := store.GetActiveTenantRecordByClientID(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "client_42", rec.Alias)
	assert.Equal(t, "Acme", rec.Username)
	assert.Equal(t, models.DBTypeClientHosted, rec.DBType)
	assert.Nil(t, rec.DeletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveTenantRecordNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("lower\\(username\\) = lower\\(\\$1\\) AND is_deleted = false").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(recordCols))

	_, err := store.GetActiveTenantRecordByUsername(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantRecordExists(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(7), "acme").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.TenantRecordExists(context.Background(), 7, "acme")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveTenantRecords(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM tenant_databases WHERE is_deleted = false").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery("ORDER BY client_id").
		WithArgs(20, 0).
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow(uuid.NewString(), now, now, int64(1), nil, "client_1", "a", "a", "c", "h", 5432, "self_hosted", false, nil).
			AddRow(uuid.NewString(), now, now, int64(2), "bob", "client_2", "b", "b", "c", "h", 5433, "self_hosted", false, nil))

	recs, total, err := store.ListActiveTenantRecords(context.Background(), 20, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, recs, 2)
	assert.Equal(t, "", recs[0].Username)
	assert.Equal(t, 5433, recs[1].DBPort)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSoftDeleteTenantRecord(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE tenant_databases SET").
		WithArgs(int64(5), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE tenant_databases SET").
		WithArgs(int64(6), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.SoftDeleteTenantRecord(context.Background(), 5))
	assert.ErrorIs(t, store.SoftDeleteTenantRecord(context.Background(), 6), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHardDeleteInTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM tenant_databases WHERE id = \\$1").
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := store.BeginTx(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.HardDeleteTenantRecord(context.Background(), id))
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTenantRecordByClientIDIncludesDeleted(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery("FROM tenant_databases WHERE client_id = \\$1$").
		WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows(recordCols).AddRow(
			uuid.NewString(), now, now, int64(8), nil, "client_8", "a", "a", "c", "h", 5432, "self_hosted", true, now,
		))

	rec, err := store.GetTenantRecordByClientID(context.Background(), 8)
	require.NoError(t, err)
	assert.True(t, rec.Deleted())
	require.NotNil(t, rec.DeletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
