package eventstore_test

import (
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	exerrors "github.com/randalmurphal/exflow/pkg/exflow/errors"
	"github.com/randalmurphal/exflow/pkg/exflow/eventstore"
)

func newMockStore(t *testing.T) (*eventstore.SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return eventstore.NewSQLStore(db), mock
}

func TestSQLStore_BeginFailureIsTransient(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("database is locked"))

	_, err := store.AppendIfNew(ctx, ingest(t, keyA, 0))
	require.Error(t, err)
	assert.True(t, exerrors.IsRetryable(err), "got %v", err)

	var te *exerrors.TransientError
	assert.ErrorAs(t, err, &te)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_QueryFailureRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(1\) FROM events WHERE event_id = \?`).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err := store.AppendIfNew(ctx, ingest(t, keyA, 0))
	assert.Equal(t, exerrors.CategoryTransientInfra, exerrors.Categorize(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_DuplicateSkipsInsert(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(1\) FROM events`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectCommit()

	ok, err := store.AppendIfNew(ctx, ingest(t, keyA, 0))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CommitFailureIsTransient(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(1\) FROM events`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectCommit().WillReturnError(errors.New("busy"))

	_, err := store.AppendIfNew(ctx, ingest(t, keyA, 0))
	assert.True(t, exerrors.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetExceptionNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT data FROM exceptions`).
		WithArgs(keyA.TenantID, keyA.ExceptionID).
		WillReturnRows(sqlmock.NewRows([]string{"data"}))

	_, err := store.GetException(ctx, keyA)
	assert.ErrorIs(t, err, eventstore.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_OffsetDefaultsToZero(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT seq FROM consumer_offsets`).
		WithArgs("playbook", 2).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}))

	off, err := store.Offset(ctx, "playbook", 2)
	require.NoError(t, err)
	assert.Zero(t, off)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ReadFailureIsTransient(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`FROM events`).WillReturnError(errors.New("connection reset"))

	_, err := store.ReadPartition(ctx, 0, 0, 10)
	assert.True(t, exerrors.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CorruptTimestampIsInfraError(t *testing.T) {
	store, mock := newMockStore(t)
	cols := []string{"seq", "event_id", "tenant_id", "exception_id", "partition_id", "event_type",
		"actor_type", "actor_id", "payload", "created_at"}
	mock.ExpectQuery(`FROM events`).WillReturnRows(sqlmock.NewRows(cols).
		AddRow(1, "e-1", "acme", "exc-1", 0, "exception.ingested", "system", nil, []byte(`{}`), "yesterday"))

	_, err := store.ReadPartition(ctx, 0, 0, 10)
	require.Error(t, err)
	assert.Equal(t, exerrors.CategoryTransientInfra, exerrors.Categorize(err))
	assert.ErrorContains(t, err, `created_at "yesterday"`)
	assert.NoError(t, mock.ExpectationsWereMet())
}
