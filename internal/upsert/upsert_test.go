package upsert_test

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/bulkjobs/internal/jobs"
	"github.com/jonesrussell/bulkjobs/internal/platform/logger"
	"github.com/jonesrussell/bulkjobs/internal/upsert"
)

func TestUpsertUsersDuplicateEmailInBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, email FROM users`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}))

	mock.ExpectExec(`SAVEPOINT row_0`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO users`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.New()))
	mock.ExpectExec(`RELEASE SAVEPOINT row_0`).WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectCommit()

	engine := upsert.NewEngine(db, logger.NewNop())
	rows := []upsert.NormalizedRow{
		{LineNumber: 1, Fields: map[string]any{"email": "alice@example.com", "name": "Alice", "role": "admin", "active": true}},
		{LineNumber: 3, Fields: map[string]any{"email": "alice@example.com", "name": "Alice 2", "role": "reader", "active": true}},
	}

	result, err := engine.UpsertBatch(context.Background(), jobs.ResourceUsers, rows)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Successful)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 3, result.Errors[0].Row)
	assert.Equal(t, "email", result.Errors[0].Field)
	assert.Contains(t, result.Errors[0].Message, "first seen on row 1")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBatchEmptyIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	engine := upsert.NewEngine(db, logger.NewNop())
	result, err := engine.UpsertBatch(context.Background(), jobs.ResourceUsers, nil)
	require.NoError(t, err)
	assert.Equal(t, upsert.Result{}, result)
	require.NoError(t, mock.ExpectationsWereMet())
}
