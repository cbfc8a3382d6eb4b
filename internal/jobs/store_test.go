package jobs_test

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"context"

	"github.com/jonesrussell/bulkjobs/internal/jobs"
	platerrors "github.com/jonesrussell/bulkjobs/internal/platform/errors"
	"github.com/jonesrussell/bulkjobs/internal/platform/logger"
)

func importRow(id uuid.UUID, status jobs.Status) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "idempotency_key", "resource_type", "status", "version",
		"locked_by", "locked_at", "started_at", "completed_at",
		"file_url", "storage_key", "file_name", "file_size", "file_format",
		"total_rows", "processed_rows", "successful_rows", "failed_rows", "skipped_rows",
		"errors", "metrics", "error_message", "created_at", "updated_at",
	}).AddRow(
		id, nil, string(jobs.ResourceUsers), string(status), int64(1),
		nil, nil, nil, nil,
		"https://example.com/f.csv", "imports/x", "f.csv", int64(100), "csv",
		0, 0, 0, 0, 0,
		[]byte("[]"), []byte("{}"), nil, now, now,
	)
}

func TestTransitionImportRejectsIllegalTransition(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := jobs.NewStore(db, logger.NewNop())
	_, err = store.TransitionImport(context.Background(), uuid.New(), jobs.StatusCompleted, jobs.StatusProcessing, jobs.ImportUpdates{})
	require.Error(t, err)
	assert.True(t, platerrors.IsKind(err, platerrors.KindConflict))
}

func TestTransitionImportHappyPath(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM import_jobs WHERE id = \$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(importRow(id, jobs.StatusPending))
	mock.ExpectExec(`UPDATE import_jobs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := jobs.NewStore(db, logger.NewNop())
	lockedBy := "node-a"
	now := time.Now().UTC()
	job, err := store.TransitionImport(context.Background(), id, jobs.StatusPending, jobs.StatusProcessing, jobs.ImportUpdates{
		LockedBy:  &lockedBy,
		LockedAt:  &now,
		StartedAt: &now,
	})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusProcessing, job.Status)
	assert.Equal(t, int64(2), job.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionImportConflictWhenStatusMismatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM import_jobs WHERE id = \$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(importRow(id, jobs.StatusProcessing))
	mock.ExpectRollback()

	store := jobs.NewStore(db, logger.NewNop())
	_, err = store.TransitionImport(context.Background(), id, jobs.StatusPending, jobs.StatusProcessing, jobs.ImportUpdates{})
	require.Error(t, err)
	assert.True(t, platerrors.IsKind(err, platerrors.KindConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeImportNoopsWhenNotProcessing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM import_jobs WHERE id = \$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(importRow(id, jobs.StatusCompleted))
	mock.ExpectCommit()

	store := jobs.NewStore(db, logger.NewNop())
	job, err := store.FinalizeImport(context.Background(), id, jobs.StatusFailed, jobs.ImportUpdates{})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindImportByIdempotencyKeyReturnsNilNilWhenAbsent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`FROM import_jobs WHERE idempotency_key = \$1`).
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "idempotency_key", "resource_type", "status", "version",
			"locked_by", "locked_at", "started_at", "completed_at",
			"file_url", "storage_key", "file_name", "file_size", "file_format",
			"total_rows", "processed_rows", "successful_rows", "failed_rows", "skipped_rows",
			"errors", "metrics", "error_message", "created_at", "updated_at",
		}))

	store := jobs.NewStore(db, logger.NewNop())
	job, err := store.FindImportByIdempotencyKey(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Nil(t, job)
}
