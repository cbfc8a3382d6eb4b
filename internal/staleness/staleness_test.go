package staleness_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/bulkjobs/internal/jobs"
	"github.com/jonesrussell/bulkjobs/internal/lock"
	"github.com/jonesrussell/bulkjobs/internal/platform/logger"
	"github.com/jonesrussell/bulkjobs/internal/staleness"
)

func importJobRow(id uuid.UUID, status jobs.Status, lockedBy string, startedAt time.Time) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "idempotency_key", "resource_type", "status", "version",
		"locked_by", "locked_at", "started_at", "completed_at",
		"file_url", "storage_key", "file_name", "file_size", "file_format",
		"total_rows", "processed_rows", "successful_rows", "failed_rows", "skipped_rows",
		"errors", "metrics", "error_message", "created_at", "updated_at",
	}).AddRow(
		id, nil, string(jobs.ResourceUsers), string(status), int64(1),
		lockedBy, startedAt, startedAt, nil,
		"https://example.com/f.csv", "imports/x", "f.csv", int64(100), "csv",
		0, 0, 0, 0, 0,
		[]byte("[]"), []byte("{}"), nil, now, now,
	)
}

func newLockManager(t *testing.T) *lock.Manager {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return lock.NewManager(client, logger.NewNop())
}

func TestSweepRestartsStaleProcessingImportJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	jobID := uuid.New()
	startedAt := time.Now().Add(-time.Hour)

	mock.ExpectQuery(`FROM import_jobs WHERE`).
		WillReturnRows(importJobRow(jobID, jobs.StatusProcessing, "node-a", startedAt))

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM import_jobs WHERE id = \$1 FOR UPDATE`).
		WithArgs(jobID).
		WillReturnRows(importJobRow(jobID, jobs.StatusProcessing, "node-a", startedAt))
	mock.ExpectExec(`UPDATE import_jobs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery(`FROM export_jobs WHERE`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "resource_type", "format", "status", "version",
			"locked_by", "locked_at", "started_at", "completed_at",
			"filters", "fields", "download_url", "file_name", "file_size",
			"total_rows", "exported_rows", "metrics", "error_message", "expires_at",
			"created_at", "updated_at",
		}))

	store := jobs.NewStore(db, logger.NewNop())
	sweeper := staleness.New(store, newLockManager(t), logger.NewNop(), staleness.Config{
		RestartStaleJobs: true,
	})

	sweeper.RunOnceForTest(context.Background())

	require.NoError(t, mock.ExpectationsWereMet())
}
