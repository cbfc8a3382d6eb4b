package orchestrator_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/bulkjobs/internal/jobs"
	"github.com/jonesrussell/bulkjobs/internal/lock"
	"github.com/jonesrussell/bulkjobs/internal/orchestrator"
	"github.com/jonesrussell/bulkjobs/internal/platform/logger"
	"github.com/jonesrussell/bulkjobs/internal/upsert"
)

type fakeImportStorage struct {
	body string
}

func (f fakeImportStorage) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewBufferString(f.body)), nil
}

func newTestLockManager(t *testing.T) *lock.Manager {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return lock.NewManager(client, logger.NewNop())
}

func TestImportOrchestratorHappyPath(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	jobID := uuid.New()
	now := time.Now().UTC()

	importCols := []string{
		"id", "idempotency_key", "resource_type", "status", "version",
		"locked_by", "locked_at", "started_at", "completed_at",
		"file_url", "storage_key", "file_name", "file_size", "file_format",
		"total_rows", "processed_rows", "successful_rows", "failed_rows", "skipped_rows",
		"errors", "metrics", "error_message", "created_at", "updated_at",
	}
	pendingRow := func() *sqlmock.Rows {
		return sqlmock.NewRows(importCols).AddRow(
			jobID, nil, string(jobs.ResourceUsers), string(jobs.StatusPending), int64(1),
			nil, nil, nil, nil,
			"", "imports/x/users.ndjson", "users.ndjson", int64(10), "ndjson",
			0, 0, 0, 0, 0,
			[]byte("[]"), []byte("{}"), nil, now, now,
		)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM import_jobs WHERE id = \$1 FOR UPDATE`).WithArgs(jobID).WillReturnRows(pendingRow())
	mock.ExpectExec(`UPDATE import_jobs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, email FROM users`).WillReturnRows(sqlmock.NewRows([]string{"id", "email"}))
	mock.ExpectExec(`SAVEPOINT row_0`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO users`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.New()))
	mock.ExpectExec(`RELEASE SAVEPOINT row_0`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	mock.ExpectExec(`UPDATE import_jobs SET\s+total_rows`).WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM import_jobs WHERE id = \$1 FOR UPDATE`).WithArgs(jobID).WillReturnRows(
		sqlmock.NewRows(importCols).AddRow(
			jobID, nil, string(jobs.ResourceUsers), string(jobs.StatusProcessing), int64(2),
			"node", now, now, nil,
			"", "imports/x/users.ndjson", "users.ndjson", int64(10), "ndjson",
			0, 0, 0, 0, 0,
			[]byte("[]"), []byte("{}"), nil, now, now,
		))
	mock.ExpectExec(`UPDATE import_jobs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := jobs.NewStore(db, logger.NewNop())
	locks := newTestLockManager(t)
	upsertEngine := upsert.NewEngine(db, logger.NewNop())
	storage := fakeImportStorage{body: `{"email":"alice@example.com","name":"Alice","role":"admin","active":true}` + "\n"}

	o := orchestrator.NewImportOrchestrator(locks, store, storage, upsertEngine, logger.NewNop(), 100, time.Minute)
	err = o.Run(context.Background(), jobs.JobData{
		JobID:        jobID,
		ResourceType: jobs.ResourceUsers,
		Kind:         jobs.JobKindImport,
		StorageKey:   "imports/x/users.ndjson",
		FileFormat:   jobs.FormatNDJSON,
	})
	require.NoError(t, err)
}

func TestImportOrchestratorReturnsNilWhenLockNotHeld(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	jobID := uuid.New()
	locks := newTestLockManager(t)
	require.NoError(t, locks.WithLock(context.Background(), "import-job:"+jobID.String(), time.Minute, 0, 0, func(*lock.Lock) error {
		store := jobs.NewStore(db, logger.NewNop())
		upsertEngine := upsert.NewEngine(db, logger.NewNop())
		o := orchestrator.NewImportOrchestrator(locks, store, fakeImportStorage{}, upsertEngine, logger.NewNop(), 100, time.Minute)
		return o.Run(context.Background(), jobs.JobData{JobID: jobID, ResourceType: jobs.ResourceUsers})
	}))
}
