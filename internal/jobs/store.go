package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	platerrors "github.com/jonesrussell/bulkjobs/internal/platform/errors"
	"github.com/jonesrussell/bulkjobs/internal/platform/logger"
)

// Store persists ImportJob/ExportJob records and exposes the atomic
// transition/finalize primitives that every status change must go through.
// Built on the transaction-with-deferred-rollback idiom, generalized from
// upsert to compare-and-swap status transitions guarded by
// SELECT ... FOR UPDATE.
type Store struct {
	db     *sql.DB
	logger logger.Logger
}

// NewStore constructs a Store.
func NewStore(db *sql.DB, log logger.Logger) *Store {
	return &Store{db: db, logger: log}
}

// ImportUpdates is the set of fields a caller may apply in one
// transition/finalize call. Nil fields are left untouched.
type ImportUpdates struct {
	LockedBy      *string
	LockedAt      *time.Time
	ClearLock     bool
	StartedAt     *time.Time
	ClearStarted  bool
	CompletedAt   *time.Time
	Counters      *Counters
	Errors        *[]RowError
	Metrics       *Metrics
	ErrorMessage  *string
}

// ExportUpdates mirrors ImportUpdates for export jobs.
type ExportUpdates struct {
	LockedBy     *string
	LockedAt     *time.Time
	ClearLock    bool
	StartedAt    *time.Time
	ClearStarted bool
	CompletedAt  *time.Time
	TotalRows    *int
	ExportedRows *int
	Metrics      *Metrics
	ErrorMessage *string
	DownloadURL  *string
	ExpiresAt    *time.Time
	FileSize     *int64
}

// CreateImport inserts a new import job in PENDING.
func (s *Store) CreateImport(ctx context.Context, job *ImportJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	job.Status = StatusPending
	job.Version = 1

	errs := NewJSONColumn(job.Errors)
	metrics := NewJSONColumn(job.Metrics)

	const q = `
		INSERT INTO import_jobs (
			id, idempotency_key, resource_type, status, version,
			file_url, storage_key, file_name, file_size, file_format,
			total_rows, processed_rows, successful_rows, failed_rows, skipped_rows,
			errors, metrics, error_message, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`
	_, err := s.db.ExecContext(ctx, q,
		job.ID, job.IdempotencyKey, job.ResourceType, job.Status, job.Version,
		job.FileURL, job.StorageKey, job.FileName, job.FileSize, job.FileFormat,
		job.TotalRows, job.ProcessedRows, job.SuccessfulRows, job.FailedRows, job.SkippedRows,
		errs, metrics, job.ErrorMessage, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return platerrors.Wrap(platerrors.KindFatalIO, err, "create import job")
	}
	return nil
}

// FindImportByID looks up an import job by id.
func (s *Store) FindImportByID(ctx context.Context, id uuid.UUID) (*ImportJob, error) {
	const q = importSelectColumns + ` FROM import_jobs WHERE id = $1`
	row := s.db.QueryRowContext(ctx, q, id)
	return scanImportJob(row)
}

// FindImportByIdempotencyKey looks up an import job by its idempotency key.
// Returns (nil, nil) if none exists — this is the replay path for L1/S3.
func (s *Store) FindImportByIdempotencyKey(ctx context.Context, key string) (*ImportJob, error) {
	const q = importSelectColumns + ` FROM import_jobs WHERE idempotency_key = $1`
	row := s.db.QueryRowContext(ctx, q, key)
	job, err := scanImportJob(row)
	if platerrors.IsKind(err, platerrors.KindNotFound) {
		return nil, nil
	}
	return job, err
}

// TransitionImport implements the Job Store's atomic transition primitive:
// SERIALIZABLE + SELECT FOR UPDATE + status compare + apply + version bump.
func (s *Store) TransitionImport(ctx context.Context, id uuid.UUID, from, to Status, updates ImportUpdates) (*ImportJob, error) {
	if !CanTransition(from, to) {
		return nil, platerrors.New(platerrors.KindConflict, fmt.Sprintf("illegal transition %s -> %s", from, to))
	}
	return s.withSerializableTx(ctx, func(tx *sql.Tx) (*ImportJob, error) {
		job, err := lockImportForUpdate(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if job.Status != from {
			return nil, platerrors.New(platerrors.KindConflict,
				fmt.Sprintf("status is %s, expected %s", job.Status, from))
		}
		applyImportUpdates(job, updates)
		job.Status = to
		job.Version++
		job.UpdatedAt = time.Now().UTC()
		if err := persistImportRow(ctx, tx, job); err != nil {
			return nil, err
		}
		return job, nil
	})
}

// FinalizeImport moves an import job to a terminal status, refusing
// (silently, with a log warning) if the current status is not PROCESSING.
func (s *Store) FinalizeImport(ctx context.Context, id uuid.UUID, terminal Status, updates ImportUpdates) (*ImportJob, error) {
	return s.withSerializableTx(ctx, func(tx *sql.Tx) (*ImportJob, error) {
		job, err := lockImportForUpdate(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if job.Status != StatusProcessing {
			s.logger.Warn("finalize no-op: job not in PROCESSING",
				logger.String("job_id", id.String()), logger.String("status", string(job.Status)))
			return job, nil
		}
		applyImportUpdates(job, updates)
		job.Status = terminal
		job.LockedBy = nil
		job.LockedAt = nil
		job.Version++
		job.UpdatedAt = time.Now().UTC()
		if err := persistImportRow(ctx, tx, job); err != nil {
			return nil, err
		}
		return job, nil
	})
}

// UpdateImportProgress is a non-transactional progress snapshot write; it
// may lose races against a concurrent finalize/transition, which is
// acceptable per the Job Store contract.
func (s *Store) UpdateImportProgress(ctx context.Context, id uuid.UUID, counters Counters) error {
	const q = `
		UPDATE import_jobs SET
			total_rows = $2, processed_rows = $3, successful_rows = $4,
			failed_rows = $5, skipped_rows = $6, updated_at = now()
		WHERE id = $1
	`
	_, err := s.db.ExecContext(ctx, q, id, counters.TotalRows, counters.ProcessedRows,
		counters.SuccessfulRows, counters.FailedRows, counters.SkippedRows)
	if err != nil {
		return platerrors.Wrap(platerrors.KindFatalIO, err, "update import progress")
	}
	return nil
}

// ListStaleImport returns import jobs matching the stale-recovery predicate.
func (s *Store) ListStaleImport(ctx context.Context, staleThreshold, staleLockThreshold time.Duration) ([]*ImportJob, error) {
	const q = importSelectColumns + ` FROM import_jobs WHERE
		(status = 'PROCESSING' AND started_at < $1)
		OR (locked_by IS NOT NULL AND locked_at < $2 AND status IN ('PENDING','PROCESSING'))
	`
	now := time.Now().UTC()
	rows, err := s.db.QueryContext(ctx, q, now.Add(-staleThreshold), now.Add(-staleLockThreshold))
	if err != nil {
		return nil, platerrors.Wrap(platerrors.KindFatalIO, err, "list stale import jobs")
	}
	defer rows.Close()

	var out []*ImportJob
	seen := map[uuid.UUID]bool{}
	for rows.Next() {
		job, err := scanImportJobRows(rows)
		if err != nil {
			return nil, err
		}
		if seen[job.ID] {
			continue
		}
		seen[job.ID] = true
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Store) withSerializableTx(ctx context.Context, fn func(tx *sql.Tx) (*ImportJob, error)) (job *ImportJob, err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, platerrors.Wrap(platerrors.KindFatalIO, err, "begin serializable transaction")
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				s.logger.Error("rollback failed", logger.Error(rbErr))
			}
		}
	}()

	job, err = fn(tx)
	if err != nil {
		return nil, err
	}
	if commitErr := tx.Commit(); commitErr != nil {
		err = platerrors.Wrap(platerrors.KindFatalIO, commitErr, "commit transaction")
		return nil, err
	}
	return job, nil
}

func lockImportForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*ImportJob, error) {
	const q = importSelectColumns + ` FROM import_jobs WHERE id = $1 FOR UPDATE`
	row := tx.QueryRowContext(ctx, q, id)
	return scanImportJob(row)
}

func applyImportUpdates(job *ImportJob, u ImportUpdates) {
	if u.LockedBy != nil {
		job.LockedBy = u.LockedBy
	}
	if u.LockedAt != nil {
		job.LockedAt = u.LockedAt
	}
	if u.ClearLock {
		job.LockedBy = nil
		job.LockedAt = nil
	}
	if u.StartedAt != nil {
		job.StartedAt = u.StartedAt
	}
	if u.ClearStarted {
		job.StartedAt = nil
	}
	if u.CompletedAt != nil {
		job.CompletedAt = u.CompletedAt
	}
	if u.Counters != nil {
		job.Counters = *u.Counters
	}
	if u.Errors != nil {
		job.Errors = *u.Errors
	}
	if u.Metrics != nil {
		job.Metrics = *u.Metrics
	}
	if u.ErrorMessage != nil {
		job.ErrorMessage = u.ErrorMessage
	}
}

func persistImportRow(ctx context.Context, tx *sql.Tx, job *ImportJob) error {
	const q = `
		UPDATE import_jobs SET
			status=$2, version=$3, locked_by=$4, locked_at=$5,
			started_at=$6, completed_at=$7,
			total_rows=$8, processed_rows=$9, successful_rows=$10, failed_rows=$11, skipped_rows=$12,
			errors=$13, metrics=$14, error_message=$15, updated_at=$16
		WHERE id=$1
	`
	_, err := tx.ExecContext(ctx, q,
		job.ID, job.Status, job.Version, job.LockedBy, job.LockedAt,
		job.StartedAt, job.CompletedAt,
		job.TotalRows, job.ProcessedRows, job.SuccessfulRows, job.FailedRows, job.SkippedRows,
		NewJSONColumn(job.Errors), NewJSONColumn(job.Metrics), job.ErrorMessage, job.UpdatedAt,
	)
	if err != nil {
		return platerrors.Wrap(platerrors.KindTransaction, err, "persist import job row")
	}
	return nil
}

const importSelectColumns = `SELECT
	id, idempotency_key, resource_type, status, version,
	locked_by, locked_at, started_at, completed_at,
	file_url, storage_key, file_name, file_size, file_format,
	total_rows, processed_rows, successful_rows, failed_rows, skipped_rows,
	errors, metrics, error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImportJob(row *sql.Row) (*ImportJob, error) {
	return scanImportJobFrom(row)
}

func scanImportJobRows(rows *sql.Rows) (*ImportJob, error) {
	return scanImportJobFrom(rows)
}

func scanImportJobFrom(r rowScanner) (*ImportJob, error) {
	var job ImportJob
	var errs JSONColumn[[]RowError]
	var metrics JSONColumn[Metrics]
	err := r.Scan(
		&job.ID, &job.IdempotencyKey, &job.ResourceType, &job.Status, &job.Version,
		&job.LockedBy, &job.LockedAt, &job.StartedAt, &job.CompletedAt,
		&job.FileURL, &job.StorageKey, &job.FileName, &job.FileSize, &job.FileFormat,
		&job.TotalRows, &job.ProcessedRows, &job.SuccessfulRows, &job.FailedRows, &job.SkippedRows,
		&errs, &metrics, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, platerrors.New(platerrors.KindNotFound, "import job not found")
	}
	if err != nil {
		return nil, platerrors.Wrap(platerrors.KindFatalIO, err, "scan import job")
	}
	job.Errors = errs.Val
	job.Metrics = metrics.Val
	return &job, nil
}

// buildInClause builds an IN (...) predicate with positional placeholders,
// without string-concatenating caller-supplied values.
func buildInClause(startIdx int, n int) string {
	placeholders := make([]string, n)
	for i := 0; i < n; i++ {
		placeholders[i] = fmt.Sprintf("$%d", startIdx+i)
	}
	return strings.Join(placeholders, ", ")
}
