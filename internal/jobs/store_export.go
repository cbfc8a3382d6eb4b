package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	platerrors "github.com/jonesrussell/bulkjobs/internal/platform/errors"
	"github.com/jonesrussell/bulkjobs/internal/platform/logger"
)

// CreateExport inserts a new export job in PENDING.
func (s *Store) CreateExport(ctx context.Context, job *ExportJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	job.Status = StatusPending
	job.Version = 1

	const q = `
		INSERT INTO export_jobs (
			id, resource_type, format, status, version,
			filters, fields, download_url, file_name, file_size,
			total_rows, exported_rows, metrics, error_message, expires_at,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`
	_, err := s.db.ExecContext(ctx, q,
		job.ID, job.ResourceType, job.Format, job.Status, job.Version,
		NewJSONColumn(job.Filters), NewJSONColumn(job.Fields), job.DownloadURL, job.FileName, job.FileSize,
		job.TotalRows, job.ExportedRows, NewJSONColumn(job.Metrics), job.ErrorMessage, job.ExpiresAt,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return platerrors.Wrap(platerrors.KindFatalIO, err, "create export job")
	}
	return nil
}

// FindExportByID looks up an export job by id.
func (s *Store) FindExportByID(ctx context.Context, id uuid.UUID) (*ExportJob, error) {
	const q = exportSelectColumns + ` FROM export_jobs WHERE id = $1`
	row := s.db.QueryRowContext(ctx, q, id)
	return scanExportJob(row)
}

// TransitionExport is the export-job counterpart of TransitionImport.
func (s *Store) TransitionExport(ctx context.Context, id uuid.UUID, from, to Status, updates ExportUpdates) (*ExportJob, error) {
	if !CanTransition(from, to) {
		return nil, platerrors.New(platerrors.KindConflict, fmt.Sprintf("illegal transition %s -> %s", from, to))
	}
	return s.withSerializableExportTx(ctx, func(tx *sql.Tx) (*ExportJob, error) {
		job, err := lockExportForUpdate(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if job.Status != from {
			return nil, platerrors.New(platerrors.KindConflict,
				fmt.Sprintf("status is %s, expected %s", job.Status, from))
		}
		applyExportUpdates(job, updates)
		job.Status = to
		job.Version++
		job.UpdatedAt = time.Now().UTC()
		if err := persistExportRow(ctx, tx, job); err != nil {
			return nil, err
		}
		return job, nil
	})
}

// FinalizeExport is the export-job counterpart of FinalizeImport.
func (s *Store) FinalizeExport(ctx context.Context, id uuid.UUID, terminal Status, updates ExportUpdates) (*ExportJob, error) {
	return s.withSerializableExportTx(ctx, func(tx *sql.Tx) (*ExportJob, error) {
		job, err := lockExportForUpdate(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if job.Status != StatusProcessing {
			s.logger.Warn("finalize no-op: export job not in PROCESSING",
				logger.String("job_id", id.String()), logger.String("status", string(job.Status)))
			return job, nil
		}
		applyExportUpdates(job, updates)
		job.Status = terminal
		job.LockedBy = nil
		job.LockedAt = nil
		job.Version++
		job.UpdatedAt = time.Now().UTC()
		if err := persistExportRow(ctx, tx, job); err != nil {
			return nil, err
		}
		return job, nil
	})
}

// UpdateExportProgress is the export counterpart of UpdateImportProgress.
func (s *Store) UpdateExportProgress(ctx context.Context, id uuid.UUID, totalRows, exportedRows int) error {
	const q = `UPDATE export_jobs SET total_rows=$2, exported_rows=$3, updated_at=now() WHERE id=$1`
	_, err := s.db.ExecContext(ctx, q, id, totalRows, exportedRows)
	if err != nil {
		return platerrors.Wrap(platerrors.KindFatalIO, err, "update export progress")
	}
	return nil
}

// RefreshDownloadURL persists a regenerated presigned URL without going
// through transition/finalize — this is the one allowed direct write to a
// terminal export job, per the Job Store contract.
func (s *Store) RefreshDownloadURL(ctx context.Context, id uuid.UUID, url string, expiresAt time.Time) error {
	const q = `UPDATE export_jobs SET download_url=$2, expires_at=$3, updated_at=now() WHERE id=$1`
	_, err := s.db.ExecContext(ctx, q, id, url, expiresAt)
	if err != nil {
		return platerrors.Wrap(platerrors.KindFatalIO, err, "refresh download url")
	}
	return nil
}

// ListStaleExport returns export jobs matching the stale-recovery predicate.
func (s *Store) ListStaleExport(ctx context.Context, staleThreshold, staleLockThreshold time.Duration) ([]*ExportJob, error) {
	const q = exportSelectColumns + ` FROM export_jobs WHERE
		(status = 'PROCESSING' AND started_at < $1)
		OR (locked_by IS NOT NULL AND locked_at < $2 AND status IN ('PENDING','PROCESSING'))
	`
	now := time.Now().UTC()
	rows, err := s.db.QueryContext(ctx, q, now.Add(-staleThreshold), now.Add(-staleLockThreshold))
	if err != nil {
		return nil, platerrors.Wrap(platerrors.KindFatalIO, err, "list stale export jobs")
	}
	defer rows.Close()

	var out []*ExportJob
	seen := map[uuid.UUID]bool{}
	for rows.Next() {
		job, err := scanExportJobFrom(rows)
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

func (s *Store) withSerializableExportTx(ctx context.Context, fn func(tx *sql.Tx) (*ExportJob, error)) (job *ExportJob, err error) {
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

func lockExportForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*ExportJob, error) {
	const q = exportSelectColumns + ` FROM export_jobs WHERE id = $1 FOR UPDATE`
	row := tx.QueryRowContext(ctx, q, id)
	return scanExportJob(row)
}

func applyExportUpdates(job *ExportJob, u ExportUpdates) {
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
	if u.TotalRows != nil {
		job.TotalRows = *u.TotalRows
	}
	if u.ExportedRows != nil {
		job.ExportedRows = *u.ExportedRows
	}
	if u.Metrics != nil {
		job.Metrics = *u.Metrics
	}
	if u.ErrorMessage != nil {
		job.ErrorMessage = u.ErrorMessage
	}
	if u.DownloadURL != nil {
		job.DownloadURL = u.DownloadURL
	}
	if u.ExpiresAt != nil {
		job.ExpiresAt = u.ExpiresAt
	}
	if u.FileSize != nil {
		job.FileSize = *u.FileSize
	}
}

func persistExportRow(ctx context.Context, tx *sql.Tx, job *ExportJob) error {
	const q = `
		UPDATE export_jobs SET
			status=$2, version=$3, locked_by=$4, locked_at=$5,
			started_at=$6, completed_at=$7,
			total_rows=$8, exported_rows=$9, metrics=$10, error_message=$11,
			download_url=$12, expires_at=$13, file_size=$14, updated_at=$15
		WHERE id=$1
	`
	_, err := tx.ExecContext(ctx, q,
		job.ID, job.Status, job.Version, job.LockedBy, job.LockedAt,
		job.StartedAt, job.CompletedAt,
		job.TotalRows, job.ExportedRows, NewJSONColumn(job.Metrics), job.ErrorMessage,
		job.DownloadURL, job.ExpiresAt, job.FileSize, job.UpdatedAt,
	)
	if err != nil {
		return platerrors.Wrap(platerrors.KindTransaction, err, "persist export job row")
	}
	return nil
}

const exportSelectColumns = `SELECT
	id, resource_type, format, status, version,
	locked_by, locked_at, started_at, completed_at,
	filters, fields, download_url, file_name, file_size,
	total_rows, exported_rows, metrics, error_message, expires_at,
	created_at, updated_at`

func scanExportJob(row *sql.Row) (*ExportJob, error) {
	return scanExportJobFrom(row)
}

func scanExportJobFrom(r rowScanner) (*ExportJob, error) {
	var job ExportJob
	var filters JSONColumn[ExportFilters]
	var fields JSONColumn[[]string]
	var metrics JSONColumn[Metrics]
	err := r.Scan(
		&job.ID, &job.ResourceType, &job.Format, &job.Status, &job.Version,
		&job.LockedBy, &job.LockedAt, &job.StartedAt, &job.CompletedAt,
		&filters, &fields, &job.DownloadURL, &job.FileName, &job.FileSize,
		&job.TotalRows, &job.ExportedRows, &metrics, &job.ErrorMessage, &job.ExpiresAt,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, platerrors.New(platerrors.KindNotFound, "export job not found")
	}
	if err != nil {
		return nil, platerrors.Wrap(platerrors.KindFatalIO, err, "scan export job")
	}
	job.Filters = filters.Val
	job.Fields = fields.Val
	job.Metrics = metrics.Val
	return &job, nil
}
