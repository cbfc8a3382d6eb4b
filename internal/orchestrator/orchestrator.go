// Package orchestrator ties the Lock Manager, Job Store, and pipeline
// stages together into the exact control flow of spec.md §4.8: acquire the
// distributed lock, atomically transition PENDING->PROCESSING, run the
// pipeline, atomically finalize, and release the lock on every exit path —
// phased like a multi-step service boot, with an early return (here: early
// log-and-return) on each phase's failure.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jonesrussell/bulkjobs/internal/exportpipeline"
	"github.com/jonesrussell/bulkjobs/internal/jobs"
	"github.com/jonesrussell/bulkjobs/internal/lock"
	"github.com/jonesrussell/bulkjobs/internal/platform/logger"
	"github.com/jonesrussell/bulkjobs/internal/upsert"
)

const defaultLockTTL = 5 * time.Minute

// ImportObjectStore is the subset of object storage an import run needs:
// reading back the uploaded source file.
type ImportObjectStore interface {
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)
}

// ExportObjectStore is the subset of object storage an export run needs
// beyond what exportpipeline.Runner already uses internally: refreshing
// the presigned download URL at finalize time.
type ExportObjectStore interface {
	PresignGet(ctx context.Context, key string, expiresIn time.Duration) (string, error)
}

// ImportOrchestrator drives one import job's full lifecycle.
type ImportOrchestrator struct {
	locks     *lock.Manager
	store     *jobs.Store
	storage   ImportObjectStore
	upsert    *upsert.Engine
	logger    logger.Logger
	batchSize int
	lockTTL   time.Duration
}

// NewImportOrchestrator constructs an ImportOrchestrator.
func NewImportOrchestrator(locks *lock.Manager, store *jobs.Store, storage ImportObjectStore, upsertEngine *upsert.Engine, log logger.Logger, batchSize int, lockTTL time.Duration) *ImportOrchestrator {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &ImportOrchestrator{
		locks: locks, store: store, storage: storage, upsert: upsertEngine,
		logger: log, batchSize: batchSize, lockTTL: lockTTL,
	}
}

// Run processes one delivered import job, per §4.8's pseudocode.
func (o *ImportOrchestrator) Run(ctx context.Context, data jobs.JobData) error {
	lockKey := fmt.Sprintf("import-job:%s", data.JobID)
	l, err := o.locks.Acquire(ctx, lockKey, o.lockTTL, 0, 0)
	if err != nil {
		return fmt.Errorf("acquire import lock: %w", err)
	}
	if l == nil {
		o.logger.Info("import job already owned by another node", logger.String("job_id", data.JobID.String()))
		return nil
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := o.locks.Release(relCtx, l); err != nil {
			o.logger.Warn("import lock release failed", logger.String("job_id", data.JobID.String()), logger.Error(err))
		}
	}()

	now := time.Now().UTC()
	nodeID := o.locks.NodeID()
	job, err := o.store.TransitionImport(ctx, data.JobID, jobs.StatusPending, jobs.StatusProcessing, jobs.ImportUpdates{
		LockedBy:  &nodeID,
		LockedAt:  &now,
		StartedAt: &now,
	})
	if err != nil {
		o.logger.Info("import job transition to PROCESSING refused",
			logger.String("job_id", data.JobID.String()), logger.Error(err))
		return nil
	}

	counters, errs, bytesRead, pipelineErr := o.runImportPipeline(ctx, job, func(c jobs.Counters) {
		if err := o.store.UpdateImportProgress(ctx, job.ID, c); err != nil {
			o.logger.Warn("progress flush failed", logger.String("job_id", job.ID.String()), logger.Error(err))
		}
	})

	completedAt := time.Now().UTC()
	durationMS := completedAt.Sub(now).Milliseconds()

	if pipelineErr != nil {
		msg := pipelineErr.Error()
		metrics := jobs.Metrics{DurationMS: durationMS, TotalBytes: bytesRead}
		if _, ferr := o.store.FinalizeImport(ctx, job.ID, jobs.StatusFailed, jobs.ImportUpdates{
			CompletedAt:  &completedAt,
			ClearLock:    true,
			Counters:     &counters,
			Errors:       &errs,
			Metrics:      &metrics,
			ErrorMessage: &msg,
		}); ferr != nil {
			o.logger.Error("finalize FAILED import job failed", logger.String("job_id", job.ID.String()), logger.Error(ferr))
		}
		return pipelineErr
	}

	metrics := jobs.Metrics{DurationMS: durationMS, TotalBytes: bytesRead}
	if durationMS > 0 {
		metrics.RowsPerSecond = float64(counters.ProcessedRows) * 1000 / float64(durationMS)
	}
	if counters.ProcessedRows > 0 {
		metrics.ErrorRate = float64(counters.FailedRows) / float64(counters.ProcessedRows)
	}

	if _, err := o.store.FinalizeImport(ctx, job.ID, jobs.StatusCompleted, jobs.ImportUpdates{
		CompletedAt: &completedAt,
		ClearLock:   true,
		Counters:    &counters,
		Errors:      &errs,
		Metrics:     &metrics,
	}); err != nil {
		o.logger.Error("finalize COMPLETED import job failed", logger.String("job_id", job.ID.String()), logger.Error(err))
		return err
	}
	return nil
}

// ExportOrchestrator drives one export job's full lifecycle.
type ExportOrchestrator struct {
	locks   *lock.Manager
	store   *jobs.Store
	storage ExportObjectStore
	runner  *exportpipeline.Runner
	logger  logger.Logger
	lockTTL time.Duration
}

// NewExportOrchestrator constructs an ExportOrchestrator.
func NewExportOrchestrator(locks *lock.Manager, store *jobs.Store, storage ExportObjectStore, runner *exportpipeline.Runner, log logger.Logger, lockTTL time.Duration) *ExportOrchestrator {
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &ExportOrchestrator{locks: locks, store: store, storage: storage, runner: runner, logger: log, lockTTL: lockTTL}
}

// Run processes one delivered export job, per §4.8's pseudocode.
func (o *ExportOrchestrator) Run(ctx context.Context, data jobs.JobData) error {
	lockKey := fmt.Sprintf("export-job:%s", data.JobID)
	l, err := o.locks.Acquire(ctx, lockKey, o.lockTTL, 0, 0)
	if err != nil {
		return fmt.Errorf("acquire export lock: %w", err)
	}
	if l == nil {
		o.logger.Info("export job already owned by another node", logger.String("job_id", data.JobID.String()))
		return nil
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := o.locks.Release(relCtx, l); err != nil {
			o.logger.Warn("export lock release failed", logger.String("job_id", data.JobID.String()), logger.Error(err))
		}
	}()

	now := time.Now().UTC()
	nodeID := o.locks.NodeID()
	job, err := o.store.TransitionExport(ctx, data.JobID, jobs.StatusPending, jobs.StatusProcessing, jobs.ExportUpdates{
		LockedBy:  &nodeID,
		LockedAt:  &now,
		StartedAt: &now,
	})
	if err != nil {
		o.logger.Info("export job transition to PROCESSING refused",
			logger.String("job_id", data.JobID.String()), logger.Error(err))
		return nil
	}

	outcome, runErr := o.runner.Run(ctx, job, func(exportedRows int) {
		if err := o.store.UpdateExportProgress(ctx, job.ID, job.TotalRows, exportedRows); err != nil {
			o.logger.Warn("export progress flush failed", logger.String("job_id", job.ID.String()), logger.Error(err))
		}
	})

	completedAt := time.Now().UTC()
	durationMS := completedAt.Sub(now).Milliseconds()

	if runErr != nil {
		msg := runErr.Error()
		metrics := jobs.Metrics{DurationMS: durationMS}
		if _, ferr := o.store.FinalizeExport(ctx, job.ID, jobs.StatusFailed, jobs.ExportUpdates{
			CompletedAt:  &completedAt,
			ClearLock:    true,
			Metrics:      &metrics,
			ErrorMessage: &msg,
		}); ferr != nil {
			o.logger.Error("finalize FAILED export job failed", logger.String("job_id", job.ID.String()), logger.Error(ferr))
		}
		return runErr
	}

	metrics := jobs.Metrics{DurationMS: durationMS, TotalBytes: outcome.FileSize}
	if durationMS > 0 {
		metrics.RowsPerSecond = float64(outcome.TotalRows) * 1000 / float64(durationMS)
	}

	finalizeUpdates := jobs.ExportUpdates{
		CompletedAt: &completedAt,
		ClearLock:   true,
		Metrics:     &metrics,
		FileSize:    &outcome.FileSize,
	}
	totalRows := outcome.TotalRows
	exportedRows := outcome.ExportedRows
	finalizeUpdates.TotalRows = &totalRows
	finalizeUpdates.ExportedRows = &exportedRows

	expiresAt := completedAt.Add(24 * time.Hour)
	if downloadURL, err := o.storage.PresignGet(ctx, outcome.StorageKey, 24*time.Hour); err != nil {
		o.logger.Warn("presign export download url failed", logger.String("job_id", job.ID.String()), logger.Error(err))
	} else {
		finalizeUpdates.DownloadURL = &downloadURL
		finalizeUpdates.ExpiresAt = &expiresAt
	}

	if _, err := o.store.FinalizeExport(ctx, job.ID, jobs.StatusCompleted, finalizeUpdates); err != nil {
		o.logger.Error("finalize COMPLETED export job failed", logger.String("job_id", job.ID.String()), logger.Error(err))
		return err
	}
	return nil
}
