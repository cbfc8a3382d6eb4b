// Package staleness implements the periodic stale-job recovery sweep: a
// single node at a time (coalesced via a Lock Manager lease) scans for jobs
// whose owning worker appears to have vanished and either restarts or fails
// them. Ticker-driven, with a background goroutine off a time.Ticker and a
// done channel for shutdown.
package staleness

import (
	"context"
	"time"

	"github.com/jonesrussell/bulkjobs/internal/jobs"
	"github.com/jonesrussell/bulkjobs/internal/lock"
	"github.com/jonesrussell/bulkjobs/internal/platform/logger"
)

const coordinationLockKey = "stale-job-cleanup"

// Config tunes the sweep's thresholds and cadence.
type Config struct {
	Interval           time.Duration
	StaleThreshold      time.Duration
	StaleLockThreshold time.Duration
	RestartStaleJobs   bool
}

// SetDefaults fills zero-valued fields with the documented defaults.
func (c *Config) SetDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 30 * time.Minute
	}
	if c.StaleLockThreshold <= 0 {
		c.StaleLockThreshold = 10 * time.Minute
	}
}

// Sweeper runs the recovery loop.
type Sweeper struct {
	store  *jobs.Store
	locks  *lock.Manager
	logger logger.Logger
	cfg    Config

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Sweeper.
func New(store *jobs.Store, locks *lock.Manager, log logger.Logger, cfg Config) *Sweeper {
	cfg.SetDefaults()
	return &Sweeper{
		store:  store,
		locks:  locks,
		logger: log,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the sweep loop in a goroutine until Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop blocks until the current sweep (if any) finishes and the loop exits.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// RunOnceForTest runs a single sweep synchronously, bypassing the ticker.
// Exported for test use only; production callers use Start.
func (s *Sweeper) RunOnceForTest(ctx context.Context) {
	s.runOnce(ctx)
}

// runOnce performs one coalesced sweep across both job kinds. Coalescing is
// best-effort: failure to acquire the lock means another node is already
// sweeping, which is not an error.
func (s *Sweeper) runOnce(ctx context.Context) {
	err := s.locks.WithLock(ctx, coordinationLockKey, s.cfg.Interval, 0, 0, func(*lock.Lock) error {
		s.sweepImports(ctx)
		s.sweepExports(ctx)
		return nil
	})
	if err != nil && err != lock.ErrNotAcquired {
		s.logger.Error("stale-job sweep failed", logger.Error(err))
	}
}

func (s *Sweeper) sweepImports(ctx context.Context) {
	stale, err := s.store.ListStaleImport(ctx, s.cfg.StaleThreshold, s.cfg.StaleLockThreshold)
	if err != nil {
		s.logger.Error("list stale import jobs failed", logger.Error(err))
		return
	}
	for _, job := range stale {
		s.recoverImport(ctx, job)
	}
}

func (s *Sweeper) recoverImport(ctx context.Context, job *jobs.ImportJob) {
	now := time.Now().UTC()
	owner := "unknown"
	if job.LockedBy != nil {
		owner = *job.LockedBy
	}

	if s.cfg.RestartStaleJobs && job.Status == jobs.StatusProcessing {
		msg := "reset to pending after stale-job recovery; previous owner " + owner
		_, err := s.store.TransitionImport(ctx, job.ID, jobs.StatusProcessing, jobs.StatusPending, jobs.ImportUpdates{
			ClearLock:    true,
			ClearStarted: true,
			ErrorMessage: &msg,
		})
		if err != nil {
			s.logger.Error("restart stale import job failed", logger.String("job_id", job.ID.String()), logger.Error(err))
		}
		return
	}

	msg := "marked failed by stale-job recovery; previous owner " + owner
	_, err := s.store.FinalizeImport(ctx, job.ID, jobs.StatusFailed, jobs.ImportUpdates{
		ClearLock:    true,
		CompletedAt:  &now,
		ErrorMessage: &msg,
	})
	if err != nil {
		s.logger.Error("fail stale import job failed", logger.String("job_id", job.ID.String()), logger.Error(err))
	}
}

func (s *Sweeper) sweepExports(ctx context.Context) {
	stale, err := s.store.ListStaleExport(ctx, s.cfg.StaleThreshold, s.cfg.StaleLockThreshold)
	if err != nil {
		s.logger.Error("list stale export jobs failed", logger.Error(err))
		return
	}
	for _, job := range stale {
		s.recoverExport(ctx, job)
	}
}

func (s *Sweeper) recoverExport(ctx context.Context, job *jobs.ExportJob) {
	now := time.Now().UTC()
	owner := "unknown"
	if job.LockedBy != nil {
		owner = *job.LockedBy
	}

	if s.cfg.RestartStaleJobs && job.Status == jobs.StatusProcessing {
		msg := "reset to pending after stale-job recovery; previous owner " + owner
		_, err := s.store.TransitionExport(ctx, job.ID, jobs.StatusProcessing, jobs.StatusPending, jobs.ExportUpdates{
			ClearLock:    true,
			ClearStarted: true,
			ErrorMessage: &msg,
		})
		if err != nil {
			s.logger.Error("restart stale export job failed", logger.String("job_id", job.ID.String()), logger.Error(err))
		}
		return
	}

	msg := "marked failed by stale-job recovery; previous owner " + owner
	_, err := s.store.FinalizeExport(ctx, job.ID, jobs.StatusFailed, jobs.ExportUpdates{
		ClearLock:    true,
		CompletedAt:  &now,
		ErrorMessage: &msg,
	})
	if err != nil {
		s.logger.Error("fail stale export job failed", logger.String("job_id", job.ID.String()), logger.Error(err))
	}
}
