// Command worker is the process that reads JobData envelopes off the
// queue and drives them through the import/export orchestrators, with a
// background stale-job recovery sweep. Graceful shutdown on SIGINT/SIGTERM
// uses the standard signal-channel pattern.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/bulkjobs/internal/exportpipeline"
	"github.com/jonesrussell/bulkjobs/internal/jobs"
	"github.com/jonesrussell/bulkjobs/internal/lock"
	"github.com/jonesrussell/bulkjobs/internal/metrics"
	"github.com/jonesrussell/bulkjobs/internal/objectstorage"
	"github.com/jonesrussell/bulkjobs/internal/orchestrator"
	"github.com/jonesrussell/bulkjobs/internal/platform/config"
	"github.com/jonesrussell/bulkjobs/internal/platform/database"
	"github.com/jonesrussell/bulkjobs/internal/platform/logger"
	"github.com/jonesrussell/bulkjobs/internal/queue"
	"github.com/jonesrussell/bulkjobs/internal/staleness"
	"github.com/jonesrussell/bulkjobs/internal/upsert"
)

var version = "dev"

const (
	readCount           = 10
	readBlock           = 5 * time.Second
	metricsReadTimeout  = 5 * time.Second
	metricsWriteTimeout = 10 * time.Second
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		tmpLog, _ := logger.New(logger.Config{Development: true})
		tmpLog.Error("failed to load config", logger.String("config_path", configPath), logger.Error(err))
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Development: cfg.Debug})
	if err != nil {
		os.Exit(1)
	}
	log = log.With(logger.String("service", "bulkjobs-worker"), logger.String("version", version))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := database.Open(ctx, cfg.Database, log)
	if err != nil {
		log.Error("failed to connect to database", logger.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	storage, err := objectstorage.New(ctx, cfg.Storage)
	if err != nil {
		log.Error("failed to initialize object storage", logger.Error(err))
		os.Exit(1)
	}

	store := jobs.NewStore(db, log)
	locks := lock.NewManager(redisClient, log)
	upsertEngine := upsert.NewEngine(db, log)
	rec := metrics.New()

	q, err := queue.New(ctx, redisClient, "", log)
	if err != nil {
		log.Error("failed to initialize queue", logger.Error(err))
		os.Exit(1)
	}

	importOrch := orchestrator.NewImportOrchestrator(locks, store, storage, upsertEngine, log, cfg.Worker.BatchSize, cfg.Worker.LockTTL)
	exportOrch := buildExportOrchestrator(db, storage, locks, store, log, cfg)

	metricsSrv := newMetricsServer(cfg.Worker.MetricsPort, rec)
	go func() {
		log.Info("starting metrics server", logger.Int("port", cfg.Worker.MetricsPort))
		if serveErr := metricsSrv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			log.Error("metrics server failed", logger.Error(serveErr))
		}
	}()

	sweeper := staleness.New(store, locks, log, staleness.Config{
		StaleThreshold:     cfg.Worker.StaleThreshold,
		StaleLockThreshold: cfg.Worker.StaleLockThreshold,
		RestartStaleJobs:   cfg.Worker.RestartStaleJobs,
	})
	sweeper.Start(ctx)
	defer sweeper.Stop()

	var wg sync.WaitGroup
	for i := 0; i < maxInt(cfg.Worker.Slots, 1); i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			runSlot(ctx, slot, q, importOrch, exportOrch, rec, log)
		}(i)
	}

	log.Info("worker started", logger.Int("slots", cfg.Worker.Slots))
	<-ctx.Done()
	log.Info("shutting down worker")
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), metricsWriteTimeout)
	defer shutdownCancel()
	if shutdownErr := metricsSrv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error("metrics server forced to shutdown", logger.Error(shutdownErr))
	}

	log.Info("worker exited")
}

// newMetricsServer serves /metrics (Prometheus), /health, and /health/live
// on the worker process, independent of the per-job JSON metrics blob.
func newMetricsServer(port int, rec *metrics.Recorder) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rec.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  metricsReadTimeout,
		WriteTimeout: metricsWriteTimeout,
	}
}

// runSlot is one concurrent reader: pull a batch of deliveries, run each
// job's orchestrator, ack on success. A job whose orchestrator returns an
// error is left un-acked and stays in the consumer group's pending list;
// queue.Read only fetches new entries, so the job is not re-delivered.
func runSlot(ctx context.Context, slot int, q *queue.Queue, importOrch *orchestrator.ImportOrchestrator, exportOrch *orchestrator.ExportOrchestrator, rec *metrics.Recorder, log logger.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		deliveries, err := q.Read(ctx, readCount, readBlock)
		if err != nil {
			log.Warn("queue read failed", logger.Int("slot", slot), logger.Error(err))
			continue
		}

		for _, d := range deliveries {
			start := time.Now()
			var runErr error
			switch d.Data.Kind {
			case jobs.JobKindImport:
				rec.JobStarted(d.Data.Kind, d.Data.ResourceType)
				runErr = importOrch.Run(ctx, d.Data)
			case jobs.JobKindExport:
				rec.JobStarted(d.Data.Kind, d.Data.ResourceType)
				runErr = exportOrch.Run(ctx, d.Data)
			default:
				log.Warn("dropping delivery with unknown job kind", logger.String("job_id", d.Data.JobID.String()))
				_ = q.Ack(ctx, d.ID)
				continue
			}

			if runErr != nil {
				log.Error("job run failed", logger.String("job_id", d.Data.JobID.String()), logger.Error(runErr))
				rec.JobFinished(d.Data.Kind, d.Data.ResourceType, jobs.StatusFailed, time.Since(start).Milliseconds())
				continue
			}
			rec.JobFinished(d.Data.Kind, d.Data.ResourceType, jobs.StatusCompleted, time.Since(start).Milliseconds())
			if ackErr := q.Ack(ctx, d.ID); ackErr != nil {
				log.Warn("ack failed", logger.String("job_id", d.Data.JobID.String()), logger.Error(ackErr))
			}
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// buildExportOrchestrator wires the Export Query & Encoder runner into an
// ExportOrchestrator, sharing the same DB handle, storage adapter, and lock
// manager as the import side.
func buildExportOrchestrator(db *sql.DB, storage *objectstorage.Store, locks *lock.Manager, store *jobs.Store, log logger.Logger, cfg *config.Config) *orchestrator.ExportOrchestrator {
	runner := exportpipeline.NewRunner(db, storage, log, cfg.Worker.BatchSize)
	return orchestrator.NewExportOrchestrator(locks, store, storage, runner, log, cfg.Worker.LockTTL)
}
