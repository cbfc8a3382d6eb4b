// Command apiserver runs the HTTP façade: submit/inspect import and export
// jobs, enqueueing work for cmd/worker to pick up. Startup/shutdown follows
// a flag-parse -> config -> logger -> dependencies -> server -> signal-wait
// -> graceful-shutdown sequence.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/bulkjobs/internal/httpapi"
	"github.com/jonesrussell/bulkjobs/internal/jobs"
	"github.com/jonesrussell/bulkjobs/internal/metrics"
	"github.com/jonesrussell/bulkjobs/internal/objectstorage"
	"github.com/jonesrussell/bulkjobs/internal/platform/config"
	"github.com/jonesrussell/bulkjobs/internal/platform/database"
	"github.com/jonesrussell/bulkjobs/internal/platform/logger"
	"github.com/jonesrussell/bulkjobs/internal/queue"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

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
	log = log.With(logger.String("service", "bulkjobs-apiserver"), logger.String("version", version))
	defer func() { _ = log.Sync() }()

	ctx := context.Background()

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

	q, err := queue.New(ctx, redisClient, "apiserver", log)
	if err != nil {
		log.Error("failed to initialize queue", logger.Error(err))
		os.Exit(1)
	}

	store := jobs.NewStore(db, log)
	rec := metrics.New()
	handler := httpapi.NewHandler(store, q, storage, log)
	router := httpapi.NewRouter(handler, rec, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("starting http server", logger.String("host", cfg.Server.Host), logger.Int("port", cfg.Server.Port))
		if serveErr := srv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			log.Error("http server failed", logger.Error(serveErr))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error("server forced to shutdown", logger.Error(shutdownErr))
	}
	log.Info("server exited")
}
