// Package database opens the Postgres connection backing the Job Store,
// retrying transient failures (connection-refused/starting-up during
// container bring-up) via this module's retry.Retry.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/jonesrussell/bulkjobs/internal/platform/config"
	"github.com/jonesrussell/bulkjobs/internal/platform/logger"
	"github.com/jonesrussell/bulkjobs/internal/platform/retry"
)

const pingTimeout = 5 * time.Second

// Open connects to Postgres, retrying transient connection errors, and
// verifies the connection with a ping before returning.
func Open(ctx context.Context, cfg config.DatabaseConfig, log logger.Logger) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	err = retry.Retry(ctx, retry.DefaultConfig(), func() error {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		_ = db.Close()
		log.Error("failed to connect to database after retries", logger.String("host", cfg.Host), logger.Error(err))
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	log.Info("connected to database", logger.String("host", cfg.Host), logger.Int("port", cfg.Port))
	return db, nil
}
