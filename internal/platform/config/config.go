// Package config loads the worker/apiserver configuration from a YAML file
// with environment-variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultServerPort       = 8080
	defaultServerTimeout    = 30
	defaultDatabasePort     = 5432
	defaultMaxOpenConns     = 20
	defaultMaxIdleConns     = 5
	defaultConnMaxLifetime  = 5
	defaultRedisDB          = 0
	defaultWorkerSlots      = 2
	defaultBatchSize        = 1000
	defaultMaxFileSizeMB    = 500
	defaultStaleThresholdMi = 30
	defaultStaleLockMinutes = 10
	defaultLockTTLMinutes   = 5
	defaultPresignHours     = 24
	defaultMetricsPort      = 9090
)

// Config is the top-level configuration for both cmd/apiserver and cmd/worker.
type Config struct {
	Debug    bool           `yaml:"debug"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Storage  StorageConfig  `yaml:"storage"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// ServerConfig controls the HTTP façade.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig controls the Postgres job store connection.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	DBName          string        `yaml:"dbname"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig controls the Lock Manager and job queue connection.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig controls the object storage client used by imports/exports.
type StorageConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

// WorkerConfig controls pipeline tuning knobs shared by import/export.
type WorkerConfig struct {
	Slots              int           `yaml:"slots"`
	BatchSize          int           `yaml:"batch_size"`
	MaxFileSizeMB      int           `yaml:"max_file_size_mb"`
	StaleThreshold     time.Duration `yaml:"stale_threshold"`
	StaleLockThreshold time.Duration `yaml:"stale_lock_threshold"`
	LockTTL            time.Duration `yaml:"lock_ttl"`
	RestartStaleJobs   bool          `yaml:"restart_stale_jobs"`
	PresignExpiry      time.Duration `yaml:"presign_expiry"`
	MetricsPort        int           `yaml:"metrics_port"`
}

// Validate checks required fields are present.
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if c.Server.Port <= 0 {
		return errors.New("server.port is required and must be positive")
	}
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Database.Port <= 0 {
		return errors.New("database.port is required and must be positive")
	}
	if c.Database.User == "" {
		return errors.New("database.user is required")
	}
	if c.Database.DBName == "" {
		return errors.New("database.dbname is required")
	}
	if c.Redis.Address == "" {
		return errors.New("redis.address is required")
	}
	if c.Storage.Bucket == "" {
		return errors.New("storage.bucket is required")
	}
	return nil
}

// SetDefaults fills unset fields with defaults.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultServerPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = defaultServerTimeout * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = defaultServerTimeout * time.Second
	}
	if c.Database.Port == 0 {
		c.Database.Port = defaultDatabasePort
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = defaultMaxOpenConns
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = defaultMaxIdleConns
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = defaultConnMaxLifetime * time.Minute
	}
	if c.Redis.DB == 0 {
		c.Redis.DB = defaultRedisDB
	}
	if c.Worker.Slots == 0 {
		c.Worker.Slots = defaultWorkerSlots
	}
	if c.Worker.BatchSize == 0 {
		c.Worker.BatchSize = defaultBatchSize
	}
	if c.Worker.MaxFileSizeMB == 0 {
		c.Worker.MaxFileSizeMB = defaultMaxFileSizeMB
	}
	if c.Worker.StaleThreshold == 0 {
		c.Worker.StaleThreshold = defaultStaleThresholdMi * time.Minute
	}
	if c.Worker.StaleLockThreshold == 0 {
		c.Worker.StaleLockThreshold = defaultStaleLockMinutes * time.Minute
	}
	if c.Worker.LockTTL == 0 {
		c.Worker.LockTTL = defaultLockTTLMinutes * time.Minute
	}
	if c.Worker.PresignExpiry == 0 {
		c.Worker.PresignExpiry = defaultPresignHours * time.Hour
	}
	if c.Worker.MetricsPort == 0 {
		c.Worker.MetricsPort = defaultMetricsPort
	}
}

// Load reads a YAML config file, applies defaults and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.SetDefaults()
	overrideFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Database.DBName = v
	}
	if v := os.Getenv("DB_SSLMODE"); v != "" {
		cfg.Database.SSLMode = v
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("APP_DEBUG"); v != "" {
		cfg.Debug = parseBool(v)
	}
	if v := os.Getenv("REDIS_ADDRESS"); v != "" {
		cfg.Redis.Address = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("STORAGE_BUCKET"); v != "" {
		cfg.Storage.Bucket = v
	}
	if v := os.Getenv("STORAGE_ENDPOINT"); v != "" {
		cfg.Storage.Endpoint = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Storage.AccessKeyID = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Storage.SecretAccessKey = v
	}
	if v := os.Getenv("RESTART_STALE_JOBS"); v != "" {
		cfg.Worker.RestartStaleJobs = parseBool(v)
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Worker.MetricsPort = port
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}
