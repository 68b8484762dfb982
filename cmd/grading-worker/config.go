package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"reforge/internal/common/cache"
	"reforge/internal/common/db"
	"reforge/internal/common/storage"
	"reforge/internal/event"
	"reforge/internal/grading/backend"
	"reforge/pkg/utils/logger"
)

const defaultLessonCacheTTL = time.Hour

// WorkerConfig holds worker pool settings.
type WorkerConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	JobTimeout     time.Duration `yaml:"jobTimeout"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	RetryBaseDelay time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay  time.Duration `yaml:"retryMaxDelay"`
	WindowLimit    int           `yaml:"windowLimit"`
	Window         time.Duration `yaml:"window"`
}

// ArchiveConfig holds result archive settings.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
}

// ContentConfig holds lesson pack settings.
type ContentConfig struct {
	LessonPack string        `yaml:"lessonPack"`
	CacheTTL   time.Duration `yaml:"cacheTTL"`
}

// AppConfig holds grading-worker config.
type AppConfig struct {
	Logger   logger.Config       `yaml:"logger"`
	Database db.MySQLConfig      `yaml:"database"`
	Redis    cache.RedisConfig   `yaml:"redis"`
	MinIO    storage.MinIOConfig `yaml:"minio"`
	Kafka    event.KafkaConfig   `yaml:"kafka"`
	Backend  backend.Config      `yaml:"backend"`
	Worker   WorkerConfig        `yaml:"worker"`
	Archive  ArchiveConfig       `yaml:"archive"`
	Content  ContentConfig       `yaml:"content"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	applyRedisDefaults(&cfg.Redis)
	if cfg.Content.LessonPack == "" {
		return nil, fmt.Errorf("content lesson pack path is required")
	}
	if cfg.Content.CacheTTL == 0 {
		cfg.Content.CacheTTL = defaultLessonCacheTTL
	}
	if cfg.Backend.Mode == "" {
		cfg.Backend.Mode = backend.ModeMock
	}
	if cfg.Archive.Enabled && cfg.Archive.Bucket == "" {
		cfg.Archive.Bucket = cfg.MinIO.Bucket
	}
	return &cfg, nil
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	if cfg == nil {
		return
	}
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}
