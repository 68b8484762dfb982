package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"reforge/internal/common/db"
	"reforge/internal/event"
	"reforge/pkg/utils/logger"
)

const (
	defaultSweepInterval = 5 * time.Minute
	defaultSessionMaxAge = 30 * time.Minute
)

// SweepConfig holds sweep cadence settings.
type SweepConfig struct {
	Interval      time.Duration `yaml:"interval"`
	SessionMaxAge time.Duration `yaml:"sessionMaxAge"`
}

// ContentConfig holds lesson pack settings.
type ContentConfig struct {
	LessonPack string `yaml:"lessonPack"`
}

// AppConfig holds sweeper config.
type AppConfig struct {
	Logger   logger.Config     `yaml:"logger"`
	Database db.MySQLConfig    `yaml:"database"`
	Kafka    event.KafkaConfig `yaml:"kafka"`
	Sweep    SweepConfig       `yaml:"sweep"`
	Content  ContentConfig     `yaml:"content"`
}

func loadAppConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file failed: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file failed: %w", err)
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Content.LessonPack == "" {
		return nil, fmt.Errorf("content lesson pack path is required")
	}
	if cfg.Sweep.Interval == 0 {
		cfg.Sweep.Interval = defaultSweepInterval
	}
	if cfg.Sweep.SessionMaxAge == 0 {
		cfg.Sweep.SessionMaxAge = defaultSessionMaxAge
	}
	return &cfg, nil
}
