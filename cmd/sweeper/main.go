package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	arenarepo "reforge/internal/arena/repository"
	"reforge/internal/common/db"
	"reforge/internal/content"
	"reforge/internal/event"
	"reforge/internal/progression"
	sweepersvc "reforge/internal/sweeper/service"
	"reforge/pkg/utils/logger"
)

const (
	defaultConfigPath = "configs/sweeper.yaml"
	configPathEnv     = "REFORGE_SWEEPER_CONFIG"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()
	path := *configPath
	if env := os.Getenv(configPathEnv); env != "" && path == defaultConfigPath {
		path = env
	}

	appCfg, err := loadAppConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		logger.Error(context.Background(), "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	lessons, err := content.LoadLessons(appCfg.Content.LessonPack)
	if err != nil {
		logger.Error(context.Background(), "load lesson pack failed", zap.Error(err))
		return
	}

	publisher, err := event.NewKafkaPublisher(appCfg.Kafka)
	if err != nil {
		logger.Error(context.Background(), "init kafka publisher failed", zap.Error(err))
		return
	}
	defer func() {
		_ = publisher.Close()
	}()

	progressionSvc, err := progression.NewService(progression.Config{
		Repo:    progression.NewRepository(mysqlDB),
		Content: lessons,
	})
	if err != nil {
		logger.Error(context.Background(), "init progression service failed", zap.Error(err))
		return
	}

	sweeper, err := sweepersvc.NewService(sweepersvc.Config{
		Progression:   progressionSvc,
		Events:        publisher,
		Sessions:      arenarepo.NewSessionRepository(mysqlDB),
		Interval:      appCfg.Sweep.Interval,
		SessionMaxAge: appCfg.Sweep.SessionMaxAge,
	})
	if err != nil {
		logger.Error(context.Background(), "init sweeper failed", zap.Error(err))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper.Start(ctx)
	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received")
	sweeper.Stop()
}
