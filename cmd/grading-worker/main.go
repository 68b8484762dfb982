package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"reforge/internal/common/cache"
	"reforge/internal/common/db"
	"reforge/internal/common/storage"
	"reforge/internal/content"
	"reforge/internal/event"
	"reforge/internal/grading/backend"
	gradingsvc "reforge/internal/grading/service"
	"reforge/internal/progression"
	"reforge/internal/queue"
	"reforge/internal/submission"
	"reforge/pkg/utils/logger"
)

const (
	defaultConfigPath = "configs/grading_worker.yaml"
	configPathEnv     = "REFORGE_WORKER_CONFIG"
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

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(context.Background(), "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	lessons, err := content.LoadLessons(appCfg.Content.LessonPack)
	if err != nil {
		logger.Error(context.Background(), "load lesson pack failed", zap.Error(err))
		return
	}
	contentStore := content.NewCachedStore(lessons, redisCache, appCfg.Content.CacheTTL)

	publisher, err := event.NewKafkaPublisher(appCfg.Kafka)
	if err != nil {
		logger.Error(context.Background(), "init kafka publisher failed", zap.Error(err))
		return
	}
	defer func() {
		_ = publisher.Close()
	}()

	var archive storage.ObjectStorage
	if appCfg.Archive.Enabled {
		minioStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			logger.Error(context.Background(), "init minio failed", zap.Error(err))
			return
		}
		archive = minioStorage
	}

	execBackend, err := backend.New(appCfg.Backend)
	if err != nil {
		logger.Error(context.Background(), "init execution backend failed", zap.Error(err))
		return
	}

	jobQueue := queue.NewRedisQueue(redisCache.Client())
	submissionRepo := submission.NewRepository(mysqlDB)
	progressionRepo := progression.NewRepository(mysqlDB)

	progressionSvc, err := progression.NewService(progression.Config{
		Repo:    progressionRepo,
		Content: contentStore,
	})
	if err != nil {
		logger.Error(context.Background(), "init progression service failed", zap.Error(err))
		return
	}

	workerSvc, err := gradingsvc.NewService(gradingsvc.Config{
		Queue:          jobQueue,
		Backend:        execBackend,
		Submissions:    submissionRepo,
		Progression:    progressionSvc,
		Events:         publisher,
		Archive:        archive,
		ArchiveBucket:  appCfg.Archive.Bucket,
		Concurrency:    appCfg.Worker.Concurrency,
		JobTimeout:     appCfg.Worker.JobTimeout,
		MaxAttempts:    appCfg.Worker.MaxAttempts,
		RetryBaseDelay: appCfg.Worker.RetryBaseDelay,
		RetryMaxDelay:  appCfg.Worker.RetryMaxDelay,
		WindowLimit:    appCfg.Worker.WindowLimit,
		Window:         appCfg.Worker.Window,
	})
	if err != nil {
		logger.Error(context.Background(), "init grading service failed", zap.Error(err))
		return
	}

	workerSvc.Start()
	logger.Info(context.Background(), "grading worker started",
		zap.String("backend", string(appCfg.Backend.Mode)))

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-shutdownCtx.Done()
	logger.Info(context.Background(), "shutdown signal received")

	workerSvc.Stop()
	_ = jobQueue.Close()
}
