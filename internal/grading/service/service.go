package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"reforge/internal/common/storage"
	"reforge/internal/event"
	"reforge/internal/grading/backend"
	"reforge/internal/grading/result"
	"reforge/internal/progression"
	"reforge/internal/queue"
	"reforge/internal/submission"
	apperrors "reforge/pkg/errors"
	"reforge/pkg/utils/logger"
)

const (
	defaultConcurrency    = 4
	defaultJobTimeout     = 60 * time.Second
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 2 * time.Second
	defaultRetryMaxDelay  = time.Minute
	defaultWindowLimit    = 100
	defaultWindow         = time.Second

	archiveContentType = "application/zstd"
)

// ProgressionRecorder folds graded outcomes into the advancement state
// machine.
type ProgressionRecorder interface {
	RecordOutcome(ctx context.Context, userID, track string, day int, passed bool) (*progression.Outcome, error)
}

// Config configures the grading worker pool.
type Config struct {
	Queue       queue.Queue
	Backend     backend.Backend
	Submissions submission.Repository
	Progression ProgressionRecorder
	Events      event.Publisher

	// Archive is optional; when set, every applied result is compressed
	// and kept for later inspection.
	Archive       storage.ObjectStorage
	ArchiveBucket string

	Concurrency int
	JobTimeout  time.Duration

	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// WindowLimit jobs may start per Window across the whole pool.
	WindowLimit int
	Window      time.Duration
}

// Service drains the grading queue with a bounded worker pool, executes
// each job on the configured backend and applies the outcome exactly once.
type Service struct {
	queue       queue.Queue
	backend     backend.Backend
	submissions submission.Repository
	progression ProgressionRecorder
	events      event.Publisher

	archive       storage.ObjectStorage
	archiveBucket string
	encoder       *zstd.Encoder

	concurrency    int
	jobTimeout     time.Duration
	maxAttempts    int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration

	limiter *rateLimiter

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewService creates the grading worker service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Queue == nil {
		return nil, apperrors.Newf(apperrors.InvalidParams, "queue is required")
	}
	if cfg.Backend == nil {
		return nil, apperrors.Newf(apperrors.InvalidParams, "execution backend is required")
	}
	if cfg.Submissions == nil {
		return nil, apperrors.Newf(apperrors.InvalidParams, "submission repository is required")
	}
	if cfg.Progression == nil {
		return nil, apperrors.Newf(apperrors.InvalidParams, "progression recorder is required")
	}
	if cfg.Events == nil {
		cfg.Events = event.NopPublisher{}
	}
	if cfg.Archive != nil && cfg.ArchiveBucket == "" {
		return nil, apperrors.Newf(apperrors.InvalidParams, "archive bucket is required when archiving is enabled")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = defaultRetryMaxDelay
	}
	if cfg.WindowLimit <= 0 {
		cfg.WindowLimit = defaultWindowLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}

	var encoder *zstd.Encoder
	if cfg.Archive != nil {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, apperrors.Wrapf(err, apperrors.InternalError, "init zstd encoder")
		}
		encoder = enc
	}

	return &Service{
		queue:          cfg.Queue,
		backend:        cfg.Backend,
		submissions:    cfg.Submissions,
		progression:    cfg.Progression,
		events:         cfg.Events,
		archive:        cfg.Archive,
		archiveBucket:  cfg.ArchiveBucket,
		encoder:        encoder,
		concurrency:    cfg.Concurrency,
		jobTimeout:     cfg.JobTimeout,
		maxAttempts:    cfg.MaxAttempts,
		retryBaseDelay: cfg.RetryBaseDelay,
		retryMaxDelay:  cfg.RetryMaxDelay,
		limiter:        newRateLimiter(cfg.WindowLimit, cfg.Window),
	}, nil
}

// Start launches the worker pool.
func (s *Service) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	for i := 0; i < s.concurrency; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	logger.Info(ctx, "grading workers started", zap.Int("concurrency", s.concurrency))
}

// Stop drains the pool and waits for in-flight jobs to finish.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.limiter.Close()
	if s.encoder != nil {
		s.encoder.Close()
	}
}

func (s *Service) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	for {
		if err := s.limiter.Acquire(ctx); err != nil {
			return
		}
		job, err := s.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || apperrors.GetCode(err) == apperrors.QueueClosed {
				return
			}
			logger.Error(ctx, "dequeue failed", zap.Int("worker", id), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		s.Process(ctx, job)
	}
}

// Process grades one job end to end. It never panics: any fault ends in a
// terminal submission status so a bad job cannot wedge a worker.
func (s *Service) Process(ctx context.Context, job *queue.Job) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "grading job panicked",
				zap.String("submission_id", job.SubmissionID),
				zap.Any("panic", r))
			s.finish(ctx, job, submission.StatusError, result.ErrorResult("internal grading error"))
		}
	}()

	claimed, err := s.submissions.MarkRunning(ctx, job.SubmissionID)
	if err != nil {
		logger.Error(ctx, "claim submission failed",
			zap.String("submission_id", job.SubmissionID), zap.Error(err))
		s.retryOrFail(ctx, job, err)
		return
	}
	if !claimed {
		// terminal or missing; drop the replayed delivery
		logger.Warn(ctx, "submission not claimable, dropping job",
			zap.String("submission_id", job.SubmissionID),
			zap.Int("attempt", job.Attempt))
		if err := s.queue.Release(ctx, job.DedupKey); err != nil {
			logger.Warnf(ctx, "release dedup key %s: %v", job.DedupKey, err)
		}
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	res, err := s.backend.Execute(runCtx, backend.Request{
		Track:     job.Track,
		Code:      job.Code,
		Tests:     job.Suite.Cases,
		Operation: backend.OpTest,
	})
	cancel()
	if err != nil {
		s.retryOrFail(ctx, job, err)
		return
	}

	status := submission.StatusFailed
	switch {
	case res.Error != "":
		status = submission.StatusError
	case res.Passed:
		status = submission.StatusCompleted
	}
	s.finish(ctx, job, status, res)
}

// retryOrFail requeues retryable faults with exponential backoff and turns
// everything else (or an exhausted budget) into a terminal error status.
func (s *Service) retryOrFail(ctx context.Context, job *queue.Job, cause error) {
	if apperrors.IsRetryable(cause) && job.Attempt < s.maxAttempts {
		retry := *job
		retry.Attempt = job.Attempt + 1
		delay := backoffDelay(job.Attempt, s.retryBaseDelay, s.retryMaxDelay)
		if err := s.queue.EnqueueDelayed(ctx, &retry, delay); err == nil {
			logger.Warn(ctx, "grading attempt failed, requeued",
				zap.String("submission_id", job.SubmissionID),
				zap.Int("attempt", job.Attempt),
				zap.Duration("delay", delay),
				zap.Error(cause))
			return
		}
		logger.Error(ctx, "requeue failed, finalizing as error",
			zap.String("submission_id", job.SubmissionID), zap.Error(cause))
	}

	logger.Error(ctx, "grading job failed terminally",
		zap.String("submission_id", job.SubmissionID),
		zap.Int("attempt", job.Attempt),
		zap.Error(cause))
	s.finish(ctx, job, submission.StatusError, result.ErrorResult(publicMessage(cause)))
}

// finish applies the outcome exactly once. Side effects (archive,
// progression, events, dedup release) only run when this delivery won the
// apply; a replayed delivery sees applied=false and stops.
func (s *Service) finish(ctx context.Context, job *queue.Job, status submission.Status, res *result.GradingResult) {
	applied, err := s.submissions.ApplyOutcome(ctx, job.SubmissionID, status, res, time.Now().UTC())
	if err != nil {
		logger.Error(ctx, "apply outcome failed",
			zap.String("submission_id", job.SubmissionID), zap.Error(err))
		return
	}
	if !applied {
		logger.Warn(ctx, "outcome already applied, skipping side effects",
			zap.String("submission_id", job.SubmissionID))
		if err := s.queue.Release(ctx, job.DedupKey); err != nil {
			logger.Warnf(ctx, "release dedup key %s: %v", job.DedupKey, err)
		}
		return
	}

	s.archiveResult(ctx, job, res)

	passed := status == submission.StatusCompleted
	evt := event.OutcomeEvent{
		SubmissionID: job.SubmissionID,
		UserID:       job.UserID,
		Track:        job.Track,
		Day:          job.Day,
		Passed:       passed,
		PassedCount:  res.Summary.PassedCount,
		Total:        res.Summary.Total,
		OccurredAt:   time.Now().UTC(),
	}
	if status != submission.StatusError {
		outcome, err := s.progression.RecordOutcome(ctx, job.UserID, job.Track, job.Day, passed)
		if err != nil {
			logger.Error(ctx, "record progression outcome failed",
				zap.String("submission_id", job.SubmissionID),
				zap.String("user_id", job.UserID),
				zap.Error(err))
		} else if outcome.Advanced {
			evt.NewDay = outcome.NewDay
			evt.Completed = outcome.Completed
		}
	}

	if err := s.events.PublishOutcome(ctx, evt); err != nil {
		logger.Error(ctx, "publish outcome event failed",
			zap.String("submission_id", job.SubmissionID), zap.Error(err))
	}
	if err := s.queue.Release(ctx, job.DedupKey); err != nil {
		logger.Warnf(ctx, "release dedup key %s: %v", job.DedupKey, err)
	}

	logger.Info(ctx, "grading finished",
		zap.String("submission_id", job.SubmissionID),
		zap.String("status", string(status)),
		zap.Int("passed", res.Summary.PassedCount),
		zap.Int("total", res.Summary.Total))
}

// archiveResult keeps the full result, hidden output included, compressed
// in object storage. Best effort: an archive fault never blocks grading.
func (s *Service) archiveResult(ctx context.Context, job *queue.Job, res *result.GradingResult) {
	if s.archive == nil {
		return
	}
	payload, err := json.Marshal(res)
	if err != nil {
		logger.Warnf(ctx, "marshal archive payload for %s: %v", job.SubmissionID, err)
		return
	}
	compressed := s.encoder.EncodeAll(payload, nil)
	key := fmt.Sprintf("results/%s/%s.json.zst", job.Track, job.SubmissionID)
	err = s.archive.PutObject(ctx, s.archiveBucket, key,
		bytes.NewReader(compressed), int64(len(compressed)), archiveContentType)
	if err != nil {
		logger.Warn(ctx, "archive result failed",
			zap.String("submission_id", job.SubmissionID),
			zap.String("key", key),
			zap.Error(err))
	}
}

func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// publicMessage maps an internal fault to the message stored on the
// user-visible result.
func publicMessage(err error) string {
	switch apperrors.GetCode(err) {
	case apperrors.ExecutionTimeout:
		return "execution timed out"
	case apperrors.MemoryLimitExceeded:
		return "memory limit exceeded"
	case apperrors.BackendUnavailable, apperrors.SandboxCrashed, apperrors.ExecutionFailed:
		return "execution environment failure"
	case apperrors.ParseFailed, apperrors.NoTestResults, apperrors.TruncatedStream, apperrors.MalformedFrame:
		return "could not read grading output"
	default:
		return "internal grading error"
	}
}
