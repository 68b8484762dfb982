package submission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reforge/internal/content"
	"reforge/internal/queue"
	apperrors "reforge/pkg/errors"
	"reforge/pkg/utils/logger"
)

// AttemptGate decides whether a (user, track, day) attempt is currently
// allowed. Implemented by the progression service.
type AttemptGate interface {
	CanAttempt(ctx context.Context, userID, track string, day int) error
}

// Config holds submission service dependencies and settings.
type Config struct {
	Repo    Repository
	Queue   queue.Queue
	Content content.Store
	Gate    AttemptGate

	MaxCodeBytes int
	DBTimeout    time.Duration
}

// Service handles submission intake, lookup, and admin reruns.
type Service struct {
	repo    Repository
	queue   queue.Queue
	content content.Store
	gate    AttemptGate

	maxCodeBytes int
	dbTimeout    time.Duration
}

// NewService creates the submission service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Repo == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("job queue is required")
	}
	if cfg.Content == nil {
		return nil, fmt.Errorf("content store is required")
	}
	if cfg.Gate == nil {
		return nil, fmt.Errorf("attempt gate is required")
	}
	if cfg.MaxCodeBytes <= 0 {
		cfg.MaxCodeBytes = MaxCodeBytes
	}
	if cfg.DBTimeout <= 0 {
		cfg.DBTimeout = 5 * time.Second
	}
	return &Service{
		repo:         cfg.Repo,
		queue:        cfg.Queue,
		content:      cfg.Content,
		gate:         cfg.Gate,
		maxCodeBytes: cfg.MaxCodeBytes,
		dbTimeout:    cfg.DBTimeout,
	}, nil
}

// CreateInput describes a submission request from the API layer.
type CreateInput struct {
	UserID string
	Track  string
	Day    int
	Code   string

	// Anti-cheat telemetry forwarded from the client, stored as-is.
	Verified            bool
	VerificationWarning string
}

// Create validates the attempt, snapshots the lesson's test suite, stores
// the submission, and enqueues a grading job.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Submission, error) {
	if in.UserID == "" || in.Track == "" {
		return nil, apperrors.Newf(apperrors.RequiredFieldEmpty, "userId and track are required")
	}
	if strings.TrimSpace(in.Code) == "" {
		return nil, apperrors.Newf(apperrors.RequiredFieldEmpty, "code is required")
	}
	if len(in.Code) > s.maxCodeBytes {
		return nil, apperrors.Newf(apperrors.CodeTooLarge, "code is %d bytes, limit %d", len(in.Code), s.maxCodeBytes)
	}
	if in.Day < 1 {
		return nil, apperrors.Newf(apperrors.DayOutOfRange, "day %d", in.Day)
	}

	if err := s.gate.CanAttempt(ctx, in.UserID, in.Track, in.Day); err != nil {
		return nil, err
	}

	lesson, err := s.content.GetLesson(ctx, in.Track, in.Day)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	jobID := "submission-" + id
	sub := &Submission{
		ID:                  id,
		UserID:              in.UserID,
		Track:               in.Track,
		Day:                 in.Day,
		Code:                in.Code,
		Status:              StatusPending,
		JobID:               jobID,
		Verified:            in.Verified,
		VerificationWarning: in.VerificationWarning,
	}

	dbCtx, cancel := context.WithTimeout(ctx, s.dbTimeout)
	defer cancel()
	if err := s.repo.Create(dbCtx, nil, sub); err != nil {
		return nil, err
	}

	job := &queue.Job{
		SubmissionID: id,
		UserID:       in.UserID,
		Track:        in.Track,
		Day:          in.Day,
		Code:         in.Code,
		Suite:        lesson.Suite,
		DedupKey:     jobID,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		logger.Error(ctx, "enqueue grading job failed",
			zap.String("submission_id", id), zap.Error(err))
		return nil, err
	}

	logger.Info(ctx, "submission created",
		zap.String("submission_id", id),
		zap.String("track", in.Track),
		zap.Int("day", in.Day))
	return sub, nil
}

// Get returns one submission with hidden-test detail stripped.
func (s *Service) Get(ctx context.Context, id string) (*Submission, error) {
	sub, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return sanitize(sub), nil
}

// History returns a user's attempts for a track, most recent first. Source
// code is elided from listings.
func (s *Service) History(ctx context.Context, userID, track string, opts HistoryOptions) ([]*Submission, error) {
	subs, err := s.repo.History(ctx, userID, track, opts)
	if err != nil {
		return nil, err
	}
	for i, sub := range subs {
		clean := sanitize(sub)
		clean.Code = ""
		subs[i] = clean
	}
	return subs, nil
}

// Rerun resets a terminal submission to pending and enqueues a fresh job
// under a new dedup key. Admin-only at the API layer.
func (s *Service) Rerun(ctx context.Context, id, adminID string) (*Submission, error) {
	sub, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sub.Status.Terminal() {
		return nil, apperrors.Newf(apperrors.SubmissionNotRerunnable, "submission %s is %s", id, sub.Status)
	}

	lesson, err := s.content.GetLesson(ctx, sub.Track, sub.Day)
	if err != nil {
		return nil, err
	}

	newJobID := fmt.Sprintf("rerun-%s-%d", id, time.Now().UnixNano())
	applied, err := s.repo.ResetForRerun(ctx, id, newJobID)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, apperrors.Newf(apperrors.SubmissionNotRerunnable, "submission %s changed state concurrently", id)
	}

	job := &queue.Job{
		SubmissionID: sub.ID,
		UserID:       sub.UserID,
		Track:        sub.Track,
		Day:          sub.Day,
		Code:         sub.Code,
		Suite:        lesson.Suite,
		Rerun:        true,
		DedupKey:     newJobID,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return nil, err
	}

	logger.Info(ctx, "submission rerun requested",
		zap.String("submission_id", id),
		zap.String("admin_id", adminID))

	sub.Status = StatusPending
	sub.Result = nil
	sub.FinishedAt = nil
	sub.JobID = newJobID
	return sub, nil
}

func sanitize(sub *Submission) *Submission {
	if sub == nil || sub.Result == nil {
		return sub
	}
	clean := *sub
	clean.Result = sub.Result.Sanitized()
	return &clean
}
