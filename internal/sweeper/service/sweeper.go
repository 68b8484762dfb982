package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"reforge/internal/event"
	"reforge/internal/progression"
	apperrors "reforge/pkg/errors"
	"reforge/pkg/utils/logger"
)

const (
	defaultInterval      = 5 * time.Minute
	defaultSessionMaxAge = 30 * time.Minute
)

// ProgressionStore is the slice of the progression service the sweeper
// needs.
type ProgressionStore interface {
	ListActive(ctx context.Context) ([]*progression.Record, error)
	ApplyRollback(ctx context.Context, userID, track string) (from, to int, err error)
}

// SessionExpirer retires stale real-time challenge sessions.
type SessionExpirer interface {
	ExpireStale(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Config configures the rollback sweeper.
type Config struct {
	Progression ProgressionStore
	Events      event.Publisher

	// Sessions is optional; when set each sweep also expires abandoned
	// challenge sessions.
	Sessions SessionExpirer

	Interval      time.Duration
	SessionMaxAge time.Duration
}

// Stats summarizes one sweep.
type Stats struct {
	Processed       int
	Rollbacks       int
	Skipped         int
	Errors          int
	SessionsExpired int64
}

// Service periodically rolls back users whose recovery window expired or
// who went silent. One sweep runs at a time; an overlapping trigger is
// skipped, not queued.
type Service struct {
	progression ProgressionStore
	events      event.Publisher
	sessions    SessionExpirer

	interval      time.Duration
	sessionMaxAge time.Duration

	running atomic.Bool
	stop    chan struct{}
	done    sync.WaitGroup
}

// NewService creates the sweeper.
func NewService(cfg Config) (*Service, error) {
	if cfg.Progression == nil {
		return nil, apperrors.Newf(apperrors.InvalidParams, "progression store is required")
	}
	if cfg.Events == nil {
		cfg.Events = event.NopPublisher{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.SessionMaxAge <= 0 {
		cfg.SessionMaxAge = defaultSessionMaxAge
	}
	return &Service{
		progression:   cfg.Progression,
		events:        cfg.Events,
		sessions:      cfg.Sessions,
		interval:      cfg.Interval,
		sessionMaxAge: cfg.SessionMaxAge,
		stop:          make(chan struct{}),
	}, nil
}

// Start runs sweeps on a fixed ticker until Stop.
func (s *Service) Start(ctx context.Context) {
	s.done.Add(1)
	go func() {
		defer s.done.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.RunOnce(ctx); err != nil {
					if apperrors.GetCode(err) == apperrors.SweepInProgress {
						continue
					}
					logger.Error(ctx, "sweep failed", zap.Error(err))
				}
			}
		}
	}()
	logger.Info(ctx, "sweeper started", zap.Duration("interval", s.interval))
}

// Stop halts the ticker and waits for a running sweep to finish.
func (s *Service) Stop() {
	close(s.stop)
	s.done.Wait()
}

// RunOnce performs a single sweep. Per-record faults are counted and
// logged; only a failure to list the records aborts the sweep.
func (s *Service) RunOnce(ctx context.Context) (*Stats, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, apperrors.Newf(apperrors.SweepInProgress, "previous sweep still running")
	}
	defer s.running.Store(false)

	stats := &Stats{}
	started := time.Now()

	if s.sessions != nil {
		expired, err := s.sessions.ExpireStale(ctx, s.sessionMaxAge)
		if err != nil {
			stats.Errors++
			logger.Error(ctx, "expire stale sessions failed", zap.Error(err))
		} else {
			stats.SessionsExpired = expired
		}
	}

	records, err := s.progression.ListActive(ctx)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.DatabaseError, "list active progression")
	}

	now := time.Now()
	for _, rec := range records {
		stats.Processed++
		if rec.AdminOverride {
			stats.Skipped++
			continue
		}
		reason := expiryReason(rec, now)
		if reason == "" {
			continue
		}
		rolled, err := s.rollBack(ctx, rec, reason)
		if err != nil {
			stats.Errors++
			logger.Error(ctx, "rollback failed",
				zap.String("user_id", rec.UserID),
				zap.String("track", rec.Track),
				zap.String("reason", reason),
				zap.Error(err))
			continue
		}
		if rolled {
			stats.Rollbacks++
		}
	}

	logger.Info(ctx, "sweep finished",
		zap.Int("processed", stats.Processed),
		zap.Int("rollbacks", stats.Rollbacks),
		zap.Int("skipped", stats.Skipped),
		zap.Int("errors", stats.Errors),
		zap.Int64("sessions_expired", stats.SessionsExpired),
		zap.Duration("took", time.Since(started)))
	return stats, nil
}

// expiryReason decides whether a record is due for rollback. A standing
// failure expires at the user's next local midnight; an idle open day
// expires after a full local calendar day with no advance.
func expiryReason(rec *progression.Record, now time.Time) string {
	if rec.HasStandingFailure() {
		if progression.FailureWindowExpired(*rec.FailedAt, now, rec.Timezone) {
			return event.RelapseReasonFailureExpired
		}
		return ""
	}
	if rec.LastAdvancedAt != nil && progression.InactivityExpired(*rec.LastAdvancedAt, now, rec.Timezone) {
		return event.RelapseReasonInactivity
	}
	return ""
}

func (s *Service) rollBack(ctx context.Context, rec *progression.Record, reason string) (bool, error) {
	from, to, err := s.progression.ApplyRollback(ctx, rec.UserID, rec.Track)
	if err != nil {
		// another writer may have resolved the record since ListActive
		if apperrors.GetCode(err) == apperrors.RollbackNotApplicable {
			logger.Warnf(ctx, "rollback no longer applicable for %s/%s", rec.UserID, rec.Track)
			return false, nil
		}
		return false, err
	}

	evt := event.RelapseEvent{
		UserID:                rec.UserID,
		Track:                 rec.Track,
		Reason:                reason,
		RequiredRecoverySteps: from - to,
		FromDay:               from,
		ToDay:                 to,
		OccurredAt:            time.Now().UTC(),
	}
	if err := s.events.PublishRelapse(ctx, evt); err != nil {
		logger.Error(ctx, "publish relapse event failed",
			zap.String("user_id", rec.UserID),
			zap.String("track", rec.Track),
			zap.Error(err))
	}
	return true, nil
}
