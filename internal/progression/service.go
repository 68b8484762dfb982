package progression

import (
	"context"
	"time"

	"go.uber.org/zap"

	"reforge/pkg/utils/logger"
	"reforge/internal/content"
	apperrors "reforge/pkg/errors"
)

const (
	defaultDBTimeout = 5 * time.Second

	// casRetries bounds how often a versioned write is retried after losing
	// a race. Contention on one user/track pair is rare, so losing twice in
	// a row already points at a stuck writer.
	casRetries = 3
)

// Config configures the progression service.
type Config struct {
	Repo    Repository
	Content content.Store

	DBTimeout time.Duration
}

// Service owns the advancement state machine: strict day ordering,
// standing failures, rollbacks and completion.
type Service struct {
	repo      Repository
	content   content.Store
	dbTimeout time.Duration
}

// NewService creates the progression service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Repo == nil {
		return nil, apperrors.Newf(apperrors.InvalidParams, "progression repository is required")
	}
	if cfg.Content == nil {
		return nil, apperrors.Newf(apperrors.InvalidParams, "content store is required")
	}
	if cfg.DBTimeout <= 0 {
		cfg.DBTimeout = defaultDBTimeout
	}
	return &Service{
		repo:      cfg.Repo,
		content:   cfg.Content,
		dbTimeout: cfg.DBTimeout,
	}, nil
}

// Outcome describes what RecordOutcome changed.
type Outcome struct {
	Advanced  bool
	NewDay    int
	Completed bool
}

// CanAttempt gates a submission: the user may only attempt their current
// day, and only while the track is neither locked nor completed.
func (s *Service) CanAttempt(ctx context.Context, userID, track string, day int) error {
	dbCtx, cancel := context.WithTimeout(ctx, s.dbTimeout)
	defer cancel()

	rec, err := s.repo.GetOrCreate(dbCtx, userID, track)
	if err != nil {
		return err
	}
	if rec.Completed() {
		return apperrors.Newf(apperrors.CourseCompleted, "track %s is already completed", track)
	}
	if rec.LockedUntil != nil && rec.LockedUntil.After(time.Now()) {
		return apperrors.Newf(apperrors.ProgressionLocked, "track %s locked until %s", track, rec.LockedUntil.UTC().Format(time.RFC3339))
	}
	if day != rec.CurrentDay {
		return apperrors.Newf(apperrors.AttemptOutOfOrder, "day %d is not current (current day %d)", day, rec.CurrentDay)
	}
	return nil
}

// RecordOutcome folds a graded attempt into the state machine. Only
// outcomes for the current day count: a pass advances, a fail opens (or
// renews) the standing failure. Outcomes for any other day are replays of
// attempts the cursor already moved past and are no-ops.
func (s *Service) RecordOutcome(ctx context.Context, userID, track string, day int, passed bool) (*Outcome, error) {
	if userID == "" || track == "" || day < 1 {
		return nil, apperrors.New(apperrors.InvalidParams)
	}

	var out *Outcome
	err := s.withRecord(ctx, userID, track, func(rec *Record) (bool, error) {
		out = &Outcome{NewDay: rec.CurrentDay, Completed: rec.Completed()}
		if rec.Completed() {
			return false, nil
		}
		if day != rec.CurrentDay {
			// replayed or stale outcome; the day already moved on. A stale
			// fail must not open a failure window against a day the user
			// has since passed.
			return false, nil
		}

		if !passed {
			rec.AttemptCount++
			if !rec.HasStandingFailure() {
				now := time.Now().UTC()
				rec.FailedDay = day
				rec.FailedAt = &now
			}
			return true, nil
		}

		now := time.Now().UTC()
		rec.LastPassedDay = day
		rec.CurrentDay = day + 1
		rec.FailedDay = 0
		rec.FailedAt = nil
		rec.AttemptCount = 0
		rec.LastAdvancedAt = &now

		length, err := s.content.TrackLength(ctx, track)
		if err != nil {
			return false, err
		}
		if day+1 > length {
			rec.CompletedAt = &now
		}

		out = &Outcome{Advanced: true, NewDay: rec.CurrentDay, Completed: rec.CompletedAt != nil}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyRollback moves a user back to their last passed day (never below
// day 1), clearing the standing failure and attempt counter. Returns the
// day range the rollback covered. Records with an admin override are left
// untouched.
func (s *Service) ApplyRollback(ctx context.Context, userID, track string) (from, to int, err error) {
	if userID == "" || track == "" {
		return 0, 0, apperrors.New(apperrors.InvalidParams)
	}

	err = s.withRecord(ctx, userID, track, func(rec *Record) (bool, error) {
		if rec.AdminOverride {
			return false, apperrors.Newf(apperrors.RollbackNotApplicable, "progression %s/%s has an admin override", userID, track)
		}
		if rec.Completed() {
			return false, apperrors.Newf(apperrors.RollbackNotApplicable, "track %s is completed", track)
		}

		target := rec.LastPassedDay
		if target < 1 {
			target = 1
		}
		if target == rec.CurrentDay && !rec.HasStandingFailure() {
			return false, apperrors.Newf(apperrors.RollbackNotApplicable, "already at day %d with no standing failure", target)
		}

		from = rec.CurrentDay
		to = target
		now := time.Now().UTC()
		rec.CurrentDay = target
		rec.FailedDay = 0
		rec.FailedAt = nil
		rec.AttemptCount = 0
		rec.LastAdvancedAt = &now
		return true, nil
	})
	if err != nil {
		return 0, 0, err
	}
	logger.Info(ctx, "rollback applied",
		zap.String("user_id", userID),
		zap.String("track", track),
		zap.Int("from_day", from),
		zap.Int("to_day", to))
	return from, to, nil
}

// AdminSetDay force-positions a user on a day and flags the record so the
// sweeper leaves it alone. Failure state and attempts are wiped.
func (s *Service) AdminSetDay(ctx context.Context, userID, track string, day int) error {
	if day < 1 {
		return apperrors.Newf(apperrors.DayOutOfRange, "day %d", day)
	}
	length, err := s.content.TrackLength(ctx, track)
	if err != nil {
		return err
	}
	if day > length {
		return apperrors.Newf(apperrors.DayOutOfRange, "day %d exceeds track length %d", day, length)
	}
	err = s.withRecord(ctx, userID, track, func(rec *Record) (bool, error) {
		rec.CurrentDay = day
		rec.AdminOverride = true
		rec.FailedDay = 0
		rec.FailedAt = nil
		rec.AttemptCount = 0
		rec.CompletedAt = nil
		return true, nil
	})
	if err != nil {
		return err
	}
	logger.Info(ctx, "admin override applied",
		zap.String("user_id", userID),
		zap.String("track", track),
		zap.Int("day", day))
	return nil
}

// Snapshot is the API-facing view of a record, with the failure deadline
// precomputed in the user's timezone.
type Snapshot struct {
	Record          *Record        `json:"record"`
	FailureDeadline *time.Time     `json:"failureDeadline,omitempty"`
	RemainingWindow *time.Duration `json:"remainingWindow,omitempty"`
}

// GetSnapshot returns the record plus, when a failure is standing, how
// long the user has left before the rollback window closes.
func (s *Service) GetSnapshot(ctx context.Context, userID, track string) (*Snapshot, error) {
	rec, err := s.Get(ctx, userID, track)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Record: rec}
	if rec.HasStandingFailure() {
		deadline := NextLocalMidnight(*rec.FailedAt, rec.Timezone)
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		snap.FailureDeadline = &deadline
		snap.RemainingWindow = &remaining
	}
	return snap, nil
}

// SetTimezone stores a user's IANA timezone, used to anchor calendar-day
// windows for failure expiry.
func (s *Service) SetTimezone(ctx context.Context, userID, track, tz string) error {
	if _, err := time.LoadLocation(tz); err != nil {
		return apperrors.Wrapf(err, apperrors.InvalidFormat, "timezone %q", tz)
	}
	return s.withRecord(ctx, userID, track, func(rec *Record) (bool, error) {
		if rec.Timezone == tz {
			return false, nil
		}
		rec.Timezone = tz
		return true, nil
	})
}

// Get returns the progression record for a user/track pair, creating it
// on first contact.
func (s *Service) Get(ctx context.Context, userID, track string) (*Record, error) {
	dbCtx, cancel := context.WithTimeout(ctx, s.dbTimeout)
	defer cancel()
	return s.repo.GetOrCreate(dbCtx, userID, track)
}

// ListActive exposes every unfinished record, used by the rollback sweep.
func (s *Service) ListActive(ctx context.Context) ([]*Record, error) {
	dbCtx, cancel := context.WithTimeout(ctx, s.dbTimeout)
	defer cancel()
	return s.repo.ListActive(dbCtx)
}

// withRecord runs mutate under optimistic concurrency: read, mutate, write
// with version guard, retry on a lost race. mutate returns false to skip
// the write.
func (s *Service) withRecord(ctx context.Context, userID, track string, mutate func(*Record) (bool, error)) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		dbCtx, cancel := context.WithTimeout(ctx, s.dbTimeout)
		rec, err := s.repo.GetOrCreate(dbCtx, userID, track)
		if err != nil {
			cancel()
			return err
		}

		dirty, err := mutate(rec)
		if err != nil {
			cancel()
			return err
		}
		if !dirty {
			cancel()
			return nil
		}

		err = s.repo.Update(dbCtx, rec)
		cancel()
		if err == nil {
			return nil
		}
		if apperrors.GetCode(err) != apperrors.ConcurrentUpdate {
			return err
		}
		logger.Warnf(ctx, "progression update lost race for %s/%s, retrying", userID, track)
	}
	return apperrors.Newf(apperrors.ConcurrentUpdate, "progression %s/%s kept losing version races", userID, track)
}
