package progression_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"reforge/internal/content"
	"reforge/internal/progression"
	apperrors "reforge/pkg/errors"
)

type memRepo struct {
	mu   sync.Mutex
	recs map[string]*progression.Record
}

func newMemRepo() *memRepo {
	return &memRepo{recs: make(map[string]*progression.Record)}
}

func key(userID, track string) string { return userID + "/" + track }

func (m *memRepo) GetOrCreate(_ context.Context, userID, track string) (*progression.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key(userID, track)]
	if !ok {
		now := time.Now().UTC()
		rec = &progression.Record{
			UserID: userID, Track: track,
			CurrentDay: 1, LastAdvancedAt: &now, Timezone: "UTC", Version: 1,
		}
		m.recs[key(userID, track)] = rec
	}
	copied := *rec
	return &copied, nil
}

func (m *memRepo) Get(ctx context.Context, userID, track string) (*progression.Record, error) {
	m.mu.Lock()
	rec, ok := m.recs[key(userID, track)]
	m.mu.Unlock()
	if !ok {
		return nil, apperrors.Newf(apperrors.ProgressionNotFound, "progression %s/%s", userID, track)
	}
	copied := *rec
	return &copied, nil
}

func (m *memRepo) Update(_ context.Context, rec *progression.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.recs[key(rec.UserID, rec.Track)]
	if !ok || current.Version != rec.Version {
		return apperrors.Newf(apperrors.ConcurrentUpdate, "version %d", rec.Version)
	}
	copied := *rec
	copied.Version++
	m.recs[key(rec.UserID, rec.Track)] = &copied
	rec.Version++
	return nil
}

func (m *memRepo) ListActive(context.Context) ([]*progression.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*progression.Record
	for _, rec := range m.recs {
		if rec.CompletedAt == nil {
			copied := *rec
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memRepo) set(rec *progression.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *rec
	m.recs[key(rec.UserID, rec.Track)] = &copied
}

func lessonsFor(track string, days int) *content.StaticStore {
	lessons := make([]content.Lesson, 0, days)
	for day := 1; day <= days; day++ {
		lessons = append(lessons, content.Lesson{
			Track: track, Day: day, Title: "Lesson", MaxDays: days,
			Suite: content.TestSuite{Track: track, Day: day},
		})
	}
	return content.NewStaticStore(lessons)
}

func newTestService(t *testing.T, trackDays int) (*progression.Service, *memRepo) {
	t.Helper()
	repo := newMemRepo()
	svc, err := progression.NewService(progression.Config{
		Repo:    repo,
		Content: lessonsFor("python", trackDays),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, repo
}

func TestPassAdvancesOneDay(t *testing.T) {
	t.Parallel()
	svc, repo := newTestService(t, 30)
	ctx := context.Background()

	out, err := svc.RecordOutcome(ctx, "u1", "python", 1, true)
	if err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	if !out.Advanced || out.NewDay != 2 || out.Completed {
		t.Fatalf("unexpected outcome %+v", out)
	}

	rec, _ := repo.Get(ctx, "u1", "python")
	if rec.CurrentDay != 2 || rec.LastPassedDay != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.AttemptCount != 0 || rec.HasStandingFailure() {
		t.Fatalf("pass must clear failure state: %+v", rec)
	}
	if rec.LastAdvancedAt == nil {
		t.Fatalf("pass must stamp lastAdvancedAt")
	}
}

func TestFailOpensStandingFailureOnce(t *testing.T) {
	t.Parallel()
	svc, repo := newTestService(t, 30)
	ctx := context.Background()

	if _, err := svc.RecordOutcome(ctx, "u1", "python", 1, false); err != nil {
		t.Fatalf("first fail: %v", err)
	}
	first, _ := repo.Get(ctx, "u1", "python")
	if first.FailedDay != 1 || first.FailedAt == nil || first.AttemptCount != 1 {
		t.Fatalf("unexpected record after first fail: %+v", first)
	}

	if _, err := svc.RecordOutcome(ctx, "u1", "python", 1, false); err != nil {
		t.Fatalf("second fail: %v", err)
	}
	second, _ := repo.Get(ctx, "u1", "python")
	if second.AttemptCount != 2 {
		t.Fatalf("attempt count must accumulate, got %d", second.AttemptCount)
	}
	if !second.FailedAt.Equal(*first.FailedAt) {
		t.Fatalf("failedAt must keep the first failure instant")
	}
}

func TestPassAfterFailClearsFailure(t *testing.T) {
	t.Parallel()
	svc, repo := newTestService(t, 30)
	ctx := context.Background()

	if _, err := svc.RecordOutcome(ctx, "u1", "python", 1, false); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := svc.RecordOutcome(ctx, "u1", "python", 1, true); err != nil {
		t.Fatalf("pass: %v", err)
	}
	rec, _ := repo.Get(ctx, "u1", "python")
	if rec.HasStandingFailure() || rec.AttemptCount != 0 {
		t.Fatalf("recovery must clear failure state: %+v", rec)
	}
	if rec.CurrentDay != 2 {
		t.Fatalf("expected day 2, got %d", rec.CurrentDay)
	}
}

func TestReplayedPassIsNoOp(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, 30)
	ctx := context.Background()

	if _, err := svc.RecordOutcome(ctx, "u1", "python", 1, true); err != nil {
		t.Fatalf("pass: %v", err)
	}
	out, err := svc.RecordOutcome(ctx, "u1", "python", 1, true)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if out.Advanced || out.NewDay != 2 {
		t.Fatalf("replayed pass must not advance again: %+v", out)
	}
}

func TestFreshRecordHasActivityStamp(t *testing.T) {
	t.Parallel()
	svc, repo := newTestService(t, 30)
	ctx := context.Background()

	if err := svc.CanAttempt(ctx, "u1", "python", 1); err != nil {
		t.Fatalf("first contact: %v", err)
	}
	rec, err := repo.Get(ctx, "u1", "python")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.LastAdvancedAt == nil {
		t.Fatalf("record creation must start the inactivity clock")
	}
}

func TestStaleFailDoesNotReopenPassedDay(t *testing.T) {
	t.Parallel()
	svc, repo := newTestService(t, 30)
	ctx := context.Background()

	// a pass from a parallel attempt lands first
	if _, err := svc.RecordOutcome(ctx, "u1", "python", 1, true); err != nil {
		t.Fatalf("pass: %v", err)
	}
	// the slower attempt's fail for the same day must not touch the record
	if _, err := svc.RecordOutcome(ctx, "u1", "python", 1, false); err != nil {
		t.Fatalf("stale fail: %v", err)
	}

	rec, _ := repo.Get(ctx, "u1", "python")
	if rec.CurrentDay != 2 || rec.LastPassedDay != 1 {
		t.Fatalf("stale fail moved the cursor: %+v", rec)
	}
	if rec.HasStandingFailure() {
		t.Fatalf("stale fail must not open a failure window: %+v", rec)
	}
	if rec.AttemptCount != 0 {
		t.Fatalf("stale fail must not count an attempt, got %d", rec.AttemptCount)
	}
}

func TestCompletionOnLastDay(t *testing.T) {
	t.Parallel()
	svc, repo := newTestService(t, 2)
	ctx := context.Background()

	if _, err := svc.RecordOutcome(ctx, "u1", "python", 1, true); err != nil {
		t.Fatalf("day 1: %v", err)
	}
	out, err := svc.RecordOutcome(ctx, "u1", "python", 2, true)
	if err != nil {
		t.Fatalf("day 2: %v", err)
	}
	if !out.Completed {
		t.Fatalf("expected completion, got %+v", out)
	}
	rec, _ := repo.Get(ctx, "u1", "python")
	if rec.CompletedAt == nil {
		t.Fatalf("completedAt must be stamped")
	}

	if err := svc.CanAttempt(ctx, "u1", "python", 3); apperrors.GetCode(err) != apperrors.CourseCompleted {
		t.Fatalf("expected CourseCompleted, got %v", err)
	}
}

func TestCanAttemptStrictOrdering(t *testing.T) {
	t.Parallel()
	svc, repo := newTestService(t, 30)
	ctx := context.Background()

	if err := svc.CanAttempt(ctx, "u1", "python", 1); err != nil {
		t.Fatalf("day 1 must be open on first contact: %v", err)
	}
	if err := svc.CanAttempt(ctx, "u1", "python", 2); apperrors.GetCode(err) != apperrors.AttemptOutOfOrder {
		t.Fatalf("expected AttemptOutOfOrder for future day, got %v", err)
	}

	if _, err := svc.RecordOutcome(ctx, "u1", "python", 1, true); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if err := svc.CanAttempt(ctx, "u1", "python", 1); apperrors.GetCode(err) != apperrors.AttemptOutOfOrder {
		t.Fatalf("expected AttemptOutOfOrder for passed day, got %v", err)
	}

	rec, _ := repo.Get(ctx, "u1", "python")
	until := time.Now().Add(time.Hour)
	rec.LockedUntil = &until
	repo.set(rec)
	if err := svc.CanAttempt(ctx, "u1", "python", 2); apperrors.GetCode(err) != apperrors.ProgressionLocked {
		t.Fatalf("expected ProgressionLocked, got %v", err)
	}
}

func TestApplyRollback(t *testing.T) {
	t.Parallel()
	svc, repo := newTestService(t, 30)
	ctx := context.Background()

	failedAt := time.Now().Add(-48 * time.Hour).UTC()
	repo.set(&progression.Record{
		UserID: "u1", Track: "python",
		CurrentDay: 5, LastPassedDay: 4,
		FailedDay: 5, FailedAt: &failedAt,
		AttemptCount: 3, Timezone: "UTC", Version: 1,
	})

	from, to, err := svc.ApplyRollback(ctx, "u1", "python")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if from != 5 || to != 4 {
		t.Fatalf("expected 5 → 4, got %d → %d", from, to)
	}
	rec, _ := repo.Get(ctx, "u1", "python")
	if rec.CurrentDay != 4 || rec.HasStandingFailure() || rec.AttemptCount != 0 {
		t.Fatalf("rollback must clear failure state: %+v", rec)
	}
}

func TestApplyRollbackFloorsAtDayOne(t *testing.T) {
	t.Parallel()
	svc, repo := newTestService(t, 30)
	ctx := context.Background()

	failedAt := time.Now().Add(-48 * time.Hour).UTC()
	repo.set(&progression.Record{
		UserID: "u1", Track: "python",
		CurrentDay: 1, LastPassedDay: 0,
		FailedDay: 1, FailedAt: &failedAt,
		AttemptCount: 2, Timezone: "UTC", Version: 1,
	})

	from, to, err := svc.ApplyRollback(ctx, "u1", "python")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if from != 1 || to != 1 {
		t.Fatalf("expected 1 → 1, got %d → %d", from, to)
	}
	rec, _ := repo.Get(ctx, "u1", "python")
	if rec.HasStandingFailure() {
		t.Fatalf("failure must be cleared even without moving days")
	}
}

func TestApplyRollbackSkipsAdminOverride(t *testing.T) {
	t.Parallel()
	svc, repo := newTestService(t, 30)
	ctx := context.Background()

	failedAt := time.Now().Add(-48 * time.Hour).UTC()
	repo.set(&progression.Record{
		UserID: "u1", Track: "python",
		CurrentDay: 5, LastPassedDay: 4,
		FailedDay: 5, FailedAt: &failedAt,
		AdminOverride: true, Timezone: "UTC", Version: 1,
	})

	_, _, err := svc.ApplyRollback(ctx, "u1", "python")
	if apperrors.GetCode(err) != apperrors.RollbackNotApplicable {
		t.Fatalf("expected RollbackNotApplicable, got %v", err)
	}
	rec, _ := repo.Get(ctx, "u1", "python")
	if rec.CurrentDay != 5 || !rec.HasStandingFailure() {
		t.Fatalf("override record must stay untouched: %+v", rec)
	}
}

func TestAdminSetDay(t *testing.T) {
	t.Parallel()
	svc, repo := newTestService(t, 30)
	ctx := context.Background()

	failedAt := time.Now().UTC()
	repo.set(&progression.Record{
		UserID: "u1", Track: "python",
		CurrentDay: 5, LastPassedDay: 4,
		FailedDay: 5, FailedAt: &failedAt, AttemptCount: 2,
		Timezone: "UTC", Version: 1,
	})

	if err := svc.AdminSetDay(ctx, "u1", "python", 10); err != nil {
		t.Fatalf("admin set day: %v", err)
	}
	rec, _ := repo.Get(ctx, "u1", "python")
	if rec.CurrentDay != 10 || !rec.AdminOverride {
		t.Fatalf("expected forced day with override, got %+v", rec)
	}
	if rec.HasStandingFailure() || rec.AttemptCount != 0 {
		t.Fatalf("override must wipe failure state")
	}

	if err := svc.AdminSetDay(ctx, "u1", "python", 40); apperrors.GetCode(err) != apperrors.DayOutOfRange {
		t.Fatalf("expected DayOutOfRange past track length, got %v", err)
	}
}

func TestSnapshotRemainingWindow(t *testing.T) {
	t.Parallel()
	svc, repo := newTestService(t, 30)
	ctx := context.Background()

	failedAt := time.Now().UTC()
	repo.set(&progression.Record{
		UserID: "u1", Track: "python",
		CurrentDay: 3, LastPassedDay: 2,
		FailedDay: 3, FailedAt: &failedAt,
		Timezone: "UTC", Version: 1,
	})

	snap, err := svc.GetSnapshot(ctx, "u1", "python")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.FailureDeadline == nil || snap.RemainingWindow == nil {
		t.Fatalf("standing failure must expose a deadline")
	}
	want := progression.NextLocalMidnight(failedAt, "UTC")
	if !snap.FailureDeadline.Equal(want) {
		t.Fatalf("expected deadline %s, got %s", want, snap.FailureDeadline)
	}

	clean, _ := svc.RecordOutcome(ctx, "u1", "python", 3, true)
	if !clean.Advanced {
		t.Fatalf("expected advance")
	}
	snap, err = svc.GetSnapshot(ctx, "u1", "python")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.FailureDeadline != nil {
		t.Fatalf("no deadline without a standing failure")
	}
}

func TestSetTimezone(t *testing.T) {
	t.Parallel()
	svc, repo := newTestService(t, 30)
	ctx := context.Background()

	if err := svc.SetTimezone(ctx, "u1", "python", "Asia/Tokyo"); err != nil {
		t.Fatalf("set timezone: %v", err)
	}
	rec, _ := repo.Get(ctx, "u1", "python")
	if rec.Timezone != "Asia/Tokyo" {
		t.Fatalf("expected Asia/Tokyo, got %s", rec.Timezone)
	}

	if err := svc.SetTimezone(ctx, "u1", "python", "Mars/Olympus"); apperrors.GetCode(err) != apperrors.InvalidFormat {
		t.Fatalf("expected InvalidFormat for bogus zone, got %v", err)
	}
}
