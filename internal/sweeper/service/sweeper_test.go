package service_test

import (
	"context"
	"testing"
	"time"

	"reforge/internal/event"
	"reforge/internal/progression"
	"reforge/internal/sweeper/service"
	apperrors "reforge/pkg/errors"
)

type fakeProgression struct {
	records   []*progression.Record
	rollbacks []string
	rollErr   error
	block     chan struct{}
}

func (f *fakeProgression) ListActive(context.Context) ([]*progression.Record, error) {
	if f.block != nil {
		<-f.block
	}
	return f.records, nil
}

func (f *fakeProgression) ApplyRollback(_ context.Context, userID, track string) (int, int, error) {
	if f.rollErr != nil {
		return 0, 0, f.rollErr
	}
	f.rollbacks = append(f.rollbacks, userID+"/"+track)
	for _, rec := range f.records {
		if rec.UserID == userID && rec.Track == track {
			from := rec.CurrentDay
			to := rec.LastPassedDay
			if to < 1 {
				to = 1
			}
			return from, to, nil
		}
	}
	return 0, 0, apperrors.New(apperrors.ProgressionNotFound)
}

type fakeExpirer struct {
	expired int64
	err     error
}

func (f *fakeExpirer) ExpireStale(context.Context, time.Duration) (int64, error) {
	return f.expired, f.err
}

type fakeEvents struct {
	relapses []event.RelapseEvent
}

func (f *fakeEvents) PublishOutcome(context.Context, event.OutcomeEvent) error { return nil }

func (f *fakeEvents) PublishRelapse(_ context.Context, evt event.RelapseEvent) error {
	f.relapses = append(f.relapses, evt)
	return nil
}

func (f *fakeEvents) Close() error { return nil }

func record(userID string, mutate func(*progression.Record)) *progression.Record {
	rec := &progression.Record{
		UserID: userID, Track: "python",
		CurrentDay: 5, LastPassedDay: 4,
		Timezone: "UTC", Version: 1,
	}
	if mutate != nil {
		mutate(rec)
	}
	return rec
}

func newSweeper(t *testing.T, prog *fakeProgression, events *fakeEvents, sessions service.SessionExpirer) *service.Service {
	t.Helper()
	svc, err := service.NewService(service.Config{
		Progression: prog,
		Events:      events,
		Sessions:    sessions,
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	return svc
}

func TestSweepRollsBackExpiredFailure(t *testing.T) {
	t.Parallel()
	failedAt := time.Now().Add(-48 * time.Hour)
	prog := &fakeProgression{records: []*progression.Record{
		record("u1", func(r *progression.Record) {
			r.FailedDay = 5
			r.FailedAt = &failedAt
		}),
	}}
	events := &fakeEvents{}
	svc := newSweeper(t, prog, events, nil)

	stats, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if stats.Rollbacks != 1 || stats.Processed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(events.relapses) != 1 {
		t.Fatalf("expected one relapse event")
	}
	evt := events.relapses[0]
	if evt.Reason != event.RelapseReasonFailureExpired {
		t.Fatalf("unexpected reason %q", evt.Reason)
	}
	if evt.FromDay != 5 || evt.ToDay != 4 || evt.RequiredRecoverySteps != 1 {
		t.Fatalf("unexpected magnitude %+v", evt)
	}
}

func TestSweepRollsBackInactivity(t *testing.T) {
	t.Parallel()
	lastAdvanced := time.Now().Add(-72 * time.Hour)
	prog := &fakeProgression{records: []*progression.Record{
		record("u1", func(r *progression.Record) {
			r.LastAdvancedAt = &lastAdvanced
		}),
	}}
	events := &fakeEvents{}
	svc := newSweeper(t, prog, events, nil)

	stats, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if stats.Rollbacks != 1 {
		t.Fatalf("expected one rollback, got %+v", stats)
	}
	if events.relapses[0].Reason != event.RelapseReasonInactivity {
		t.Fatalf("unexpected reason %q", events.relapses[0].Reason)
	}
}

func TestSweepLeavesHealthyRecordsAlone(t *testing.T) {
	t.Parallel()
	recentFail := time.Now().Add(-time.Minute)
	recentAdvance := time.Now().Add(-time.Hour)
	prog := &fakeProgression{records: []*progression.Record{
		record("failed-recently", func(r *progression.Record) {
			r.FailedDay = 5
			r.FailedAt = &recentFail
		}),
		record("advanced-recently", func(r *progression.Record) {
			r.LastAdvancedAt = &recentAdvance
		}),
		record("fresh", nil),
	}}
	events := &fakeEvents{}
	svc := newSweeper(t, prog, events, nil)

	stats, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if stats.Rollbacks != 0 || stats.Processed != 3 {
		t.Fatalf("healthy records must be untouched: %+v", stats)
	}
	if len(events.relapses) != 0 {
		t.Fatalf("no relapse events expected")
	}
}

func TestSweepSkipsAdminOverride(t *testing.T) {
	t.Parallel()
	failedAt := time.Now().Add(-48 * time.Hour)
	prog := &fakeProgression{records: []*progression.Record{
		record("u1", func(r *progression.Record) {
			r.FailedDay = 5
			r.FailedAt = &failedAt
			r.AdminOverride = true
		}),
	}}
	events := &fakeEvents{}
	svc := newSweeper(t, prog, events, nil)

	stats, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if stats.Skipped != 1 || stats.Rollbacks != 0 {
		t.Fatalf("override record must be skipped: %+v", stats)
	}
}

func TestSweepIsolatesPerRecordFaults(t *testing.T) {
	t.Parallel()
	failedAt := time.Now().Add(-48 * time.Hour)
	prog := &fakeProgression{
		records: []*progression.Record{
			record("u1", func(r *progression.Record) {
				r.FailedDay = 5
				r.FailedAt = &failedAt
			}),
			record("u2", func(r *progression.Record) {
				r.FailedDay = 5
				r.FailedAt = &failedAt
			}),
		},
		rollErr: apperrors.New(apperrors.DatabaseError),
	}
	events := &fakeEvents{}
	svc := newSweeper(t, prog, events, nil)

	stats, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("a per-record fault must not abort the sweep: %v", err)
	}
	if stats.Errors != 2 || stats.Processed != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestSweepExpiresStaleSessions(t *testing.T) {
	t.Parallel()
	prog := &fakeProgression{}
	events := &fakeEvents{}
	svc := newSweeper(t, prog, events, &fakeExpirer{expired: 7})

	stats, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if stats.SessionsExpired != 7 {
		t.Fatalf("expected 7 expired sessions, got %d", stats.SessionsExpired)
	}
}

func TestOverlappingSweepIsSkipped(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	prog := &fakeProgression{block: block}
	events := &fakeEvents{}
	svc := newSweeper(t, prog, events, nil)

	started := make(chan struct{})
	finished := make(chan error, 1)
	go func() {
		close(started)
		_, err := svc.RunOnce(context.Background())
		finished <- err
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	_, err := svc.RunOnce(context.Background())
	if apperrors.GetCode(err) != apperrors.SweepInProgress {
		t.Fatalf("expected SweepInProgress, got %v", err)
	}

	close(block)
	if err := <-finished; err != nil {
		t.Fatalf("first sweep must finish cleanly: %v", err)
	}
}
