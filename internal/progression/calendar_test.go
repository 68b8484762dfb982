package progression_test

import (
	"testing"
	"time"

	"reforge/internal/progression"
)

func TestFailureWindowExpiresAtLocalMidnight(t *testing.T) {
	t.Parallel()
	failedAt := time.Date(2026, 3, 10, 23, 59, 50, 0, time.UTC)
	justAfterMidnight := time.Date(2026, 3, 11, 0, 0, 10, 0, time.UTC)

	if !progression.FailureWindowExpired(failedAt, justAfterMidnight, "UTC") {
		t.Fatalf("a 20 second gap across midnight must expire the window")
	}

	sameEvening := time.Date(2026, 3, 10, 23, 59, 59, 0, time.UTC)
	if progression.FailureWindowExpired(failedAt, sameEvening, "UTC") {
		t.Fatalf("same calendar day must not expire the window")
	}
}

func TestFailureWindowRespectsUserTimezone(t *testing.T) {
	t.Parallel()
	// 03:00 UTC on the 11th is still 22:00 on the 10th in New York.
	failedAt := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC)

	if progression.FailureWindowExpired(failedAt, now, "America/New_York") {
		t.Fatalf("New York day has not rolled over yet")
	}
	if !progression.FailureWindowExpired(failedAt, now, "UTC") {
		t.Fatalf("UTC day has rolled over")
	}
}

func TestFailureWindowUnknownZoneFallsBackToUTC(t *testing.T) {
	t.Parallel()
	failedAt := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 11, 1, 0, 0, 0, time.UTC)
	if !progression.FailureWindowExpired(failedAt, now, "Mars/Olympus") {
		t.Fatalf("unknown zone must fall back to UTC semantics")
	}
}

func TestFailureWindowExpiresOnShortDSTDay(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load zone: %v", err)
	}

	// 2026-03-08 is the spring-forward day in New York: only 23 hours
	// long, so an elapsed-hours count would miss the midnight crossing.
	failedAt := time.Date(2026, 3, 8, 12, 0, 0, 0, loc)
	now := time.Date(2026, 3, 9, 0, 30, 0, 0, loc)

	if got := progression.CalendarDaysBetween(failedAt, now, loc); got != 1 {
		t.Fatalf("expected 1 crossed midnight on the DST day, got %d", got)
	}
	if !progression.FailureWindowExpired(failedAt, now, "America/New_York") {
		t.Fatalf("window must expire at the first local midnight even on a 23 hour day")
	}
}

func TestInactivityRequiresFullGracePeriod(t *testing.T) {
	t.Parallel()
	last := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		now     time.Time
		expired bool
	}{
		{name: "same day", now: time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC), expired: false},
		{name: "next day", now: time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC), expired: false},
		{name: "two days on", now: time.Date(2026, 3, 12, 0, 0, 10, 0, time.UTC), expired: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := progression.InactivityExpired(last, tt.now, "UTC"); got != tt.expired {
				t.Fatalf("expected expired=%v at %s", tt.expired, tt.now)
			}
		})
	}
}

func TestCalendarDaysBetween(t *testing.T) {
	t.Parallel()
	loc := progression.LocationFor("UTC")
	from := time.Date(2026, 1, 31, 23, 30, 0, 0, time.UTC)
	to := time.Date(2026, 2, 2, 0, 30, 0, 0, time.UTC)
	if got := progression.CalendarDaysBetween(from, to, loc); got != 2 {
		t.Fatalf("expected 2 boundaries crossed, got %d", got)
	}
	if got := progression.CalendarDaysBetween(to, from, loc); got != -2 {
		t.Fatalf("expected symmetric negative count, got %d", got)
	}
}
