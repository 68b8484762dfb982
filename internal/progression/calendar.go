package progression

import "time"

// inactivityGraceDays is the number of local midnights that must pass
// since the last advance before a user counts as inactive: the remainder
// of the advance day plus one full idle day.
const inactivityGraceDays = 2

// LocationFor resolves an IANA timezone name, falling back to UTC for
// unknown or empty names so a bad stored value never stalls a sweep.
func LocationFor(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CalendarDaysBetween counts local-midnight boundaries crossed between two
// instants as seen from loc. 23:59:50 to 00:00:10 the next day is one day.
// The local dates are re-anchored in UTC before subtracting so a 23- or
// 25-hour DST-transition day still counts as exactly one day.
func CalendarDaysBetween(from, to time.Time, loc *time.Location) int {
	a := from.In(loc)
	b := to.In(loc)
	aDate := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bDate := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(bDate.Sub(aDate).Hours() / 24)
}

// FailureWindowExpired reports whether a standing failure has crossed a
// local-midnight boundary: the user had until end of their calendar day to
// recover.
func FailureWindowExpired(failedAt, now time.Time, tz string) bool {
	return CalendarDaysBetween(failedAt, now, LocationFor(tz)) >= 1
}

// InactivityExpired reports whether a user has gone a full grace period of
// local calendar days without advancing.
func InactivityExpired(lastAdvancedAt, now time.Time, tz string) bool {
	return CalendarDaysBetween(lastAdvancedAt, now, LocationFor(tz)) >= inactivityGraceDays
}

// NextLocalMidnight returns the first local midnight after t in tz, the
// instant a standing failure opened at t expires.
func NextLocalMidnight(t time.Time, tz string) time.Time {
	loc := LocationFor(tz)
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}
