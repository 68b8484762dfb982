package progression

import "time"

// Record tracks a user's position in one track. A user advances one day at
// a time; a standing failure is remembered until it is either cleared by a
// pass or expires and triggers a rollback.
type Record struct {
	UserID         string     `json:"userId"`
	Track          string     `json:"track"`
	CurrentDay     int        `json:"currentDay"`
	LastPassedDay  int        `json:"lastPassedDay"`
	FailedDay      int        `json:"failedDay,omitempty"`
	FailedAt       *time.Time `json:"failedAt,omitempty"`
	AttemptCount   int        `json:"attemptCount"`
	LastAdvancedAt *time.Time `json:"lastAdvancedAt,omitempty"`
	LockedUntil    *time.Time `json:"lockedUntil,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	AdminOverride  bool       `json:"adminOverride"`
	Timezone       string     `json:"timezone"`
	Version        int64      `json:"-"`
}

// Completed reports whether the user has finished the whole track.
func (r *Record) Completed() bool {
	return r.CompletedAt != nil
}

// HasStandingFailure reports whether an unresolved failed attempt is on
// record.
func (r *Record) HasStandingFailure() bool {
	return r.FailedDay > 0 && r.FailedAt != nil
}
