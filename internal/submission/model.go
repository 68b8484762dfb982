// Package submission owns graded attempts: their persistence, lifecycle,
// and the API-facing operations that create and query them.
package submission

import (
	"time"

	"reforge/internal/grading/result"
)

// Status is a submission's lifecycle state. Transitions are strictly
// pending → running → one of {completed, failed, error}.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusError     Status = "error"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusError
}

// MaxCodeBytes bounds submitted source size.
const MaxCodeBytes = 64 * 1024

// Submission is one graded attempt. Rows are append-only: a re-submission
// creates a fresh row, an admin rerun resets this one.
type Submission struct {
	ID     string
	UserID string
	Track  string
	Day    int
	Code   string
	Status Status

	// Result is set exactly when Status is terminal.
	Result *result.GradingResult

	// JobID references the single outstanding queue job.
	JobID string

	// Verified and VerificationWarning carry anti-cheat telemetry
	// produced outside the grading core.
	Verified            bool
	VerificationWarning string

	CreatedAt  time.Time
	FinishedAt *time.Time
}
