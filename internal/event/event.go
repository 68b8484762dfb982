package event

import "time"

// Topic names for downstream consumers (notifications, analytics).
const (
	TopicGradingOutcome = "grading.outcome"
	TopicRelapse        = "progression.relapse"
)

// OutcomeEvent is emitted exactly once per terminal grading outcome.
type OutcomeEvent struct {
	SubmissionID string    `json:"submissionId"`
	UserID       string    `json:"userId"`
	Track        string    `json:"track"`
	Day          int       `json:"day"`
	Passed       bool      `json:"passed"`
	PassedCount  int       `json:"passedCount"`
	Total        int       `json:"total"`
	NewDay       int       `json:"newDay,omitempty"`
	Completed    bool      `json:"completed,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// RelapseEvent is emitted when the sweeper rolls a user back.
type RelapseEvent struct {
	UserID string `json:"userId"`
	Track  string `json:"track"`
	Reason string `json:"reason"`

	// RequiredRecoverySteps is the rollback magnitude: how many days the
	// user must re-pass to return to where they were.
	RequiredRecoverySteps int       `json:"requiredRecoverySteps"`
	FromDay               int       `json:"fromDay"`
	ToDay                 int       `json:"toDay"`
	OccurredAt            time.Time `json:"occurredAt"`
}

// Relapse reasons.
const (
	RelapseReasonFailureExpired = "failure_window_expired"
	RelapseReasonInactivity     = "inactivity"
)
