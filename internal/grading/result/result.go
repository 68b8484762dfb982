// Package result defines the normalized outcome of one grading execution.
// Every execution backend produces the same shape so the worker and the
// progression layer never care which backend ran the code.
package result

import (
	"fmt"
)

// TestResult is the outcome of one test case.
type TestResult struct {
	TestID     string `json:"testId"`
	Name       string `json:"name,omitempty"`
	Passed     bool   `json:"passed"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	IsHidden   bool   `json:"isHidden,omitempty"`
	Hint       string `json:"hint,omitempty"`
	Expected   string `json:"expected,omitempty"`
	Actual     string `json:"actual,omitempty"`
}

// Summary aggregates per-test outcomes.
type Summary struct {
	PassedCount int `json:"passedCount"`
	Total       int `json:"total"`
}

// GradingResult is the normalized outcome of one execution.
//
// Error is set only when execution itself faulted (as opposed to tests
// failing). When Error is empty, Passed must equal
// Summary.PassedCount == Summary.Total.
type GradingResult struct {
	Passed          bool         `json:"passed"`
	Details         []TestResult `json:"details,omitempty"`
	Summary         Summary      `json:"summary"`
	ExecutionTimeMs int64        `json:"executionTimeMs,omitempty"`
	Error           string       `json:"error,omitempty"`
	UserOutput      string       `json:"userOutput,omitempty"`
}

// ErrorResult builds a synthetic result carrying only an error string.
// Used by the worker's failure handler when no real result exists.
func ErrorResult(msg string) *GradingResult {
	return &GradingResult{
		Passed: false,
		Error:  msg,
	}
}

// Validate checks internal consistency.
func (r *GradingResult) Validate() error {
	if r == nil {
		return fmt.Errorf("result is nil")
	}
	if r.Error != "" {
		return nil
	}
	if r.Summary.Total < 0 || r.Summary.PassedCount < 0 {
		return fmt.Errorf("negative summary counts")
	}
	if r.Summary.PassedCount > r.Summary.Total {
		return fmt.Errorf("passedCount %d exceeds total %d", r.Summary.PassedCount, r.Summary.Total)
	}
	if want := r.Summary.PassedCount == r.Summary.Total; r.Passed != want {
		return fmt.Errorf("passed=%v inconsistent with summary %d/%d", r.Passed, r.Summary.PassedCount, r.Summary.Total)
	}
	if len(r.Details) > 0 && len(r.Details) != r.Summary.Total {
		return fmt.Errorf("details count %d inconsistent with summary total %d", len(r.Details), r.Summary.Total)
	}
	return nil
}

// Recount rebuilds Summary and Passed from Details. Backends that collect
// per-test outcomes call this before returning.
func (r *GradingResult) Recount() {
	passed := 0
	for _, d := range r.Details {
		if d.Passed {
			passed++
		}
	}
	r.Summary = Summary{PassedCount: passed, Total: len(r.Details)}
	r.Passed = r.Error == "" && passed == len(r.Details)
}

// Sanitized returns a copy safe to show to the learner: hidden tests keep
// only their pass/fail status and hint, never captured output or expected
// values.
func (r *GradingResult) Sanitized() *GradingResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Details = make([]TestResult, len(r.Details))
	for i, d := range r.Details {
		if d.IsHidden {
			out.Details[i] = TestResult{
				TestID:     d.TestID,
				Passed:     d.Passed,
				DurationMs: d.DurationMs,
				IsHidden:   true,
				Hint:       d.Hint,
			}
			continue
		}
		out.Details[i] = d
	}
	return &out
}
