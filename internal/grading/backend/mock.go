package backend

import (
	"context"
	"regexp"
	"strings"
	"time"

	"reforge/internal/grading/result"
)

// MockConfig configures the mock backend.
type MockConfig struct {
	// Delay simulates execution latency so the worker sees the same
	// blocking profile as with a real backend. Default 500ms.
	Delay time.Duration `yaml:"delay"`
}

// MockBackend simulates grading with deterministic heuristics over the
// submitted source text. For environments without sandboxing
// infrastructure only; it honors the same contract as the real backends so
// the worker stays backend-agnostic.
type MockBackend struct {
	delay time.Duration
}

func NewMockBackend(cfg MockConfig) *MockBackend {
	delay := cfg.Delay
	if delay == 0 {
		delay = 500 * time.Millisecond
	}
	return &MockBackend{delay: delay}
}

var (
	functionPattern = regexp.MustCompile(`function|def |func |public\s+static|=>`)
	returnPattern   = regexp.MustCompile(`return|print|console\.log|fmt\.Print|Console\.Write`)
)

func (m *MockBackend) Execute(ctx context.Context, req Request) (*result.GradingResult, error) {
	started := time.Now()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(m.delay):
	}

	code := strings.TrimSpace(req.Code)
	looksPlausible := len(code) > 20 &&
		(functionPattern.MatchString(code) || returnPattern.MatchString(code)) &&
		!strings.Contains(strings.ToLower(code), "syntax error") &&
		!strings.Contains(code, "throw")

	r := &result.GradingResult{Details: make([]result.TestResult, 0, len(req.Tests))}
	for _, test := range req.Tests {
		tr := result.TestResult{
			TestID:     test.ID,
			Passed:     looksPlausible,
			DurationMs: 1,
			IsHidden:   test.Hidden,
		}
		if looksPlausible {
			tr.Stdout = string(test.Expected)
		} else {
			tr.Stdout = "Incorrect output"
			tr.Stderr = "Execution error"
			if test.Hint != "" {
				tr.Hint = test.Hint
			}
		}
		r.Details = append(r.Details, tr)
	}
	r.Recount()
	r.ExecutionTimeMs = time.Since(started).Milliseconds()
	return finalize(r, len(req.Tests))
}
