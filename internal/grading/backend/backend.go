// Package backend provides the pluggable execution backends that run
// untrusted submission code and produce a normalized grading result.
package backend

import (
	"context"
	"time"

	"reforge/internal/content"
	"reforge/internal/grading/result"
	apperrors "reforge/pkg/errors"
)

// Operation selects what an execution does with the code.
type Operation string

const (
	// OpTest grades the code against the request's test cases.
	OpTest Operation = "test"
	// OpLint executes the code with no tests, surfacing syntax and load
	// errors only.
	OpLint Operation = "lint"
)

// Mode selects which backend implementation runs the code.
type Mode string

const (
	ModeSandbox         Mode = "sandbox"
	ModeRemoteBatch     Mode = "remote-batch"
	ModeRemoteEphemeral Mode = "remote-ephemeral"
	ModeMock            Mode = "mock"
)

// Request carries everything one execution needs.
type Request struct {
	Track     string
	Code      string
	Tests     []content.TestCase
	Operation Operation
}

// Backend executes untrusted code in isolation. Implementations must never
// let the code reach the network, write outside a throwaway scratch area,
// exceed the memory ceiling, or outlive the configured timeout. On timeout
// the isolated unit is forcibly terminated and an execution fault is
// returned; a backend never hangs its caller past the deadline.
type Backend interface {
	Execute(ctx context.Context, req Request) (*result.GradingResult, error)
}

// Config is the full backend configuration surface. Only the section for
// the selected mode is consulted.
type Config struct {
	Mode Mode `yaml:"mode"`

	// Timeout is the per-job wall-clock ceiling.
	Timeout time.Duration `yaml:"timeout"`

	// MemoryLimit is the memory ceiling, e.g. "256m".
	MemoryLimit string `yaml:"memoryLimit"`

	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Batch     BatchConfig     `yaml:"batch"`
	Ephemeral EphemeralConfig `yaml:"ephemeral"`
	Mock      MockConfig      `yaml:"mock"`
}

// New constructs the backend selected by cfg.Mode. Selection happens once
// at process startup; the worker never dispatches on a mode tag at call
// time.
func New(cfg Config) (Backend, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MemoryLimit == "" {
		cfg.MemoryLimit = "256m"
	}
	switch cfg.Mode {
	case ModeSandbox:
		return NewSandboxBackend(cfg.Sandbox, cfg.Timeout, cfg.MemoryLimit)
	case ModeRemoteBatch:
		return NewBatchBackend(cfg.Batch, cfg.Timeout)
	case ModeRemoteEphemeral:
		return NewEphemeralBackend(cfg.Ephemeral, cfg.Timeout)
	case ModeMock, "":
		return NewMockBackend(cfg.Mock), nil
	default:
		return nil, apperrors.Newf(apperrors.InvalidParams, "unknown backend mode %q", cfg.Mode)
	}
}

// finalize applies the shared zero-results policy: a fault-free execution
// that produced no test results is trivially passed only when the test list
// itself was empty (the lint path). Otherwise it is an execution fault.
func finalize(r *result.GradingResult, testCount int) (*result.GradingResult, error) {
	if r.Error != "" {
		return r, nil
	}
	if r.Summary.Total == 0 && len(r.Details) == 0 {
		if testCount == 0 {
			r.Passed = true
			return r, nil
		}
		return nil, apperrors.Newf(apperrors.NoTestResults, "execution produced no results for %d tests", testCount)
	}
	if err := r.Validate(); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ParseFailed, "inconsistent grading result")
	}
	return r, nil
}
