package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"reforge/internal/grading/extract"
	"reforge/internal/grading/result"
	apperrors "reforge/pkg/errors"
)

// EphemeralConfig configures the remote ephemeral sandbox backend.
type EphemeralConfig struct {
	// APIURL is the execute endpoint, e.g. "https://emkc.org/api/v2/piston/execute".
	APIURL string `yaml:"apiUrl"`
}

// EphemeralBackend grades with a single synchronous run per submission:
// the whole test suite is driven by one harness program and the grading
// record is read back from the combined stdout/stderr of the remote run.
type EphemeralBackend struct {
	cfg     EphemeralConfig
	timeout time.Duration
	client  *http.Client
}

// NewEphemeralBackend validates config and builds the HTTP client.
func NewEphemeralBackend(cfg EphemeralConfig, timeout time.Duration) (*EphemeralBackend, error) {
	if cfg.APIURL == "" {
		return nil, apperrors.Newf(apperrors.BackendNotConfigured, "ephemeral backend requires apiUrl")
	}
	return &EphemeralBackend{
		cfg:     cfg,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type ephemeralRequest struct {
	Language string          `json:"language"`
	Version  string          `json:"version"`
	Files    []ephemeralFile `json:"files"`
	Stdin    string          `json:"stdin,omitempty"`
}

type ephemeralFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type ephemeralResponse struct {
	Run struct {
		Stdout string `json:"stdout"`
		Stderr string `json:"stderr"`
		Output string `json:"output"`
	} `json:"run"`
}

func (e *EphemeralBackend) Execute(ctx context.Context, req Request) (*result.GradingResult, error) {
	started := time.Now()

	rt, harness, err := buildSuiteHarness(req.Track, req.Code)
	if err != nil {
		return nil, err
	}
	payload, err := buildSuitePayload(req.Tests)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.GradingSystemError, "marshal suite payload")
	}

	body, err := json.Marshal(ephemeralRequest{
		Language: rt.Language,
		Version:  rt.Version,
		Files:    []ephemeralFile{{Name: rt.Filename, Content: harness}},
		Stdin:    string(payload),
	})
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.GradingSystemError, "marshal execute request")
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(runCtx, http.MethodPost, e.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.BackendUnavailable, "build execute request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if runCtx.Err() != nil {
			return nil, apperrors.Newf(apperrors.ExecutionTimeout, "remote execution exceeded %s", e.timeout)
		}
		return nil, apperrors.Wrapf(err, apperrors.BackendUnavailable, "call remote sandbox")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperrors.Newf(apperrors.BackendUnavailable, "remote sandbox returned %d: %s", resp.StatusCode, detail)
	}

	var run ephemeralResponse
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.BackendUnavailable, "decode execute response")
	}

	combined := strings.TrimSpace(run.Run.Stdout + "\n" + run.Run.Stderr)
	r, _, err := extract.Extract(combined)
	if err != nil {
		// build or load failure before the harness could print a record
		msg := firstNonEmpty(run.Run.Output, run.Run.Stderr, run.Run.Stdout, "unknown error")
		r = result.ErrorResult("execution error: " + truncate(msg, 500))
		r.Summary.Total = len(req.Tests)
	}
	r.ExecutionTimeMs = time.Since(started).Milliseconds()
	return finalize(r, len(req.Tests))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
