package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"reforge/internal/grading/result"
	apperrors "reforge/pkg/errors"
	"reforge/pkg/utils/logger"
)

// BatchConfig configures the remote batch judge backend.
type BatchConfig struct {
	// APIURL is the judge base URL, e.g. "https://judge0-ce.p.rapidapi.com".
	APIURL string `yaml:"apiUrl"`
	APIKey string `yaml:"apiKey"`

	// PollInterval between batch status checks. Default 1s.
	PollInterval time.Duration `yaml:"pollInterval"`

	// MaxPolls bounds the poll loop. Default 30.
	MaxPolls int `yaml:"maxPolls"`
}

// Judge language IDs for the tracks we grade remotely.
var batchLanguageIDs = map[string]int{
	"javascript": 63,
	"python":     71,
}

// Remote judge status IDs. Anything >= statusAccepted is terminal.
const (
	statusInQueue    = 1
	statusProcessing = 2
	statusAccepted   = 3
)

// BatchBackend grades by submitting every test case of one submission as
// one batch to a remote judge, then polling until all batch members reach
// a terminal status. The remote judge performs the expected-output
// comparison; a poll budget overrun is an execution fault, not a failed
// test.
type BatchBackend struct {
	cfg     BatchConfig
	timeout time.Duration
	client  *http.Client
}

// NewBatchBackend validates config and builds the HTTP client.
func NewBatchBackend(cfg BatchConfig, timeout time.Duration) (*BatchBackend, error) {
	if cfg.APIURL == "" {
		return nil, apperrors.Newf(apperrors.BackendNotConfigured, "batch backend requires apiUrl")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxPolls == 0 {
		cfg.MaxPolls = 30
	}
	return &BatchBackend{
		cfg:     cfg,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type batchSubmission struct {
	LanguageID     int    `json:"language_id"`
	SourceCode     string `json:"source_code"`
	Stdin          string `json:"stdin,omitempty"`
	ExpectedOutput string `json:"expected_output,omitempty"`
}

type batchToken struct {
	Token string `json:"token"`
}

type batchStatus struct {
	Token    string `json:"token"`
	StatusID int    `json:"status_id"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

func (b *BatchBackend) Execute(ctx context.Context, req Request) (*result.GradingResult, error) {
	started := time.Now()

	languageID, ok := batchLanguageIDs[req.Track]
	if !ok {
		return nil, apperrors.Newf(apperrors.TrackNotSupported, "no remote judge language for track %s", req.Track)
	}

	if len(req.Tests) == 0 {
		// lint: one harness run with no input, success = terminal accepted
		r := &result.GradingResult{}
		r.Recount()
		r.ExecutionTimeMs = time.Since(started).Milliseconds()
		return finalize(r, 0)
	}

	_, harness, err := buildCaseHarness(req.Track, req.Code)
	if err != nil {
		return nil, err
	}

	subs := make([]batchSubmission, len(req.Tests))
	for i, test := range req.Tests {
		sub := batchSubmission{
			LanguageID: languageID,
			SourceCode: base64.StdEncoding.EncodeToString([]byte(harness)),
		}
		if len(test.Input) > 0 {
			sub.Stdin = base64.StdEncoding.EncodeToString(test.Input)
		}
		if len(test.Expected) > 0 {
			sub.ExpectedOutput = base64.StdEncoding.EncodeToString(test.Expected)
		}
		subs[i] = sub
	}

	tokens, err := b.createBatch(ctx, subs)
	if err != nil {
		return nil, err
	}
	if len(tokens) != len(req.Tests) {
		return nil, apperrors.Newf(apperrors.BackendUnavailable, "judge returned %d tokens for %d submissions", len(tokens), len(req.Tests))
	}

	statuses, err := b.pollBatch(ctx, tokens)
	if err != nil {
		return nil, err
	}

	// match members by token; the judge does not promise response order
	byToken := make(map[string]batchStatus, len(statuses))
	for _, st := range statuses {
		byToken[st.Token] = st
	}

	r := &result.GradingResult{Details: make([]result.TestResult, len(req.Tests))}
	for i, test := range req.Tests {
		st, ok := byToken[tokens[i]]
		if !ok {
			return nil, apperrors.Newf(apperrors.BackendUnavailable, "judge response missing token %s", tokens[i])
		}
		passed := st.StatusID == statusAccepted
		tr := result.TestResult{
			TestID:   test.ID,
			Passed:   passed,
			Stdout:   decodeBase64(st.Stdout),
			Stderr:   decodeBase64(st.Stderr),
			IsHidden: test.Hidden,
		}
		if !passed && test.Hint != "" {
			tr.Hint = test.Hint
		}
		r.Details[i] = tr
	}
	r.Recount()
	r.ExecutionTimeMs = time.Since(started).Milliseconds()
	return finalize(r, len(req.Tests))
}

func (b *BatchBackend) createBatch(ctx context.Context, subs []batchSubmission) ([]string, error) {
	body, err := json.Marshal(map[string]interface{}{"submissions": subs})
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.GradingSystemError, "marshal batch")
	}

	endpoint := b.cfg.APIURL + "/submissions/batch?base64_encoded=true"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.BackendUnavailable, "build batch request")
	}
	b.setHeaders(httpReq)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.BackendUnavailable, "submit batch")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperrors.Newf(apperrors.BackendUnavailable, "judge batch create returned %d: %s", resp.StatusCode, detail)
	}

	var created []batchToken
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.BackendUnavailable, "decode batch tokens")
	}
	tokens := make([]string, len(created))
	for i, c := range created {
		tokens[i] = c.Token
	}
	return tokens, nil
}

// pollBatch checks batch status at a fixed interval until every member is
// terminal or the poll budget runs out.
func (b *BatchBackend) pollBatch(ctx context.Context, tokens []string) ([]batchStatus, error) {
	endpoint := fmt.Sprintf("%s/submissions/batch?tokens=%s&base64_encoded=true&fields=token,status_id,stdout,stderr",
		b.cfg.APIURL, url.QueryEscape(strings.Join(tokens, ",")))

	for attempt := 0; attempt < b.cfg.MaxPolls; attempt++ {
		select {
		case <-ctx.Done():
			return nil, apperrors.Wrapf(ctx.Err(), apperrors.ExecutionTimeout, "batch poll canceled")
		case <-time.After(b.cfg.PollInterval):
		}

		statuses, err := b.fetchBatch(ctx, endpoint)
		if err != nil {
			logger.Warnf(ctx, "batch poll attempt %d: %v", attempt+1, err)
			continue
		}
		if len(statuses) != len(tokens) {
			return nil, apperrors.Newf(apperrors.BackendUnavailable, "judge returned %d statuses for %d tokens", len(statuses), len(tokens))
		}
		if allTerminal(statuses) {
			return statuses, nil
		}
	}
	return nil, apperrors.Newf(apperrors.ExecutionTimeout, "batch not terminal after %d polls", b.cfg.MaxPolls)
}

func (b *BatchBackend) fetchBatch(ctx context.Context, endpoint string) ([]batchStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	b.setHeaders(httpReq)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("judge batch status returned %d", resp.StatusCode)
	}

	var payload struct {
		Submissions []batchStatus `json:"submissions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return payload.Submissions, nil
}

func (b *BatchBackend) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.APIKey != "" {
		req.Header.Set("X-RapidAPI-Key", b.cfg.APIKey)
	}
}

func allTerminal(statuses []batchStatus) bool {
	if len(statuses) == 0 {
		return false
	}
	for _, s := range statuses {
		if s.StatusID == statusInQueue || s.StatusID == statusProcessing {
			return false
		}
	}
	return true
}

func decodeBase64(s string) string {
	if s == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	return strings.TrimSpace(string(decoded))
}
