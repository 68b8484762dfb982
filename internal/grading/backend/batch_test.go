package backend_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"reforge/internal/content"
	"reforge/internal/grading/backend"
	apperrors "reforge/pkg/errors"
)

func batchTests() []content.TestCase {
	return []content.TestCase{
		{ID: "t1", Input: json.RawMessage(`[1,2]`), Expected: json.RawMessage(`3`)},
		{ID: "t2", Input: json.RawMessage(`[5,5]`), Expected: json.RawMessage(`10`), Hidden: true, Hint: "add them"},
	}
}

func newBatchJudge(t *testing.T, pollsUntilDone int, finalStatuses []int) *httptest.Server {
	t.Helper()
	var polls atomic.Int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var body struct {
				Submissions []map[string]interface{} `json:"submissions"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode batch create: %v", err)
			}
			tokens := make([]map[string]string, len(body.Submissions))
			for i := range body.Submissions {
				tokens[i] = map[string]string{"token": string(rune('a' + i))}
			}
			_ = json.NewEncoder(w).Encode(tokens)
		case http.MethodGet:
			n := int(polls.Add(1))
			subs := make([]map[string]interface{}, len(finalStatuses))
			for i, status := range finalStatuses {
				if n < pollsUntilDone {
					status = 2
				}
				subs[i] = map[string]interface{}{
					"token":     string(rune('a' + i)),
					"status_id": status,
					"stdout":    base64.StdEncoding.EncodeToString([]byte("3")),
					"stderr":    "",
				}
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"submissions": subs})
		}
	}))
}

func TestBatchBackendAllAccepted(t *testing.T) {
	t.Parallel()
	srv := newBatchJudge(t, 2, []int{3, 3})
	defer srv.Close()

	b, err := backend.NewBatchBackend(backend.BatchConfig{
		APIURL:       srv.URL,
		PollInterval: time.Millisecond,
		MaxPolls:     10,
	}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r, err := b.Execute(context.Background(), backend.Request{
		Track: "javascript",
		Code:  "function solution(a,b){return a+b}",
		Tests: batchTests(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.Passed || r.Summary.PassedCount != 2 {
		t.Fatalf("expected full pass, got %+v", r)
	}
}

func TestBatchBackendWrongAnswer(t *testing.T) {
	t.Parallel()
	srv := newBatchJudge(t, 1, []int{3, 4})
	defer srv.Close()

	b, err := backend.NewBatchBackend(backend.BatchConfig{
		APIURL:       srv.URL,
		PollInterval: time.Millisecond,
		MaxPolls:     10,
	}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r, err := b.Execute(context.Background(), backend.Request{
		Track: "javascript",
		Code:  "function solution(a,b){return a-b}",
		Tests: batchTests(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Passed {
		t.Fatalf("expected failed result")
	}
	if r.Summary.PassedCount != 1 || r.Summary.Total != 2 {
		t.Fatalf("unexpected summary: %+v", r.Summary)
	}
	if r.Details[1].Hint != "add them" {
		t.Fatalf("expected hint on failing test, got %+v", r.Details[1])
	}
}

func TestBatchBackendPollBudgetExhausted(t *testing.T) {
	t.Parallel()
	// never reaches terminal status
	srv := newBatchJudge(t, 1000, []int{3, 3})
	defer srv.Close()

	b, err := backend.NewBatchBackend(backend.BatchConfig{
		APIURL:       srv.URL,
		PollInterval: time.Millisecond,
		MaxPolls:     3,
	}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = b.Execute(context.Background(), backend.Request{
		Track: "javascript",
		Code:  "function solution(a,b){return a+b}",
		Tests: batchTests(),
	})
	if apperrors.GetCode(err) != apperrors.ExecutionTimeout {
		t.Fatalf("expected ExecutionTimeout, got %v", err)
	}
}

func TestBatchBackendPartialStatusResponse(t *testing.T) {
	t.Parallel()
	// judge drops one batch member from the status response
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			_ = json.NewEncoder(w).Encode([]map[string]string{{"token": "a"}, {"token": "b"}})
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"submissions": []map[string]interface{}{
				{"token": "a", "status_id": 3, "stdout": "", "stderr": ""},
			}})
		}
	}))
	defer srv.Close()

	b, err := backend.NewBatchBackend(backend.BatchConfig{
		APIURL:       srv.URL,
		PollInterval: time.Millisecond,
		MaxPolls:     3,
	}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = b.Execute(context.Background(), backend.Request{
		Track: "javascript",
		Code:  "function solution(a,b){return a+b}",
		Tests: batchTests(),
	})
	if apperrors.GetCode(err) != apperrors.BackendUnavailable {
		t.Fatalf("expected BackendUnavailable for a partial batch, got %v", err)
	}
}

func TestBatchBackendReorderedStatusResponse(t *testing.T) {
	t.Parallel()
	// statuses come back in reverse token order; members must be matched
	// by token, not position
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			_ = json.NewEncoder(w).Encode([]map[string]string{{"token": "a"}, {"token": "b"}})
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"submissions": []map[string]interface{}{
				{"token": "b", "status_id": 4, "stdout": "", "stderr": ""},
				{"token": "a", "status_id": 3, "stdout": "", "stderr": ""},
			}})
		}
	}))
	defer srv.Close()

	b, err := backend.NewBatchBackend(backend.BatchConfig{
		APIURL:       srv.URL,
		PollInterval: time.Millisecond,
		MaxPolls:     3,
	}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r, err := b.Execute(context.Background(), backend.Request{
		Track: "javascript",
		Code:  "function solution(a,b){return a+b}",
		Tests: batchTests(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.Details[0].Passed || r.Details[1].Passed {
		t.Fatalf("statuses matched by position, not token: %+v", r.Details)
	}
	if r.Summary.PassedCount != 1 || r.Summary.Total != 2 {
		t.Fatalf("unexpected summary: %+v", r.Summary)
	}
}

func TestBatchBackendUnsupportedTrack(t *testing.T) {
	t.Parallel()
	b, err := backend.NewBatchBackend(backend.BatchConfig{APIURL: "http://judge.invalid"}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = b.Execute(context.Background(), backend.Request{Track: "cobol", Code: "x", Tests: batchTests()})
	if apperrors.GetCode(err) != apperrors.TrackNotSupported {
		t.Fatalf("expected TrackNotSupported, got %v", err)
	}
}
