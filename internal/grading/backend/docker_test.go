package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"

	"reforge/internal/content"
	apperrors "reforge/pkg/errors"
)

type fakeContainerAPI struct {
	mu      sync.Mutex
	created int
	started int
	killed  int
	removed int

	waitBlocks bool
	logOutput  []byte
}

func (f *fakeContainerAPI) ContainerCreate(_ context.Context, _ *container.Config, _ *container.HostConfig, _ interface{}, _ interface{}, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return container.CreateResponse{ID: "cid-1"}, nil
}

func (f *fakeContainerAPI) ContainerStart(context.Context, string, container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return nil
}

func (f *fakeContainerAPI) ContainerWait(ctx context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	waitCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if !f.waitBlocks {
		waitCh <- container.WaitResponse{StatusCode: 0}
	}
	return waitCh, errCh
}

func (f *fakeContainerAPI) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.logOutput)), nil
}

func (f *fakeContainerAPI) ContainerKill(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed++
	return nil
}

func (f *fakeContainerAPI) ContainerRemove(context.Context, string, container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed++
	return nil
}

func sandboxRequest() Request {
	return Request{
		Track:     "javascript",
		Code:      "function solution(x){return x}",
		Tests:     []content.TestCase{{ID: "t1", Input: json.RawMessage(`1`), Expected: json.RawMessage(`1`)}},
		Operation: OpTest,
	}
}

func TestSandboxBackendSuccessRemovesContainer(t *testing.T) {
	t.Parallel()
	record := `{"passed":true,"details":[{"testId":"t1","passed":true}],"summary":{"passedCount":1,"total":1}}`
	api := &fakeContainerAPI{logOutput: frame(1, record)}
	b := newSandboxBackend(api, SandboxConfig{Images: map[string]string{"javascript": "runner-js"}}, time.Second, "256m")

	r, err := b.Execute(context.Background(), sandboxRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.Passed {
		t.Fatalf("expected passed result")
	}
	if api.removed != 1 {
		t.Fatalf("expected container removed once, got %d", api.removed)
	}
}

func TestSandboxBackendTimeoutKillsAndRemoves(t *testing.T) {
	t.Parallel()
	api := &fakeContainerAPI{waitBlocks: true}
	b := newSandboxBackend(api, SandboxConfig{Images: map[string]string{"javascript": "runner-js"}}, 50*time.Millisecond, "256m")

	_, err := b.Execute(context.Background(), sandboxRequest())
	if apperrors.GetCode(err) != apperrors.ExecutionTimeout {
		t.Fatalf("expected ExecutionTimeout, got %v", err)
	}
	if api.killed != 1 {
		t.Fatalf("expected container killed, got %d", api.killed)
	}
	if api.removed != 1 {
		t.Fatalf("expected container removed once, got %d", api.removed)
	}
	if apperrors.IsRetryable(err) == false {
		t.Fatalf("timeout must be retryable")
	}
}

func TestSandboxBackendStderrNoiseStillParsed(t *testing.T) {
	t.Parallel()
	record := `{"passed":false,"details":[{"testId":"t1","passed":false}],"summary":{"passedCount":0,"total":1}}`
	raw := append(frame(1, record), frame(2, "warning: deprecated api")...)
	api := &fakeContainerAPI{logOutput: raw}
	b := newSandboxBackend(api, SandboxConfig{Images: map[string]string{"javascript": "runner-js"}}, time.Second, "256m")

	r, err := b.Execute(context.Background(), sandboxRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Passed {
		t.Fatalf("expected failed result")
	}
}

func TestSandboxBackendUnknownTrack(t *testing.T) {
	t.Parallel()
	api := &fakeContainerAPI{}
	b := newSandboxBackend(api, SandboxConfig{Images: map[string]string{"javascript": "runner-js"}}, time.Second, "256m")

	req := sandboxRequest()
	req.Track = "cobol"
	_, err := b.Execute(context.Background(), req)
	if apperrors.GetCode(err) != apperrors.TrackNotSupported {
		t.Fatalf("expected TrackNotSupported, got %v", err)
	}
	if api.created != 0 {
		t.Fatalf("no container should be created for unsupported track")
	}
}

func TestParseMemoryLimit(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want int64
	}{
		{in: "256m", want: 256 * 1024 * 1024},
		{in: "1g", want: 1024 * 1024 * 1024},
		{in: "512k", want: 512 * 1024},
		{in: "1024", want: 1024},
		{in: "garbage", want: 256 * 1024 * 1024},
		{in: "", want: 256 * 1024 * 1024},
	}
	for _, tt := range tests {
		if got := parseMemoryLimit(tt.in); got != tt.want {
			t.Fatalf("parseMemoryLimit(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
