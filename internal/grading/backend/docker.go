package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/google/shlex"
	"github.com/google/uuid"

	"reforge/internal/grading/extract"
	"reforge/internal/grading/result"
	apperrors "reforge/pkg/errors"
	"reforge/pkg/utils/logger"
)

// SandboxConfig configures the container sandbox backend.
type SandboxConfig struct {
	// Host is the docker daemon address. Empty means environment defaults.
	Host string `yaml:"host"`

	// Images maps track name to runner image.
	Images map[string]string `yaml:"images"`

	// Commands maps track name to the executor command line inside the
	// image, e.g. "node /runner/executor.js". Parsed with shell-style
	// word splitting, never passed through a shell.
	Commands map[string]string `yaml:"commands"`

	// CPUQuota in microseconds per 100ms period. Default 50000 (half a core).
	CPUQuota int64 `yaml:"cpuQuota"`
}

// containerAPI is the slice of the docker client the backend uses.
// Narrowed for tests.
type containerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig interface{}, platform interface{}, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

type dockerClientAdapter struct {
	cli *client.Client
}

func (a dockerClientAdapter) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, _ interface{}, _ interface{}, containerName string) (container.CreateResponse, error) {
	return a.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
}

func (a dockerClientAdapter) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return a.cli.ContainerStart(ctx, containerID, options)
}

func (a dockerClientAdapter) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	return a.cli.ContainerWait(ctx, containerID, condition)
}

func (a dockerClientAdapter) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	return a.cli.ContainerLogs(ctx, containerID, options)
}

func (a dockerClientAdapter) ContainerKill(ctx context.Context, containerID, signal string) error {
	return a.cli.ContainerKill(ctx, containerID, signal)
}

func (a dockerClientAdapter) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	return a.cli.ContainerRemove(ctx, containerID, options)
}

// SandboxBackend runs each job in a fresh network-less container. The
// payload travels in an environment variable, not argv, and the container
// is removed unconditionally once the run finishes, faults, or times out.
type SandboxBackend struct {
	api         containerAPI
	cfg         SandboxConfig
	timeout     time.Duration
	memoryBytes int64
}

// NewSandboxBackend connects to the docker daemon and validates config.
func NewSandboxBackend(cfg SandboxConfig, timeout time.Duration, memoryLimit string) (*SandboxBackend, error) {
	if len(cfg.Images) == 0 {
		return nil, apperrors.Newf(apperrors.BackendNotConfigured, "sandbox backend requires at least one track image")
	}
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.BackendUnavailable, "connect docker daemon")
	}
	return newSandboxBackend(dockerClientAdapter{cli: cli}, cfg, timeout, memoryLimit), nil
}

func newSandboxBackend(api containerAPI, cfg SandboxConfig, timeout time.Duration, memoryLimit string) *SandboxBackend {
	if cfg.CPUQuota == 0 {
		cfg.CPUQuota = 50000
	}
	return &SandboxBackend{
		api:         api,
		cfg:         cfg,
		timeout:     timeout,
		memoryBytes: parseMemoryLimit(memoryLimit),
	}
}

// sandboxPayload is what the in-image executor decodes from the PAYLOAD
// environment variable.
type sandboxPayload struct {
	Code      string      `json:"code"`
	Tests     []suiteTest `json:"tests"`
	Track     string      `json:"track"`
	Operation Operation   `json:"operation"`
}

func (b *SandboxBackend) Execute(ctx context.Context, req Request) (*result.GradingResult, error) {
	started := time.Now()

	image, ok := b.cfg.Images[req.Track]
	if !ok {
		return nil, apperrors.Newf(apperrors.TrackNotSupported, "no sandbox image for track %s", req.Track)
	}
	cmd, err := b.commandFor(req.Track)
	if err != nil {
		return nil, err
	}

	payload := sandboxPayload{
		Code:      req.Code,
		Tests:     make([]suiteTest, len(req.Tests)),
		Track:     req.Track,
		Operation: req.Operation,
	}
	for i, t := range req.Tests {
		payload.Tests[i] = suiteTest{ID: t.ID, Input: t.Input, Expected: t.Expected, Hidden: t.Hidden, Hint: t.Hint}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.GradingSystemError, "marshal sandbox payload")
	}

	name := "runner-" + uuid.NewString()
	created, err := b.api.ContainerCreate(ctx,
		&container.Config{
			Image: image,
			Cmd:   cmd,
			Env:   []string{"PAYLOAD=" + base64.StdEncoding.EncodeToString(encoded)},
			Tty:   false,
		},
		&container.HostConfig{
			Resources: container.Resources{
				Memory:     b.memoryBytes,
				MemorySwap: b.memoryBytes,
				CPUPeriod:  100000,
				CPUQuota:   b.cfg.CPUQuota,
			},
			NetworkMode:    "none",
			ReadonlyRootfs: true,
			SecurityOpt:    []string{"no-new-privileges"},
		},
		nil, nil, name)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.BackendUnavailable, "create container")
	}
	containerID := created.ID

	// Removal must survive ctx cancellation, so it runs on a fresh context.
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.api.ContainerRemove(cleanupCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
			logger.Warnf(cleanupCtx, "remove container %s: %v", name, err)
		}
	}()

	if err := b.api.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.SandboxCrashed, "start container")
	}

	runCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	waitCh, errCh := b.api.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)
	select {
	case <-runCtx.Done():
		killCtx, killCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer killCancel()
		if err := b.api.ContainerKill(killCtx, containerID, "KILL"); err != nil {
			logger.Warnf(killCtx, "kill container %s: %v", name, err)
		}
		return nil, apperrors.Newf(apperrors.ExecutionTimeout, "execution exceeded %s", b.timeout)
	case err := <-errCh:
		if err != nil {
			return nil, apperrors.Wrapf(err, apperrors.SandboxCrashed, "wait for container")
		}
	case <-waitCh:
	}

	logCtx, logCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer logCancel()
	logs, err := b.api.ContainerLogs(logCtx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.SandboxCrashed, "read container logs")
	}
	raw, err := io.ReadAll(logs)
	_ = logs.Close()
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.SandboxCrashed, "read container logs")
	}

	stdout, stderr, err := demuxFrames(raw)
	if err != nil {
		return nil, err
	}

	combined := stdout
	if stderr != "" {
		combined = strings.TrimSpace(stdout + "\n" + stderr)
	}
	r, _, err := extract.Extract(combined)
	if err != nil {
		return nil, err
	}
	r.ExecutionTimeMs = time.Since(started).Milliseconds()
	return finalize(r, len(req.Tests))
}

func (b *SandboxBackend) commandFor(track string) ([]string, error) {
	tmpl, ok := b.cfg.Commands[track]
	if !ok || tmpl == "" {
		// images bake in an entrypoint when no command is configured
		return nil, nil
	}
	words, err := shlex.Split(tmpl)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.BackendNotConfigured, "parse command for track %s", track)
	}
	return words, nil
}

var memoryLimitPattern = regexp.MustCompile(`^(\d+)([kmg]?)$`)

// parseMemoryLimit converts a limit like "256m" to bytes. Unparseable
// input falls back to 256MB.
func parseMemoryLimit(limit string) int64 {
	m := memoryLimitPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(limit)))
	if m == nil {
		return 256 * 1024 * 1024
	}
	value, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 256 * 1024 * 1024
	}
	switch m[2] {
	case "k":
		return value * 1024
	case "m":
		return value * 1024 * 1024
	case "g":
		return value * 1024 * 1024 * 1024
	default:
		return value
	}
}
