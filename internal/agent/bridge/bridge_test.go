package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdock/crewdock/internal/agent/credentials"
	"github.com/crewdock/crewdock/internal/agent/registry"
	"github.com/crewdock/crewdock/internal/common/config"
	apperrors "github.com/crewdock/crewdock/internal/common/errors"
	"github.com/crewdock/crewdock/internal/common/logger"
	"github.com/crewdock/crewdock/internal/events/bus"
	"github.com/crewdock/crewdock/internal/notify"
	"github.com/crewdock/crewdock/internal/orchestrator/statemachine"
	"github.com/crewdock/crewdock/internal/runtime"
	"github.com/crewdock/crewdock/internal/task/models"
	"github.com/crewdock/crewdock/internal/task/repository"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Close() error { return nil }

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeRuntime plays one scripted stdout transcript per attach and records
// container lifecycle calls.
type fakeRuntime struct {
	mu       sync.Mutex
	scripts  []string
	exitCode int64
	stdins   []*lockedBuffer
	pulled   []string
	started  []runtime.Spec
	stopped  []string
	removed  []string
	attaches int
}

func (f *fakeRuntime) EnsureImage(ctx context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, image)
	return nil
}

func (f *fakeRuntime) Start(ctx context.Context, spec runtime.Spec) (*runtime.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, spec)
	return &runtime.Handle{ID: spec.Name + "-cid", Name: spec.Name}, nil
}

func (f *fakeRuntime) Attach(ctx context.Context, containerID string) (*runtime.AttachStreams, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	script := ""
	if f.attaches < len(f.scripts) {
		script = f.scripts[f.attaches]
	}
	f.attaches++

	stdin := &lockedBuffer{}
	f.stdins = append(f.stdins, stdin)
	return &runtime.AttachStreams{
		Stdin:  stdin,
		Stdout: strings.NewReader(script),
		Stderr: strings.NewReader(""),
	}, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, containerID)
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, containerID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, containerID string) (*runtime.Status, error) {
	return &runtime.Status{ID: containerID, State: "exited"}, nil
}

func (f *fakeRuntime) Wait(ctx context.Context, containerID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitCode, nil
}

func (f *fakeRuntime) List(ctx context.Context, labels map[string]string) ([]runtime.Status, error) {
	return nil, nil
}

func (f *fakeRuntime) Ping(ctx context.Context) error { return nil }

func (f *fakeRuntime) Close() error { return nil }

func (f *fakeRuntime) stoppedContainers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

type fixture struct {
	bridge  *Bridge
	machine *statemachine.StateMachine
	repo    repository.Repository
	rt      *fakeRuntime
}

func newFixture(t *testing.T, rt *fakeRuntime, cfg config.AgentConfig) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	repo := repository.NewMemoryRepository()
	publisher := notify.NewPublisher(bus.NewMemoryEventBus(log), "test", log)
	machine := statemachine.New(repo, publisher, time.Hour, log)

	reg := registry.NewRegistry(log)
	require.NoError(t, reg.Register(&registry.ProviderConfig{
		ID:         "scripted",
		Image:      "crewdock/scripted",
		WorkingDir: "/workspace",
		Mounts:     []registry.MountTemplate{{Source: "{workspace}", Target: "/workspace"}},
		Enabled:    true,
		Default:    true,
	}))

	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "scripted"
	}
	if cfg.CorruptionThreshold == 0 {
		cfg.CorruptionThreshold = 10
	}

	b := New(rt, reg, credentials.NewEnvProvider("CREWDOCK_"), machine, cfg, log)
	machine.SetContainerStopper(b)
	return &fixture{bridge: b, machine: machine, repo: repo, rt: rt}
}

func (f *fixture) seedRunning(t *testing.T) (*models.TaskExecution, *models.Task) {
	t.Helper()
	ctx := context.Background()

	task := &models.Task{
		Body:       "add a retry loop around the flaky fetch",
		Status:     models.TaskStatusDoing,
		Source:     models.TaskSourceAPI,
		UserID:     "u1",
		MountPoint: "/srv/repos/widget",
	}
	require.NoError(t, f.repo.CreateTask(ctx, task))

	exec := &models.TaskExecution{
		TaskID:        task.ID,
		UserID:        "u1",
		Status:        models.ExecutionStatusPending,
		AgentProvider: "scripted",
	}
	require.NoError(t, f.repo.CreateExecution(ctx, exec))
	exec.ContainerName = ContainerNameFor(exec.ID)
	require.NoError(t, f.repo.CompareAndSetExecution(ctx, exec, models.ExecutionStatusPending))

	started, err := f.machine.Start(ctx, exec.ID)
	require.NoError(t, err)
	return started, task
}

func (f *fixture) waitStatus(t *testing.T, executionID string, want models.ExecutionStatus) *models.TaskExecution {
	t.Helper()
	var got *models.TaskExecution
	require.Eventually(t, func() bool {
		exec, err := f.repo.GetExecution(context.Background(), executionID)
		if err != nil {
			return false
		}
		got = exec
		return exec.Status == want
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func script(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

func TestLaunchCompletes(t *testing.T) {
	rt := &fakeRuntime{scripts: []string{script(
		`{"type":"log","text":"cloning repository"}`,
		`{"type":"telemetry","memory_bytes":1048576,"token_count":42}`,
		`{"type":"log","text":"patch applied"}`,
		`{"type":"result","payload":{"summary":"retry loop added"}}`,
	)}}
	f := newFixture(t, rt, config.AgentConfig{})
	exec, task := f.seedRunning(t)

	require.NoError(t, f.bridge.Launch(context.Background(), exec, task))

	got := f.waitStatus(t, exec.ID, models.ExecutionStatusCompleted)
	assert.JSONEq(t, `{"summary":"retry loop added"}`, string(got.Result))
	assert.Contains(t, got.Log, "cloning repository")
	assert.Contains(t, got.Log, "patch applied")
	assert.Equal(t, int64(42), got.TokenCount)
	assert.Equal(t, int64(1048576), got.MemoryBytes)

	// Container is torn down after the result
	assert.Eventually(t, func() bool {
		return len(rt.stoppedContainers()) > 0
	}, time.Second, 10*time.Millisecond)

	// Prelude carried the task and the handoff marker
	stdin := rt.stdins[0].String()
	assert.Contains(t, stdin, `"type":"task"`)
	assert.Contains(t, stdin, "retry loop around the flaky fetch")
	assert.Contains(t, stdin, `"type":"go"`)

	// Image made available before the container started
	assert.Equal(t, []string{"crewdock/scripted"}, rt.pulled)

	// Workspace template resolved against the task mount point
	require.Len(t, rt.started, 1)
	require.Len(t, rt.started[0].Mounts, 1)
	assert.Equal(t, "/srv/repos/widget", rt.started[0].Mounts[0].Source)
}

func TestCorruptLinesFailWithProtocolViolation(t *testing.T) {
	rt := &fakeRuntime{scripts: []string{script(
		`{"type":"log","text":"ok so far"}`,
		`not json at all`,
		`{"type":"mystery"}`,
		`still not json`,
	)}}
	f := newFixture(t, rt, config.AgentConfig{CorruptionThreshold: 2})
	exec, task := f.seedRunning(t)

	require.NoError(t, f.bridge.Launch(context.Background(), exec, task))

	got := f.waitStatus(t, exec.ID, models.ExecutionStatusFailed)
	assert.Equal(t, apperrors.ErrCodeProtocolViolation, got.ErrorCode)
	assert.Contains(t, got.Log, "ok so far")
}

func TestExitWithoutResultFailsWithUnexpectedExit(t *testing.T) {
	rt := &fakeRuntime{
		scripts:  []string{script(`{"type":"log","text":"working"}`)},
		exitCode: 3,
	}
	f := newFixture(t, rt, config.AgentConfig{})
	exec, task := f.seedRunning(t)

	require.NoError(t, f.bridge.Launch(context.Background(), exec, task))

	got := f.waitStatus(t, exec.ID, models.ExecutionStatusFailed)
	assert.Equal(t, apperrors.ErrCodeUnexpectedExit, got.ErrorCode)
	assert.Contains(t, got.ErrorMessage, "code 3")
}

func TestInputRequestSuspendsAndResumeReplaysContext(t *testing.T) {
	rt := &fakeRuntime{scripts: []string{
		script(
			`{"type":"log","text":"inspecting branches"}`,
			`{"type":"input_request","prompt":"which branch should I target?"}`,
		),
		script(
			`{"type":"result","payload":{"summary":"merged into main"}}`,
		),
	}}
	f := newFixture(t, rt, config.AgentConfig{})
	exec, task := f.seedRunning(t)
	ctx := context.Background()

	require.NoError(t, f.bridge.Launch(ctx, exec, task))

	suspended := f.waitStatus(t, exec.ID, models.ExecutionStatusNeedsInput)
	assert.Equal(t, "which branch should I target?", suspended.InputRequest)
	require.Len(t, suspended.Context, 1)
	assert.Equal(t, "agent", suspended.Context[0].Role)

	// The suspended container is discarded, not kept warm
	assert.Eventually(t, func() bool {
		return len(rt.stoppedContainers()) > 0
	}, time.Second, 10*time.Millisecond)

	resumed, err := f.machine.Resume(ctx, exec.ID, json.RawMessage(`"target main"`))
	require.NoError(t, err)
	require.NoError(t, f.bridge.Resume(ctx, resumed, task))

	got := f.waitStatus(t, exec.ID, models.ExecutionStatusCompleted)
	assert.JSONEq(t, `{"summary":"merged into main"}`, string(got.Result))

	// Relaunch replays both sides of the exchange
	require.Len(t, rt.stdins, 2)
	replay := rt.stdins[1].String()
	assert.Contains(t, replay, "which branch should I target?")
	assert.Contains(t, replay, "target main")
}

func TestLaunchRejectsMissingCredentials(t *testing.T) {
	rt := &fakeRuntime{}
	f := newFixture(t, rt, config.AgentConfig{})
	exec, task := f.seedRunning(t)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	reg := registry.NewRegistry(log)
	require.NoError(t, reg.Register(&registry.ProviderConfig{
		ID:          "locked",
		Image:       "crewdock/locked",
		WorkingDir:  "/workspace",
		RequiredEnv: []string{"CREWDOCK_TEST_KEY_THAT_DOES_NOT_EXIST"},
		Enabled:     true,
	}))
	f.bridge.registry = reg
	exec.AgentProvider = "locked"

	err = f.bridge.Launch(context.Background(), exec, task)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeLaunchFailure, apperrors.Code(err))
	assert.Empty(t, rt.started)
}

func TestStopExecutionByContainerName(t *testing.T) {
	rt := &fakeRuntime{}
	f := newFixture(t, rt, config.AgentConfig{})

	exec := &models.TaskExecution{ID: "e-1", ContainerName: "crewdock-exec-deadbeef"}
	require.NoError(t, f.bridge.StopExecution(context.Background(), exec))
	assert.Contains(t, rt.stoppedContainers(), "crewdock-exec-deadbeef")
}
