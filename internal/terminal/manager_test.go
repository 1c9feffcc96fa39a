package terminal

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/crewdock/crewdock/internal/common/config"
	apperrors "github.com/crewdock/crewdock/internal/common/errors"
	"github.com/crewdock/crewdock/internal/common/logger"
	"github.com/crewdock/crewdock/internal/events/bus"
	"github.com/crewdock/crewdock/internal/notify"
	"github.com/crewdock/crewdock/internal/runtime"
	"github.com/crewdock/crewdock/internal/task/models"
	"github.com/crewdock/crewdock/internal/task/repository"
)

type nopWriteCloser struct{ bytes.Buffer }

func (nopWriteCloser) Close() error { return nil }

// fakeRuntime keeps containers "running" until an exit code is injected or
// the watcher context is canceled.
type fakeRuntime struct {
	mu      sync.Mutex
	pulled  []string
	started []runtime.Spec
	stopped []string
	removed []string
	inspect *runtime.Status
	exitCh  chan int64
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{exitCh: make(chan int64, 1)}
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
	return &runtime.AttachStreams{
		Stdin:  &nopWriteCloser{},
		Stdout: strings.NewReader(""),
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
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspect != nil {
		return f.inspect, nil
	}
	return &runtime.Status{ID: containerID, State: "running", Running: true}, nil
}

func (f *fakeRuntime) Wait(ctx context.Context, containerID string) (int64, error) {
	select {
	case code := <-f.exitCh:
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
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

type terminalFixture struct {
	m    *Manager
	repo repository.Repository
	rt   *fakeRuntime
}

func newTerminalFixture(t *testing.T, cfg config.TerminalConfig) *terminalFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	if cfg.Image == "" {
		cfg.Image = "crewdock/terminal"
	}
	if cfg.PortRangeFrom == 0 {
		cfg.PortRangeFrom = 40000
		cfg.PortRangeTo = 40015
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 1800
	}

	repo := repository.NewMemoryRepository()
	publisher := notify.NewPublisher(bus.NewMemoryEventBus(log), "test", log)
	rt := newFakeRuntime()
	m := NewManager(repo, rt, publisher, semaphore.NewWeighted(4), cfg, log)
	t.Cleanup(m.Shutdown)
	return &terminalFixture{m: m, repo: repo, rt: rt}
}

func TestOpenRunsSession(t *testing.T) {
	f := newTerminalFixture(t, config.TerminalConfig{})
	ctx := context.Background()

	project := &models.Project{Name: "widget", Folder: "/srv/projects/widget", UserID: "u1"}
	require.NoError(t, f.repo.CreateProject(ctx, project))

	session, err := f.m.Open(ctx, "u1", project.ID, "dev shell")
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusRunning, session.Status)
	assert.GreaterOrEqual(t, session.Port, 40000)
	assert.LessOrEqual(t, session.Port, 40015)
	assert.Equal(t, "/ws/terminal/"+session.ID, session.WSPath)
	assert.NotEmpty(t, session.ContainerName)

	require.Len(t, f.rt.started, 1)
	spec := f.rt.started[0]
	assert.Equal(t, []string{"crewdock/terminal"}, f.rt.pulled)
	assert.Equal(t, session.ContainerName, spec.Name)
	assert.True(t, spec.TTY)
	assert.Equal(t, session.ID, spec.Labels["crewdock.session_id"])
	require.Len(t, spec.Mounts, 1)
	assert.Equal(t, "/srv/projects/widget", spec.Mounts[0].Source)

	stored, err := f.repo.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, stored.Status)
}

func TestOpenWithoutProjectHasNoMounts(t *testing.T) {
	f := newTerminalFixture(t, config.TerminalConfig{})

	_, err := f.m.Open(context.Background(), "u1", "", "scratch")
	require.NoError(t, err)
	require.Len(t, f.rt.started, 1)
	assert.Empty(t, f.rt.started[0].Mounts)
}

func TestOpenPortExhaustion(t *testing.T) {
	f := newTerminalFixture(t, config.TerminalConfig{PortRangeFrom: 41000, PortRangeTo: 41000})
	ctx := context.Background()

	first, err := f.m.Open(ctx, "u1", "", "one")
	require.NoError(t, err)
	assert.Equal(t, 41000, first.Port)

	_, err = f.m.Open(ctx, "u1", "", "two")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeServiceUnavailable, apperrors.Code(err))

	// The failed session is stopped, not stuck in starting
	sessions, err := f.repo.ListSessionsByStatus(ctx, models.SessionStatusStopped)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	// Closing the first session frees the port for reuse
	_, err = f.m.Close(ctx, first.ID, "")
	require.NoError(t, err)
	third, err := f.m.Open(ctx, "u1", "", "three")
	require.NoError(t, err)
	assert.Equal(t, 41000, third.Port)
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newTerminalFixture(t, config.TerminalConfig{})
	ctx := context.Background()

	session, err := f.m.Open(ctx, "u1", "", "shell")
	require.NoError(t, err)

	closed, err := f.m.Close(ctx, session.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusStopped, closed.Status)
	assert.NotEmpty(t, f.rt.stoppedContainers())

	again, err := f.m.Close(ctx, session.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusStopped, again.Status)
	assert.Len(t, f.rt.stoppedContainers(), 1)
}

func TestStoppedSessionHoldsNoEndpoint(t *testing.T) {
	f := newTerminalFixture(t, config.TerminalConfig{})
	ctx := context.Background()

	session, err := f.m.Open(ctx, "u1", "", "shell")
	require.NoError(t, err)
	require.NotZero(t, session.Port)

	_, err = f.m.Close(ctx, session.ID, "")
	require.NoError(t, err)

	got, err := f.repo.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusStopped, got.Status)
	assert.Zero(t, got.Port)
	assert.Empty(t, got.WSPath)
	// The container name survives so operators can still find debris.
	assert.NotEmpty(t, got.ContainerName)
}

func TestContainerNamePersistedFromStarting(t *testing.T) {
	f := newTerminalFixture(t, config.TerminalConfig{PortRangeFrom: 41100, PortRangeTo: 41100})
	ctx := context.Background()

	_, err := f.m.Open(ctx, "u1", "", "one")
	require.NoError(t, err)

	// The second open fails before any container starts, yet the stopped
	// session already carries its would-be container name.
	_, err = f.m.Open(ctx, "u1", "", "two")
	require.Error(t, err)

	stopped, err := f.repo.ListSessionsByStatus(ctx, models.SessionStatusStopped)
	require.NoError(t, err)
	require.Len(t, stopped, 1)
	assert.True(t, strings.HasPrefix(stopped[0].ContainerName, containerNamePrefix))
	assert.Zero(t, stopped[0].Port)
	assert.Empty(t, stopped[0].WSPath)
}

func TestOpenFailsWhenShellExitsImmediately(t *testing.T) {
	f := newTerminalFixture(t, config.TerminalConfig{})
	ctx := context.Background()

	f.rt.inspect = &runtime.Status{State: "exited", ExitCode: 127}

	_, err := f.m.Open(ctx, "u1", "", "shell")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeContainerExited, apperrors.Code(err))

	stopped, err := f.repo.ListSessionsByStatus(ctx, models.SessionStatusStopped)
	require.NoError(t, err)
	require.Len(t, stopped, 1)
	assert.NotEmpty(t, f.rt.stoppedContainers())

	// The port and capacity slot were released, so a healthy open works.
	f.rt.mu.Lock()
	f.rt.inspect = nil
	f.rt.mu.Unlock()
	session, err := f.m.Open(ctx, "u1", "", "retry")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, session.Status)
}

func TestContainerCrashStopsSession(t *testing.T) {
	f := newTerminalFixture(t, config.TerminalConfig{})
	ctx := context.Background()

	session, err := f.m.Open(ctx, "u1", "", "shell")
	require.NoError(t, err)

	f.rt.exitCh <- 137

	require.Eventually(t, func() bool {
		got, err := f.repo.GetSession(ctx, session.ID)
		return err == nil && got.Status == models.SessionStatusStopped
	}, 2*time.Second, 10*time.Millisecond)

	got, err := f.repo.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Contains(t, got.StoppedReason, "exited")
}

func TestIdleReaperClosesStaleSessions(t *testing.T) {
	f := newTerminalFixture(t, config.TerminalConfig{})
	ctx := context.Background()

	session, err := f.m.Open(ctx, "u1", "", "shell")
	require.NoError(t, err)

	// Age the session past the idle threshold
	stored, err := f.repo.GetSession(ctx, session.ID)
	require.NoError(t, err)
	stored.LastActiveAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, f.repo.CompareAndSetSession(ctx, stored, models.SessionStatusRunning))

	f.m.sweepIdle(ctx)

	got, err := f.repo.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusStopped, got.Status)
	assert.Equal(t, "idle timeout", got.StoppedReason)
}

func TestTouchRefreshesIdleClock(t *testing.T) {
	f := newTerminalFixture(t, config.TerminalConfig{})
	ctx := context.Background()

	session, err := f.m.Open(ctx, "u1", "", "shell")
	require.NoError(t, err)

	before, err := f.repo.GetSession(ctx, session.ID)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, f.m.Touch(ctx, session.ID))

	after, err := f.repo.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, after.LastActiveAt.After(before.LastActiveAt))
}
