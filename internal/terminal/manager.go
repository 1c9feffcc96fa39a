// Package terminal manages interactive shell sessions in containers:
// lifecycle, port allocation, idle reaping, and crash detection.
package terminal

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/crewdock/crewdock/internal/common/config"
	apperrors "github.com/crewdock/crewdock/internal/common/errors"
	"github.com/crewdock/crewdock/internal/common/logger"
	"github.com/crewdock/crewdock/internal/notify"
	"github.com/crewdock/crewdock/internal/runtime"
	"github.com/crewdock/crewdock/internal/task/models"
	"github.com/crewdock/crewdock/internal/task/repository"
)

const (
	containerNamePrefix = "crewdock-term-"
	containerShellPort  = 7681
	stopTimeout         = 5 * time.Second
	readyTimeout        = 10 * time.Second
	readyPollInterval   = 100 * time.Millisecond
)

// Manager owns terminal session lifecycle. Container capacity is shared
// with the task dispatcher through the weighted semaphore.
type Manager struct {
	repo      repository.Repository
	runtime   runtime.Runtime
	publisher *notify.Publisher
	sem       *semaphore.Weighted
	cfg       config.TerminalConfig
	logger    *logger.Logger

	mu       sync.Mutex
	ports    map[int]bool
	watchers map[string]context.CancelFunc

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a terminal session manager.
func NewManager(repo repository.Repository, rt runtime.Runtime, publisher *notify.Publisher, sem *semaphore.Weighted, cfg config.TerminalConfig, log *logger.Logger) *Manager {
	return &Manager{
		repo:      repo,
		runtime:   rt,
		publisher: publisher,
		sem:       sem,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "terminal")),
		ports:     make(map[int]bool),
		watchers:  make(map[string]context.CancelFunc),
		stopCh:    make(chan struct{}),
	}
}

// Open creates a session and launches its shell container. The session
// passes pending→starting→running; any launch failure lands it in stopped
// with a reason instead of an error state.
func (m *Manager) Open(ctx context.Context, userID, projectID, name string) (*models.TerminalSession, error) {
	session := &models.TerminalSession{
		Name:         name,
		UserID:       userID,
		ProjectID:    projectID,
		Status:       models.SessionStatusPending,
		LastActiveAt: time.Now().UTC(),
	}
	if err := m.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	// The container name is fixed as soon as the session starts launching,
	// so a crash mid-launch still leaves enough to find the container.
	session.ContainerName = containerName(session.ID)
	session.Status = models.SessionStatusStarting
	if err := m.repo.CompareAndSetSession(ctx, session, models.SessionStatusPending); err != nil {
		return nil, err
	}
	m.publisher.TerminalStatus(ctx, session.ID, models.SessionStatusPending, models.SessionStatusStarting)

	if !m.sem.TryAcquire(1) {
		m.markStopped(ctx, session, "no container capacity")
		return nil, apperrors.ServiceUnavailable("container capacity")
	}

	port, err := m.allocatePort()
	if err != nil {
		m.sem.Release(1)
		m.markStopped(ctx, session, err.Error())
		return nil, err
	}

	spec, err := m.buildSpec(ctx, session, port)
	if err != nil {
		m.releaseResources(port)
		m.markStopped(ctx, session, err.Error())
		return nil, err
	}

	if err := m.runtime.EnsureImage(ctx, spec.Image); err != nil {
		m.releaseResources(port)
		m.markStopped(ctx, session, "launch failure: "+err.Error())
		return nil, apperrors.LaunchFailure("pulling terminal image", err)
	}

	handle, err := m.runtime.Start(ctx, *spec)
	if err != nil {
		m.releaseResources(port)
		m.markStopped(ctx, session, "launch failure: "+err.Error())
		return nil, apperrors.LaunchFailure("starting terminal container", err)
	}

	if err := m.waitReady(ctx, session.ContainerName, handle.ID); err != nil {
		m.teardownContainer(handle.ID)
		m.releaseResources(port)
		m.markStopped(ctx, session, err.Error())
		return nil, err
	}

	session.Port = port
	session.WSPath = "/ws/terminal/" + session.ID
	session.Status = models.SessionStatusRunning
	session.LastActiveAt = time.Now().UTC()
	if err := m.repo.CompareAndSetSession(ctx, session, models.SessionStatusStarting); err != nil {
		m.teardownContainer(handle.ID)
		m.releaseResources(port)
		return nil, err
	}
	m.publisher.TerminalStatus(ctx, session.ID, models.SessionStatusStarting, models.SessionStatusRunning)

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.watchers[session.ID] = cancel
	m.mu.Unlock()
	m.wg.Add(1)
	go m.watch(watchCtx, session.ID, handle.ID)

	m.logger.Info("Terminal session opened",
		zap.String("session_id", session.ID),
		zap.String("user_id", userID),
		zap.Int("port", port))
	return session, nil
}

// Close stops a session's container and marks it stopped. Idempotent.
func (m *Manager) Close(ctx context.Context, sessionID string, reason string) (*models.TerminalSession, error) {
	session, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == models.SessionStatusStopped {
		return session, nil
	}
	if reason == "" {
		reason = "closed"
	}

	m.cancelWatcher(sessionID)
	if session.ContainerName != "" {
		m.teardownContainer(session.ContainerName)
	}
	// Only a running session holds a port and a capacity slot; a starting
	// session's resources are still owned by its Open call.
	if session.Status == models.SessionStatusRunning {
		m.releaseResources(session.Port)
	}
	m.markStopped(ctx, session, reason)
	return session, nil
}

// Touch refreshes the session's idle clock; the websocket bridge calls this
// on client activity.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	return m.repo.TouchSession(ctx, sessionID)
}

// Attach connects to the stdio of a running session's container.
func (m *Manager) Attach(ctx context.Context, sessionID string) (*runtime.AttachStreams, *models.TerminalSession, error) {
	session, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if session.Status != models.SessionStatusRunning {
		return nil, nil, apperrors.BadRequest("terminal session is not running")
	}
	streams, err := m.runtime.Attach(ctx, session.ContainerName)
	if err != nil {
		return nil, nil, err
	}
	return streams, session, nil
}

// Get returns one session.
func (m *Manager) Get(ctx context.Context, sessionID string) (*models.TerminalSession, error) {
	return m.repo.GetSession(ctx, sessionID)
}

// List returns a user's sessions.
func (m *Manager) List(ctx context.Context, userID string) ([]*models.TerminalSession, error) {
	return m.repo.ListSessions(ctx, userID)
}

// StartReaper launches the background sweep that closes idle sessions.
func (m *Manager) StartReaper(ctx context.Context) {
	m.wg.Add(1)
	go m.reaperLoop(ctx)
}

// Shutdown stops the reaper and all session watchers.
func (m *Manager) Shutdown() {
	close(m.stopCh)

	m.mu.Lock()
	for _, cancel := range m.watchers {
		cancel()
	}
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Manager) buildSpec(ctx context.Context, session *models.TerminalSession, port int) (*runtime.Spec, error) {
	var mounts []runtime.Mount
	if session.ProjectID != "" {
		project, err := m.repo.GetProject(ctx, session.ProjectID)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, runtime.Mount{
			Source: project.Folder,
			Target: "/workspace",
		})
	}

	return &runtime.Spec{
		Name:       session.ContainerName,
		Image:      m.cfg.Image,
		WorkingDir: "/workspace",
		Mounts:     mounts,
		Ports: []runtime.PortBinding{
			{HostPort: port, ContainerPort: containerShellPort},
		},
		Labels: map[string]string{
			"crewdock.managed":    "true",
			"crewdock.kind":       "terminal",
			"crewdock.session_id": session.ID,
		},
		TTY: true,
	}, nil
}

// containerName derives the stable container name for a session.
func containerName(sessionID string) string {
	if len(sessionID) > 8 {
		return containerNamePrefix + sessionID[:8]
	}
	return containerNamePrefix + sessionID
}

// waitReady polls the container until the runtime reports it running. A
// shell that dies immediately (bad image entrypoint, port clash) surfaces
// here instead of as a session that flaps running→stopped.
func (m *Manager) waitReady(ctx context.Context, name, containerID string) error {
	deadline := time.Now().Add(readyTimeout)
	for {
		status, err := m.runtime.Inspect(ctx, containerID)
		if err != nil {
			return apperrors.LaunchFailure("inspecting terminal container", err)
		}
		if status.Running {
			return nil
		}
		switch status.State {
		case "exited", "dead":
			return apperrors.ContainerExited(name, int64(status.ExitCode))
		}
		if time.Now().After(deadline) {
			return apperrors.Timeout("terminal container did not become ready")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyPollInterval):
		}
	}
}

// allocatePort picks a free port from the configured range.
func (m *Manager) allocatePort() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for port := m.cfg.PortRangeFrom; port <= m.cfg.PortRangeTo; port++ {
		if !m.ports[port] {
			m.ports[port] = true
			return port, nil
		}
	}
	return 0, apperrors.ServiceUnavailable("terminal port range")
}

func (m *Manager) releaseResources(port int) {
	m.mu.Lock()
	delete(m.ports, port)
	m.mu.Unlock()
	m.sem.Release(1)
}

// markStopped moves a session to stopped from whatever state it is in.
// Port and WSPath are only meaningful while running, so they are cleared.
func (m *Manager) markStopped(ctx context.Context, session *models.TerminalSession, reason string) {
	from := session.Status
	session.Status = models.SessionStatusStopped
	session.StoppedReason = reason
	session.Port = 0
	session.WSPath = ""
	if err := m.repo.CompareAndSetSession(ctx, session, from); err != nil {
		m.logger.Warn("Failed to mark session stopped",
			zap.String("session_id", session.ID),
			zap.Error(err))
		return
	}
	m.publisher.TerminalStatus(ctx, session.ID, from, models.SessionStatusStopped)
	m.logger.Info("Terminal session stopped",
		zap.String("session_id", session.ID),
		zap.String("reason", reason))
}

// watch waits for the container to exit and flags crashes. A session closed
// through Close cancels its watcher first, so only unexpected exits land
// here with the session still running.
func (m *Manager) watch(ctx context.Context, sessionID, containerID string) {
	defer m.wg.Done()

	exitCode, err := m.runtime.Wait(ctx, containerID)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Warn("Terminal container wait failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}

	session, err := m.repo.GetSession(context.WithoutCancel(ctx), sessionID)
	if err != nil || session.Status != models.SessionStatusRunning {
		return
	}

	m.cancelWatcher(sessionID)
	m.releaseResources(session.Port)
	appErr := apperrors.ContainerExited(session.ContainerName, exitCode)
	m.markStopped(context.WithoutCancel(ctx), session, appErr.Message)
	m.teardownContainer(containerID)
}

func (m *Manager) cancelWatcher(sessionID string) {
	m.mu.Lock()
	cancel, ok := m.watchers[sessionID]
	if ok {
		delete(m.watchers, sessionID)
	}
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Manager) teardownContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*stopTimeout)
	defer cancel()

	if err := m.runtime.Stop(ctx, containerID, stopTimeout); err != nil {
		m.logger.Debug("Stopping terminal container", zap.String("container", containerID), zap.Error(err))
	}
	if err := m.runtime.Remove(ctx, containerID, true); err != nil {
		m.logger.Debug("Removing terminal container", zap.String("container", containerID), zap.Error(err))
	}
}

func (m *Manager) reaperLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := m.cfg.ReapIntervalDuration()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepIdle(ctx)
		}
	}
}

func (m *Manager) sweepIdle(ctx context.Context) {
	running, err := m.repo.ListSessionsByStatus(ctx, models.SessionStatusRunning)
	if err != nil {
		m.logger.Error("Reaper failed to list sessions", zap.Error(err))
		return
	}

	cutoff := time.Now().UTC().Add(-m.cfg.IdleTimeoutDuration())
	for _, session := range running {
		if session.LastActiveAt.After(cutoff) {
			continue
		}
		m.logger.Info("Reaping idle terminal session",
			zap.String("session_id", session.ID),
			zap.Time("last_active_at", session.LastActiveAt))
		if _, err := m.Close(ctx, session.ID, "idle timeout"); err != nil {
			m.logger.Warn("Failed to reap idle session",
				zap.String("session_id", session.ID),
				zap.Error(err))
		}
	}
}
