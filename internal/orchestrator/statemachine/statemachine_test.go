package statemachine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/crewdock/crewdock/internal/common/errors"
	"github.com/crewdock/crewdock/internal/common/logger"
	"github.com/crewdock/crewdock/internal/events/bus"
	"github.com/crewdock/crewdock/internal/notify"
	"github.com/crewdock/crewdock/internal/task/models"
	"github.com/crewdock/crewdock/internal/task/repository"
)

type stubStopper struct {
	mu      sync.Mutex
	stopped []string
}

func (s *stubStopper) StopExecution(ctx context.Context, exec *models.TaskExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, exec.ID)
	return nil
}

func newTestMachine(t *testing.T) (*StateMachine, repository.Repository, *stubStopper) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	repo := repository.NewMemoryRepository()
	publisher := notify.NewPublisher(bus.NewMemoryEventBus(log), "test", log)
	sm := New(repo, publisher, time.Hour, log)
	stopper := &stubStopper{}
	sm.SetContainerStopper(stopper)
	return sm, repo, stopper
}

func seedExecution(t *testing.T, repo repository.Repository) *models.TaskExecution {
	t.Helper()
	ctx := context.Background()

	task := &models.Task{Body: "fix the tests", Status: models.TaskStatusDoing, Source: models.TaskSourceAPI, UserID: "u1"}
	require.NoError(t, repo.CreateTask(ctx, task))

	exec := &models.TaskExecution{
		TaskID:        task.ID,
		UserID:        "u1",
		Status:        models.ExecutionStatusPending,
		AgentProvider: "claude-code",
		ContainerName: "crewdock-exec-1",
	}
	require.NoError(t, repo.CreateExecution(ctx, exec))
	return exec
}

func TestStartSetsStartedAt(t *testing.T) {
	sm, repo, _ := newTestMachine(t)
	exec := seedExecution(t, repo)

	started, err := sm.Start(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, started.Status)
	require.NotNil(t, started.StartedAt)
	assert.False(t, started.Completed)
}

func TestStartRejectsNonPending(t *testing.T) {
	sm, repo, _ := newTestMachine(t)
	exec := seedExecution(t, repo)

	_, err := sm.Start(context.Background(), exec.ID)
	require.NoError(t, err)

	_, err = sm.Start(context.Background(), exec.ID)
	assert.True(t, apperrors.IsInvalidTransition(err))
}

func TestFinishCompletedSetsDerivedFields(t *testing.T) {
	sm, repo, _ := newTestMachine(t)
	exec := seedExecution(t, repo)
	ctx := context.Background()

	_, err := sm.Start(ctx, exec.ID)
	require.NoError(t, err)

	payload := json.RawMessage(`{"summary":"done"}`)
	finished, err := sm.Finish(ctx, exec.ID, models.Completed(payload))
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, finished.Status)
	assert.True(t, finished.Completed)
	assert.False(t, finished.NeedsInput)
	require.NotNil(t, finished.FinishedAt)
	assert.JSONEq(t, `{"summary":"done"}`, string(finished.Result))
}

func TestFinishIsIdempotent(t *testing.T) {
	sm, repo, _ := newTestMachine(t)
	exec := seedExecution(t, repo)
	ctx := context.Background()

	_, err := sm.Start(ctx, exec.ID)
	require.NoError(t, err)

	first, err := sm.Finish(ctx, exec.ID, models.Completed(nil))
	require.NoError(t, err)

	// Second finish is a no-op that does not move FinishedAt
	second, err := sm.Finish(ctx, exec.ID, models.Completed(nil))
	require.NoError(t, err)
	assert.Equal(t, first.FinishedAt.UnixNano(), second.FinishedAt.UnixNano())
	assert.Equal(t, models.ExecutionStatusCompleted, second.Status)
}

func TestNeedsInputRoundTrip(t *testing.T) {
	sm, repo, _ := newTestMachine(t)
	exec := seedExecution(t, repo)
	ctx := context.Background()

	_, err := sm.Start(ctx, exec.ID)
	require.NoError(t, err)

	suspended, err := sm.RequestInput(ctx, exec.ID, "which branch should I use?")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusNeedsInput, suspended.Status)
	assert.True(t, suspended.NeedsInput)
	assert.Nil(t, suspended.FinishedAt)

	resumed, err := sm.Resume(ctx, exec.ID, []byte(`"use main"`))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, resumed.Status)
	assert.False(t, resumed.NeedsInput)
	// Original request preserved, provided input appended
	assert.Equal(t, "which branch should I use?", resumed.InputRequest)
	require.Len(t, resumed.Context, 1)
	assert.Equal(t, "user", resumed.Context[0].Role)
}

func TestResumeRequiresNeedsInput(t *testing.T) {
	sm, repo, _ := newTestMachine(t)
	exec := seedExecution(t, repo)
	ctx := context.Background()

	_, err := sm.Resume(ctx, exec.ID, []byte(`"hello"`))
	assert.True(t, apperrors.IsInvalidTransition(err))
}

func TestReportProgressOnlyWhileRunning(t *testing.T) {
	sm, repo, _ := newTestMachine(t)
	exec := seedExecution(t, repo)
	ctx := context.Background()

	err := sm.ReportProgress(ctx, exec.ID, 1, "early\n", models.Telemetry{})
	assert.True(t, apperrors.IsInvalidTransition(err))

	_, err = sm.Start(ctx, exec.ID)
	require.NoError(t, err)

	require.NoError(t, sm.ReportProgress(ctx, exec.ID, 1, "line one\n", models.Telemetry{TokenCount: 5}))
	// Redelivery of the same chunk is dropped silently
	require.NoError(t, sm.ReportProgress(ctx, exec.ID, 1, "line one\n", models.Telemetry{TokenCount: 5}))
	require.NoError(t, sm.ReportProgress(ctx, exec.ID, 2, "line two\n", models.Telemetry{TokenCount: 9}))

	got, err := repo.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", got.Log)
	assert.Equal(t, int64(9), got.TokenCount)
}

func TestCancelStopsContainerAndWins(t *testing.T) {
	sm, repo, stopper := newTestMachine(t)
	exec := seedExecution(t, repo)
	ctx := context.Background()

	_, err := sm.Start(ctx, exec.ID)
	require.NoError(t, err)

	canceled, err := sm.Cancel(ctx, exec.ID, "operator abort")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, canceled.Status)
	assert.Equal(t, apperrors.ErrCodeCanceled, canceled.ErrorCode)
	assert.Contains(t, stopper.stopped, exec.ID)

	// A result arriving after cancellation must not overwrite it
	after, err := sm.Finish(ctx, exec.ID, models.Completed(json.RawMessage(`{}`)))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, after.Status)
	assert.Equal(t, apperrors.ErrCodeCanceled, after.ErrorCode)

	// Cancel is idempotent
	again, err := sm.Cancel(ctx, exec.ID, "operator abort")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, again.Status)
}

func TestFinishYieldsToRequestedCancel(t *testing.T) {
	sm, repo, _ := newTestMachine(t)
	exec := seedExecution(t, repo)
	ctx := context.Background()

	_, err := sm.Start(ctx, exec.ID)
	require.NoError(t, err)

	// A cancellation flagged before the result commits must win even
	// though the finish gets to the execution lock first.
	sm.requestCancel(exec.ID, "canceled by user")
	finished, err := sm.Finish(ctx, exec.ID, models.Completed(json.RawMessage(`{}`)))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, finished.Status)
	assert.Equal(t, apperrors.ErrCodeCanceled, finished.ErrorCode)
	assert.False(t, finished.NeedsInput)

	// The cancel arriving afterwards observes the terminal execution.
	canceled, err := sm.Cancel(ctx, exec.ID, "canceled by user")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, canceled.Status)
	assert.Equal(t, apperrors.ErrCodeCanceled, canceled.ErrorCode)
}

func TestCancelRacingFinish(t *testing.T) {
	ctx := context.Background()

	// Once a cancellation is requested the execution must always end
	// failed with the cancellation marker, whichever transition commits
	// first. Repeat to shake out orderings.
	for i := 0; i < 200; i++ {
		sm, repo, _ := newTestMachine(t)
		exec := seedExecution(t, repo)

		_, err := sm.Start(ctx, exec.ID)
		require.NoError(t, err)

		sm.requestCancel(exec.ID, "race")
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = sm.Cancel(ctx, exec.ID, "race")
		}()
		go func() {
			defer wg.Done()
			_, _ = sm.Finish(ctx, exec.ID, models.Completed(nil))
		}()
		wg.Wait()

		got, err := repo.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		require.Equal(t, models.ExecutionStatusFailed, got.Status, "iteration %d", i)
		require.Equal(t, apperrors.ErrCodeCanceled, got.ErrorCode, "iteration %d", i)
	}
}

func TestTerminalHookFires(t *testing.T) {
	sm, repo, _ := newTestMachine(t)
	exec := seedExecution(t, repo)
	ctx := context.Background()

	var mu sync.Mutex
	var done []string
	sm.SetTerminalHook(func(ctx context.Context, e *models.TaskExecution) {
		mu.Lock()
		defer mu.Unlock()
		done = append(done, e.ID)
	})

	_, err := sm.Start(ctx, exec.ID)
	require.NoError(t, err)
	_, err = sm.Finish(ctx, exec.ID, models.Failed(apperrors.ErrCodeUnexpectedExit, "exit 1"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{exec.ID}, done)
}

func TestWatchdogFailsOverdueExecutions(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	repo := repository.NewMemoryRepository()
	publisher := notify.NewPublisher(bus.NewMemoryEventBus(log), "test", log)
	sm := New(repo, publisher, 10*time.Millisecond, log)
	stopper := &stubStopper{}
	sm.SetContainerStopper(stopper)

	exec := seedExecution(t, repo)
	ctx := context.Background()
	_, err = sm.Start(ctx, exec.ID)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	sm.sweepTimeouts(ctx)

	got, err := repo.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, got.Status)
	assert.Equal(t, apperrors.ErrCodeTimeout, got.ErrorCode)
	assert.Contains(t, stopper.stopped, exec.ID)
}
