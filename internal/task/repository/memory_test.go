package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdock/crewdock/internal/task/models"
)

func newTaskWithExecution(t *testing.T, repo Repository) (*models.Task, *models.TaskExecution) {
	t.Helper()
	ctx := context.Background()

	task := &models.Task{
		Body:   "add a health endpoint",
		Status: models.TaskStatusTodo,
		Source: models.TaskSourceAPI,
		UserID: "user-1",
	}
	require.NoError(t, repo.CreateTask(ctx, task))

	exec := &models.TaskExecution{
		TaskID:        task.ID,
		UserID:        task.UserID,
		Status:        models.ExecutionStatusPending,
		AgentProvider: "claude-code",
	}
	require.NoError(t, repo.CreateExecution(ctx, exec))
	return task, exec
}

func TestCompareAndSetTaskStatus(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	task, _ := newTaskWithExecution(t, repo)

	require.NoError(t, repo.CompareAndSetTaskStatus(ctx, task.ID, models.TaskStatusTodo, models.TaskStatusDoing))

	// Stale expectation loses the race
	err := repo.CompareAndSetTaskStatus(ctx, task.ID, models.TaskStatusTodo, models.TaskStatusDoing)
	assert.ErrorIs(t, err, ErrStaleStatus)

	got, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDoing, got.Status)
}

func TestActiveExecutionForTask(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	task, exec := newTaskWithExecution(t, repo)

	active, err := repo.ActiveExecutionForTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, exec.ID, active.ID)

	// Finish the execution and the task has no active one
	exec.ApplyStatus(models.ExecutionStatusRunning, time.Now().UTC())
	require.NoError(t, repo.CompareAndSetExecution(ctx, exec, models.ExecutionStatusPending))
	exec.ApplyOutcome(models.Completed(nil), time.Now().UTC())
	require.NoError(t, repo.CompareAndSetExecution(ctx, exec, models.ExecutionStatusRunning))

	active, err = repo.ActiveExecutionForTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestCompareAndSetExecutionStale(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	_, exec := newTaskWithExecution(t, repo)

	stale := *exec
	stale.ApplyStatus(models.ExecutionStatusRunning, time.Now().UTC())
	require.NoError(t, repo.CompareAndSetExecution(ctx, &stale, models.ExecutionStatusPending))

	// Second writer still believes the execution is pending
	other := *exec
	other.ApplyStatus(models.ExecutionStatusRunning, time.Now().UTC())
	err := repo.CompareAndSetExecution(ctx, &other, models.ExecutionStatusPending)
	assert.ErrorIs(t, err, ErrStaleStatus)
}

func TestCompareAndSetExecutionKeepsLogAndTelemetry(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	_, exec := newTaskWithExecution(t, repo)

	running := *exec
	running.ApplyStatus(models.ExecutionStatusRunning, time.Now().UTC())
	require.NoError(t, repo.CompareAndSetExecution(ctx, &running, models.ExecutionStatusPending))

	// Progress lands after the status writer took its snapshot
	_, err := repo.AppendExecutionLog(ctx, exec.ID, 1, "working\n", models.Telemetry{MemoryBytes: 2048, TokenCount: 17})
	require.NoError(t, err)

	// The stale snapshot commits a status change; the counters and log
	// written in between must survive it
	running.ApplyOutcome(models.Completed(nil), time.Now().UTC())
	require.NoError(t, repo.CompareAndSetExecution(ctx, &running, models.ExecutionStatusRunning))

	got, err := repo.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, "working\n", got.Log)
	assert.Equal(t, int64(1), got.LogSeq)
	assert.Equal(t, int64(2048), got.MemoryBytes)
	assert.Equal(t, int64(17), got.TokenCount)
}

func TestAppendExecutionLogOrderingAndTelemetry(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	_, exec := newTaskWithExecution(t, repo)

	applied, err := repo.AppendExecutionLog(ctx, exec.ID, 1, "one\n", models.Telemetry{MemoryBytes: 100, TokenCount: 10})
	require.NoError(t, err)
	assert.True(t, applied)

	// Duplicate seq is dropped
	applied, err = repo.AppendExecutionLog(ctx, exec.ID, 1, "one again\n", models.Telemetry{})
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = repo.AppendExecutionLog(ctx, exec.ID, 2, "two\n", models.Telemetry{MemoryBytes: 50, TokenCount: 20})
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := repo.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", got.Log)
	assert.Equal(t, int64(2), got.LogSeq)
	// Telemetry counters never decrease
	assert.Equal(t, int64(100), got.MemoryBytes)
	assert.Equal(t, int64(20), got.TokenCount)
}

func TestSessionLifecycleStorage(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	session := &models.TerminalSession{
		Name:   "dev shell",
		UserID: "user-1",
		Status: models.SessionStatusPending,
	}
	require.NoError(t, repo.CreateSession(ctx, session))

	session.Status = models.SessionStatusStarting
	session.ContainerName = "crewdock-term-1"
	require.NoError(t, repo.CompareAndSetSession(ctx, session, models.SessionStatusPending))

	err := repo.CompareAndSetSession(ctx, session, models.SessionStatusPending)
	assert.ErrorIs(t, err, ErrStaleStatus)

	before, err := repo.GetSession(ctx, session.ID)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, repo.TouchSession(ctx, session.ID))

	after, err := repo.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, after.LastActiveAt.After(before.LastActiveAt))
}
