// Package repository provides persistent storage for tasks, task executions,
// terminal sessions, and projects.
package repository

import (
	"context"
	"errors"

	"github.com/crewdock/crewdock/internal/task/models"
)

// ErrStaleStatus is returned by the compare-and-set operations when the
// stored status no longer matches the expected one. Callers treat it as a
// lost race, not a storage failure.
var ErrStaleStatus = errors.New("stored status does not match expected status")

// Repository defines the interface for orchestrator storage operations.
// Status changes go through the compare-and-set operations so that every
// transition is validated against the stored state, never a cached one.
type Repository interface {
	// Task operations
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, userID string) ([]*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	// CompareAndSetTaskStatus moves a task from the expected status to the
	// new one atomically. Returns ErrStaleStatus when the stored status
	// differs from the expected one.
	CompareAndSetTaskStatus(ctx context.Context, id string, expected, next models.TaskStatus) error

	// Execution operations
	CreateExecution(ctx context.Context, exec *models.TaskExecution) error
	GetExecution(ctx context.Context, id string) (*models.TaskExecution, error)
	ListExecutionsForTask(ctx context.Context, taskID string) ([]*models.TaskExecution, error)
	ListExecutionsByStatus(ctx context.Context, status models.ExecutionStatus) ([]*models.TaskExecution, error)
	// ActiveExecutionForTask returns the single non-terminal execution for
	// the task, or nil when the task has none.
	ActiveExecutionForTask(ctx context.Context, taskID string) (*models.TaskExecution, error)
	// CompareAndSetExecution writes the full execution record if the stored
	// status matches expected. This is the write-ahead step for every
	// transition: the record carries the already-applied new status and
	// derived fields.
	CompareAndSetExecution(ctx context.Context, exec *models.TaskExecution, expected models.ExecutionStatus) error
	// AppendExecutionLog appends a log chunk under the caller-supplied
	// sequence number and folds in telemetry counters. Chunks at or below
	// the stored sequence are ignored; telemetry counters never decrease.
	// Returns whether the chunk was applied.
	AppendExecutionLog(ctx context.Context, executionID string, seq int64, chunk string, tel models.Telemetry) (bool, error)

	// Terminal session operations
	CreateSession(ctx context.Context, session *models.TerminalSession) error
	GetSession(ctx context.Context, id string) (*models.TerminalSession, error)
	ListSessions(ctx context.Context, userID string) ([]*models.TerminalSession, error)
	ListSessionsByStatus(ctx context.Context, status models.SessionStatus) ([]*models.TerminalSession, error)
	// CompareAndSetSession writes the full session record if the stored
	// status matches expected.
	CompareAndSetSession(ctx context.Context, session *models.TerminalSession, expected models.SessionStatus) error
	// TouchSession updates the session's last-activity timestamp.
	TouchSession(ctx context.Context, id string) error

	// Project operations (read-mostly collaborator data)
	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ListProjects(ctx context.Context, userID string) ([]*models.Project, error)

	// Close closes the repository (for database connections)
	Close() error
}
