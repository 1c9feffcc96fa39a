// Package models defines the core Crewdock entities: tasks, task
// executions, and terminal sessions.
package models

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusTodo     TaskStatus = "todo"
	TaskStatusDoing    TaskStatus = "doing"
	TaskStatusDone     TaskStatus = "done"
	TaskStatusCanceled TaskStatus = "canceled"
)

// TaskSource indicates how a task entered the system.
type TaskSource string

const (
	TaskSourceWeb TaskSource = "web"
	TaskSourceAPI TaskSource = "api"
)

// taskTransitions encodes the forward-only task status graph.
// Cancellation is handled separately (allowed from any non-terminal state).
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusTodo:  {TaskStatusDoing},
	TaskStatusDoing: {TaskStatusDone},
}

// IsTerminal returns true for statuses a task can never leave.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusDone || s == TaskStatusCanceled
}

// CanTransitionTo reports whether a task may move from s to next.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if next == TaskStatusCanceled {
		return !s.IsTerminal()
	}
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Task is a user-submitted unit of work to be executed by an agent.
type Task struct {
	ID            string          `json:"id"`
	Title         string          `json:"title,omitempty"`
	Body          string          `json:"body"`
	Status        TaskStatus      `json:"status"`
	Source        TaskSource      `json:"source"`
	AgentProvider string          `json:"agent_provider,omitempty"`
	RepositoryURL string          `json:"repository_url,omitempty"`
	MountPoint    string          `json:"mount_point,omitempty"`
	UserID        string          `json:"user_id"`
	Attachments   json.RawMessage `json:"attachments,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ExecutionStatus represents the lifecycle state of a task execution.
type ExecutionStatus string

const (
	ExecutionStatusPending    ExecutionStatus = "pending"
	ExecutionStatusRunning    ExecutionStatus = "running"
	ExecutionStatusCompleted  ExecutionStatus = "completed"
	ExecutionStatusFailed     ExecutionStatus = "failed"
	ExecutionStatusNeedsInput ExecutionStatus = "needs_input"
)

// executionTransitions encodes the execution state graph.
var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusPending:    {ExecutionStatusRunning},
	ExecutionStatusRunning:    {ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusNeedsInput},
	ExecutionStatusNeedsInput: {ExecutionStatusRunning, ExecutionStatusFailed},
}

// IsTerminal returns true for completed and failed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// IsActive returns true for statuses that count against the
// at-most-one-active-execution-per-task rule.
func (s ExecutionStatus) IsActive() bool {
	return s == ExecutionStatusPending || s == ExecutionStatusRunning || s == ExecutionStatusNeedsInput
}

// CanTransitionTo reports whether an execution may move from s to next.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	for _, allowed := range executionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// OutcomeKind discriminates the terminal/suspended outcome of an execution.
type OutcomeKind string

const (
	OutcomeCompleted  OutcomeKind = "completed"
	OutcomeFailed     OutcomeKind = "failed"
	OutcomeNeedsInput OutcomeKind = "needs_input"
)

// Outcome is the tagged result of an execution phase: a successful result
// payload, a failure with an error message, or a suspension awaiting input.
// Exactly one of the payload fields is meaningful for a given Kind.
type Outcome struct {
	Kind         OutcomeKind     `json:"kind"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	InputRequest string          `json:"input_request,omitempty"`
}

// Completed builds a successful outcome carrying the agent's result payload.
func Completed(result json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeCompleted, Result: result}
}

// Failed builds a failure outcome with a taxonomy code and message.
func Failed(code, message string) Outcome {
	return Outcome{Kind: OutcomeFailed, ErrorCode: code, ErrorMessage: message}
}

// NeedsInput builds a suspension outcome carrying the agent's prompt.
func NeedsInput(prompt string) Outcome {
	return Outcome{Kind: OutcomeNeedsInput, InputRequest: prompt}
}

// Status returns the execution status the outcome maps to.
func (o Outcome) Status() ExecutionStatus {
	switch o.Kind {
	case OutcomeCompleted:
		return ExecutionStatusCompleted
	case OutcomeNeedsInput:
		return ExecutionStatusNeedsInput
	default:
		return ExecutionStatusFailed
	}
}

// ContextEntry is one unit of opaque agent state, appended on resume so the
// bridge can replay the conversation into a fresh container.
type ContextEntry struct {
	Role    string          `json:"role"` // "agent" or "user"
	Payload json.RawMessage `json:"payload"`
	AddedAt time.Time       `json:"added_at"`
}

// Telemetry carries resource counters reported by a running agent process.
type Telemetry struct {
	MemoryBytes int64 `json:"memory_bytes"`
	TokenCount  int64 `json:"token_count"`
}

// TaskExecution is one attempt to run a task. The derived fields
// (Completed, NeedsInput, FinishedAt) are maintained exclusively by
// ApplyStatus so they can never disagree with Status.
type TaskExecution struct {
	ID            string          `json:"id"`
	TaskID        string          `json:"task_id"`
	UserID        string          `json:"user_id"`
	Status        ExecutionStatus `json:"status"`
	AgentProvider string          `json:"agent_provider"`
	JobID         string          `json:"job_id,omitempty"`
	ContainerName string          `json:"container_name,omitempty"`
	Completed     bool            `json:"completed"`
	NeedsInput    bool            `json:"needs_input"`
	InputRequest  string          `json:"input_request,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	LogSeq        int64           `json:"log_seq"`
	Log           string          `json:"log,omitempty"`
	MemoryBytes   int64           `json:"memory_bytes"`
	TokenCount    int64           `json:"token_count"`
	Context       []ContextEntry  `json:"context,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ApplyStatus moves the execution to status at the given instant and
// recomputes every derived field. This is the only place the
// completed/needsInput/finishedAt invariants are written.
func (e *TaskExecution) ApplyStatus(status ExecutionStatus, now time.Time) {
	e.Status = status
	e.Completed = status.IsTerminal()
	e.NeedsInput = status == ExecutionStatusNeedsInput

	if status == ExecutionStatusRunning && e.StartedAt == nil {
		t := now
		e.StartedAt = &t
	}
	if e.Completed {
		if e.FinishedAt == nil {
			t := now
			e.FinishedAt = &t
		}
	} else {
		e.FinishedAt = nil
	}
	e.UpdatedAt = now
}

// ApplyOutcome records an outcome's payload and moves to its status.
// The input request from a prior suspension is preserved on failure so the
// audit trail keeps the question the agent was blocked on.
func (e *TaskExecution) ApplyOutcome(outcome Outcome, now time.Time) {
	switch outcome.Kind {
	case OutcomeCompleted:
		e.Result = outcome.Result
	case OutcomeFailed:
		e.ErrorCode = outcome.ErrorCode
		e.ErrorMessage = outcome.ErrorMessage
	case OutcomeNeedsInput:
		e.InputRequest = outcome.InputRequest
	}
	e.ApplyStatus(outcome.Status(), now)
}

// SessionStatus represents the lifecycle state of a terminal session.
type SessionStatus string

const (
	SessionStatusPending  SessionStatus = "pending"
	SessionStatusStarting SessionStatus = "starting"
	SessionStatusRunning  SessionStatus = "running"
	SessionStatusStopped  SessionStatus = "stopped"
)

// sessionTransitions encodes the terminal session state graph. A session in
// starting may stop directly when the container fails to launch.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusPending:  {SessionStatusStarting, SessionStatusStopped},
	SessionStatusStarting: {SessionStatusRunning, SessionStatusStopped},
	SessionStatusRunning:  {SessionStatusStopped},
}

// IsTerminal returns true once the session is stopped.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusStopped
}

// CanTransitionTo reports whether a session may move from s to next.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TerminalSession is an interactive shell bound to a user and optionally a
// project. Port and WSPath are set during the starting→running transition
// and only meaningful while running.
type TerminalSession struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	UserID        string        `json:"user_id"`
	ProjectID     string        `json:"project_id,omitempty"`
	Status        SessionStatus `json:"status"`
	Port          int           `json:"port,omitempty"`
	WSPath        string        `json:"ws_path,omitempty"`
	ContainerName string        `json:"container_name,omitempty"`
	StoppedReason string        `json:"stopped_reason,omitempty"`
	LastActiveAt  time.Time     `json:"last_active_at"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Project is workspace metadata owned by an external collaborator; the
// terminal manager reads it to resolve mount points.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Folder    string    `json:"folder"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
