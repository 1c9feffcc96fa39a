// Package notify publishes status-change events to the event bus. One event
// is emitted per accepted transition; delivery is at-least-once and consumers
// dedupe on (entity id, new status).
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/crewdock/crewdock/internal/common/logger"
	"github.com/crewdock/crewdock/internal/events"
	"github.com/crewdock/crewdock/internal/events/bus"
	"github.com/crewdock/crewdock/internal/task/models"
)

// Publisher emits lifecycle events for tasks, executions, and terminal
// sessions. Publishing is best-effort: a bus failure is logged, never
// propagated, so state transitions are not rolled back over telemetry.
type Publisher struct {
	bus    bus.EventBus
	source string
	logger *logger.Logger
}

// NewPublisher creates a publisher bound to the given bus.
func NewPublisher(b bus.EventBus, source string, log *logger.Logger) *Publisher {
	return &Publisher{
		bus:    b,
		source: source,
		logger: log.WithFields(zap.String("component", "notify")),
	}
}

func (p *Publisher) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	event := bus.NewEvent(eventType, p.source, data)
	if err := p.bus.Publish(ctx, subject, event); err != nil {
		p.logger.Warn("Failed to publish event",
			zap.String("subject", subject),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// TaskStatus publishes a task status transition.
func (p *Publisher) TaskStatus(ctx context.Context, taskID string, from, to models.TaskStatus) {
	p.publish(ctx, events.TaskStatusSubject(taskID), events.TypeTaskStatusChanged, map[string]interface{}{
		"task_id":    taskID,
		"old_status": string(from),
		"new_status": string(to),
	})
}

// ExecutionStatus publishes an execution status transition.
func (p *Publisher) ExecutionStatus(ctx context.Context, exec *models.TaskExecution, from models.ExecutionStatus) {
	p.publish(ctx, events.ExecutionStatusSubject(exec.ID), events.TypeExecutionStatusChanged, map[string]interface{}{
		"execution_id": exec.ID,
		"task_id":      exec.TaskID,
		"old_status":   string(from),
		"new_status":   string(exec.Status),
	})
}

// ExecutionLog publishes an appended log chunk for live followers.
func (p *Publisher) ExecutionLog(ctx context.Context, executionID, taskID string, seq int64, chunk string) {
	p.publish(ctx, events.ExecutionLogSubject(executionID), events.TypeExecutionLogAppended, map[string]interface{}{
		"execution_id": executionID,
		"task_id":      taskID,
		"seq":          seq,
		"chunk":        chunk,
	})
}

// TerminalStatus publishes a terminal session status transition.
func (p *Publisher) TerminalStatus(ctx context.Context, sessionID string, from, to models.SessionStatus) {
	p.publish(ctx, events.TerminalStatusSubject(sessionID), events.TypeTerminalStatusChanged, map[string]interface{}{
		"session_id": sessionID,
		"old_status": string(from),
		"new_status": string(to),
	})
}
