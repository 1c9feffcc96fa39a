// Package events defines event types and subjects used across Crewdock
// services. One event is published for every accepted state transition;
// delivery is at-least-once, so consumers dedupe on (entity id, new status).
package events

import "fmt"

// Event type identifiers.
const (
	TypeTaskStatusChanged      = "task.status.changed"
	TypeExecutionStatusChanged = "execution.status.changed"
	TypeExecutionLogAppended   = "execution.log.appended"
	TypeTerminalStatusChanged  = "terminal.status.changed"
)

// Subject hierarchies. The final token is the entity id so consumers can
// subscribe to a single entity or to the whole class with a wildcard.
const (
	SubjectTaskStatusPrefix      = "task.status"
	SubjectExecutionStatusPrefix = "execution.status"
	SubjectExecutionLogPrefix    = "execution.log"
	SubjectTerminalStatusPrefix  = "terminal.status"

	SubjectTaskStatusAll      = SubjectTaskStatusPrefix + ".*"
	SubjectExecutionStatusAll = SubjectExecutionStatusPrefix + ".*"
	SubjectExecutionLogAll    = SubjectExecutionLogPrefix + ".*"
	SubjectTerminalStatusAll  = SubjectTerminalStatusPrefix + ".*"
)

// TaskStatusSubject returns the subject for one task's status events.
func TaskStatusSubject(taskID string) string {
	return fmt.Sprintf("%s.%s", SubjectTaskStatusPrefix, taskID)
}

// ExecutionStatusSubject returns the subject for one execution's status events.
func ExecutionStatusSubject(executionID string) string {
	return fmt.Sprintf("%s.%s", SubjectExecutionStatusPrefix, executionID)
}

// ExecutionLogSubject returns the subject for one execution's log events.
func ExecutionLogSubject(executionID string) string {
	return fmt.Sprintf("%s.%s", SubjectExecutionLogPrefix, executionID)
}

// TerminalStatusSubject returns the subject for one session's status events.
func TerminalStatusSubject(sessionID string) string {
	return fmt.Sprintf("%s.%s", SubjectTerminalStatusPrefix, sessionID)
}
