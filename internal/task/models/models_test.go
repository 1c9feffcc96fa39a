package models

import (
	"testing"
	"time"
)

func TestTaskTransitions(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		ok       bool
	}{
		{TaskStatusTodo, TaskStatusDoing, true},
		{TaskStatusDoing, TaskStatusDone, true},
		{TaskStatusTodo, TaskStatusDone, false},
		{TaskStatusDone, TaskStatusDoing, false},
		{TaskStatusTodo, TaskStatusCanceled, true},
		{TaskStatusDoing, TaskStatusCanceled, true},
		{TaskStatusDone, TaskStatusCanceled, false},
		{TaskStatusCanceled, TaskStatusCanceled, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.ok {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestExecutionTransitions(t *testing.T) {
	cases := []struct {
		from, to ExecutionStatus
		ok       bool
	}{
		{ExecutionStatusPending, ExecutionStatusRunning, true},
		{ExecutionStatusRunning, ExecutionStatusCompleted, true},
		{ExecutionStatusRunning, ExecutionStatusFailed, true},
		{ExecutionStatusRunning, ExecutionStatusNeedsInput, true},
		{ExecutionStatusNeedsInput, ExecutionStatusRunning, true},
		{ExecutionStatusNeedsInput, ExecutionStatusFailed, true},
		{ExecutionStatusNeedsInput, ExecutionStatusCompleted, false},
		{ExecutionStatusCompleted, ExecutionStatusRunning, false},
		{ExecutionStatusFailed, ExecutionStatusRunning, false},
		{ExecutionStatusPending, ExecutionStatusCompleted, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.ok {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestApplyStatusDerivedFields(t *testing.T) {
	now := time.Now().UTC()
	exec := &TaskExecution{Status: ExecutionStatusPending}

	exec.ApplyStatus(ExecutionStatusRunning, now)
	if exec.StartedAt == nil {
		t.Fatal("StartedAt not set on running")
	}
	if exec.Completed || exec.NeedsInput || exec.FinishedAt != nil {
		t.Fatal("running must not be completed, needs_input, or finished")
	}

	started := *exec.StartedAt
	exec.ApplyStatus(ExecutionStatusCompleted, now.Add(time.Second))
	if !exec.Completed || exec.FinishedAt == nil {
		t.Fatal("completed must set Completed and FinishedAt")
	}
	if exec.FinishedAt.Before(started) {
		t.Fatal("FinishedAt before StartedAt")
	}
	if !exec.StartedAt.Equal(started) {
		t.Fatal("StartedAt rewritten by terminal transition")
	}
}

func TestApplyStatusClearsFinishedAtOnResume(t *testing.T) {
	now := time.Now().UTC()
	exec := &TaskExecution{Status: ExecutionStatusPending}
	exec.ApplyStatus(ExecutionStatusRunning, now)

	exec.ApplyOutcome(NeedsInput("which branch?"), now.Add(time.Second))
	if !exec.NeedsInput || exec.Completed || exec.FinishedAt != nil {
		t.Fatal("needs_input is not a terminal state")
	}
	if exec.InputRequest != "which branch?" {
		t.Fatalf("InputRequest = %q", exec.InputRequest)
	}

	exec.ApplyStatus(ExecutionStatusRunning, now.Add(2*time.Second))
	if exec.NeedsInput {
		t.Fatal("NeedsInput must clear on resume")
	}
	if exec.InputRequest != "which branch?" {
		t.Fatal("InputRequest must survive resume for the audit trail")
	}
}

func TestOutcomeStatusMapping(t *testing.T) {
	if Completed(nil).Status() != ExecutionStatusCompleted {
		t.Fatal("completed outcome")
	}
	if Failed("TIMEOUT", "budget exceeded").Status() != ExecutionStatusFailed {
		t.Fatal("failed outcome")
	}
	if NeedsInput("?").Status() != ExecutionStatusNeedsInput {
		t.Fatal("needs_input outcome")
	}
}

func TestSessionTransitions(t *testing.T) {
	cases := []struct {
		from, to SessionStatus
		ok       bool
	}{
		{SessionStatusPending, SessionStatusStarting, true},
		{SessionStatusStarting, SessionStatusRunning, true},
		{SessionStatusStarting, SessionStatusStopped, true},
		{SessionStatusRunning, SessionStatusStopped, true},
		{SessionStatusStopped, SessionStatusRunning, false},
		{SessionStatusPending, SessionStatusRunning, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.ok {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}
