// Package statemachine is the single authority for task execution state
// transitions. Every mutation takes the execution's lock, validates the
// transition against the stored record, persists the new state, and only
// then publishes it. Nothing else in the orchestrator writes execution
// status.
package statemachine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/crewdock/crewdock/internal/common/errors"
	"github.com/crewdock/crewdock/internal/common/logger"
	"github.com/crewdock/crewdock/internal/notify"
	"github.com/crewdock/crewdock/internal/task/models"
	"github.com/crewdock/crewdock/internal/task/repository"
)

// ContainerStopper stops the container backing an execution. The bridge
// registers itself here so Cancel and the watchdog can tear processes down.
type ContainerStopper interface {
	StopExecution(ctx context.Context, exec *models.TaskExecution) error
}

// TerminalHook is invoked after an execution stops consuming a container:
// on terminal transitions and on suspension for input. The dispatcher uses
// it to advance the task and release capacity.
type TerminalHook func(ctx context.Context, exec *models.TaskExecution)

// StateMachine serializes and validates execution transitions.
type StateMachine struct {
	repo      repository.Repository
	publisher *notify.Publisher
	logger    *logger.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	cancels map[string]string // execution id -> cancellation reason, set before the lock is taken
	stopper ContainerStopper
	onDone  TerminalHook

	budget       time.Duration
	watchdogTick time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// New creates a state machine over the given repository.
func New(repo repository.Repository, publisher *notify.Publisher, budget time.Duration, log *logger.Logger) *StateMachine {
	return &StateMachine{
		repo:         repo,
		publisher:    publisher,
		logger:       log.WithFields(zap.String("component", "statemachine")),
		locks:        make(map[string]*sync.Mutex),
		cancels:      make(map[string]string),
		budget:       budget,
		watchdogTick: 15 * time.Second,
		stopCh:       make(chan struct{}),
	}
}

// SetContainerStopper registers the bridge used to stop containers on
// cancellation and timeout.
func (sm *StateMachine) SetContainerStopper(s ContainerStopper) {
	sm.stopper = s
}

// SetTerminalHook registers the callback invoked after terminal transitions.
func (sm *StateMachine) SetTerminalHook(hook TerminalHook) {
	sm.onDone = hook
}

// lockFor returns the mutex serializing writes to one execution. Locks are
// independent across execution ids.
func (sm *StateMachine) lockFor(executionID string) *sync.Mutex {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	l, ok := sm.locks[executionID]
	if !ok {
		l = &sync.Mutex{}
		sm.locks[executionID] = l
	}
	return l
}

// releaseLock drops the per-execution mutex once the execution is terminal.
func (sm *StateMachine) releaseLock(executionID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.locks, executionID)
}

// requestCancel flags an execution before the execution lock is taken, so a
// finish already holding the lock sees the cancellation and yields to it.
func (sm *StateMachine) requestCancel(executionID, reason string) {
	sm.mu.Lock()
	sm.cancels[executionID] = reason
	sm.mu.Unlock()
}

func (sm *StateMachine) pendingCancel(executionID string) (string, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	reason, ok := sm.cancels[executionID]
	return reason, ok
}

func (sm *StateMachine) clearCancel(executionID string) {
	sm.mu.Lock()
	delete(sm.cancels, executionID)
	sm.mu.Unlock()
}

// transition loads the execution, applies fn under the execution lock, and
// persists the result with a compare-and-set on the prior status.
func (sm *StateMachine) transition(ctx context.Context, executionID string, fn func(exec *models.TaskExecution) error) (*models.TaskExecution, error) {
	l := sm.lockFor(executionID)
	l.Lock()
	defer l.Unlock()

	exec, err := sm.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	prior := exec.Status

	if err := fn(exec); err != nil {
		return nil, err
	}

	// Write-ahead: the store is authoritative before anyone observes the
	// new state.
	if err := sm.repo.CompareAndSetExecution(ctx, exec, prior); err != nil {
		return nil, err
	}

	if exec.Status == prior {
		return exec, nil
	}

	sm.publisher.ExecutionStatus(ctx, exec, prior)
	sm.logger.Info("Execution transitioned",
		zap.String("execution_id", exec.ID),
		zap.String("from", string(prior)),
		zap.String("to", string(exec.Status)))

	if exec.Status.IsTerminal() {
		sm.releaseLock(executionID)
		sm.clearCancel(executionID)
	}
	if sm.onDone != nil && (exec.Status.IsTerminal() || exec.Status == models.ExecutionStatusNeedsInput) {
		sm.onDone(ctx, exec)
	}
	return exec, nil
}

// Start moves a pending execution to running and stamps StartedAt.
func (sm *StateMachine) Start(ctx context.Context, executionID string) (*models.TaskExecution, error) {
	return sm.transition(ctx, executionID, func(exec *models.TaskExecution) error {
		if !exec.Status.CanTransitionTo(models.ExecutionStatusRunning) || exec.Status != models.ExecutionStatusPending {
			return apperrors.InvalidTransition("execution", exec.ID, string(exec.Status), string(models.ExecutionStatusRunning))
		}
		exec.ApplyStatus(models.ExecutionStatusRunning, time.Now().UTC())
		return nil
	})
}

// ReportProgress appends a log chunk and telemetry for a running execution.
// Delivery is at-least-once: duplicate or stale sequence numbers are dropped
// without error.
func (sm *StateMachine) ReportProgress(ctx context.Context, executionID string, seq int64, chunk string, tel models.Telemetry) error {
	exec, err := sm.repo.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != models.ExecutionStatusRunning {
		return apperrors.InvalidTransition("execution", exec.ID, string(exec.Status), "progress report")
	}

	applied, err := sm.repo.AppendExecutionLog(ctx, executionID, seq, chunk, tel)
	if err != nil {
		return err
	}
	if applied && chunk != "" {
		sm.publisher.ExecutionLog(ctx, executionID, exec.TaskID, seq, chunk)
	}
	return nil
}

// RequestInput suspends a running execution until a user provides input.
func (sm *StateMachine) RequestInput(ctx context.Context, executionID string, prompt string) (*models.TaskExecution, error) {
	return sm.transition(ctx, executionID, func(exec *models.TaskExecution) error {
		if exec.Status != models.ExecutionStatusRunning {
			return apperrors.InvalidTransition("execution", exec.ID, string(exec.Status), string(models.ExecutionStatusNeedsInput))
		}
		exec.ApplyOutcome(models.NeedsInput(prompt), time.Now().UTC())
		return nil
	})
}

// Resume moves a suspended execution back to running, appending the provided
// input to the execution context. The original input request is preserved on
// the record; prior context entries are never overwritten.
func (sm *StateMachine) Resume(ctx context.Context, executionID string, providedInput []byte) (*models.TaskExecution, error) {
	return sm.transition(ctx, executionID, func(exec *models.TaskExecution) error {
		if exec.Status != models.ExecutionStatusNeedsInput {
			return apperrors.InvalidTransition("execution", exec.ID, string(exec.Status), string(models.ExecutionStatusRunning))
		}
		exec.Context = append(exec.Context, models.ContextEntry{
			Role:    "user",
			Payload: providedInput,
			AddedAt: time.Now().UTC(),
		})
		exec.ApplyStatus(models.ExecutionStatusRunning, time.Now().UTC())
		return nil
	})
}

// AppendContext records an opaque agent state entry without changing status.
// The bridge calls this so a later resume can replay the conversation.
func (sm *StateMachine) AppendContext(ctx context.Context, executionID string, entry models.ContextEntry) error {
	_, err := sm.transition(ctx, executionID, func(exec *models.TaskExecution) error {
		exec.Context = append(exec.Context, entry)
		exec.UpdatedAt = time.Now().UTC()
		return nil
	})
	return err
}

// Finish moves a running execution to its terminal state. Finishing an
// execution that is already terminal is a no-op, which makes completion
// idempotent. A cancellation requested but not yet applied takes priority:
// the finish lands the cancellation outcome, not its own.
func (sm *StateMachine) Finish(ctx context.Context, executionID string, outcome models.Outcome) (*models.TaskExecution, error) {
	return sm.transition(ctx, executionID, func(exec *models.TaskExecution) error {
		if exec.Status.IsTerminal() {
			return nil
		}
		if reason, ok := sm.pendingCancel(exec.ID); ok {
			exec.ApplyOutcome(models.Failed(apperrors.ErrCodeCanceled, reason), time.Now().UTC())
			return nil
		}
		next := outcome.Status()
		if next == models.ExecutionStatusNeedsInput {
			return apperrors.BadRequest("needs_input is not a finishing outcome")
		}
		if !exec.Status.CanTransitionTo(next) {
			return apperrors.InvalidTransition("execution", exec.ID, string(exec.Status), string(next))
		}
		exec.ApplyOutcome(outcome, time.Now().UTC())
		return nil
	})
}

// Cancel forces any non-terminal execution to failed with a cancellation
// marker and stops its container. The cancellation is flagged before the
// execution lock is taken, so a finish racing it applies the cancellation
// instead of its own outcome. Idempotent: cancelling a terminal execution
// returns it unchanged.
func (sm *StateMachine) Cancel(ctx context.Context, executionID string, reason string) (*models.TaskExecution, error) {
	if reason == "" {
		reason = "canceled by user"
	}
	sm.requestCancel(executionID, reason)

	exec, err := sm.transition(ctx, executionID, func(exec *models.TaskExecution) error {
		if exec.Status.IsTerminal() {
			return nil
		}
		exec.ApplyOutcome(models.Failed(apperrors.ErrCodeCanceled, reason), time.Now().UTC())
		return nil
	})
	// The flag is consumed by whichever transition lands the cancellation;
	// drop any leftover so it cannot affect a future execution with this id.
	sm.clearCancel(executionID)
	if err != nil {
		return nil, err
	}

	if sm.stopper != nil && exec.ContainerName != "" {
		if err := sm.stopper.StopExecution(ctx, exec); err != nil {
			sm.logger.Warn("Failed to stop container for canceled execution",
				zap.String("execution_id", executionID),
				zap.Error(err))
		}
	}
	return exec, nil
}

// StartWatchdog launches the background loop that fails executions running
// past the wall-clock budget.
func (sm *StateMachine) StartWatchdog(ctx context.Context) {
	if sm.budget <= 0 {
		return
	}
	sm.wg.Add(1)
	go sm.watchdogLoop(ctx)
}

// StopWatchdog stops the watchdog loop and waits for it to exit.
func (sm *StateMachine) StopWatchdog() {
	close(sm.stopCh)
	sm.wg.Wait()
}

func (sm *StateMachine) watchdogLoop(ctx context.Context) {
	defer sm.wg.Done()

	ticker := time.NewTicker(sm.watchdogTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sm.stopCh:
			return
		case <-ticker.C:
			sm.sweepTimeouts(ctx)
		}
	}
}

func (sm *StateMachine) sweepTimeouts(ctx context.Context) {
	running, err := sm.repo.ListExecutionsByStatus(ctx, models.ExecutionStatusRunning)
	if err != nil {
		sm.logger.Error("Watchdog failed to list running executions", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, exec := range running {
		if exec.StartedAt == nil || now.Sub(*exec.StartedAt) < sm.budget {
			continue
		}

		sm.logger.Warn("Execution exceeded wall-clock budget",
			zap.String("execution_id", exec.ID),
			zap.Duration("budget", sm.budget))

		outcome := models.Failed(apperrors.ErrCodeTimeout, "execution exceeded wall-clock budget")
		finished, err := sm.Finish(ctx, exec.ID, outcome)
		if err != nil {
			sm.logger.Error("Watchdog failed to fail execution",
				zap.String("execution_id", exec.ID),
				zap.Error(err))
			continue
		}
		if sm.stopper != nil && finished.ContainerName != "" {
			if err := sm.stopper.StopExecution(ctx, finished); err != nil {
				sm.logger.Warn("Failed to stop timed-out container",
					zap.String("execution_id", exec.ID),
					zap.Error(err))
			}
		}
	}
}
