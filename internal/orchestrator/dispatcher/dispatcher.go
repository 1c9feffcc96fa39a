// Package dispatcher admits task executions into the container pool. It
// enforces at-most-one-active per task, global and per-user concurrency
// ceilings, fair ordering across users, and bounded retries after failures.
package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/crewdock/crewdock/internal/agent/bridge"
	"github.com/crewdock/crewdock/internal/common/config"
	apperrors "github.com/crewdock/crewdock/internal/common/errors"
	"github.com/crewdock/crewdock/internal/common/logger"
	"github.com/crewdock/crewdock/internal/notify"
	"github.com/crewdock/crewdock/internal/orchestrator/statemachine"
	"github.com/crewdock/crewdock/internal/runtime"
	"github.com/crewdock/crewdock/internal/task/models"
	"github.com/crewdock/crewdock/internal/task/repository"
)

// AgentLauncher is the slice of the agent bridge the dispatcher drives.
type AgentLauncher interface {
	Launch(ctx context.Context, exec *models.TaskExecution, task *models.Task) error
	Resume(ctx context.Context, exec *models.TaskExecution, task *models.Task) error
	StopExecution(ctx context.Context, exec *models.TaskExecution) error
	FindExecutionContainer(ctx context.Context, exec *models.TaskExecution) (*runtime.Status, error)
}

// Dispatcher owns the pending-execution queue and the dispatch loop.
type Dispatcher struct {
	repo      repository.Repository
	machine   *statemachine.StateMachine
	launcher  AgentLauncher
	publisher *notify.Publisher
	sem       *semaphore.Weighted
	cfg       config.DispatcherConfig
	logger    *logger.Logger

	queue *FairQueue

	// submitMu serializes admission so the at-most-one-active check cannot
	// race with itself.
	submitMu sync.Mutex

	mu      sync.Mutex
	held    map[string]string // execution id -> user id holding capacity
	total   int
	perUser map[string]int

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a dispatcher and registers it as the state machine's settle
// hook. The semaphore is the container capacity shared with the terminal
// session manager.
func New(repo repository.Repository, machine *statemachine.StateMachine, launcher AgentLauncher, publisher *notify.Publisher, sem *semaphore.Weighted, cfg config.DispatcherConfig, log *logger.Logger) *Dispatcher {
	d := &Dispatcher{
		repo:      repo,
		machine:   machine,
		launcher:  launcher,
		publisher: publisher,
		sem:       sem,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "dispatcher")),
		queue:     NewFairQueue(),
		held:      make(map[string]string),
		perUser:   make(map[string]int),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	machine.SetTerminalHook(d.onExecutionSettled)
	return d
}

// Submit admits a task for execution: creates a pending execution, moves the
// task to doing, and enqueues it for dispatch.
func (d *Dispatcher) Submit(ctx context.Context, taskID string) (*models.TaskExecution, error) {
	d.submitMu.Lock()
	defer d.submitMu.Unlock()

	task, err := d.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusTodo && task.Status != models.TaskStatusDoing {
		return nil, apperrors.InvalidTransition("task", taskID, string(task.Status), string(models.TaskStatusDoing))
	}

	active, err := d.repo.ActiveExecutionForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, apperrors.AlreadyActive(taskID, active.ID)
	}

	if task.Status == models.TaskStatusTodo {
		if err := d.repo.CompareAndSetTaskStatus(ctx, taskID, models.TaskStatusTodo, models.TaskStatusDoing); err != nil {
			return nil, err
		}
		d.publisher.TaskStatus(ctx, taskID, models.TaskStatusTodo, models.TaskStatusDoing)
	}

	exec, err := d.createExecution(ctx, task)
	if err != nil {
		return nil, err
	}

	d.logger.Info("Task submitted for execution",
		zap.String("task_id", taskID),
		zap.String("execution_id", exec.ID),
		zap.Int("queued", d.queue.Len()))
	return exec, nil
}

func (d *Dispatcher) createExecution(ctx context.Context, task *models.Task) (*models.TaskExecution, error) {
	exec := &models.TaskExecution{
		ID:            uuid.New().String(),
		TaskID:        task.ID,
		UserID:        task.UserID,
		Status:        models.ExecutionStatusPending,
		AgentProvider: task.AgentProvider,
		JobID:         uuid.New().String(),
	}
	exec.ContainerName = bridge.ContainerNameFor(exec.ID)

	if err := d.repo.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	if err := d.queue.Enqueue(exec.ID, task.ID, task.UserID); err != nil {
		return nil, err
	}
	d.kick()
	return exec, nil
}

// ResumeExecution feeds user input to a suspended execution and relaunches
// its agent. Blocks while the shared container pool is saturated.
func (d *Dispatcher) ResumeExecution(ctx context.Context, executionID string, input json.RawMessage) (*models.TaskExecution, error) {
	exec, err := d.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	task, err := d.repo.GetTask(ctx, exec.TaskID)
	if err != nil {
		return nil, err
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, apperrors.ServiceUnavailable("container capacity")
	}
	d.acquire(exec.ID, exec.UserID)

	resumed, err := d.machine.Resume(ctx, executionID, input)
	if err != nil {
		d.release(executionID)
		return nil, err
	}

	if err := d.launcher.Resume(ctx, resumed, task); err != nil {
		d.logger.Error("Failed to relaunch agent after resume",
			zap.String("execution_id", executionID),
			zap.Error(err))
		_, _ = d.machine.Finish(ctx, executionID, models.Failed(apperrors.ErrCodeLaunchFailure, err.Error()))
		return nil, err
	}
	return resumed, nil
}

// CancelExecution cancels a queued or in-flight execution.
func (d *Dispatcher) CancelExecution(ctx context.Context, executionID string, reason string) (*models.TaskExecution, error) {
	d.queue.Remove(executionID)
	return d.machine.Cancel(ctx, executionID, reason)
}

// CancelTask cancels a task along with its active execution, if any.
func (d *Dispatcher) CancelTask(ctx context.Context, taskID string, reason string) (*models.Task, error) {
	task, err := d.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	active, err := d.repo.ActiveExecutionForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		if _, err := d.CancelExecution(ctx, active.ID, reason); err != nil {
			return nil, err
		}
	}

	if !task.Status.IsTerminal() {
		from := task.Status
		if err := d.repo.CompareAndSetTaskStatus(ctx, taskID, from, models.TaskStatusCanceled); err != nil {
			return nil, err
		}
		d.publisher.TaskStatus(ctx, taskID, from, models.TaskStatusCanceled)
	}
	return d.repo.GetTask(ctx, taskID)
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.loop(ctx)
}

// Stop halts the dispatch loop and waits for in-flight launches to settle.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	interval := d.cfg.PollIntervalDuration()
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.dispatch(ctx)
		case <-d.wake:
			d.dispatch(ctx)
		}
	}
}

// dispatch pulls eligible executions until a ceiling or the queue is hit.
func (d *Dispatcher) dispatch(ctx context.Context) {
	for {
		d.mu.Lock()
		if d.total >= d.cfg.MaxConcurrent {
			d.mu.Unlock()
			return
		}
		item := d.queue.Dequeue(func(userID string) bool {
			return d.perUser[userID] >= d.cfg.MaxPerUser
		})
		d.mu.Unlock()
		if item == nil {
			return
		}

		if !d.sem.TryAcquire(1) {
			// Pool saturated by terminal sessions; put it back at the head
			// of its user's line so creation order holds when capacity frees.
			d.queue.Requeue(item)
			return
		}

		d.acquire(item.ExecutionID, item.UserID)
		d.wg.Add(1)
		go d.run(ctx, item)
	}
}

func (d *Dispatcher) run(ctx context.Context, item *queuedExecution) {
	defer d.wg.Done()

	exec, err := d.repo.GetExecution(ctx, item.ExecutionID)
	if err != nil || exec.Status != models.ExecutionStatusPending {
		// Canceled while queued, or gone
		d.release(item.ExecutionID)
		return
	}
	task, err := d.repo.GetTask(ctx, exec.TaskID)
	if err != nil {
		d.release(item.ExecutionID)
		return
	}

	started, err := d.machine.Start(ctx, exec.ID)
	if err != nil {
		d.logger.Warn("Execution no longer startable",
			zap.String("execution_id", exec.ID),
			zap.Error(err))
		d.release(item.ExecutionID)
		return
	}

	if err := d.launcher.Launch(ctx, started, task); err != nil {
		d.logger.Error("Agent launch failed",
			zap.String("execution_id", exec.ID),
			zap.String("task_id", task.ID),
			zap.Error(err))
		// Finish settles the execution; capacity is released by the hook.
		_, _ = d.machine.Finish(ctx, exec.ID, models.Failed(apperrors.ErrCodeLaunchFailure, err.Error()))
	}
}

func (d *Dispatcher) acquire(executionID, userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.held[executionID] = userID
	d.total++
	d.perUser[userID]++
}

func (d *Dispatcher) release(executionID string) {
	d.mu.Lock()
	userID, ok := d.held[executionID]
	if ok {
		delete(d.held, executionID)
		d.total--
		d.perUser[userID]--
		if d.perUser[userID] <= 0 {
			delete(d.perUser, userID)
		}
	}
	d.mu.Unlock()

	if ok {
		d.sem.Release(1)
		d.kick()
	}
}

// onExecutionSettled runs after an execution stops consuming a container.
// Terminal outcomes advance the task; failures spend the retry budget.
func (d *Dispatcher) onExecutionSettled(ctx context.Context, exec *models.TaskExecution) {
	d.release(exec.ID)

	if exec.Status == models.ExecutionStatusNeedsInput {
		return
	}

	task, err := d.repo.GetTask(ctx, exec.TaskID)
	if err != nil {
		d.logger.Error("Settled execution references missing task",
			zap.String("execution_id", exec.ID),
			zap.String("task_id", exec.TaskID),
			zap.Error(err))
		return
	}

	switch exec.Status {
	case models.ExecutionStatusCompleted:
		if task.Status != models.TaskStatusDoing {
			return
		}
		if err := d.repo.CompareAndSetTaskStatus(ctx, task.ID, models.TaskStatusDoing, models.TaskStatusDone); err != nil {
			d.logger.Warn("Failed to advance completed task",
				zap.String("task_id", task.ID),
				zap.Error(err))
			return
		}
		d.publisher.TaskStatus(ctx, task.ID, models.TaskStatusDoing, models.TaskStatusDone)

	case models.ExecutionStatusFailed:
		if exec.ErrorCode == apperrors.ErrCodeCanceled {
			return
		}
		d.maybeRetry(ctx, task)
	}
}

// maybeRetry re-enqueues a fresh execution while the task's retry budget
// lasts. The task stays in doing either way; exhaustion is surfaced through
// the failed execution, never as an automatic cancel.
func (d *Dispatcher) maybeRetry(ctx context.Context, task *models.Task) {
	if task.Status != models.TaskStatusDoing {
		return
	}

	execs, err := d.repo.ListExecutionsForTask(ctx, task.ID)
	if err != nil {
		d.logger.Error("Failed to list executions for retry decision",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return
	}

	failures := 0
	for _, e := range execs {
		if e.Status == models.ExecutionStatusFailed && e.ErrorCode != apperrors.ErrCodeCanceled {
			failures++
		}
	}
	if failures > d.cfg.MaxRetries {
		d.logger.Warn("Retry budget exhausted",
			zap.String("task_id", task.ID),
			zap.Int("failures", failures),
			zap.Int("max_retries", d.cfg.MaxRetries))
		return
	}

	exec, err := d.createExecution(ctx, task)
	if err != nil {
		d.logger.Error("Failed to create retry execution",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return
	}
	d.logger.Info("Retrying failed task",
		zap.String("task_id", task.ID),
		zap.String("execution_id", exec.ID),
		zap.Int("attempt", failures+1))
}

// Reconcile aligns persisted in-flight executions with reality after a
// restart. Running executions lost their protocol stream with the old
// process, so their containers are stopped and the executions failed, which
// re-enters them through the normal retry path. Pending executions are
// simply re-enqueued.
func (d *Dispatcher) Reconcile(ctx context.Context) error {
	running, err := d.repo.ListExecutionsByStatus(ctx, models.ExecutionStatusRunning)
	if err != nil {
		return err
	}
	for _, exec := range running {
		status, err := d.launcher.FindExecutionContainer(ctx, exec)
		if err != nil {
			d.logger.Warn("Failed to look up container during reconcile",
				zap.String("execution_id", exec.ID),
				zap.Error(err))
		}
		if status != nil {
			if err := d.launcher.StopExecution(ctx, exec); err != nil {
				d.logger.Warn("Failed to stop orphaned container",
					zap.String("execution_id", exec.ID),
					zap.Error(err))
			}
		}
		_, err = d.machine.Finish(ctx, exec.ID, models.Failed(apperrors.ErrCodeContainerExited,
			"orchestrator restarted while execution was in flight"))
		if err != nil {
			d.logger.Error("Failed to settle orphaned execution",
				zap.String("execution_id", exec.ID),
				zap.Error(err))
		}
	}

	pending, err := d.repo.ListExecutionsByStatus(ctx, models.ExecutionStatusPending)
	if err != nil {
		return err
	}
	for _, exec := range pending {
		if err := d.queue.Enqueue(exec.ID, exec.TaskID, exec.UserID); err != nil && err != ErrAlreadyQueued {
			return err
		}
	}
	if len(pending) > 0 {
		d.kick()
	}

	d.logger.Info("Reconciled in-flight executions",
		zap.Int("failed_running", len(running)),
		zap.Int("requeued_pending", len(pending)))
	return nil
}

// QueueDepth reports how many executions await dispatch.
func (d *Dispatcher) QueueDepth() int {
	return d.queue.Len()
}

// ActiveCount reports how many executions currently hold container capacity.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

func (d *Dispatcher) kick() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}
