package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/crewdock/crewdock/internal/agent/credentials"
	"github.com/crewdock/crewdock/internal/agent/registry"
	"github.com/crewdock/crewdock/internal/common/config"
	apperrors "github.com/crewdock/crewdock/internal/common/errors"
	"github.com/crewdock/crewdock/internal/common/logger"
	"github.com/crewdock/crewdock/internal/runtime"
	"github.com/crewdock/crewdock/internal/task/models"
)

const (
	containerNamePrefix = "crewdock-exec-"
	stopTimeout         = 5 * time.Second
	waitTimeout         = 10 * time.Second
	maxLineBytes        = 1 << 20
)

// ContainerNameFor returns the deterministic container name for an
// execution. The dispatcher records it on the execution before launch so
// cancellation can find the container even if the bridge restarts.
func ContainerNameFor(executionID string) string {
	id := executionID
	if len(id) > 8 {
		id = id[:8]
	}
	return containerNamePrefix + id
}

// Transitioner is the slice of the execution state machine the bridge
// drives. Protocol events map 1:1 onto these calls.
type Transitioner interface {
	ReportProgress(ctx context.Context, executionID string, seq int64, chunk string, tel models.Telemetry) error
	RequestInput(ctx context.Context, executionID string, prompt string) (*models.TaskExecution, error)
	Finish(ctx context.Context, executionID string, outcome models.Outcome) (*models.TaskExecution, error)
	AppendContext(ctx context.Context, executionID string, entry models.ContextEntry) error
}

type process struct {
	executionID string
	handle      *runtime.Handle
	cancel      context.CancelFunc
	done        chan struct{}
}

// Bridge launches agent containers and pumps their protocol into the state
// machine. One process per execution; resume relaunches from scratch with
// the conversation context replayed over stdin.
type Bridge struct {
	runtime  runtime.Runtime
	registry *registry.Registry
	creds    *credentials.EnvProvider
	machine  Transitioner
	cfg      config.AgentConfig
	logger   *logger.Logger

	mu    sync.Mutex
	procs map[string]*process
}

// New creates a bridge over the given container runtime and provider
// registry.
func New(rt runtime.Runtime, reg *registry.Registry, creds *credentials.EnvProvider, machine Transitioner, cfg config.AgentConfig, log *logger.Logger) *Bridge {
	return &Bridge{
		runtime:  rt,
		registry: reg,
		creds:    creds,
		machine:  machine,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "agent-bridge")),
		procs:    make(map[string]*process),
	}
}

// Launch starts the agent container for a running execution and begins
// consuming its protocol. It returns once the container is up; protocol
// handling continues in the background until the agent finishes, asks for
// input, or exits.
func (b *Bridge) Launch(ctx context.Context, exec *models.TaskExecution, task *models.Task) error {
	b.mu.Lock()
	if _, ok := b.procs[exec.ID]; ok {
		b.mu.Unlock()
		return apperrors.AlreadyActive(exec.TaskID, exec.ID)
	}
	b.mu.Unlock()

	provider, err := b.resolveProvider(exec, task)
	if err != nil {
		return apperrors.LaunchFailure("no usable agent provider", err)
	}

	spec, err := b.buildSpec(exec, task, provider)
	if err != nil {
		return apperrors.LaunchFailure("building container spec", err)
	}

	if err := b.runtime.EnsureImage(ctx, spec.Image); err != nil {
		return apperrors.LaunchFailure("pulling agent image", err)
	}

	handle, err := b.runtime.Start(ctx, *spec)
	if err != nil {
		return apperrors.LaunchFailure("starting agent container", err)
	}

	streams, err := b.runtime.Attach(ctx, handle.ID)
	if err != nil {
		b.teardownContainer(handle.ID)
		return apperrors.LaunchFailure("attaching to agent container", err)
	}

	if err := b.writePrelude(streams.Stdin, exec, task); err != nil {
		_ = streams.Close()
		b.teardownContainer(handle.ID)
		return apperrors.LaunchFailure("feeding task to agent", err)
	}

	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	proc := &process{
		executionID: exec.ID,
		handle:      handle,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	b.mu.Lock()
	b.procs[exec.ID] = proc
	b.mu.Unlock()

	b.logger.Info("Agent container launched",
		zap.String("execution_id", exec.ID),
		zap.String("provider", provider.ID),
		zap.String("container", handle.Name))

	go b.consume(procCtx, proc, streams, exec.LogSeq)
	return nil
}

// Resume relaunches the agent for an execution that was suspended waiting
// for input. The provided input is already part of the execution context, so
// the prelude replay carries everything the fresh process needs.
func (b *Bridge) Resume(ctx context.Context, exec *models.TaskExecution, task *models.Task) error {
	return b.Launch(ctx, exec, task)
}

// StopExecution tears down the container backing an execution. It satisfies
// the state machine's stopper so cancellation and timeouts kill the process.
func (b *Bridge) StopExecution(ctx context.Context, exec *models.TaskExecution) error {
	b.mu.Lock()
	proc, ok := b.procs[exec.ID]
	b.mu.Unlock()

	target := exec.ContainerName
	if ok {
		proc.cancel()
		target = proc.handle.ID
	}
	if target == "" {
		return nil
	}

	if err := b.runtime.Stop(ctx, target, stopTimeout); err != nil {
		b.logger.Warn("Failed to stop agent container",
			zap.String("execution_id", exec.ID),
			zap.Error(err))
	}
	return b.runtime.Remove(ctx, target, true)
}

// FindExecutionContainer looks up the container labeled with the execution
// id, used to reconcile in-flight executions after a restart. Returns nil
// when no such container exists.
func (b *Bridge) FindExecutionContainer(ctx context.Context, exec *models.TaskExecution) (*runtime.Status, error) {
	statuses, err := b.runtime.List(ctx, map[string]string{
		"crewdock.kind":         "execution",
		"crewdock.execution_id": exec.ID,
	})
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return nil, nil
	}
	return &statuses[0], nil
}

// Shutdown stops all tracked agent processes, used on orchestrator exit.
func (b *Bridge) Shutdown(ctx context.Context) {
	b.mu.Lock()
	procs := make([]*process, 0, len(b.procs))
	for _, proc := range b.procs {
		procs = append(procs, proc)
	}
	b.mu.Unlock()

	for _, proc := range procs {
		proc.cancel()
		if err := b.runtime.Stop(ctx, proc.handle.ID, stopTimeout); err != nil {
			b.logger.Warn("Failed to stop agent container on shutdown",
				zap.String("execution_id", proc.executionID),
				zap.Error(err))
		}
	}
}

func (b *Bridge) resolveProvider(exec *models.TaskExecution, task *models.Task) (*registry.ProviderConfig, error) {
	for _, id := range []string{exec.AgentProvider, task.AgentProvider, b.cfg.DefaultProvider} {
		if id == "" {
			continue
		}
		provider, err := b.registry.Get(id)
		if err != nil {
			return nil, err
		}
		if !provider.Enabled {
			return nil, fmt.Errorf("agent provider %s is disabled", id)
		}
		return provider, nil
	}
	return b.registry.GetDefault()
}

func (b *Bridge) buildSpec(exec *models.TaskExecution, task *models.Task, provider *registry.ProviderConfig) (*runtime.Spec, error) {
	env := make([]string, 0, len(provider.Env)+len(provider.RequiredEnv))
	for key, value := range provider.Env {
		env = append(env, key+"="+value)
	}
	resolved, err := b.creds.Resolve(provider.RequiredEnv)
	if err != nil {
		return nil, err
	}
	for _, cred := range resolved {
		env = append(env, cred.Key+"="+cred.Value)
	}

	var mounts []runtime.Mount
	for _, tpl := range provider.Mounts {
		source := strings.ReplaceAll(tpl.Source, "{workspace}", task.MountPoint)
		if source == "" {
			continue
		}
		mounts = append(mounts, runtime.Mount{
			Source:   source,
			Target:   tpl.Target,
			ReadOnly: tpl.ReadOnly,
		})
	}

	memoryMB := provider.ResourceLimits.MemoryMB
	if memoryMB <= 0 {
		memoryMB = int64(b.cfg.MemoryLimitMB)
	}

	name := exec.ContainerName
	if name == "" {
		name = ContainerNameFor(exec.ID)
	}

	return &runtime.Spec{
		Name:       name,
		Image:      provider.ImageRef(),
		Cmd:        provider.Cmd,
		Env:        env,
		WorkingDir: provider.WorkingDir,
		Mounts:     mounts,
		Memory:     memoryMB * 1024 * 1024,
		CPUShares:  int64(b.cfg.CPUShares),
		Labels: map[string]string{
			"crewdock.managed":      "true",
			"crewdock.kind":         "execution",
			"crewdock.execution_id": exec.ID,
			"crewdock.task_id":      exec.TaskID,
		},
	}, nil
}

// writePrelude replays the task and accumulated context over stdin, then
// hands control to the agent.
func (b *Bridge) writePrelude(stdin io.Writer, exec *models.TaskExecution, task *models.Task) error {
	line, err := EncodeTaskLine(task.Body)
	if err != nil {
		return err
	}
	if _, err := stdin.Write(line); err != nil {
		return err
	}

	for _, entry := range exec.Context {
		line, err := EncodeContextLine(entry.Role, entry.Payload)
		if err != nil {
			return err
		}
		if _, err := stdin.Write(line); err != nil {
			return err
		}
	}

	line, err = EncodeGoLine()
	if err != nil {
		return err
	}
	_, err = stdin.Write(line)
	return err
}

// consume reads protocol events from the agent's stdout until a terminal
// event, a suspension, or process exit. Stderr lines are folded into the
// execution log as diagnostics.
func (b *Bridge) consume(ctx context.Context, proc *process, streams *runtime.AttachStreams, startSeq int64) {
	defer close(proc.done)
	defer b.unregister(proc.executionID)
	defer streams.Close()

	var seq atomic.Int64
	seq.Store(startSeq)

	var stderrWG sync.WaitGroup
	if streams.Stderr != nil {
		stderrWG.Add(1)
		go func() {
			defer stderrWG.Done()
			b.pumpStderr(ctx, proc.executionID, streams.Stderr, &seq)
		}()
	}

	settled := b.pumpStdout(ctx, proc, streams.Stdout, &seq)
	stderrWG.Wait()

	if settled {
		// Unregister before teardown so a resume can relaunch as soon as
		// the container stop is observable.
		b.unregister(proc.executionID)
		b.teardownContainer(proc.handle.ID)
		return
	}

	// Stream ended without a result, error, or input request. The process
	// died on us; surface the exit code.
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), waitTimeout)
	defer cancel()
	exitCode, err := b.runtime.Wait(waitCtx, proc.handle.ID)
	if err != nil {
		b.logger.Warn("Failed to collect agent exit code",
			zap.String("execution_id", proc.executionID),
			zap.Error(err))
		exitCode = -1
	}
	b.finish(ctx, proc.executionID, models.Failed(apperrors.ErrCodeUnexpectedExit,
		fmt.Sprintf("agent process exited with code %d before reporting a result", exitCode)))
	b.teardownContainer(proc.handle.ID)
}

// pumpStdout dispatches protocol events. It returns true when the execution
// settled through the protocol (result, error, input request, or protocol
// violation) and false when the stream ended unexpectedly.
func (b *Bridge) pumpStdout(ctx context.Context, proc *process, stdout io.Reader, seq *atomic.Int64) bool {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	corrupted := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return true
		}
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}

		event, err := ParseLine(raw)
		if err != nil {
			corrupted++
			b.logger.Warn("Skipping malformed agent protocol line",
				zap.String("execution_id", proc.executionID),
				zap.Int("corrupted", corrupted),
				zap.Error(err))
			if corrupted > b.cfg.CorruptionThreshold {
				b.finish(ctx, proc.executionID, models.Failed(apperrors.ErrCodeProtocolViolation,
					fmt.Sprintf("agent emitted %d malformed protocol lines", corrupted)))
				return true
			}
			continue
		}

		switch event.Type {
		case EventLog:
			b.report(ctx, proc.executionID, seq.Add(1), event.Text+"\n", models.Telemetry{})

		case EventTelemetry:
			b.report(ctx, proc.executionID, seq.Add(1), "", models.Telemetry{
				MemoryBytes: event.MemoryBytes,
				TokenCount:  event.TokenCount,
			})

		case EventInputRequest:
			b.suspend(ctx, proc.executionID, event.Prompt)
			return true

		case EventResult:
			b.finish(ctx, proc.executionID, models.Completed(event.Payload))
			return true

		case EventError:
			b.finish(ctx, proc.executionID, models.Failed(apperrors.ErrCodeAgentError, event.Message))
			return true
		}
	}
	return false
}

func (b *Bridge) pumpStderr(ctx context.Context, executionID string, stderr io.Reader, seq *atomic.Int64) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		b.report(ctx, executionID, seq.Add(1), "[stderr] "+line+"\n", models.Telemetry{})
	}
}

func (b *Bridge) report(ctx context.Context, executionID string, seq int64, chunk string, tel models.Telemetry) {
	if err := b.machine.ReportProgress(ctx, executionID, seq, chunk, tel); err != nil {
		b.logger.Warn("Failed to report agent progress",
			zap.String("execution_id", executionID),
			zap.Error(err))
	}
}

// suspend records the agent's question in the replayable context, moves the
// execution to needs_input, and discards the container. Resume starts a
// fresh process.
func (b *Bridge) suspend(ctx context.Context, executionID string, prompt string) {
	payload, err := json.Marshal(map[string]string{"input_request": prompt})
	if err == nil {
		if err := b.machine.AppendContext(ctx, executionID, models.ContextEntry{
			Role:    "agent",
			Payload: payload,
			AddedAt: time.Now().UTC(),
		}); err != nil {
			b.logger.Warn("Failed to append input request to context",
				zap.String("execution_id", executionID),
				zap.Error(err))
		}
	}

	if _, err := b.machine.RequestInput(ctx, executionID, prompt); err != nil {
		b.logger.Warn("Failed to suspend execution for input",
			zap.String("execution_id", executionID),
			zap.Error(err))
	}
}

func (b *Bridge) finish(ctx context.Context, executionID string, outcome models.Outcome) {
	if _, err := b.machine.Finish(ctx, executionID, outcome); err != nil {
		b.logger.Error("Failed to finish execution",
			zap.String("execution_id", executionID),
			zap.Error(err))
	}
}

func (b *Bridge) unregister(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.procs, executionID)
}

func (b *Bridge) teardownContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout+waitTimeout)
	defer cancel()

	if err := b.runtime.Stop(ctx, containerID, stopTimeout); err != nil {
		b.logger.Debug("Stopping agent container", zap.String("container", containerID), zap.Error(err))
	}
	if err := b.runtime.Remove(ctx, containerID, true); err != nil {
		b.logger.Debug("Removing agent container", zap.String("container", containerID), zap.Error(err))
	}
}
