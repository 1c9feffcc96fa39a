package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/crewdock/crewdock/internal/common/errors"
	"github.com/crewdock/crewdock/internal/task/models"
)

// MemoryRepository provides in-memory storage for tests and development.
// All reads and writes copy records so callers never alias stored state.
type MemoryRepository struct {
	mu         sync.RWMutex
	tasks      map[string]*models.Task
	executions map[string]*models.TaskExecution
	execByTask map[string][]string // taskID -> execution IDs in creation order
	sessions   map[string]*models.TerminalSession
	projects   map[string]*models.Project
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks:      make(map[string]*models.Task),
		executions: make(map[string]*models.TaskExecution),
		execByTask: make(map[string][]string),
		sessions:   make(map[string]*models.TerminalSession),
		projects:   make(map[string]*models.Project),
	}
}

func cloneTask(t *models.Task) *models.Task {
	c := *t
	c.Attachments = append([]byte(nil), t.Attachments...)
	return &c
}

func cloneExecution(e *models.TaskExecution) *models.TaskExecution {
	c := *e
	c.Result = append([]byte(nil), e.Result...)
	c.Context = append([]models.ContextEntry(nil), e.Context...)
	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.FinishedAt != nil {
		t := *e.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

func cloneSession(s *models.TerminalSession) *models.TerminalSession {
	c := *s
	return &c
}

func cloneProject(p *models.Project) *models.Project {
	c := *p
	return &c
}

// Task operations

func (r *MemoryRepository) CreateTask(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	r.tasks[task.ID] = cloneTask(task)
	return nil
}

func (r *MemoryRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}
	return cloneTask(task), nil
}

func (r *MemoryRepository) ListTasks(ctx context.Context, userID string) ([]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Task
	for _, task := range r.tasks {
		if userID == "" || task.UserID == userID {
			result = append(result, cloneTask(task))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (r *MemoryRepository) UpdateTask(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[task.ID]; !ok {
		return apperrors.NotFound("task", task.ID)
	}
	task.UpdatedAt = time.Now().UTC()
	r.tasks[task.ID] = cloneTask(task)
	return nil
}

func (r *MemoryRepository) CompareAndSetTaskStatus(ctx context.Context, id string, expected, next models.TaskStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return apperrors.NotFound("task", id)
	}
	if task.Status != expected {
		return ErrStaleStatus
	}
	task.Status = next
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// Execution operations

func (r *MemoryRepository) CreateExecution(ctx context.Context, exec *models.TaskExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	exec.CreatedAt = now
	exec.UpdatedAt = now

	r.executions[exec.ID] = cloneExecution(exec)
	r.execByTask[exec.TaskID] = append(r.execByTask[exec.TaskID], exec.ID)
	return nil
}

func (r *MemoryRepository) GetExecution(ctx context.Context, id string) (*models.TaskExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executions[id]
	if !ok {
		return nil, apperrors.NotFound("execution", id)
	}
	return cloneExecution(exec), nil
}

func (r *MemoryRepository) ListExecutionsForTask(ctx context.Context, taskID string) ([]*models.TaskExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.execByTask[taskID]
	result := make([]*models.TaskExecution, 0, len(ids))
	for _, id := range ids {
		if exec, ok := r.executions[id]; ok {
			result = append(result, cloneExecution(exec))
		}
	}
	return result, nil
}

func (r *MemoryRepository) ListExecutionsByStatus(ctx context.Context, status models.ExecutionStatus) ([]*models.TaskExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.TaskExecution
	for _, exec := range r.executions {
		if exec.Status == status {
			result = append(result, cloneExecution(exec))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (r *MemoryRepository) ActiveExecutionForTask(ctx context.Context, taskID string) (*models.TaskExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.execByTask[taskID] {
		if exec, ok := r.executions[id]; ok && exec.Status.IsActive() {
			return cloneExecution(exec), nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) CompareAndSetExecution(ctx context.Context, exec *models.TaskExecution, expected models.ExecutionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.executions[exec.ID]
	if !ok {
		return apperrors.NotFound("execution", exec.ID)
	}
	if stored.Status != expected {
		return ErrStaleStatus
	}

	// Preserve the stored log and telemetry counters; those are written
	// only through AppendExecutionLog and may be newer than the caller's
	// snapshot.
	updated := cloneExecution(exec)
	updated.Log = stored.Log
	updated.LogSeq = stored.LogSeq
	updated.MemoryBytes = stored.MemoryBytes
	updated.TokenCount = stored.TokenCount
	r.executions[exec.ID] = updated
	return nil
}

func (r *MemoryRepository) AppendExecutionLog(ctx context.Context, executionID string, seq int64, chunk string, tel models.Telemetry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, ok := r.executions[executionID]
	if !ok {
		return false, apperrors.NotFound("execution", executionID)
	}

	if tel.MemoryBytes > exec.MemoryBytes {
		exec.MemoryBytes = tel.MemoryBytes
	}
	if tel.TokenCount > exec.TokenCount {
		exec.TokenCount = tel.TokenCount
	}

	// Duplicate or stale chunks are dropped, counters above still apply
	if seq <= exec.LogSeq {
		return false, nil
	}

	exec.Log += chunk
	exec.LogSeq = seq
	exec.UpdatedAt = time.Now().UTC()
	return true, nil
}

// Terminal session operations

func (r *MemoryRepository) CreateSession(ctx context.Context, session *models.TerminalSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now
	if session.LastActiveAt.IsZero() {
		session.LastActiveAt = now
	}

	r.sessions[session.ID] = cloneSession(session)
	return nil
}

func (r *MemoryRepository) GetSession(ctx context.Context, id string) (*models.TerminalSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("terminal session", id)
	}
	return cloneSession(session), nil
}

func (r *MemoryRepository) ListSessions(ctx context.Context, userID string) ([]*models.TerminalSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.TerminalSession
	for _, session := range r.sessions {
		if userID == "" || session.UserID == userID {
			result = append(result, cloneSession(session))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (r *MemoryRepository) ListSessionsByStatus(ctx context.Context, status models.SessionStatus) ([]*models.TerminalSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.TerminalSession
	for _, session := range r.sessions {
		if session.Status == status {
			result = append(result, cloneSession(session))
		}
	}
	return result, nil
}

func (r *MemoryRepository) CompareAndSetSession(ctx context.Context, session *models.TerminalSession, expected models.SessionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.sessions[session.ID]
	if !ok {
		return apperrors.NotFound("terminal session", session.ID)
	}
	if stored.Status != expected {
		return ErrStaleStatus
	}
	session.UpdatedAt = time.Now().UTC()
	r.sessions[session.ID] = cloneSession(session)
	return nil
}

func (r *MemoryRepository) TouchSession(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return apperrors.NotFound("terminal session", id)
	}
	session.LastActiveAt = time.Now().UTC()
	return nil
}

// Project operations

func (r *MemoryRepository) CreateProject(ctx context.Context, project *models.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now

	r.projects[project.ID] = cloneProject(project)
	return nil
}

func (r *MemoryRepository) GetProject(ctx context.Context, id string) (*models.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	project, ok := r.projects[id]
	if !ok {
		return nil, apperrors.NotFound("project", id)
	}
	return cloneProject(project), nil
}

func (r *MemoryRepository) ListProjects(ctx context.Context, userID string) ([]*models.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Project
	for _, project := range r.projects {
		if userID == "" || project.UserID == userID {
			result = append(result, cloneProject(project))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Close is a no-op for the in-memory repository.
func (r *MemoryRepository) Close() error {
	return nil
}
