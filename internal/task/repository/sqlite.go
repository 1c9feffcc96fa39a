package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/crewdock/crewdock/internal/common/errors"
	"github.com/crewdock/crewdock/internal/task/models"
)

// SQLiteRepository provides SQLite-based storage operations
type SQLiteRepository struct {
	db *sql.DB
}

// Ensure SQLiteRepository implements Repository interface
var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}

	// Initialize schema
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// initSchema creates the database tables if they don't exist
func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		folder TEXT NOT NULL,
		user_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT DEFAULT '',
		body TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'todo',
		source TEXT NOT NULL DEFAULT 'api',
		agent_provider TEXT DEFAULT '',
		repository_url TEXT DEFAULT '',
		mount_point TEXT DEFAULT '',
		user_id TEXT NOT NULL,
		attachments TEXT DEFAULT 'null',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_executions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		agent_provider TEXT NOT NULL,
		job_id TEXT DEFAULT '',
		container_name TEXT DEFAULT '',
		completed INTEGER NOT NULL DEFAULT 0,
		needs_input INTEGER NOT NULL DEFAULT 0,
		input_request TEXT DEFAULT '',
		result TEXT,
		error_code TEXT DEFAULT '',
		error_message TEXT DEFAULT '',
		log_seq INTEGER NOT NULL DEFAULT 0,
		log TEXT NOT NULL DEFAULT '',
		memory_bytes INTEGER NOT NULL DEFAULT 0,
		token_count INTEGER NOT NULL DEFAULT 0,
		context TEXT NOT NULL DEFAULT '[]',
		started_at DATETIME,
		finished_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS terminal_sessions (
		id TEXT PRIMARY KEY,
		name TEXT DEFAULT '',
		user_id TEXT NOT NULL,
		project_id TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		port INTEGER NOT NULL DEFAULT 0,
		ws_path TEXT DEFAULT '',
		container_name TEXT DEFAULT '',
		stopped_reason TEXT DEFAULT '',
		last_active_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_user_id ON tasks(user_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_executions_task_id ON task_executions(task_id);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON task_executions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON terminal_sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON terminal_sessions(status);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Task operations

// CreateTask creates a new task
func (r *SQLiteRepository) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	attachments := string(task.Attachments)
	if attachments == "" {
		attachments = "null"
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, body, status, source, agent_provider, repository_url, mount_point, user_id, attachments, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Title, task.Body, task.Status, task.Source, task.AgentProvider, task.RepositoryURL, task.MountPoint, task.UserID, attachments, task.CreatedAt, task.UpdatedAt)

	return err
}

// GetTask retrieves a task by ID
func (r *SQLiteRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, title, body, status, source, agent_provider, repository_url, mount_point, user_id, attachments, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("task", id)
	}
	return task, err
}

// ListTasks returns all tasks, optionally filtered by user
func (r *SQLiteRepository) ListTasks(ctx context.Context, userID string) ([]*models.Task, error) {
	query := `
		SELECT id, title, body, status, source, agent_provider, repository_url, mount_point, user_id, attachments, created_at, updated_at
		FROM tasks`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	task := &models.Task{}
	var attachments string
	err := row.Scan(&task.ID, &task.Title, &task.Body, &task.Status, &task.Source, &task.AgentProvider,
		&task.RepositoryURL, &task.MountPoint, &task.UserID, &attachments, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if attachments != "" && attachments != "null" {
		task.Attachments = json.RawMessage(attachments)
	}
	return task, nil
}

// UpdateTask updates an existing task
func (r *SQLiteRepository) UpdateTask(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC()

	attachments := string(task.Attachments)
	if attachments == "" {
		attachments = "null"
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET title = ?, body = ?, status = ?, source = ?, agent_provider = ?, repository_url = ?, mount_point = ?, attachments = ?, updated_at = ?
		WHERE id = ?
	`, task.Title, task.Body, task.Status, task.Source, task.AgentProvider, task.RepositoryURL, task.MountPoint, attachments, task.UpdatedAt, task.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("task", task.ID)
	}
	return nil
}

// CompareAndSetTaskStatus atomically moves a task between statuses
func (r *SQLiteRepository) CompareAndSetTaskStatus(ctx context.Context, id string, expected, next models.TaskStatus) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, next, time.Now().UTC(), id, expected)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := r.GetTask(ctx, id); err != nil {
			return err
		}
		return ErrStaleStatus
	}
	return nil
}

// Execution operations

// CreateExecution creates a new task execution
func (r *SQLiteRepository) CreateExecution(ctx context.Context, exec *models.TaskExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	exec.CreatedAt = now
	exec.UpdatedAt = now

	contextJSON, err := json.Marshal(exec.Context)
	if err != nil {
		contextJSON = []byte("[]")
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO task_executions (id, task_id, user_id, status, agent_provider, job_id, container_name, completed, needs_input, input_request, result, error_code, error_message, log_seq, log, memory_bytes, token_count, context, started_at, finished_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.TaskID, exec.UserID, exec.Status, exec.AgentProvider, exec.JobID, exec.ContainerName,
		exec.Completed, exec.NeedsInput, exec.InputRequest, nullableJSON(exec.Result), exec.ErrorCode, exec.ErrorMessage,
		exec.LogSeq, exec.Log, exec.MemoryBytes, exec.TokenCount, string(contextJSON),
		exec.StartedAt, exec.FinishedAt, exec.CreatedAt, exec.UpdatedAt)

	return err
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

const executionColumns = `id, task_id, user_id, status, agent_provider, job_id, container_name, completed, needs_input, input_request, result, error_code, error_message, log_seq, log, memory_bytes, token_count, context, started_at, finished_at, created_at, updated_at`

func scanExecution(row rowScanner) (*models.TaskExecution, error) {
	exec := &models.TaskExecution{}
	var result sql.NullString
	var contextJSON string
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(&exec.ID, &exec.TaskID, &exec.UserID, &exec.Status, &exec.AgentProvider, &exec.JobID,
		&exec.ContainerName, &exec.Completed, &exec.NeedsInput, &exec.InputRequest, &result, &exec.ErrorCode,
		&exec.ErrorMessage, &exec.LogSeq, &exec.Log, &exec.MemoryBytes, &exec.TokenCount, &contextJSON,
		&startedAt, &finishedAt, &exec.CreatedAt, &exec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if result.Valid && result.String != "" {
		exec.Result = json.RawMessage(result.String)
	}
	_ = json.Unmarshal([]byte(contextJSON), &exec.Context)
	if startedAt.Valid {
		t := startedAt.Time
		exec.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		exec.FinishedAt = &t
	}
	return exec, nil
}

// GetExecution retrieves an execution by ID
func (r *SQLiteRepository) GetExecution(ctx context.Context, id string) (*models.TaskExecution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM task_executions WHERE id = ?`, id)

	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("execution", id)
	}
	return exec, err
}

// ListExecutionsForTask returns all executions for a task in creation order
func (r *SQLiteRepository) ListExecutionsForTask(ctx context.Context, taskID string) ([]*models.TaskExecution, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+executionColumns+` FROM task_executions WHERE task_id = ? ORDER BY created_at`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// ListExecutionsByStatus returns all executions in the given status
func (r *SQLiteRepository) ListExecutionsByStatus(ctx context.Context, status models.ExecutionStatus) ([]*models.TaskExecution, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+executionColumns+` FROM task_executions WHERE status = ? ORDER BY created_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectExecutions(rows)
}

func collectExecutions(rows *sql.Rows) ([]*models.TaskExecution, error) {
	var result []*models.TaskExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, exec)
	}
	return result, rows.Err()
}

// ActiveExecutionForTask returns the non-terminal execution for a task, or nil
func (r *SQLiteRepository) ActiveExecutionForTask(ctx context.Context, taskID string) (*models.TaskExecution, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM task_executions
		WHERE task_id = ? AND status IN ('pending', 'running', 'needs_input')
		ORDER BY created_at DESC LIMIT 1
	`, taskID)

	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return exec, err
}

// CompareAndSetExecution writes the full execution record if the stored status matches
func (r *SQLiteRepository) CompareAndSetExecution(ctx context.Context, exec *models.TaskExecution, expected models.ExecutionStatus) error {
	contextJSON, err := json.Marshal(exec.Context)
	if err != nil {
		contextJSON = []byte("[]")
	}

	// Log and telemetry columns are owned by AppendExecutionLog and stay
	// untouched here so concurrent progress reports are never rolled back.
	result, err := r.db.ExecContext(ctx, `
		UPDATE task_executions
		SET status = ?, job_id = ?, container_name = ?, completed = ?, needs_input = ?, input_request = ?,
		    result = ?, error_code = ?, error_message = ?, context = ?,
		    started_at = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, exec.Status, exec.JobID, exec.ContainerName, exec.Completed, exec.NeedsInput, exec.InputRequest,
		nullableJSON(exec.Result), exec.ErrorCode, exec.ErrorMessage,
		string(contextJSON), exec.StartedAt, exec.FinishedAt, exec.UpdatedAt, exec.ID, expected)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := r.GetExecution(ctx, exec.ID); err != nil {
			return err
		}
		return ErrStaleStatus
	}
	return nil
}

// AppendExecutionLog appends a log chunk and folds in telemetry counters
func (r *SQLiteRepository) AppendExecutionLog(ctx context.Context, executionID string, seq int64, chunk string, tel models.Telemetry) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var logSeq, memoryBytes, tokenCount int64
	err = tx.QueryRowContext(ctx, `
		SELECT log_seq, memory_bytes, token_count FROM task_executions WHERE id = ?
	`, executionID).Scan(&logSeq, &memoryBytes, &tokenCount)
	if err == sql.ErrNoRows {
		return false, apperrors.NotFound("execution", executionID)
	}
	if err != nil {
		return false, err
	}

	if tel.MemoryBytes > memoryBytes {
		memoryBytes = tel.MemoryBytes
	}
	if tel.TokenCount > tokenCount {
		tokenCount = tel.TokenCount
	}

	applied := seq > logSeq
	if applied {
		logSeq = seq
		_, err = tx.ExecContext(ctx, `
			UPDATE task_executions SET log = log || ?, log_seq = ?, memory_bytes = ?, token_count = ?, updated_at = ?
			WHERE id = ?
		`, chunk, logSeq, memoryBytes, tokenCount, time.Now().UTC(), executionID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE task_executions SET memory_bytes = ?, token_count = ? WHERE id = ?
		`, memoryBytes, tokenCount, executionID)
	}
	if err != nil {
		return false, err
	}

	return applied, tx.Commit()
}

// Terminal session operations

const sessionColumns = `id, name, user_id, project_id, status, port, ws_path, container_name, stopped_reason, last_active_at, created_at, updated_at`

// CreateSession creates a new terminal session
func (r *SQLiteRepository) CreateSession(ctx context.Context, session *models.TerminalSession) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now
	if session.LastActiveAt.IsZero() {
		session.LastActiveAt = now
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO terminal_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.Name, session.UserID, session.ProjectID, session.Status, session.Port,
		session.WSPath, session.ContainerName, session.StoppedReason, session.LastActiveAt,
		session.CreatedAt, session.UpdatedAt)

	return err
}

func scanSession(row rowScanner) (*models.TerminalSession, error) {
	session := &models.TerminalSession{}
	err := row.Scan(&session.ID, &session.Name, &session.UserID, &session.ProjectID, &session.Status,
		&session.Port, &session.WSPath, &session.ContainerName, &session.StoppedReason,
		&session.LastActiveAt, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession retrieves a terminal session by ID
func (r *SQLiteRepository) GetSession(ctx context.Context, id string) (*models.TerminalSession, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM terminal_sessions WHERE id = ?`, id)

	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("terminal session", id)
	}
	return session, err
}

// ListSessions returns all sessions, optionally filtered by user
func (r *SQLiteRepository) ListSessions(ctx context.Context, userID string) ([]*models.TerminalSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM terminal_sessions`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSessions(rows)
}

// ListSessionsByStatus returns all sessions in the given status
func (r *SQLiteRepository) ListSessionsByStatus(ctx context.Context, status models.SessionStatus) ([]*models.TerminalSession, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM terminal_sessions WHERE status = ? ORDER BY created_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]*models.TerminalSession, error) {
	var result []*models.TerminalSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

// CompareAndSetSession writes the full session record if the stored status matches
func (r *SQLiteRepository) CompareAndSetSession(ctx context.Context, session *models.TerminalSession, expected models.SessionStatus) error {
	session.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE terminal_sessions
		SET name = ?, status = ?, port = ?, ws_path = ?, container_name = ?, stopped_reason = ?, last_active_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, session.Name, session.Status, session.Port, session.WSPath, session.ContainerName,
		session.StoppedReason, session.LastActiveAt, session.UpdatedAt, session.ID, expected)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := r.GetSession(ctx, session.ID); err != nil {
			return err
		}
		return ErrStaleStatus
	}
	return nil
}

// TouchSession updates the session's last-activity timestamp
func (r *SQLiteRepository) TouchSession(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE terminal_sessions SET last_active_at = ? WHERE id = ?
	`, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("terminal session", id)
	}
	return nil
}

// Project operations

// CreateProject creates a new project
func (r *SQLiteRepository) CreateProject(ctx context.Context, project *models.Project) error {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, folder, user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, project.ID, project.Name, project.Folder, project.UserID, project.CreatedAt, project.UpdatedAt)

	return err
}

// GetProject retrieves a project by ID
func (r *SQLiteRepository) GetProject(ctx context.Context, id string) (*models.Project, error) {
	project := &models.Project{}

	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, folder, user_id, created_at, updated_at FROM projects WHERE id = ?
	`, id).Scan(&project.ID, &project.Name, &project.Folder, &project.UserID, &project.CreatedAt, &project.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("project", id)
	}
	return project, err
}

// ListProjects returns all projects, optionally filtered by user
func (r *SQLiteRepository) ListProjects(ctx context.Context, userID string) ([]*models.Project, error) {
	query := `SELECT id, name, folder, user_id, created_at, updated_at FROM projects`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Project
	for rows.Next() {
		project := &models.Project{}
		err := rows.Scan(&project.ID, &project.Name, &project.Folder, &project.UserID, &project.CreatedAt, &project.UpdatedAt)
		if err != nil {
			return nil, err
		}
		result = append(result, project)
	}
	return result, rows.Err()
}
