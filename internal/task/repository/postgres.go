package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/crewdock/crewdock/internal/common/config"
	apperrors "github.com/crewdock/crewdock/internal/common/errors"
	"github.com/crewdock/crewdock/internal/task/models"
)

// PostgresRepository provides PostgreSQL-based storage operations using the
// pgx driver through database/sql.
type PostgresRepository struct {
	db *sql.DB
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(cfg config.DatabaseConfig) (*PostgresRepository, error) {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	repo := &PostgresRepository{db: db}

	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

func (r *PostgresRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		folder TEXT NOT NULL,
		user_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
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
		attachments JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_executions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		agent_provider TEXT NOT NULL,
		job_id TEXT DEFAULT '',
		container_name TEXT DEFAULT '',
		completed BOOLEAN NOT NULL DEFAULT FALSE,
		needs_input BOOLEAN NOT NULL DEFAULT FALSE,
		input_request TEXT DEFAULT '',
		result JSONB,
		error_code TEXT DEFAULT '',
		error_message TEXT DEFAULT '',
		log_seq BIGINT NOT NULL DEFAULT 0,
		log TEXT NOT NULL DEFAULT '',
		memory_bytes BIGINT NOT NULL DEFAULT 0,
		token_count BIGINT NOT NULL DEFAULT 0,
		context JSONB NOT NULL DEFAULT '[]',
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
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
		last_active_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
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
func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

// Task operations

func (r *PostgresRepository) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, body, status, source, agent_provider, repository_url, mount_point, user_id, attachments, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, task.ID, task.Title, task.Body, task.Status, task.Source, task.AgentProvider, task.RepositoryURL,
		task.MountPoint, task.UserID, nullableJSON(task.Attachments), task.CreatedAt, task.UpdatedAt)

	return err
}

func (r *PostgresRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, title, body, status, source, agent_provider, repository_url, mount_point, user_id, COALESCE(attachments::text, ''), created_at, updated_at
		FROM tasks WHERE id = $1
	`, id)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("task", id)
	}
	return task, err
}

func (r *PostgresRepository) ListTasks(ctx context.Context, userID string) ([]*models.Task, error) {
	query := `
		SELECT id, title, body, status, source, agent_provider, repository_url, mount_point, user_id, COALESCE(attachments::text, ''), created_at, updated_at
		FROM tasks`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = $1`
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

func (r *PostgresRepository) UpdateTask(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET title = $1, body = $2, status = $3, source = $4, agent_provider = $5, repository_url = $6, mount_point = $7, attachments = $8, updated_at = $9
		WHERE id = $10
	`, task.Title, task.Body, task.Status, task.Source, task.AgentProvider, task.RepositoryURL,
		task.MountPoint, nullableJSON(task.Attachments), task.UpdatedAt, task.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("task", task.ID)
	}
	return nil
}

func (r *PostgresRepository) CompareAndSetTaskStatus(ctx context.Context, id string, expected, next models.TaskStatus) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4
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

const pgExecutionColumns = `id, task_id, user_id, status, agent_provider, job_id, container_name, completed, needs_input, input_request, result::text, error_code, error_message, log_seq, log, memory_bytes, token_count, context::text, started_at, finished_at, created_at, updated_at`

func (r *PostgresRepository) CreateExecution(ctx context.Context, exec *models.TaskExecution) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`, exec.ID, exec.TaskID, exec.UserID, exec.Status, exec.AgentProvider, exec.JobID, exec.ContainerName,
		exec.Completed, exec.NeedsInput, exec.InputRequest, nullableJSON(exec.Result), exec.ErrorCode,
		exec.ErrorMessage, exec.LogSeq, exec.Log, exec.MemoryBytes, exec.TokenCount, string(contextJSON),
		exec.StartedAt, exec.FinishedAt, exec.CreatedAt, exec.UpdatedAt)

	return err
}

func (r *PostgresRepository) GetExecution(ctx context.Context, id string) (*models.TaskExecution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+pgExecutionColumns+` FROM task_executions WHERE id = $1`, id)

	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("execution", id)
	}
	return exec, err
}

func (r *PostgresRepository) ListExecutionsForTask(ctx context.Context, taskID string) ([]*models.TaskExecution, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+pgExecutionColumns+` FROM task_executions WHERE task_id = $1 ORDER BY created_at`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectExecutions(rows)
}

func (r *PostgresRepository) ListExecutionsByStatus(ctx context.Context, status models.ExecutionStatus) ([]*models.TaskExecution, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+pgExecutionColumns+` FROM task_executions WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectExecutions(rows)
}

func (r *PostgresRepository) ActiveExecutionForTask(ctx context.Context, taskID string) (*models.TaskExecution, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+pgExecutionColumns+` FROM task_executions
		WHERE task_id = $1 AND status IN ('pending', 'running', 'needs_input')
		ORDER BY created_at DESC LIMIT 1
	`, taskID)

	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return exec, err
}

func (r *PostgresRepository) CompareAndSetExecution(ctx context.Context, exec *models.TaskExecution, expected models.ExecutionStatus) error {
	contextJSON, err := json.Marshal(exec.Context)
	if err != nil {
		contextJSON = []byte("[]")
	}

	// Log and telemetry columns are owned by AppendExecutionLog and stay
	// untouched here so concurrent progress reports are never rolled back.
	result, err := r.db.ExecContext(ctx, `
		UPDATE task_executions
		SET status = $1, job_id = $2, container_name = $3, completed = $4, needs_input = $5, input_request = $6,
		    result = $7, error_code = $8, error_message = $9, context = $10,
		    started_at = $11, finished_at = $12, updated_at = $13
		WHERE id = $14 AND status = $15
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

func (r *PostgresRepository) AppendExecutionLog(ctx context.Context, executionID string, seq int64, chunk string, tel models.Telemetry) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var logSeq, memoryBytes, tokenCount int64
	err = tx.QueryRowContext(ctx, `
		SELECT log_seq, memory_bytes, token_count FROM task_executions WHERE id = $1 FOR UPDATE
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
			UPDATE task_executions SET log = log || $1, log_seq = $2, memory_bytes = $3, token_count = $4, updated_at = $5
			WHERE id = $6
		`, chunk, logSeq, memoryBytes, tokenCount, time.Now().UTC(), executionID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE task_executions SET memory_bytes = $1, token_count = $2 WHERE id = $3
		`, memoryBytes, tokenCount, executionID)
	}
	if err != nil {
		return false, err
	}

	return applied, tx.Commit()
}

// Terminal session operations

func (r *PostgresRepository) CreateSession(ctx context.Context, session *models.TerminalSession) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, session.ID, session.Name, session.UserID, session.ProjectID, session.Status, session.Port,
		session.WSPath, session.ContainerName, session.StoppedReason, session.LastActiveAt,
		session.CreatedAt, session.UpdatedAt)

	return err
}

func (r *PostgresRepository) GetSession(ctx context.Context, id string) (*models.TerminalSession, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM terminal_sessions WHERE id = $1`, id)

	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("terminal session", id)
	}
	return session, err
}

func (r *PostgresRepository) ListSessions(ctx context.Context, userID string) ([]*models.TerminalSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM terminal_sessions`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = $1`
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

func (r *PostgresRepository) ListSessionsByStatus(ctx context.Context, status models.SessionStatus) ([]*models.TerminalSession, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM terminal_sessions WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSessions(rows)
}

func (r *PostgresRepository) CompareAndSetSession(ctx context.Context, session *models.TerminalSession, expected models.SessionStatus) error {
	session.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE terminal_sessions
		SET name = $1, status = $2, port = $3, ws_path = $4, container_name = $5, stopped_reason = $6, last_active_at = $7, updated_at = $8
		WHERE id = $9 AND status = $10
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

func (r *PostgresRepository) TouchSession(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE terminal_sessions SET last_active_at = $1 WHERE id = $2
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

func (r *PostgresRepository) CreateProject(ctx context.Context, project *models.Project) error {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, folder, user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, project.ID, project.Name, project.Folder, project.UserID, project.CreatedAt, project.UpdatedAt)

	return err
}

func (r *PostgresRepository) GetProject(ctx context.Context, id string) (*models.Project, error) {
	project := &models.Project{}

	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, folder, user_id, created_at, updated_at FROM projects WHERE id = $1
	`, id).Scan(&project.ID, &project.Name, &project.Folder, &project.UserID, &project.CreatedAt, &project.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("project", id)
	}
	return project, err
}

func (r *PostgresRepository) ListProjects(ctx context.Context, userID string) ([]*models.Project, error) {
	query := `SELECT id, name, folder, user_id, created_at, updated_at FROM projects`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = $1`
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
