package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/crewdock/crewdock/internal/agent/registry"
	"github.com/crewdock/crewdock/internal/common/errors"
	"github.com/crewdock/crewdock/internal/common/logger"
	"github.com/crewdock/crewdock/internal/orchestrator/dispatcher"
	"github.com/crewdock/crewdock/internal/task/models"
	"github.com/crewdock/crewdock/internal/task/repository"
	"github.com/crewdock/crewdock/internal/terminal"
)

// Handler contains the HTTP handlers of the orchestrator API
type Handler struct {
	repo       repository.Repository
	dispatcher *dispatcher.Dispatcher
	registry   *registry.Registry
	terminals  *terminal.Manager
	logger     *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(repo repository.Repository, d *dispatcher.Dispatcher, reg *registry.Registry, terminals *terminal.Manager, log *logger.Logger) *Handler {
	return &Handler{
		repo:       repo,
		dispatcher: d,
		registry:   reg,
		terminals:  terminals,
		logger:     log,
	}
}

// userID returns the caller identity set by the attribution middleware.
func userID(c *gin.Context) string {
	return c.GetString("user_id")
}

// respondError maps any error to its HTTP status and error body.
func respondError(c *gin.Context, err error) {
	c.JSON(errors.GetHTTPStatus(err), gin.H{
		"error": gin.H{
			"code":    errors.Code(err),
			"message": err.Error(),
		},
	})
}

// Task endpoints

// CreateTask creates a new task
// POST /api/v1/tasks
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	source := models.TaskSource(req.Source)
	if source == "" {
		source = models.TaskSourceAPI
	}
	if source != models.TaskSourceWeb && source != models.TaskSourceAPI {
		appErr := errors.ValidationError("source", "must be web or api")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if req.AgentProvider != "" && !h.registry.Exists(req.AgentProvider) {
		appErr := errors.ValidationError("agent_provider", "unknown provider "+req.AgentProvider)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	task := &models.Task{
		Title:         req.Title,
		Body:          req.Body,
		Status:        models.TaskStatusTodo,
		Source:        source,
		AgentProvider: req.AgentProvider,
		RepositoryURL: req.RepositoryURL,
		MountPoint:    req.MountPoint,
		UserID:        userID(c),
		Attachments:   req.Attachments,
	}
	if err := h.repo.CreateTask(c.Request.Context(), task); err != nil {
		h.logger.Error("failed to create task", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, task)
}

// GetTask retrieves a task by ID
// GET /api/v1/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.repo.GetTask(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// ListTasks returns the caller's tasks
// GET /api/v1/tasks
func (h *Handler) ListTasks(c *gin.Context) {
	tasks, err := h.repo.ListTasks(c.Request.Context(), userID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "total": len(tasks)})
}

// SubmitTask queues a task for execution
// POST /api/v1/tasks/:taskId/submit
func (h *Handler) SubmitTask(c *gin.Context) {
	exec, err := h.dispatcher.Submit(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, exec)
}

// CancelTask cancels a task and its active execution
// POST /api/v1/tasks/:taskId/cancel
func (h *Handler) CancelTask(c *gin.Context) {
	var req CancelRequest
	_ = c.ShouldBindJSON(&req)

	task, err := h.dispatcher.CancelTask(c.Request.Context(), c.Param("taskId"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// ListTaskExecutions returns all executions of a task
// GET /api/v1/tasks/:taskId/executions
func (h *Handler) ListTaskExecutions(c *gin.Context) {
	taskID := c.Param("taskId")
	if _, err := h.repo.GetTask(c.Request.Context(), taskID); err != nil {
		respondError(c, err)
		return
	}
	execs, err := h.repo.ListExecutionsForTask(c.Request.Context(), taskID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs, "total": len(execs)})
}

// Execution endpoints

// GetExecution retrieves an execution by ID
// GET /api/v1/executions/:executionId
func (h *Handler) GetExecution(c *gin.Context) {
	exec, err := h.repo.GetExecution(c.Request.Context(), c.Param("executionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// GetExecutionLog returns the accumulated execution log
// GET /api/v1/executions/:executionId/log
func (h *Handler) GetExecutionLog(c *gin.Context) {
	exec, err := h.repo.GetExecution(c.Request.Context(), c.Param("executionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ExecutionLogResponse{
		ExecutionID: exec.ID,
		LogSeq:      exec.LogSeq,
		Log:         exec.Log,
	})
}

// ResumeExecution answers an input request and relaunches the agent
// POST /api/v1/executions/:executionId/resume
func (h *Handler) ResumeExecution(c *gin.Context) {
	var req ResumeExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	exec, err := h.dispatcher.ResumeExecution(c.Request.Context(), c.Param("executionId"), req.Input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// CancelExecution cancels a single execution
// POST /api/v1/executions/:executionId/cancel
func (h *Handler) CancelExecution(c *gin.Context) {
	var req CancelRequest
	_ = c.ShouldBindJSON(&req)

	exec, err := h.dispatcher.CancelExecution(c.Request.Context(), c.Param("executionId"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// Provider endpoints

// ListProviders returns the enabled agent providers
// GET /api/v1/providers
func (h *Handler) ListProviders(c *gin.Context) {
	providers := h.registry.ListEnabled()
	c.JSON(http.StatusOK, gin.H{"providers": providers, "total": len(providers)})
}

// Terminal endpoints

// OpenTerminal opens a new terminal session
// POST /api/v1/terminals
func (h *Handler) OpenTerminal(c *gin.Context) {
	var req OpenTerminalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	session, err := h.terminals.Open(c.Request.Context(), userID(c), req.ProjectID, req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

// ListTerminals returns the caller's terminal sessions
// GET /api/v1/terminals
func (h *Handler) ListTerminals(c *gin.Context) {
	sessions, err := h.terminals.List(c.Request.Context(), userID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "total": len(sessions)})
}

// GetTerminal retrieves a terminal session by ID
// GET /api/v1/terminals/:sessionId
func (h *Handler) GetTerminal(c *gin.Context) {
	session, err := h.terminals.Get(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// CloseTerminal stops a terminal session
// DELETE /api/v1/terminals/:sessionId
func (h *Handler) CloseTerminal(c *gin.Context) {
	session, err := h.terminals.Close(c.Request.Context(), c.Param("sessionId"), "closed by user")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// Project endpoints

// CreateProject registers a project workspace
// POST /api/v1/projects
func (h *Handler) CreateProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	project := &models.Project{
		Name:   req.Name,
		Folder: req.Folder,
		UserID: userID(c),
	}
	if err := h.repo.CreateProject(c.Request.Context(), project); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

// ListProjects returns the caller's projects
// GET /api/v1/projects
func (h *Handler) ListProjects(c *gin.Context) {
	projects, err := h.repo.ListProjects(c.Request.Context(), userID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects, "total": len(projects)})
}

// Health reports service liveness
// GET /healthz
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"queue_depth":  h.dispatcher.QueueDepth(),
		"active_execs": h.dispatcher.ActiveCount(),
	})
}
