package api

import (
	"github.com/gin-gonic/gin"

	"github.com/crewdock/crewdock/internal/common/logger"
)

// SetupRoutes configures the orchestrator API routes
func SetupRoutes(router *gin.Engine, handler *Handler, log *logger.Logger) {
	router.Use(Recovery(log))
	router.Use(RequestLogger(log))
	router.Use(ErrorHandler(log))
	router.Use(CORS())

	router.GET("/healthz", handler.Health)

	v1 := router.Group("/api/v1")
	v1.Use(UserAttribution())
	{
		tasks := v1.Group("/tasks")
		{
			tasks.POST("", handler.CreateTask)
			tasks.GET("", handler.ListTasks)
			tasks.GET("/:taskId", handler.GetTask)
			tasks.POST("/:taskId/submit", handler.SubmitTask)
			tasks.POST("/:taskId/cancel", handler.CancelTask)
			tasks.GET("/:taskId/executions", handler.ListTaskExecutions)
		}

		executions := v1.Group("/executions")
		{
			executions.GET("/:executionId", handler.GetExecution)
			executions.GET("/:executionId/log", handler.GetExecutionLog)
			executions.POST("/:executionId/resume", handler.ResumeExecution)
			executions.POST("/:executionId/cancel", handler.CancelExecution)
		}

		v1.GET("/providers", handler.ListProviders)

		terminals := v1.Group("/terminals")
		{
			terminals.POST("", handler.OpenTerminal)
			terminals.GET("", handler.ListTerminals)
			terminals.GET("/:sessionId", handler.GetTerminal)
			terminals.DELETE("/:sessionId", handler.CloseTerminal)
		}

		projects := v1.Group("/projects")
		{
			projects.POST("", handler.CreateProject)
			projects.GET("", handler.ListProjects)
		}
	}
}
