package api

import "encoding/json"

// CreateTaskRequest for creating a task
type CreateTaskRequest struct {
	Title         string          `json:"title"`
	Body          string          `json:"body" binding:"required"`
	Source        string          `json:"source"`
	AgentProvider string          `json:"agent_provider,omitempty"`
	RepositoryURL string          `json:"repository_url,omitempty"`
	MountPoint    string          `json:"mount_point,omitempty"`
	Attachments   json.RawMessage `json:"attachments,omitempty"`
}

// ResumeExecutionRequest for answering an input request
type ResumeExecutionRequest struct {
	Input json.RawMessage `json:"input" binding:"required"`
}

// CancelRequest for canceling a task or execution
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// OpenTerminalRequest for opening a terminal session
type OpenTerminalRequest struct {
	Name      string `json:"name"`
	ProjectID string `json:"project_id,omitempty"`
}

// CreateProjectRequest for registering a project workspace
type CreateProjectRequest struct {
	Name   string `json:"name" binding:"required"`
	Folder string `json:"folder" binding:"required"`
}

// ExecutionLogResponse returns the accumulated log of an execution
type ExecutionLogResponse struct {
	ExecutionID string `json:"execution_id"`
	LogSeq      int64  `json:"log_seq"`
	Log         string `json:"log"`
}
