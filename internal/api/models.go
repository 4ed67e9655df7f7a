package api

import (
	"time"

	"github.com/ai-effect-eu/orchestrator-go/internal/store"
)

// WorkflowSubmitRequest is the body of POST /workflows. Blueprint and
// Dockerinfo hold the decoded JSON documents; the handler re-marshals them
// to bytes before handing them to internal/blueprint.
type WorkflowSubmitRequest struct {
	Blueprint  map[string]interface{}   `json:"blueprint"`
	Dockerinfo map[string]interface{}   `json:"dockerinfo"`
	Inputs     []map[string]interface{} `json:"inputs,omitempty"`
}

// WorkflowSubmitResponse is returned from a successful workflow submission.
type WorkflowSubmitResponse struct {
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
}

// WorkflowStatusResponse reports a workflow's current lifecycle state.
type WorkflowStatusResponse struct {
	WorkflowID string    `json:"workflow_id"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Error      string    `json:"error,omitempty"`
}

func workflowStatusResponse(wf *store.WorkflowState) WorkflowStatusResponse {
	return WorkflowStatusResponse{
		WorkflowID: wf.WorkflowID,
		Status:     string(wf.Status),
		CreatedAt:  wf.CreatedAt,
		UpdatedAt:  wf.UpdatedAt,
		Error:      wf.Error,
	}
}

// TaskStatusResponse reports a single task's current lifecycle state.
type TaskStatusResponse struct {
	TaskID    string    `json:"task_id"`
	NodeKey   string    `json:"node_key"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}

func taskStatusResponse(t *store.TaskState) TaskStatusResponse {
	return TaskStatusResponse{
		TaskID:    t.TaskID,
		NodeKey:   t.NodeKey,
		Status:    string(t.Status),
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
		Error:     t.Error,
	}
}

// TaskListResponse wraps every task belonging to a workflow.
type TaskListResponse struct {
	WorkflowID string               `json:"workflow_id"`
	Tasks      []TaskStatusResponse `json:"tasks"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
