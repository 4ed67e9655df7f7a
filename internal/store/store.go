// Package store persists workflow and task state. Implementations must be
// safe for concurrent use by multiple workers and, where backed by an
// external system (Redis, a SQL database), must survive process restarts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ai-effect-eu/orchestrator-go/internal/blueprint"
	"github.com/ai-effect-eu/orchestrator-go/internal/dataref"
)

// Sentinel errors returned by every Store implementation. Callers should
// check against these with errors.Is rather than type-asserting on a
// concrete implementation's error type.
var (
	ErrWorkflowNotFound      = errors.New("store: workflow not found")
	ErrTaskNotFound          = errors.New("store: task not found")
	ErrWorkflowAlreadyExists = errors.New("store: workflow already exists")
	ErrTaskAlreadyExists     = errors.New("store: task already exists")
)

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

// Workflow lifecycle states.
const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

// Terminal reports whether the status represents a finished workflow.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Task lifecycle states.
const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// WorkflowState is the persistent record of one workflow.
type WorkflowState struct {
	WorkflowID string         `json:"workflow_id"`
	Status     WorkflowStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Error      string         `json:"error,omitempty"`
}

// TaskState is the persistent record of one task within a workflow.
type TaskState struct {
	TaskID     string                  `json:"task_id"`
	WorkflowID string                  `json:"workflow_id"`
	NodeKey    string                  `json:"node_key"`
	Status     TaskStatus              `json:"status"`
	CreatedAt  time.Time               `json:"created_at"`
	UpdatedAt  time.Time               `json:"updated_at"`
	InputRefs  []dataref.DataReference `json:"input_refs,omitempty"`
	OutputRefs []dataref.DataReference `json:"output_refs,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

// TaskUpdate carries the optional fields an UpdateTaskStatus call may set.
// A nil pointer/slice means "leave unchanged".
type TaskUpdate struct {
	OutputRefs []dataref.DataReference
	Error      *string
}

// Store is the durable state backend the engine and API build on. Every
// method must be safe under concurrent calls from multiple workers.
type Store interface {
	CreateWorkflow(ctx context.Context, workflowID string) (*WorkflowState, error)
	GetWorkflow(ctx context.Context, workflowID string) (*WorkflowState, error)
	UpdateWorkflowStatus(ctx context.Context, workflowID string, status WorkflowStatus, errMsg string) (*WorkflowState, error)
	DeleteWorkflow(ctx context.Context, workflowID string) error
	ListRunningWorkflows(ctx context.Context) ([]string, error)

	CreateTask(ctx context.Context, workflowID, taskID, nodeKey string, inputRefs []dataref.DataReference) (*TaskState, error)
	GetTask(ctx context.Context, workflowID, taskID string) (*TaskState, error)
	UpdateTaskStatus(ctx context.Context, workflowID, taskID string, status TaskStatus, update TaskUpdate) (*TaskState, error)
	AppendTaskInputRefs(ctx context.Context, workflowID, taskID string, refs []dataref.DataReference) error
	GetWorkflowTasks(ctx context.Context, workflowID string) ([]*TaskState, error)

	// Dependency bookkeeping backs the engine's fan-in/fan-out logic. Each
	// operation is keyed per (workflowID, taskID) exactly as the engine's
	// graph/dependents sets were in the original design.
	AddDependency(ctx context.Context, workflowID, taskID, depTaskID string) error
	AddDependent(ctx context.Context, workflowID, taskID, dependentTaskID string) error
	DependencyCount(ctx context.Context, workflowID, taskID string) (int, error)
	Dependents(ctx context.Context, workflowID, taskID string) ([]string, error)

	// RemoveDependencyAndCount atomically removes depTaskID from taskID's
	// dependency set and returns the remaining count, so the engine can
	// decide to enqueue taskID without racing a sibling completion that
	// removes a different dependency concurrently.
	RemoveDependencyAndCount(ctx context.Context, workflowID, taskID, depTaskID string) (int, error)

	// SetNodeTask records the node-key-to-task-id mapping (the Redis
	// "graph:<id>" hash in the original design) so the engine can translate
	// a blueprint's node keys to durable task IDs; AllTaskIDs lists the
	// task IDs recorded in it.
	SetNodeTask(ctx context.Context, workflowID, nodeKey, taskID string) error
	AllTaskIDs(ctx context.Context, workflowID string) ([]string, error)

	// SetEndpoints persists the dockerinfo-resolved container endpoints a
	// workflow's workers dispatch control calls against (the original
	// design's "endpoints:<id>" hash).
	SetEndpoints(ctx context.Context, workflowID string, endpoints map[string]blueprint.ServiceEndpoint) error
	GetEndpoints(ctx context.Context, workflowID string) (map[string]blueprint.ServiceEndpoint, error)
}
