// Package engine orchestrates workflow execution: initializing tasks from a
// parsed graph, starting ready tasks, handing completed/failed outcomes
// through the fan-in/fan-out dependency walk, and reporting workflow status.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ai-effect-eu/orchestrator-go/internal/dataref"
	"github.com/ai-effect-eu/orchestrator-go/internal/emit"
	"github.com/ai-effect-eu/orchestrator-go/internal/graph"
	"github.com/ai-effect-eu/orchestrator-go/internal/metrics"
	"github.com/ai-effect-eu/orchestrator-go/internal/queue"
	"github.com/ai-effect-eu/orchestrator-go/internal/store"
)

// ErrEmptyWorkflowGraph is returned by InitializeWorkflow when the graph has
// no nodes.
var ErrEmptyWorkflowGraph = errors.New("engine: graph must have at least one node")

// Engine ties a Store, a Queue, and observability together to run workflows
// described by a parsed graph.Graph.
type Engine struct {
	store   store.Store
	queue   queue.Queue
	emitter emit.Emitter
	metrics *metrics.Metrics
}

// New constructs an Engine. emitter and m may be nil; a nil emitter falls
// back to emit.NullEmitter{}.
func New(st store.Store, q queue.Queue, emitter emit.Emitter, m *metrics.Metrics) *Engine {
	if emitter == nil {
		emitter = emit.NullEmitter{}
	}
	return &Engine{store: st, queue: q, emitter: emitter, metrics: m}
}

// TaskIDFromNodeKey derives the deterministic task ID for a graph node key,
// using the first 8 hex characters of its SHA-256 digest prefixed
// "task_". Two workflows built from the same blueprint always assign the
// same task IDs to the same nodes.
func TaskIDFromNodeKey(nodeKey string) string {
	sum := sha256.Sum256([]byte(nodeKey))
	return "task_" + hex.EncodeToString(sum[:])[:8]
}

// InitializeWorkflow creates workflow and task state from a parsed graph:
// one task per node, with dependency and dependent bookkeeping mirroring the
// graph's edges. It does not enqueue anything; call Start for that.
func (e *Engine) InitializeWorkflow(ctx context.Context, workflowID string, g *graph.Graph) (*store.WorkflowState, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("engine: workflow_id is required")
	}
	if g == nil || len(g.AllNodes) == 0 {
		return nil, ErrEmptyWorkflowGraph
	}

	workflow, err := e.store.CreateWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("engine: create workflow %s: %w", workflowID, err)
	}

	nodeToTask := make(map[string]string, len(g.AllNodes))
	for nodeKey := range g.AllNodes {
		taskID := TaskIDFromNodeKey(nodeKey)
		nodeToTask[nodeKey] = taskID

		if _, err := e.store.CreateTask(ctx, workflowID, taskID, nodeKey, nil); err != nil {
			return nil, fmt.Errorf("engine: create task for node %s: %w", nodeKey, err)
		}
		if err := e.store.SetNodeTask(ctx, workflowID, nodeKey, taskID); err != nil {
			return nil, fmt.Errorf("engine: map node %s to task: %w", nodeKey, err)
		}
	}

	for nodeKey, node := range g.AllNodes {
		taskID := nodeToTask[nodeKey]

		for _, dep := range node.Deps {
			depTaskID := nodeToTask[dep.Key()]
			if err := e.store.AddDependency(ctx, workflowID, taskID, depTaskID); err != nil {
				return nil, fmt.Errorf("engine: record dependency %s -> %s: %w", taskID, depTaskID, err)
			}
		}

		for _, next := range node.Next {
			nextTaskID := nodeToTask[next.Key()]
			if err := e.store.AddDependent(ctx, workflowID, taskID, nextTaskID); err != nil {
				return nil, fmt.Errorf("engine: record dependent %s -> %s: %w", taskID, nextTaskID, err)
			}
		}
	}

	e.emitter.Emit(emit.Event{WorkflowID: workflowID, Msg: "workflow_initialized", Meta: map[string]interface{}{
		"task_count": len(g.AllNodes),
	}})
	return workflow, nil
}

// Start transitions a workflow to running and enqueues its start tasks
// (those with zero dependencies). initialInputs, if non-empty, is attached
// to every start task's InputRefs — start tasks have no upstream producer to
// supply inputs any other way.
func (e *Engine) Start(ctx context.Context, workflowID string, initialInputs []dataref.DataReference) error {
	if workflowID == "" {
		return fmt.Errorf("engine: workflow_id is required")
	}

	if _, err := e.store.UpdateWorkflowStatus(ctx, workflowID, store.WorkflowRunning, ""); err != nil {
		return fmt.Errorf("engine: start workflow %s: %w", workflowID, err)
	}

	taskIDs, err := e.store.AllTaskIDs(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("engine: list tasks for %s: %w", workflowID, err)
	}

	for _, taskID := range taskIDs {
		count, err := e.store.DependencyCount(ctx, workflowID, taskID)
		if err != nil {
			return fmt.Errorf("engine: dependency count for %s: %w", taskID, err)
		}
		if count != 0 {
			continue
		}

		if len(initialInputs) > 0 {
			if err := e.store.AppendTaskInputRefs(ctx, workflowID, taskID, initialInputs); err != nil {
				return fmt.Errorf("engine: attach initial inputs to %s: %w", taskID, err)
			}
		}

		if err := e.queue.Enqueue(ctx, workflowID, taskID); err != nil {
			return fmt.Errorf("engine: enqueue start task %s: %w", taskID, err)
		}
	}

	e.emitter.Emit(emit.Event{WorkflowID: workflowID, Msg: "workflow_started"})
	return nil
}

// ClaimTask pops the next ready task off the workflow's queue and marks it
// running. It returns queue.ErrEmpty if timeout elapses with nothing ready.
func (e *Engine) ClaimTask(ctx context.Context, workflowID string, timeout time.Duration) (*store.TaskState, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("engine: workflow_id is required")
	}

	taskID, err := e.queue.Dequeue(ctx, workflowID, timeout)
	if err != nil {
		return nil, err
	}

	task, err := e.store.UpdateTaskStatus(ctx, workflowID, taskID, store.TaskRunning, store.TaskUpdate{})
	if err != nil {
		return nil, fmt.Errorf("engine: claim task %s: %w", taskID, err)
	}

	e.emitter.Emit(emit.Event{WorkflowID: workflowID, TaskID: taskID, NodeKey: task.NodeKey, Msg: "task_claimed"})
	return task, nil
}

// CompleteTask marks a task completed, threads its output refs to every
// dependent as additional input refs, and enqueues any dependent whose
// dependency count atomically reaches zero. It completes the workflow once
// every task has reached TaskCompleted.
func (e *Engine) CompleteTask(ctx context.Context, workflowID, taskID string, outputRefs []dataref.DataReference) (*store.TaskState, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("engine: workflow_id is required")
	}
	if taskID == "" {
		return nil, fmt.Errorf("engine: task_id is required")
	}

	task, err := e.store.UpdateTaskStatus(ctx, workflowID, taskID, store.TaskCompleted, store.TaskUpdate{OutputRefs: outputRefs})
	if err != nil {
		return nil, fmt.Errorf("engine: complete task %s: %w", taskID, err)
	}

	dependents, err := e.store.Dependents(ctx, workflowID, taskID)
	if err != nil {
		return nil, fmt.Errorf("engine: list dependents of %s: %w", taskID, err)
	}

	for _, dependentID := range dependents {
		if len(outputRefs) > 0 {
			if err := e.store.AppendTaskInputRefs(ctx, workflowID, dependentID, outputRefs); err != nil {
				return nil, fmt.Errorf("engine: append inputs to %s: %w", dependentID, err)
			}
		}

		remaining, err := e.store.RemoveDependencyAndCount(ctx, workflowID, dependentID, taskID)
		if err != nil {
			return nil, fmt.Errorf("engine: resolve dependency %s -> %s: %w", dependentID, taskID, err)
		}
		if remaining == 0 {
			if err := e.queue.Enqueue(ctx, workflowID, dependentID); err != nil {
				return nil, fmt.Errorf("engine: enqueue dependent %s: %w", dependentID, err)
			}
		}
	}

	e.emitter.Emit(emit.Event{WorkflowID: workflowID, TaskID: taskID, NodeKey: task.NodeKey, Msg: "task_completed"})

	complete, err := e.allTasksCompleted(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if complete {
		if _, err := e.store.UpdateWorkflowStatus(ctx, workflowID, store.WorkflowCompleted, ""); err != nil {
			return nil, fmt.Errorf("engine: mark workflow %s completed: %w", workflowID, err)
		}
		e.emitter.Emit(emit.Event{WorkflowID: workflowID, Msg: "workflow_completed"})
	}

	return task, nil
}

// FailTask marks a task failed and fails the whole workflow — a workflow
// has no partial-success notion, so any task failure is terminal for it.
func (e *Engine) FailTask(ctx context.Context, workflowID, taskID, errMsg string) (*store.TaskState, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("engine: workflow_id is required")
	}
	if taskID == "" {
		return nil, fmt.Errorf("engine: task_id is required")
	}
	if errMsg == "" {
		return nil, fmt.Errorf("engine: error message is required")
	}

	msg := errMsg
	task, err := e.store.UpdateTaskStatus(ctx, workflowID, taskID, store.TaskFailed, store.TaskUpdate{Error: &msg})
	if err != nil {
		return nil, fmt.Errorf("engine: fail task %s: %w", taskID, err)
	}

	workflowErr := fmt.Sprintf("Task %s failed: %s", taskID, errMsg)
	if _, err := e.store.UpdateWorkflowStatus(ctx, workflowID, store.WorkflowFailed, workflowErr); err != nil {
		return nil, fmt.Errorf("engine: fail workflow %s: %w", workflowID, err)
	}

	e.emitter.Emit(emit.Event{
		WorkflowID: workflowID, TaskID: taskID, NodeKey: task.NodeKey, Msg: "task_failed",
		Meta: map[string]interface{}{"error": errMsg},
	})
	return task, nil
}

// GetWorkflowStatus returns the current workflow state.
func (e *Engine) GetWorkflowStatus(ctx context.Context, workflowID string) (*store.WorkflowState, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("engine: workflow_id is required")
	}
	return e.store.GetWorkflow(ctx, workflowID)
}

// IsWorkflowComplete reports whether the workflow has reached a terminal
// status (completed or failed).
func (e *Engine) IsWorkflowComplete(ctx context.Context, workflowID string) (bool, error) {
	state, err := e.GetWorkflowStatus(ctx, workflowID)
	if err != nil {
		return false, err
	}
	return state.Status.Terminal(), nil
}

func (e *Engine) allTasksCompleted(ctx context.Context, workflowID string) (bool, error) {
	tasks, err := e.store.GetWorkflowTasks(ctx, workflowID)
	if err != nil {
		return false, fmt.Errorf("engine: list tasks for %s: %w", workflowID, err)
	}
	for _, task := range tasks {
		if task.Status != store.TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}
