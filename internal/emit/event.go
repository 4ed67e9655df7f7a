// Package emit provides observability events for workflow and task
// lifecycle transitions, pluggable across logging, tracing, and batch
// backends.
package emit

// Event represents an observability event emitted during workflow
// execution.
//
// Events cover workflow-level transitions (start, complete, fail) and
// task-level transitions (claimed, completed, failed). TaskID is empty
// for workflow-level events.
type Event struct {
	// WorkflowID identifies the workflow execution that emitted this event.
	WorkflowID string

	// TaskID identifies which task emitted this event. Empty for
	// workflow-level events.
	TaskID string

	// NodeKey is the "container:operation" key of the task's graph node.
	// Empty for workflow-level events.
	NodeKey string

	// Msg is a short machine-parseable description, e.g. "workflow_started",
	// "task_claimed", "task_completed", "task_failed".
	Msg string

	// Meta contains additional structured data specific to this event, e.g.
	// "error", "duration_ms", "remaining_deps".
	Meta map[string]interface{}
}
