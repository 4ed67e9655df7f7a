// Package queue provides per-workflow FIFO task queues used to hand
// ready-to-run tasks from the engine to workers.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned by a non-blocking or timed-out dequeue against an
// empty queue.
var ErrEmpty = errors.New("queue: empty")

// Queue distributes task IDs for one workflow to whichever worker claims
// them first — at-most-once delivery per enqueued task ID.
type Queue interface {
	// Enqueue appends taskID to workflowID's queue (FIFO).
	Enqueue(ctx context.Context, workflowID, taskID string) error

	// Dequeue removes and returns the next task ID. If the queue is empty
	// it blocks for up to timeout (zero means block indefinitely) before
	// returning ErrEmpty.
	Dequeue(ctx context.Context, workflowID string, timeout time.Duration) (string, error)

	// Peek returns up to count queued task IDs, in dequeue order, without
	// removing them.
	Peek(ctx context.Context, workflowID string, count int) ([]string, error)

	// Length reports the number of queued tasks for a workflow.
	Length(ctx context.Context, workflowID string) (int, error)

	// Clear removes every queued task for a workflow.
	Clear(ctx context.Context, workflowID string) error
}
