// Package worker processes ready tasks from the engine's queue by calling
// each task's container over the control plane: resolve the endpoint,
// execute, dispatch on the reported status, and feed the result back to the
// engine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ai-effect-eu/orchestrator-go/internal/blueprint"
	"github.com/ai-effect-eu/orchestrator-go/internal/control"
	"github.com/ai-effect-eu/orchestrator-go/internal/dataref"
	"github.com/ai-effect-eu/orchestrator-go/internal/emit"
	"github.com/ai-effect-eu/orchestrator-go/internal/engine"
	"github.com/ai-effect-eu/orchestrator-go/internal/metrics"
	"github.com/ai-effect-eu/orchestrator-go/internal/queue"
)

// ErrInvalidNodeKey is returned when a task's node key is not of the
// "container:operation" shape the worker expects.
var ErrInvalidNodeKey = errors.New("worker: invalid node_key format")

// ErrEndpointNotFound is returned when a task's container has no resolved
// endpoint in the map the Worker was constructed with.
var ErrEndpointNotFound = errors.New("Endpoint not found")

// Worker claims tasks for one workflow and drives them to completion or
// failure by calling the resolved container's control endpoints.
type Worker struct {
	engine       *engine.Engine
	client       *control.Client
	endpoints    map[string]blueprint.ServiceEndpoint
	pollInterval time.Duration
	emitter      emit.Emitter
	metrics      *metrics.Metrics
}

// New constructs a Worker. pollInterval must be positive; emitter/m may be
// nil (emitter falls back to emit.NullEmitter{}).
func New(e *engine.Engine, client *control.Client, endpoints map[string]blueprint.ServiceEndpoint, pollInterval time.Duration, emitter emit.Emitter, m *metrics.Metrics) (*Worker, error) {
	if e == nil {
		return nil, fmt.Errorf("worker: engine is required")
	}
	if client == nil {
		return nil, fmt.Errorf("worker: client is required")
	}
	if endpoints == nil {
		return nil, fmt.Errorf("worker: endpoints is required")
	}
	if pollInterval <= 0 {
		return nil, fmt.Errorf("worker: poll_interval must be positive")
	}
	if emitter == nil {
		emitter = emit.NullEmitter{}
	}
	return &Worker{
		engine: e, client: client, endpoints: endpoints,
		pollInterval: pollInterval, emitter: emitter, metrics: m,
	}, nil
}

// ProcessTask claims and runs a single task for workflowID. It reports
// whether a task was claimed at all (false + nil error means the queue was
// empty for the given timeout), not whether that task succeeded — a
// container-reported failure is itself a handled outcome (processed=true).
func (w *Worker) ProcessTask(ctx context.Context, workflowID string, timeout time.Duration) (bool, error) {
	if strings.TrimSpace(workflowID) == "" {
		return false, fmt.Errorf("worker: workflow_id is required")
	}

	task, err := w.engine.ClaimTask(ctx, workflowID, timeout)
	if err != nil {
		if errors.Is(err, queue.ErrEmpty) {
			return false, nil
		}
		return false, err
	}

	started := time.Now()
	if err := w.run(ctx, workflowID, task.TaskID, task.NodeKey, task.InputRefs); err != nil {
		w.metrics.ObserveTaskDuration(task.NodeKey, "failed", time.Since(started).Seconds())
		return true, err
	}
	w.metrics.ObserveTaskDuration(task.NodeKey, "completed", time.Since(started).Seconds())
	return true, nil
}

// run executes the claimed task against its container and feeds the
// outcome back to the engine. A bad node key, a missing endpoint, a
// control-call error, or a failed or unknown container status is reported
// to the engine as a task failure rather than bubbled up, mirroring the
// original worker's catch-all around the control client — a container-side
// failure must not crash the worker loop. An error from the engine's own
// CompleteTask or FailTask call is returned.
func (w *Worker) run(ctx context.Context, workflowID, taskID, nodeKey string, inputRefs []dataref.DataReference) error {
	containerName, method, err := parseNodeKey(nodeKey)
	if err != nil {
		return w.fail(ctx, workflowID, taskID, err.Error())
	}

	endpoint, ok := w.endpoints[containerName]
	if !ok {
		return w.fail(ctx, workflowID, taskID, fmt.Sprintf("%s for: %s", ErrEndpointNotFound, containerName))
	}
	baseURL := fmt.Sprintf("http://%s:%d", endpoint.Address, endpoint.Port)

	callStart := time.Now()
	resp, err := w.client.Execute(ctx, baseURL, method, workflowID, taskID, inputRefs, nil)
	w.observeControlCall(containerName, err, callStart)
	if err != nil {
		return w.fail(ctx, workflowID, taskID, err.Error())
	}

	var outputRefs []dataref.DataReference
	switch resp.Status {
	case control.StatusFailed:
		errMsg := resp.Error
		if errMsg == "" {
			errMsg = "service returned failed status"
		}
		return w.fail(ctx, workflowID, taskID, errMsg)
	case control.StatusComplete:
		if resp.Output != nil {
			outputRefs = []dataref.DataReference{*resp.Output}
		}
	case control.StatusRunning:
		refs, err := w.pollUntilComplete(ctx, baseURL, containerName, resp.TaskID)
		if err != nil {
			return w.fail(ctx, workflowID, taskID, err.Error())
		}
		outputRefs = refs
	default:
		return w.fail(ctx, workflowID, taskID, fmt.Sprintf("unknown status: %s", resp.Status))
	}

	if _, err := w.engine.CompleteTask(ctx, workflowID, taskID, outputRefs); err != nil {
		return fmt.Errorf("worker: complete task %s: %w", taskID, err)
	}
	return nil
}

func (w *Worker) observeControlCall(endpoint string, err error, start time.Time) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	w.metrics.ObserveControlCall(endpoint, status, time.Since(start).Seconds())
}

func (w *Worker) fail(ctx context.Context, workflowID, taskID, errMsg string) error {
	if _, err := w.engine.FailTask(ctx, workflowID, taskID, errMsg); err != nil {
		return fmt.Errorf("worker: fail task %s: %w", taskID, err)
	}
	return nil
}

// pollUntilComplete repeatedly polls a running service task's status at
// pollInterval until it reports complete or failed.
func (w *Worker) pollUntilComplete(ctx context.Context, baseURL, containerName, serviceTaskID string) ([]dataref.DataReference, error) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		callStart := time.Now()
		status, err := w.client.GetStatus(ctx, baseURL, serviceTaskID)
		w.observeControlCall(containerName, err, callStart)
		if err != nil {
			return nil, err
		}

		switch status.Status {
		case control.StatusComplete:
			callStart := time.Now()
			output, err := w.client.GetOutput(ctx, baseURL, serviceTaskID)
			w.observeControlCall(containerName, err, callStart)
			if err != nil {
				return nil, err
			}
			return []dataref.DataReference{output.Output}, nil
		case control.StatusFailed:
			errMsg := status.Error
			if errMsg == "" {
				errMsg = "service task failed"
			}
			return nil, errors.New(errMsg)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run processes tasks for workflowID until it completes. With a positive
// timeout, a claim that times out with nothing ready is retried. With a
// zero timeout each claim blocks until a task is queued (see
// queue.Queue.Dequeue), so Run waits for work rather than returning.
func (w *Worker) Run(ctx context.Context, workflowID string, timeout time.Duration) error {
	if strings.TrimSpace(workflowID) == "" {
		return fmt.Errorf("worker: workflow_id is required")
	}

	for {
		complete, err := w.engine.IsWorkflowComplete(ctx, workflowID)
		if err != nil {
			return err
		}
		if complete {
			return nil
		}

		processed, err := w.ProcessTask(ctx, workflowID, timeout)
		if err != nil {
			return err
		}
		if !processed {
			if timeout > 0 {
				continue
			}
			return nil
		}
	}
}

// parseNodeKey splits a "container:operation" node key, as produced by
// graph.Node.Key, into its two parts.
func parseNodeKey(nodeKey string) (containerName, method string, err error) {
	idx := strings.Index(nodeKey, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidNodeKey, nodeKey)
	}
	containerName, method = nodeKey[:idx], nodeKey[idx+1:]
	if containerName == "" || method == "" {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidNodeKey, nodeKey)
	}
	return containerName, method, nil
}
