package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-effect-eu/orchestrator-go/internal/dataref"
	"github.com/ai-effect-eu/orchestrator-go/internal/graph"
	"github.com/ai-effect-eu/orchestrator-go/internal/queue"
	"github.com/ai-effect-eu/orchestrator-go/internal/store"
)

func mustNode(containerName, opName string) *graph.Node {
	return &graph.Node{
		Container: &graph.ContainerNode{ContainerName: containerName},
		Operation: graph.OperationSignature{OperationName: opName},
	}
}

func link(parent, child *graph.Node) {
	parent.Next = append(parent.Next, child)
	child.Deps = append(child.Deps, parent)
}

func newTestEngine() *Engine {
	return New(store.NewMemStore(), queue.NewMemQueue(), nil, nil)
}

// TestEngine_SingleNode covers a one-node workflow: initialize, start,
// claim, complete, and the workflow reaching completed status.
func TestEngine_SingleNode(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	g := graph.New()
	a := mustNode("sensor", "read")
	g.AddNode(a)
	g.StartNodes = []*graph.Node{a}

	_, err := e.InitializeWorkflow(ctx, "wf-1", g)
	require.NoError(t, err)

	require.NoError(t, e.Start(ctx, "wf-1", nil))

	task, err := e.ClaimTask(ctx, "wf-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "sensor:read", task.NodeKey)
	assert.Equal(t, store.TaskRunning, task.Status)

	_, err = e.CompleteTask(ctx, "wf-1", task.TaskID, nil)
	require.NoError(t, err)

	wf, err := e.GetWorkflowStatus(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowCompleted, wf.Status)

	complete, err := e.IsWorkflowComplete(ctx, "wf-1")
	require.NoError(t, err)
	assert.True(t, complete)
}

// TestEngine_TwoNodeChain covers output-to-input threading: b's input refs
// must include a's output refs once a completes.
func TestEngine_TwoNodeChain(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	g := graph.New()
	a := mustNode("sensor", "read")
	b := mustNode("actuator", "write")
	link(a, b)
	g.AddNode(a)
	g.AddNode(b)
	g.StartNodes = []*graph.Node{a}

	_, err := e.InitializeWorkflow(ctx, "wf-1", g)
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx, "wf-1", nil))

	taskA, err := e.ClaimTask(ctx, "wf-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "sensor:read", taskA.NodeKey)

	outputs := []dataref.DataReference{mustDataRef(t)}
	_, err = e.CompleteTask(ctx, "wf-1", taskA.TaskID, outputs)
	require.NoError(t, err)

	taskB, err := e.ClaimTask(ctx, "wf-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "actuator:write", taskB.NodeKey)
	require.Len(t, taskB.InputRefs, 1)

	_, err = e.CompleteTask(ctx, "wf-1", taskB.TaskID, nil)
	require.NoError(t, err)

	wf, err := e.GetWorkflowStatus(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowCompleted, wf.Status)
}

// TestEngine_DiamondFanOutFanIn covers a->{b,c}->d: d must not become ready
// until both b and c have completed.
func TestEngine_DiamondFanOutFanIn(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	g := graph.New()
	a := mustNode("a", "op")
	b := mustNode("b", "op")
	c := mustNode("c", "op")
	d := mustNode("d", "op")
	link(a, b)
	link(a, c)
	link(b, d)
	link(c, d)
	g.AddNode(a)
	g.AddNode(b)
	g.AddNode(c)
	g.AddNode(d)
	g.StartNodes = []*graph.Node{a}

	_, err := e.InitializeWorkflow(ctx, "wf-1", g)
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx, "wf-1", nil))

	taskA, err := e.ClaimTask(ctx, "wf-1", time.Second)
	require.NoError(t, err)
	_, err = e.CompleteTask(ctx, "wf-1", taskA.TaskID, nil)
	require.NoError(t, err)

	// Completing a fans out to both b and c.
	taskB, err := e.ClaimTask(ctx, "wf-1", time.Second)
	require.NoError(t, err)
	taskC, err := e.ClaimTask(ctx, "wf-1", time.Second)
	require.NoError(t, err)

	// d must not be ready while neither of its two deps is resolved.
	_, err = e.queue.Dequeue(ctx, "wf-1", 20*time.Millisecond)
	assert.ErrorIs(t, err, queue.ErrEmpty)

	_, err = e.CompleteTask(ctx, "wf-1", taskB.TaskID, nil)
	require.NoError(t, err)

	// d still waits on c.
	_, err = e.queue.Dequeue(ctx, "wf-1", 20*time.Millisecond)
	assert.ErrorIs(t, err, queue.ErrEmpty)

	_, err = e.CompleteTask(ctx, "wf-1", taskC.TaskID, nil)
	require.NoError(t, err)

	taskD, err := e.ClaimTask(ctx, "wf-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "d:op", taskD.NodeKey)

	_, err = e.CompleteTask(ctx, "wf-1", taskD.TaskID, nil)
	require.NoError(t, err)

	wf, err := e.GetWorkflowStatus(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowCompleted, wf.Status)
}

// TestEngine_FailTaskFailsWorkflow covers a single failed task terminating
// the whole workflow, since there is no partial-success notion.
func TestEngine_FailTaskFailsWorkflow(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	g := graph.New()
	a := mustNode("sensor", "read")
	g.AddNode(a)
	g.StartNodes = []*graph.Node{a}

	_, err := e.InitializeWorkflow(ctx, "wf-1", g)
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx, "wf-1", nil))

	task, err := e.ClaimTask(ctx, "wf-1", time.Second)
	require.NoError(t, err)

	_, err = e.FailTask(ctx, "wf-1", task.TaskID, "boom")
	require.NoError(t, err)

	wf, err := e.GetWorkflowStatus(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowFailed, wf.Status)
	assert.Equal(t, fmt.Sprintf("Task %s failed: boom", task.TaskID), wf.Error)
}

// TestEngine_StartWithInitialInputsAttachesToStartTasks covers the
// initial_inputs parameter: a start task must see them as InputRefs once
// claimed, and a non-start task must not.
func TestEngine_StartWithInitialInputsAttachesToStartTasks(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	g := graph.New()
	a := mustNode("sensor", "read")
	b := mustNode("actuator", "write")
	link(a, b)
	g.AddNode(a)
	g.AddNode(b)
	g.StartNodes = []*graph.Node{a}

	_, err := e.InitializeWorkflow(ctx, "wf-1", g)
	require.NoError(t, err)

	initial := []dataref.DataReference{mustDataRef(t)}
	require.NoError(t, e.Start(ctx, "wf-1", initial))

	task, err := e.ClaimTask(ctx, "wf-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "sensor:read", task.NodeKey)
	require.Len(t, task.InputRefs, 1)

	taskB, err := e.store.GetTask(ctx, "wf-1", TaskIDFromNodeKey("actuator:write"))
	require.NoError(t, err)
	assert.Empty(t, taskB.InputRefs)
}

// TestEngine_ClaimTaskTimesOutWhenNothingReady covers the long-running
// polling scenario from the caller's perspective: a claim against an empty
// queue returns queue.ErrEmpty rather than blocking forever.
func TestEngine_ClaimTaskTimesOutWhenNothingReady(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	_, err := e.ClaimTask(ctx, "wf-missing", 20*time.Millisecond)
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func mustDataRef(t *testing.T) dataref.DataReference {
	t.Helper()
	ref, err := dataref.New(dataref.ProtocolInline, "e30=", dataref.FormatJSON)
	require.NoError(t, err)
	return *ref
}
