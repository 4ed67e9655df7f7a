package worker

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-effect-eu/orchestrator-go/internal/blueprint"
	"github.com/ai-effect-eu/orchestrator-go/internal/control"
	"github.com/ai-effect-eu/orchestrator-go/internal/dataref"
	"github.com/ai-effect-eu/orchestrator-go/internal/engine"
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

// addressOf turns an httptest server URL into the ServiceEndpoint a worker
// would have resolved from dockerinfo, so Execute rebuilds the same
// "http://address:port" base URL the test server listens on.
func addressOf(t *testing.T, serverURL string) blueprint.ServiceEndpoint {
	t.Helper()
	host, portStr, err := net.SplitHostPort(serverURL[len("http://"):])
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return blueprint.ServiceEndpoint{Address: host, Port: port}
}

func TestWorker_ProcessTask_CompletesOnCompleteStatus(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/control/execute", r.URL.Path)
		_ = json.NewEncoder(w).Encode(control.ExecuteResponse{Status: control.StatusComplete})
	}))
	defer server.Close()

	e := engine.New(store.NewMemStore(), queue.NewMemQueue(), nil, nil)
	g := graph.New()
	a := mustNode("sensor", "read")
	g.AddNode(a)
	g.StartNodes = []*graph.Node{a}
	_, err := e.InitializeWorkflow(ctx, "wf-1", g)
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx, "wf-1", nil))

	endpoints := map[string]blueprint.ServiceEndpoint{"sensor": addressOf(t, server.URL)}
	w, err := New(e, control.New(time.Second), endpoints, time.Millisecond, nil, nil)
	require.NoError(t, err)

	processed, err := w.ProcessTask(ctx, "wf-1", time.Second)
	require.NoError(t, err)
	assert.True(t, processed)

	wf, err := e.GetWorkflowStatus(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowCompleted, wf.Status)
}

func TestWorker_ProcessTask_PollsUntilComplete(t *testing.T) {
	ctx := context.Background()

	polls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/control/execute":
			_ = json.NewEncoder(w).Encode(control.ExecuteResponse{Status: control.StatusRunning, TaskID: "svc-task-1"})
		case r.URL.Path == "/control/status/svc-task-1":
			polls++
			if polls < 2 {
				_ = json.NewEncoder(w).Encode(control.StatusResponse{Status: control.StatusRunning})
				return
			}
			_ = json.NewEncoder(w).Encode(control.StatusResponse{Status: control.StatusComplete})
		case r.URL.Path == "/control/output/svc-task-1":
			ref := mustDataRef(t)
			_ = json.NewEncoder(w).Encode(control.OutputResponse{Output: ref})
		}
	}))
	defer server.Close()

	e := engine.New(store.NewMemStore(), queue.NewMemQueue(), nil, nil)
	g := graph.New()
	a := mustNode("sensor", "read")
	g.AddNode(a)
	g.StartNodes = []*graph.Node{a}
	_, err := e.InitializeWorkflow(ctx, "wf-1", g)
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx, "wf-1", nil))

	endpoints := map[string]blueprint.ServiceEndpoint{"sensor": addressOf(t, server.URL)}
	w, err := New(e, control.New(time.Second), endpoints, time.Millisecond, nil, nil)
	require.NoError(t, err)

	processed, err := w.ProcessTask(ctx, "wf-1", time.Second)
	require.NoError(t, err)
	assert.True(t, processed)

	wf, err := e.GetWorkflowStatus(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowCompleted, wf.Status)
}

func TestWorker_ProcessTask_ContainerFailureFailsWorkflow(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(control.ExecuteResponse{Status: control.StatusFailed, Error: "boom"})
	}))
	defer server.Close()

	e := engine.New(store.NewMemStore(), queue.NewMemQueue(), nil, nil)
	g := graph.New()
	a := mustNode("sensor", "read")
	g.AddNode(a)
	g.StartNodes = []*graph.Node{a}
	_, err := e.InitializeWorkflow(ctx, "wf-1", g)
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx, "wf-1", nil))

	endpoints := map[string]blueprint.ServiceEndpoint{"sensor": addressOf(t, server.URL)}
	w, err := New(e, control.New(time.Second), endpoints, time.Millisecond, nil, nil)
	require.NoError(t, err)

	processed, err := w.ProcessTask(ctx, "wf-1", time.Second)
	require.NoError(t, err)
	assert.True(t, processed)

	wf, err := e.GetWorkflowStatus(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowFailed, wf.Status)
}

func TestWorker_ProcessTask_MissingEndpointFailsTask(t *testing.T) {
	ctx := context.Background()

	e := engine.New(store.NewMemStore(), queue.NewMemQueue(), nil, nil)
	g := graph.New()
	a := mustNode("sensor", "read")
	g.AddNode(a)
	g.StartNodes = []*graph.Node{a}
	_, err := e.InitializeWorkflow(ctx, "wf-1", g)
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx, "wf-1", nil))

	w, err := New(e, control.New(time.Second), map[string]blueprint.ServiceEndpoint{}, time.Millisecond, nil, nil)
	require.NoError(t, err)

	processed, err := w.ProcessTask(ctx, "wf-1", time.Second)
	require.NoError(t, err)
	assert.True(t, processed)

	wf, err := e.GetWorkflowStatus(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowFailed, wf.Status)
	assert.Contains(t, wf.Error, "Endpoint not found for: sensor")
}

func TestWorker_ProcessTask_EmptyQueueReturnsFalse(t *testing.T) {
	ctx := context.Background()
	e := engine.New(store.NewMemStore(), queue.NewMemQueue(), nil, nil)
	w, err := New(e, control.New(time.Second), map[string]blueprint.ServiceEndpoint{}, time.Millisecond, nil, nil)
	require.NoError(t, err)

	processed, err := w.ProcessTask(ctx, "wf-missing", 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestParseNodeKey(t *testing.T) {
	container, method, err := parseNodeKey("sensor:read")
	require.NoError(t, err)
	assert.Equal(t, "sensor", container)
	assert.Equal(t, "read", method)

	_, _, err = parseNodeKey("invalid")
	assert.Error(t, err)

	_, _, err = parseNodeKey(":read")
	assert.Error(t, err)
}

func TestNew_RejectsInvalidArgs(t *testing.T) {
	e := engine.New(store.NewMemStore(), queue.NewMemQueue(), nil, nil)
	client := control.New(time.Second)
	endpoints := map[string]blueprint.ServiceEndpoint{}

	_, err := New(nil, client, endpoints, time.Second, nil, nil)
	assert.Error(t, err)

	_, err = New(e, nil, endpoints, time.Second, nil, nil)
	assert.Error(t, err)

	_, err = New(e, client, nil, time.Second, nil, nil)
	assert.Error(t, err)

	_, err = New(e, client, endpoints, 0, nil, nil)
	assert.Error(t, err)
}

func mustDataRef(t *testing.T) dataref.DataReference {
	t.Helper()
	ref, err := dataref.New(dataref.ProtocolInline, "e30=", dataref.FormatJSON)
	require.NoError(t, err)
	return *ref
}
