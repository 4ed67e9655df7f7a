package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-effect-eu/orchestrator-go/internal/blueprint"
	"github.com/ai-effect-eu/orchestrator-go/internal/control"
	"github.com/ai-effect-eu/orchestrator-go/internal/engine"
	"github.com/ai-effect-eu/orchestrator-go/internal/graph"
	"github.com/ai-effect-eu/orchestrator-go/internal/queue"
	"github.com/ai-effect-eu/orchestrator-go/internal/store"
)

func TestDaemon_ProcessWorkflow_NoEndpointsReturnsFalse(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	e := engine.New(st, queue.NewMemQueue(), nil, nil)
	d := NewDaemon(e, st, control.New(time.Second), 10*time.Millisecond, nil, nil)

	processed, err := d.ProcessWorkflow(ctx, "wf-missing")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestDaemon_ProcessWorkflow_ProcessesOneTask(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(control.ExecuteResponse{Status: control.StatusComplete})
	}))
	defer server.Close()

	st := store.NewMemStore()
	e := engine.New(st, queue.NewMemQueue(), nil, nil)

	g := graph.New()
	a := &graph.Node{
		Container: &graph.ContainerNode{ContainerName: "sensor"},
		Operation: graph.OperationSignature{OperationName: "read"},
	}
	g.AddNode(a)
	g.StartNodes = []*graph.Node{a}
	_, err := e.InitializeWorkflow(ctx, "wf-1", g)
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx, "wf-1", nil))

	endpoints := map[string]blueprint.ServiceEndpoint{"sensor": addressOf(t, server.URL)}
	require.NoError(t, st.SetEndpoints(ctx, "wf-1", endpoints))

	d := NewDaemon(e, st, control.New(time.Second), 10*time.Millisecond, nil, nil)
	processed, err := d.ProcessWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.True(t, processed)

	wf, err := e.GetWorkflowStatus(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowCompleted, wf.Status)
}

func TestDaemon_Run_CompletesWorkflowThenStopsOnStop(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(control.ExecuteResponse{Status: control.StatusComplete})
	}))
	defer server.Close()

	st := store.NewMemStore()
	e := engine.New(st, queue.NewMemQueue(), nil, nil)

	g := graph.New()
	a := &graph.Node{
		Container: &graph.ContainerNode{ContainerName: "sensor"},
		Operation: graph.OperationSignature{OperationName: "read"},
	}
	g.AddNode(a)
	g.StartNodes = []*graph.Node{a}
	_, err := e.InitializeWorkflow(ctx, "wf-1", g)
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx, "wf-1", nil))

	endpoints := map[string]blueprint.ServiceEndpoint{"sensor": addressOf(t, server.URL)}
	require.NoError(t, st.SetEndpoints(ctx, "wf-1", endpoints))

	d := NewDaemon(e, st, control.New(time.Second), 5*time.Millisecond, nil, nil)

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Run(runCtx) }()

	require.Eventually(t, func() bool {
		wf, err := e.GetWorkflowStatus(ctx, "wf-1")
		return err == nil && wf.Status == store.WorkflowCompleted
	}, time.Second, 5*time.Millisecond)

	d.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("daemon did not stop after Stop()")
	}
}
