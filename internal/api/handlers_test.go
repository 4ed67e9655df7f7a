package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-effect-eu/orchestrator-go/internal/engine"
	"github.com/ai-effect-eu/orchestrator-go/internal/queue"
	"github.com/ai-effect-eu/orchestrator-go/internal/store"
)

func newTestServer() *Server {
	st := store.NewMemStore()
	q := queue.NewMemQueue()
	e := engine.New(st, q, nil, nil)
	return New(e, st, q, nil)
}

func chainBlueprint() map[string]interface{} {
	var doc map[string]interface{}
	raw := []byte(`{
		"name": "chain",
		"pipeline_id": "p1",
		"creation_date": "2026-01-01",
		"type": "pipeline",
		"version": "1.0",
		"nodes": [
			{
				"container_name": "sensor",
				"proto_uri": "sensor.proto",
				"image": "sensor:latest",
				"node_type": "source",
				"operation_signature_list": [
					{
						"operation_signature": {"operation_name": "read"},
						"connected_to": [
							{"container_name": "actuator", "operation_signature": {"operation_name": "write"}}
						]
					}
				]
			},
			{
				"container_name": "actuator",
				"proto_uri": "actuator.proto",
				"image": "actuator:latest",
				"node_type": "sink",
				"operation_signature_list": [
					{
						"operation_signature": {"operation_name": "write"},
						"connected_to": []
					}
				]
			}
		]
	}`)
	_ = json.Unmarshal(raw, &doc)
	return doc
}

func chainDockerinfo() map[string]interface{} {
	var doc map[string]interface{}
	raw := []byte(`{
		"docker_info_list": [
			{"container_name": "sensor", "ip_address": "10.0.0.1", "port": "9000"},
			{"container_name": "actuator", "ip_address": "10.0.0.2", "port": "9001"}
		]
	}`)
	_ = json.Unmarshal(raw, &doc)
	return doc
}

func cyclicBlueprint() map[string]interface{} {
	var doc map[string]interface{}
	raw := []byte(`{
		"name": "cycle",
		"pipeline_id": "p1",
		"creation_date": "2026-01-01",
		"type": "pipeline",
		"version": "1.0",
		"nodes": [
			{
				"container_name": "a",
				"proto_uri": "a.proto",
				"image": "a:latest",
				"node_type": "t",
				"operation_signature_list": [
					{
						"operation_signature": {"operation_name": "op"},
						"connected_to": [{"container_name": "b", "operation_signature": {"operation_name": "op"}}]
					}
				]
			},
			{
				"container_name": "b",
				"proto_uri": "b.proto",
				"image": "b:latest",
				"node_type": "t",
				"operation_signature_list": [
					{
						"operation_signature": {"operation_name": "op"},
						"connected_to": [{"container_name": "a", "operation_signature": {"operation_name": "op"}}]
					}
				]
			}
		]
	}`)
	_ = json.Unmarshal(raw, &doc)
	return doc
}

func doRequest(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitWorkflow_Success(t *testing.T) {
	s := newTestServer()
	router := s.Router(nil)

	rec := doRequest(t, router, http.MethodPost, "/workflows", WorkflowSubmitRequest{
		Blueprint:  chainBlueprint(),
		Dockerinfo: chainDockerinfo(),
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp WorkflowSubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Regexp(t, `^wf-[0-9a-f]{12}$`, resp.WorkflowID)
	assert.Equal(t, "running", resp.Status)
}

func TestSubmitWorkflow_RejectsEmptyBlueprint(t *testing.T) {
	s := newTestServer()
	router := s.Router(nil)

	rec := doRequest(t, router, http.MethodPost, "/workflows", WorkflowSubmitRequest{
		Blueprint:  map[string]interface{}{},
		Dockerinfo: chainDockerinfo(),
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Detail, "blueprint")
}

func TestSubmitWorkflow_RejectsInvalidBlueprint(t *testing.T) {
	s := newTestServer()
	router := s.Router(nil)

	rec := doRequest(t, router, http.MethodPost, "/workflows", WorkflowSubmitRequest{
		Blueprint:  map[string]interface{}{"nodes": []interface{}{}},
		Dockerinfo: chainDockerinfo(),
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitWorkflow_RejectsCyclicBlueprint(t *testing.T) {
	s := newTestServer()
	router := s.Router(nil)

	rec := doRequest(t, router, http.MethodPost, "/workflows", WorkflowSubmitRequest{
		Blueprint:  cyclicBlueprint(),
		Dockerinfo: chainDockerinfo(),
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Invalid blueprint: Circular dependency detected", resp.Detail)
}

func TestGetWorkflowStatus(t *testing.T) {
	s := newTestServer()
	router := s.Router(nil)

	submitRec := doRequest(t, router, http.MethodPost, "/workflows", WorkflowSubmitRequest{
		Blueprint:  chainBlueprint(),
		Dockerinfo: chainDockerinfo(),
	})
	var submitResp WorkflowSubmitResponse
	require.NoError(t, json.Unmarshal(submitRec.Body.Bytes(), &submitResp))

	rec := doRequest(t, router, http.MethodGet, "/workflows/"+submitResp.WorkflowID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp WorkflowStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, submitResp.WorkflowID, resp.WorkflowID)
	assert.Equal(t, "running", resp.Status)
}

func TestGetWorkflowStatus_NotFound(t *testing.T) {
	s := newTestServer()
	router := s.Router(nil)

	rec := doRequest(t, router, http.MethodGet, "/workflows/wf-does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetWorkflowTasks(t *testing.T) {
	s := newTestServer()
	router := s.Router(nil)

	submitRec := doRequest(t, router, http.MethodPost, "/workflows", WorkflowSubmitRequest{
		Blueprint:  chainBlueprint(),
		Dockerinfo: chainDockerinfo(),
	})
	var submitResp WorkflowSubmitResponse
	require.NoError(t, json.Unmarshal(submitRec.Body.Bytes(), &submitResp))

	rec := doRequest(t, router, http.MethodGet, "/workflows/"+submitResp.WorkflowID+"/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TaskListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, submitResp.WorkflowID, resp.WorkflowID)
	assert.Len(t, resp.Tasks, 2)
}

func TestGetWorkflowTasks_UnknownWorkflowNotFound(t *testing.T) {
	s := newTestServer()
	router := s.Router(nil)

	rec := doRequest(t, router, http.MethodGet, "/workflows/wf-missing/tasks", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTaskStatus(t *testing.T) {
	s := newTestServer()
	router := s.Router(nil)

	submitRec := doRequest(t, router, http.MethodPost, "/workflows", WorkflowSubmitRequest{
		Blueprint:  chainBlueprint(),
		Dockerinfo: chainDockerinfo(),
	})
	var submitResp WorkflowSubmitResponse
	require.NoError(t, json.Unmarshal(submitRec.Body.Bytes(), &submitResp))

	tasksRec := doRequest(t, router, http.MethodGet, "/workflows/"+submitResp.WorkflowID+"/tasks", nil)
	var taskList TaskListResponse
	require.NoError(t, json.Unmarshal(tasksRec.Body.Bytes(), &taskList))
	require.NotEmpty(t, taskList.Tasks)

	rec := doRequest(t, router, http.MethodGet, "/workflows/"+submitResp.WorkflowID+"/tasks/"+taskList.Tasks[0].TaskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TaskStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, taskList.Tasks[0].TaskID, resp.TaskID)
}

func TestGetTaskStatus_NotFound(t *testing.T) {
	s := newTestServer()
	router := s.Router(nil)

	submitRec := doRequest(t, router, http.MethodPost, "/workflows", WorkflowSubmitRequest{
		Blueprint:  chainBlueprint(),
		Dockerinfo: chainDockerinfo(),
	})
	var submitResp WorkflowSubmitResponse
	require.NoError(t, json.Unmarshal(submitRec.Body.Bytes(), &submitResp))

	rec := doRequest(t, router, http.MethodGet, "/workflows/"+submitResp.WorkflowID+"/tasks/task_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteWorkflow(t *testing.T) {
	s := newTestServer()
	router := s.Router(nil)

	submitRec := doRequest(t, router, http.MethodPost, "/workflows", WorkflowSubmitRequest{
		Blueprint:  chainBlueprint(),
		Dockerinfo: chainDockerinfo(),
	})
	var submitResp WorkflowSubmitResponse
	require.NoError(t, json.Unmarshal(submitRec.Body.Bytes(), &submitResp))

	rec := doRequest(t, router, http.MethodDelete, "/workflows/"+submitResp.WorkflowID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	getRec := doRequest(t, router, http.MethodGet, "/workflows/"+submitResp.WorkflowID, nil)
	assert.Equal(t, http.StatusNotFound, getRec.Code)
}

func TestDeleteWorkflow_NotFound(t *testing.T) {
	s := newTestServer()
	router := s.Router(nil)

	rec := doRequest(t, router, http.MethodDelete, "/workflows/wf-missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer()
	router := s.Router(nil)

	rec := doRequest(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestSubmitWorkflow_WithInitialInputs(t *testing.T) {
	s := newTestServer()
	router := s.Router(nil)

	rec := doRequest(t, router, http.MethodPost, "/workflows", WorkflowSubmitRequest{
		Blueprint:  chainBlueprint(),
		Dockerinfo: chainDockerinfo(),
		Inputs: []map[string]interface{}{
			{"protocol": "inline", "uri": "e30=", "format": "json"},
		},
	})

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitWorkflow_RejectsInvalidInputs(t *testing.T) {
	s := newTestServer()
	router := s.Router(nil)

	rec := doRequest(t, router, http.MethodPost, "/workflows", WorkflowSubmitRequest{
		Blueprint:  chainBlueprint(),
		Dockerinfo: chainDockerinfo(),
		Inputs: []map[string]interface{}{
			{"protocol": "bogus-protocol", "uri": "x", "format": "json"},
		},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
