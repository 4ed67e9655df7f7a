// Package api exposes the HTTP admission surface for the orchestrator:
// submit a blueprint+dockerinfo pair as a new workflow, inspect workflow and
// task status, delete a workflow, and report health.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ai-effect-eu/orchestrator-go/internal/blueprint"
	"github.com/ai-effect-eu/orchestrator-go/internal/dataref"
	"github.com/ai-effect-eu/orchestrator-go/internal/emit"
	"github.com/ai-effect-eu/orchestrator-go/internal/engine"
	"github.com/ai-effect-eu/orchestrator-go/internal/queue"
	"github.com/ai-effect-eu/orchestrator-go/internal/store"
)

// Server wires the workflow engine, its durable store, and its queue
// together behind an HTTP handler.
type Server struct {
	engine  *engine.Engine
	store   store.Store
	queue   queue.Queue
	emitter emit.Emitter
}

// New constructs a Server. emitter may be nil.
func New(e *engine.Engine, st store.Store, q queue.Queue, emitter emit.Emitter) *Server {
	if emitter == nil {
		emitter = emit.NullEmitter{}
	}
	return &Server{engine: e, store: st, queue: q, emitter: emitter}
}

// Router builds the chi mux for the admission API, with request ID,
// recover, and CORS middleware ahead of the route table.
func (s *Server) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	}))

	r.Post("/workflows", s.submitWorkflow)
	r.Get("/workflows/{workflow_id}", s.getWorkflowStatus)
	r.Get("/workflows/{workflow_id}/tasks", s.getWorkflowTasks)
	r.Get("/workflows/{workflow_id}/tasks/{task_id}", s.getTaskStatus)
	r.Delete("/workflows/{workflow_id}", s.deleteWorkflow)
	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) submitWorkflow(w http.ResponseWriter, r *http.Request) {
	var req WorkflowSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.Blueprint) == 0 {
		writeError(w, http.StatusBadRequest, "blueprint is required")
		return
	}
	if len(req.Dockerinfo) == 0 {
		writeError(w, http.StatusBadRequest, "dockerinfo is required")
		return
	}

	blueprintJSON, err := json.Marshal(req.Blueprint)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid blueprint: %v", err))
		return
	}
	graph, err := blueprint.ParseJSON(blueprintJSON)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid blueprint: %v", err))
		return
	}

	dockerinfoJSON, err := json.Marshal(req.Dockerinfo)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid dockerinfo: %v", err))
		return
	}
	endpoints, err := blueprint.ParseDockerInfoJSON(dockerinfoJSON)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid dockerinfo: %v", err))
		return
	}

	initialInputs, err := parseInitialInputs(req.Inputs)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid inputs: %v", err))
		return
	}

	workflowID := fmt.Sprintf("wf-%s", strings.ReplaceAll(uuid.New().String(), "-", "")[:12])

	ctx := r.Context()
	if len(endpoints) > 0 {
		if err := s.store.SetEndpoints(ctx, workflowID, endpoints); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	if _, err := s.engine.InitializeWorkflow(ctx, workflowID, graph); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.engine.Start(ctx, workflowID, initialInputs); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, WorkflowSubmitResponse{WorkflowID: workflowID, Status: string(store.WorkflowRunning)})
}

func parseInitialInputs(raw []map[string]interface{}) ([]dataref.DataReference, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	refs := make([]dataref.DataReference, 0, len(raw))
	for i, item := range raw {
		data, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		var ref dataref.DataReference
		if err := json.Unmarshal(data, &ref); err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		if err := ref.Validate(); err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (s *Server) getWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflow_id")

	wf, err := s.engine.GetWorkflowStatus(r.Context(), workflowID)
	if err != nil {
		s.writeStoreError(w, err, "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, workflowStatusResponse(wf))
}

func (s *Server) getWorkflowTasks(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflow_id")
	ctx := r.Context()

	if _, err := s.engine.GetWorkflowStatus(ctx, workflowID); err != nil {
		s.writeStoreError(w, err, "workflow not found")
		return
	}

	tasks, err := s.store.GetWorkflowTasks(ctx, workflowID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := TaskListResponse{WorkflowID: workflowID, Tasks: make([]TaskStatusResponse, 0, len(tasks))}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, taskStatusResponse(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getTaskStatus(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflow_id")
	taskID := chi.URLParam(r, "task_id")

	task, err := s.store.GetTask(r.Context(), workflowID, taskID)
	if err != nil {
		s.writeStoreError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, taskStatusResponse(task))
}

func (s *Server) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflow_id")
	ctx := r.Context()

	if _, err := s.engine.GetWorkflowStatus(ctx, workflowID); err != nil {
		s.writeStoreError(w, err, "workflow not found")
		return
	}

	if err := s.store.DeleteWorkflow(ctx, workflowID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.queue.Clear(ctx, workflowID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.emitter.Emit(emit.Event{WorkflowID: workflowID, Msg: "workflow_deleted"})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// writeStoreError maps a store "not found" sentinel to 404 and everything
// else to 500, matching the original API's narrow except clauses around
// WorkflowNotFoundError/TaskNotFoundError.
func (s *Server) writeStoreError(w http.ResponseWriter, err error, notFoundMsg string) {
	if errors.Is(err, store.ErrWorkflowNotFound) || errors.Is(err, store.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, notFoundMsg)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, ErrorResponse{Detail: detail})
}
