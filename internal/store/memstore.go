package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ai-effect-eu/orchestrator-go/internal/blueprint"
	"github.com/ai-effect-eu/orchestrator-go/internal/dataref"
)

// MemStore is an in-memory Store implementation, mutex-guarded for
// concurrent access. It is suitable for tests and single-process demos; it
// does not survive process restarts.
type MemStore struct {
	mu         sync.RWMutex
	workflows  map[string]*WorkflowState
	tasks      map[string]map[string]*TaskState // workflowID -> taskID -> state
	deps       map[string]map[string]map[string]bool
	dependents map[string]map[string]map[string]bool
	nodeTasks  map[string]map[string]string // workflowID -> nodeKey -> taskID
	endpoints  map[string]map[string]blueprint.ServiceEndpoint
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		workflows:  make(map[string]*WorkflowState),
		tasks:      make(map[string]map[string]*TaskState),
		deps:       make(map[string]map[string]map[string]bool),
		dependents: make(map[string]map[string]map[string]bool),
		nodeTasks:  make(map[string]map[string]string),
		endpoints:  make(map[string]map[string]blueprint.ServiceEndpoint),
	}
}

func (m *MemStore) CreateWorkflow(_ context.Context, workflowID string) (*WorkflowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workflows[workflowID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowAlreadyExists, workflowID)
	}

	now := nowUTC()
	state := &WorkflowState{
		WorkflowID: workflowID,
		Status:     WorkflowPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.workflows[workflowID] = state
	m.tasks[workflowID] = make(map[string]*TaskState)
	m.nodeTasks[workflowID] = make(map[string]string)

	cp := *state
	return &cp, nil
}

func (m *MemStore) GetWorkflow(_ context.Context, workflowID string) (*WorkflowState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	cp := *state
	return &cp, nil
}

func (m *MemStore) UpdateWorkflowStatus(_ context.Context, workflowID string, status WorkflowStatus, errMsg string) (*WorkflowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}

	// A workflow that has already reached a terminal status stays there;
	// this matches the original engine never attempting to resurrect a
	// completed/failed workflow.
	if state.Status.Terminal() {
		cp := *state
		return &cp, nil
	}

	state.Status = status
	state.Error = errMsg
	state.UpdatedAt = nowUTC()

	cp := *state
	return &cp, nil
}

func (m *MemStore) DeleteWorkflow(_ context.Context, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.workflows, workflowID)
	delete(m.tasks, workflowID)
	delete(m.deps, workflowID)
	delete(m.dependents, workflowID)
	delete(m.nodeTasks, workflowID)
	delete(m.endpoints, workflowID)
	return nil
}

func (m *MemStore) ListRunningWorkflows(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var running []string
	for id, state := range m.workflows {
		if state.Status == WorkflowRunning {
			running = append(running, id)
		}
	}
	sort.Strings(running)
	return running, nil
}

func (m *MemStore) CreateTask(_ context.Context, workflowID, taskID, nodeKey string, inputRefs []dataref.DataReference) (*TaskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workflows[workflowID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	tasksForWF := m.tasks[workflowID]
	if _, exists := tasksForWF[taskID]; exists {
		return nil, fmt.Errorf("%w: %s/%s", ErrTaskAlreadyExists, workflowID, taskID)
	}

	now := nowUTC()
	state := &TaskState{
		TaskID:     taskID,
		WorkflowID: workflowID,
		NodeKey:    nodeKey,
		Status:     TaskPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		InputRefs:  append([]dataref.DataReference{}, inputRefs...),
	}
	tasksForWF[taskID] = state

	cp := *state
	return &cp, nil
}

func (m *MemStore) GetTask(_ context.Context, workflowID, taskID string) (*TaskState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, err := m.getTaskLocked(workflowID, taskID)
	if err != nil {
		return nil, err
	}
	cp := *state
	return &cp, nil
}

func (m *MemStore) getTaskLocked(workflowID, taskID string) (*TaskState, error) {
	tasksForWF, ok := m.tasks[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	state, ok := tasksForWF[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrTaskNotFound, workflowID, taskID)
	}
	return state, nil
}

func (m *MemStore) UpdateTaskStatus(_ context.Context, workflowID, taskID string, status TaskStatus, update TaskUpdate) (*TaskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.getTaskLocked(workflowID, taskID)
	if err != nil {
		return nil, err
	}

	state.Status = status
	state.UpdatedAt = nowUTC()
	if update.OutputRefs != nil {
		state.OutputRefs = update.OutputRefs
	}
	if update.Error != nil {
		state.Error = *update.Error
	}

	cp := *state
	return &cp, nil
}

func (m *MemStore) AppendTaskInputRefs(_ context.Context, workflowID, taskID string, refs []dataref.DataReference) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.getTaskLocked(workflowID, taskID)
	if err != nil {
		return err
	}
	state.InputRefs = append(state.InputRefs, refs...)
	return nil
}

func (m *MemStore) GetWorkflowTasks(_ context.Context, workflowID string) ([]*TaskState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tasksForWF, ok := m.tasks[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}

	tasks := make([]*TaskState, 0, len(tasksForWF))
	for _, state := range tasksForWF {
		cp := *state
		tasks = append(tasks, &cp)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (m *MemStore) AddDependency(_ context.Context, workflowID, taskID, depTaskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureDepSet(m.deps, workflowID, taskID)[depTaskID] = true
	return nil
}

func (m *MemStore) AddDependent(_ context.Context, workflowID, taskID, dependentTaskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureDepSet(m.dependents, workflowID, taskID)[dependentTaskID] = true
	return nil
}

func (m *MemStore) RemoveDependencyAndCount(_ context.Context, workflowID, taskID, depTaskID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.ensureDepSet(m.deps, workflowID, taskID)
	delete(set, depTaskID)
	return len(set), nil
}

func (m *MemStore) DependencyCount(_ context.Context, workflowID, taskID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byWF, ok := m.deps[workflowID]
	if !ok {
		return 0, nil
	}
	return len(byWF[taskID]), nil
}

func (m *MemStore) Dependents(_ context.Context, workflowID, taskID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byWF, ok := m.dependents[workflowID]
	if !ok {
		return nil, nil
	}
	set := byWF[taskID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *MemStore) ensureDepSet(root map[string]map[string]map[string]bool, workflowID, taskID string) map[string]bool {
	byWF, ok := root[workflowID]
	if !ok {
		byWF = make(map[string]map[string]bool)
		root[workflowID] = byWF
	}
	set, ok := byWF[taskID]
	if !ok {
		set = make(map[string]bool)
		byWF[taskID] = set
	}
	return set
}

func (m *MemStore) SetNodeTask(_ context.Context, workflowID, nodeKey, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byWF, ok := m.nodeTasks[workflowID]
	if !ok {
		byWF = make(map[string]string)
		m.nodeTasks[workflowID] = byWF
	}
	byWF[nodeKey] = taskID
	return nil
}

func (m *MemStore) AllTaskIDs(_ context.Context, workflowID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byWF, ok := m.nodeTasks[workflowID]
	if !ok {
		return nil, nil
	}
	ids := make([]string, 0, len(byWF))
	for _, taskID := range byWF {
		ids = append(ids, taskID)
	}
	return ids, nil
}

func (m *MemStore) SetEndpoints(_ context.Context, workflowID string, endpoints map[string]blueprint.ServiceEndpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]blueprint.ServiceEndpoint, len(endpoints))
	for k, v := range endpoints {
		cp[k] = v
	}
	m.endpoints[workflowID] = cp
	return nil
}

func (m *MemStore) GetEndpoints(_ context.Context, workflowID string) (map[string]blueprint.ServiceEndpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byWF, ok := m.endpoints[workflowID]
	if !ok {
		return map[string]blueprint.ServiceEndpoint{}, nil
	}
	cp := make(map[string]blueprint.ServiceEndpoint, len(byWF))
	for k, v := range byWF {
		cp[k] = v
	}
	return cp, nil
}
