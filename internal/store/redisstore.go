package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/ai-effect-eu/orchestrator-go/internal/blueprint"
	"github.com/ai-effect-eu/orchestrator-go/internal/dataref"
)

// RedisStore persists workflow/task state in Redis, matching the key
// conventions of the original state store: "workflow:<id>", "task:<wf>:<id>",
// "workflow:<wf>:tasks" (a set of task IDs), "deps:<wf>:<id>" /
// "dependents:<wf>:<id>" (dependency sets), and "graph:<wf>" (a hash mapping
// node_key to task ID).
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing go-redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func workflowKey(workflowID string) string     { return "workflow:" + workflowID }
func taskKey(workflowID, taskID string) string { return fmt.Sprintf("task:%s:%s", workflowID, taskID) }
func workflowTasksKey(workflowID string) string { return "workflow:" + workflowID + ":tasks" }
func depsKey(workflowID, taskID string) string { return fmt.Sprintf("deps:%s:%s", workflowID, taskID) }
func dependentsKey(workflowID, taskID string) string {
	return fmt.Sprintf("dependents:%s:%s", workflowID, taskID)
}
func graphKey(workflowID string) string     { return "graph:" + workflowID }
func endpointsKey(workflowID string) string { return "endpoints:" + workflowID }

func (s *RedisStore) CreateWorkflow(ctx context.Context, workflowID string) (*WorkflowState, error) {
	key := workflowKey(workflowID)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis exists: %w", err)
	}
	if exists > 0 {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowAlreadyExists, workflowID)
	}

	now := nowUTC()
	state := &WorkflowState{WorkflowID: workflowID, Status: WorkflowPending, CreatedAt: now, UpdatedAt: now}
	if err := s.putWorkflow(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *RedisStore) putWorkflow(ctx context.Context, state *WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("store: marshal workflow: %w", err)
	}
	if err := s.rdb.Set(ctx, workflowKey(state.WorkflowID), data, 0).Err(); err != nil {
		return fmt.Errorf("store: redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) GetWorkflow(ctx context.Context, workflowID string) (*WorkflowState, error) {
	data, err := s.rdb.Get(ctx, workflowKey(workflowID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
		}
		return nil, fmt.Errorf("store: redis get: %w", err)
	}
	var state WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("store: unmarshal workflow: %w", err)
	}
	return &state, nil
}

func (s *RedisStore) UpdateWorkflowStatus(ctx context.Context, workflowID string, status WorkflowStatus, errMsg string) (*WorkflowState, error) {
	state, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if state.Status.Terminal() {
		return state, nil
	}
	state.Status = status
	state.Error = errMsg
	state.UpdatedAt = nowUTC()
	if err := s.putWorkflow(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *RedisStore) DeleteWorkflow(ctx context.Context, workflowID string) error {
	taskIDs, err := s.rdb.SMembers(ctx, workflowTasksKey(workflowID)).Result()
	if err != nil {
		return fmt.Errorf("store: redis smembers: %w", err)
	}

	pipe := s.rdb.Pipeline()
	for _, taskID := range taskIDs {
		pipe.Del(ctx, taskKey(workflowID, taskID))
		pipe.Del(ctx, depsKey(workflowID, taskID))
		pipe.Del(ctx, dependentsKey(workflowID, taskID))
	}
	pipe.Del(ctx, workflowTasksKey(workflowID))
	pipe.Del(ctx, graphKey(workflowID))
	pipe.Del(ctx, endpointsKey(workflowID))
	pipe.Del(ctx, workflowKey(workflowID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: redis pipeline delete: %w", err)
	}
	return nil
}

func (s *RedisStore) ListRunningWorkflows(ctx context.Context) ([]string, error) {
	var running []string
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, "workflow:*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("store: redis scan: %w", err)
		}
		for _, key := range keys {
			// Skip sub-keys like "workflow:<id>:tasks".
			if strings.Count(key, ":") > 1 {
				continue
			}
			data, err := s.rdb.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var state WorkflowState
			if err := json.Unmarshal(data, &state); err != nil {
				continue
			}
			if state.Status == WorkflowRunning {
				running = append(running, strings.TrimPrefix(key, "workflow:"))
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return running, nil
}

func (s *RedisStore) CreateTask(ctx context.Context, workflowID, taskID, nodeKey string, inputRefs []dataref.DataReference) (*TaskState, error) {
	if _, err := s.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}

	key := taskKey(workflowID, taskID)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis exists: %w", err)
	}
	if exists > 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrTaskAlreadyExists, workflowID, taskID)
	}

	now := nowUTC()
	state := &TaskState{
		TaskID: taskID, WorkflowID: workflowID, NodeKey: nodeKey, Status: TaskPending,
		CreatedAt: now, UpdatedAt: now, InputRefs: append([]dataref.DataReference{}, inputRefs...),
	}
	if err := s.putTask(ctx, state); err != nil {
		return nil, err
	}
	if err := s.rdb.SAdd(ctx, workflowTasksKey(workflowID), taskID).Err(); err != nil {
		return nil, fmt.Errorf("store: redis sadd: %w", err)
	}
	return state, nil
}

func (s *RedisStore) putTask(ctx context.Context, state *TaskState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("store: marshal task: %w", err)
	}
	if err := s.rdb.Set(ctx, taskKey(state.WorkflowID, state.TaskID), data, 0).Err(); err != nil {
		return fmt.Errorf("store: redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) GetTask(ctx context.Context, workflowID, taskID string) (*TaskState, error) {
	data, err := s.rdb.Get(ctx, taskKey(workflowID, taskID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s/%s", ErrTaskNotFound, workflowID, taskID)
		}
		return nil, fmt.Errorf("store: redis get: %w", err)
	}
	var state TaskState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("store: unmarshal task: %w", err)
	}
	return &state, nil
}

func (s *RedisStore) UpdateTaskStatus(ctx context.Context, workflowID, taskID string, status TaskStatus, update TaskUpdate) (*TaskState, error) {
	state, err := s.GetTask(ctx, workflowID, taskID)
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
	if err := s.putTask(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// appendInputRefsMaxRetries bounds the optimistic-lock retry loop in
// AppendTaskInputRefs. Contention on one fan-in task's key is limited to the
// handful of sibling predecessors completing it, so a handful of retries is
// always enough in practice.
const appendInputRefsMaxRetries = 10

// AppendTaskInputRefs merges refs into a task's InputRefs under Redis's
// WATCH/MULTI optimistic-lock transaction: two workers completing sibling
// predecessors of the same fan-in task concurrently must not race a plain
// GET against each other's SET and silently drop one sibling's output, the
// same hazard RemoveDependencyAndCount's Lua script guards against for the
// dependency count.
func (s *RedisStore) AppendTaskInputRefs(ctx context.Context, workflowID, taskID string, refs []dataref.DataReference) error {
	key := taskKey(workflowID, taskID)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return fmt.Errorf("%w: %s/%s", ErrTaskNotFound, workflowID, taskID)
			}
			return fmt.Errorf("store: redis get: %w", err)
		}
		var state TaskState
		if err := json.Unmarshal(data, &state); err != nil {
			return fmt.Errorf("store: unmarshal task: %w", err)
		}
		state.InputRefs = append(state.InputRefs, refs...)
		newData, err := json.Marshal(&state)
		if err != nil {
			return fmt.Errorf("store: marshal task: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newData, 0)
			return nil
		})
		return err
	}

	for i := 0; i < appendInputRefsMaxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("store: append input_refs: too much contention on %s/%s", workflowID, taskID)
}

func (s *RedisStore) GetWorkflowTasks(ctx context.Context, workflowID string) ([]*TaskState, error) {
	if _, err := s.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	taskIDs, err := s.rdb.SMembers(ctx, workflowTasksKey(workflowID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis smembers: %w", err)
	}
	tasks := make([]*TaskState, 0, len(taskIDs))
	for _, taskID := range taskIDs {
		task, err := s.GetTask(ctx, workflowID, taskID)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	sortTasksByCreatedAt(tasks)
	return tasks, nil
}

func (s *RedisStore) AddDependency(ctx context.Context, workflowID, taskID, depTaskID string) error {
	return s.rdb.SAdd(ctx, depsKey(workflowID, taskID), depTaskID).Err()
}

func (s *RedisStore) AddDependent(ctx context.Context, workflowID, taskID, dependentTaskID string) error {
	return s.rdb.SAdd(ctx, dependentsKey(workflowID, taskID), dependentTaskID).Err()
}

func (s *RedisStore) DependencyCount(ctx context.Context, workflowID, taskID string) (int, error) {
	n, err := s.rdb.SCard(ctx, depsKey(workflowID, taskID)).Result()
	return int(n), err
}

func (s *RedisStore) Dependents(ctx context.Context, workflowID, taskID string) ([]string, error) {
	return s.rdb.SMembers(ctx, dependentsKey(workflowID, taskID)).Result()
}

func (s *RedisStore) SetNodeTask(ctx context.Context, workflowID, nodeKey, taskID string) error {
	return s.rdb.HSet(ctx, graphKey(workflowID), nodeKey, taskID).Err()
}

func (s *RedisStore) AllTaskIDs(ctx context.Context, workflowID string) ([]string, error) {
	return s.rdb.HVals(ctx, graphKey(workflowID)).Result()
}

// removeDependencyScript is the atomic step the engine's complete-task
// sequence needs: decrement a dependent's dependency count and report the
// remaining count, without a remove/count race against a concurrent
// completion of a sibling dependency. It is a Lua script because Redis has
// no built-in multi-key compare-and-swap.
var removeDependencyScript = redis.NewScript(`
local removed = redis.call("SREM", KEYS[1], ARGV[1])
local remaining = redis.call("SCARD", KEYS[1])
return remaining
`)

// RemoveDependencyAndCount removes depTaskID from taskID's dependency set
// and returns the remaining dependency count, both as a single atomic Redis
// operation.
func (s *RedisStore) RemoveDependencyAndCount(ctx context.Context, workflowID, taskID, depTaskID string) (int, error) {
	n, err := removeDependencyScript.Run(ctx, s.rdb, []string{depsKey(workflowID, taskID)}, depTaskID).Int()
	if err != nil {
		return 0, fmt.Errorf("store: remove dependency script: %w", err)
	}
	return n, nil
}

// SetEndpoints writes the "endpoints:<id>" hash a worker daemon loads
// before dispatching control calls for a workflow: one field per
// container name, each value the container's JSON-marshaled
// ServiceEndpoint.
func (s *RedisStore) SetEndpoints(ctx context.Context, workflowID string, endpoints map[string]blueprint.ServiceEndpoint) error {
	if len(endpoints) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(endpoints))
	for containerName, ep := range endpoints {
		data, err := json.Marshal(ep)
		if err != nil {
			return fmt.Errorf("store: marshal endpoint %s: %w", containerName, err)
		}
		fields[containerName] = data
	}
	if err := s.rdb.HSet(ctx, endpointsKey(workflowID), fields).Err(); err != nil {
		return fmt.Errorf("store: redis hset endpoints: %w", err)
	}
	return nil
}

// GetEndpoints reads back the endpoints hash set by SetEndpoints.
func (s *RedisStore) GetEndpoints(ctx context.Context, workflowID string) (map[string]blueprint.ServiceEndpoint, error) {
	raw, err := s.rdb.HGetAll(ctx, endpointsKey(workflowID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis hgetall endpoints: %w", err)
	}
	endpoints := make(map[string]blueprint.ServiceEndpoint, len(raw))
	for containerName, data := range raw {
		var ep blueprint.ServiceEndpoint
		if err := json.Unmarshal([]byte(data), &ep); err != nil {
			return nil, fmt.Errorf("store: unmarshal endpoint %s: %w", containerName, err)
		}
		endpoints[containerName] = ep
	}
	return endpoints, nil
}
