package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/ai-effect-eu/orchestrator-go/internal/blueprint"
	"github.com/ai-effect-eu/orchestrator-go/internal/dataref"
)

// SQLStore is a database/sql-backed Store implementation, usable with
// either SQLite (local, single-writer) or MySQL (networked, multi-writer)
// via the driver selected at construction time. It carries over the
// teacher's migration-on-open pattern: the schema is created if absent the
// first time the store is opened.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLiteStore opens (creating if absent) a SQLite-backed store at path,
// with WAL mode enabled for concurrent readers.
func NewSQLiteStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &SQLStore{db: db, driver: "sqlite"}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewMySQLStore opens a MySQL-backed store using the given DSN (see
// github.com/go-sql-driver/mysql for DSN format).
func NewMySQLStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open mysql: %w", err)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLStore{db: db, driver: "mysql"}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database connection(s).
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			workflow_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			workflow_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			node_key TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			input_refs TEXT NOT NULL,
			output_refs TEXT NOT NULL,
			error TEXT,
			PRIMARY KEY (workflow_id, task_id)
		)`,
		`CREATE TABLE IF NOT EXISTS task_deps (
			workflow_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			dep_task_id TEXT NOT NULL,
			PRIMARY KEY (workflow_id, task_id, dep_task_id)
		)`,
		`CREATE TABLE IF NOT EXISTS task_dependents (
			workflow_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			dependent_task_id TEXT NOT NULL,
			PRIMARY KEY (workflow_id, task_id, dependent_task_id)
		)`,
		`CREATE TABLE IF NOT EXISTS node_tasks (
			workflow_id TEXT NOT NULL,
			node_key TEXT NOT NULL,
			task_id TEXT NOT NULL,
			PRIMARY KEY (workflow_id, node_key)
		)`,
		`CREATE TABLE IF NOT EXISTS endpoints (
			workflow_id TEXT NOT NULL,
			container_name TEXT NOT NULL,
			address TEXT NOT NULL,
			port INTEGER NOT NULL,
			PRIMARY KEY (workflow_id, container_name)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) CreateWorkflow(ctx context.Context, workflowID string) (*WorkflowState, error) {
	now := nowUTC()
	state := &WorkflowState{WorkflowID: workflowID, Status: WorkflowPending, CreatedAt: now, UpdatedAt: now}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (workflow_id, status, created_at, updated_at, error) VALUES (?, ?, ?, ?, '')`,
		state.WorkflowID, state.Status, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %s (%v)", ErrWorkflowAlreadyExists, workflowID, err)
	}
	return state, nil
}

func (s *SQLStore) GetWorkflow(ctx context.Context, workflowID string) (*WorkflowState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, status, created_at, updated_at, error FROM workflows WHERE workflow_id = ?`, workflowID)
	var state WorkflowState
	if err := row.Scan(&state.WorkflowID, &state.Status, &state.CreatedAt, &state.UpdatedAt, &state.Error); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
		}
		return nil, fmt.Errorf("store: scan workflow: %w", err)
	}
	return &state, nil
}

func (s *SQLStore) UpdateWorkflowStatus(ctx context.Context, workflowID string, status WorkflowStatus, errMsg string) (*WorkflowState, error) {
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
	_, err = s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, updated_at = ?, error = ? WHERE workflow_id = ?`,
		state.Status, state.UpdatedAt, state.Error, workflowID)
	if err != nil {
		return nil, fmt.Errorf("store: update workflow: %w", err)
	}
	return state, nil
}

func (s *SQLStore) DeleteWorkflow(ctx context.Context, workflowID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM tasks WHERE workflow_id = ?`,
		`DELETE FROM task_deps WHERE workflow_id = ?`,
		`DELETE FROM task_dependents WHERE workflow_id = ?`,
		`DELETE FROM node_tasks WHERE workflow_id = ?`,
		`DELETE FROM endpoints WHERE workflow_id = ?`,
		`DELETE FROM workflows WHERE workflow_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, workflowID); err != nil {
			return fmt.Errorf("store: delete workflow: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) ListRunningWorkflows(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT workflow_id FROM workflows WHERE status = ?`, WorkflowRunning)
	if err != nil {
		return nil, fmt.Errorf("store: list running: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan running: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) CreateTask(ctx context.Context, workflowID, taskID, nodeKey string, inputRefs []dataref.DataReference) (*TaskState, error) {
	if _, err := s.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}

	now := nowUTC()
	state := &TaskState{
		TaskID: taskID, WorkflowID: workflowID, NodeKey: nodeKey, Status: TaskPending,
		CreatedAt: now, UpdatedAt: now, InputRefs: append([]dataref.DataReference{}, inputRefs...),
	}
	if err := s.insertTask(ctx, state); err != nil {
		return nil, fmt.Errorf("%w: %s/%s (%v)", ErrTaskAlreadyExists, workflowID, taskID, err)
	}
	return state, nil
}

func (s *SQLStore) insertTask(ctx context.Context, state *TaskState) error {
	inputJSON, err := json.Marshal(state.InputRefs)
	if err != nil {
		return fmt.Errorf("store: marshal input_refs: %w", err)
	}
	outputJSON, err := json.Marshal(state.OutputRefs)
	if err != nil {
		return fmt.Errorf("store: marshal output_refs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (workflow_id, task_id, node_key, status, created_at, updated_at, input_refs, output_refs, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.WorkflowID, state.TaskID, state.NodeKey, state.Status, state.CreatedAt, state.UpdatedAt, inputJSON, outputJSON, state.Error)
	return err
}

func (s *SQLStore) GetTask(ctx context.Context, workflowID, taskID string) (*TaskState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, task_id, node_key, status, created_at, updated_at, input_refs, output_refs, error
		 FROM tasks WHERE workflow_id = ? AND task_id = ?`, workflowID, taskID)
	return s.scanTask(row, workflowID, taskID)
}

func (s *SQLStore) scanTask(row *sql.Row, workflowID, taskID string) (*TaskState, error) {
	var state TaskState
	var inputJSON, outputJSON []byte
	err := row.Scan(&state.WorkflowID, &state.TaskID, &state.NodeKey, &state.Status,
		&state.CreatedAt, &state.UpdatedAt, &inputJSON, &outputJSON, &state.Error)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s/%s", ErrTaskNotFound, workflowID, taskID)
		}
		return nil, fmt.Errorf("store: scan task: %w", err)
	}
	if err := json.Unmarshal(inputJSON, &state.InputRefs); err != nil {
		return nil, fmt.Errorf("store: unmarshal input_refs: %w", err)
	}
	if err := json.Unmarshal(outputJSON, &state.OutputRefs); err != nil {
		return nil, fmt.Errorf("store: unmarshal output_refs: %w", err)
	}
	return &state, nil
}

func (s *SQLStore) UpdateTaskStatus(ctx context.Context, workflowID, taskID string, status TaskStatus, update TaskUpdate) (*TaskState, error) {
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

	outputJSON, err := json.Marshal(state.OutputRefs)
	if err != nil {
		return nil, fmt.Errorf("store: marshal output_refs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?, output_refs = ?, error = ? WHERE workflow_id = ? AND task_id = ?`,
		state.Status, state.UpdatedAt, outputJSON, state.Error, workflowID, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: update task: %w", err)
	}
	return state, nil
}

func (s *SQLStore) AppendTaskInputRefs(ctx context.Context, workflowID, taskID string, refs []dataref.DataReference) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT input_refs FROM tasks WHERE workflow_id = ? AND task_id = ?`, workflowID, taskID)
	var inputJSON []byte
	if err := row.Scan(&inputJSON); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s/%s", ErrTaskNotFound, workflowID, taskID)
		}
		return fmt.Errorf("store: scan input_refs: %w", err)
	}
	var existing []dataref.DataReference
	if err := json.Unmarshal(inputJSON, &existing); err != nil {
		return fmt.Errorf("store: unmarshal input_refs: %w", err)
	}
	existing = append(existing, refs...)
	merged, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("store: marshal input_refs: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET input_refs = ? WHERE workflow_id = ? AND task_id = ?`, merged, workflowID, taskID); err != nil {
		return fmt.Errorf("store: update input_refs: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) GetWorkflowTasks(ctx context.Context, workflowID string) ([]*TaskState, error) {
	if _, err := s.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, task_id, node_key, status, created_at, updated_at, input_refs, output_refs, error
		 FROM tasks WHERE workflow_id = ? ORDER BY created_at ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*TaskState
	for rows.Next() {
		var state TaskState
		var inputJSON, outputJSON []byte
		if err := rows.Scan(&state.WorkflowID, &state.TaskID, &state.NodeKey, &state.Status,
			&state.CreatedAt, &state.UpdatedAt, &inputJSON, &outputJSON, &state.Error); err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		if err := json.Unmarshal(inputJSON, &state.InputRefs); err != nil {
			return nil, fmt.Errorf("store: unmarshal input_refs: %w", err)
		}
		if err := json.Unmarshal(outputJSON, &state.OutputRefs); err != nil {
			return nil, fmt.Errorf("store: unmarshal output_refs: %w", err)
		}
		tasks = append(tasks, &state)
	}
	return tasks, rows.Err()
}

func (s *SQLStore) AddDependency(ctx context.Context, workflowID, taskID, depTaskID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO task_deps (workflow_id, task_id, dep_task_id) VALUES (?, ?, ?)`,
		workflowID, taskID, depTaskID)
	return err
}

func (s *SQLStore) AddDependent(ctx context.Context, workflowID, taskID, dependentTaskID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO task_dependents (workflow_id, task_id, dependent_task_id) VALUES (?, ?, ?)`,
		workflowID, taskID, dependentTaskID)
	return err
}

func (s *SQLStore) DependencyCount(ctx context.Context, workflowID, taskID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_deps WHERE workflow_id = ? AND task_id = ?`, workflowID, taskID).Scan(&n)
	return n, err
}

func (s *SQLStore) Dependents(ctx context.Context, workflowID, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dependent_task_id FROM task_dependents WHERE workflow_id = ? AND task_id = ?`, workflowID, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RemoveDependencyAndCount runs the remove-then-count step inside a single
// transaction, the SQL equivalent of the Redis store's Lua script: the
// transaction's isolation prevents a concurrent sibling completion from
// observing a stale count.
func (s *SQLStore) RemoveDependencyAndCount(ctx context.Context, workflowID, taskID, depTaskID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM task_deps WHERE workflow_id = ? AND task_id = ? AND dep_task_id = ?`,
		workflowID, taskID, depTaskID); err != nil {
		return 0, fmt.Errorf("store: delete dependency: %w", err)
	}

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_deps WHERE workflow_id = ? AND task_id = ?`, workflowID, taskID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count dependencies: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	return n, nil
}

func (s *SQLStore) SetNodeTask(ctx context.Context, workflowID, nodeKey, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO node_tasks (workflow_id, node_key, task_id) VALUES (?, ?, ?)`,
		workflowID, nodeKey, taskID)
	return err
}

func (s *SQLStore) AllTaskIDs(ctx context.Context, workflowID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id FROM node_tasks WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetEndpoints replaces a workflow's container endpoint table in a single
// transaction. Unlike the Redis store's HSET, which overwrites only the
// containers it is given, rows for containers missing from endpoints are
// removed.
func (s *SQLStore) SetEndpoints(ctx context.Context, workflowID string, endpoints map[string]blueprint.ServiceEndpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM endpoints WHERE workflow_id = ?`, workflowID); err != nil {
		return fmt.Errorf("store: delete endpoints: %w", err)
	}
	for containerName, ep := range endpoints {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO endpoints (workflow_id, container_name, address, port) VALUES (?, ?, ?, ?)`,
			workflowID, containerName, ep.Address, ep.Port); err != nil {
			return fmt.Errorf("store: insert endpoint %s: %w", containerName, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) GetEndpoints(ctx context.Context, workflowID string) (map[string]blueprint.ServiceEndpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT container_name, address, port FROM endpoints WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("store: list endpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	endpoints := make(map[string]blueprint.ServiceEndpoint)
	for rows.Next() {
		var containerName string
		var ep blueprint.ServiceEndpoint
		if err := rows.Scan(&containerName, &ep.Address, &ep.Port); err != nil {
			return nil, fmt.Errorf("store: scan endpoint: %w", err)
		}
		endpoints[containerName] = ep
	}
	return endpoints, rows.Err()
}
