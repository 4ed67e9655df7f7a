// Package control is the HTTP client for a container's control plane:
// POST /control/execute, GET /control/status/{task_id}, and
// GET /control/output/{task_id}.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ai-effect-eu/orchestrator-go/internal/dataref"
)

// Error is the single catch-all error kind for every control-call failure:
// connection refused, timeout, non-2xx status, or an unparsable body. The
// caller distinguishes failure modes by inspecting Err/StatusCode, not by
// error type.
type Error struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("control: %s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("control: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ExecStatus is the lifecycle status a container reports for an
// in-progress or finished operation.
type ExecStatus string

// Container-reported execution states.
const (
	StatusComplete ExecStatus = "complete"
	StatusRunning  ExecStatus = "running"
	StatusFailed   ExecStatus = "failed"
)

// ExecuteRequest is the body of POST /control/execute.
type ExecuteRequest struct {
	Method     string                  `json:"method"`
	WorkflowID string                  `json:"workflow_id"`
	TaskID     string                  `json:"task_id"`
	Inputs     []dataref.DataReference `json:"inputs"`
	Parameters map[string]interface{}  `json:"parameters"`
}

// ExecuteResponse is the response from POST /control/execute.
type ExecuteResponse struct {
	Status ExecStatus             `json:"status"`
	TaskID string                 `json:"task_id,omitempty"`
	Output *dataref.DataReference `json:"output,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// StatusResponse is the response from GET /control/status/{task_id}.
type StatusResponse struct {
	Status   ExecStatus `json:"status"`
	Progress *int       `json:"progress,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// OutputResponse is the response from GET /control/output/{task_id}.
type OutputResponse struct {
	Output dataref.DataReference `json:"output"`
}

// Client calls a container's control endpoints over plain HTTP.
type Client struct {
	httpClient *http.Client
}

// New returns a Client with the given request timeout. A timeout of zero
// or less falls back to 30 seconds.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// Execute invokes method on the container rooted at baseURL, dispatching
// the task's inputs and parameters.
func (c *Client) Execute(ctx context.Context, baseURL, method, workflowID, taskID string, inputs []dataref.DataReference, parameters map[string]interface{}) (*ExecuteResponse, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, &Error{Op: "execute", Err: errors.New("base_url is required")}
	}
	if inputs == nil {
		inputs = []dataref.DataReference{}
	}
	if parameters == nil {
		parameters = map[string]interface{}{}
	}

	reqBody := ExecuteRequest{
		Method:     method,
		WorkflowID: workflowID,
		TaskID:     taskID,
		Inputs:     inputs,
		Parameters: parameters,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &Error{Op: "execute", Err: err}
	}

	url := trimBaseURL(baseURL) + "/control/execute"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Op: "execute", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var out ExecuteResponse
	if err := c.doJSON(httpReq, "execute", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetStatus polls a previously started task's status.
func (c *Client) GetStatus(ctx context.Context, baseURL, taskID string) (*StatusResponse, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, &Error{Op: "get_status", Err: errors.New("base_url is required")}
	}
	if strings.TrimSpace(taskID) == "" {
		return nil, &Error{Op: "get_status", Err: errors.New("task_id is required")}
	}

	url := fmt.Sprintf("%s/control/status/%s", trimBaseURL(baseURL), taskID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Op: "get_status", Err: err}
	}

	var out StatusResponse
	if err := c.doJSON(httpReq, "get_status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOutput fetches a completed task's output reference.
func (c *Client) GetOutput(ctx context.Context, baseURL, taskID string) (*OutputResponse, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, &Error{Op: "get_output", Err: errors.New("base_url is required")}
	}
	if strings.TrimSpace(taskID) == "" {
		return nil, &Error{Op: "get_output", Err: errors.New("task_id is required")}
	}

	url := fmt.Sprintf("%s/control/output/%s", trimBaseURL(baseURL), taskID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Op: "get_output", Err: err}
	}

	var out OutputResponse
	if err := c.doJSON(httpReq, "get_output", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(req *http.Request, op string, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: errors.New(string(body))}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("invalid response: %w", err)}
	}
	return nil
}

func trimBaseURL(baseURL string) string {
	return strings.TrimRight(baseURL, "/")
}
