package multillm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the Multi-LLM Agent REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// TaskSubmission represents the payload required to create a new task.
type TaskSubmission struct {
	ID       string         `json:"id,omitempty"`
	Input    string         `json:"input"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ExecutionResult carries the pipeline output attached to a finished task.
type ExecutionResult struct {
	ThoughtProcess string   `json:"thought_process"`
	Plan           []string `json:"plan"`
	Action         string   `json:"action"`
}

// Task mirrors the server side task view.
type Task struct {
	ID         string           `json:"id"`
	Input      string           `json:"input"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
	Status     string           `json:"status"`
	Attempts   int              `json:"attempts"`
	MaxRetries int              `json:"max_retries"`
	LastError  string           `json:"last_error,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
	Result     *ExecutionResult `json:"result,omitempty"`
	CreatedAt  int64            `json:"created_at"`
	UpdatedAt  int64            `json:"updated_at"`
}

// Stats aggregates task counts by status.
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// ProcessResponse is the synchronous pipeline result.
type ProcessResponse struct {
	ThoughtProcess string   `json:"thought_process"`
	Plan           []string `json:"plan"`
	Action         string   `json:"action"`
	CreatedAt      int64    `json:"created_at"`
}

// RunRecord is one entry of the pipeline run history.
type RunRecord struct {
	ID             int64    `json:"id"`
	Input          string   `json:"input"`
	ThoughtProcess string   `json:"thought_process"`
	Plan           []string `json:"plan"`
	Action         string   `json:"action"`
	CreatedAt      int64    `json:"created_at"`
}

// ListTasksOptions filters the task listing endpoint.
type ListTasksOptions struct {
	Limit    int
	Offset   int
	Statuses []string
	Query    string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("multillm api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("multillm api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the Multi-LLM Agent API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SubmitTask enqueues a new asynchronous task.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var created Task
	if err := c.post(ctx, "/api/v1/tasks", submission, &created); err != nil {
		return Task{}, err
	}
	return created, nil
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	if strings.TrimSpace(taskID) == "" {
		return Task{}, errors.New("multillm: task id is empty")
	}
	var detail Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), &detail); err != nil {
		return Task{}, err
	}
	return detail, nil
}

// ListTasks returns tasks matching the provided filters.
func (c *Client) ListTasks(ctx context.Context, opts ListTasksOptions) ([]Task, error) {
	query := url.Values{}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	if len(opts.Statuses) > 0 {
		query.Set("status", strings.Join(opts.Statuses, ","))
	}
	if opts.Query != "" {
		query.Set("q", opts.Query)
	}
	endpoint := "/api/v1/tasks"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var tasks []Task
	if err := c.get(ctx, endpoint, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Stats returns aggregated task counts.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/stats", &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Process drives the pipeline synchronously and waits for the result.
func (c *Client) Process(ctx context.Context, input string) (ProcessResponse, error) {
	var response ProcessResponse
	payload := struct {
		Input string `json:"input"`
	}{Input: input}
	if err := c.post(ctx, "/api/v1/process", payload, &response); err != nil {
		return ProcessResponse{}, err
	}
	return response, nil
}

// SetContext replaces the shared context applied to all pipeline modules.
func (c *Client) SetContext(ctx context.Context, context map[string]string) error {
	return c.post(ctx, "/api/v1/context", context, nil)
}

// History returns the most recent pipeline runs, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]RunRecord, error) {
	endpoint := "/api/v1/history"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var records []RunRecord
	if err := c.get(ctx, endpoint, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	pathOnly := endpoint
	rawQuery := ""
	if idx := strings.IndexByte(endpoint, '?'); idx >= 0 {
		pathOnly, rawQuery = endpoint[:idx], endpoint[idx+1:]
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, pathOnly), RawQuery: rawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
