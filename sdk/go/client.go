package carecirclesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal CareCircle mirror API client.
type Client struct {
	BaseURL     string
	BasePath    string // defaults to /v0
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Circle represents the mirrored circle model.
type Circle struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Owner       string  `json:"owner"`
	MemberCount int64   `json:"member_count"`
	TaskCount   int64   `json:"task_count"`
	TxRef       *string `json:"tx_ref,omitempty"`
	UpdatedAt   string  `json:"updated_at"`
}

// Member represents a mirrored membership row.
type Member struct {
	CircleID       int64   `json:"circle_id"`
	Address        string  `json:"address"`
	IsOwner        bool    `json:"is_owner"`
	IsActive       bool    `json:"is_active"`
	TasksCompleted int64   `json:"tasks_completed"`
	TxRef          *string `json:"tx_ref,omitempty"`
	UpdatedAt      string  `json:"updated_at"`
}

// Task represents a mirrored task snapshot.
type Task struct {
	ID          int64   `json:"id"`
	CircleID    int64   `json:"circle_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	AssignedTo  string  `json:"assigned_to"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at,omitempty"`
	Completed   bool    `json:"completed"`
	CompletedBy *string `json:"completed_by,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
	Priority    int     `json:"priority"`
	TxRef       *string `json:"tx_ref,omitempty"`
	UpdatedAt   string  `json:"updated_at"`
}

// Stats are per-circle aggregates.
type Stats struct {
	TotalTasks     int64 `json:"total_tasks"`
	CompletedTasks int64 `json:"completed_tasks"`
	OpenTasks      int64 `json:"open_tasks"`
	CompletionRate int64 `json:"completion_rate"`
	MemberCount    int64 `json:"member_count"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// UpsertCircle mirrors a circle snapshot. tx_ref may be nil; the mirror
// never erases a previously stored proof reference with a null one.
func (c *Client) UpsertCircle(ctx context.Context, circle Circle) error {
	body := map[string]any{
		"id":           circle.ID,
		"name":         circle.Name,
		"owner":        circle.Owner,
		"member_count": circle.MemberCount,
		"task_count":   circle.TaskCount,
	}
	if circle.TxRef != nil {
		body["tx_ref"] = *circle.TxRef
	}
	return c.do(ctx, http.MethodPost, "circles/upsert", body, nil)
}

// UpsertMember mirrors a membership snapshot.
func (c *Client) UpsertMember(ctx context.Context, member Member) error {
	body := map[string]any{
		"circle_id":       member.CircleID,
		"address":         member.Address,
		"is_owner":        member.IsOwner,
		"is_active":       member.IsActive,
		"tasks_completed": member.TasksCompleted,
	}
	if member.TxRef != nil {
		body["tx_ref"] = *member.TxRef
	}
	return c.do(ctx, http.MethodPost, "members/upsert", body, nil)
}

// UpsertTask mirrors a full task snapshot.
func (c *Client) UpsertTask(ctx context.Context, task Task) error {
	body := map[string]any{
		"id":          task.ID,
		"circle_id":   task.CircleID,
		"title":       task.Title,
		"description": task.Description,
		"assigned_to": task.AssignedTo,
		"created_by":  task.CreatedBy,
		"created_at":  task.CreatedAt,
		"completed":   task.Completed,
		"priority":    task.Priority,
	}
	if task.CompletedBy != nil {
		body["completed_by"] = *task.CompletedBy
	}
	if task.CompletedAt != nil {
		body["completed_at"] = *task.CompletedAt
	}
	if task.TxRef != nil {
		body["tx_ref"] = *task.TxRef
	}
	return c.do(ctx, http.MethodPost, "tasks/upsert", body, nil)
}

// GetCircle fetches a mirrored circle.
func (c *Client) GetCircle(ctx context.Context, id int64) (Circle, error) {
	var resp Circle
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("circles/%d", id), nil, &resp)
	return resp, err
}

// ListMembers returns the mirrored members of a circle.
func (c *Client) ListMembers(ctx context.Context, circleID int64) ([]Member, error) {
	var resp []Member
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("circles/%d/members", circleID), nil, &resp)
	return resp, err
}

// ListTasks returns the circle's tasks, open before completed.
func (c *Client) ListTasks(ctx context.Context, circleID int64) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("circles/%d/tasks", circleID), nil, &resp)
	return resp, err
}

// ListTasksByAssignee returns all mirrored tasks assigned to an address.
func (c *Client) ListTasksByAssignee(ctx context.Context, addr string) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, "tasks?assignee="+url.QueryEscape(addr), nil, &resp)
	return resp, err
}

// Stats fetches per-circle aggregates.
func (c *Client) Stats(ctx context.Context, circleID int64) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("circles/%d/stats", circleID), nil, &resp)
	return resp, err
}

// Health checks the mirror API.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + c.basePath() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func (c *Client) basePath() string {
	if c.BasePath == "" {
		return "v0"
	}
	return strings.Trim(c.BasePath, "/")
}
