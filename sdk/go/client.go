package flowlinesdk

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

// Client is a minimal Flowline HTTP API client.
type Client struct {
	BaseURL     string
	WorkspaceID string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, workspaceID string) *Client {
	return &Client{
		BaseURL:     baseURL,
		WorkspaceID: workspaceID,
		Timeout:     10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID          string   `json:"id"`
	WorkspaceID string   `json:"workspace_id"`
	Title       string   `json:"title"`
	Status      string   `json:"status"`
	Assignees   []string `json:"assignees"`
	LabelIDs    []string `json:"label_ids"`
}

// Rule represents an automation rule.
type Rule struct {
	ID            string         `json:"id"`
	WorkspaceID   string         `json:"workspace_id"`
	Name          string         `json:"name"`
	TriggerType   string         `json:"trigger_type"`
	TriggerConfig map[string]any `json:"trigger_config,omitempty"`
	ActionType    string         `json:"action_type"`
	ActionConfig  map[string]any `json:"action_config,omitempty"`
	Enabled       bool           `json:"enabled"`
}

// Activity represents a log entry.
type Activity struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	TaskID    string `json:"task_id"`
	ActorID   string `json:"actor_id"`
	ActorKind string `json:"actor_kind"`
	Action    string `json:"action"`
	Field     string `json:"field"`
	OldValue  string `json:"old_value"`
	NewValue  string `json:"new_value"`
	RuleID    string `json:"rule_id"`
}

// Notification represents an in-app notification.
type Notification struct {
	ID        string  `json:"id"`
	TaskID    string  `json:"task_id"`
	RuleID    string  `json:"rule_id"`
	Message   string  `json:"message"`
	CreatedAt string  `json:"created_at"`
	ReadAt    *string `json:"read_at,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, title, status string) (Task, error) {
	body := map[string]any{"title": title}
	if status != "" {
		body["status"] = status
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.workspacePath("tasks"), body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	endpoint := c.workspacePath(fmt.Sprintf("tasks/%s", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListTasks returns tasks, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, status string) ([]Task, error) {
	endpoint := c.workspacePath("tasks")
	if status != "" {
		endpoint = fmt.Sprintf("%s?status=%s", endpoint, url.QueryEscape(status))
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateTaskStatus moves a task to a new status, which may fire automation rules.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, status string) (Task, error) {
	var resp Task
	endpoint := c.workspacePath(fmt.Sprintf("tasks/%s", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// AssignTask adds an assignee to a task.
func (c *Client) AssignTask(ctx context.Context, taskID, userID string) (Task, error) {
	var resp Task
	endpoint := c.workspacePath(fmt.Sprintf("tasks/%s/assignees/%s", url.PathEscape(taskID), url.PathEscape(userID)))
	err := c.do(ctx, http.MethodPut, endpoint, nil, &resp)
	return resp, err
}

// CreateRule creates an automation rule.
func (c *Client) CreateRule(ctx context.Context, name, triggerType string, triggerConfig map[string]any, actionType string, actionConfig map[string]any) (Rule, error) {
	body := map[string]any{
		"name":           name,
		"trigger_type":   triggerType,
		"trigger_config": triggerConfig,
		"action_type":    actionType,
		"action_config":  actionConfig,
	}
	var resp Rule
	err := c.do(ctx, http.MethodPost, c.workspacePath("rules"), body, &resp)
	return resp, err
}

// ListRules returns automation rules.
func (c *Client) ListRules(ctx context.Context) ([]Rule, error) {
	var resp []Rule
	err := c.do(ctx, http.MethodGet, c.workspacePath("rules"), nil, &resp)
	return resp, err
}

// SetRuleEnabled enables or disables a rule.
func (c *Client) SetRuleEnabled(ctx context.Context, ruleID string, enabled bool) (Rule, error) {
	verb := "disable"
	if enabled {
		verb = "enable"
	}
	var resp Rule
	endpoint := c.workspacePath(fmt.Sprintf("rules/%s/%s", url.PathEscape(ruleID), verb))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// DeleteRule removes a rule.
func (c *Client) DeleteRule(ctx context.Context, ruleID string) error {
	endpoint := c.workspacePath(fmt.Sprintf("rules/%s", url.PathEscape(ruleID)))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// Activities returns recent activity log entries. actorKind filters to
// "user" or "automation" when non-empty.
func (c *Client) Activities(ctx context.Context, limit int, actorKind string) ([]Activity, error) {
	endpoint := c.workspacePath("activities")
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if actorKind != "" {
		params.Set("actor_kind", actorKind)
	}
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	var resp []Activity
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Notifications returns the caller's notifications.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	endpoint := c.workspacePath("notifications")
	if unreadOnly {
		endpoint += "?unread=true"
	}
	var resp []Notification
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// MarkNotificationRead marks a notification as read.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) (Notification, error) {
	var resp Notification
	endpoint := c.workspacePath(fmt.Sprintf("notifications/%s/read", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
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

func (c *Client) workspacePath(p string) string {
	workspace := url.PathEscape(c.WorkspaceID)
	return fmt.Sprintf("v0/workspaces/%s/%s", workspace, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
