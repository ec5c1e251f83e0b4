package synclinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Syncline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client for the API served at baseURL under /api/v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/api/v1",
		Timeout:  10 * time.Second,
	}
}

// Workflow represents the API workflow summary.
type Workflow struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	OwnerID          string `json:"ownerId"`
	Status           string `json:"status"`
	LastTransitionAt string `json:"lastTransitionAt"`
}

// WorkflowDetail adds the project and story linkage.
type WorkflowDetail struct {
	Workflow
	ProjectID string  `json:"projectId"`
	StoryID   *string `json:"storyId"`
}

type WorkflowPage struct {
	Items    []Workflow `json:"items"`
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"pageSize"`
}

type WorkflowFilter struct {
	Statuses  []string
	OwnerID   string
	ProjectID string
	Page      int
	PageSize  int
}

type Transition struct {
	ID            string  `json:"id"`
	WorkflowID    string  `json:"workflowId"`
	FromStatus    *string `json:"fromStatus"`
	ToStatus      string  `json:"toStatus"`
	OccurredAtUTC string  `json:"occurredAtUtc"`
	ActorID       string  `json:"actorId"`
	Reason        *string `json:"reason"`
}

type TransitionResult struct {
	Workflow   Workflow   `json:"workflow"`
	Transition Transition `json:"transition"`
}

type Story struct {
	ID           string `json:"id"`
	ProjectID    string `json:"projectId"`
	Title        string `json:"title"`
	OwnerID      string `json:"ownerId"`
	Status       string `json:"status"`
	KanbanColumn string `json:"kanbanColumn"`
	UpdatedAt    string `json:"updatedAt"`
}

// StoryChange is the result of a story status update.
type StoryChange struct {
	Story           Story              `json:"story"`
	WorkflowUpdates []TransitionResult `json:"workflowUpdates"`
}

type ModuleStatus struct {
	Module                  string  `json:"module"`
	Status                  string  `json:"status"`
	LastSuccessfulSyncAtUTC *string `json:"lastSuccessfulSyncAtUtc"`
	LastAttemptAtUTC        *string `json:"lastAttemptAtUtc"`
	ErrorMessage            *string `json:"errorMessage"`
	StaleReason             *string `json:"staleReason"`
}

type Warning struct {
	Module                  string  `json:"module"`
	Message                 string  `json:"message"`
	LastSuccessfulSyncAtUTC *string `json:"lastSuccessfulSyncAtUtc"`
}

type SyncStatus struct {
	Modules      []ModuleStatus `json:"modules"`
	Warnings     []Warning      `json:"warnings"`
	CheckedAtUTC string         `json:"checkedAtUtc"`
}

type RealtimeStatus struct {
	Version           int64   `json:"version"`
	LogSize           int     `json:"logSize"`
	LogCapacity       int     `json:"logCapacity"`
	Sessions          int     `json:"sessions"`
	StaleSessionRatio float64 `json:"staleSessionRatio"`
	HeartbeatTimeout  string  `json:"heartbeatTimeout"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"projectId"`
	EntityKind string          `json:"entityKind"`
	EntityID   string          `json:"entityId"`
	ActorID    string          `json:"actorId"`
	Payload    json.RawMessage `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"nextCursor"`
}

type EventQuery struct {
	Type       string
	EntityKind string
	EntityID   string
	ProjectID  string
	Limit      int
	Cursor     string
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode  int
	Code        string
	Message     string
	Recoverable bool
	RequestID   string
	Body        string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// ListWorkflows returns one page of workflows.
func (c *Client) ListWorkflows(ctx context.Context, f WorkflowFilter) (WorkflowPage, error) {
	q := url.Values{}
	if len(f.Statuses) > 0 {
		q.Set("status", strings.Join(f.Statuses, ","))
	}
	setIf(q, "ownerId", f.OwnerID)
	setIf(q, "projectId", f.ProjectID)
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if f.PageSize > 0 {
		q.Set("pageSize", strconv.Itoa(f.PageSize))
	}
	var resp WorkflowPage
	err := c.do(ctx, http.MethodGet, withQuery("workflows", q), nil, &resp)
	return resp, err
}

func (c *Client) GetWorkflow(ctx context.Context, id string) (WorkflowDetail, error) {
	var resp WorkflowDetail
	err := c.do(ctx, http.MethodGet, "workflows/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListTransitions returns the latest transitions of a workflow, oldest first.
func (c *Client) ListTransitions(ctx context.Context, id string, limit int) ([]Transition, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Transition `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("workflows/"+url.PathEscape(id)+"/transitions", q), nil, &resp)
	return resp.Items, err
}

// TransitionWorkflow moves a workflow; the server publishes the change to
// every live session.
func (c *Client) TransitionWorkflow(ctx context.Context, id, toStatus, reason string) (TransitionResult, error) {
	body := map[string]any{"toStatus": toStatus}
	if reason != "" {
		body["reason"] = reason
	}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, "workflows/"+url.PathEscape(id)+"/transitions", body, &resp)
	return resp, err
}

// UpdateStoryStatus moves a story. The server rejects it with FORBIDDEN
// unless the kanban board is editable.
func (c *Client) UpdateStoryStatus(ctx context.Context, id, status, reason string) (StoryChange, error) {
	body := map[string]any{"status": status}
	if reason != "" {
		body["reason"] = reason
	}
	var resp StoryChange
	err := c.do(ctx, http.MethodPatch, "stories/"+url.PathEscape(id)+"/status", body, &resp)
	return resp, err
}

func (c *Client) SyncStatus(ctx context.Context) (SyncStatus, error) {
	var resp SyncStatus
	err := c.do(ctx, http.MethodGet, "sync/status", nil, &resp)
	return resp, err
}

func (c *Client) RealtimeStatus(ctx context.Context) (RealtimeStatus, error) {
	var resp RealtimeStatus
	err := c.do(ctx, http.MethodGet, "realtime/status", nil, &resp)
	return resp, err
}

// EventsPage returns a paginated audit event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, eq EventQuery) (PaginatedEvents, error) {
	q := url.Values{}
	setIf(q, "type", eq.Type)
	setIf(q, "entityKind", eq.EntityKind)
	setIf(q, "entityId", eq.EntityID)
	setIf(q, "projectId", eq.ProjectID)
	setIf(q, "cursor", eq.Cursor)
	if eq.Limit > 0 {
		q.Set("limit", strconv.Itoa(eq.Limit))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

// WebSocketURL is the realtime endpoint next to the API.
func (c *Client) WebSocketURL() string {
	base := c.base()
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + c.basePath() + "/" + strings.TrimLeft(endpoint, "/")
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out == nil {
		return nil
	}
	env := struct {
		Data any `json:"data"`
	}{Data: out}
	return json.NewDecoder(resp.Body).Decode(&env)
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code        string `json:"code"`
			Message     string `json:"message"`
			Recoverable bool   `json:"recoverable"`
			RequestID   string `json:"requestId"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Recoverable = env.Error.Recoverable
		apiErr.RequestID = env.Error.RequestID
	}
	return apiErr
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

func (c *Client) basePath() string {
	p := strings.TrimRight(c.BasePath, "/")
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
