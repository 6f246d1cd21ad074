package crowdlinesdk

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

// Client is a minimal Crowdline HTTP API client.
type Client struct {
	BaseURL     string
	WorkflowID  string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, workflowID string) *Client {
	return &Client{
		BaseURL:    baseURL,
		WorkflowID: workflowID,
		Timeout:    10 * time.Second,
	}
}

// WorkItem represents the API work item model (partial).
type WorkItem struct {
	ID             string   `json:"id"`
	WorkflowID     string   `json:"workflow_id"`
	Title          string   `json:"title"`
	RequiredSkills []string `json:"required_skills"`
	Priority       int      `json:"priority"`
	Deadline       *string  `json:"deadline,omitempty"`
	State          string   `json:"state"`
}

// Contributor represents a registered contributor.
type Contributor struct {
	ID          string   `json:"id"`
	WorkflowID  string   `json:"workflow_id"`
	Name        string   `json:"name"`
	Skills      []string `json:"skills"`
	Status      string   `json:"status"`
	Accuracy    float64  `json:"accuracy"`
	QualityHold bool     `json:"quality_hold"`
}

// Assignment links a work item to a contributor.
type Assignment struct {
	ID            int64  `json:"id"`
	WorkItemID    string `json:"work_item_id"`
	ContributorID string `json:"contributor_id"`
	Mode          string `json:"mode"`
	Active        bool   `json:"active"`
	AssignedAt    string `json:"assigned_at"`
}

// Lease is a time-bounded exclusive claim on a work item.
type Lease struct {
	WorkItemID string `json:"work_item_id"`
	HolderID   string `json:"holder_id"`
	AcquiredAt string `json:"acquired_at"`
	ExpiresAt  string `json:"expires_at"`
}

// Version is one immutable submitted annotation.
type Version struct {
	WorkItemID    string         `json:"work_item_id"`
	Version       int            `json:"version"`
	ContributorID string         `json:"contributor_id"`
	Payload       map[string]any `json:"payload,omitempty"`
	CreatedAt     string         `json:"created_at"`
}

// ReviewTask tracks one submission's passage through the review levels.
type ReviewTask struct {
	ID         string `json:"id"`
	WorkItemID string `json:"work_item_id"`
	Version    int    `json:"version"`
	Kind       string `json:"kind"`
	Level      int    `json:"level"`
	MaxLevel   int    `json:"max_level"`
	Status     string `json:"status"`
}

// SubmitResult is what a submission returns: the new version and, when the
// workflow reviews submissions, the opened level-1 task.
type SubmitResult struct {
	Version    Version     `json:"version"`
	ReviewTask *ReviewTask `json:"review_task,omitempty"`
}

// Conflict pairs two divergent versions of the same item.
type Conflict struct {
	ID         string  `json:"id"`
	WorkItemID string  `json:"work_item_id"`
	VersionA   int     `json:"version_a"`
	VersionB   int     `json:"version_b"`
	Status     string  `json:"status"`
	Method     *string `json:"method,omitempty"`
	Outcome    *int    `json:"outcome,omitempty"`
}

// Accuracy is a contributor's derived quality score.
type Accuracy struct {
	ContributorID string  `json:"contributor_id"`
	Approved      int     `json:"approved"`
	Rejected      int     `json:"rejected"`
	Accuracy      float64 `json:"accuracy"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	WorkflowID string         `json:"workflow_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateItem creates a work item.
func (c *Client) CreateItem(ctx context.Context, title string, requiredSkills []string, priority int) (WorkItem, error) {
	body := map[string]any{
		"title":           title,
		"required_skills": requiredSkills,
		"priority":        priority,
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, c.workflowPath("items"), body, &resp)
	return resp, err
}

// GetItem fetches a work item by id.
func (c *Client) GetItem(ctx context.Context, itemID string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, c.workflowPath("items/"+url.PathEscape(itemID)), nil, &resp)
	return resp, err
}

// RegisterContributor registers a contributor with the given skills.
func (c *Client) RegisterContributor(ctx context.Context, name string, skills []string) (Contributor, error) {
	body := map[string]any{
		"name":   name,
		"skills": skills,
	}
	var resp Contributor
	err := c.do(ctx, http.MethodPost, c.workflowPath("contributors"), body, &resp)
	return resp, err
}

// Assign triggers auto-assignment, or manual assignment when contributorID is set.
func (c *Client) Assign(ctx context.Context, itemID, contributorID string) (Assignment, error) {
	body := map[string]any{}
	if contributorID != "" {
		body["mode"] = "manual"
		body["contributor_id"] = contributorID
	}
	var resp Assignment
	endpoint := c.workflowPath(fmt.Sprintf("items/%s/assign", url.PathEscape(itemID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AcquireLease claims exclusive editing rights on an item.
func (c *Client) AcquireLease(ctx context.Context, itemID string, ttlSeconds int) (Lease, error) {
	body := map[string]any{}
	if ttlSeconds > 0 {
		body["ttl_seconds"] = ttlSeconds
	}
	var resp Lease
	endpoint := c.workflowPath(fmt.Sprintf("items/%s/lease", url.PathEscape(itemID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ReleaseLease gives the claim back; releasing an absent lease is a no-op.
func (c *Client) ReleaseLease(ctx context.Context, itemID string) error {
	endpoint := c.workflowPath(fmt.Sprintf("items/%s/release", url.PathEscape(itemID)))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{}, nil)
}

// SubmitVersion appends the next annotation version for a leased item.
func (c *Client) SubmitVersion(ctx context.Context, itemID string, payload map[string]any) (SubmitResult, error) {
	body := map[string]any{"payload": payload}
	var resp SubmitResult
	endpoint := c.workflowPath(fmt.Sprintf("items/%s/submit", url.PathEscape(itemID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Versions lists every retained version of an item.
func (c *Client) Versions(ctx context.Context, itemID string) ([]Version, error) {
	var resp struct {
		Items []Version `json:"items"`
	}
	endpoint := c.workflowPath(fmt.Sprintf("items/%s/versions", url.PathEscape(itemID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Approve approves a review task at its current level.
func (c *Client) Approve(ctx context.Context, taskID string) (ReviewTask, error) {
	var resp ReviewTask
	endpoint := c.workflowPath(fmt.Sprintf("reviews/%s/approve", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// Reject rejects a review task with a human-readable reason.
func (c *Client) Reject(ctx context.Context, taskID, reason string) (ReviewTask, error) {
	var resp ReviewTask
	endpoint := c.workflowPath(fmt.Sprintf("reviews/%s/reject", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// DetectConflicts runs pairwise divergence detection over an item's versions.
func (c *Client) DetectConflicts(ctx context.Context, itemID string) ([]Conflict, error) {
	var resp struct {
		Items []Conflict `json:"items"`
	}
	endpoint := c.workflowPath(fmt.Sprintf("items/%s/conflicts/detect", url.PathEscape(itemID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp.Items, err
}

// Vote casts (or replaces) the caller's vote on a conflict.
func (c *Client) Vote(ctx context.Context, conflictID string, choice int) error {
	endpoint := c.workflowPath(fmt.Sprintf("conflicts/%s/vote", url.PathEscape(conflictID)))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{"choice": choice}, nil)
}

// GetAccuracy returns a contributor's derived accuracy.
func (c *Client) GetAccuracy(ctx context.Context, contributorID string) (Accuracy, error) {
	var resp Accuracy
	endpoint := c.workflowPath(fmt.Sprintf("contributors/%s/accuracy", url.PathEscape(contributorID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.workflowPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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

func (c *Client) workflowPath(p string) string {
	workflow := url.PathEscape(c.WorkflowID)
	return fmt.Sprintf("v0/workflows/%s/%s", workflow, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
