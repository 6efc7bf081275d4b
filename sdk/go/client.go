package stridesdk

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

// Client is a minimal Stride HTTP API client bound to one session.
type Client struct {
	BaseURL     string
	SessionID   string
	BearerToken string
	// APIKey is sent as X-Api-Key and wins over BearerToken.
	APIKey string
	// ActorID is sent as X-Actor-Id when no credential is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. Turns wait on the model, so the
// timeout is generous.
func New(baseURL, sessionID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		SessionID: sessionID,
		Timeout:   2 * time.Minute,
	}
}

// Session represents the conversation state.
type Session struct {
	ID                   string    `json:"id"`
	Phase                string    `json:"phase"`
	ActiveGoalID         string    `json:"active_goal_id,omitempty"`
	AwaitingConfirmation bool      `json:"awaiting_confirmation"`
	UpdatedAt            string    `json:"updated_at"`
	Messages             []Message `json:"messages,omitempty"`
}

type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// Goal represents a plan with its calendar (partial).
type Goal struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	TotalDays   int         `json:"total_days"`
	IsCompleted bool        `json:"is_completed"`
	IsArchived  bool        `json:"is_archived"`
	Phases      []Phase     `json:"phases,omitempty"`
	DailyTasks  []DailyTask `json:"daily_tasks,omitempty"`
}

type Phase struct {
	Name         string `json:"name"`
	DurationDays int    `json:"duration_days"`
	TaskLabel    string `json:"task_label"`
	ColorTag     string `json:"color_tag"`
}

type DailyTask struct {
	ID          string `json:"id"`
	PhaseIndex  int    `json:"phase_index"`
	DayIndex    int    `json:"day_index"`
	Date        string `json:"date"`
	Label       string `json:"label"`
	IsCompleted bool   `json:"is_completed"`
}

// TurnResult is what one message changed.
type TurnResult struct {
	Session      Session    `json:"session"`
	Reply        string     `json:"reply"`
	CreatedGoal  *Goal      `json:"created_goal,omitempty"`
	UpdatedTask  *DailyTask `json:"updated_task,omitempty"`
	EndedGoal    *Goal      `json:"ended_goal,omitempty"`
	PlanError    string     `json:"plan_error,omitempty"`
	CommandError string     `json:"command_error,omitempty"`
	Command      *struct {
		Action       string `json:"action"`
		NewTaskLabel string `json:"new_task_label,omitempty"`
	} `json:"command,omitempty"`
}

type Checkin struct {
	Goal          Goal       `json:"goal"`
	Today         *DailyTask `json:"today,omitempty"`
	DaysDone      int        `json:"days_done"`
	Encouragement string     `json:"encouragement"`
	Source        string     `json:"source"`
}

type TaskCompletion struct {
	Task          DailyTask `json:"task"`
	Goal          Goal      `json:"goal"`
	GoalCompleted bool      `json:"goal_completed"`
	Session       Session   `json:"session"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Say sends one message and returns the applied outcome.
func (c *Client) Say(ctx context.Context, message string) (TurnResult, error) {
	var resp TurnResult
	err := c.do(ctx, http.MethodPost, c.sessionPath("turns"), map[string]any{"message": message}, &resp)
	return resp, err
}

// Session returns the session with up to limit recent messages.
func (c *Client) Session(ctx context.Context, limit int) (Session, error) {
	var resp Session
	endpoint := c.sessionPath("")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Restart begins a new cycle after a finished goal.
func (c *Client) Restart(ctx context.Context) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, c.sessionPath("restart"), nil, &resp)
	return resp, err
}

func (c *Client) Checkin(ctx context.Context) (Checkin, error) {
	var resp Checkin
	err := c.do(ctx, http.MethodGet, c.sessionPath("checkin"), nil, &resp)
	return resp, err
}

// CompleteTask checks off one daily task.
func (c *Client) CompleteTask(ctx context.Context, taskID string) (TaskCompletion, error) {
	var resp TaskCompletion
	err := c.do(ctx, http.MethodPost, c.sessionPath("tasks/"+url.PathEscape(taskID)+"/complete"), nil, &resp)
	return resp, err
}

func (c *Client) ActiveGoal(ctx context.Context) (Goal, error) {
	var resp Goal
	err := c.do(ctx, http.MethodGet, "v1/goals/active", nil, &resp)
	return resp, err
}

func (c *Client) Goal(ctx context.Context, id string) (Goal, error) {
	var resp Goal
	err := c.do(ctx, http.MethodGet, "v1/goals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Goals lists goals, newest first.
func (c *Client) Goals(ctx context.Context, includeArchived bool) ([]Goal, error) {
	var resp struct {
		Items []Goal `json:"items"`
	}
	endpoint := "v1/goals"
	if includeArchived {
		endpoint += "?include_archived=true"
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// EventsPage returns a page of this session's events, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	q.Set("session_id", c.SessionID)
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, "v1/events?"+q.Encode(), nil, &resp)
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
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) sessionPath(p string) string {
	endpoint := "v1/sessions/" + url.PathEscape(c.SessionID)
	if p = strings.Trim(p, "/"); p != "" {
		endpoint += "/" + p
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
