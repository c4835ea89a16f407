package crewlinesdk

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
)

// Client is a minimal Crewline pull protocol client for worker agents.
type Client struct {
	BaseURL    string
	AgentID    string
	Passkey    string
	ProjectID  string
	Purpose    string
	HTTPClient *http.Client
	Timeout    time.Duration

	token string
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:8080/v1.
func New(baseURL, agentID, passkey, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		AgentID:   agentID,
		Passkey:   passkey,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

type Action string

const (
	ActionPoll Action = "poll"
	ActionWork Action = "work"
	ActionWait Action = "wait"
	ActionStop Action = "stop"
)

type Result string

const (
	ResultSuccess Result = "success"
	ResultFailed  Result = "failed"
	ResultBlocked Result = "blocked"
)

type Instruction struct {
	Action  Action `json:"action"`
	Message string `json:"message"`
}

// Task represents the API task model (partial).
type Task struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	ParentTaskID *string  `json:"parent_task_id,omitempty"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Status       string   `json:"status"`
	Priority     int      `json:"priority"`
	Dependencies []string `json:"dependencies,omitempty"`
}

type WorkingContext struct {
	Content   string `json:"content"`
	UpdatedAt string `json:"updated_at"`
}

type Handoff struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	FromAgentID string `json:"from_agent_id"`
	Summary     string `json:"summary"`
	NextSteps   string `json:"next_steps"`
	CreatedAt   string `json:"created_at"`
}

type Session struct {
	Token       string      `json:"session_token"`
	ExpiresAt   string      `json:"expires_at"`
	Instruction Instruction `json:"instruction"`
}

type Assignment struct {
	Task        *Task           `json:"task"`
	Context     *WorkingContext `json:"context,omitempty"`
	Handoff     *Handoff        `json:"handoff,omitempty"`
	Instruction Instruction     `json:"instruction"`
}

type Report struct {
	Result    Result `json:"result"`
	Summary   string `json:"summary,omitempty"`
	NextSteps string `json:"next_steps,omitempty"`
}

type ReportAck struct {
	Ack             bool        `json:"ack"`
	TaskID          string      `json:"task_id"`
	Status          string      `json:"status"`
	CascadedTaskIDs []string    `json:"cascaded_task_ids,omitempty"`
	Instruction     Instruction `json:"instruction"`
}

// APIError wraps non-2xx responses. Code carries the server's error code
// when the body is a Crewline error envelope.
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

// ErrNoSession is returned by calls that need Authenticate first.
var ErrNoSession = errors.New("crewline: not authenticated")

// Authenticate opens a session and keeps its token for later calls.
func (c *Client) Authenticate(ctx context.Context) (Session, error) {
	body := map[string]any{
		"agent_id":   c.AgentID,
		"passkey":    c.Passkey,
		"project_id": c.ProjectID,
	}
	if c.Purpose != "" {
		body["purpose"] = c.Purpose
	}
	var resp Session
	if err := c.do(ctx, http.MethodPost, "pull/authenticate", body, &resp); err != nil {
		return Session{}, err
	}
	c.token = resp.Token
	return resp, nil
}

// GetMyTask returns the task to work on, or an instruction to wait or stop.
func (c *Client) GetMyTask(ctx context.Context) (Assignment, error) {
	var resp Assignment
	err := c.do(ctx, http.MethodPost, "pull/task", nil, &resp)
	return resp, err
}

// ReportCompleted reports the current task's outcome. The session ends.
func (c *Client) ReportCompleted(ctx context.Context, r Report) (ReportAck, error) {
	var resp ReportAck
	err := c.do(ctx, http.MethodPost, "pull/report", r, &resp)
	if err == nil {
		c.token = ""
	}
	return resp, err
}

// SaveContext stores working notes for the agent in the session's project.
func (c *Client) SaveContext(ctx context.Context, content string) error {
	return c.do(ctx, http.MethodPut, "pull/context", map[string]string{"content": content}, nil)
}

// EndSession ends the session without reporting.
func (c *Client) EndSession(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "pull/end", nil, nil)
	if err == nil {
		c.token = ""
	}
	return err
}

// WorkFunc performs one task and says how it went.
type WorkFunc func(ctx context.Context, a Assignment) Report

// RunOnce authenticates, takes one task and reports it. It returns the
// final instruction: stop when there was nothing to do, wait when the
// agent should come back later.
func (c *Client) RunOnce(ctx context.Context, work WorkFunc) (Instruction, error) {
	if _, err := c.Authenticate(ctx); err != nil {
		return Instruction{}, err
	}
	a, err := c.GetMyTask(ctx)
	if err != nil {
		return Instruction{}, err
	}
	if a.Instruction.Action != ActionWork || a.Task == nil {
		if endErr := c.EndSession(ctx); endErr != nil {
			return a.Instruction, endErr
		}
		return a.Instruction, nil
	}
	ack, err := c.ReportCompleted(ctx, work(ctx, a))
	if err != nil {
		return Instruction{}, err
	}
	return ack.Instruction, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if endpoint != "pull/authenticate" && c.token == "" {
		return ErrNoSession
	}
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
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
