// Package pull implements the worker-facing protocol: agents authenticate,
// ask for their task, and report back. Workers always poll; nothing is
// pushed to them.
package pull

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/repo"
	"crewline/internal/session"
)

// Action tells a worker what to do after a call.
type Action string

const (
	// ActionPoll asks the worker to call get_my_task.
	ActionPoll Action = "poll"
	// ActionWork hands the worker a task to work on.
	ActionWork Action = "work"
	// ActionWait means work exists but cannot start yet; poll again later.
	ActionWait Action = "wait"
	// ActionStop means there is nothing to do; the worker may exit.
	ActionStop Action = "stop"
)

type Instruction struct {
	Action  Action `json:"action" enum:"poll,work,wait,stop"`
	Message string `json:"message"`
}

type Result string

const (
	ResultSuccess Result = "success"
	ResultFailed  Result = "failed"
	ResultBlocked Result = "blocked"
)

type Coordinator struct {
	Engine   engine.Engine
	Sessions *session.Authority
	Logger   *slog.Logger
}

func New(eng engine.Engine, sessions *session.Authority, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = eng.Logger
	}
	return &Coordinator{Engine: eng, Sessions: sessions, Logger: logger}
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

type AuthenticateRequest struct {
	AgentID   string `json:"agent_id"`
	Passkey   string `json:"passkey"`
	ProjectID string `json:"project_id"`
	Purpose   string `json:"purpose,omitempty"`
}

type AuthenticateResponse struct {
	SessionToken string      `json:"session_token"`
	ExpiresAt    string      `json:"expires_at" format:"date-time"`
	Instruction  Instruction `json:"instruction"`
}

func (c *Coordinator) Authenticate(ctx context.Context, req AuthenticateRequest) (AuthenticateResponse, error) {
	g, err := c.Sessions.Authenticate(ctx, session.Credentials{
		AgentID:   req.AgentID,
		Passkey:   req.Passkey,
		ProjectID: req.ProjectID,
		Purpose:   req.Purpose,
	})
	if err != nil {
		return AuthenticateResponse{}, err
	}
	c.logger().InfoContext(ctx, "agent authenticated", "agent_id", req.AgentID, "project_id", req.ProjectID, "session_id", g.Session.ID)
	return AuthenticateResponse{
		SessionToken: g.Token,
		ExpiresAt:    g.Session.ExpiresAt,
		Instruction:  Instruction{Action: ActionPoll, Message: "call get_my_task to receive your task"},
	}, nil
}

type TokenRequest struct {
	SessionToken string `json:"session_token"`
}

type TaskResponse struct {
	Task        *domain.Task           `json:"task"`
	Context     *domain.WorkingContext `json:"context,omitempty"`
	Handoff     *domain.Handoff        `json:"handoff,omitempty"`
	Instruction Instruction            `json:"instruction"`
}

// GetMyTask returns the task the session is working on. When there is
// none, the best ready task assigned to the agent is started under
// admission control. Admission refusals come back as a wait instruction.
func (c *Coordinator) GetMyTask(ctx context.Context, req TokenRequest) (TaskResponse, error) {
	sess, err := c.Sessions.Validate(ctx, req.SessionToken)
	if err != nil {
		return TaskResponse{}, err
	}
	var resp TaskResponse
	wc, err := c.Engine.WorkingContext(ctx, sess.AgentID, sess.ProjectID)
	if err != nil {
		return TaskResponse{}, err
	}
	resp.Context = wc

	task, err := c.currentTask(ctx, sess)
	if err != nil {
		return TaskResponse{}, err
	}
	if task == nil {
		res, err := c.Engine.ClaimNextTask(ctx, sess.ProjectID, sess.AgentID)
		switch {
		case err == nil:
			task = &res.Task
			c.logger().InfoContext(ctx, "task started", "agent_id", sess.AgentID, "task_id", task.ID)
		case engine.CodeOf(err) == engine.CodeNotFound:
			if touchErr := c.Sessions.Touch(ctx, sess.ID, nil); touchErr != nil {
				return TaskResponse{}, touchErr
			}
			resp.Instruction = Instruction{Action: ActionStop, Message: "no ready task is assigned to you in this project"}
			return resp, nil
		case waitable(err):
			if touchErr := c.Sessions.Touch(ctx, sess.ID, nil); touchErr != nil {
				return TaskResponse{}, touchErr
			}
			resp.Instruction = Instruction{Action: ActionWait, Message: err.Error()}
			return resp, nil
		default:
			return TaskResponse{}, err
		}
	}
	if err := c.Sessions.Touch(ctx, sess.ID, &task.ID); err != nil {
		return TaskResponse{}, err
	}
	resp.Task = task
	resp.Handoff, err = c.Engine.TakeHandoff(ctx, task.ID)
	if err != nil {
		return TaskResponse{}, err
	}
	resp.Instruction = Instruction{Action: ActionWork, Message: "work on the task, then call report_completed"}
	return resp, nil
}

// currentTask returns the session's in_progress task, falling back to any
// in_progress task assigned to the agent in the project.
func (c *Coordinator) currentTask(ctx context.Context, sess domain.AgentSession) (*domain.Task, error) {
	if sess.CurrentTaskID != nil {
		t, err := c.Engine.GetTask(ctx, *sess.CurrentTaskID)
		if err == nil && t.Status == domain.StatusInProgress && deref(t.AssigneeID) == sess.AgentID {
			return &t, nil
		}
		if err != nil && engine.CodeOf(err) != engine.CodeNotFound {
			return nil, err
		}
	}
	t, err := c.Engine.Repo.InProgressTaskTx(ctx, nil, sess.ProjectID, sess.AgentID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &engine.InfrastructureError{Op: "current task", Err: err}
	}
	return &t, nil
}

// waitable reports admission refusals that may clear on their own.
func waitable(err error) bool {
	switch engine.CodeOf(err) {
	case engine.CodeMaxParallelTasksReached, engine.CodeDependencyNotComplete, engine.CodeAlreadyLocked, engine.CodePermissionDenied:
		return true
	case engine.CodeValidationFailed:
		var verr *engine.ValidationError
		return errors.As(err, &verr) && verr.Field == "assignee_id"
	}
	return false
}

type ReportRequest struct {
	SessionToken string `json:"session_token"`
	Result       Result `json:"result" enum:"success,failed,blocked"`
	Summary      string `json:"summary,omitempty"`
	NextSteps    string `json:"next_steps,omitempty"`
}

type ReportResponse struct {
	Ack             bool               `json:"ack"`
	TaskID          string             `json:"task_id"`
	Status          domain.TaskStatus  `json:"status"`
	CascadedTaskIDs []string           `json:"cascaded_task_ids,omitempty"`
	FiredRules      []engine.FiredRule `json:"fired_rules,omitempty"`
	Instruction     Instruction        `json:"instruction"`
}

// ReportCompleted finishes the session's current task, together with any
// handoff, and ends the session.
func (c *Coordinator) ReportCompleted(ctx context.Context, req ReportRequest) (ReportResponse, error) {
	var target domain.TaskStatus
	switch req.Result {
	case ResultSuccess:
		target = domain.StatusDone
	case ResultFailed, ResultBlocked:
		target = domain.StatusBlocked
	default:
		return ReportResponse{}, &engine.ValidationError{Field: "result", Reason: "must be success, failed or blocked"}
	}
	sess, err := c.Sessions.Validate(ctx, req.SessionToken)
	if err != nil {
		return ReportResponse{}, err
	}
	task, err := c.currentTask(ctx, sess)
	if err != nil {
		return ReportResponse{}, err
	}
	if task == nil {
		return ReportResponse{}, &engine.ValidationError{Field: "session_token", Reason: "no task in progress for this session"}
	}
	reason := strings.TrimSpace(req.Summary)
	if reason == "" && target == domain.StatusBlocked {
		reason = string(req.Result)
	}
	treq := engine.TransitionRequest{
		TaskID:        task.ID,
		NewStatus:     target,
		ActingAgentID: sess.AgentID,
		Reason:        reason,
	}
	if strings.TrimSpace(req.NextSteps) != "" {
		treq.Handoff = &engine.HandoffNote{Summary: req.Summary, NextSteps: req.NextSteps}
	}
	res, err := c.Engine.Transition(ctx, treq)
	if err != nil {
		return ReportResponse{}, err
	}
	if err := c.Sessions.End(ctx, sess.ID, "report_completed"); err != nil {
		// The report is committed; the session ends on its own at expiry.
		c.logger().WarnContext(ctx, "end session after report", "agent_id", sess.AgentID, "session_id", sess.ID, "err", err)
	}
	out := ReportResponse{
		Ack:         true,
		TaskID:      res.Task.ID,
		Status:      res.Task.Status,
		FiredRules:  res.FiredRules,
		Instruction: Instruction{Action: ActionStop, Message: "session ended; authenticate again to pick up more work"},
	}
	for _, t := range res.Cascaded {
		out.CascadedTaskIDs = append(out.CascadedTaskIDs, t.ID)
	}
	c.logger().InfoContext(ctx, "task reported", "agent_id", sess.AgentID, "task_id", task.ID, "result", req.Result)
	return out, nil
}

type ShouldStartRequest struct {
	AgentID   string `json:"agent_id"`
	ProjectID string `json:"project_id"`
}

type ShouldStartResponse struct {
	ShouldStart bool `json:"should_start"`
}

// ShouldStart tells a process supervisor whether spawning a worker for
// the agent is worthwhile. It never reveals task contents.
func (c *Coordinator) ShouldStart(ctx context.Context, req ShouldStartRequest) (ShouldStartResponse, error) {
	agent, err := c.Engine.Repo.GetAgent(ctx, req.AgentID)
	if errors.Is(err, repo.ErrNotFound) {
		return ShouldStartResponse{}, nil
	}
	if err != nil {
		return ShouldStartResponse{}, &engine.InfrastructureError{Op: "should start", Err: err}
	}
	if agent.IsLocked {
		return ShouldStartResponse{}, nil
	}
	project, err := c.Engine.Repo.GetProject(ctx, req.ProjectID)
	if errors.Is(err, repo.ErrNotFound) {
		return ShouldStartResponse{}, nil
	}
	if err != nil {
		return ShouldStartResponse{}, &engine.InfrastructureError{Op: "should start", Err: err}
	}
	if project.Status != "active" {
		return ShouldStartResponse{}, nil
	}
	ok, err := c.Engine.Repo.HasWork(ctx, req.ProjectID, req.AgentID)
	if err != nil {
		return ShouldStartResponse{}, &engine.InfrastructureError{Op: "should start", Err: err}
	}
	return ShouldStartResponse{ShouldStart: ok}, nil
}

type SaveContextRequest struct {
	SessionToken string `json:"session_token"`
	Content      string `json:"content"`
}

type Ack struct {
	Ack bool `json:"ack"`
}

func (c *Coordinator) SaveContext(ctx context.Context, req SaveContextRequest) (Ack, error) {
	sess, err := c.Sessions.Validate(ctx, req.SessionToken)
	if err != nil {
		return Ack{}, err
	}
	if _, err := c.Engine.SaveContext(ctx, sess.AgentID, sess.ProjectID, req.Content); err != nil {
		return Ack{}, err
	}
	if err := c.Sessions.Touch(ctx, sess.ID, sess.CurrentTaskID); err != nil {
		return Ack{}, err
	}
	return Ack{Ack: true}, nil
}

func (c *Coordinator) EndSession(ctx context.Context, req TokenRequest) (Ack, error) {
	sess, err := c.Sessions.Validate(ctx, req.SessionToken)
	if err != nil {
		return Ack{}, err
	}
	if err := c.Sessions.End(ctx, sess.ID, "end_session"); err != nil {
		return Ack{}, err
	}
	return Ack{Ack: true}, nil
}

type ManagedAgentsResponse struct {
	AgentIDs []string `json:"agent_ids"`
}

func (c *Coordinator) ListManagedAgents(ctx context.Context, _ struct{}) (ManagedAgentsResponse, error) {
	ids, err := c.Engine.ListManagedAgentIDs(ctx)
	if err != nil {
		return ManagedAgentsResponse{}, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ManagedAgentsResponse{AgentIDs: ids}, nil
}

type ActiveProjectsResponse struct {
	Projects []domain.ProjectAgents `json:"projects"`
}

func (c *Coordinator) ListActiveProjectsWithAgents(ctx context.Context, _ struct{}) (ActiveProjectsResponse, error) {
	projects, err := c.Engine.ListActiveProjectsWithAgents(ctx)
	if err != nil {
		return ActiveProjectsResponse{}, err
	}
	if projects == nil {
		projects = []domain.ProjectAgents{}
	}
	return ActiveProjectsResponse{Projects: projects}, nil
}

type ExecutionLogRequest struct {
	AgentID     string `json:"agent_id"`
	TaskID      string `json:"task_id"`
	LogFilePath string `json:"log_file_path"`
}

// RegisterExecutionLogFile is unauthenticated and must only be reachable
// by the local process supervisor.
func (c *Coordinator) RegisterExecutionLogFile(ctx context.Context, req ExecutionLogRequest) (Ack, error) {
	if _, err := c.Engine.RegisterExecutionLog(ctx, req.AgentID, req.TaskID, req.LogFilePath); err != nil {
		return Ack{}, err
	}
	return Ack{Ack: true}, nil
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
