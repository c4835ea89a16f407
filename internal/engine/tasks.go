package engine

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/google/uuid"

	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/repo"
)

// InitProject creates an active project.
func (e Engine) InitProject(ctx context.Context, projectID, description, actorID string) (domain.Project, error) {
	if strings.TrimSpace(projectID) == "" {
		return domain.Project{}, validation("project_id", "required")
	}
	p := domain.Project{
		ID:          projectID,
		Status:      "active",
		Description: description,
		CreatedAt:   e.nowString(),
	}
	err := e.InTx(ctx, "init project", func(tx *Tx) error {
		if _, err := e.Repo.GetProjectTx(ctx, tx.Tx, projectID); err == nil {
			return validation("project_id", "project %s already exists", projectID)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := e.Repo.InsertProject(ctx, tx.Tx, p); err != nil {
			return err
		}
		return tx.Append(ctx, events.Record{
			Type:          "project.created",
			ProjectID:     p.ID,
			EntityType:    "project",
			EntityID:      p.ID,
			NewState:      p.Status,
			ActingAgentID: actorID,
		})
	})
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ArchiveProject stops a project from accepting new tasks and from being
// offered to worker supervisors.
func (e Engine) ArchiveProject(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	var p domain.Project
	err := e.InTx(ctx, "archive project", func(tx *Tx) error {
		var err error
		p, err = e.Repo.GetProjectTx(ctx, tx.Tx, projectID)
		if err != nil {
			return notFound(err, "project", projectID)
		}
		if p.Status == "archived" {
			return nil
		}
		if err := e.Repo.UpdateProject(ctx, tx.Tx, projectID, "archived", nil); err != nil {
			return err
		}
		from := p.Status
		p.Status = "archived"
		return tx.Append(ctx, events.Record{
			Type:          "project.archived",
			ProjectID:     p.ID,
			EntityType:    "project",
			EntityID:      p.ID,
			PreviousState: from,
			NewState:      p.Status,
			ActingAgentID: actorID,
		})
	})
	return p, err
}

func (e Engine) ListProjects(ctx context.Context, status string) ([]domain.Project, error) {
	projects, err := e.Repo.ListProjects(ctx, status)
	return projects, wrapInfra("list projects", err)
}

func (e Engine) ListActiveProjectsWithAgents(ctx context.Context) ([]domain.ProjectAgents, error) {
	res, err := e.Repo.ListActiveProjectsWithAgents(ctx)
	return res, wrapInfra("list active projects", err)
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID               string
	ProjectID        string
	ParentTaskID     string
	Title            string
	Description      string
	Priority         int
	AssigneeID       string
	Dependencies     []string
	RequiresApproval bool
	RequesterID      string
	ActorID          string
}

// CreateTask stores a new backlog task.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, validation("title", "required")
	}
	if opts.ProjectID == "" {
		return domain.Task{}, validation("project_id", "required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if slices.Contains(opts.Dependencies, id) {
		return domain.Task{}, validation("dependencies", "task cannot depend on itself")
	}
	now := e.nowString()
	t := domain.Task{
		ID:             id,
		ProjectID:      opts.ProjectID,
		ParentTaskID:   optionalString(opts.ParentTaskID),
		Title:          opts.Title,
		Description:    opts.Description,
		Status:         domain.StatusBacklog,
		Priority:       opts.Priority,
		AssigneeID:     optionalString(opts.AssigneeID),
		Dependencies:   dedupe(opts.Dependencies),
		ApprovalStatus: domain.ApprovalApproved,
		RequesterID:    optionalString(opts.RequesterID),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if opts.RequiresApproval {
		t.ApprovalStatus = domain.ApprovalPending
	}
	err := e.InTx(ctx, "create task", func(tx *Tx) error {
		p, err := e.Repo.GetProjectTx(ctx, tx.Tx, opts.ProjectID)
		if err != nil {
			return notFound(err, "project", opts.ProjectID)
		}
		if p.Status != "active" {
			return validation("project_id", "project %s is %s", p.ID, p.Status)
		}
		if opts.ParentTaskID != "" {
			parent, err := e.Repo.GetTaskTx(ctx, tx.Tx, opts.ParentTaskID)
			if err != nil {
				return notFound(err, "task", opts.ParentTaskID)
			}
			if parent.ProjectID != opts.ProjectID {
				return validation("parent_task_id", "parent %s is in project %s", parent.ID, parent.ProjectID)
			}
		}
		if opts.AssigneeID != "" {
			if _, err := e.Repo.GetAgentTx(ctx, tx.Tx, opts.AssigneeID); err != nil {
				return notFound(err, "agent", opts.AssigneeID)
			}
		}
		if err := e.ensureTasksExist(ctx, tx, t.Dependencies); err != nil {
			return err
		}
		if err := e.Repo.InsertTask(ctx, tx.Tx, t); err != nil {
			return err
		}
		return tx.Append(ctx, events.Record{
			Type:          "task.created",
			ProjectID:     t.ProjectID,
			EntityType:    "task",
			EntityID:      t.ID,
			NewState:      string(t.Status),
			ActingAgentID: opts.ActorID,
			Metadata: events.EventPayload{
				"title":          t.Title,
				"approvalStatus": string(t.ApprovalStatus),
			},
		})
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	return t, wrapInfra("get task", notFound(err, "task", id))
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	tasks, err := e.Repo.ListTasks(ctx, f)
	return tasks, wrapInfra("list tasks", err)
}

// AssignTask sets or clears a task's assignee. Tasks that are in progress
// or finished keep their assignee.
func (e Engine) AssignTask(ctx context.Context, taskID, assigneeID, actorID string) (domain.Task, error) {
	var t domain.Task
	err := e.InTx(ctx, "assign task", func(tx *Tx) error {
		var err error
		t, err = e.loadMutableTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		prev := deref(t.AssigneeID)
		if prev == assigneeID {
			return nil
		}
		if t.Status == domain.StatusInProgress || t.Status.Terminal() {
			return &ReassignmentNotAllowedError{TaskID: t.ID, Status: t.Status}
		}
		if assigneeID != "" {
			if _, err := e.Repo.GetAgentTx(ctx, tx.Tx, assigneeID); err != nil {
				return notFound(err, "agent", assigneeID)
			}
		}
		t.AssigneeID = optionalString(assigneeID)
		t.UpdatedAt = e.nowString()
		if err := e.Repo.UpdateTask(ctx, tx.Tx, t); err != nil {
			return err
		}
		return tx.Append(ctx, events.Record{
			Type:          "task.assigned",
			ProjectID:     t.ProjectID,
			EntityType:    "task",
			EntityID:      t.ID,
			ActingAgentID: actorID,
			Metadata:      events.EventPayload{"from": prev, "to": assigneeID},
		})
	})
	return t, err
}

// SetDependencies adds and removes dependency edges, keeping the
// dependency graph acyclic.
func (e Engine) SetDependencies(ctx context.Context, taskID string, add, remove []string, actorID string) (domain.Task, error) {
	add, remove = dedupe(add), dedupe(remove)
	if slices.Contains(add, taskID) {
		return domain.Task{}, validation("dependencies", "task cannot depend on itself")
	}
	var t domain.Task
	err := e.InTx(ctx, "set dependencies", func(tx *Tx) error {
		var err error
		t, err = e.loadMutableTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return validation("status", "task %s is %s", t.ID, t.Status)
		}
		if err := e.ensureTasksExist(ctx, tx, add); err != nil {
			return err
		}
		for _, dep := range add {
			cycle, err := e.dependsOn(ctx, tx, dep, t.ID)
			if err != nil {
				return err
			}
			if cycle {
				return validation("dependencies", "%s already depends on %s", dep, t.ID)
			}
		}
		if err := e.Repo.AddDependencies(ctx, tx.Tx, t.ID, add); err != nil {
			return err
		}
		if err := e.Repo.RemoveDependencies(ctx, tx.Tx, t.ID, remove); err != nil {
			return err
		}
		t.Dependencies, err = e.Repo.ListTaskDependenciesTx(ctx, tx.Tx, t.ID)
		if err != nil {
			return err
		}
		t.UpdatedAt = e.nowString()
		if err := e.Repo.UpdateTask(ctx, tx.Tx, t); err != nil {
			return err
		}
		return tx.Append(ctx, events.Record{
			Type:          "task.dependencies_changed",
			ProjectID:     t.ProjectID,
			EntityType:    "task",
			EntityID:      t.ID,
			ActingAgentID: actorID,
			Metadata:      events.EventPayload{"added": add, "removed": remove},
		})
	})
	return t, err
}

// dependsOn reports whether from reaches to through dependency edges.
func (e Engine) dependsOn(ctx context.Context, tx *Tx, from, to string) (bool, error) {
	visited := map[string]bool{}
	stack := []string{from}
	for steps := 0; len(stack) > 0; steps++ {
		if steps > e.maxDepth()*e.maxDepth() {
			return false, validation("dependencies", "dependency graph from %s is too large", from)
		}
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true, nil
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		deps, err := e.Repo.ListTaskDependenciesTx(ctx, tx.Tx, cur)
		if err != nil {
			return false, err
		}
		stack = append(stack, deps...)
	}
	return false, nil
}

// SetParent moves a task under a parent in the same project, or detaches it
// when parentID is empty.
func (e Engine) SetParent(ctx context.Context, taskID, parentID, actorID string) (domain.Task, error) {
	var t domain.Task
	err := e.InTx(ctx, "set parent", func(tx *Tx) error {
		var err error
		t, err = e.loadMutableTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		prev := deref(t.ParentTaskID)
		if prev == parentID {
			return nil
		}
		if parentID != "" {
			if parentID == t.ID {
				return validation("parent_task_id", "task cannot be its own parent")
			}
			parent, err := e.Repo.GetTaskTx(ctx, tx.Tx, parentID)
			if err != nil {
				return notFound(err, "task", parentID)
			}
			if parent.ProjectID != t.ProjectID {
				return validation("parent_task_id", "parent %s is in project %s", parent.ID, parent.ProjectID)
			}
			if err := e.ensureNoTaskCycle(ctx, tx, parentID, t.ID); err != nil {
				return err
			}
		}
		t.ParentTaskID = optionalString(parentID)
		t.UpdatedAt = e.nowString()
		if err := e.Repo.UpdateTask(ctx, tx.Tx, t); err != nil {
			return err
		}
		return tx.Append(ctx, events.Record{
			Type:          "task.parent_changed",
			ProjectID:     t.ProjectID,
			EntityType:    "task",
			EntityID:      t.ID,
			ActingAgentID: actorID,
			Metadata:      events.EventPayload{"from": prev, "to": parentID},
		})
	})
	return t, err
}

// ensureNoTaskCycle climbs from parentID and fails if childID is on the way.
func (e Engine) ensureNoTaskCycle(ctx context.Context, tx *Tx, parentID, childID string) error {
	visited := map[string]bool{}
	cur := parentID
	for depth := 0; cur != ""; depth++ {
		if cur == childID {
			return validation("parent_task_id", "task hierarchy cycle through %s", childID)
		}
		if visited[cur] || depth > e.maxDepth() {
			return validation("parent_task_id", "task hierarchy above %s is cyclic or too deep", parentID)
		}
		visited[cur] = true
		t, err := e.Repo.GetTaskTx(ctx, tx.Tx, cur)
		if err != nil {
			return notFound(err, "task", cur)
		}
		cur = deref(t.ParentTaskID)
	}
	return nil
}

func (e Engine) loadMutableTask(ctx context.Context, tx *Tx, taskID string) (domain.Task, error) {
	t, err := e.Repo.GetTaskTx(ctx, tx.Tx, taskID)
	if err != nil {
		return t, notFound(err, "task", taskID)
	}
	if t.IsLocked {
		return t, &AlreadyLockedError{EntityType: "task", EntityID: t.ID, AuditID: deref(t.LockedByAuditID)}
	}
	return t, nil
}

func (e Engine) ensureTasksExist(ctx context.Context, tx *Tx, ids []string) error {
	found, err := e.Repo.ExistingTaskIDsTx(ctx, tx.Tx, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if !found[id] {
			return &NotFoundError{Entity: "task", ID: id}
		}
	}
	return nil
}

// ClaimNextTask moves the best ready todo task of agentID in projectID to
// in_progress on the agent's behalf. It returns repo.ErrNotFound wrapped in
// a NotFoundError when nothing is ready.
func (e Engine) ClaimNextTask(ctx context.Context, projectID, agentID string) (TransitionResult, error) {
	next, err := e.Repo.NextReadyTaskTx(ctx, nil, projectID, agentID)
	if err != nil {
		return TransitionResult{}, wrapInfra("claim task", notFound(err, "ready task for agent", agentID))
	}
	return e.Transition(ctx, TransitionRequest{
		TaskID:        next.ID,
		NewStatus:     domain.StatusInProgress,
		ActingAgentID: agentID,
		Reason:        "claimed by worker",
	})
}

func dedupe(ids []string) []string {
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
