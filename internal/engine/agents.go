package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/repo"
)

type AgentCreateOptions struct {
	ID               string
	Name             string
	ParentAgentID    string
	HierarchyType    domain.HierarchyType
	MaxParallelTasks int
	Managed          bool
	ActorID          string
}

func (e Engine) CreateAgent(ctx context.Context, opts AgentCreateOptions) (domain.Agent, error) {
	if strings.TrimSpace(opts.ID) == "" {
		return domain.Agent{}, validation("id", "required")
	}
	if opts.HierarchyType == "" {
		opts.HierarchyType = domain.HierarchyWorker
	}
	if err := validateHierarchy(opts.HierarchyType); err != nil {
		return domain.Agent{}, err
	}
	if opts.MaxParallelTasks == 0 {
		opts.MaxParallelTasks = 1
	}
	if opts.MaxParallelTasks < 1 {
		return domain.Agent{}, validation("max_parallel_tasks", "must be >= 1")
	}
	now := e.nowString()
	a := domain.Agent{
		ID:               opts.ID,
		Name:             opts.Name,
		ParentAgentID:    optionalString(opts.ParentAgentID),
		HierarchyType:    opts.HierarchyType,
		MaxParallelTasks: opts.MaxParallelTasks,
		Managed:          opts.Managed,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err := e.InTx(ctx, "create agent", func(tx *Tx) error {
		if _, err := e.Repo.GetAgentTx(ctx, tx.Tx, a.ID); err == nil {
			return validation("id", "agent %s already exists", a.ID)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if opts.ParentAgentID != "" {
			if _, err := e.Repo.GetAgentTx(ctx, tx.Tx, opts.ParentAgentID); err != nil {
				return notFound(err, "agent", opts.ParentAgentID)
			}
		}
		if err := e.Repo.InsertAgent(ctx, tx.Tx, a); err != nil {
			return err
		}
		return tx.Append(ctx, events.Record{
			Type:          "agent.created",
			EntityType:    "agent",
			EntityID:      a.ID,
			ActingAgentID: opts.ActorID,
			Metadata: events.EventPayload{
				"parentAgentId":    opts.ParentAgentID,
				"hierarchyType":    string(a.HierarchyType),
				"maxParallelTasks": a.MaxParallelTasks,
				"managed":          a.Managed,
			},
		})
	})
	if err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

type AgentUpdateOptions struct {
	ID               string
	Name             *string
	ParentAgentID    *string
	HierarchyType    domain.HierarchyType
	MaxParallelTasks *int
	Managed          *bool
	ActorID          string
}

// UpdateAgent changes an unlocked agent. A new parent must not be the agent
// itself or one of its descendants.
func (e Engine) UpdateAgent(ctx context.Context, opts AgentUpdateOptions) (domain.Agent, error) {
	if opts.HierarchyType != "" {
		if err := validateHierarchy(opts.HierarchyType); err != nil {
			return domain.Agent{}, err
		}
	}
	if opts.MaxParallelTasks != nil && *opts.MaxParallelTasks < 1 {
		return domain.Agent{}, validation("max_parallel_tasks", "must be >= 1")
	}
	var a domain.Agent
	err := e.InTx(ctx, "update agent", func(tx *Tx) error {
		var err error
		a, err = e.Repo.GetAgentTx(ctx, tx.Tx, opts.ID)
		if err != nil {
			return notFound(err, "agent", opts.ID)
		}
		if a.IsLocked {
			return &AlreadyLockedError{EntityType: "agent", EntityID: a.ID, AuditID: deref(a.LockedByAuditID)}
		}
		changes := events.EventPayload{}
		if opts.Name != nil {
			a.Name = *opts.Name
			changes["name"] = a.Name
		}
		if opts.ParentAgentID != nil {
			parent := *opts.ParentAgentID
			if parent != "" {
				if parent == a.ID {
					return validation("parent_agent_id", "agent cannot be its own parent")
				}
				if _, err := e.Repo.GetAgentTx(ctx, tx.Tx, parent); err != nil {
					return notFound(err, "agent", parent)
				}
				cycle, err := e.isAncestorOf(ctx, tx, a.ID, parent)
				if err != nil {
					return err
				}
				if cycle {
					return validation("parent_agent_id", "%s is a descendant of %s", parent, a.ID)
				}
			}
			a.ParentAgentID = optionalString(parent)
			changes["parentAgentId"] = parent
		}
		if opts.HierarchyType != "" {
			a.HierarchyType = opts.HierarchyType
			changes["hierarchyType"] = string(a.HierarchyType)
		}
		if opts.MaxParallelTasks != nil {
			a.MaxParallelTasks = *opts.MaxParallelTasks
			changes["maxParallelTasks"] = a.MaxParallelTasks
		}
		if opts.Managed != nil {
			a.Managed = *opts.Managed
			changes["managed"] = a.Managed
		}
		if len(changes) == 0 {
			return nil
		}
		a.UpdatedAt = e.nowString()
		if err := e.Repo.UpdateAgent(ctx, tx.Tx, a); err != nil {
			return err
		}
		return tx.Append(ctx, events.Record{
			Type:          "agent.updated",
			EntityType:    "agent",
			EntityID:      a.ID,
			ActingAgentID: opts.ActorID,
			Metadata:      changes,
		})
	})
	return a, err
}

func (e Engine) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	a, err := e.Repo.GetAgent(ctx, id)
	return a, wrapInfra("get agent", notFound(err, "agent", id))
}

func (e Engine) ListAgents(ctx context.Context, f repo.AgentFilters) ([]domain.Agent, error) {
	agents, err := e.Repo.ListAgents(ctx, f)
	return agents, wrapInfra("list agents", err)
}

// ListManagedAgentIDs returns the ids of agents whose worker processes are
// started by a local process supervisor.
func (e Engine) ListManagedAgentIDs(ctx context.Context) ([]string, error) {
	agents, err := e.Repo.ListAgents(ctx, repo.AgentFilters{ManagedOnly: true})
	if err != nil {
		return nil, wrapInfra("list managed agents", err)
	}
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID)
	}
	return ids, nil
}

// IsAncestorOf reports whether ancestor appears on descendant's parent chain.
func (e Engine) IsAncestorOf(ctx context.Context, ancestor, descendant string) (bool, error) {
	ok, err := e.isAncestorOf(ctx, nil, ancestor, descendant)
	return ok, wrapInfra("is ancestor", err)
}

func (e Engine) isAncestorOf(ctx context.Context, tx *Tx, ancestor, descendant string) (bool, error) {
	if ancestor == "" || descendant == "" || ancestor == descendant {
		return false, nil
	}
	sqlTx := txOf(tx)
	visited := map[string]bool{descendant: true}
	cur := descendant
	for depth := 0; depth < e.maxDepth(); depth++ {
		parent, err := e.Repo.ParentAgentIDTx(ctx, sqlTx, cur)
		if err != nil {
			return false, notFound(err, "agent", cur)
		}
		if parent == "" {
			return false, nil
		}
		if parent == ancestor {
			return true, nil
		}
		if visited[parent] {
			return false, validation("parent_agent_id", "agent hierarchy cycle at %s", parent)
		}
		visited[parent] = true
		cur = parent
	}
	return false, validation("parent_agent_id", "agent hierarchy above %s exceeds depth %d", descendant, e.maxDepth())
}

// FindDirectSubordinates returns agents whose parent is agentID. It looks
// one level down only.
func (e Engine) FindDirectSubordinates(ctx context.Context, agentID string) ([]string, error) {
	if _, err := e.Repo.GetAgent(ctx, agentID); err != nil {
		return nil, wrapInfra("find subordinates", notFound(err, "agent", agentID))
	}
	ids, err := e.Repo.ListSubordinateIDsTx(ctx, nil, agentID)
	return ids, wrapInfra("find subordinates", err)
}

// ApproveTask approves a pending task. The approver must be an ancestor of
// the task's assignee.
func (e Engine) ApproveTask(ctx context.Context, taskID, approverID string) (domain.Task, error) {
	return e.decideApproval(ctx, taskID, approverID, domain.ApprovalApproved, "")
}

// RejectTask rejects a pending task with a reason.
func (e Engine) RejectTask(ctx context.Context, taskID, approverID, reason string) (domain.Task, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.Task{}, validation("reason", "required")
	}
	return e.decideApproval(ctx, taskID, approverID, domain.ApprovalRejected, reason)
}

func (e Engine) decideApproval(ctx context.Context, taskID, approverID string, decision domain.ApprovalStatus, reason string) (domain.Task, error) {
	if strings.TrimSpace(approverID) == "" {
		return domain.Task{}, validation("approver_id", "required")
	}
	var t domain.Task
	err := e.InTx(ctx, "approval", func(tx *Tx) error {
		var err error
		t, err = e.Repo.GetTaskTx(ctx, tx.Tx, taskID)
		if err != nil {
			return notFound(err, "task", taskID)
		}
		if t.IsLocked {
			return &AlreadyLockedError{EntityType: "task", EntityID: t.ID, AuditID: deref(t.LockedByAuditID)}
		}
		if t.ApprovalStatus != domain.ApprovalPending {
			return validation("approval_status", "task %s is %s, not %s", t.ID, t.ApprovalStatus, domain.ApprovalPending)
		}
		assignee := deref(t.AssigneeID)
		if assignee == "" {
			return validation("assignee_id", "task %s has no assignee", t.ID)
		}
		if _, err := e.Repo.GetAgentTx(ctx, tx.Tx, approverID); err != nil {
			return notFound(err, "agent", approverID)
		}
		ok, err := e.isAncestorOf(ctx, tx, approverID, assignee)
		if err != nil {
			return err
		}
		if !ok {
			return &PermissionDeniedError{Reason: fmt.Sprintf("agent %s is not an ancestor of assignee %s", approverID, assignee)}
		}
		from := t.ApprovalStatus
		t.ApprovalStatus = decision
		t.UpdatedAt = e.nowString()
		if err := e.Repo.UpdateTask(ctx, tx.Tx, t); err != nil {
			return err
		}
		evtType := "task.approved"
		if decision == domain.ApprovalRejected {
			evtType = "task.rejected"
		}
		return tx.Append(ctx, events.Record{
			Type:          evtType,
			ProjectID:     t.ProjectID,
			EntityType:    "task",
			EntityID:      t.ID,
			PreviousState: string(from),
			NewState:      string(decision),
			ActingAgentID: approverID,
			Reason:        reason,
		})
	})
	return t, err
}

func validateHierarchy(h domain.HierarchyType) error {
	switch h {
	case domain.HierarchyOwner, domain.HierarchyManager, domain.HierarchyWorker:
		return nil
	}
	return validation("hierarchy_type", "must be owner, manager or worker")
}
