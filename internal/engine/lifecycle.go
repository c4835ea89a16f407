package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"crewline/internal/domain"
	"crewline/internal/events"
)

var transitions = map[domain.TaskStatus][]domain.TaskStatus{
	domain.StatusBacklog:    {domain.StatusTodo, domain.StatusCancelled},
	domain.StatusTodo:       {domain.StatusInProgress, domain.StatusBacklog, domain.StatusCancelled},
	domain.StatusInProgress: {domain.StatusDone, domain.StatusBlocked},
	domain.StatusBlocked:    {domain.StatusInProgress, domain.StatusCancelled},
}

// CanTransition reports whether a task may move from one status to another.
// done and cancelled are terminal and a status never transitions to itself.
func CanTransition(from, to domain.TaskStatus) bool {
	if from == to {
		return false
	}
	return slices.Contains(transitions[from], to)
}

// ensureTaskTransition returns an InvalidTransitionError when CanTransition is false.
func ensureTaskTransition(from, to domain.TaskStatus) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

type TransitionRequest struct {
	TaskID        string
	NewStatus     domain.TaskStatus
	ActingAgentID string
	Reason        string
	// Handoff, when set, is recorded in the same transaction as the status
	// change.
	Handoff *HandoffNote
}

type HandoffNote struct {
	Summary   string
	NextSteps string
}

// FiredRule summarizes one audit rule materialized by a trigger.
type FiredRule struct {
	RuleID         string   `json:"rule_id"`
	RuleName       string   `json:"rule_name,omitempty"`
	AuditID        string   `json:"audit_id"`
	CreatedTaskIDs []string `json:"created_task_ids"`
}

type TransitionResult struct {
	Task       domain.Task     `json:"task"`
	Cascaded   []domain.Task   `json:"cascaded,omitempty"`
	FiredRules []FiredRule     `json:"fired_rules,omitempty"`
	Handoff    *domain.Handoff `json:"handoff,omitempty"`
}

// Transition moves a task to a new status, applying admission control,
// the status-change permission rule, block cascading and audit triggers.
// It is not idempotent.
func (e Engine) Transition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	if !req.NewStatus.Valid() {
		return TransitionResult{}, validation("status", "unknown status %q", req.NewStatus)
	}
	if strings.TrimSpace(req.ActingAgentID) == "" {
		return TransitionResult{}, validation("acting_agent_id", "required")
	}
	if req.Handoff != nil && strings.TrimSpace(req.Handoff.NextSteps) == "" {
		return TransitionResult{}, validation("next_steps", "required")
	}
	if req.NewStatus == domain.StatusInProgress {
		return e.transitionAdmitted(ctx, req)
	}
	return e.transition(ctx, req, "")
}

// transitionAdmitted holds the assignee's admission lock across the
// count-then-write of an in_progress transition.
func (e Engine) transitionAdmitted(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	peek, err := e.Repo.GetTask(ctx, req.TaskID)
	if err != nil {
		return TransitionResult{}, wrapInfra("transition", notFound(err, "task", req.TaskID))
	}
	assignee := deref(peek.AssigneeID)
	if assignee == "" {
		return e.transition(ctx, req, "")
	}
	release, err := e.Admission.Acquire(ctx, "agent:"+assignee)
	if err != nil {
		return TransitionResult{}, wrapInfra("admission", err)
	}
	defer release()
	return e.transition(ctx, req, assignee)
}

func (e Engine) transition(ctx context.Context, req TransitionRequest, admittedFor string) (TransitionResult, error) {
	var res TransitionResult
	err := e.InTx(ctx, "transition", func(tx *Tx) error {
		t, err := e.Repo.GetTaskTx(ctx, tx.Tx, req.TaskID)
		if err != nil {
			return notFound(err, "task", req.TaskID)
		}
		if t.IsLocked {
			return &AlreadyLockedError{EntityType: "task", EntityID: t.ID, AuditID: deref(t.LockedByAuditID)}
		}
		if err := ensureTaskTransition(t.Status, req.NewStatus); err != nil {
			return err
		}
		if _, err := e.Repo.GetAgentTx(ctx, tx.Tx, req.ActingAgentID); err != nil {
			return notFound(err, "agent", req.ActingAgentID)
		}
		if req.NewStatus == domain.StatusInProgress {
			if deref(t.AssigneeID) != admittedFor {
				return validation("assignee_id", "task %s was reassigned concurrently; retry", t.ID)
			}
			if err := e.admit(ctx, tx, t); err != nil {
				return err
			}
		}
		if err := e.ensureMayChangeStatus(ctx, tx, t, req.ActingAgentID); err != nil {
			return err
		}

		from := t.Status
		now := e.nowString()
		applyStatus(&t, req.NewStatus, req.ActingAgentID, req.Reason, now)
		if err := e.Repo.UpdateTask(ctx, tx.Tx, t); err != nil {
			return err
		}
		if err := tx.Append(ctx, statusEvent(t, from, req.ActingAgentID, req.Reason, nil)); err != nil {
			return err
		}
		res.Task = t
		if req.Handoff != nil {
			h, err := e.recordHandoff(ctx, tx, t, req.ActingAgentID, req.Handoff.Summary, req.Handoff.NextSteps)
			if err != nil {
				return err
			}
			res.Handoff = &h
		}

		switch req.NewStatus {
		case domain.StatusBlocked:
			cascaded, err := e.cascadeBlock(ctx, tx, t, req.ActingAgentID, req.Reason)
			if err != nil {
				return err
			}
			res.Cascaded = cascaded
			fired, err := e.checkTriggers(ctx, tx, domain.TriggerTaskBlocked, t, req.ActingAgentID)
			if err != nil {
				return err
			}
			res.FiredRules = fired
		case domain.StatusDone:
			fired, err := e.checkTriggers(ctx, tx, domain.TriggerTaskCompleted, t, req.ActingAgentID)
			if err != nil {
				return err
			}
			res.FiredRules = fired
		}
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}
	for _, fr := range res.FiredRules {
		e.logger().InfoContext(ctx, "audit rule fired",
			"rule_id", fr.RuleID, "audit_id", fr.AuditID, "source_task_id", res.Task.ID, "created", len(fr.CreatedTaskIDs))
	}
	return res, nil
}

// admit checks dependencies, the assignee's lock and its parallel task
// limit.
func (e Engine) admit(ctx context.Context, tx *Tx, t domain.Task) error {
	blockedBy, err := e.Repo.IncompleteDependenciesTx(ctx, tx.Tx, t.ID)
	if err != nil {
		return err
	}
	if len(blockedBy) > 0 {
		return &DependencyNotCompleteError{TaskID: t.ID, BlockedBy: blockedBy}
	}
	assignee := deref(t.AssigneeID)
	if assignee == "" {
		return validation("assignee_id", "task %s has no assignee", t.ID)
	}
	agent, err := e.Repo.GetAgentTx(ctx, tx.Tx, assignee)
	if err != nil {
		return notFound(err, "agent", assignee)
	}
	if agent.IsLocked {
		return &AlreadyLockedError{EntityType: "agent", EntityID: agent.ID, AuditID: deref(agent.LockedByAuditID)}
	}
	// Subtasks are admitted against the cap but never counted toward it.
	current, err := e.Repo.CountInProgressTopLevelTx(ctx, tx.Tx, assignee, t.ID)
	if err != nil {
		return err
	}
	if current >= agent.MaxParallelTasks {
		return &MaxParallelTasksReachedError{AgentID: assignee, Max: agent.MaxParallelTasks, Current: current}
	}
	return nil
}

// ensureMayChangeStatus allows the agent that last changed the task's
// status, or a direct subordinate of that agent. A task nobody has moved
// yet is open to any agent.
func (e Engine) ensureMayChangeStatus(ctx context.Context, tx *Tx, t domain.Task, actingAgentID string) error {
	last := deref(t.StatusChangedByAgentID)
	if last == "" || last == actingAgentID {
		return nil
	}
	subs, err := e.Repo.ListSubordinateIDsTx(ctx, tx.Tx, last)
	if err != nil {
		return err
	}
	if slices.Contains(subs, actingAgentID) {
		return nil
	}
	return &PermissionDeniedError{Reason: fmt.Sprintf("agent %s is neither %s nor its direct subordinate", actingAgentID, last)}
}

func applyStatus(t *domain.Task, status domain.TaskStatus, actingAgentID, reason, now string) {
	t.Status = status
	t.StatusChangedByAgentID = optionalString(actingAgentID)
	t.StatusChangedAt = &now
	t.UpdatedAt = now
	if status == domain.StatusBlocked {
		t.BlockedReason = optionalString(reason)
	} else {
		t.BlockedReason = nil
	}
	if status == domain.StatusDone {
		t.CompletedAt = &now
	}
}

func statusEvent(t domain.Task, from domain.TaskStatus, actingAgentID, reason string, meta events.EventPayload) events.Record {
	return events.Record{
		Type:          "task.status_changed",
		ProjectID:     t.ProjectID,
		EntityType:    "task",
		EntityID:      t.ID,
		PreviousState: string(from),
		NewState:      string(t.Status),
		ActingAgentID: actingAgentID,
		Reason:        reason,
		Metadata:      meta,
	}
}

// cascadeBlock blocks every non-terminal, non-blocked descendant of root
// depth-first. Locked descendants are left untouched but still traversed.
func (e Engine) cascadeBlock(ctx context.Context, tx *Tx, root domain.Task, actingAgentID, reason string) ([]domain.Task, error) {
	var (
		blocked []domain.Task
		visited = map[string]bool{root.ID: true}
		limit   = e.maxDepth()
	)
	cascadeReason := fmt.Sprintf("parent task %s blocked", root.ID)
	if reason != "" {
		cascadeReason += ": " + reason
	}
	var walk func(parentID string, depth int) error
	walk = func(parentID string, depth int) error {
		if depth > limit {
			return validation("parent_task_id", "task hierarchy below %s exceeds depth %d", root.ID, limit)
		}
		children, err := e.Repo.ListChildrenTx(ctx, tx.Tx, parentID)
		if err != nil {
			return err
		}
		for _, childID := range children {
			if visited[childID] {
				e.logger().WarnContext(ctx, "task hierarchy cycle skipped", "task_id", childID, "root_task_id", root.ID)
				continue
			}
			visited[childID] = true
			child, err := e.Repo.GetTaskTx(ctx, tx.Tx, childID)
			if err != nil {
				return err
			}
			if !child.Status.Terminal() && child.Status != domain.StatusBlocked && !child.IsLocked {
				from := child.Status
				now := e.nowString()
				applyStatus(&child, domain.StatusBlocked, actingAgentID, cascadeReason, now)
				if err := e.Repo.UpdateTask(ctx, tx.Tx, child); err != nil {
					return err
				}
				if err := tx.Append(ctx, statusEvent(child, from, actingAgentID, cascadeReason, events.EventPayload{"cascaded_from": root.ID})); err != nil {
					return err
				}
				blocked = append(blocked, child)
			}
			if err := walk(childID, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root.ID, 1); err != nil {
		return nil, err
	}
	return blocked, nil
}
