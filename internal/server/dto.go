package server

import (
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/pull"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

type CreateAgentRequest struct {
	ID               string               `json:"id"`
	Name             string               `json:"name,omitempty"`
	ParentAgentID    string               `json:"parent_agent_id,omitempty"`
	HierarchyType    domain.HierarchyType `json:"hierarchy_type,omitempty" enum:"owner,manager,worker"`
	MaxParallelTasks int                  `json:"max_parallel_tasks,omitempty" minimum:"0"`
	Managed          bool                 `json:"managed,omitempty"`
	Passkey          string               `json:"passkey,omitempty"`
}

type UpdateAgentRequest struct {
	Name             *string              `json:"name,omitempty"`
	ParentAgentID    *string              `json:"parent_agent_id,omitempty"`
	HierarchyType    domain.HierarchyType `json:"hierarchy_type,omitempty" enum:"owner,manager,worker"`
	MaxParallelTasks *int                 `json:"max_parallel_tasks,omitempty"`
	Managed          *bool                `json:"managed,omitempty"`
}

type SetPasskeyRequest struct {
	Passkey string `json:"passkey"`
}

type CreateTaskRequest struct {
	ID               string   `json:"id,omitempty"`
	ParentTaskID     string   `json:"parent_task_id,omitempty"`
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	Priority         int      `json:"priority,omitempty"`
	AssigneeID       string   `json:"assignee_id,omitempty"`
	Dependencies     []string `json:"dependencies,omitempty"`
	RequiresApproval bool     `json:"requires_approval,omitempty"`
	RequesterID      string   `json:"requester_id,omitempty"`
}

type TransitionRequest struct {
	Status domain.TaskStatus `json:"status" enum:"backlog,todo,in_progress,blocked,done,cancelled"`
	Reason string            `json:"reason,omitempty"`
}

type AssignRequest struct {
	AssigneeID string `json:"assignee_id"`
}

type DependenciesRequest struct {
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

type SetParentRequest struct {
	ParentTaskID string `json:"parent_task_id"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type CreateAuditRequest struct {
	ID          string             `json:"id,omitempty"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Status      domain.AuditStatus `json:"status,omitempty" enum:"active,suspended"`
}

type SetAuditStatusRequest struct {
	Status domain.AuditStatus `json:"status" enum:"active,suspended"`
}

type CreateRuleRequest struct {
	ID          string                     `json:"id,omitempty"`
	Name        string                     `json:"name,omitempty"`
	TriggerType domain.TriggerType         `json:"trigger_type" enum:"taskCompleted,taskBlocked"`
	Disabled    bool                       `json:"disabled,omitempty"`
	AuditTasks  []domain.AuditTaskTemplate `json:"audit_tasks"`
}

type ImportRulesRequest struct {
	YAML string `json:"yaml" doc:"Rules file in YAML"`
}

type SetRuleEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

type FireRuleRequest struct {
	SourceTaskID string `json:"source_task_id"`
}

type LockRequest struct {
	EntityType engine.LockEntity `json:"entity_type" enum:"task,agent"`
	EntityID   string            `json:"entity_id"`
	AuditID    string            `json:"audit_id"`
}

type EndSessionRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ReportRequest struct {
	Result    pull.Result `json:"result" enum:"success,failed,blocked"`
	Summary   string      `json:"summary,omitempty"`
	NextSteps string      `json:"next_steps,omitempty"`
}

type SaveContextRequest struct {
	Content string `json:"content"`
}

// Response payloads

type FireRuleResponse struct {
	Rule  engine.FiredRule `json:"rule"`
	Tasks []domain.Task    `json:"tasks"`
}

type TaskListResponse struct {
	Items      []domain.Task `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type EventListResponse struct {
	Items      []domain.StateChangeEvent `json:"items"`
	NextBefore int64                     `json:"next_before,omitempty"`
}
