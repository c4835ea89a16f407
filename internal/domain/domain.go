package domain

// TaskStatus is one of the six lifecycle states of a task.
type TaskStatus string

const (
	StatusBacklog    TaskStatus = "backlog"
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in_progress"
	StatusBlocked    TaskStatus = "blocked"
	StatusDone       TaskStatus = "done"
	StatusCancelled  TaskStatus = "cancelled"
)

// AllStatuses lists every task status in lifecycle order.
var AllStatuses = []TaskStatus{StatusBacklog, StatusTodo, StatusInProgress, StatusBlocked, StatusDone, StatusCancelled}

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, st := range AllStatuses {
		if st == s {
			return true
		}
	}
	return false
}

type ApprovalStatus string

const (
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalPending  ApprovalStatus = "pendingApproval"
	ApprovalRejected ApprovalStatus = "rejected"
)

type HierarchyType string

const (
	HierarchyOwner   HierarchyType = "owner"
	HierarchyManager HierarchyType = "manager"
	HierarchyWorker  HierarchyType = "worker"
)

type AuditStatus string

const (
	AuditActive    AuditStatus = "active"
	AuditSuspended AuditStatus = "suspended"
)

type TriggerType string

const (
	TriggerTaskCompleted TriggerType = "taskCompleted"
	TriggerTaskBlocked   TriggerType = "taskBlocked"
)

type SessionState string

const (
	SessionActive SessionState = "active"
	SessionEnded  SessionState = "ended"
)

type Project struct {
	ID          string `json:"id"`
	Status      string `json:"status" enum:"active,archived"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Agent struct {
	ID               string        `json:"id"`
	Name             string        `json:"name,omitempty"`
	ParentAgentID    *string       `json:"parent_agent_id,omitempty"`
	HierarchyType    HierarchyType `json:"hierarchy_type" enum:"owner,manager,worker"`
	MaxParallelTasks int           `json:"max_parallel_tasks" minimum:"1"`
	Managed          bool          `json:"managed"`
	IsLocked         bool          `json:"is_locked"`
	LockedByAuditID  *string       `json:"locked_by_audit_id,omitempty"`
	LockedAt         *string       `json:"locked_at,omitempty" format:"date-time"`
	CreatedAt        string        `json:"created_at" format:"date-time"`
	UpdatedAt        string        `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID                     string         `json:"id"`
	ProjectID              string         `json:"project_id"`
	ParentTaskID           *string        `json:"parent_task_id,omitempty"`
	Title                  string         `json:"title"`
	Description            string         `json:"description,omitempty"`
	Status                 TaskStatus     `json:"status" enum:"backlog,todo,in_progress,blocked,done,cancelled"`
	Priority               int            `json:"priority"`
	AssigneeID             *string        `json:"assignee_id,omitempty"`
	Dependencies           []string       `json:"dependencies,omitempty"`
	IsLocked               bool           `json:"is_locked"`
	LockedByAuditID        *string        `json:"locked_by_audit_id,omitempty"`
	LockedAt               *string        `json:"locked_at,omitempty" format:"date-time"`
	StatusChangedByAgentID *string        `json:"status_changed_by_agent_id,omitempty"`
	StatusChangedAt        *string        `json:"status_changed_at,omitempty" format:"date-time"`
	BlockedReason          *string        `json:"blocked_reason,omitempty"`
	ApprovalStatus         ApprovalStatus `json:"approval_status" enum:"approved,pendingApproval,rejected"`
	RequesterID            *string        `json:"requester_id,omitempty"`
	CreatedAt              string         `json:"created_at" format:"date-time"`
	UpdatedAt              string         `json:"updated_at" format:"date-time"`
	CompletedAt            *string        `json:"completed_at,omitempty" format:"date-time"`
}

// TopLevel reports whether the task counts against its assignee's parallel limit.
func (t Task) TopLevel() bool {
	return t.ParentTaskID == nil
}

type InternalAudit struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Status      AuditStatus `json:"status" enum:"active,suspended"`
	CreatedAt   string      `json:"created_at" format:"date-time"`
}

type AuditTaskTemplate struct {
	Order           int     `json:"order" yaml:"order"`
	Title           string  `json:"title" yaml:"title"`
	Description     string  `json:"description,omitempty" yaml:"description"`
	Priority        int     `json:"priority" yaml:"priority"`
	AssigneeID      *string `json:"assignee_id,omitempty" yaml:"assignee_id"`
	DependsOnOrders []int   `json:"depends_on_orders,omitempty" yaml:"depends_on_orders"`
}

type AuditRule struct {
	ID          string              `json:"id"`
	AuditID     string              `json:"audit_id"`
	Name        string              `json:"name,omitempty"`
	TriggerType TriggerType         `json:"trigger_type" enum:"taskCompleted,taskBlocked"`
	IsEnabled   bool                `json:"is_enabled"`
	AuditTasks  []AuditTaskTemplate `json:"audit_tasks"`
	CreatedAt   string              `json:"created_at" format:"date-time"`
}

type AgentCredential struct {
	AgentID     string `json:"agent_id"`
	PasskeyHash string `json:"-"`
	Salt        string `json:"-"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type AgentSession struct {
	ID             string       `json:"id"`
	AgentID        string       `json:"agent_id"`
	ProjectID      string       `json:"project_id"`
	Purpose        string       `json:"purpose"`
	State          SessionState `json:"state" enum:"active,ended"`
	CurrentTaskID  *string      `json:"current_task_id,omitempty"`
	CreatedAt      string       `json:"created_at" format:"date-time"`
	ExpiresAt      string       `json:"expires_at" format:"date-time"`
	LastActivityAt string       `json:"last_activity_at" format:"date-time"`
	EndedAt        *string      `json:"ended_at,omitempty" format:"date-time"`
}

type WorkingContext struct {
	AgentID   string `json:"agent_id"`
	ProjectID string `json:"project_id"`
	Content   string `json:"content"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Handoff struct {
	ID          int64   `json:"id"`
	TaskID      string  `json:"task_id"`
	FromAgentID string  `json:"from_agent_id"`
	Summary     string  `json:"summary,omitempty"`
	NextSteps   string  `json:"next_steps"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	DeliveredAt *string `json:"delivered_at,omitempty" format:"date-time"`
}

type ExecutionLog struct {
	ID           int64  `json:"id"`
	AgentID      string `json:"agent_id"`
	TaskID       string `json:"task_id"`
	LogFilePath  string `json:"log_file_path"`
	RegisteredAt string `json:"registered_at" format:"date-time"`
}

// StateChangeEvent is an append-only audit trail record.
type StateChangeEvent struct {
	ID            int64          `json:"id"`
	TS            string         `json:"ts" format:"date-time"`
	Type          string         `json:"type"`
	ProjectID     string         `json:"project_id,omitempty"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	PreviousState string         `json:"previous_state,omitempty"`
	NewState      string         `json:"new_state,omitempty"`
	ActingAgentID string         `json:"acting_agent_id,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type ProjectAgents struct {
	ProjectID string   `json:"project_id"`
	AgentIDs  []string `json:"agent_ids"`
}
