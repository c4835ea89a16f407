package repo

import (
	"context"
	"database/sql"
	"strings"

	"crewline/internal/domain"
)

const taskColumns = `id,project_id,parent_task_id,title,COALESCE(description,''),status,priority,assignee_id,is_locked,locked_by_audit_id,locked_at,status_changed_by_agent_id,status_changed_at,blocked_reason,approval_status,requester_id,created_at,updated_at,completed_at`

func scanTask(row scanner) (domain.Task, error) {
	var (
		t                                     domain.Task
		parentID, assigneeID, lockedBy        sql.NullString
		lockedAt, changedBy, changedAt        sql.NullString
		blockedReason, requesterID, completed sql.NullString
		status, approval                      string
		locked                                int
	)
	err := row.Scan(&t.ID, &t.ProjectID, &parentID, &t.Title, &t.Description, &status, &t.Priority, &assigneeID,
		&locked, &lockedBy, &lockedAt, &changedBy, &changedAt, &blockedReason, &approval, &requesterID,
		&t.CreatedAt, &t.UpdatedAt, &completed)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Status = domain.TaskStatus(status)
	t.ApprovalStatus = domain.ApprovalStatus(approval)
	t.ParentTaskID = stringPtr(parentID)
	t.AssigneeID = stringPtr(assigneeID)
	t.IsLocked = locked != 0
	t.LockedByAuditID = stringPtr(lockedBy)
	t.LockedAt = stringPtr(lockedAt)
	t.StatusChangedByAgentID = stringPtr(changedBy)
	t.StatusChangedAt = stringPtr(changedAt)
	t.BlockedReason = stringPtr(blockedReason)
	t.RequesterID = stringPtr(requesterID)
	t.CompletedAt = stringPtr(completed)
	return t, nil
}

// InsertTask stores t and its dependency edges.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,project_id,parent_task_id,title,description,status,priority,assignee_id,is_locked,locked_by_audit_id,locked_at,
status_changed_by_agent_id,status_changed_at,blocked_reason,approval_status,requester_id,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, nullableStringPtr(t.ParentTaskID), t.Title, nullable(t.Description), string(t.Status), t.Priority,
		nullableStringPtr(t.AssigneeID), boolInt(t.IsLocked), nullableStringPtr(t.LockedByAuditID), nullableStringPtr(t.LockedAt),
		nullableStringPtr(t.StatusChangedByAgentID), nullableStringPtr(t.StatusChangedAt), nullableStringPtr(t.BlockedReason),
		string(t.ApprovalStatus), nullableStringPtr(t.RequesterID), t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	if err != nil {
		return err
	}
	return r.AddDependencies(ctx, tx, t.ID, t.Dependencies)
}

// UpdateTask overwrites every mutable column. Dependencies are managed separately.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET parent_task_id=?, title=?, description=?, status=?, priority=?, assignee_id=?, is_locked=?, locked_by_audit_id=?, locked_at=?,
status_changed_by_agent_id=?, status_changed_at=?, blocked_reason=?, approval_status=?, requester_id=?, updated_at=?, completed_at=? WHERE id=?`,
		nullableStringPtr(t.ParentTaskID), t.Title, nullable(t.Description), string(t.Status), t.Priority, nullableStringPtr(t.AssigneeID),
		boolInt(t.IsLocked), nullableStringPtr(t.LockedByAuditID), nullableStringPtr(t.LockedAt),
		nullableStringPtr(t.StatusChangedByAgentID), nullableStringPtr(t.StatusChangedAt), nullableStringPtr(t.BlockedReason),
		string(t.ApprovalStatus), nullableStringPtr(t.RequesterID), t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	q := r.q(tx)
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	deps, err := r.ListTaskDependenciesTx(ctx, tx, t.ID)
	if err != nil {
		return t, err
	}
	t.Dependencies = deps
	return t, nil
}

type TaskFilters struct {
	ProjectID       string
	Status          string
	AssigneeID      string
	ParentTaskID    string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.ParentTaskID != "" {
		clauses = append(clauses, "parent_task_id=?")
		args = append(args, f.ParentTaskID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		deps, err := r.ListTaskDependenciesTx(ctx, nil, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Dependencies = deps
	}
	return res, nil
}

func (r Repo) ListTaskDependenciesTx(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	return listIDs(ctx, r.q(tx), `SELECT depends_on_task_id FROM task_deps WHERE task_id=? ORDER BY rowid ASC`, taskID)
}

func (r Repo) AddDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id, depends_on_task_id) VALUES (?,?)`, taskID, d); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) RemoveDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_deps WHERE task_id=? AND depends_on_task_id=?`, taskID, d); err != nil {
			return err
		}
	}
	return nil
}

// ListChildrenTx returns the ids of tasks whose parent is taskID.
func (r Repo) ListChildrenTx(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	return listIDs(ctx, r.q(tx), `SELECT id FROM tasks WHERE parent_task_id=? ORDER BY created_at ASC, id ASC`, taskID)
}

// IncompleteDependenciesTx returns the dependencies of taskID that exist and
// are not done. Missing dependencies are not reported.
func (r Repo) IncompleteDependenciesTx(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	return listIDs(ctx, r.q(tx), `SELECT dep.id FROM task_deps d
JOIN tasks dep ON dep.id = d.depends_on_task_id
WHERE d.task_id=? AND dep.status != 'done'
ORDER BY d.rowid ASC`, taskID)
}

// CountInProgressTopLevelTx counts in_progress tasks without a parent that
// are assigned to agentID, excluding excludeTaskID.
func (r Repo) CountInProgressTopLevelTx(ctx context.Context, tx *sql.Tx, agentID, excludeTaskID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT count(*) FROM tasks
WHERE assignee_id=? AND status='in_progress' AND parent_task_id IS NULL AND id != ?`, agentID, excludeTaskID).Scan(&n)
	return n, err
}

const readyClause = `status='todo' AND is_locked=0 AND approval_status='approved' AND NOT EXISTS (
	SELECT 1 FROM task_deps d
	JOIN tasks dep ON dep.id=d.depends_on_task_id
	WHERE d.task_id=tasks.id AND dep.status != 'done'
)`

// NextReadyTaskTx picks the best todo task assigned to agentID in projectID
// whose dependencies are done.
func (r Repo) NextReadyTaskTx(ctx context.Context, tx *sql.Tx, projectID, agentID string) (domain.Task, error) {
	t, err := scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE project_id=? AND assignee_id=? AND `+readyClause+`
ORDER BY priority ASC, created_at ASC, id ASC LIMIT 1`, projectID, agentID))
	if err != nil {
		return t, err
	}
	deps, err := r.ListTaskDependenciesTx(ctx, tx, t.ID)
	if err != nil {
		return t, err
	}
	t.Dependencies = deps
	return t, nil
}

// InProgressTaskTx returns the oldest in_progress task assigned to agentID in projectID.
func (r Repo) InProgressTaskTx(ctx context.Context, tx *sql.Tx, projectID, agentID string) (domain.Task, error) {
	t, err := scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE project_id=? AND assignee_id=? AND status='in_progress'
ORDER BY status_changed_at ASC, id ASC LIMIT 1`, projectID, agentID))
	if err != nil {
		return t, err
	}
	deps, err := r.ListTaskDependenciesTx(ctx, tx, t.ID)
	if err != nil {
		return t, err
	}
	t.Dependencies = deps
	return t, nil
}

// HasWork reports whether agentID has an in_progress task or a ready todo task in projectID.
func (r Repo) HasWork(ctx context.Context, projectID, agentID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM tasks
WHERE project_id=? AND assignee_id=? AND (status='in_progress' OR (`+readyClause+`))`, projectID, agentID).Scan(&n)
	return n > 0, err
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// ExistingTaskIDsTx returns the subset of ids that exist.
func (r Repo) ExistingTaskIDsTx(ctx context.Context, tx *sql.Tx, ids []string) (map[string]bool, error) {
	found := map[string]bool{}
	if len(ids) == 0 {
		return found, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	existing, err := listIDs(ctx, r.q(tx), `SELECT id FROM tasks WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	for _, id := range existing {
		found[id] = true
	}
	return found, nil
}
