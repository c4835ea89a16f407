package repo

import (
	"context"
	"database/sql"

	"crewline/internal/domain"
)

const agentColumns = `id,COALESCE(name,''),parent_agent_id,hierarchy_type,max_parallel_tasks,managed,is_locked,locked_by_audit_id,locked_at,created_at,updated_at`

func scanAgent(row scanner) (domain.Agent, error) {
	var (
		a                       domain.Agent
		parent, lockedBy, ltime sql.NullString
		managed, locked         int
		hierarchy               string
	)
	err := row.Scan(&a.ID, &a.Name, &parent, &hierarchy, &a.MaxParallelTasks, &managed, &locked, &lockedBy, &ltime, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.HierarchyType = domain.HierarchyType(hierarchy)
	a.ParentAgentID = stringPtr(parent)
	a.Managed = managed != 0
	a.IsLocked = locked != 0
	a.LockedByAuditID = stringPtr(lockedBy)
	a.LockedAt = stringPtr(ltime)
	return a, nil
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agents(id,name,parent_agent_id,hierarchy_type,max_parallel_tasks,managed,is_locked,locked_by_audit_id,locked_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, nullable(a.Name), nullableStringPtr(a.ParentAgentID), string(a.HierarchyType), a.MaxParallelTasks,
		boolInt(a.Managed), boolInt(a.IsLocked), nullableStringPtr(a.LockedByAuditID), nullableStringPtr(a.LockedAt), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) UpdateAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	res, err := tx.ExecContext(ctx, `UPDATE agents SET name=?, parent_agent_id=?, hierarchy_type=?, max_parallel_tasks=?, managed=?, is_locked=?, locked_by_audit_id=?, locked_at=?, updated_at=? WHERE id=?`,
		nullable(a.Name), nullableStringPtr(a.ParentAgentID), string(a.HierarchyType), a.MaxParallelTasks,
		boolInt(a.Managed), boolInt(a.IsLocked), nullableStringPtr(a.LockedByAuditID), nullableStringPtr(a.LockedAt), a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return r.GetAgentTx(ctx, nil, id)
}

func (r Repo) GetAgentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Agent, error) {
	return scanAgent(r.q(tx).QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id))
}

type AgentFilters struct {
	ParentID    string
	ManagedOnly bool
}

func (r Repo) ListAgents(ctx context.Context, f AgentFilters) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE 1=1`
	var args []any
	if f.ParentID != "" {
		query += ` AND parent_agent_id=?`
		args = append(args, f.ParentID)
	}
	if f.ManagedOnly {
		query += ` AND managed=1`
	}
	query += ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListSubordinateIDsTx returns the ids of agents whose parent is agentID.
func (r Repo) ListSubordinateIDsTx(ctx context.Context, tx *sql.Tx, agentID string) ([]string, error) {
	return listIDs(ctx, r.q(tx), `SELECT id FROM agents WHERE parent_agent_id=? ORDER BY id ASC`, agentID)
}

// ParentAgentIDTx returns the parent of agentID, or "" for a root agent.
func (r Repo) ParentAgentIDTx(ctx context.Context, tx *sql.Tx, agentID string) (string, error) {
	var parent sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT parent_agent_id FROM agents WHERE id=?`, agentID).Scan(&parent)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return parent.String, nil
}

func listIDs(ctx context.Context, q Querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
