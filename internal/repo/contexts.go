package repo

import (
	"context"
	"database/sql"

	"crewline/internal/domain"
)

func (r Repo) UpsertWorkingContextTx(ctx context.Context, tx *sql.Tx, wc domain.WorkingContext) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO working_contexts(agent_id, project_id, content, updated_at)
VALUES (?,?,?,?)
ON CONFLICT(agent_id, project_id) DO UPDATE SET content=excluded.content, updated_at=excluded.updated_at`,
		wc.AgentID, wc.ProjectID, wc.Content, wc.UpdatedAt)
	return err
}

func (r Repo) GetWorkingContextTx(ctx context.Context, tx *sql.Tx, agentID, projectID string) (domain.WorkingContext, error) {
	var wc domain.WorkingContext
	err := r.q(tx).QueryRowContext(ctx, `SELECT agent_id, project_id, content, updated_at FROM working_contexts WHERE agent_id=? AND project_id=?`,
		agentID, projectID).Scan(&wc.AgentID, &wc.ProjectID, &wc.Content, &wc.UpdatedAt)
	if err == sql.ErrNoRows {
		return wc, ErrNotFound
	}
	return wc, err
}

func (r Repo) DeleteWorkingContext(ctx context.Context, tx *sql.Tx, agentID, projectID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM working_contexts WHERE agent_id=? AND project_id=?`, agentID, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertHandoff(ctx context.Context, tx *sql.Tx, h domain.Handoff) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO handoffs(task_id, from_agent_id, summary, next_steps, created_at) VALUES (?,?,?,?,?)`,
		h.TaskID, h.FromAgentID, nullable(h.Summary), h.NextSteps, h.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PendingHandoffTx returns the oldest undelivered handoff for taskID.
func (r Repo) PendingHandoffTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.Handoff, error) {
	var (
		h         domain.Handoff
		delivered sql.NullString
	)
	err := r.q(tx).QueryRowContext(ctx, `SELECT id, task_id, from_agent_id, COALESCE(summary,''), next_steps, created_at, delivered_at
FROM handoffs WHERE task_id=? AND delivered_at IS NULL ORDER BY id ASC LIMIT 1`, taskID).
		Scan(&h.ID, &h.TaskID, &h.FromAgentID, &h.Summary, &h.NextSteps, &h.CreatedAt, &delivered)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	h.DeliveredAt = stringPtr(delivered)
	return h, err
}

func (r Repo) MarkHandoffDelivered(ctx context.Context, tx *sql.Tx, id int64, at string) error {
	_, err := tx.ExecContext(ctx, `UPDATE handoffs SET delivered_at=? WHERE id=? AND delivered_at IS NULL`, at, id)
	return err
}

func (r Repo) ListHandoffs(ctx context.Context, taskID string) ([]domain.Handoff, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, task_id, from_agent_id, COALESCE(summary,''), next_steps, created_at, delivered_at
FROM handoffs WHERE task_id=? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Handoff
	for rows.Next() {
		var (
			h         domain.Handoff
			delivered sql.NullString
		)
		if err := rows.Scan(&h.ID, &h.TaskID, &h.FromAgentID, &h.Summary, &h.NextSteps, &h.CreatedAt, &delivered); err != nil {
			return nil, err
		}
		h.DeliveredAt = stringPtr(delivered)
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) InsertExecutionLog(ctx context.Context, tx *sql.Tx, l domain.ExecutionLog) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO execution_logs(agent_id, task_id, log_file_path, registered_at) VALUES (?,?,?,?)`,
		l.AgentID, l.TaskID, l.LogFilePath, l.RegisteredAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListExecutionLogs(ctx context.Context, taskID string) ([]domain.ExecutionLog, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, agent_id, task_id, log_file_path, registered_at FROM execution_logs WHERE task_id=? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExecutionLog
	for rows.Next() {
		var l domain.ExecutionLog
		if err := rows.Scan(&l.ID, &l.AgentID, &l.TaskID, &l.LogFilePath, &l.RegisteredAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}
