package repo

import (
	"context"
	"database/sql"

	"crewline/internal/domain"
)

const sessionColumns = `id,agent_id,project_id,purpose,state,current_task_id,created_at,expires_at,last_activity_at,ended_at`

func scanSession(row scanner) (domain.AgentSession, error) {
	var (
		s              domain.AgentSession
		state          string
		current, ended sql.NullString
	)
	err := row.Scan(&s.ID, &s.AgentID, &s.ProjectID, &s.Purpose, &state, &current, &s.CreatedAt, &s.ExpiresAt, &s.LastActivityAt, &ended)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.State = domain.SessionState(state)
	s.CurrentTaskID = stringPtr(current)
	s.EndedAt = stringPtr(ended)
	return s, nil
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.AgentSession) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agent_sessions(`+sessionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.AgentID, s.ProjectID, s.Purpose, string(s.State), nullableStringPtr(s.CurrentTaskID),
		s.CreatedAt, s.ExpiresAt, s.LastActivityAt, nullableStringPtr(s.EndedAt))
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.AgentSession, error) {
	return r.GetSessionTx(ctx, nil, id)
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.AgentSession, error) {
	return scanSession(r.q(tx).QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM agent_sessions WHERE id=?`, id))
}

// ActiveSessionsTx lists active sessions for (agent, project, purpose).
func (r Repo) ActiveSessionsTx(ctx context.Context, tx *sql.Tx, agentID, projectID, purpose string) ([]domain.AgentSession, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+sessionColumns+` FROM agent_sessions
WHERE agent_id=? AND project_id=? AND purpose=? AND state='active' ORDER BY created_at ASC, id ASC`, agentID, projectID, purpose)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

type SessionFilters struct {
	AgentID    string
	ProjectID  string
	ActiveOnly bool
}

func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.AgentSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM agent_sessions WHERE 1=1`
	var args []any
	if f.AgentID != "" {
		query += ` AND agent_id=?`
		args = append(args, f.AgentID)
	}
	if f.ProjectID != "" {
		query += ` AND project_id=?`
		args = append(args, f.ProjectID)
	}
	if f.ActiveOnly {
		query += ` AND state='active'`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// TouchSession records activity and the task the session is working on.
func (r Repo) TouchSession(ctx context.Context, tx *sql.Tx, id, at string, currentTaskID *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE agent_sessions SET last_activity_at=?, current_task_id=? WHERE id=? AND state='active'`,
		at, nullableStringPtr(currentTaskID), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) EndSession(ctx context.Context, tx *sql.Tx, id, at string) error {
	res, err := tx.ExecContext(ctx, `UPDATE agent_sessions SET state='ended', ended_at=? WHERE id=? AND state='active'`, at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
