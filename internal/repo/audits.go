package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"crewline/internal/domain"
)

func scanAudit(row scanner) (domain.InternalAudit, error) {
	var a domain.InternalAudit
	var status string
	err := row.Scan(&a.ID, &a.Name, &a.Description, &status, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	a.Status = domain.AuditStatus(status)
	return a, err
}

const auditColumns = `id,name,COALESCE(description,''),status,created_at`

func (r Repo) InsertAudit(ctx context.Context, tx *sql.Tx, a domain.InternalAudit) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO internal_audits(id,name,description,status,created_at) VALUES (?,?,?,?,?)`,
		a.ID, a.Name, nullable(a.Description), string(a.Status), a.CreatedAt)
	return err
}

func (r Repo) UpdateAuditStatus(ctx context.Context, tx *sql.Tx, id string, status domain.AuditStatus) error {
	res, err := tx.ExecContext(ctx, `UPDATE internal_audits SET status=? WHERE id=?`, string(status), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetAudit(ctx context.Context, id string) (domain.InternalAudit, error) {
	return r.GetAuditTx(ctx, nil, id)
}

func (r Repo) GetAuditTx(ctx context.Context, tx *sql.Tx, id string) (domain.InternalAudit, error) {
	return scanAudit(r.q(tx).QueryRowContext(ctx, `SELECT `+auditColumns+` FROM internal_audits WHERE id=?`, id))
}

// ListAuditsTx returns audits ordered by creation; status filters when non-empty.
func (r Repo) ListAuditsTx(ctx context.Context, tx *sql.Tx, status domain.AuditStatus) ([]domain.InternalAudit, error) {
	query := `SELECT ` + auditColumns + ` FROM internal_audits`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InternalAudit
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

const ruleColumns = `id,audit_id,COALESCE(name,''),trigger_type,is_enabled,audit_tasks_json,created_at`

func scanRule(row scanner) (domain.AuditRule, error) {
	var (
		rule    domain.AuditRule
		trigger string
		enabled int
		payload string
	)
	err := row.Scan(&rule.ID, &rule.AuditID, &rule.Name, &trigger, &enabled, &payload, &rule.CreatedAt)
	if err == sql.ErrNoRows {
		return rule, ErrNotFound
	}
	if err != nil {
		return rule, err
	}
	rule.TriggerType = domain.TriggerType(trigger)
	rule.IsEnabled = enabled != 0
	if err := json.Unmarshal([]byte(payload), &rule.AuditTasks); err != nil {
		return rule, err
	}
	return rule, nil
}

func (r Repo) InsertRule(ctx context.Context, tx *sql.Tx, rule domain.AuditRule) error {
	if rule.AuditTasks == nil {
		rule.AuditTasks = []domain.AuditTaskTemplate{}
	}
	payload, err := json.Marshal(rule.AuditTasks)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_rules(id,audit_id,name,trigger_type,is_enabled,audit_tasks_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		rule.ID, rule.AuditID, nullable(rule.Name), string(rule.TriggerType), boolInt(rule.IsEnabled), string(payload), rule.CreatedAt)
	return err
}

func (r Repo) SetRuleEnabled(ctx context.Context, tx *sql.Tx, id string, enabled bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE audit_rules SET is_enabled=? WHERE id=?`, boolInt(enabled), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRuleTx(ctx context.Context, tx *sql.Tx, id string) (domain.AuditRule, error) {
	return scanRule(r.q(tx).QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM audit_rules WHERE id=?`, id))
}

type RuleFilters struct {
	AuditID     string
	TriggerType domain.TriggerType
	EnabledOnly bool
}

func (r Repo) ListRulesTx(ctx context.Context, tx *sql.Tx, f RuleFilters) ([]domain.AuditRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM audit_rules WHERE 1=1`
	var args []any
	if f.AuditID != "" {
		query += ` AND audit_id=?`
		args = append(args, f.AuditID)
	}
	if f.TriggerType != "" {
		query += ` AND trigger_type=?`
		args = append(args, string(f.TriggerType))
	}
	if f.EnabledOnly {
		query += ` AND is_enabled=1`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}
