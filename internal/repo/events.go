package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"crewline/internal/domain"
)

type EventFilters struct {
	ProjectID  string
	Type       string
	EntityType string
	EntityID   string
	Limit      int
	// Before pages backwards from an event id when positive.
	Before int64
}

const eventColumns = `id,ts,type,COALESCE(project_id,''),entity_type,entity_id,COALESCE(previous_state,''),COALESCE(new_state,''),COALESCE(acting_agent_id,''),COALESCE(reason,''),metadata_json`

func scanEvents(rows *sql.Rows) ([]domain.StateChangeEvent, error) {
	defer rows.Close()
	var res []domain.StateChangeEvent
	for rows.Next() {
		var (
			e       domain.StateChangeEvent
			payload string
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityType, &e.EntityID, &e.PreviousState, &e.NewState, &e.ActingAgentID, &e.Reason, &payload); err != nil {
			return nil, err
		}
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &e.Metadata); err != nil {
				return nil, fmt.Errorf("event %d metadata: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.StateChangeEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM state_change_events WHERE `+strings.Join(clauses, " AND ")+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.StateChangeEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM state_change_events WHERE `+strings.Join(clauses, " AND ")+` ORDER BY id ASC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent event id, or 0 when none exist.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM state_change_events`).Scan(&id)
	return id, err
}
