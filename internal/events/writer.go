package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"crewline/internal/domain"
)

// Writer appends StateChangeEvents inside the caller's transaction.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Record describes one entity mutation.
type Record struct {
	Type          string
	ProjectID     string
	EntityType    string
	EntityID      string
	PreviousState string
	NewState      string
	ActingAgentID string
	Reason        string
	Metadata      EventPayload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) (domain.StateChangeEvent, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if rec.Metadata == nil {
		rec.Metadata = EventPayload{}
	}
	data, err := json.Marshal(rec.Metadata)
	if err != nil {
		return domain.StateChangeEvent{}, fmt.Errorf("marshal event metadata: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO state_change_events(ts,type,project_id,entity_type,entity_id,previous_state,new_state,acting_agent_id,reason,metadata_json)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ts, rec.Type, nullable(rec.ProjectID), rec.EntityType, rec.EntityID, nullable(rec.PreviousState), nullable(rec.NewState),
		nullable(rec.ActingAgentID), nullable(rec.Reason), string(data))
	if err != nil {
		return domain.StateChangeEvent{}, err
	}
	id, _ := res.LastInsertId()
	return domain.StateChangeEvent{
		ID:            id,
		TS:            ts,
		Type:          rec.Type,
		ProjectID:     rec.ProjectID,
		EntityType:    rec.EntityType,
		EntityID:      rec.EntityID,
		PreviousState: rec.PreviousState,
		NewState:      rec.NewState,
		ActingAgentID: rec.ActingAgentID,
		Reason:        rec.Reason,
		Metadata:      rec.Metadata,
	}, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
