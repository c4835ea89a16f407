package engine

import (
	"context"
	"errors"
	"strings"

	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/repo"
)

// SaveContext replaces the working context an agent keeps for a project.
func (e Engine) SaveContext(ctx context.Context, agentID, projectID, content string) (domain.WorkingContext, error) {
	wc := domain.WorkingContext{
		AgentID:   agentID,
		ProjectID: projectID,
		Content:   content,
		UpdatedAt: e.nowString(),
	}
	err := e.InTx(ctx, "save context", func(tx *Tx) error {
		if _, err := e.Repo.GetAgentTx(ctx, tx.Tx, agentID); err != nil {
			return notFound(err, "agent", agentID)
		}
		if _, err := e.Repo.GetProjectTx(ctx, tx.Tx, projectID); err != nil {
			return notFound(err, "project", projectID)
		}
		if err := e.Repo.UpsertWorkingContextTx(ctx, tx.Tx, wc); err != nil {
			return err
		}
		return tx.Append(ctx, events.Record{
			Type:          "context.saved",
			ProjectID:     projectID,
			EntityType:    "agent",
			EntityID:      agentID,
			ActingAgentID: agentID,
			Metadata:      events.EventPayload{"bytes": len(content)},
		})
	})
	if err != nil {
		return domain.WorkingContext{}, err
	}
	return wc, nil
}

// WorkingContext returns the saved context, or nil when the agent has none.
func (e Engine) WorkingContext(ctx context.Context, agentID, projectID string) (*domain.WorkingContext, error) {
	wc, err := e.Repo.GetWorkingContextTx(ctx, nil, agentID, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapInfra("get context", err)
	}
	return &wc, nil
}

// RecordHandoff leaves next steps on a task for whoever picks it up next.
func (e Engine) RecordHandoff(ctx context.Context, taskID, fromAgentID, summary, nextSteps string) (domain.Handoff, error) {
	if strings.TrimSpace(nextSteps) == "" {
		return domain.Handoff{}, validation("next_steps", "required")
	}
	var h domain.Handoff
	err := e.InTx(ctx, "record handoff", func(tx *Tx) error {
		t, err := e.Repo.GetTaskTx(ctx, tx.Tx, taskID)
		if err != nil {
			return notFound(err, "task", taskID)
		}
		h, err = e.recordHandoff(ctx, tx, t, fromAgentID, summary, nextSteps)
		return err
	})
	if err != nil {
		return domain.Handoff{}, err
	}
	return h, nil
}

func (e Engine) recordHandoff(ctx context.Context, tx *Tx, t domain.Task, fromAgentID, summary, nextSteps string) (domain.Handoff, error) {
	h := domain.Handoff{
		TaskID:      t.ID,
		FromAgentID: fromAgentID,
		Summary:     summary,
		NextSteps:   nextSteps,
		CreatedAt:   e.nowString(),
	}
	var err error
	h.ID, err = e.Repo.InsertHandoff(ctx, tx.Tx, h)
	if err != nil {
		return domain.Handoff{}, err
	}
	return h, tx.Append(ctx, events.Record{
		Type:          "handoff.recorded",
		ProjectID:     t.ProjectID,
		EntityType:    "task",
		EntityID:      t.ID,
		ActingAgentID: fromAgentID,
		Metadata:      events.EventPayload{"handoffId": h.ID},
	})
}

// TakeHandoff returns the oldest undelivered handoff of a task and marks it
// delivered. It returns nil when there is none.
func (e Engine) TakeHandoff(ctx context.Context, taskID string) (*domain.Handoff, error) {
	var out *domain.Handoff
	err := e.InTx(ctx, "take handoff", func(tx *Tx) error {
		h, err := e.Repo.PendingHandoffTx(ctx, tx.Tx, taskID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		now := e.nowString()
		if err := e.Repo.MarkHandoffDelivered(ctx, tx.Tx, h.ID, now); err != nil {
			return err
		}
		h.DeliveredAt = &now
		out = &h
		return nil
	})
	return out, err
}

func (e Engine) ListHandoffs(ctx context.Context, taskID string) ([]domain.Handoff, error) {
	hs, err := e.Repo.ListHandoffs(ctx, taskID)
	return hs, wrapInfra("list handoffs", err)
}

// RegisterExecutionLog records where a supervisor wrote an agent's output
// for a task.
func (e Engine) RegisterExecutionLog(ctx context.Context, agentID, taskID, path string) (domain.ExecutionLog, error) {
	if strings.TrimSpace(path) == "" {
		return domain.ExecutionLog{}, validation("log_file_path", "required")
	}
	l := domain.ExecutionLog{
		AgentID:      agentID,
		TaskID:       taskID,
		LogFilePath:  path,
		RegisteredAt: e.nowString(),
	}
	err := e.InTx(ctx, "register execution log", func(tx *Tx) error {
		if _, err := e.Repo.GetAgentTx(ctx, tx.Tx, agentID); err != nil {
			return notFound(err, "agent", agentID)
		}
		t, err := e.Repo.GetTaskTx(ctx, tx.Tx, taskID)
		if err != nil {
			return notFound(err, "task", taskID)
		}
		l.ID, err = e.Repo.InsertExecutionLog(ctx, tx.Tx, l)
		if err != nil {
			return err
		}
		return tx.Append(ctx, events.Record{
			Type:          "execution_log.registered",
			ProjectID:     t.ProjectID,
			EntityType:    "task",
			EntityID:      t.ID,
			ActingAgentID: agentID,
			Metadata:      events.EventPayload{"path": path},
		})
	})
	if err != nil {
		return domain.ExecutionLog{}, err
	}
	return l, nil
}

func (e Engine) ListExecutionLogs(ctx context.Context, taskID string) ([]domain.ExecutionLog, error) {
	logs, err := e.Repo.ListExecutionLogs(ctx, taskID)
	return logs, wrapInfra("list execution logs", err)
}

// ListEvents returns state change events newest first.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.StateChangeEvent, error) {
	evts, err := e.Repo.LatestEvents(ctx, f)
	return evts, wrapInfra("list events", err)
}
