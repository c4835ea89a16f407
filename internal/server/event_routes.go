package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/repo"
	"crewline/internal/session"
)

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List state change events, newest first",
		Tags:        []string{"events"},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityType string `query:"entity_type"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" minimum:"0" maximum:"500"`
		Before     int64  `query:"before" minimum:"0"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		items, err := e.ListEvents(ctx, repo.EventFilters{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityType: input.EntityType,
			EntityID:   input.EntityID,
			Limit:      limit,
			Before:     input.Before,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.StateChangeEvent{}
		}
		out := EventListResponse{Items: items}
		if len(items) == limit {
			out.NextBefore = items[len(items)-1].ID
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerSessions(api huma.API, sessions *session.Authority) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List agent sessions",
		Tags:        []string{"sessions"},
	}, func(ctx context.Context, input *struct {
		AgentID    string `query:"agent_id"`
		ProjectID  string `query:"project_id"`
		ActiveOnly bool   `query:"active"`
	}) (*struct {
		Body []domain.AgentSession `json:"body"`
	}, error) {
		items, err := sessions.List(ctx, repo.SessionFilters{AgentID: input.AgentID, ProjectID: input.ProjectID, ActiveOnly: input.ActiveOnly})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.AgentSession{}
		}
		return &struct {
			Body []domain.AgentSession `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "end-session",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/end",
		Summary:       "End an agent session",
		Tags:          []string{"sessions"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string             `path:"session_id"`
		Body      *EndSessionRequest `json:"body,omitempty"`
	}) (*struct{}, error) {
		reason := "ended by " + recordedActor(ctx)
		if input.Body != nil && input.Body.Reason != "" {
			reason = input.Body.Reason
		}
		if err := sessions.End(ctx, input.SessionID, reason); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
