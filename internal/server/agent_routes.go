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

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		Tags:          []string{"projects"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.InitProject(ctx, input.Body.ID, input.Body.Description, recordedActor(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Tags:        []string{"projects"},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"active,archived"`
	}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := e.ListProjects(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/archive",
		Summary:     "Archive project",
		Tags:        []string{"projects"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.ArchiveProject(ctx, input.ProjectID, recordedActor(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine, sessions *session.Authority) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Create agent",
		Tags:          []string{"agents"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateAgentRequest `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		actor := recordedActor(ctx)
		a, err := e.CreateAgent(ctx, engine.AgentCreateOptions{
			ID:               input.Body.ID,
			Name:             input.Body.Name,
			ParentAgentID:    input.Body.ParentAgentID,
			HierarchyType:    input.Body.HierarchyType,
			MaxParallelTasks: input.Body.MaxParallelTasks,
			Managed:          input.Body.Managed,
			ActorID:          actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Passkey != "" {
			if err := sessions.SetPasskey(ctx, a.ID, input.Body.Passkey, actor); err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
		Tags:        []string{"agents"},
	}, func(ctx context.Context, input *struct {
		ParentID    string `query:"parent_id"`
		ManagedOnly bool   `query:"managed"`
	}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		items, err := e.ListAgents(ctx, repo.AgentFilters{ParentID: input.ParentID, ManagedOnly: input.ManagedOnly})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent",
		Tags:        []string{"agents"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		a, err := e.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-agent",
		Method:      http.MethodPatch,
		Path:        "/agents/{agent_id}",
		Summary:     "Update agent",
		Tags:        []string{"agents"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AgentID string             `path:"agent_id"`
		Body    UpdateAgentRequest `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		a, err := e.UpdateAgent(ctx, engine.AgentUpdateOptions{
			ID:               input.AgentID,
			Name:             input.Body.Name,
			ParentAgentID:    input.Body.ParentAgentID,
			HierarchyType:    input.Body.HierarchyType,
			MaxParallelTasks: input.Body.MaxParallelTasks,
			Managed:          input.Body.Managed,
			ActorID:          recordedActor(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "set-agent-passkey",
		Method:        http.MethodPut,
		Path:          "/agents/{agent_id}/passkey",
		Summary:       "Set agent passkey",
		Tags:          []string{"agents"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string            `path:"agent_id"`
		Body    SetPasskeyRequest `json:"body"`
	}) (*struct{}, error) {
		if err := sessions.SetPasskey(ctx, input.AgentID, input.Body.Passkey, recordedActor(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-subordinates",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/subordinates",
		Summary:     "List direct subordinates",
		Tags:        []string{"agents"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body []string `json:"body"`
	}, error) {
		if _, err := e.GetAgent(ctx, input.AgentID); err != nil {
			return nil, handleError(err)
		}
		ids, err := e.FindDirectSubordinates(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		if ids == nil {
			ids = []string{}
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: ids}, nil
	})
}
