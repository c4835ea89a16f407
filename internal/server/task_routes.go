package server

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/repo"
)

type taskOutput struct {
	Body domain.Task `json:"body"`
}

type transitionOutput struct {
	Body engine.TransitionResult `json:"body"`
}

type taskPath struct {
	TaskID string `path:"task_id"`
}

func encodeTaskCursor(t domain.Task) string {
	return base64.RawURLEncoding.EncodeToString([]byte(t.CreatedAt + "|" + t.ID))
}

func decodeTaskCursor(cursor string) (string, string, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", false
	}
	createdAt, id, ok := strings.Cut(string(raw), "|")
	return createdAt, id, ok && createdAt != "" && id != ""
}

func registerTasks(api huma.API, e engine.Engine) {
	conflictErrs := []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity}

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create task",
		Tags:          []string{"tasks"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ID:               input.Body.ID,
			ProjectID:        input.ProjectID,
			ParentTaskID:     input.Body.ParentTaskID,
			Title:            input.Body.Title,
			Description:      input.Body.Description,
			Priority:         input.Body.Priority,
			AssigneeID:       input.Body.AssigneeID,
			Dependencies:     input.Body.Dependencies,
			RequiresApproval: input.Body.RequiresApproval,
			RequesterID:      input.Body.RequesterID,
			ActorID:          recordedActor(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks",
		Tags:        []string{"tasks"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Status     string `query:"status"`
		AssigneeID string `query:"assignee_id"`
		ParentID   string `query:"parent_task_id"`
		Limit      int    `query:"limit" minimum:"0" maximum:"500"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		if input.Status != "" && !domain.TaskStatus(input.Status).Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown status "+input.Status, nil)
		}
		f := repo.TaskFilters{
			ProjectID:    input.ProjectID,
			Status:       input.Status,
			AssigneeID:   input.AssigneeID,
			ParentTaskID: input.ParentID,
			Limit:        input.Limit,
		}
		if input.Cursor != "" {
			createdAt, id, ok := decodeTaskCursor(input.Cursor)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			f.CursorCreatedAt, f.CursorID = createdAt, id
		}
		items, err := e.ListTasks(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Task{}
		}
		out := TaskListResponse{Items: items}
		if input.Limit > 0 && len(items) == input.Limit {
			out.NextCursor = encodeTaskCursor(items[len(items)-1])
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Tags:        []string{"tasks"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskOutput, error) {
		t, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/transition",
		Summary:     "Change task status",
		Description: "Moving to in_progress applies admission control. Moving to blocked cascades to descendants. Matching audit rules fire in the same transaction.",
		Tags:        []string{"tasks"},
		Errors:      conflictErrs,
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   TransitionRequest `json:"body"`
	}) (*transitionOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Transition(ctx, engine.TransitionRequest{
			TaskID:        input.TaskID,
			NewStatus:     input.Body.Status,
			ActingAgentID: actorID,
			Reason:        input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &transitionOutput{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/assign",
		Summary:     "Assign task",
		Tags:        []string{"tasks"},
		Errors:      conflictErrs,
	}, func(ctx context.Context, input *struct {
		TaskID string        `path:"task_id"`
		Body   AssignRequest `json:"body"`
	}) (*taskOutput, error) {
		t, err := e.AssignTask(ctx, input.TaskID, input.Body.AssigneeID, recordedActor(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-dependencies",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/dependencies",
		Summary:     "Add or remove dependencies",
		Tags:        []string{"tasks"},
		Errors:      conflictErrs,
	}, func(ctx context.Context, input *struct {
		TaskID string              `path:"task_id"`
		Body   DependenciesRequest `json:"body"`
	}) (*taskOutput, error) {
		t, err := e.SetDependencies(ctx, input.TaskID, input.Body.Add, input.Body.Remove, recordedActor(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-parent",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/parent",
		Summary:     "Set parent task",
		Tags:        []string{"tasks"},
		Errors:      conflictErrs,
	}, func(ctx context.Context, input *struct {
		TaskID string           `path:"task_id"`
		Body   SetParentRequest `json:"body"`
	}) (*taskOutput, error) {
		t, err := e.SetParent(ctx, input.TaskID, input.Body.ParentTaskID, recordedActor(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/approve",
		Summary:     "Approve task",
		Tags:        []string{"tasks"},
		Errors:      conflictErrs,
	}, func(ctx context.Context, input *taskPath) (*taskOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ApproveTask(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/reject",
		Summary:     "Reject task",
		Tags:        []string{"tasks"},
		Errors:      conflictErrs,
	}, func(ctx context.Context, input *struct {
		TaskID string        `path:"task_id"`
		Body   RejectRequest `json:"body"`
	}) (*taskOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.RejectTask(ctx, input.TaskID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-handoffs",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/handoffs",
		Summary:     "List handoffs recorded on a task",
		Tags:        []string{"tasks"},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body []domain.Handoff `json:"body"`
	}, error) {
		items, err := e.ListHandoffs(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Handoff{}
		}
		return &struct {
			Body []domain.Handoff `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-execution-logs",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/execution-logs",
		Summary:     "List execution log files registered for a task",
		Tags:        []string{"tasks"},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body []domain.ExecutionLog `json:"body"`
	}, error) {
		items, err := e.ListExecutionLogs(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ExecutionLog{}
		}
		return &struct {
			Body []domain.ExecutionLog `json:"body"`
		}{Body: items}, nil
	})
}
