package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"crewline/internal/pull"
)

func registerPull(api huma.API, c *pull.Coordinator) {
	errs := []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity}

	huma.Register(api, huma.Operation{
		OperationID: "pull-authenticate",
		Method:      http.MethodPost,
		Path:        "/pull/authenticate",
		Summary:     "Authenticate an agent and open a session",
		Tags:        []string{"pull"},
		Errors:      errs,
	}, func(ctx context.Context, input *struct {
		Body pull.AuthenticateRequest `json:"body"`
	}) (*struct {
		Body pull.AuthenticateResponse `json:"body"`
	}, error) {
		res, err := c.Authenticate(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body pull.AuthenticateResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pull-get-my-task",
		Method:      http.MethodPost,
		Path:        "/pull/task",
		Summary:     "Get the task this session should work on",
		Tags:        []string{"pull"},
		Errors:      errs,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body pull.TaskResponse `json:"body"`
	}, error) {
		p, authErr := sessionFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := c.GetMyTask(ctx, pull.TokenRequest{SessionToken: p.Token})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body pull.TaskResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pull-report-completed",
		Method:      http.MethodPost,
		Path:        "/pull/report",
		Summary:     "Report the outcome of the current task and end the session",
		Tags:        []string{"pull"},
		Errors:      errs,
	}, func(ctx context.Context, input *struct {
		Body ReportRequest `json:"body"`
	}) (*struct {
		Body pull.ReportResponse `json:"body"`
	}, error) {
		p, authErr := sessionFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := c.ReportCompleted(ctx, pull.ReportRequest{
			SessionToken: p.Token,
			Result:       input.Body.Result,
			Summary:      input.Body.Summary,
			NextSteps:    input.Body.NextSteps,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body pull.ReportResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pull-save-context",
		Method:      http.MethodPut,
		Path:        "/pull/context",
		Summary:     "Save working notes for this agent and project",
		Tags:        []string{"pull"},
		Errors:      errs,
	}, func(ctx context.Context, input *struct {
		Body SaveContextRequest `json:"body"`
	}) (*struct {
		Body pull.Ack `json:"body"`
	}, error) {
		p, authErr := sessionFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := c.SaveContext(ctx, pull.SaveContextRequest{SessionToken: p.Token, Content: input.Body.Content})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body pull.Ack `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pull-end-session",
		Method:      http.MethodPost,
		Path:        "/pull/end",
		Summary:     "End the session without reporting",
		Tags:        []string{"pull"},
		Errors:      errs,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body pull.Ack `json:"body"`
	}, error) {
		p, authErr := sessionFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := c.EndSession(ctx, pull.TokenRequest{SessionToken: p.Token})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body pull.Ack `json:"body"`
		}{Body: res}, nil
	})
}
