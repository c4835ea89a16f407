package server

import (
	"context"
	"net"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"crewline/internal/pull"
)

// NewSupervisor returns the handler for the local process supervisor.
// It answers loopback clients only and carries no other authentication.
func NewSupervisor(c *pull.Coordinator) http.Handler {
	configureHumaErrors()
	router := chi.NewRouter()
	router.Use(loopbackOnly)
	hcfg := huma.DefaultConfig("crewline supervisor API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	registerHealth(api)

	huma.Register(api, huma.Operation{
		OperationID: "should-start",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/should-start",
		Summary:     "Tell whether a worker process for the agent has anything to do",
		Tags:        []string{"supervisor"},
	}, func(ctx context.Context, input *struct {
		AgentID   string `path:"agent_id"`
		ProjectID string `query:"project_id" required:"true"`
	}) (*struct {
		Body pull.ShouldStartResponse `json:"body"`
	}, error) {
		res, err := c.ShouldStart(ctx, pull.ShouldStartRequest{AgentID: input.AgentID, ProjectID: input.ProjectID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body pull.ShouldStartResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-managed-agents",
		Method:      http.MethodGet,
		Path:        "/managed-agents",
		Summary:     "List agents whose processes the supervisor manages",
		Tags:        []string{"supervisor"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body pull.ManagedAgentsResponse `json:"body"`
	}, error) {
		res, err := c.ListManagedAgents(ctx, struct{}{})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body pull.ManagedAgentsResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-active-projects",
		Method:      http.MethodGet,
		Path:        "/active-projects",
		Summary:     "List active projects with the agents that have work in them",
		Tags:        []string{"supervisor"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body pull.ActiveProjectsResponse `json:"body"`
	}, error) {
		res, err := c.ListActiveProjectsWithAgents(ctx, struct{}{})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body pull.ActiveProjectsResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register-execution-log",
		Method:        http.MethodPost,
		Path:          "/execution-logs",
		Summary:       "Record where a worker's execution log was written",
		Tags:          []string{"supervisor"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body pull.ExecutionLogRequest `json:"body"`
	}) (*struct {
		Body pull.Ack `json:"body"`
	}, error) {
		res, err := c.RegisterExecutionLogFile(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body pull.Ack `json:"body"`
		}{Body: res}, nil
	})

	return router
}

func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			respondStatusError(w, newAPIError(http.StatusForbidden, "forbidden", "supervisor API is only reachable from loopback", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}
