package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"crewline/internal/engine"
	"crewline/internal/pull"
	"crewline/internal/session"
)

// Config for the HTTP API handler.
type Config struct {
	Engine      engine.Engine
	Sessions    *session.Authority
	Pull        *pull.Coordinator
	BasePath    string
	AdminAPIKey string
	Logger      *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"max_parallel_tasks_reached"`
	Message string         `json:"message" example:"agent w1 already has 1 of 1 parallel tasks in progress"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope shared by every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the crewline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Sessions == nil || cfg.Pull == nil {
		return nil, errors.New("server: sessions and pull coordinator are required")
	}
	basePath := normalizeBasePath(cfg.BasePath)
	configureHumaErrors()

	router := chi.NewRouter()
	router.Use(requestLogger(cfg.logger()))
	router.Use(newAuthMiddleware(basePath, cfg))
	hcfg := huma.DefaultConfig("crewline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerPull(group, cfg.Pull)
	registerProjects(group, cfg.Engine)
	registerAgents(group, cfg.Engine, cfg.Sessions)
	registerTasks(group, cfg.Engine)
	registerAudits(group, cfg.Engine)
	registerLocks(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerSessions(group, cfg.Sessions)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func normalizeBasePath(basePath string) string {
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	return strings.TrimSuffix(basePath, "/")
}

// configureHumaErrors overrides huma's error type with the crewline envelope.
func configureHumaErrors() {
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// statusForCode maps engine error codes to HTTP statuses.
func statusForCode(code engine.Code) int {
	switch code {
	case engine.CodeValidationFailed:
		return http.StatusBadRequest
	case engine.CodeNotFound:
		return http.StatusNotFound
	case engine.CodePermissionDenied:
		return http.StatusForbidden
	case engine.CodeUnauthenticated, engine.CodeSessionExpired:
		return http.StatusUnauthorized
	case engine.CodeInvalidStatusTransition, engine.CodeDependencyNotComplete, engine.CodeMaxParallelTasksReached:
		return http.StatusUnprocessableEntity
	case engine.CodeAlreadyLocked, engine.CodeNotLocked, engine.CodeReassignmentNotAllowed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	code := engine.CodeOf(err)
	status := statusForCode(code)
	var details map[string]any
	var (
		depErr  *engine.DependencyNotCompleteError
		capErr  *engine.MaxParallelTasksReachedError
		lockErr *engine.AlreadyLockedError
		valErr  *engine.ValidationError
	)
	switch {
	case errors.As(err, &depErr):
		details = map[string]any{"blocked_by": depErr.BlockedBy}
	case errors.As(err, &capErr):
		details = map[string]any{"agent_id": capErr.AgentID, "max": capErr.Max, "current": capErr.Current}
	case errors.As(err, &lockErr):
		details = map[string]any{"audit_id": lockErr.AuditID}
	case errors.As(err, &valErr):
		details = map[string]any{"field": valErr.Field}
	}
	if code == engine.CodeInfrastructure {
		return newAPIError(status, string(code), "internal error", map[string]any{"retryable": true})
	}
	return newAPIError(status, string(code), err.Error(), details)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthenticated"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.DebugContext(r.Context(), "http request",
				"method", r.Method, "path", r.URL.Path, "status", rec.status)
		})
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{Description: "Error"}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["sessionAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["adminKey"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: adminKeyHeader,
	}
	security := []map[string][]string{{"sessionAuth": {}}, {"adminKey": {}}}
	oas.Security = security
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if isPublicPath(basePath, route) {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>crewline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' });
      };
    </script>
  </body>
</html>`, specURL)
}

type healthOutput struct {
	Body map[string]string `json:"body"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		return &healthOutput{Body: map[string]string{"status": "ok"}}, nil
	})
}
