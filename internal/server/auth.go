package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"crewline/internal/domain"
)

const (
	adminKeyHeader = "X-Admin-Key"
	agentIDHeader  = "X-Agent-Id"
)

// Principal is the caller of an authenticated request.
type Principal struct {
	AgentID string
	Token   string
	Session *domain.AgentSession
	Source  string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// sessionFromContext returns the caller's session token; only requests
// authenticated with a session token carry one.
func sessionFromContext(ctx context.Context) (Principal, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || p.Source != "session" {
		return Principal{}, newAPIError(http.StatusUnauthorized, "unauthenticated", "session token required", nil)
	}
	return p, nil
}

// actorIDFromContext returns the acting agent. Admin-key callers name it
// with the X-Agent-Id header.
func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.AgentID != "" {
		return p.AgentID, nil
	}
	return "", newAPIError(http.StatusBadRequest, "bad_request", agentIDHeader+" header required", nil)
}

// recordedActor is the actor stored on events for operations that do not
// need an agent to act.
func recordedActor(ctx context.Context) string {
	if p, ok := principalFromContext(ctx); ok && p.AgentID != "" {
		return p.AgentID
	}
	return "admin"
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func isPublicPath(basePath, p string) bool {
	switch p {
	case path.Join(basePath, "health"),
		path.Join(basePath, "docs"),
		path.Join(basePath, "openapi.json"),
		path.Join(basePath, "pull/authenticate"):
		return true
	}
	return false
}

func newAuthMiddleware(basePath string, cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || isPublicPath(basePath, req.URL.Path) {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			adminKey := strings.TrimSpace(req.Header.Get(adminKeyHeader))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthenticated", "invalid credentials", nil))
					return
				}
				sess, err := cfg.Sessions.Validate(req.Context(), token)
				if err != nil {
					respondStatusError(w, handleError(err))
					return
				}
				ctx := withPrincipal(req.Context(), Principal{AgentID: sess.AgentID, Token: token, Session: &sess, Source: "session"})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			if adminKey != "" {
				if cfg.AdminAPIKey == "" || subtle.ConstantTimeCompare([]byte(adminKey), []byte(cfg.AdminAPIKey)) != 1 {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthenticated", "invalid credentials", nil))
					return
				}
				ctx := withPrincipal(req.Context(), Principal{
					AgentID: strings.TrimSpace(req.Header.Get(agentIDHeader)),
					Source:  "admin_key",
				})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthenticated", "authentication required", nil))
		})
	}
}
