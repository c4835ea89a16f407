package mcpserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"crewline/internal/db"
	"crewline/internal/engine"
	"crewline/internal/logging"
	"crewline/internal/migrate"
	"crewline/internal/pull"
	"crewline/internal/session"
)

func newTestTools(t *testing.T) map[string]server.ServerTool {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, nil, nil, logging.Discard())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC) }
	sessions, err := session.New(eng, session.Config{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if _, err := eng.InitProject(ctx, "proj-1", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	if _, err := eng.CreateAgent(ctx, engine.AgentCreateOptions{ID: "w1"}); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if err := sessions.SetPasskey(ctx, "w1", "correct horse", "tester"); err != nil {
		t.Fatalf("set passkey: %v", err)
	}
	reg := pull.NewRegistry(pull.New(eng, sessions, logging.Discard()))
	out := map[string]server.ServerTool{}
	for _, tool := range Tools(reg, logging.Discard()) {
		out[tool.Tool.Name] = tool
	}
	return out
}

func call(t *testing.T, tool server.ServerTool, args map[string]any) (*mcp.CallToolResult, string) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Name = tool.Tool.Name
	req.Params.Arguments = args
	res, err := tool.Handler(context.Background(), req)
	if err != nil {
		t.Fatalf("%s: %v", tool.Tool.Name, err)
	}
	if len(res.Content) != 1 {
		t.Fatalf("%s: content = %+v", tool.Tool.Name, res.Content)
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("%s: unexpected content %T", tool.Tool.Name, res.Content[0])
	}
	return res, text.Text
}

func TestOnlyWorkerCommandsAreTools(t *testing.T) {
	tools := newTestTools(t)
	for _, name := range []string{"authenticate", "get_my_task", "report_completed", "save_context", "end_session"} {
		if _, ok := tools[name]; !ok {
			t.Fatalf("missing tool %s", name)
		}
	}
	for _, name := range []string{"should_start", "register_execution_log_file", "list_managed_agents"} {
		if _, ok := tools[name]; ok {
			t.Fatalf("supervisor command %s must not be a tool", name)
		}
	}
	schema := tools["report_completed"].Tool.InputSchema
	if len(schema.Required) != 2 {
		t.Fatalf("report_completed required = %v", schema.Required)
	}
}

func TestAuthenticateAndPollThroughTools(t *testing.T) {
	tools := newTestTools(t)
	res, text := call(t, tools["authenticate"], map[string]any{"agent_id": "w1", "passkey": "correct horse", "project_id": "proj-1"})
	if res.IsError {
		t.Fatalf("authenticate failed: %s", text)
	}
	var auth pull.AuthenticateResponse
	if err := json.Unmarshal([]byte(text), &auth); err != nil || auth.SessionToken == "" {
		t.Fatalf("authenticate result = %s (%v)", text, err)
	}

	res, text = call(t, tools["get_my_task"], map[string]any{"session_token": auth.SessionToken})
	if res.IsError {
		t.Fatalf("get_my_task failed: %s", text)
	}
	var got pull.TaskResponse
	_ = json.Unmarshal([]byte(text), &got)
	if got.Task != nil || got.Instruction.Action != pull.ActionStop {
		t.Fatalf("get_my_task result = %s", text)
	}
}

func TestToolErrorsCarryCodes(t *testing.T) {
	tools := newTestTools(t)
	res, text := call(t, tools["authenticate"], map[string]any{"agent_id": "w1", "passkey": "wrong passkey", "project_id": "proj-1"})
	if !res.IsError {
		t.Fatalf("expected tool error, got %s", text)
	}
	var te toolError
	if err := json.Unmarshal([]byte(text), &te); err != nil || te.Code != engine.CodeUnauthenticated {
		t.Fatalf("tool error = %s (%v)", text, err)
	}

	res, text = call(t, tools["get_my_task"], map[string]any{})
	if !res.IsError {
		t.Fatalf("missing token must fail, got %s", text)
	}
	_ = json.Unmarshal([]byte(text), &te)
	if te.Code != engine.CodeValidationFailed {
		t.Fatalf("tool error = %s", text)
	}
}
