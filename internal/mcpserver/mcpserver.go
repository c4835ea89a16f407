// Package mcpserver exposes the worker side of the pull protocol as MCP
// tools over stdio, so agents running inside an MCP client can poll for
// work without an HTTP client.
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"crewline/internal/engine"
	"crewline/internal/pull"
)

// Version is set at build time via ldflags.
var Version = "dev"

const instructions = `crewline hands out work to agents. Call authenticate with your agent id,
passkey and project, then call get_my_task with the returned session_token.
Follow the instruction in every response: work means do the task and call
report_completed, wait means poll get_my_task again later, stop means exit.`

// New builds an MCP server carrying one tool per worker command.
func New(reg *pull.Registry, logger *slog.Logger) *server.MCPServer {
	s := server.NewMCPServer(
		"crewline",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	s.AddTools(Tools(reg, logger)...)
	return s
}

// Serve runs s on stdin/stdout until the client disconnects.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

// Tools converts the worker commands of reg into MCP tools. Supervisor
// commands are never exposed to agents.
func Tools(reg *pull.Registry, logger *slog.Logger) []server.ServerTool {
	if logger == nil {
		logger = slog.Default()
	}
	var tools []server.ServerTool
	for _, cmd := range reg.Commands(pull.AccessWorker) {
		tools = append(tools, server.ServerTool{Tool: toolFor(cmd), Handler: handlerFor(reg, cmd.Name, logger)})
	}
	return tools
}

func toolFor(cmd pull.Command) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(cmd.Description)}
	for _, p := range cmd.Params {
		popts := []mcp.PropertyOption{mcp.Description(p.Description)}
		if p.Required {
			popts = append(popts, mcp.Required())
		}
		if len(p.Enum) > 0 {
			popts = append(popts, mcp.Enum(p.Enum...))
		}
		opts = append(opts, mcp.WithString(p.Name, popts...))
	}
	return mcp.NewTool(cmd.Name, opts...)
}

type toolError struct {
	Code      engine.Code `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable,omitempty"`
}

func handlerFor(reg *pull.Registry, name string, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := reg.Dispatch(ctx, name, req.GetArguments())
		if err != nil {
			te := toolError{Code: engine.CodeOf(err), Message: err.Error(), Retryable: engine.Retryable(err)}
			if te.Retryable {
				logger.ErrorContext(ctx, "mcp tool failed", "tool", name, "error", err)
				te.Message = "internal error"
			}
			data, _ := json.Marshal(te)
			return mcp.NewToolResultError(string(data)), nil
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}
