package pull

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"crewline/internal/engine"
)

// Access says who may invoke a command.
type Access string

const (
	// AccessWorker commands are called by agents; most carry a session token.
	AccessWorker Access = "worker"
	// AccessSupervisor commands are reserved to the local process supervisor.
	AccessSupervisor Access = "supervisor"
)

type Param struct {
	Name        string
	Description string
	Required    bool
	Enum        []string
}

// Command describes one protocol call. Run decodes its arguments and
// dispatches to the Coordinator.
type Command struct {
	Name        string
	Description string
	Access      Access
	Params      []Param
	Run         func(ctx context.Context, args map[string]any) (any, error)
}

type Registry struct {
	commands map[string]Command
}

func (r *Registry) Register(cmd Command) {
	if r.commands == nil {
		r.commands = map[string]Command{}
	}
	if _, exists := r.commands[cmd.Name]; exists {
		panic(fmt.Sprintf("pull: command %q registered twice", cmd.Name))
	}
	r.commands[cmd.Name] = cmd
}

func (r *Registry) Lookup(name string) (Command, bool) {
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Commands returns the registered commands sorted by name, optionally
// restricted to the given access levels.
func (r *Registry) Commands(access ...Access) []Command {
	out := make([]Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		if len(access) > 0 && !containsAccess(access, cmd.Access) {
			continue
		}
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]any) (any, error) {
	cmd, ok := r.Lookup(name)
	if !ok {
		return nil, &engine.NotFoundError{Entity: "command", ID: name}
	}
	for _, p := range cmd.Params {
		if !p.Required {
			continue
		}
		v, ok := args[p.Name]
		if s, isString := v.(string); !ok || v == nil || (isString && strings.TrimSpace(s) == "") {
			return nil, &engine.ValidationError{Field: p.Name, Reason: "is required"}
		}
	}
	return cmd.Run(ctx, args)
}

func containsAccess(list []Access, a Access) bool {
	for _, v := range list {
		if v == a {
			return true
		}
	}
	return false
}

// handle adapts a typed Coordinator method to a Command runner.
func handle[Req, Res any](fn func(context.Context, Req) (Res, error)) func(context.Context, map[string]any) (any, error) {
	return func(ctx context.Context, args map[string]any) (any, error) {
		var req Req
		if len(args) > 0 {
			raw, err := json.Marshal(args)
			if err != nil {
				return nil, &engine.ValidationError{Field: "arguments", Reason: err.Error()}
			}
			if err := json.Unmarshal(raw, &req); err != nil {
				return nil, &engine.ValidationError{Field: "arguments", Reason: err.Error()}
			}
		}
		return fn(ctx, req)
	}
}

var (
	tokenParam = Param{Name: "session_token", Description: "Session token returned by authenticate", Required: true}
	agentParam = Param{Name: "agent_id", Description: "Agent identifier", Required: true}
)

// NewRegistry registers every protocol command against c.
func NewRegistry(c *Coordinator) *Registry {
	r := &Registry{}
	r.Register(Command{
		Name:        "authenticate",
		Description: "Authenticate an agent for a project and open a work session",
		Access:      AccessWorker,
		Params: []Param{
			agentParam,
			{Name: "passkey", Description: "Agent passkey", Required: true},
			{Name: "project_id", Description: "Project to work on", Required: true},
			{Name: "purpose", Description: "Session purpose; a new session ends older ones with the same purpose"},
		},
		Run: handle(c.Authenticate),
	})
	r.Register(Command{
		Name:        "get_my_task",
		Description: "Return the task this session should work on, starting the next ready one if needed",
		Access:      AccessWorker,
		Params:      []Param{tokenParam},
		Run:         handle(c.GetMyTask),
	})
	r.Register(Command{
		Name:        "report_completed",
		Description: "Report the outcome of the current task and end the session",
		Access:      AccessWorker,
		Params: []Param{
			tokenParam,
			{Name: "result", Description: "Outcome of the work", Required: true, Enum: []string{string(ResultSuccess), string(ResultFailed), string(ResultBlocked)}},
			{Name: "summary", Description: "What was done, or why the task is blocked"},
			{Name: "next_steps", Description: "Notes for whoever picks the task up next"},
		},
		Run: handle(c.ReportCompleted),
	})
	r.Register(Command{
		Name:        "save_context",
		Description: "Persist free-form working notes for this agent and project",
		Access:      AccessWorker,
		Params: []Param{
			tokenParam,
			{Name: "content", Description: "Notes to keep between sessions", Required: true},
		},
		Run: handle(c.SaveContext),
	})
	r.Register(Command{
		Name:        "end_session",
		Description: "End the session without reporting a result",
		Access:      AccessWorker,
		Params:      []Param{tokenParam},
		Run:         handle(c.EndSession),
	})
	r.Register(Command{
		Name:        "should_start",
		Description: "Tell whether a worker process for the agent has anything to do",
		Access:      AccessSupervisor,
		Params: []Param{
			agentParam,
			{Name: "project_id", Description: "Project identifier", Required: true},
		},
		Run: handle(c.ShouldStart),
	})
	r.Register(Command{
		Name:        "list_managed_agents",
		Description: "List agents whose processes the supervisor manages",
		Access:      AccessSupervisor,
		Run:         handle(c.ListManagedAgents),
	})
	r.Register(Command{
		Name:        "list_active_projects_with_agents",
		Description: "List active projects with the agents that have tasks in them",
		Access:      AccessSupervisor,
		Run:         handle(c.ListActiveProjectsWithAgents),
	})
	r.Register(Command{
		Name:        "register_execution_log_file",
		Description: "Record where a worker's execution log was written",
		Access:      AccessSupervisor,
		Params: []Param{
			agentParam,
			{Name: "task_id", Description: "Task the log belongs to", Required: true},
			{Name: "log_file_path", Description: "Path of the log file", Required: true},
		},
		Run: handle(c.RegisterExecutionLogFile),
	})
	return r
}
