package pull_test

import (
	"testing"

	"crewline/internal/engine"
	"crewline/internal/pull"
)

func TestRegistryCommandsByAccess(t *testing.T) {
	env := newTestEnv(t)
	reg := pull.NewRegistry(env.Pull)
	var names []string
	for _, cmd := range reg.Commands(pull.AccessWorker) {
		names = append(names, cmd.Name)
	}
	want := []string{"authenticate", "end_session", "get_my_task", "report_completed", "save_context"}
	if len(names) != len(want) {
		t.Fatalf("worker commands = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("worker commands = %v, want %v", names, want)
		}
	}
	if got := len(reg.Commands()); got != 9 {
		t.Fatalf("all commands = %d", got)
	}
}

func TestRegistryDispatch(t *testing.T) {
	env := newTestEnv(t)
	reg := pull.NewRegistry(env.Pull)

	if _, err := reg.Dispatch(env.Ctx, "nope", nil); engine.CodeOf(err) != engine.CodeNotFound {
		t.Fatalf("unknown command: %v", err)
	}
	_, err := reg.Dispatch(env.Ctx, "authenticate", map[string]any{"agent_id": "w1", "passkey": " "})
	if engine.CodeOf(err) != engine.CodeValidationFailed {
		t.Fatalf("blank required argument: %v", err)
	}

	out, err := reg.Dispatch(env.Ctx, "authenticate", map[string]any{"agent_id": "w1", "passkey": "correct horse", "project_id": "proj-1"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	auth, ok := out.(pull.AuthenticateResponse)
	if !ok || auth.SessionToken == "" {
		t.Fatalf("authenticate result = %#v", out)
	}

	out, err = reg.Dispatch(env.Ctx, "get_my_task", map[string]any{"session_token": auth.SessionToken})
	if err != nil {
		t.Fatalf("get_my_task: %v", err)
	}
	if resp := out.(pull.TaskResponse); resp.Instruction.Action != pull.ActionStop {
		t.Fatalf("get_my_task result = %+v", resp)
	}
}

func TestRegisterExecutionLogFileThroughRegistry(t *testing.T) {
	env := newTestEnv(t)
	task := env.todo(t, "proj-1", "T", 1)
	reg := pull.NewRegistry(env.Pull)
	if _, err := reg.Dispatch(env.Ctx, "register_execution_log_file", map[string]any{"agent_id": "w1", "task_id": task.ID, "log_file_path": "/var/log/crew/w1.log"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	logs, err := env.Engine.ListExecutionLogs(env.Ctx, task.ID)
	if err != nil || len(logs) != 1 || logs[0].LogFilePath != "/var/log/crew/w1.log" {
		t.Fatalf("logs = %+v, %v", logs, err)
	}
}
