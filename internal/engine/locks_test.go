package engine_test

import (
	"errors"
	"testing"

	"crewline/internal/domain"
	"crewline/internal/engine"
)

func TestLockOwnership(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "w1", "", 1)
	holder := env.audit(t, "holder")
	other := env.audit(t, "other")
	task := env.task(t, engine.TaskCreateOptions{Title: "T", AssigneeID: "w1"})

	state, err := env.Engine.Lock(env.Ctx, engine.LockTask, task.ID, holder.ID)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !state.IsLocked || state.AuditID != holder.ID || state.LockedAt == "" {
		t.Fatalf("lock state = %+v", state)
	}

	_, err = env.Engine.Lock(env.Ctx, engine.LockTask, task.ID, other.ID)
	var already *engine.AlreadyLockedError
	if !errors.As(err, &already) || already.AuditID != holder.ID {
		t.Fatalf("expected AlreadyLockedError held by %s, got %v", holder.ID, err)
	}

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, NewStatus: domain.StatusTodo, ActingAgentID: "w1"})
	if engine.CodeOf(err) != engine.CodeAlreadyLocked {
		t.Fatalf("locked task must reject transitions, got %v", err)
	}

	_, err = env.Engine.Unlock(env.Ctx, engine.LockTask, task.ID, other.ID)
	if engine.CodeOf(err) != engine.CodePermissionDenied {
		t.Fatalf("only the holder may unlock, got %v", err)
	}

	if _, err := env.Engine.Unlock(env.Ctx, engine.LockTask, task.ID, holder.ID); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	_, err = env.Engine.Unlock(env.Ctx, engine.LockTask, task.ID, holder.ID)
	if engine.CodeOf(err) != engine.CodeNotLocked {
		t.Fatalf("expected NotLocked, got %v", err)
	}
	env.move(t, task.ID, "w1", domain.StatusTodo)
}

func TestLockRequiresActiveAudit(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "w1", "", 1)
	audit := env.audit(t, "paused")
	if _, err := env.Engine.SetAuditStatus(env.Ctx, audit.ID, domain.AuditSuspended, "tester"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	_, err := env.Engine.Lock(env.Ctx, engine.LockAgent, "w1", audit.ID)
	if engine.CodeOf(err) != engine.CodeValidationFailed {
		t.Fatalf("suspended audit must not lock, got %v", err)
	}
	_, err = env.Engine.Lock(env.Ctx, engine.LockAgent, "w1", "missing")
	if engine.CodeOf(err) != engine.CodeNotFound {
		t.Fatalf("unknown audit must be not found, got %v", err)
	}
}

func TestUnlockAfterAuditSuspended(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "w1", "", 1)
	audit := env.audit(t, "a")
	if _, err := env.Engine.Lock(env.Ctx, engine.LockAgent, "w1", audit.ID); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := env.Engine.SetAuditStatus(env.Ctx, audit.ID, domain.AuditSuspended, "tester"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if _, err := env.Engine.Unlock(env.Ctx, engine.LockAgent, "w1", audit.ID); err != nil {
		t.Fatalf("holder must be able to release after suspension: %v", err)
	}
}

func TestLockedAgentCannotBeUpdated(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "w1", "", 1)
	audit := env.audit(t, "a")
	if _, err := env.Engine.Lock(env.Ctx, engine.LockAgent, "w1", audit.ID); err != nil {
		t.Fatalf("lock: %v", err)
	}
	state, err := env.Engine.LockStateOf(env.Ctx, engine.LockAgent, "w1")
	if err != nil || !state.IsLocked || state.AuditID != audit.ID {
		t.Fatalf("lock state = %+v, %v", state, err)
	}
	limit := 3
	_, err = env.Engine.UpdateAgent(env.Ctx, engine.AgentUpdateOptions{ID: "w1", MaxParallelTasks: &limit})
	if engine.CodeOf(err) != engine.CodeAlreadyLocked {
		t.Fatalf("expected AlreadyLocked, got %v", err)
	}
}

func TestLockUnknownEntityType(t *testing.T) {
	env := newTestEnv(t)
	audit := env.audit(t, "a")
	_, err := env.Engine.Lock(env.Ctx, engine.LockEntity("project"), "proj-1", audit.ID)
	if engine.CodeOf(err) != engine.CodeValidationFailed {
		t.Fatalf("expected validation error, got %v", err)
	}
}
