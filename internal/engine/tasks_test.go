package engine_test

import (
	"errors"
	"slices"
	"testing"

	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/repo"
)

func TestProjects(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.InitProject(env.Ctx, "proj-1", "", "tester"); engine.CodeOf(err) != engine.CodeValidationFailed {
		t.Fatalf("duplicate project must fail, got %v", err)
	}
	if _, err := env.Engine.InitProject(env.Ctx, "proj-2", "second", "tester"); err != nil {
		t.Fatalf("init: %v", err)
	}
	archived, err := env.Engine.ArchiveProject(env.Ctx, "proj-2", "tester")
	if err != nil || archived.Status != "archived" {
		t.Fatalf("archive = %+v, %v", archived, err)
	}
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-2", Title: "late"})
	if engine.CodeOf(err) != engine.CodeValidationFailed {
		t.Fatalf("archived project must refuse tasks, got %v", err)
	}
	active, err := env.Engine.ListProjects(env.Ctx, "active")
	if err != nil || len(active) != 1 || active[0].ID != "proj-1" {
		t.Fatalf("active projects = %+v, %v", active, err)
	}
}

func TestActiveProjectsWithAgents(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "w1", "", 2)
	env.agent(t, "w2", "", 1)
	first := env.task(t, engine.TaskCreateOptions{Title: "a", AssigneeID: "w1"})
	env.task(t, engine.TaskCreateOptions{Title: "b", AssigneeID: "w2"})
	env.move(t, first.ID, "w1", domain.StatusTodo)

	res, err := env.Engine.ListActiveProjectsWithAgents(env.Ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res) != 1 || res[0].ProjectID != "proj-1" || !slices.Equal(res[0].AgentIDs, []string{"w1"}) {
		t.Fatalf("result = %+v", res)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.InitProject(env.Ctx, "proj-2", "", "tester"); err != nil {
		t.Fatal(err)
	}
	foreign := env.task(t, engine.TaskCreateOptions{ProjectID: "proj-2", Title: "elsewhere"})
	cases := []struct {
		name string
		opts engine.TaskCreateOptions
		code engine.Code
	}{
		{"no title", engine.TaskCreateOptions{ProjectID: "proj-1"}, engine.CodeValidationFailed},
		{"unknown project", engine.TaskCreateOptions{ProjectID: "nope", Title: "x"}, engine.CodeNotFound},
		{"unknown dependency", engine.TaskCreateOptions{ProjectID: "proj-1", Title: "x", Dependencies: []string{"ghost"}}, engine.CodeNotFound},
		{"unknown assignee", engine.TaskCreateOptions{ProjectID: "proj-1", Title: "x", AssigneeID: "ghost"}, engine.CodeNotFound},
		{"parent in other project", engine.TaskCreateOptions{ProjectID: "proj-1", Title: "x", ParentTaskID: foreign.ID}, engine.CodeValidationFailed},
		{"self dependency", engine.TaskCreateOptions{ID: "t-self", ProjectID: "proj-1", Title: "x", Dependencies: []string{"t-self"}}, engine.CodeValidationFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.CreateTask(env.Ctx, tc.opts)
			if got := engine.CodeOf(err); got != tc.code {
				t.Fatalf("code = %s, want %s (err %v)", got, tc.code, err)
			}
		})
	}
}

func TestAssignTask(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "w1", "", 1)
	env.agent(t, "w2", "", 1)
	task := env.task(t, engine.TaskCreateOptions{Title: "T"})

	assigned, err := env.Engine.AssignTask(env.Ctx, task.ID, "w1", "tester")
	if err != nil || assigned.AssigneeID == nil || *assigned.AssigneeID != "w1" {
		t.Fatalf("assign = %+v, %v", assigned, err)
	}
	if _, err := env.Engine.AssignTask(env.Ctx, task.ID, "w2", "tester"); err != nil {
		t.Fatalf("reassign in backlog: %v", err)
	}
	env.move(t, task.ID, "w2", domain.StatusTodo, domain.StatusInProgress)

	_, err = env.Engine.AssignTask(env.Ctx, task.ID, "w1", "tester")
	var reassign *engine.ReassignmentNotAllowedError
	if !errors.As(err, &reassign) || reassign.Status != domain.StatusInProgress {
		t.Fatalf("expected ReassignmentNotAllowed, got %v", err)
	}
	env.move(t, task.ID, "w2", domain.StatusDone)
	if _, err := env.Engine.AssignTask(env.Ctx, task.ID, "", "tester"); engine.CodeOf(err) != engine.CodeReassignmentNotAllowed {
		t.Fatalf("finished tasks keep their assignee, got %v", err)
	}
}

func TestDependencyGraphStaysAcyclic(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, engine.TaskCreateOptions{Title: "A"})
	b := env.task(t, engine.TaskCreateOptions{Title: "B", Dependencies: []string{a.ID}})
	c := env.task(t, engine.TaskCreateOptions{Title: "C", Dependencies: []string{b.ID}})

	_, err := env.Engine.SetDependencies(env.Ctx, a.ID, []string{c.ID}, nil, "tester")
	if engine.CodeOf(err) != engine.CodeValidationFailed {
		t.Fatalf("cycle must be rejected, got %v", err)
	}
	_, err = env.Engine.SetDependencies(env.Ctx, a.ID, []string{a.ID}, nil, "tester")
	if engine.CodeOf(err) != engine.CodeValidationFailed {
		t.Fatalf("self dependency must be rejected, got %v", err)
	}
	updated, err := env.Engine.SetDependencies(env.Ctx, c.ID, []string{a.ID}, []string{b.ID}, "tester")
	if err != nil {
		t.Fatalf("set deps: %v", err)
	}
	if !slices.Equal(updated.Dependencies, []string{a.ID}) {
		t.Fatalf("deps = %v", updated.Dependencies)
	}
}

func TestSetParent(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, engine.TaskCreateOptions{Title: "A"})
	b := env.task(t, engine.TaskCreateOptions{Title: "B", ParentTaskID: a.ID})
	c := env.task(t, engine.TaskCreateOptions{Title: "C", ParentTaskID: b.ID})

	if _, err := env.Engine.SetParent(env.Ctx, a.ID, c.ID, "tester"); engine.CodeOf(err) != engine.CodeValidationFailed {
		t.Fatalf("parent cycle must be rejected, got %v", err)
	}
	if _, err := env.Engine.SetParent(env.Ctx, a.ID, a.ID, "tester"); engine.CodeOf(err) != engine.CodeValidationFailed {
		t.Fatalf("self parent must be rejected, got %v", err)
	}
	moved, err := env.Engine.SetParent(env.Ctx, c.ID, a.ID, "tester")
	if err != nil || moved.ParentTaskID == nil || *moved.ParentTaskID != a.ID {
		t.Fatalf("set parent = %+v, %v", moved, err)
	}
	detached, err := env.Engine.SetParent(env.Ctx, c.ID, "", "tester")
	if err != nil || !detached.TopLevel() {
		t.Fatalf("detach = %+v, %v", detached, err)
	}
}

func TestLockedTaskRefusesEdits(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "w1", "", 1)
	audit := env.audit(t, "a")
	task := env.task(t, engine.TaskCreateOptions{Title: "T"})
	if _, err := env.Engine.Lock(env.Ctx, engine.LockTask, task.ID, audit.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AssignTask(env.Ctx, task.ID, "w1", "tester"); engine.CodeOf(err) != engine.CodeAlreadyLocked {
		t.Fatalf("assign on locked task: %v", err)
	}
	if _, err := env.Engine.SetDependencies(env.Ctx, task.ID, nil, nil, "tester"); engine.CodeOf(err) != engine.CodeAlreadyLocked {
		t.Fatalf("dependency edit on locked task: %v", err)
	}
}

func TestClaimNextTaskOrder(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "w1", "", 1)
	low := env.task(t, engine.TaskCreateOptions{ID: "t-low", Title: "low", Priority: 5, AssigneeID: "w1"})
	high := env.task(t, engine.TaskCreateOptions{ID: "t-high", Title: "high", Priority: 1, AssigneeID: "w1"})
	gated := env.task(t, engine.TaskCreateOptions{ID: "t-gated", Title: "gated", Priority: 0, AssigneeID: "w1", Dependencies: []string{low.ID}})
	pending := env.task(t, engine.TaskCreateOptions{ID: "t-pending", Title: "pending", Priority: 0, AssigneeID: "w1", RequiresApproval: true})
	for _, id := range []string{low.ID, high.ID, gated.ID, pending.ID} {
		env.move(t, id, "w1", domain.StatusTodo)
	}

	res, err := env.Engine.ClaimNextTask(env.Ctx, "proj-1", "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Task.ID != high.ID || res.Task.Status != domain.StatusInProgress {
		t.Fatalf("claimed %+v, want %s", res.Task, high.ID)
	}
	_, err = env.Engine.ClaimNextTask(env.Ctx, "proj-1", "w1")
	if engine.CodeOf(err) != engine.CodeMaxParallelTasksReached {
		t.Fatalf("second claim must hit the cap, got %v", err)
	}
	env.move(t, high.ID, "w1", domain.StatusDone)
	res, err = env.Engine.ClaimNextTask(env.Ctx, "proj-1", "w1")
	if err != nil || res.Task.ID != low.ID {
		t.Fatalf("next claim = %+v, %v", res.Task, err)
	}
	env.move(t, low.ID, "w1", domain.StatusDone)
	res, err = env.Engine.ClaimNextTask(env.Ctx, "proj-1", "w1")
	if err != nil || res.Task.ID != gated.ID {
		t.Fatalf("dependency released claim = %+v, %v", res.Task, err)
	}
	env.move(t, gated.ID, "w1", domain.StatusDone)
	if _, err := env.Engine.ClaimNextTask(env.Ctx, "proj-1", "w1"); engine.CodeOf(err) != engine.CodeNotFound {
		t.Fatalf("pending approval task must not be claimed, got %v", err)
	}
}

func TestWorkingContextAndHandoff(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "w1", "", 1)
	task := env.task(t, engine.TaskCreateOptions{Title: "T", AssigneeID: "w1"})

	wc, err := env.Engine.WorkingContext(env.Ctx, "w1", "proj-1")
	if err != nil || wc != nil {
		t.Fatalf("empty context = %+v, %v", wc, err)
	}
	if _, err := env.Engine.SaveContext(env.Ctx, "w1", "proj-1", "first"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SaveContext(env.Ctx, "w1", "proj-1", "second"); err != nil {
		t.Fatal(err)
	}
	wc, err = env.Engine.WorkingContext(env.Ctx, "w1", "proj-1")
	if err != nil || wc == nil || wc.Content != "second" {
		t.Fatalf("context = %+v, %v", wc, err)
	}

	if _, err := env.Engine.RecordHandoff(env.Ctx, task.ID, "w1", "half done", ""); engine.CodeOf(err) != engine.CodeValidationFailed {
		t.Fatalf("empty next steps must fail, got %v", err)
	}
	if _, err := env.Engine.RecordHandoff(env.Ctx, task.ID, "w1", "half done", "finish the tests"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordHandoff(env.Ctx, task.ID, "w1", "", "then docs"); err != nil {
		t.Fatal(err)
	}
	h, err := env.Engine.TakeHandoff(env.Ctx, task.ID)
	if err != nil || h == nil || h.NextSteps != "finish the tests" || h.DeliveredAt == nil {
		t.Fatalf("first handoff = %+v, %v", h, err)
	}
	h, _ = env.Engine.TakeHandoff(env.Ctx, task.ID)
	if h == nil || h.NextSteps != "then docs" {
		t.Fatalf("second handoff = %+v", h)
	}
	h, _ = env.Engine.TakeHandoff(env.Ctx, task.ID)
	if h != nil {
		t.Fatalf("handoffs are delivered once, got %+v", h)
	}
	all, err := env.Engine.ListHandoffs(env.Ctx, task.ID)
	if err != nil || len(all) != 2 {
		t.Fatalf("handoffs = %+v, %v", all, err)
	}
}

func TestExecutionLogs(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "w1", "", 1)
	task := env.task(t, engine.TaskCreateOptions{Title: "T"})
	if _, err := env.Engine.RegisterExecutionLog(env.Ctx, "w1", task.ID, ""); engine.CodeOf(err) != engine.CodeValidationFailed {
		t.Fatalf("empty path must fail, got %v", err)
	}
	if _, err := env.Engine.RegisterExecutionLog(env.Ctx, "w1", "ghost", "/tmp/x.log"); engine.CodeOf(err) != engine.CodeNotFound {
		t.Fatalf("unknown task must fail, got %v", err)
	}
	l, err := env.Engine.RegisterExecutionLog(env.Ctx, "w1", task.ID, "/var/log/crew/w1.log")
	if err != nil || l.ID == 0 {
		t.Fatalf("register = %+v, %v", l, err)
	}
	logs, err := env.Engine.ListExecutionLogs(env.Ctx, task.ID)
	if err != nil || len(logs) != 1 || logs[0].LogFilePath != "/var/log/crew/w1.log" {
		t.Fatalf("logs = %+v, %v", logs, err)
	}
}

func TestEventsArePublishedAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "w1", "", 1)
	before := len(env.Sink.Events())
	task := env.task(t, engine.TaskCreateOptions{Title: "T"})
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, NewStatus: domain.StatusDone, ActingAgentID: "w1"})
	if err == nil {
		t.Fatalf("backlog -> done must fail")
	}
	published := env.Sink.Events()[before:]
	if len(published) != 1 || published[0].Type != "task.created" {
		t.Fatalf("failed transitions must not publish, got %+v", published)
	}
	stored, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{EntityID: task.ID})
	if err != nil || len(stored) != 1 || stored[0].ID != published[0].ID {
		t.Fatalf("stored = %+v, %v", stored, err)
	}
}

func TestEventLogIsAppendOnly(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DELETE FROM state_change_events`); err == nil {
		t.Fatalf("deleting events must be refused")
	}
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE state_change_events SET type='x'`); err == nil {
		t.Fatalf("updating events must be refused")
	}
}

func TestTransitionRecordsHandoffInSameCommit(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "w1", "", 1)
	task := env.task(t, engine.TaskCreateOptions{Title: "T", AssigneeID: "w1"})
	env.move(t, task.ID, "w1", domain.StatusTodo, domain.StatusInProgress)

	_, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		TaskID: task.ID, NewStatus: domain.StatusCancelled, ActingAgentID: "w1",
		Handoff: &engine.HandoffNote{NextSteps: "retry later"},
	})
	if engine.CodeOf(err) != engine.CodeInvalidStatusTransition {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		TaskID: task.ID, NewStatus: domain.StatusDone, ActingAgentID: "w1",
		Handoff: &engine.HandoffNote{Summary: "shipped"},
	})
	if engine.CodeOf(err) != engine.CodeValidationFailed {
		t.Fatalf("blank next steps must fail, got %v", err)
	}
	if got := env.statusOf(t, task.ID); got != domain.StatusInProgress {
		t.Fatalf("refused transitions changed status to %s", got)
	}
	if hs, err := env.Engine.ListHandoffs(env.Ctx, task.ID); err != nil || len(hs) != 0 {
		t.Fatalf("refused transitions left handoffs %+v, %v", hs, err)
	}

	res, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		TaskID: task.ID, NewStatus: domain.StatusDone, ActingAgentID: "w1",
		Handoff: &engine.HandoffNote{Summary: "shipped", NextSteps: "announce the release"},
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if res.Task.Status != domain.StatusDone || res.Handoff == nil || res.Handoff.ID == 0 {
		t.Fatalf("result = %+v", res)
	}
	hs, err := env.Engine.ListHandoffs(env.Ctx, task.ID)
	if err != nil || len(hs) != 1 || hs[0].NextSteps != "announce the release" || hs[0].FromAgentID != "w1" {
		t.Fatalf("handoffs = %+v, %v", hs, err)
	}
	var types []string
	for _, evt := range env.Sink.Events() {
		types = append(types, evt.Type)
	}
	if !slices.Contains(types, "handoff.recorded") {
		t.Fatalf("events = %v", types)
	}
}
