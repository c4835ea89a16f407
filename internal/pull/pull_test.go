package pull_test

import (
	"context"
	"testing"
	"time"

	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/logging"
	"crewline/internal/migrate"
	"crewline/internal/pull"
	"crewline/internal/session"
)

type testEnv struct {
	Engine   engine.Engine
	Sessions *session.Authority
	Pull     *pull.Coordinator
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
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
		t.Fatalf("session authority: %v", err)
	}
	if _, err := eng.InitProject(ctx, "proj-1", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	for _, opts := range []engine.AgentCreateOptions{
		{ID: "lead"},
		{ID: "w1", ParentAgentID: "lead", Managed: true},
	} {
		if _, err := eng.CreateAgent(ctx, opts); err != nil {
			t.Fatalf("create agent %s: %v", opts.ID, err)
		}
	}
	if err := sessions.SetPasskey(ctx, "w1", "correct horse", "tester"); err != nil {
		t.Fatalf("set passkey: %v", err)
	}
	return testEnv{Engine: eng, Sessions: sessions, Pull: pull.New(eng, sessions, nil), Ctx: ctx}
}

func (env testEnv) login(t *testing.T, projectID string) string {
	t.Helper()
	resp, err := env.Pull.Authenticate(env.Ctx, pull.AuthenticateRequest{AgentID: "w1", Passkey: "correct horse", ProjectID: projectID})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	return resp.SessionToken
}

// todo creates a task for w1 and moves it to todo as lead.
func (env testEnv) todo(t *testing.T, projectID, title string, priority int) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: projectID, Title: title, Priority: priority, AssigneeID: "w1", ActorID: "lead"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, NewStatus: domain.StatusTodo, ActingAgentID: "lead"}); err != nil {
		t.Fatalf("move to todo: %v", err)
	}
	return task
}

func TestAuthenticateReturnsPollInstruction(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.Pull.Authenticate(env.Ctx, pull.AuthenticateRequest{AgentID: "w1", Passkey: "correct horse", ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if resp.SessionToken == "" || resp.Instruction.Action != pull.ActionPoll {
		t.Fatalf("response = %+v", resp)
	}
	if _, err := env.Pull.Authenticate(env.Ctx, pull.AuthenticateRequest{AgentID: "w1", Passkey: "nope nope", ProjectID: "proj-1"}); engine.CodeOf(err) != engine.CodeUnauthenticated {
		t.Fatalf("wrong passkey: %v", err)
	}
}

func TestGetMyTaskStartsBestReadyTask(t *testing.T) {
	env := newTestEnv(t)
	env.todo(t, "proj-1", "later", 5)
	first := env.todo(t, "proj-1", "first", 1)
	token := env.login(t, "proj-1")

	resp, err := env.Pull.GetMyTask(env.Ctx, pull.TokenRequest{SessionToken: token})
	if err != nil {
		t.Fatalf("get my task: %v", err)
	}
	if resp.Task == nil || resp.Task.ID != first.ID || resp.Task.Status != domain.StatusInProgress {
		t.Fatalf("task = %+v", resp.Task)
	}
	if resp.Instruction.Action != pull.ActionWork {
		t.Fatalf("instruction = %+v", resp.Instruction)
	}

	again, err := env.Pull.GetMyTask(env.Ctx, pull.TokenRequest{SessionToken: token})
	if err != nil {
		t.Fatalf("get my task again: %v", err)
	}
	if again.Task == nil || again.Task.ID != first.ID {
		t.Fatalf("second call must resume the same task, got %+v", again.Task)
	}
	sess, err := env.Sessions.Validate(env.Ctx, token)
	if err != nil || sess.CurrentTaskID == nil || *sess.CurrentTaskID != first.ID {
		t.Fatalf("session current task = %+v, %v", sess, err)
	}
}

func TestGetMyTaskWithoutWork(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "proj-1")
	resp, err := env.Pull.GetMyTask(env.Ctx, pull.TokenRequest{SessionToken: token})
	if err != nil {
		t.Fatalf("get my task: %v", err)
	}
	if resp.Task != nil || resp.Instruction.Action != pull.ActionStop {
		t.Fatalf("response = %+v", resp)
	}
}

func TestGetMyTaskWaitsWhenCapReachedElsewhere(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.InitProject(env.Ctx, "proj-2", "", "tester"); err != nil {
		t.Fatal(err)
	}
	busy := env.todo(t, "proj-2", "busy", 1)
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: busy.ID, NewStatus: domain.StatusInProgress, ActingAgentID: "lead"}); err != nil {
		t.Fatalf("start busy task: %v", err)
	}
	waiting := env.todo(t, "proj-1", "waiting", 1)

	token := env.login(t, "proj-1")
	resp, err := env.Pull.GetMyTask(env.Ctx, pull.TokenRequest{SessionToken: token})
	if err != nil {
		t.Fatalf("get my task: %v", err)
	}
	if resp.Task != nil || resp.Instruction.Action != pull.ActionWait {
		t.Fatalf("expected wait, got %+v", resp)
	}
	task, _ := env.Engine.GetTask(env.Ctx, waiting.ID)
	if task.Status != domain.StatusTodo {
		t.Fatalf("refused task must stay todo, got %s", task.Status)
	}
}

func TestReportCompletedSuccess(t *testing.T) {
	env := newTestEnv(t)
	task := env.todo(t, "proj-1", "T", 1)
	token := env.login(t, "proj-1")
	if _, err := env.Pull.GetMyTask(env.Ctx, pull.TokenRequest{SessionToken: token}); err != nil {
		t.Fatal(err)
	}
	ack, err := env.Pull.ReportCompleted(env.Ctx, pull.ReportRequest{SessionToken: token, Result: pull.ResultSuccess, Summary: "shipped", NextSteps: "write docs"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !ack.Ack || ack.TaskID != task.ID || ack.Status != domain.StatusDone {
		t.Fatalf("ack = %+v", ack)
	}
	if _, err := env.Sessions.Validate(env.Ctx, token); engine.CodeOf(err) != engine.CodeSessionExpired {
		t.Fatalf("session must end after reporting, got %v", err)
	}
	handoffs, err := env.Engine.ListHandoffs(env.Ctx, task.ID)
	if err != nil || len(handoffs) != 1 || handoffs[0].NextSteps != "write docs" || handoffs[0].FromAgentID != "w1" {
		t.Fatalf("handoffs = %+v, %v", handoffs, err)
	}
}

func TestReportFailedBlocksWithSummary(t *testing.T) {
	env := newTestEnv(t)
	task := env.todo(t, "proj-1", "T", 1)
	token := env.login(t, "proj-1")
	if _, err := env.Pull.GetMyTask(env.Ctx, pull.TokenRequest{SessionToken: token}); err != nil {
		t.Fatal(err)
	}
	ack, err := env.Pull.ReportCompleted(env.Ctx, pull.ReportRequest{SessionToken: token, Result: pull.ResultFailed, Summary: "tests are red"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if ack.Status != domain.StatusBlocked {
		t.Fatalf("status = %s", ack.Status)
	}
	got, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if got.BlockedReason == nil || *got.BlockedReason != "tests are red" {
		t.Fatalf("blocked reason = %v", got.BlockedReason)
	}
}

func TestReportCompletedValidation(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "proj-1")
	if _, err := env.Pull.ReportCompleted(env.Ctx, pull.ReportRequest{SessionToken: token, Result: "maybe"}); engine.CodeOf(err) != engine.CodeValidationFailed {
		t.Fatalf("unknown result: %v", err)
	}
	if _, err := env.Pull.ReportCompleted(env.Ctx, pull.ReportRequest{SessionToken: token, Result: pull.ResultSuccess}); engine.CodeOf(err) != engine.CodeValidationFailed {
		t.Fatalf("report without a task: %v", err)
	}
	if _, err := env.Pull.ReportCompleted(env.Ctx, pull.ReportRequest{SessionToken: "garbage", Result: pull.ResultSuccess}); engine.CodeOf(err) != engine.CodeUnauthenticated {
		t.Fatalf("bad token: %v", err)
	}
}

func TestHandoffAndContextAreDelivered(t *testing.T) {
	env := newTestEnv(t)
	task := env.todo(t, "proj-1", "T", 1)
	if _, err := env.Engine.RecordHandoff(env.Ctx, task.ID, "lead", "started", "finish the parser"); err != nil {
		t.Fatal(err)
	}
	token := env.login(t, "proj-1")
	if _, err := env.Pull.SaveContext(env.Ctx, pull.SaveContextRequest{SessionToken: token, Content: "remember the flaky test"}); err != nil {
		t.Fatalf("save context: %v", err)
	}
	resp, err := env.Pull.GetMyTask(env.Ctx, pull.TokenRequest{SessionToken: token})
	if err != nil {
		t.Fatalf("get my task: %v", err)
	}
	if resp.Handoff == nil || resp.Handoff.NextSteps != "finish the parser" {
		t.Fatalf("handoff = %+v", resp.Handoff)
	}
	if resp.Context == nil || resp.Context.Content != "remember the flaky test" {
		t.Fatalf("context = %+v", resp.Context)
	}
	again, err := env.Pull.GetMyTask(env.Ctx, pull.TokenRequest{SessionToken: token})
	if err != nil {
		t.Fatal(err)
	}
	if again.Handoff != nil {
		t.Fatalf("handoff must be delivered once, got %+v", again.Handoff)
	}
}

func TestShouldStart(t *testing.T) {
	env := newTestEnv(t)
	check := func(agentID, projectID string, want bool) {
		t.Helper()
		resp, err := env.Pull.ShouldStart(env.Ctx, pull.ShouldStartRequest{AgentID: agentID, ProjectID: projectID})
		if err != nil {
			t.Fatalf("should start: %v", err)
		}
		if resp.ShouldStart != want {
			t.Fatalf("should_start(%s, %s) = %v, want %v", agentID, projectID, resp.ShouldStart, want)
		}
	}
	check("w1", "proj-1", false)
	check("ghost", "proj-1", false)
	check("w1", "nope", false)

	env.todo(t, "proj-1", "T", 1)
	check("w1", "proj-1", true)

	audit, err := env.Engine.CreateAudit(env.Ctx, engine.AuditCreateOptions{Name: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Lock(env.Ctx, engine.LockAgent, "w1", audit.ID); err != nil {
		t.Fatal(err)
	}
	check("w1", "proj-1", false)
	if _, err := env.Engine.Unlock(env.Ctx, engine.LockAgent, "w1", audit.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ArchiveProject(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatal(err)
	}
	check("w1", "proj-1", false)
}

func TestEndSession(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "proj-1")
	if _, err := env.Pull.EndSession(env.Ctx, pull.TokenRequest{SessionToken: token}); err != nil {
		t.Fatalf("end session: %v", err)
	}
	if _, err := env.Pull.EndSession(env.Ctx, pull.TokenRequest{SessionToken: token}); engine.CodeOf(err) != engine.CodeSessionExpired {
		t.Fatalf("ending twice: %v", err)
	}
}

func TestSupervisorListings(t *testing.T) {
	env := newTestEnv(t)
	env.todo(t, "proj-1", "T", 1)
	managed, err := env.Pull.ListManagedAgents(env.Ctx, struct{}{})
	if err != nil || len(managed.AgentIDs) != 1 || managed.AgentIDs[0] != "w1" {
		t.Fatalf("managed = %+v, %v", managed, err)
	}
	projects, err := env.Pull.ListActiveProjectsWithAgents(env.Ctx, struct{}{})
	if err != nil || len(projects.Projects) != 1 || projects.Projects[0].ProjectID != "proj-1" {
		t.Fatalf("projects = %+v, %v", projects, err)
	}
}

func TestLockedAgentSessionIsRevoked(t *testing.T) {
	env := newTestEnv(t)
	task := env.todo(t, "proj-1", "T", 1)
	token := env.login(t, "proj-1")
	audit, err := env.Engine.CreateAudit(env.Ctx, engine.AuditCreateOptions{Name: "freeze"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Lock(env.Ctx, engine.LockAgent, "w1", audit.ID); err != nil {
		t.Fatalf("lock agent: %v", err)
	}

	if _, err := env.Pull.GetMyTask(env.Ctx, pull.TokenRequest{SessionToken: token}); engine.CodeOf(err) != engine.CodeUnauthenticated {
		t.Fatalf("locked agent must not poll, got %v", err)
	}
	if got, _ := env.Engine.GetTask(env.Ctx, task.ID); got.Status != domain.StatusTodo {
		t.Fatalf("task started for a locked agent: %s", got.Status)
	}
	if _, err := env.Pull.ReportCompleted(env.Ctx, pull.ReportRequest{SessionToken: token, Result: pull.ResultSuccess}); engine.CodeOf(err) != engine.CodeSessionExpired {
		t.Fatalf("revoked session must stay ended, got %v", err)
	}

	if _, err := env.Engine.Unlock(env.Ctx, engine.LockAgent, "w1", audit.ID); err != nil {
		t.Fatalf("unlock agent: %v", err)
	}
	if _, err := env.Sessions.Validate(env.Ctx, token); engine.CodeOf(err) != engine.CodeSessionExpired {
		t.Fatalf("unlocking must not revive the session, got %v", err)
	}
	resp, err := env.Pull.GetMyTask(env.Ctx, pull.TokenRequest{SessionToken: env.login(t, "proj-1")})
	if err != nil || resp.Task == nil || resp.Task.ID != task.ID {
		t.Fatalf("fresh session after unlock = %+v, %v", resp.Task, err)
	}
}

func TestLockedAgentCannotReportStartedTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.todo(t, "proj-1", "T", 1)
	token := env.login(t, "proj-1")
	if _, err := env.Pull.GetMyTask(env.Ctx, pull.TokenRequest{SessionToken: token}); err != nil {
		t.Fatal(err)
	}
	audit, err := env.Engine.CreateAudit(env.Ctx, engine.AuditCreateOptions{Name: "freeze"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Lock(env.Ctx, engine.LockAgent, "w1", audit.ID); err != nil {
		t.Fatalf("lock agent: %v", err)
	}
	if _, err := env.Pull.ReportCompleted(env.Ctx, pull.ReportRequest{SessionToken: token, Result: pull.ResultSuccess}); engine.CodeOf(err) != engine.CodeUnauthenticated {
		t.Fatalf("locked agent must not report, got %v", err)
	}
	if got, _ := env.Engine.GetTask(env.Ctx, task.ID); got.Status != domain.StatusInProgress {
		t.Fatalf("task status = %s", got.Status)
	}
}

type sinkFunc func(ctx context.Context, evts []domain.StateChangeEvent)

func (f sinkFunc) Publish(ctx context.Context, evts []domain.StateChangeEvent) { f(ctx, evts) }

func TestReportAcksWhenSessionAlreadyEnded(t *testing.T) {
	env := newTestEnv(t)
	task := env.todo(t, "proj-1", "T", 1)

	// Ending the session as soon as the task is done makes the report's own
	// session end fail after the commit.
	var sessions *session.Authority
	var sessionID string
	eng := env.Engine
	eng.Sink = sinkFunc(func(ctx context.Context, evts []domain.StateChangeEvent) {
		for _, evt := range evts {
			if evt.Type == "task.status_changed" && evt.NewState == string(domain.StatusDone) {
				if err := sessions.End(ctx, sessionID, "revoked"); err != nil {
					t.Errorf("end session from sink: %v", err)
				}
			}
		}
	})
	sessions, err := session.New(eng, session.Config{Secret: "test-secret"})
	if err != nil {
		t.Fatal(err)
	}
	coord := pull.New(eng, sessions, logging.Discard())
	auth, err := coord.Authenticate(env.Ctx, pull.AuthenticateRequest{AgentID: "w1", Passkey: "correct horse", ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	sess, err := sessions.Validate(env.Ctx, auth.SessionToken)
	if err != nil {
		t.Fatal(err)
	}
	sessionID = sess.ID
	if _, err := coord.GetMyTask(env.Ctx, pull.TokenRequest{SessionToken: auth.SessionToken}); err != nil {
		t.Fatal(err)
	}

	ack, err := coord.ReportCompleted(env.Ctx, pull.ReportRequest{SessionToken: auth.SessionToken, Result: pull.ResultSuccess, Summary: "shipped", NextSteps: "tag the release"})
	if err != nil {
		t.Fatalf("report must be acked once committed: %v", err)
	}
	if !ack.Ack || ack.Status != domain.StatusDone {
		t.Fatalf("ack = %+v", ack)
	}
	hs, err := env.Engine.ListHandoffs(env.Ctx, task.ID)
	if err != nil || len(hs) != 1 || hs[0].NextSteps != "tag the release" {
		t.Fatalf("handoffs = %+v, %v", hs, err)
	}
}
