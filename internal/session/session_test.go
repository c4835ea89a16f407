package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/logging"
	"crewline/internal/migrate"
	"crewline/internal/repo"
	"crewline/internal/session"
)

type testEnv struct {
	Engine    engine.Engine
	Authority *session.Authority
	Ctx       context.Context
	clock     *time.Time
}

func (env testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
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
	clock := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	eng := engine.New(conn, nil, nil, logging.Discard())
	eng.Now = func() time.Time { return clock }
	auth, err := session.New(eng, session.Config{TTL: time.Hour, IdleTimeout: 10 * time.Minute, Secret: "test-secret"})
	if err != nil {
		t.Fatalf("session authority: %v", err)
	}
	if _, err := eng.InitProject(ctx, "proj-1", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	if _, err := eng.CreateAgent(ctx, engine.AgentCreateOptions{ID: "w1"}); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if err := auth.SetPasskey(ctx, "w1", "correct horse", "tester"); err != nil {
		t.Fatalf("set passkey: %v", err)
	}
	return testEnv{Engine: eng, Authority: auth, Ctx: ctx, clock: &clock}
}

func (env testEnv) login(t *testing.T, purpose string) session.Grant {
	t.Helper()
	g, err := env.Authority.Authenticate(env.Ctx, session.Credentials{AgentID: "w1", Passkey: "correct horse", ProjectID: "proj-1", Purpose: purpose})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	return g
}

func TestAuthenticateAndValidate(t *testing.T) {
	env := newTestEnv(t)
	g := env.login(t, "")
	if g.Token == "" || g.Session.Purpose != session.DefaultPurpose || g.Session.State != domain.SessionActive {
		t.Fatalf("grant = %+v", g)
	}
	if g.Session.ExpiresAt != "2024-01-01T10:00:00Z" {
		t.Fatalf("expires at = %s", g.Session.ExpiresAt)
	}
	sess, err := env.Authority.Validate(env.Ctx, g.Token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if sess.ID != g.Session.ID || sess.AgentID != "w1" || sess.ProjectID != "proj-1" {
		t.Fatalf("session = %+v", sess)
	}
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)
	cases := []session.Credentials{
		{AgentID: "w1", Passkey: "wrong passkey", ProjectID: "proj-1"},
		{AgentID: "ghost", Passkey: "correct horse", ProjectID: "proj-1"},
	}
	for _, c := range cases {
		_, err := env.Authority.Authenticate(env.Ctx, c)
		if engine.CodeOf(err) != engine.CodeUnauthenticated {
			t.Fatalf("%s: expected unauthenticated, got %v", c.AgentID, err)
		}
	}
	_, err := env.Authority.Authenticate(env.Ctx, session.Credentials{AgentID: "w1", Passkey: "correct horse", ProjectID: "nope"})
	if engine.CodeOf(err) != engine.CodeNotFound {
		t.Fatalf("unknown project: %v", err)
	}
	if err := env.Authority.SetPasskey(env.Ctx, "w1", "short", "tester"); engine.CodeOf(err) != engine.CodeValidationFailed {
		t.Fatalf("short passkey must fail, got %v", err)
	}
}

func TestLockedAgentCannotAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	audit, err := env.Engine.CreateAudit(env.Ctx, engine.AuditCreateOptions{Name: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Lock(env.Ctx, engine.LockAgent, "w1", audit.ID); err != nil {
		t.Fatal(err)
	}
	_, err = env.Authority.Authenticate(env.Ctx, session.Credentials{AgentID: "w1", Passkey: "correct horse", ProjectID: "proj-1"})
	if engine.CodeOf(err) != engine.CodeUnauthenticated {
		t.Fatalf("locked agent must be refused, got %v", err)
	}
}

func TestValidateRevokesSessionOfLockedAgent(t *testing.T) {
	env := newTestEnv(t)
	g := env.login(t, "work")
	audit, err := env.Engine.CreateAudit(env.Ctx, engine.AuditCreateOptions{Name: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Lock(env.Ctx, engine.LockAgent, "w1", audit.ID); err != nil {
		t.Fatal(err)
	}
	_, err = env.Authority.Validate(env.Ctx, g.Token)
	var unauth *engine.UnauthenticatedError
	if !errors.As(err, &unauth) || unauth.Expired {
		t.Fatalf("locked agent's session must be refused, got %v", err)
	}
	active, err := env.Authority.List(env.Ctx, repo.SessionFilters{AgentID: "w1", ActiveOnly: true})
	if err != nil || len(active) != 0 {
		t.Fatalf("active sessions = %+v, %v", active, err)
	}
}

func TestReauthenticateEndsPreviousSessionForSamePurpose(t *testing.T) {
	env := newTestEnv(t)
	first := env.login(t, "work")
	other := env.login(t, "review")
	second := env.login(t, "work")

	if _, err := env.Authority.Validate(env.Ctx, first.Token); engine.CodeOf(err) != engine.CodeSessionExpired {
		t.Fatalf("superseded session must be unusable, got %v", err)
	}
	if _, err := env.Authority.Validate(env.Ctx, other.Token); err != nil {
		t.Fatalf("session with other purpose must survive: %v", err)
	}
	if _, err := env.Authority.Validate(env.Ctx, second.Token); err != nil {
		t.Fatalf("new session: %v", err)
	}
	active, err := env.Authority.List(env.Ctx, repo.SessionFilters{AgentID: "w1", ActiveOnly: true})
	if err != nil || len(active) != 2 {
		t.Fatalf("active sessions = %+v, %v", active, err)
	}
}

func TestSessionExpiresAfterTTL(t *testing.T) {
	env := newTestEnv(t)
	g := env.login(t, "")
	for i := 0; i < 6; i++ {
		env.advance(9 * time.Minute)
		if err := env.Authority.Touch(env.Ctx, g.Session.ID, nil); err != nil {
			t.Fatalf("touch: %v", err)
		}
	}
	env.advance(7 * time.Minute)
	_, err := env.Authority.Validate(env.Ctx, g.Token)
	if engine.CodeOf(err) != engine.CodeSessionExpired {
		t.Fatalf("expected expiry after ttl, got %v", err)
	}
	sess, err := env.Engine.Repo.GetSession(env.Ctx, g.Session.ID)
	if err != nil || sess.State != domain.SessionEnded {
		t.Fatalf("expired session must be ended lazily: %+v, %v", sess, err)
	}
}

func TestIdleSessionIsInvalidatedOnNextUse(t *testing.T) {
	env := newTestEnv(t)
	g := env.login(t, "")
	env.advance(11 * time.Minute)
	_, err := env.Authority.Validate(env.Ctx, g.Token)
	if engine.CodeOf(err) != engine.CodeSessionExpired {
		t.Fatalf("expected idle expiry, got %v", err)
	}
	sess, _ := env.Engine.Repo.GetSession(env.Ctx, g.Session.ID)
	if sess.State != domain.SessionEnded {
		t.Fatalf("idle session state = %s", sess.State)
	}
}

func TestTamperedTokenIsRejected(t *testing.T) {
	env := newTestEnv(t)
	g := env.login(t, "")
	other, err := session.New(env.Engine, session.Config{Secret: "another-secret"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Validate(env.Ctx, g.Token); engine.CodeOf(err) != engine.CodeUnauthenticated {
		t.Fatalf("token signed with another secret must fail, got %v", err)
	}
	if _, err := env.Authority.Validate(env.Ctx, "not-a-token"); engine.CodeOf(err) != engine.CodeUnauthenticated {
		t.Fatalf("garbage token must fail, got %v", err)
	}
}

func TestEndSession(t *testing.T) {
	env := newTestEnv(t)
	g := env.login(t, "")
	if err := env.Authority.End(env.Ctx, g.Session.ID, "done"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := env.Authority.Validate(env.Ctx, g.Token); engine.CodeOf(err) != engine.CodeSessionExpired {
		t.Fatalf("ended session must be unusable, got %v", err)
	}
	if err := env.Authority.End(env.Ctx, g.Session.ID, "again"); engine.CodeOf(err) != engine.CodeNotFound {
		t.Fatalf("ending twice: %v", err)
	}
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := session.New(engine.Engine{}, session.Config{}); err == nil {
		t.Fatalf("expected error without secret")
	}
}
