// Package session authenticates agents and manages the time-bounded
// sessions that bind an agent to a project and a purpose.
package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/events"
	"crewline/internal/repo"
)

const (
	DefaultTTL         = 8 * time.Hour
	DefaultIdleTimeout = 30 * time.Minute
	DefaultPurpose     = "work"
	issuer             = "crewline"
)

type Config struct {
	TTL         time.Duration
	IdleTimeout time.Duration
	Secret      string
	// Purpose is used when a caller authenticates without one.
	Purpose string
}

// Authority issues and validates session tokens. Tokens are HS256 JWTs
// whose jti is the session row id; the row stays the source of truth for
// whether a session is still usable.
type Authority struct {
	Engine engine.Engine
	Config Config
	Now    func() time.Time
}

func New(eng engine.Engine, cfg Config) (*Authority, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("session secret required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.IdleTimeout < 0 {
		cfg.IdleTimeout = 0
	}
	if cfg.Purpose == "" {
		cfg.Purpose = DefaultPurpose
	}
	return &Authority{Engine: eng, Config: cfg, Now: eng.Now}, nil
}

func (a *Authority) now() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}

type claims struct {
	jwt.RegisteredClaims
	ProjectID string `json:"project_id"`
	Purpose   string `json:"purpose"`
}

type Credentials struct {
	AgentID   string
	Passkey   string
	ProjectID string
	Purpose   string
}

// Grant is the result of a successful authentication.
type Grant struct {
	Token   string              `json:"token"`
	Session domain.AgentSession `json:"session"`
}

// SetPasskey stores a salted hash of passkey for agentID.
func (a *Authority) SetPasskey(ctx context.Context, agentID, passkey, actorID string) error {
	if len(passkey) < 8 {
		return &engine.ValidationError{Field: "passkey", Reason: "must be at least 8 characters"}
	}
	salt, err := newSalt()
	if err != nil {
		return &engine.InfrastructureError{Op: "set passkey", Err: err}
	}
	return a.Engine.InTx(ctx, "set passkey", func(tx *engine.Tx) error {
		if _, err := a.Engine.Repo.GetAgentTx(ctx, tx.Tx, agentID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return &engine.NotFoundError{Entity: "agent", ID: agentID}
			}
			return err
		}
		cred := domain.AgentCredential{
			AgentID:     agentID,
			PasskeyHash: repo.HashPasskey(passkey, salt),
			Salt:        salt,
			UpdatedAt:   a.now().Format(time.RFC3339),
		}
		if err := a.Engine.Repo.UpsertCredential(ctx, tx.Tx, cred); err != nil {
			return err
		}
		return tx.Append(ctx, events.Record{
			Type:          "agent.passkey_set",
			EntityType:    "agent",
			EntityID:      agentID,
			ActingAgentID: actorID,
		})
	})
}

// Authenticate checks an agent's passkey and opens a session for the
// project. An active session with the same agent, project and purpose is
// ended first.
func (a *Authority) Authenticate(ctx context.Context, c Credentials) (Grant, error) {
	if c.AgentID == "" || c.Passkey == "" || c.ProjectID == "" {
		return Grant{}, &engine.ValidationError{Reason: "agent_id, passkey and project_id are required"}
	}
	purpose := c.Purpose
	if purpose == "" {
		purpose = a.Config.Purpose
	}
	now := a.now()
	stamp := now.Format(time.RFC3339)
	sess := domain.AgentSession{
		ID:             uuid.NewString(),
		AgentID:        c.AgentID,
		ProjectID:      c.ProjectID,
		Purpose:        purpose,
		State:          domain.SessionActive,
		CreatedAt:      stamp,
		ExpiresAt:      now.Add(a.Config.TTL).Format(time.RFC3339),
		LastActivityAt: stamp,
	}
	err := a.Engine.InTx(ctx, "authenticate", func(tx *engine.Tx) error {
		agent, err := a.Engine.Repo.GetAgentTx(ctx, tx.Tx, c.AgentID)
		if errors.Is(err, repo.ErrNotFound) {
			return &engine.UnauthenticatedError{Reason: "invalid credentials"}
		}
		if err != nil {
			return err
		}
		cred, err := a.Engine.Repo.GetCredentialTx(ctx, tx.Tx, c.AgentID)
		if errors.Is(err, repo.ErrNotFound) {
			return &engine.UnauthenticatedError{Reason: "invalid credentials"}
		}
		if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare([]byte(repo.HashPasskey(c.Passkey, cred.Salt)), []byte(cred.PasskeyHash)) != 1 {
			return &engine.UnauthenticatedError{Reason: "invalid credentials"}
		}
		if agent.IsLocked {
			return &engine.UnauthenticatedError{Reason: fmt.Sprintf("agent %s is locked", agent.ID)}
		}
		project, err := a.Engine.Repo.GetProjectTx(ctx, tx.Tx, c.ProjectID)
		if errors.Is(err, repo.ErrNotFound) {
			return &engine.NotFoundError{Entity: "project", ID: c.ProjectID}
		}
		if err != nil {
			return err
		}
		if project.Status != "active" {
			return &engine.ValidationError{Field: "project_id", Reason: fmt.Sprintf("project %s is %s", project.ID, project.Status)}
		}
		previous, err := a.Engine.Repo.ActiveSessionsTx(ctx, tx.Tx, c.AgentID, c.ProjectID, purpose)
		if err != nil {
			return err
		}
		for _, p := range previous {
			if err := a.end(ctx, tx, p, stamp, "superseded"); err != nil {
				return err
			}
		}
		if err := a.Engine.Repo.InsertSession(ctx, tx.Tx, sess); err != nil {
			return err
		}
		return tx.Append(ctx, events.Record{
			Type:          "session.started",
			ProjectID:     sess.ProjectID,
			EntityType:    "session",
			EntityID:      sess.ID,
			NewState:      string(sess.State),
			ActingAgentID: sess.AgentID,
			Metadata:      events.EventPayload{"purpose": purpose, "expiresAt": sess.ExpiresAt},
		})
	})
	if err != nil {
		return Grant{}, err
	}
	token, err := a.sign(sess, now)
	if err != nil {
		return Grant{}, &engine.InfrastructureError{Op: "sign session token", Err: err}
	}
	return Grant{Token: token, Session: sess}, nil
}

func (a *Authority) sign(sess domain.AgentSession, now time.Time) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   sess.AgentID,
			ID:        sess.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.Config.TTL)),
		},
		ProjectID: sess.ProjectID,
		Purpose:   sess.Purpose,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(a.Config.Secret))
}

// Validate resolves a token to its active session. Expired and idle
// sessions are ended here, on first use after the deadline, as are
// sessions whose agent has since been locked.
func (a *Authority) Validate(ctx context.Context, token string) (domain.AgentSession, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	c := &claims{}
	_, err := parser.ParseWithClaims(token, c, func(*jwt.Token) (any, error) {
		return []byte(a.Config.Secret), nil
	})
	if errors.Is(err, jwt.ErrTokenExpired) {
		if c.ID != "" {
			a.expire(ctx, c.ID, "expired")
		}
		return domain.AgentSession{}, &engine.UnauthenticatedError{Reason: "session expired", Expired: true}
	}
	if err != nil {
		return domain.AgentSession{}, &engine.UnauthenticatedError{Reason: "invalid session token"}
	}
	sess, err := a.Engine.Repo.GetSession(ctx, c.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.AgentSession{}, &engine.UnauthenticatedError{Reason: "unknown session"}
	}
	if err != nil {
		return domain.AgentSession{}, &engine.InfrastructureError{Op: "validate session", Err: err}
	}
	if sess.AgentID != c.Subject {
		return domain.AgentSession{}, &engine.UnauthenticatedError{Reason: "invalid session token"}
	}
	if sess.State != domain.SessionActive {
		return domain.AgentSession{}, &engine.UnauthenticatedError{Reason: "session ended", Expired: true}
	}
	now := a.now()
	if expires, err := time.Parse(time.RFC3339, sess.ExpiresAt); err == nil && !now.Before(expires) {
		a.expire(ctx, sess.ID, "expired")
		return domain.AgentSession{}, &engine.UnauthenticatedError{Reason: "session expired", Expired: true}
	}
	if a.Config.IdleTimeout > 0 {
		last, err := time.Parse(time.RFC3339, sess.LastActivityAt)
		if err == nil && now.Sub(last) > a.Config.IdleTimeout {
			a.expire(ctx, sess.ID, "idle")
			return domain.AgentSession{}, &engine.UnauthenticatedError{Reason: "session idle for too long", Expired: true}
		}
	}
	agent, err := a.Engine.Repo.GetAgent(ctx, sess.AgentID)
	if errors.Is(err, repo.ErrNotFound) {
		a.expire(ctx, sess.ID, "agent_removed")
		return domain.AgentSession{}, &engine.UnauthenticatedError{Reason: "unknown agent"}
	}
	if err != nil {
		return domain.AgentSession{}, &engine.InfrastructureError{Op: "validate session", Err: err}
	}
	if agent.IsLocked {
		a.expire(ctx, sess.ID, "agent_locked")
		return domain.AgentSession{}, &engine.UnauthenticatedError{Reason: fmt.Sprintf("agent %s is locked", agent.ID)}
	}
	return sess, nil
}

// expire ends a session that failed validation. Failures are logged only;
// the caller is already being told the session is unusable.
func (a *Authority) expire(ctx context.Context, sessionID, reason string) {
	if err := a.End(ctx, sessionID, reason); err != nil && engine.CodeOf(err) != engine.CodeNotFound {
		a.Engine.Logger.WarnContext(ctx, "end session", "session_id", sessionID, "reason", reason, "err", err)
	}
}

// Touch records activity on a session and the task it is working on.
func (a *Authority) Touch(ctx context.Context, sessionID string, currentTaskID *string) error {
	return a.Engine.InTx(ctx, "touch session", func(tx *engine.Tx) error {
		err := a.Engine.Repo.TouchSession(ctx, tx.Tx, sessionID, a.now().Format(time.RFC3339), currentTaskID)
		if errors.Is(err, repo.ErrNotFound) {
			return &engine.NotFoundError{Entity: "active session", ID: sessionID}
		}
		return err
	})
}

// End closes an active session.
func (a *Authority) End(ctx context.Context, sessionID, reason string) error {
	return a.Engine.InTx(ctx, "end session", func(tx *engine.Tx) error {
		sess, err := a.Engine.Repo.GetSessionTx(ctx, tx.Tx, sessionID)
		if errors.Is(err, repo.ErrNotFound) {
			return &engine.NotFoundError{Entity: "session", ID: sessionID}
		}
		if err != nil {
			return err
		}
		if sess.State != domain.SessionActive {
			return &engine.NotFoundError{Entity: "active session", ID: sessionID}
		}
		return a.end(ctx, tx, sess, a.now().Format(time.RFC3339), reason)
	})
}

func (a *Authority) end(ctx context.Context, tx *engine.Tx, sess domain.AgentSession, at, reason string) error {
	if err := a.Engine.Repo.EndSession(ctx, tx.Tx, sess.ID, at); err != nil {
		return err
	}
	return tx.Append(ctx, events.Record{
		Type:          "session.ended",
		ProjectID:     sess.ProjectID,
		EntityType:    "session",
		EntityID:      sess.ID,
		PreviousState: string(domain.SessionActive),
		NewState:      string(domain.SessionEnded),
		ActingAgentID: sess.AgentID,
		Reason:        reason,
	})
}

func (a *Authority) List(ctx context.Context, f repo.SessionFilters) ([]domain.AgentSession, error) {
	sessions, err := a.Engine.Repo.ListSessions(ctx, f)
	if err != nil {
		return nil, &engine.InfrastructureError{Op: "list sessions", Err: err}
	}
	return sessions, nil
}

func newSalt() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
