package engine

import (
	"context"
	"fmt"

	"crewline/internal/domain"
	"crewline/internal/events"
)

type LockEntity string

const (
	LockTask  LockEntity = "task"
	LockAgent LockEntity = "agent"
)

// LockState is the lock view of a task or agent.
type LockState struct {
	EntityType LockEntity `json:"entity_type" enum:"task,agent"`
	EntityID   string     `json:"entity_id"`
	IsLocked   bool       `json:"is_locked"`
	AuditID    string     `json:"audit_id,omitempty"`
	LockedAt   string     `json:"locked_at,omitempty"`
}

// Lock places an exclusivity lock held by an active audit.
func (e Engine) Lock(ctx context.Context, entity LockEntity, entityID, auditID string) (LockState, error) {
	var state LockState
	err := e.InTx(ctx, "lock", func(tx *Tx) error {
		audit, err := e.Repo.GetAuditTx(ctx, tx.Tx, auditID)
		if err != nil {
			return notFound(err, "audit", auditID)
		}
		if audit.Status != domain.AuditActive {
			return validation("audit_id", "audit %s is %s", auditID, audit.Status)
		}
		l, err := e.loadLockable(ctx, tx, entity, entityID)
		if err != nil {
			return err
		}
		if l.locked {
			return &AlreadyLockedError{EntityType: string(entity), EntityID: entityID, AuditID: deref(*l.auditID)}
		}
		now := e.nowString()
		*l.auditID = &auditID
		*l.lockedAt = &now
		l.locked = true
		if err := l.save(); err != nil {
			return err
		}
		state = LockState{EntityType: entity, EntityID: entityID, IsLocked: true, AuditID: auditID, LockedAt: now}
		return tx.Append(ctx, events.Record{
			Type:          string(entity) + ".locked",
			ProjectID:     l.projectID,
			EntityType:    string(entity),
			EntityID:      entityID,
			PreviousState: "unlocked",
			NewState:      "locked",
			Metadata:      events.EventPayload{"auditId": auditID},
		})
	})
	return state, err
}

// Unlock removes a lock. Only the audit holding the lock may remove it.
func (e Engine) Unlock(ctx context.Context, entity LockEntity, entityID, auditID string) (LockState, error) {
	var state LockState
	err := e.InTx(ctx, "unlock", func(tx *Tx) error {
		if _, err := e.Repo.GetAuditTx(ctx, tx.Tx, auditID); err != nil {
			return notFound(err, "audit", auditID)
		}
		l, err := e.loadLockable(ctx, tx, entity, entityID)
		if err != nil {
			return err
		}
		if !l.locked {
			return &NotLockedError{EntityType: string(entity), EntityID: entityID}
		}
		holder := deref(*l.auditID)
		if holder != auditID {
			return &PermissionDeniedError{Reason: fmt.Sprintf("%s %s is locked by audit %s, not %s", entity, entityID, holder, auditID)}
		}
		*l.auditID = nil
		*l.lockedAt = nil
		l.locked = false
		if err := l.save(); err != nil {
			return err
		}
		state = LockState{EntityType: entity, EntityID: entityID}
		return tx.Append(ctx, events.Record{
			Type:          string(entity) + ".unlocked",
			ProjectID:     l.projectID,
			EntityType:    string(entity),
			EntityID:      entityID,
			PreviousState: "locked",
			NewState:      "unlocked",
			Metadata:      events.EventPayload{"auditId": auditID},
		})
	})
	return state, err
}

// loadLockable returns pointers into a freshly read entity so Lock and
// Unlock can edit lock fields without caring which kind it is.
func (e Engine) loadLockable(ctx context.Context, tx *Tx, entity LockEntity, entityID string) (*lockableRef, error) {
	switch entity {
	case LockTask:
		t, err := e.Repo.GetTaskTx(ctx, tx.Tx, entityID)
		if err != nil {
			return nil, notFound(err, "task", entityID)
		}
		ref := &lockableRef{projectID: t.ProjectID, locked: t.IsLocked, auditID: &t.LockedByAuditID, lockedAt: &t.LockedAt}
		ref.save = func() error {
			t.IsLocked = ref.locked
			t.UpdatedAt = e.nowString()
			return e.Repo.UpdateTask(ctx, tx.Tx, t)
		}
		return ref, nil
	case LockAgent:
		a, err := e.Repo.GetAgentTx(ctx, tx.Tx, entityID)
		if err != nil {
			return nil, notFound(err, "agent", entityID)
		}
		ref := &lockableRef{locked: a.IsLocked, auditID: &a.LockedByAuditID, lockedAt: &a.LockedAt}
		ref.save = func() error {
			a.IsLocked = ref.locked
			a.UpdatedAt = e.nowString()
			return e.Repo.UpdateAgent(ctx, tx.Tx, a)
		}
		return ref, nil
	}
	return nil, validation("entity_type", "must be task or agent")
}

// lockableRef adapts tasks and agents to one lock/unlock path.
type lockableRef struct {
	projectID string
	locked    bool
	auditID   **string
	lockedAt  **string
	save      func() error
}

// LockStateOf reports the lock held on a task or agent.
func (e Engine) LockStateOf(ctx context.Context, entity LockEntity, entityID string) (LockState, error) {
	state := LockState{EntityType: entity, EntityID: entityID}
	switch entity {
	case LockTask:
		t, err := e.Repo.GetTask(ctx, entityID)
		if err != nil {
			return state, wrapInfra("lock state", notFound(err, "task", entityID))
		}
		state.IsLocked, state.AuditID, state.LockedAt = t.IsLocked, deref(t.LockedByAuditID), deref(t.LockedAt)
	case LockAgent:
		a, err := e.Repo.GetAgent(ctx, entityID)
		if err != nil {
			return state, wrapInfra("lock state", notFound(err, "agent", entityID))
		}
		state.IsLocked, state.AuditID, state.LockedAt = a.IsLocked, deref(a.LockedByAuditID), deref(a.LockedAt)
	default:
		return state, validation("entity_type", "must be task or agent")
	}
	return state, nil
}
