package engine

import (
	"errors"
	"fmt"
	"strings"

	"crewline/internal/domain"
	"crewline/internal/repo"
)

// Code identifies an error class across transports.
type Code string

const (
	CodeValidationFailed        Code = "validation_failed"
	CodeNotFound                Code = "not_found"
	CodeInvalidStatusTransition Code = "invalid_status_transition"
	CodeDependencyNotComplete   Code = "dependency_not_complete"
	CodeMaxParallelTasksReached Code = "max_parallel_tasks_reached"
	CodePermissionDenied        Code = "permission_denied"
	CodeReassignmentNotAllowed  Code = "reassignment_not_allowed"
	CodeAlreadyLocked           Code = "already_locked"
	CodeNotLocked               Code = "not_locked"
	CodeUnauthenticated         Code = "unauthenticated"
	CodeSessionExpired          Code = "session_expired"
	CodeInfrastructure          Code = "infrastructure_error"
)

type coded interface {
	error
	Code() Code
}

// CodeOf returns the code carried by err, or CodeInfrastructure for
// errors that carry none.
func CodeOf(err error) Code {
	var c coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return CodeInfrastructure
}

// Retryable reports whether err is a storage or IO failure. Callers must
// still only retry read-only or naturally idempotent operations.
func Retryable(err error) bool {
	return err != nil && CodeOf(err) == CodeInfrastructure
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Code() Code { return CodeValidationFailed }

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Code() Code { return CodeNotFound }

type InvalidTransitionError struct {
	From domain.TaskStatus
	To   domain.TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid task status transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Code() Code { return CodeInvalidStatusTransition }

type DependencyNotCompleteError struct {
	TaskID    string
	BlockedBy []string
}

func (e *DependencyNotCompleteError) Error() string {
	return fmt.Sprintf("task %s blocked by incomplete dependencies: %s", e.TaskID, strings.Join(e.BlockedBy, ", "))
}

func (e *DependencyNotCompleteError) Code() Code { return CodeDependencyNotComplete }

type MaxParallelTasksReachedError struct {
	AgentID string
	Max     int
	Current int
}

func (e *MaxParallelTasksReachedError) Error() string {
	return fmt.Sprintf("agent %s already has %d of %d parallel tasks in progress", e.AgentID, e.Current, e.Max)
}

func (e *MaxParallelTasksReachedError) Code() Code { return CodeMaxParallelTasksReached }

type PermissionDeniedError struct {
	Reason string
}

func (e *PermissionDeniedError) Error() string {
	return "permission denied: " + e.Reason
}

func (e *PermissionDeniedError) Code() Code { return CodePermissionDenied }

type ReassignmentNotAllowedError struct {
	TaskID string
	Status domain.TaskStatus
}

func (e *ReassignmentNotAllowedError) Error() string {
	return fmt.Sprintf("task %s cannot be reassigned in status %s", e.TaskID, e.Status)
}

func (e *ReassignmentNotAllowedError) Code() Code { return CodeReassignmentNotAllowed }

// AlreadyLockedError is returned when locking a locked entity and when
// mutating an entity another audit has locked.
type AlreadyLockedError struct {
	EntityType string
	EntityID   string
	AuditID    string
}

func (e *AlreadyLockedError) Error() string {
	return fmt.Sprintf("%s %s is locked by audit %s", e.EntityType, e.EntityID, e.AuditID)
}

func (e *AlreadyLockedError) Code() Code { return CodeAlreadyLocked }

type NotLockedError struct {
	EntityType string
	EntityID   string
}

func (e *NotLockedError) Error() string {
	return fmt.Sprintf("%s %s is not locked", e.EntityType, e.EntityID)
}

func (e *NotLockedError) Code() Code { return CodeNotLocked }

// UnauthenticatedError covers bad credentials and unusable session tokens.
type UnauthenticatedError struct {
	Reason  string
	Expired bool
}

func (e *UnauthenticatedError) Error() string {
	return "unauthenticated: " + e.Reason
}

func (e *UnauthenticatedError) Code() Code {
	if e.Expired {
		return CodeSessionExpired
	}
	return CodeUnauthenticated
}

type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

func (e *InfrastructureError) Code() Code { return CodeInfrastructure }

// wrapInfra leaves coded errors untouched and wraps everything else.
func wrapInfra(op string, err error) error {
	if err == nil {
		return nil
	}
	var c coded
	if errors.As(err, &c) {
		return err
	}
	return &InfrastructureError{Op: op, Err: err}
}

// notFound maps repo.ErrNotFound to a typed NotFoundError.
func notFound(err error, entity, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return &NotFoundError{Entity: entity, ID: id}
	}
	return err
}

func validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
