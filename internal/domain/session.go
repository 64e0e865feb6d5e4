// Package domain provides core types and business logic for AI grading
// benchmark runs. It defines sessions, question configurations, model
// specifications, grading tasks, and result records used throughout the
// system. The types are designed to support reproducible, auditable
// comparison of AI-assigned marks against a human benchmark.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the lifecycle state of a benchmarking session.
// Using typed constants instead of raw strings provides compile-time safety
// and prevents typos that could bypass status transition checks.
type SessionStatus string

const (
	// SessionCreated indicates a session that has been configured but not graded.
	SessionCreated SessionStatus = "created"

	// SessionGrading indicates grading tasks are currently being executed.
	SessionGrading SessionStatus = "grading"

	// SessionGraded indicates at least one task produced a parsed mark.
	SessionGraded SessionStatus = "graded"

	// SessionFailed indicates every task exhausted retries or failed validation,
	// or the request was rejected before dispatch.
	SessionFailed SessionStatus = "failed"
)

// IsTerminal reports whether the status is a final state for a grading run.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionGraded || s == SessionFailed
}

// Common session errors returned by domain operations.
var (
	// ErrInvalidSession indicates that a session contains invalid data.
	ErrInvalidSession = errors.New("invalid session")

	// ErrSessionNotFound indicates the referenced session does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidStatusTransition indicates a disallowed status change.
	ErrInvalidStatusTransition = errors.New("invalid session status transition")
)

// Session identifies one benchmarking run. The session is owned by the
// caller of the grading engine; the engine only transitions its status.
type Session struct {
	// ID uniquely identifies this session using UUID format.
	ID string `json:"id" validate:"required,uuid"`

	// Status tracks the grading lifecycle of the session.
	Status SessionStatus `json:"status" validate:"required,oneof=created grading graded failed"`

	// CreatedAt records when the session was created.
	CreatedAt time.Time `json:"created_at" validate:"required"`

	// UpdatedAt records the most recent status or configuration change.
	UpdatedAt time.Time `json:"updated_at" validate:"required"`
}

// NewSession creates a session in the created state with a generated ID.
func NewSession() *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.New().String(),
		Status:    SessionCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks if the session meets all requirements.
// Returns nil if valid, or a validation error describing the first
// constraint violation.
func (s *Session) Validate() error { return validate.Struct(s) }

// CanTransitionTo reports whether a status change is permitted.
// Sessions move created -> grading -> {graded, failed}; a graded session
// may be re-graded (graded -> grading) because reruns create new tasks.
func (s *Session) CanTransitionTo(next SessionStatus) bool {
	switch s.Status {
	case SessionCreated:
		return next == SessionGrading || next == SessionFailed
	case SessionGrading:
		return next == SessionGraded || next == SessionFailed
	case SessionGraded:
		return next == SessionGrading
	case SessionFailed:
		return next == SessionGrading
	default:
		return false
	}
}

// TransitionTo applies a status change after checking it is permitted.
func (s *Session) TransitionTo(next SessionStatus) error {
	if !s.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, s.Status, next)
	}
	s.Status = next
	s.UpdatedAt = time.Now().UTC()
	return nil
}
