package domain

import "fmt"

// ConfigurationError indicates bad task-expansion input. It is fatal: the
// whole grading request is rejected before any task is dispatched and the
// session is marked failed.
type ConfigurationError struct {
	// Field names the offending input when known.
	Field string

	// Reason describes the constraint violation.
	Reason string

	// Err is the underlying cause, if any.
	Err error
}

// Error returns the formatted configuration failure.
func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("configuration error in %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError creates a configuration error for a named field.
func NewConfigurationError(field, reason string) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: reason}
}

// UpstreamDependencyError indicates an assessment-stage task was blocked
// because its paired rubric stage failed. It is recorded as a labeled
// terminal outcome, never raised as a crash.
type UpstreamDependencyError struct {
	// RubricTaskKey identifies the failed upstream task.
	RubricTaskKey string

	// Reason describes the upstream failure.
	Reason string
}

// Error returns the formatted upstream failure.
func (e *UpstreamDependencyError) Error() string {
	return fmt.Sprintf("rubric stage %s failed upstream: %s", e.RubricTaskKey, e.Reason)
}
