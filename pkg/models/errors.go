package models

import "errors"

// Domain errors shared across the repository, state, and service layers.
// The API layer translates them to HTTP status codes.
var (
	// ErrNotFound indicates an unknown workflow or execution id.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates an operation rejected by current state, such as
	// deleting a workflow that still has active executions.
	ErrConflict = errors.New("conflict")
	// ErrStaleTransition indicates a status signal that lost the race
	// against an earlier terminal transition for the same attempt.
	ErrStaleTransition = errors.New("stale transition")
)
