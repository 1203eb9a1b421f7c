package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a referenced task, user, or board does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")

	// ErrTitleTaken indicates the (title, board) pair is already in use.
	ErrTitleTaken = errors.New("task title already in use on this board")

	// ErrNoAssignableUser indicates automatic assignment found no eligible user.
	ErrNoAssignableUser = errors.New("no available users for assignment")

	// ErrConcurrencyConflict indicates the store rejected a conditional update
	// because the entity changed since it was read.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// ConflictError is returned when a mutation cites a version that no longer
// matches the persisted task. It is a normal outcome, not a system fault:
// the caller must merge against the carried snapshot or discard its edit.
type ConflictError struct {
	Task          *Task
	ClientVersion int64
	ServerVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s version conflict: client has %d, server has %d",
		e.Task.ID, e.ClientVersion, e.ServerVersion)
}
