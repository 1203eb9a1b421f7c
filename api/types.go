package api

import (
	"context"

	"boardsync/domain"
)

// TaskService executes board mutations with version guarding and fan-out.
type TaskService interface {
	List(ctx context.Context, boardID string) ([]domain.Task, error)
	Create(ctx context.Context, actorID, boardID string, in domain.CreateTaskInput) (*domain.Task, error)
	Update(ctx context.Context, actorID, boardID, taskID string, clientVersion int64, patch domain.TaskPatch) (*domain.Task, error)
	Delete(ctx context.Context, actorID, boardID, taskID string) error
	SmartAssign(ctx context.Context, actorID, boardID, taskID string) (*domain.Task, error)
}

// LogReader serves the persisted activity feed.
type LogReader interface {
	LogsByBoard(ctx context.Context, boardID string, page, pageSize int) ([]domain.ActionLog, int, error)
	LogsByUser(ctx context.Context, userID string, page, pageSize int) ([]domain.ActionLog, int, error)
	RecentLogs(ctx context.Context, boardID string, limit int) ([]domain.ActionLog, error)
}

// Authenticator is implemented by types able to resolve users from tokens.
type Authenticator interface {
	UserFromAuthHeader(string) (domain.UserRef, error)
	UserFromToken(string) (domain.UserRef, error)
}

// Deduper prevents replays of mutations that carry an idempotency key.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when downstream processing fails.
	Remove(ctx context.Context, userID, key string) error
}
