package api

import "boardsync/domain"

const mutationMaxSize = 64 * 1024 // 64 KiB

// Machine-readable error codes carried in errorResponse.Error.
const (
	codeValidation       = "validation_failed"
	codeNotFound         = "not_found"
	codeTitleTaken       = "title_taken"
	codeVersionConflict  = "version_conflict"
	codeNoAssignableUser = "no_assignable_user"
	codeConflict         = "conflict"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// conflictResponse carries the server's copy of the task so the client can
// merge or discard its stale edit.
type conflictResponse struct {
	Error         string       `json:"error"`
	Message       string       `json:"message"`
	ClientVersion int64        `json:"clientVersion"`
	ServerVersion int64        `json:"serverVersion"`
	CurrentTask   *domain.Task `json:"currentTask"`
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type updateTaskRequest struct {
	Version int64            `json:"version"`
	Patch   domain.TaskPatch `json:"patch"`
}

type logsResponse struct {
	Logs       []domain.ActionLog `json:"logs"`
	Page       int                `json:"page"`
	PageSize   int                `json:"pageSize"`
	TotalCount int                `json:"totalCount"`
}
