package domain

// Realtime event names fanned out to board rooms. Mutation events carry the
// committed task plus its activity log entry; presence and editing signals
// are ephemeral and never persisted.
const (
	EventTaskCreated      = "task_created"
	EventTaskUpdated      = "task_updated"
	EventTaskDeleted      = "task_deleted"
	EventUserJoined       = "user_joined"
	EventUserLeft         = "user_left"
	EventOnlineUsers      = "online_users"
	EventTaskEditingStart = "task_editing_start"
	EventTaskEditingStop  = "task_editing_stop"
	EventTaskTyping       = "task_typing"
	EventCursorPosition   = "cursor_position"
	EventError            = "error"
)

// TaskEvent is the payload of task_created and task_updated.
type TaskEvent struct {
	Task      *Task      `json:"task"`
	ActionLog *ActionLog `json:"actionLog"`
}

// TaskDeletedEvent is the payload of task_deleted.
type TaskDeletedEvent struct {
	TaskID    string     `json:"taskId"`
	ActionLog *ActionLog `json:"actionLog"`
}

// PresenceEvent is the payload of user_joined and user_left.
type PresenceEvent struct {
	User    UserRef `json:"user"`
	Message string  `json:"message"`
}

// EditingEvent is relayed for task_editing_start/stop and task_typing.
type EditingEvent struct {
	TaskID   string  `json:"taskId"`
	User     UserRef `json:"user"`
	IsTyping *bool   `json:"isTyping,omitempty"`
}

// CursorEvent is relayed for cursor_position.
type CursorEvent struct {
	TaskID   string  `json:"taskId"`
	User     UserRef `json:"user"`
	Position int     `json:"position"`
}
