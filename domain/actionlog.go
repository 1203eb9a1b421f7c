package domain

import (
	"time"
	"unicode/utf8"
)

// Action tags an activity log entry.
type Action string

const (
	ActionTaskCreated  Action = "task_created"
	ActionTaskUpdated  Action = "task_updated"
	ActionTaskDeleted  Action = "task_deleted"
	ActionTaskMoved    Action = "task_moved"
	ActionTaskAssigned Action = "task_assigned"
	ActionUserJoined   Action = "user_joined"
	ActionUserLeft     Action = "user_left"
)

const maxLogMessageLen = 200

// ActionLog is an immutable audit record. Entries are never mutated or
// deleted and are served in createdAt-descending order.
type ActionLog struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user"`
	UserName  string         `json:"userName,omitempty"`
	UserEmail string         `json:"userEmail,omitempty"`
	Action    Action         `json:"action"`
	Message   string         `json:"message"`
	TaskID    string         `json:"taskId,omitempty"`
	BoardID   string         `json:"boardId"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// ClampMessage truncates m to the persisted message limit, backing off to a
// rune boundary so the cut never splits a multi-byte character.
func ClampMessage(m string) string {
	if len(m) <= maxLogMessageLen {
		return m
	}
	cut := maxLogMessageLen
	for cut > 0 && !utf8.RuneStart(m[cut]) {
		cut--
	}
	return m[:cut]
}
