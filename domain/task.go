package domain

import (
	"fmt"
	"time"
)

// Status identifies the board column a task currently lives in.
type Status string

const (
	StatusTodo       Status = "Todo"
	StatusInProgress Status = "In Progress"
	StatusDone       Status = "Done"
)

// Valid reports whether s is one of the known columns.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// Priority ranks a task.
type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

const (
	maxTitleLen       = 100
	maxDescriptionLen = 500
)

// Task is a single board item. Version increases by exactly one on every
// successful mutation and is the basis for conflict detection.
type Task struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Status       Status    `json:"status"`
	Priority     Priority  `json:"priority"`
	AssignedTo   string    `json:"assignedTo"`
	BoardID      string    `json:"boardId"`
	Position     int       `json:"position"`
	Version      int64     `json:"version"`
	LastEditedBy string    `json:"lastEditedBy,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ValidateTitle rejects empty or oversized titles and titles that collide
// with a column name, which would make board rendering ambiguous.
func ValidateTitle(title string) error {
	if title == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if len(title) > maxTitleLen {
		return fmt.Errorf("%w: title cannot exceed %d characters", ErrValidation, maxTitleLen)
	}
	for _, col := range []string{string(StatusTodo), string(StatusInProgress), string(StatusDone)} {
		if title == col {
			return fmt.Errorf("%w: title cannot match a column name", ErrValidation)
		}
	}
	return nil
}

// ValidateDescription bounds the description length.
func ValidateDescription(desc string) error {
	if len(desc) > maxDescriptionLen {
		return fmt.Errorf("%w: description cannot exceed %d characters", ErrValidation, maxDescriptionLen)
	}
	return nil
}

// CreateTaskInput carries the caller-supplied fields of a new task. An empty
// AssignedTo requests automatic assignment.
type CreateTaskInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    Priority `json:"priority,omitempty"`
	AssignedTo  string   `json:"assignedTo,omitempty"`
	Position    int      `json:"position,omitempty"`
}

// TaskPatch is a partial update. Nil fields are left untouched.
type TaskPatch struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Status      *Status   `json:"status,omitempty"`
	Priority    *Priority `json:"priority,omitempty"`
	AssignedTo  *string   `json:"assignedTo,omitempty"`
	Position    *int      `json:"position,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil &&
		p.Priority == nil && p.AssignedTo == nil && p.Position == nil
}
