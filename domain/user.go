package domain

import "time"

// User is an actor known to the system. ActiveTasksCount is derived state:
// the number of tasks assigned to the user whose status is not Done.
type User struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Email            string    `json:"email"`
	ActiveTasksCount int64     `json:"activeTasksCount"`
	IsOnline         bool      `json:"isOnline"`
	LastSeen         time.Time `json:"lastSeen"`
}

// UserRef identifies a user in event payloads.
type UserRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Board is a named collection of tasks. Membership is managed externally;
// the core only reads it to scope assignment eligibility.
type Board struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Owner       string   `json:"owner"`
	Members     []string `json:"members"`
}

// IsMember reports whether userID belongs to the board.
func (b *Board) IsMember(userID string) bool {
	for _, m := range b.Members {
		if m == userID {
			return true
		}
	}
	return false
}
