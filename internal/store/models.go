package store

import "time"

type Status string

const (
	StatusTodo       Status = "TODO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
)

func ValidStatus(s Status) bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Rank orders priorities for the default listing sort (HIGH first).
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UserPublic is the identity shape embedded in API payloads. It never
// carries credential material.
type UserPublic struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

func (u User) Public() UserPublic {
	return UserPublic{ID: u.ID, Email: u.Email, Name: u.Name, CreatedAt: u.CreatedAt}
}

type Task struct {
	ID           string      `json:"id"`
	Title        string      `json:"title"`
	Description  *string     `json:"description"`
	Status       Status      `json:"status"`
	Priority     Priority    `json:"priority"`
	DueDate      *time.Time  `json:"dueDate"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
	CreatedByID  string      `json:"createdById"`
	AssignedToID *string     `json:"assignedToId"`
	CreatedBy    UserPublic  `json:"createdBy"`
	AssignedTo   *UserPublic `json:"assignedTo"`
}

// IsOverdue is derived, never stored: due date strictly in the past and
// the task not completed.
func (t Task) IsOverdue(now time.Time) bool {
	return t.DueDate != nil && t.DueDate.Before(now) && t.Status != StatusCompleted
}

// TaskFilters is the closed filter structure for listing. Filters compose
// with logical AND; zero values mean "no filter".
type TaskFilters struct {
	Status       Status
	Priority     Priority
	AssignedToID string
	CreatedByID  string
	Overdue      bool
}

// TaskPatch carries a partial update. The Has* flags distinguish "field
// absent" from "field set to null" for the nullable columns.
type TaskPatch struct {
	Title          *string
	Description    *string
	HasDescription bool
	Status         *Status
	Priority       *Priority
	DueDate        *time.Time
	HasDueDate     bool
	AssignedToID   *string
	HasAssignee    bool
}
