package domain

import "time"

// DefaultCategory is applied when a task is created without one.
const DefaultCategory = "general"

// Task is a single to-do item owned by exactly one user.
type Task struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	Name      string     `json:"name"`
	Completed bool       `json:"completed"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	Category  string     `json:"category"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// TaskPatch carries the fields of a merge-patch update. Nil fields are
// preserved on the stored task; supplied fields overwrite.
type TaskPatch struct {
	Name      *string
	Deadline  *time.Time
	Category  *string
	Completed *bool
}
