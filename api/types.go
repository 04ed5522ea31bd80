package api

import (
	"context"
	"time"

	"taskmonitor-api/domain"
)

const requestBodyMaxSize = 64 * 1024 // 64 KiB

// Storage abstracts persistence for handlers.
type Storage interface {
	CreateUser(ctx context.Context, u domain.User) error
	UserByUsername(ctx context.Context, username string) (domain.User, error)
	ListTasks(ctx context.Context, userID string) ([]domain.Task, error)
	InsertTask(ctx context.Context, task domain.Task) (domain.Task, error)
	UpdateTask(ctx context.Context, userID, taskID string, patch domain.TaskPatch) (domain.Task, error)
	ToggleTask(ctx context.Context, userID, taskID string) (domain.Task, error)
	DeleteTask(ctx context.Context, userID, taskID string) error
}

// Authenticator issues session tokens on login and extracts the acting user
// from bearer tokens on every protected request.
type Authenticator interface {
	IssueToken(userID, username string) (string, error)
	UserIDFromAuthHeader(string) (string, error)
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type createTaskRequest struct {
	Name     string     `json:"name"`
	Deadline *time.Time `json:"deadline,omitempty"`
	Category string     `json:"category,omitempty"`
}

type updateTaskRequest struct {
	Name      *string    `json:"name,omitempty"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	Category  *string    `json:"category,omitempty"`
	Completed *bool      `json:"completed,omitempty"`
}
