package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"taskmonitor-api/domain"
)

var (
	// ErrNotFound is returned when no record matches, including tasks that
	// exist but belong to a different user.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a username or email is already taken.
	ErrConflict = errors.New("already exists")
)

const (
	usernamePartition = "name"
	emailPartition    = "email"

	// casAttempts bounds the re-read loop when a conditional task update
	// loses the ETag race.
	casAttempts = 3
)

// Storage provides access to the Users and Tasks tables.
type Storage struct {
	userTable *aztables.Client
	taskTable *aztables.Client
}

// New creates a Storage instance from the given connection string.
func New(connStr, usersTable, tasksTable string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		userTable: svc.NewClient(usersTable),
		taskTable: svc.NewClient(tasksTable),
	}, nil
}

// The Users table holds two rows per account: the record itself keyed by
// username and an index row keyed by email, so both stay unique.
type userEntity struct {
	aztables.Entity
	UserID       string `json:"UserID"`
	Email        string `json:"Email"`
	PasswordHash string `json:"PasswordHash"`
}

type emailIndexEntity struct {
	aztables.Entity
	UserID string `json:"UserID"`
}

type taskEntity struct {
	aztables.Entity
	Name      string `json:"Name"`
	Completed bool   `json:"Completed"`
	Deadline  string `json:"Deadline"`
	Category  string `json:"Category"`
	CreatedAt string `json:"CreatedAt"`
	UpdatedAt string `json:"UpdatedAt"`
}

// CreateUser persists a new user, failing with ErrConflict when the username
// or email is already registered.
func (s *Storage) CreateUser(ctx context.Context, u domain.User) error {
	usernameRow, err := json.Marshal(userEntity{
		Entity:       aztables.Entity{PartitionKey: usernamePartition, RowKey: u.Username},
		UserID:       u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
	})
	if err != nil {
		return err
	}
	emailRow, err := json.Marshal(emailIndexEntity{
		Entity: aztables.Entity{PartitionKey: emailPartition, RowKey: u.Email},
		UserID: u.ID,
	})
	if err != nil {
		return err
	}

	if _, err := s.userTable.AddEntity(ctx, usernameRow, nil); err != nil {
		return mapConflict(err)
	}
	if _, err := s.userTable.AddEntity(ctx, emailRow, nil); err != nil {
		// Registration failed as a whole; release the username row.
		_, _ = s.userTable.DeleteEntity(ctx, usernamePartition, u.Username, nil)
		return mapConflict(err)
	}
	return nil
}

// UserByUsername retrieves a user record, failing with ErrNotFound when the
// username is not registered.
func (s *Storage) UserByUsername(ctx context.Context, username string) (domain.User, error) {
	resp, err := s.userTable.GetEntity(ctx, usernamePartition, username, nil)
	if err != nil {
		return domain.User{}, mapNotFound(err)
	}
	var ent userEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.User{}, err
	}
	return domain.User{
		ID:           ent.UserID,
		Username:     ent.RowKey,
		Email:        ent.Email,
		PasswordHash: ent.PasswordHash,
	}, nil
}

// ListTasks retrieves all tasks owned by the provided user.
func (s *Storage) ListTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + userID + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			task, err := taskFromEntity(ent)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// InsertTask persists a new task and stamps its timestamps.
func (s *Storage) InsertTask(ctx context.Context, task domain.Task) (domain.Task, error) {
	now := nextTime()
	task.CreatedAt = now
	task.UpdatedAt = now
	payload, err := json.Marshal(entityFromTask(task))
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.taskTable.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, mapConflict(err)
	}
	return task, nil
}

// Task retrieves a single task. Ownership is structural: the partition key is
// the owner, so another user's task identifier yields ErrNotFound.
func (s *Storage) Task(ctx context.Context, userID, taskID string) (domain.Task, error) {
	resp, err := s.taskTable.GetEntity(ctx, userID, taskID, nil)
	if err != nil {
		return domain.Task{}, mapNotFound(err)
	}
	var ent taskEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Task{}, err
	}
	return taskFromEntity(ent)
}

// UpdateTask applies a merge-patch to an owned task and refreshes updatedAt.
func (s *Storage) UpdateTask(ctx context.Context, userID, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	return s.mutateTask(ctx, userID, taskID, func(ent *taskEntity) {
		applyPatch(ent, patch)
	})
}

// ToggleTask flips the completion flag of an owned task. The write is
// conditioned on the ETag of the read, so concurrent toggles are never lost.
func (s *Storage) ToggleTask(ctx context.Context, userID, taskID string) (domain.Task, error) {
	return s.mutateTask(ctx, userID, taskID, func(ent *taskEntity) {
		ent.Completed = !ent.Completed
	})
}

// DeleteTask removes an owned task permanently.
func (s *Storage) DeleteTask(ctx context.Context, userID, taskID string) error {
	if _, err := s.taskTable.DeleteEntity(ctx, userID, taskID, nil); err != nil {
		return mapNotFound(err)
	}
	return nil
}

// mutateTask reads the entity, applies the mutation and replaces it under the
// ETag read. A 412 means another writer got there first; re-read and retry.
func (s *Storage) mutateTask(ctx context.Context, userID, taskID string, apply func(*taskEntity)) (domain.Task, error) {
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		resp, err := s.taskTable.GetEntity(ctx, userID, taskID, nil)
		if err != nil {
			return domain.Task{}, mapNotFound(err)
		}
		var ent taskEntity
		if err := json.Unmarshal(resp.Value, &ent); err != nil {
			return domain.Task{}, err
		}
		apply(&ent)
		ent.UpdatedAt = formatTime(nextTime())

		payload, err := json.Marshal(ent)
		if err != nil {
			return domain.Task{}, err
		}
		etag := resp.ETag
		_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
			IfMatch:    &etag,
			UpdateMode: aztables.UpdateModeReplace,
		})
		if err == nil {
			return taskFromEntity(ent)
		}
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) {
			switch respErr.StatusCode {
			case 404:
				return domain.Task{}, ErrNotFound
			case 412:
				lastErr = err
				continue
			}
		}
		return domain.Task{}, err
	}
	return domain.Task{}, lastErr
}

func applyPatch(ent *taskEntity, patch domain.TaskPatch) {
	if patch.Name != nil {
		ent.Name = *patch.Name
	}
	if patch.Deadline != nil {
		ent.Deadline = formatTime(*patch.Deadline)
	}
	if patch.Category != nil {
		ent.Category = *patch.Category
	}
	if patch.Completed != nil {
		ent.Completed = *patch.Completed
	}
}

func entityFromTask(task domain.Task) taskEntity {
	ent := taskEntity{
		Entity:    aztables.Entity{PartitionKey: task.UserID, RowKey: task.ID},
		Name:      task.Name,
		Completed: task.Completed,
		Category:  task.Category,
		CreatedAt: formatTime(task.CreatedAt),
		UpdatedAt: formatTime(task.UpdatedAt),
	}
	if task.Deadline != nil {
		ent.Deadline = formatTime(*task.Deadline)
	}
	return ent
}

func taskFromEntity(ent taskEntity) (domain.Task, error) {
	task := domain.Task{
		ID:        ent.RowKey,
		UserID:    ent.PartitionKey,
		Name:      ent.Name,
		Completed: ent.Completed,
		Category:  ent.Category,
	}
	var err error
	if task.CreatedAt, err = parseTime(ent.CreatedAt); err != nil {
		return domain.Task{}, err
	}
	if task.UpdatedAt, err = parseTime(ent.UpdatedAt); err != nil {
		return domain.Task{}, err
	}
	if ent.Deadline != "" {
		d, err := time.Parse(time.RFC3339Nano, ent.Deadline)
		if err != nil {
			return domain.Task{}, err
		}
		task.Deadline = &d
	}
	return task, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

func mapConflict(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == 409 {
		return ErrConflict
	}
	return err
}

func mapNotFound(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == 404 {
		return ErrNotFound
	}
	return err
}
