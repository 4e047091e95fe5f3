package store

import (
	"errors"
	"fmt"
	"time"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrInvalidTask       = errors.New("invalid task")
)

const (
	MaxPromptLength = 2000
	MaxUserIDLength = 64
)

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusRunning: {},
		StatusFailed:  {},
	},
	StatusRunning: {
		StatusCompleted: {},
		StatusFailed:    {},
	},
}

// ValidateTransition enforces the forward-only lifecycle pending -> running -> completed|failed.
func ValidateTransition(from, to Status) error {
	if next, ok := allowedTransitions[from]; ok {
		if _, ok := next[to]; ok {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Task is one prompt-to-completion execution. CompletedAt is set iff Status is terminal.
type Task struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Prompt      string     `json:"prompt"`
	Status      Status     `json:"status"`
	LogURL      string     `json:"log_url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskFile is an archived artifact produced by a task. Immutable once created.
type TaskFile struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Filename    string    `json:"filename"`
	StorageURL  string    `json:"storage_url"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"file_size"`
	CreatedAt   time.Time `json:"created_at"`
}

// TaskSummary is the list view of a task.
type TaskSummary struct {
	Task
	FileCount int `json:"file_count"`
}

// advance returns t moved to status to at now, with completed_at stamped on terminal states.
func advance(t Task, to Status, now time.Time) (Task, error) {
	if err := ValidateTransition(t.Status, to); err != nil {
		return t, err
	}
	t.Status = to
	t.UpdatedAt = now
	if to.Terminal() {
		done := now
		t.CompletedAt = &done
	}
	return t, nil
}
