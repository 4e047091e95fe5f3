package store

import "context"

// Backend is one storage implementation. Both backends keep identical field semantics
// and ordering: tasks newest first, files newest first, ties broken by id descending.
type Backend interface {
	CreateTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, id string) (Task, error)
	// UpdateStatus persists t (already advanced) if the stored status is still from.
	UpdateStatus(ctx context.Context, t Task, from Status) error
	ListTasksByUser(ctx context.Context, userID string, limit, offset int) ([]TaskSummary, error)
	AddFile(ctx context.Context, f TaskFile) error
	ListFiles(ctx context.Context, taskID string) ([]TaskFile, error)
	// DeleteTask removes the task and its files.
	DeleteTask(ctx context.Context, id string) error
}

// Pinger is implemented by backends that report availability.
type Pinger interface {
	Ping(ctx context.Context) error
}
