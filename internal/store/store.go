// Package store keeps task metadata in Postgres and falls back to process memory
// when the database is unreachable.
package store

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 200
)

// Store routes every operation to exactly one backend: the primary while it is
// available, the in-memory backend after the first connection failure.
type Store struct {
	primary  Backend
	memory   *Memory
	degraded atomic.Bool
	once     sync.Once
	logger   *log.Logger
	now      func() time.Time

	// OnDegrade is called once when the store switches to memory.
	OnDegrade func(err error)
}

// New builds a Store. A nil primary starts in degraded mode.
func New(primary Backend, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Store{primary: primary, memory: NewMemory(), logger: logger, now: time.Now}
	if primary == nil {
		s.degraded.Store(true)
	}
	return s
}

// SetClock overrides the time source, for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Ping checks the primary backend and degrades when it cannot be reached.
func (s *Store) Ping(ctx context.Context) error {
	if s.degraded.Load() {
		return nil
	}
	p, ok := s.primary.(Pinger)
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		s.degrade(err)
		return err
	}
	return nil
}

// Degraded reports whether the store is serving from memory.
func (s *Store) Degraded() bool { return s.degraded.Load() }

func (s *Store) degrade(err error) {
	s.memory.adoptUnknown()
	s.degraded.Store(true)
	s.once.Do(func() {
		s.logger.Printf("persistent backend unavailable, serving tasks from memory: %v", err)
		if s.OnDegrade != nil {
			s.OnDegrade(err)
		}
	})
}

func (s *Store) backend() Backend {
	if s.degraded.Load() {
		return s.memory
	}
	return s.primary
}

// run executes op on the active backend. A connection failure on the primary
// switches the store to memory and replays op there.
func (s *Store) run(op func(Backend) error) error {
	b := s.backend()
	err := op(b)
	if err == nil || b == Backend(s.memory) || !IsConnError(err) {
		return err
	}
	s.degrade(err)
	return op(s.memory)
}

func (s *Store) stamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// CreateTask stores a new pending task.
func (s *Store) CreateTask(ctx context.Context, userID, prompt string) (Task, error) {
	userID = strings.TrimSpace(userID)
	prompt = strings.TrimSpace(prompt)
	switch {
	case userID == "":
		return Task{}, fmt.Errorf("%w: user_id required", ErrInvalidTask)
	case utf8.RuneCountInString(userID) > MaxUserIDLength:
		return Task{}, fmt.Errorf("%w: user_id longer than %d", ErrInvalidTask, MaxUserIDLength)
	case prompt == "":
		return Task{}, fmt.Errorf("%w: prompt required", ErrInvalidTask)
	case utf8.RuneCountInString(prompt) > MaxPromptLength:
		return Task{}, fmt.Errorf("%w: prompt longer than %d", ErrInvalidTask, MaxPromptLength)
	}
	now := s.stamp()
	t := Task{
		ID:        uuid.NewString(),
		UserID:    userID,
		Prompt:    prompt,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.run(func(b Backend) error { return b.CreateTask(ctx, t) }); err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

// knownID reports whether id can name a stored task. Ids are uuids in every
// backend; anything else is not found without a round trip.
func knownID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// GetTask returns ErrTaskNotFound when id is unknown to the active backend.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	if !knownID(id) {
		return Task{}, ErrTaskNotFound
	}
	var t Task
	err := s.run(func(b Backend) error {
		var err error
		t, err = b.GetTask(ctx, id)
		return err
	})
	return t, err
}

// Transition moves t to status to, stamping updated_at and, for terminal states,
// completed_at. t.LogURL is persisted with the transition.
func (s *Store) Transition(ctx context.Context, t Task, to Status) (Task, error) {
	if !knownID(t.ID) {
		return t, fmt.Errorf("transition task %s: %w", t.ID, ErrTaskNotFound)
	}
	next, err := advance(t, to, s.stamp())
	if err != nil {
		return t, err
	}
	if err := s.run(func(b Backend) error { return b.UpdateStatus(ctx, next, t.Status) }); err != nil {
		return t, fmt.Errorf("transition task %s: %w", t.ID, err)
	}
	return next, nil
}

// ListTasksByUser pages through a user's tasks, newest first.
func (s *Store) ListTasksByUser(ctx context.Context, userID string, limit, offset int) ([]TaskSummary, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	var out []TaskSummary
	err := s.run(func(b Backend) error {
		var err error
		out, err = b.ListTasksByUser(ctx, userID, limit, offset)
		return err
	})
	return out, err
}

// AddFile records an archived artifact for a task.
func (s *Store) AddFile(ctx context.Context, f TaskFile) (TaskFile, error) {
	if f.TaskID == "" || f.StorageURL == "" {
		return TaskFile{}, fmt.Errorf("%w: file needs task_id and storage_url", ErrInvalidTask)
	}
	if !knownID(f.TaskID) {
		return TaskFile{}, fmt.Errorf("add file: %w", ErrTaskNotFound)
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.stamp()
	}
	if err := s.run(func(b Backend) error { return b.AddFile(ctx, f) }); err != nil {
		return TaskFile{}, fmt.Errorf("add file: %w", err)
	}
	return f, nil
}

// ListFiles returns a task's files, newest first.
func (s *Store) ListFiles(ctx context.Context, taskID string) ([]TaskFile, error) {
	if !knownID(taskID) {
		return []TaskFile{}, nil
	}
	var out []TaskFile
	err := s.run(func(b Backend) error {
		var err error
		out, err = b.ListFiles(ctx, taskID)
		return err
	})
	return out, err
}

// DeleteTask removes a task and its file records.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	if !knownID(id) {
		return ErrTaskNotFound
	}
	return s.run(func(b Backend) error { return b.DeleteTask(ctx, id) })
}
