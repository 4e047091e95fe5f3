package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is the process-local backend used while Postgres is unavailable.
// Its contents do not survive a restart.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]Task
	files map[string][]TaskFile
	// adopt is set once the store has fallen back from another backend: tasks
	// created there may still report progress here.
	adopt bool
}

func NewMemory() *Memory {
	return &Memory{
		tasks: make(map[string]Task),
		files: make(map[string][]TaskFile),
	}
}

func (m *Memory) CreateTask(_ context.Context, t Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return t, nil
}

func (m *Memory) adoptUnknown() {
	m.mu.Lock()
	m.adopt = true
	m.mu.Unlock()
}

// UpdateStatus adopts tasks it has never seen after a fallback, so a run that
// began before the primary backend failed can still finish here.
func (m *Memory) UpdateStatus(_ context.Context, t Task, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[t.ID]
	switch {
	case !ok && !m.adopt:
		return ErrTaskNotFound
	case ok && cur.Status != from:
		return fmt.Errorf("%w: task %s is %s, not %s", ErrInvalidTransition, t.ID, cur.Status, from)
	}
	m.tasks[t.ID] = t
	return nil
}

func (m *Memory) ListTasksByUser(_ context.Context, userID string, limit, offset int) ([]TaskSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []TaskSummary
	for _, t := range m.tasks {
		if t.UserID != userID {
			continue
		}
		all = append(all, TaskSummary{Task: t, FileCount: len(m.files[t.ID])})
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	if offset >= len(all) {
		return []TaskSummary{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return append([]TaskSummary(nil), all[offset:end]...), nil
}

func (m *Memory) AddFile(_ context.Context, f TaskFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[f.TaskID]; !ok && !m.adopt {
		return ErrTaskNotFound
	}
	m.files[f.TaskID] = append(m.files[f.TaskID], f)
	return nil
}

func (m *Memory) ListFiles(_ context.Context, taskID string) ([]TaskFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]TaskFile{}, m.files[taskID]...)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *Memory) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(m.tasks, id)
	delete(m.files, id)
	return nil
}
