package store

import (
	"bytes"
	"context"
	"database/sql/driver"
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// downBackend fails every call as an unreachable database would.
type downBackend struct{ calls atomic.Int32 }

func (d *downBackend) fail() error { d.calls.Add(1); return driver.ErrBadConn }

func (d *downBackend) CreateTask(context.Context, Task) error { return d.fail() }
func (d *downBackend) GetTask(context.Context, string) (Task, error) {
	return Task{}, d.fail()
}
func (d *downBackend) UpdateStatus(context.Context, Task, Status) error { return d.fail() }
func (d *downBackend) ListTasksByUser(context.Context, string, int, int) ([]TaskSummary, error) {
	return nil, d.fail()
}
func (d *downBackend) AddFile(context.Context, TaskFile) error { return d.fail() }
func (d *downBackend) ListFiles(context.Context, string) ([]TaskFile, error) {
	return nil, d.fail()
}
func (d *downBackend) DeleteTask(context.Context, string) error { return d.fail() }
func (d *downBackend) Ping(context.Context) error                { return d.fail() }

func steppingClock() func() time.Time {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	var n atomic.Int64
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Second)
	}
}

type taskView struct {
	UserID, Prompt string
	Status         Status
	Created        time.Time
	Completed      bool
	Files          int
}

func exercise(t *testing.T, s *Store) []taskView {
	t.Helper()
	ctx := context.Background()
	s.SetClock(steppingClock())

	var ids []string
	for _, p := range []string{"first", "second", "third"} {
		task, err := s.CreateTask(ctx, "alice", p)
		if err != nil {
			t.Fatalf("CreateTask %s: %v", p, err)
		}
		ids = append(ids, task.ID)
	}
	if _, err := s.CreateTask(ctx, "bob", "other"); err != nil {
		t.Fatalf("CreateTask bob: %v", err)
	}

	got, err := s.GetTask(ctx, ids[0])
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	running, err := s.Transition(ctx, got, StatusRunning)
	if err != nil {
		t.Fatalf("Transition running: %v", err)
	}
	if _, err := s.AddFile(ctx, TaskFile{TaskID: ids[0], Filename: "notes.txt", StorageURL: "file:///notes.txt"}); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if _, err := s.Transition(ctx, running, StatusCompleted); err != nil {
		t.Fatalf("Transition completed: %v", err)
	}

	list, err := s.ListTasksByUser(ctx, "alice", 10, 0)
	if err != nil {
		t.Fatalf("ListTasksByUser: %v", err)
	}
	out := make([]taskView, 0, len(list))
	for _, ts := range list {
		out = append(out, taskView{
			UserID:    ts.UserID,
			Prompt:    ts.Prompt,
			Status:    ts.Status,
			Created:   ts.CreatedAt,
			Completed: ts.CompletedAt != nil,
			Files:     ts.FileCount,
		})
	}
	return out
}

func TestStoreFallbackMatchesAvailableBackend(t *testing.T) {
	available := New(NewMemory(), nil)
	want := exercise(t, available)

	var buf bytes.Buffer
	down := &downBackend{}
	degraded := New(down, log.New(&buf, "", 0))
	got := exercise(t, degraded)

	if !degraded.Degraded() {
		t.Fatalf("store did not degrade")
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("row %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if want[0].Prompt != "third" || want[2].Prompt != "first" {
		t.Fatalf("expected newest first, got %+v", want)
	}
	if !want[2].Completed || want[2].Files != 1 {
		t.Fatalf("completed task row = %+v", want[2])
	}
	if n := strings.Count(buf.String(), "persistent backend unavailable"); n != 1 {
		t.Fatalf("degrade logged %d times", n)
	}
	if down.calls.Load() != 1 {
		t.Fatalf("primary called %d times after degrading", down.calls.Load())
	}
}

func TestStorePingDegrades(t *testing.T) {
	var fired int
	s := New(&downBackend{}, nil)
	s.OnDegrade = func(error) { fired++ }
	if err := s.Ping(context.Background()); err == nil {
		t.Fatalf("expected ping error")
	}
	if !s.Degraded() || fired != 1 {
		t.Fatalf("degraded=%v fired=%d", s.Degraded(), fired)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping after degrade: %v", err)
	}
}

func TestStoreCreateTaskValidation(t *testing.T) {
	s := New(nil, nil)
	ctx := context.Background()
	cases := map[string][2]string{
		"empty user":   {"", "p"},
		"empty prompt": {"u", "   "},
		"long user":    {strings.Repeat("u", MaxUserIDLength+1), "p"},
		"long prompt":  {"u", strings.Repeat("p", MaxPromptLength+1)},
	}
	for name, in := range cases {
		if _, err := s.CreateTask(ctx, in[0], in[1]); !errors.Is(err, ErrInvalidTask) {
			t.Fatalf("%s: expected ErrInvalidTask, got %v", name, err)
		}
	}
	task, err := s.CreateTask(ctx, "u", strings.Repeat("p", MaxPromptLength))
	if err != nil {
		t.Fatalf("max prompt rejected: %v", err)
	}
	if task.Status != StatusPending || task.CompletedAt != nil || task.ID == "" {
		t.Fatalf("unexpected new task %+v", task)
	}
}

func TestStoreTransitionRejectsBackwardsMove(t *testing.T) {
	s := New(nil, nil)
	ctx := context.Background()
	task, _ := s.CreateTask(ctx, "u", "p")
	running, err := s.Transition(ctx, task, StatusRunning)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	// Replaying the stale pending copy must not overwrite the running row.
	if _, err := s.Transition(ctx, task, StatusFailed); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := s.Transition(ctx, running, StatusPending); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	stored, _ := s.GetTask(ctx, task.ID)
	if stored.Status != StatusRunning {
		t.Fatalf("stored status = %s", stored.Status)
	}
}

func TestStoreListPaging(t *testing.T) {
	s := New(nil, nil)
	s.SetClock(steppingClock())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := s.CreateTask(ctx, "u", "p"); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	page, err := s.ListTasksByUser(ctx, "u", 2, 4)
	if err != nil {
		t.Fatalf("ListTasksByUser: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("len = %d", len(page))
	}
	empty, err := s.ListTasksByUser(ctx, "u", 2, 10)
	if err != nil || len(empty) != 0 {
		t.Fatalf("past-end page = %v, %v", empty, err)
	}
	all, _ := s.ListTasksByUser(ctx, "u", 0, -3)
	if len(all) != 5 {
		t.Fatalf("default limit page len = %d", len(all))
	}
}

func TestStoreDeleteTask(t *testing.T) {
	s := New(nil, nil)
	ctx := context.Background()
	task, _ := s.CreateTask(ctx, "u", "p")
	if _, err := s.AddFile(ctx, TaskFile{TaskID: task.ID, Filename: "a", StorageURL: "file:///a"}); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := s.GetTask(ctx, task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	files, _ := s.ListFiles(ctx, task.ID)
	if len(files) != 0 {
		t.Fatalf("files survived delete: %v", files)
	}
	if err := s.DeleteTask(ctx, task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestMemoryRejectsFilesForUnknownTask(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()
	orphan := TaskFile{ID: "f1", TaskID: "ghost", Filename: "a", StorageURL: "file:///a", CreatedAt: now}

	if err := m.AddFile(ctx, orphan); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("AddFile err = %v, want ErrTaskNotFound", err)
	}
	running := Task{ID: "ghost", UserID: "u", Prompt: "p", Status: StatusRunning, CreatedAt: now, UpdatedAt: now}
	if err := m.UpdateStatus(ctx, running, StatusPending); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("UpdateStatus err = %v, want ErrTaskNotFound", err)
	}

	// after a fallback, runs started on the primary finish here
	m.adoptUnknown()
	if err := m.AddFile(ctx, orphan); err != nil {
		t.Fatalf("AddFile after fallback: %v", err)
	}
	if err := m.UpdateStatus(ctx, running, StatusPending); err != nil {
		t.Fatalf("UpdateStatus after fallback: %v", err)
	}
	files, _ := m.ListFiles(ctx, "ghost")
	if len(files) != 1 {
		t.Fatalf("files = %v", files)
	}
}

func TestStoreFinishesRunAfterFallback(t *testing.T) {
	ctx := context.Background()
	primary := NewMemory()
	flaky := &switchBackend{Backend: primary}
	s := New(flaky, nil)

	task, err := s.CreateTask(ctx, "u", "p")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	running, err := s.Transition(ctx, task, StatusRunning)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	flaky.down.Store(true)

	if _, err := s.AddFile(ctx, TaskFile{TaskID: task.ID, Filename: "a", StorageURL: "file:///a"}); err != nil {
		t.Fatalf("AddFile after outage: %v", err)
	}
	if _, err := s.Transition(ctx, running, StatusCompleted); err != nil {
		t.Fatalf("Transition after outage: %v", err)
	}
	if !s.Degraded() {
		t.Fatalf("store should have degraded")
	}
}

// switchBackend delegates to Backend until down is set, then fails like a lost connection.
type switchBackend struct {
	Backend
	down atomic.Bool
}

func (b *switchBackend) AddFile(ctx context.Context, f TaskFile) error {
	if b.down.Load() {
		return driver.ErrBadConn
	}
	return b.Backend.AddFile(ctx, f)
}
