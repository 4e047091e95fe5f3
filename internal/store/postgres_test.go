package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

var taskColumns = []string{"id", "user_id", "prompt", "status", "log_url", "created_at", "updated_at", "completed_at"}

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Postgres{DB: db}, mock
}

func TestPostgresCreateTask(t *testing.T) {
	pg, mock := newMockPostgres(t)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	task := Task{ID: "t1", UserID: "u1", Prompt: "write notes", Status: StatusPending, CreatedAt: now, UpdatedAt: now}

	mock.ExpectExec(regexp.QuoteMeta(insertTaskSQL)).
		WithArgs("t1", "u1", "write notes", "pending", nil, now, now, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := pg.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresGetTask(t *testing.T) {
	pg, mock := newMockPostgres(t)
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	done := created.Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta(selectTaskSQL)).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(taskColumns).
			AddRow("t1", "u1", "write notes", "completed", "https://blobs/logs/t1.txt", created, done, done))

	got, err := pg.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != StatusCompleted || got.LogURL != "https://blobs/logs/t1.txt" {
		t.Fatalf("unexpected task %+v", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Fatalf("completed_at = %v", got.CompletedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresGetTaskNotFound(t *testing.T) {
	pg, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta(selectTaskSQL)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(taskColumns))

	if _, err := pg.GetTask(context.Background(), "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestPostgresUpdateStatus(t *testing.T) {
	pg, mock := newMockPostgres(t)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	task := Task{ID: "t1", UserID: "u1", Status: StatusCompleted, LogURL: "https://blobs/log", CreatedAt: now, UpdatedAt: now, CompletedAt: &now}

	mock.ExpectExec(regexp.QuoteMeta(updateStatusSQL)).
		WithArgs("t1", "completed", "https://blobs/log", now, now, "running").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := pg.UpdateStatus(context.Background(), task, StatusRunning); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresUpdateStatusRejectsStaleFrom(t *testing.T) {
	pg, mock := newMockPostgres(t)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	task := Task{ID: "t1", Status: StatusRunning, UpdatedAt: now}

	mock.ExpectExec(regexp.QuoteMeta(updateStatusSQL)).
		WithArgs("t1", "running", nil, now, nil, "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(selectTaskSQL)).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(taskColumns).
			AddRow("t1", "u1", "p", "failed", "", now, now, now))

	err := pg.UpdateStatus(context.Background(), task, StatusPending)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresListTasksByUser(t *testing.T) {
	pg, mock := newMockPostgres(t)
	t1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(listTasksByUserSQL)).
		WithArgs("u1", 20, 0).
		WillReturnRows(sqlmock.NewRows(append(taskColumns, "count")).
			AddRow("b", "u1", "second", "running", "", t2, t2, nil, int64(0)).
			AddRow("a", "u1", "first", "completed", "https://blobs/a", t1, t1, t1, int64(2)))

	got, err := pg.ListTasksByUser(context.Background(), "u1", 20, 0)
	if err != nil {
		t.Fatalf("ListTasksByUser: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "a" {
		t.Fatalf("unexpected order %+v", got)
	}
	if got[0].CompletedAt != nil || got[1].FileCount != 2 {
		t.Fatalf("unexpected rows %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresAddAndListFiles(t *testing.T) {
	pg, mock := newMockPostgres(t)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	f := TaskFile{ID: "f1", TaskID: "t1", Filename: "notes.txt", StorageURL: "https://blobs/notes.txt", ContentType: "text/plain", Size: 42, CreatedAt: now}

	mock.ExpectExec(regexp.QuoteMeta(insertFileSQL)).
		WithArgs("f1", "t1", "notes.txt", "https://blobs/notes.txt", "text/plain", int64(42), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(listFilesSQL)).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "task_id", "filename", "storage_url", "content_type", "file_size", "created_at"}).
			AddRow("f1", "t1", "notes.txt", "https://blobs/notes.txt", "text/plain", int64(42), now))

	if err := pg.AddFile(context.Background(), f); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	files, err := pg.ListFiles(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 1 || files[0] != f {
		t.Fatalf("unexpected files %+v", files)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresDeleteTask(t *testing.T) {
	pg, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta(deleteTaskSQL)).WithArgs("t1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(deleteTaskSQL)).WithArgs("t1").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := pg.DeleteTask(context.Background(), "t1"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if err := pg.DeleteTask(context.Background(), "t1"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("second delete: expected ErrTaskNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIsConnError(t *testing.T) {
	if !IsConnError(driver.ErrBadConn) {
		t.Fatalf("ErrBadConn should be a connection error")
	}
	if IsConnError(ErrTaskNotFound) {
		t.Fatalf("ErrTaskNotFound is not a connection error")
	}
	if IsConnError(nil) {
		t.Fatalf("nil is not a connection error")
	}
}

func TestStoreMalformedIDIsNotFound(t *testing.T) {
	pg, mock := newMockPostgres(t)
	s := New(pg, nil)
	ctx := context.Background()

	if _, err := s.GetTask(ctx, "abc"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("GetTask err = %v, want ErrTaskNotFound", err)
	}
	if err := s.DeleteTask(ctx, "abc"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("DeleteTask err = %v, want ErrTaskNotFound", err)
	}
	files, err := s.ListFiles(ctx, "abc")
	if err != nil || len(files) != 0 {
		t.Fatalf("ListFiles = %v, %v", files, err)
	}
	if _, err := s.AddFile(ctx, TaskFile{TaskID: "abc", Filename: "a", StorageURL: "file:///a"}); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("AddFile err = %v, want ErrTaskNotFound", err)
	}
	if _, err := s.Transition(ctx, Task{ID: "abc", Status: StatusPending}, StatusRunning); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("Transition err = %v, want ErrTaskNotFound", err)
	}
	if s.Degraded() {
		t.Fatalf("malformed id must not degrade the store")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
