package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const (
	insertTaskSQL = `
INSERT INTO tasks (id, user_id, prompt, status, log_url, created_at, updated_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
	selectTaskSQL = `
SELECT id, user_id, prompt, status, COALESCE(log_url,''), created_at, updated_at, completed_at
FROM tasks
WHERE id=$1
`
	updateStatusSQL = `
UPDATE tasks
SET status=$2,
    log_url=$3,
    updated_at=$4,
    completed_at=$5
WHERE id=$1 AND status=$6
`
	listTasksByUserSQL = `
SELECT t.id, t.user_id, t.prompt, t.status, COALESCE(t.log_url,''), t.created_at, t.updated_at, t.completed_at,
       COUNT(f.id)
FROM tasks t
LEFT JOIN files f ON f.task_id = t.id
WHERE t.user_id=$1
GROUP BY t.id
ORDER BY t.created_at DESC, t.id DESC
LIMIT $2 OFFSET $3
`
	insertFileSQL = `
INSERT INTO files (id, task_id, filename, storage_url, content_type, file_size, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	listFilesSQL = `
SELECT id, task_id, filename, storage_url, COALESCE(content_type,''), COALESCE(file_size,0), created_at
FROM files
WHERE task_id=$1
ORDER BY created_at DESC, id DESC
`
	deleteTaskSQL = `DELETE FROM tasks WHERE id=$1`
)

// Postgres is the durable backend over the tasks and files tables.
type Postgres struct {
	DB *sql.DB
}

// NewWithDSN opens and pings a Postgres connection pool.
func NewWithDSN(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{DB: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.DB.PingContext(ctx)
}

func (p *Postgres) CreateTask(ctx context.Context, t Task) error {
	_, err := p.DB.ExecContext(ctx, insertTaskSQL, t.ID, t.UserID, t.Prompt, string(t.Status), nullableString(t.LogURL), t.CreatedAt, t.UpdatedAt, nullableTime(t.CompletedAt))
	return err
}

func (p *Postgres) GetTask(ctx context.Context, id string) (Task, error) {
	row := p.DB.QueryRowContext(ctx, selectTaskSQL, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	return t, err
}

func (p *Postgres) UpdateStatus(ctx context.Context, t Task, from Status) error {
	res, err := p.DB.ExecContext(ctx, updateStatusSQL, t.ID, string(t.Status), nullableString(t.LogURL), t.UpdatedAt, nullableTime(t.CompletedAt), string(from))
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}
	cur, err := p.GetTask(ctx, t.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: task %s is %s, not %s", ErrInvalidTransition, t.ID, cur.Status, from)
}

func (p *Postgres) ListTasksByUser(ctx context.Context, userID string, limit, offset int) ([]TaskSummary, error) {
	rows, err := p.DB.QueryContext(ctx, listTasksByUserSQL, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []TaskSummary{}
	for rows.Next() {
		var s TaskSummary
		t, err := scanTask(func(dest ...interface{}) error {
			return rows.Scan(append(dest, &s.FileCount)...)
		})
		if err != nil {
			return nil, err
		}
		s.Task = t
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) AddFile(ctx context.Context, f TaskFile) error {
	_, err := p.DB.ExecContext(ctx, insertFileSQL, f.ID, f.TaskID, f.Filename, f.StorageURL, nullableString(f.ContentType), nullableInt64(f.Size), f.CreatedAt)
	return err
}

func (p *Postgres) ListFiles(ctx context.Context, taskID string) ([]TaskFile, error) {
	rows, err := p.DB.QueryContext(ctx, listFilesSQL, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []TaskFile{}
	for rows.Next() {
		var f TaskFile
		if err := rows.Scan(&f.ID, &f.TaskID, &f.Filename, &f.StorageURL, &f.ContentType, &f.Size, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.CreatedAt = f.CreatedAt.UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteTask relies on ON DELETE CASCADE for the task's files.
func (p *Postgres) DeleteTask(ctx context.Context, id string) error {
	res, err := p.DB.ExecContext(ctx, deleteTaskSQL, id)
	if err != nil {
		return err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return ErrTaskNotFound
	} else if err != nil {
		return err
	}
	return nil
}

func scanTask(scan func(dest ...interface{}) error) (Task, error) {
	var (
		t         Task
		status    string
		completed sql.NullTime
	)
	if err := scan(&t.ID, &t.UserID, &t.Prompt, &status, &t.LogURL, &t.CreatedAt, &t.UpdatedAt, &completed); err != nil {
		return Task{}, err
	}
	t.Status = Status(status)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if completed.Valid {
		c := completed.Time.UTC()
		t.CompletedAt = &c
	}
	return t, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt64(v int64) interface{} {
	if v <= 0 {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
