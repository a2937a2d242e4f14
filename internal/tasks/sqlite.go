// ABOUTME: SQLite task repository on the cgo go-sqlite3 driver
// ABOUTME: Operations take a Querier so they run inside a caller-owned transaction

package tasks

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is the task database.
type DB struct {
	db *sql.DB
}

// Open opens or creates the task database at path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening task database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'todo',
			priority TEXT NOT NULL DEFAULT 'medium',
			due_date TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating task schema: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks the connection.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// BeginTx opens a transaction for one unit of work.
func (d *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return d.db.BeginTx(ctx, nil)
}

func formatDue(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// Create inserts a validated task.
func Create(ctx context.Context, q Querier, t *Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := q.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, status, priority, due_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Title, t.Description, t.Status, t.Priority, formatDue(t.DueDate),
		t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

const taskSelect = `SELECT id, title, description, status, priority, due_date, created_at, updated_at FROM tasks`

func scanTask(scan func(dest ...any) error) (*Task, error) {
	var t Task
	var due sql.NullString
	var createdAt, updatedAt string
	if err := scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &due, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if due.Valid {
		d, _ := time.Parse(time.RFC3339, due.String)
		t.DueDate = &d
	}
	return &t, nil
}

// Get retrieves a task by ID.
func Get(ctx context.Context, q Querier, id string) (*Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting task: %w", err)
	}
	return t, nil
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Status   string
	Priority string
	Limit    int
}

// List returns tasks matching f, newest first.
func List(ctx context.Context, q Querier, f Filter) ([]*Task, error) {
	query := taskSelect + ` WHERE 1 = 1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		query += ` AND priority = ?`
		args = append(args, f.Priority)
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 100
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, f.Limit)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Update writes every mutable field of t.
func Update(ctx context.Context, q Querier, t *Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	t.UpdatedAt = time.Now().UTC()

	result, err := q.ExecContext(ctx, `
		UPDATE tasks SET title = ?, description = ?, status = ?, priority = ?, due_date = ?, updated_at = ?
		WHERE id = ?
	`, t.Title, t.Description, t.Status, t.Priority, formatDue(t.DueDate), t.UpdatedAt.Format(time.RFC3339Nano), t.ID)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a task by ID.
func Delete(ctx context.Context, q Querier, id string) error {
	result, err := q.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Summary counts tasks by status and overdue state.
type Summary struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"byStatus"`
	ByPriority map[string]int `json:"byPriority"`
	Overdue    int            `json:"overdue"`
}

// Summarize aggregates all tasks as of now.
func Summarize(ctx context.Context, q Querier, now time.Time) (*Summary, error) {
	s := &Summary{ByStatus: map[string]int{}, ByPriority: map[string]int{}}

	rows, err := q.QueryContext(ctx, `SELECT status, priority, due_date FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("summarizing tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		t := Task{}
		var due sql.NullString
		if err := rows.Scan(&t.Status, &t.Priority, &due); err != nil {
			return nil, err
		}
		if due.Valid {
			d, _ := time.Parse(time.RFC3339, due.String)
			t.DueDate = &d
		}
		s.Total++
		s.ByStatus[t.Status]++
		s.ByPriority[t.Priority]++
		if t.Overdue(now) {
			s.Overdue++
		}
	}
	return s, rows.Err()
}
