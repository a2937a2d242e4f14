// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides thread metadata and message log persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeFormat sorts lexicographically in the same order as the instants it encodes.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		// Rows written by older builds used RFC3339
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t.UTC()
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers and keeps PRAGMAs in effect
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
// messages.thread_id is a logical reference: message rows may be written
// before their thread row exists.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			title TEXT,
			preview TEXT,
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			encoded_state TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_threads_active_created
			ON threads(is_active, created_at);

		CREATE INDEX IF NOT EXISTS idx_threads_active_updated
			ON threads(is_active, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_thread_created
			ON messages(thread_id, created_at, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "threads",
			column: "encoded_state",
			apply:  `ALTER TABLE threads ADD COLUMN encoded_state TEXT`,
		},
		{
			table:  "threads",
			column: "preview",
			apply:  `ALTER TABLE threads ADD COLUMN preview TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			// Column already exists, skip
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendMessage inserts a single message row.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	return s.AppendMessages(ctx, msg.ThreadID, []*Message{msg})
}

// AppendMessages inserts rows for one thread in a single transaction.
// Missing IDs and timestamps are filled in. A timestamp earlier than the
// thread's latest row is raised to it so timestamps never decrease.
func (s *SQLiteStore) AppendMessages(ctx context.Context, threadID string, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latestRaw sql.NullString
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM messages WHERE thread_id = ?`, threadID,
	).Scan(&latestRaw); err != nil {
		return fmt.Errorf("reading latest timestamp: %w", err)
	}
	var latest time.Time
	if latestRaw.Valid {
		latest = parseTime(latestRaw.String)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, thread_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, msg := range msgs {
		prepareMessage(msg, threadID, latest)
		latest = msg.Timestamp

		if _, err := stmt.ExecContext(ctx, msg.ID, msg.ThreadID, string(msg.Role), string(msg.Content), formatTime(msg.Timestamp)); err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing messages: %w", err)
	}

	s.logger.Debug("appended messages", "thread_id", threadID, "count", len(msgs))
	return nil
}

// prepareMessage fills defaults shared by every MessageStore implementation.
func prepareMessage(msg *Message, threadID string, latest time.Time) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.ThreadID = threadID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.Timestamp = msg.Timestamp.UTC()
	if msg.Timestamp.Before(latest) {
		msg.Timestamp = latest
	}
}

// ListMessages returns every message of a thread, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, threadID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, role, content, created_at
		FROM messages
		WHERE thread_id = ?
		ORDER BY created_at ASC, seq ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanMessages(rows)
}

// ListHistory returns user and assistant rows of an active thread.
func (s *SQLiteStore) ListHistory(ctx context.Context, threadID string, page, pageSize int) (*MessagePage, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	page, pageSize = normalizePage(page, pageSize)

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE thread_id = ? AND role IN ('user', 'assistant')
	`, threadID).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting history: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, role, content, created_at
		FROM messages
		WHERE thread_id = ? AND role IN ('user', 'assistant')
		ORDER BY created_at ASC, seq ASC
		LIMIT ? OFFSET ?
	`, threadID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	items, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	return &MessagePage{Items: items, TotalCount: total, Page: page, PageSize: pageSize}, nil
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var msgs []*Message
	for rows.Next() {
		var msg Message
		var role, content, createdAt string
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &role, &content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.Role = Role(role)
		msg.Content = []byte(content)
		msg.Timestamp = parseTime(createdAt)
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

// UpsertThread creates the thread row on first use or applies a turn's update.
// Upserting a soft-deleted thread returns ErrNotFound.
func (s *SQLiteStore) UpsertThread(ctx context.Context, upd ThreadUpdate) (*Thread, error) {
	if upd.At.IsZero() {
		upd.At = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanThread(tx.QueryRowContext(ctx, threadSelect+` WHERE id = ?`, upd.ThreadID))
	switch {
	case errors.Is(err, ErrNotFound):
		current = newThread(upd)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO threads (id, title, preview, message_count, created_at, updated_at, is_active, encoded_state)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?)
		`, current.ID, current.Title, current.Preview, current.MessageCount,
			formatTime(current.CreatedAt), formatTime(current.UpdatedAt), current.EncodedState); err != nil {
			return nil, fmt.Errorf("inserting thread: %w", err)
		}
	case err != nil:
		return nil, err
	case !current.IsActive:
		return nil, ErrNotFound
	default:
		applyUpdate(current, upd)
		var rows int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE thread_id = ?`, upd.ThreadID).Scan(&rows); err != nil {
			return nil, fmt.Errorf("counting messages: %w", err)
		}
		healCount(current, rows)
		if _, err := tx.ExecContext(ctx, `
			UPDATE threads
			SET title = ?, preview = ?, message_count = ?, updated_at = ?, encoded_state = ?
			WHERE id = ?
		`, current.Title, current.Preview, current.MessageCount,
			formatTime(current.UpdatedAt), current.EncodedState, current.ID); err != nil {
			return nil, fmt.Errorf("updating thread: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing thread: %w", err)
	}
	return current, nil
}

// newThread builds the first row for a thread from its first update.
func newThread(upd ThreadUpdate) *Thread {
	at := upd.At.UTC()
	return &Thread{
		ID:           upd.ThreadID,
		Title:        upd.Title,
		Preview:      upd.Preview,
		MessageCount: upd.DeltaCount,
		CreatedAt:    at,
		UpdatedAt:    at,
		IsActive:     true,
		EncodedState: upd.EncodedState,
	}
}

// applyUpdate applies the title-once, preview-overwrite and counter rules.
func applyUpdate(t *Thread, upd ThreadUpdate) {
	if t.Title == nil && upd.Title != nil {
		t.Title = upd.Title
	}
	if upd.Preview != nil {
		t.Preview = upd.Preview
	}
	t.MessageCount += upd.DeltaCount
	if at := upd.At.UTC(); at.After(t.UpdatedAt) {
		t.UpdatedAt = at
	}
	if upd.EncodedState != nil {
		t.EncodedState = upd.EncodedState
	}
}

// healCount raises the counter to the number of stored rows. A crash between
// the message append and the metadata upsert leaves the counter short.
func healCount(t *Thread, rows int) {
	if rows > t.MessageCount {
		t.MessageCount = rows
	}
}

const threadSelect = `
	SELECT id, title, preview, message_count, created_at, updated_at, is_active, encoded_state
	FROM threads`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*Thread, error) {
	var t Thread
	var title, preview, state sql.NullString
	var createdAt, updatedAt string
	var active int

	err := row.Scan(&t.ID, &title, &preview, &t.MessageCount, &createdAt, &updatedAt, &active, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning thread: %w", err)
	}

	t.Title = nullableString(title)
	t.Preview = nullableString(preview)
	t.EncodedState = nullableString(state)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	t.IsActive = active == 1
	return &t, nil
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// GetThread retrieves an active thread by ID.
// Returns ErrNotFound if the thread doesn't exist or was deleted.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	t, err := scanThread(s.db.QueryRowContext(ctx, threadSelect+` WHERE id = ? AND is_active = 1`, id))
	if err != nil {
		return nil, err
	}
	return t, nil
}

// sortColumns maps sort fields to columns. Only these strings reach the query.
var sortColumns = map[SortField]string{
	SortCreatedAt: "created_at",
	SortUpdatedAt: "updated_at",
}

// ListThreads returns a page of active threads.
func (s *SQLiteStore) ListThreads(ctx context.Context, opts ListOptions) (*ThreadPage, error) {
	opts = opts.Normalize()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads WHERE is_active = 1`).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting threads: %w", err)
	}

	dir := "DESC"
	if opts.Order == OrderAsc {
		dir = "ASC"
	}
	query := fmt.Sprintf(`%s WHERE is_active = 1 ORDER BY %s %s, id %s LIMIT ? OFFSET ?`,
		threadSelect, sortColumns[opts.SortBy], dir, dir)

	rows, err := s.db.QueryContext(ctx, query, opts.PageSize, (opts.Page-1)*opts.PageSize)
	if err != nil {
		return nil, fmt.Errorf("querying threads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating threads: %w", err)
	}

	return &ThreadPage{Items: items, TotalCount: total, Page: opts.Page, PageSize: opts.PageSize}, nil
}

// DeleteThread flips the thread inactive, clears its derived state and
// removes every message row, all in one transaction.
func (s *SQLiteStore) DeleteThread(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE threads
		SET is_active = 0, message_count = 0, encoded_state = NULL, updated_at = ?
		WHERE id = ? AND is_active = 1
	`, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("deactivating thread: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, id); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	s.logger.Debug("deleted thread", "id", id)
	return nil
}
