package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ghiac/questmind/log"
	"github.com/ghiac/questmind/model"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of ThreadStore.
// Messages and learnings live in their own tables keyed by thread id.
type SQLiteStore struct {
	db          *sql.DB
	path        string
	locks       *ThreadLocks
	maxMessages int
}

// NewSQLiteStore creates a new SQLite thread store
// If dbPath is empty, it uses ":memory:" for in-memory database
// For file-based storage, use a path like "./data/threads.db"
// The function automatically creates the directory if it doesn't exist
func NewSQLiteStore(dbPath string, maxMessages int) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}

	// For file-based storage (not in-memory), ensure directory exists
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory for database: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// allows a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		db:          db,
		path:        dbPath,
		locks:       NewThreadLocks(),
		maxMessages: maxMessagesOrDefault(maxMessages),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Log.Infof("[SQLiteStore] ✅ Opened thread store | Path: %s | MaxMessages: %d", dbPath, store.maxMessages)
	return store, nil
}

// initSchema creates the necessary tables
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threads (
		thread_id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		attachments TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_thread_seq ON messages(thread_id, seq);

	CREATE TABLE IF NOT EXISTS learnings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		thread_id TEXT NOT NULL,
		norm_key TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_learnings_thread_key ON learnings(thread_id, norm_key);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ensureThread inserts the thread row if missing and returns its timestamps
func ensureThread(ctx context.Context, tx *sql.Tx, threadID string) (created, updated time.Time, err error) {
	now := time.Now().UTC().UnixNano()
	if _, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO threads (thread_id, created_at, updated_at) VALUES (?, ?, ?)`,
		threadID, now, now); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("failed to create thread: %w", err)
	}
	var c, u int64
	if err = tx.QueryRowContext(ctx,
		`SELECT created_at, updated_at FROM threads WHERE thread_id = ?`, threadID).Scan(&c, &u); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("failed to read thread: %w", err)
	}
	return time.Unix(0, c).UTC(), time.Unix(0, u).UTC(), nil
}

func touchThread(ctx context.Context, tx *sql.Tx, threadID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE thread_id = ?`,
		time.Now().UTC().UnixNano(), threadID)
	return err
}

// Get retrieves the thread, creating it when absent
func (s *SQLiteStore) Get(ctx context.Context, threadID string) (*model.Thread, error) {
	threadID = model.ResolveThreadID(threadID)
	unlock := s.locks.Lock(threadID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	created, updated, err := ensureThread(ctx, tx, threadID)
	if err != nil {
		return nil, err
	}
	thread := &model.Thread{
		ID:        threadID,
		Messages:  []model.Message{},
		Learnings: []model.Learning{},
		CreatedAt: created,
		UpdatedAt: updated,
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT message_id, role, text, attachments, created_at FROM messages WHERE thread_id = ? ORDER BY seq ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	for rows.Next() {
		var msg model.Message
		var role, attachments string
		var ts int64
		if err := rows.Scan(&msg.ID, &role, &msg.Text, &attachments, &ts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = model.Role(role)
		msg.Timestamp = time.Unix(0, ts).UTC()
		if attachments != "" && attachments != "[]" {
			if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to decode attachments of message %s: %w", msg.ID, err)
			}
		}
		thread.Messages = append(thread.Messages, msg)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	lrows, err := tx.QueryContext(ctx,
		`SELECT text, norm_key, created_at FROM learnings WHERE thread_id = ? ORDER BY id ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query learnings: %w", err)
	}
	for lrows.Next() {
		var l model.Learning
		var ts int64
		if err := lrows.Scan(&l.Text, &l.Key, &ts); err != nil {
			lrows.Close()
			return nil, fmt.Errorf("failed to scan learning: %w", err)
		}
		l.CreatedAt = time.Unix(0, ts).UTC()
		thread.Learnings = append(thread.Learnings, l)
	}
	if err := lrows.Close(); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return thread, nil
}

// Append inserts a message and deletes the oldest beyond the limit
func (s *SQLiteStore) Append(ctx context.Context, threadID string, msg model.Message) error {
	threadID = model.ResolveThreadID(threadID)
	unlock := s.locks.Lock(threadID)
	defer unlock()

	attachments := []byte("[]")
	if len(msg.Attachments) > 0 {
		data, err := json.Marshal(msg.Attachments)
		if err != nil {
			return fmt.Errorf("failed to encode attachments: %w", err)
		}
		attachments = data
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, _, err := ensureThread(ctx, tx, threadID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (message_id, thread_id, role, text, attachments, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, threadID, string(msg.Role), msg.Text, string(attachments), msg.Timestamp.UnixNano()); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE thread_id = ? AND seq NOT IN (
			SELECT seq FROM messages WHERE thread_id = ? ORDER BY seq DESC LIMIT ?
		)`, threadID, threadID, s.maxMessages); err != nil {
		return fmt.Errorf("failed to truncate history: %w", err)
	}
	if err := touchThread(ctx, tx, threadID); err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}

	return tx.Commit()
}

// AddLearning inserts a learning; the unique (thread_id, norm_key) index drops duplicates
func (s *SQLiteStore) AddLearning(ctx context.Context, threadID string, text string) (bool, error) {
	text, ok := cleanLearning(text)
	if !ok {
		return false, nil
	}
	threadID = model.ResolveThreadID(threadID)
	unlock := s.locks.Lock(threadID)
	defer unlock()

	learning := model.NewLearning(text)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, _, err := ensureThread(ctx, tx, threadID); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO learnings (thread_id, norm_key, text, created_at) VALUES (?, ?, ?, ?)`,
		threadID, learning.Key, learning.Text, learning.CreatedAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to insert learning: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		if err := touchThread(ctx, tx, threadID); err != nil {
			return false, fmt.Errorf("failed to update thread: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return n > 0, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
