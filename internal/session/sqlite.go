package session

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	FOREIGN KEY(session_id) REFERENCES sessions(id)
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);`

// SQLiteStore keeps histories in a private in-memory SQLite database.
// Nothing is written to disk; the data goes away with Close or the process.
type SQLiteStore struct {
	db          *sql.DB
	maxMessages int
}

// NewSQLiteStore opens a fresh in-memory database and creates the schema
func NewSQLiteStore(opts ...StoreOption) (*SQLiteStore, error) {
	o := applyOptions(opts)

	dsn := fmt.Sprintf("file:linguachat-%s?mode=memory&cache=shared", uuid.NewString())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The in-memory database lives only as long as a connection holds it.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, maxMessages: o.maxMessages}, nil
}

func (s *SQLiteStore) ensure(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO sessions (id) VALUES (?)", id); err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}
	return nil
}

// Get loads the history for id in append order
func (s *SQLiteStore) Get(ctx context.Context, id string) ([]Message, error) {
	if err := s.ensure(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT role, content, timestamp FROM messages WHERE session_id = ? ORDER BY id",
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var msg Message
		var role string
		if err := rows.Scan(&role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = Role(role)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

// Append inserts a message for id
func (s *SQLiteStore) Append(ctx context.Context, id string, msg Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO sessions (id) VALUES (?)", id); err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO messages (session_id, role, content, timestamp) VALUES (?, ?, ?, ?)",
		id, string(msg.Role), msg.Content, msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	if s.maxMessages > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM messages WHERE session_id = ? AND id NOT IN (
				SELECT id FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?
			)`,
			id, id, s.maxMessages,
		)
		if err != nil {
			return fmt.Errorf("failed to bound history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Clear deletes every message for id but keeps the session row
func (s *SQLiteStore) Clear(ctx context.Context, id string) error {
	if err := s.ensure(ctx, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	return nil
}

// Delete removes id and its messages
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close drops the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
