// Package store is the local SQLite database backing the send outbox:
// optimistic messages are journaled here so a drafted message survives a
// crash or restart instead of silently vanishing with the process.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/osanchez/medchat/internal/messaging"
)

// Store wraps the SQLite database used for local persistence.
type Store struct {
	db *sql.DB
}

// Open opens (and creates/migrates) the database at the given path.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("empty database path")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	// Ensure file exists with strict perms
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		f, err := os.OpenFile(dbPath, os.O_CREATE|os.O_RDWR, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create database file: %w", err)
		}
		f.Close()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Pragmas
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	_, _ = db.ExecContext(ctx, "PRAGMA foreign_keys=ON;")
	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout=5000;")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous=NORMAL;")

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	// user_version based migrations
	var ver int
	_ = s.db.QueryRowContext(ctx, "PRAGMA user_version;").Scan(&ver)

	// v1: outbox table
	if ver == 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS outbox (
  temp_id   TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL,
  body      TEXT NOT NULL,
  queued_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_thread ON outbox(thread_id);
`)
		if err == nil {
			_, err = tx.ExecContext(ctx, "PRAGMA user_version=1;")
		}
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migrate outbox: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveOutbox journals an optimistic send. Idempotent per temp id.
func (s *Store) SaveOutbox(ctx context.Context, entry messaging.OutboxEntry) error {
	if entry.TempID == "" || entry.ThreadID == "" {
		return fmt.Errorf("outbox entry missing ids")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO outbox (temp_id, thread_id, body, queued_at) VALUES (?, ?, ?, ?)
ON CONFLICT(temp_id) DO UPDATE SET body=excluded.body, queued_at=excluded.queued_at;
`, entry.TempID, entry.ThreadID, entry.Body, entry.QueuedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save outbox entry: %w", err)
	}
	return nil
}

// DeleteOutbox removes a journaled send after confirmation or discard.
func (s *Store) DeleteOutbox(ctx context.Context, tempID string) error {
	if tempID == "" {
		return fmt.Errorf("empty temp id")
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM outbox WHERE temp_id = ?;", tempID); err != nil {
		return fmt.Errorf("delete outbox entry: %w", err)
	}
	return nil
}

// ListOutbox returns all journaled sends, oldest first.
func (s *Store) ListOutbox(ctx context.Context) ([]messaging.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT temp_id, thread_id, body, queued_at FROM outbox ORDER BY queued_at ASC;")
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()

	var out []messaging.OutboxEntry
	for rows.Next() {
		var entry messaging.OutboxEntry
		var queuedAt int64
		if err := rows.Scan(&entry.TempID, &entry.ThreadID, &entry.Body, &queuedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entry.QueuedAt = time.UnixMilli(queuedAt)
		out = append(out, entry)
	}
	return out, rows.Err()
}
