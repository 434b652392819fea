// Package history archives processed conversation turns in SQLite so
// transcripts survive restarts. The archive is write-behind: the dispatch
// loop records turns after the fact and never reads it on the hot path.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed transcript archive.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transcript (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		sender_id       TEXT NOT NULL,
		role            TEXT NOT NULL,
		source          TEXT NOT NULL,
		text            TEXT NOT NULL,
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_transcript_conversation
		ON transcript(conversation_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Entry is one archived turn.
type Entry struct {
	ConversationID string
	SenderID       string
	Role           string
	Source         string
	Text           string
	CreatedAt      time.Time
}

// Record appends one turn to the archive.
func (s *Store) Record(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcript (conversation_id, sender_id, role, source, text) VALUES (?, ?, ?, ?, ?)`,
		e.ConversationID, e.SenderID, e.Role, e.Source, e.Text,
	)
	if err != nil {
		return fmt.Errorf("record transcript entry: %w", err)
	}
	return nil
}

// Recent returns up to limit turns for a conversation, oldest first.
func (s *Store) Recent(ctx context.Context, conversationID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, sender_id, role, source, text, created_at
		FROM (
			SELECT * FROM transcript WHERE conversation_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ConversationID, &e.SenderID, &e.Role, &e.Source, &e.Text, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes turns older than the retention window. Returns rows removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transcript WHERE created_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune transcript: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("transcript pruned", "rows", n)
	}
	return n, nil
}

func (s *Store) Close() error { return s.db.Close() }
