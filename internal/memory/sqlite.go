package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists transcripts in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS call_transcripts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		call_id TEXT NOT NULL,
		entries_json TEXT NOT NULL,
		pii_redacted INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_call_transcripts_user_created ON call_transcripts(user_id, created_at);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveTranscript(ctx context.Context, t Transcript) error {
	t = normalize(t, uuid.NewString)
	entries, err := json.Marshal(t.Entries)
	if err != nil {
		return fmt.Errorf("marshal entries: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO call_transcripts (id, user_id, call_id, entries_json, pii_redacted, started_at, ended_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.CallID, string(entries), t.PIIRedacted,
		unixMilli(t.StartedAt), unixMilli(t.EndedAt), unixMilli(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentTranscripts(ctx context.Context, userID string, limit int) ([]Transcript, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, call_id, entries_json, pii_redacted, started_at, ended_at, created_at
		 FROM call_transcripts WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent transcripts: %w", err)
	}
	defer rows.Close()

	items := make([]Transcript, 0, limit)
	for rows.Next() {
		var (
			t                            Transcript
			entries                      string
			started, ended, createdMilli int64
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.CallID, &entries, &t.PIIRedacted, &started, &ended, &createdMilli); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		if err := json.Unmarshal([]byte(entries), &t.Entries); err != nil {
			return nil, fmt.Errorf("decode transcript %s entries: %w", t.ID, err)
		}
		t.StartedAt = fromUnixMilli(started)
		t.EndedAt = fromUnixMilli(ended)
		t.CreatedAt = fromUnixMilli(createdMilli)
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript rows: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
