package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists transcripts in PostgreSQL with entries as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_transcripts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			call_id TEXT NOT NULL,
			entries JSONB NOT NULL,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			started_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_transcripts_user_created ON call_transcripts (user_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTranscript(ctx context.Context, t Transcript) error {
	t = normalize(t, uuid.NewString)
	entries, err := json.Marshal(t.Entries)
	if err != nil {
		return fmt.Errorf("marshal entries: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO call_transcripts (id, user_id, call_id, entries, pii_redacted, started_at, ended_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID,
		t.UserID,
		t.CallID,
		entries,
		t.PIIRedacted,
		t.StartedAt,
		t.EndedAt,
		t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentTranscripts(ctx context.Context, userID string, limit int) ([]Transcript, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, call_id, entries, pii_redacted, started_at, ended_at, created_at
		 FROM call_transcripts WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent transcripts: %w", err)
	}
	defer rows.Close()

	items := make([]Transcript, 0, limit)
	for rows.Next() {
		var (
			t       Transcript
			entries []byte
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.CallID, &entries, &t.PIIRedacted, &t.StartedAt, &t.EndedAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		if err := json.Unmarshal(entries, &t.Entries); err != nil {
			return nil, fmt.Errorf("decode transcript %s entries: %w", t.ID, err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
