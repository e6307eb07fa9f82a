package memory

import (
	"context"
	"strings"
)

// NewStore picks a backend from databaseURL: empty for in-memory,
// sqlite://path for SQLite, anything else is handed to pgx.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return NewInMemoryStore(), nil
	}
	if path, ok := strings.CutPrefix(databaseURL, "sqlite://"); ok {
		return NewSQLiteStore(ctx, path)
	}
	return NewPostgresStore(ctx, databaseURL)
}
