package session

import (
	"context"
	"strings"
)

// Store persists sessions and their ordered message transcripts.
type Store interface {
	CreateSession(ctx context.Context, req CreateRequest) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	SetStatus(ctx context.Context, id string, status Status) error
	AppendMessage(ctx context.Context, msg Message) (Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	ListSessions(ctx context.Context, userID string, limit int) ([]Session, error)
	Ping(ctx context.Context) error
	Close() error
}

// Config selects a store backend.
type Config struct {
	DatabaseURL string
	SQLitePath  string
}

// NewStore creates a postgres-backed store when configured, then sqlite, otherwise in-memory.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	}
	if strings.TrimSpace(cfg.SQLitePath) != "" {
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	}
	return NewMemoryStore(), nil
}

// Mode reports which backend a store uses.
func Mode(s Store) string {
	switch s.(type) {
	case *PostgresStore:
		return "postgres"
	case *SQLiteStore:
		return "sqlite"
	case *MemoryStore:
		return "in-memory"
	default:
		return "custom"
	}
}

const defaultListLimit = 50

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultListLimit
	}
	return limit
}
