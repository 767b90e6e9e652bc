package sqlite

import (
	"context"
	"fmt"
)

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value_json TEXT NOT NULL DEFAULT '{}',
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS order_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			slug TEXT NOT NULL,
			amount TEXT,
			status TEXT NOT NULL,
			taken_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_order_log_slug ON order_log(slug);`,
		`CREATE INDEX IF NOT EXISTS idx_order_log_taken_at ON order_log(taken_at);`,
		`CREATE TABLE IF NOT EXISTS chats (
			chat_id INTEGER PRIMARY KEY,
			registered_at INTEGER NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
