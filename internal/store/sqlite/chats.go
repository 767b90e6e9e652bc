package sqlite

import (
	"context"
	"time"
)

// RegisterChat remembers a chat so broadcasts survive restarts. Re-registering
// is a no-op.
func (s *Store) RegisterChat(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (chat_id, registered_at)
		VALUES (?, ?)
		ON CONFLICT(chat_id) DO NOTHING
	`, chatID, time.Now().UnixMilli())
	return err
}

func (s *Store) ListChats(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id FROM chats ORDER BY chat_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
