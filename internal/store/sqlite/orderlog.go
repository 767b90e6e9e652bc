package sqlite

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"claim_engine/internal/model"
)

// RecordOutcome appends one claim outcome to the order log.
func (s *Store) RecordOutcome(ctx context.Context, ev model.OutcomeEvent) error {
	var amount sql.NullString
	if ev.Amount != nil {
		amount = sql.NullString{String: ev.Amount.String(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_log (run_id, slug, amount, status, taken_at)
		VALUES (?, ?, ?, ?, ?)
	`, ev.RunID, ev.Slug, amount, string(ev.Status), ev.AtMs)
	return err
}

// LastEntries returns the most recent outcomes, newest first.
func (s *Store) LastEntries(ctx context.Context, limit int) ([]model.OrderLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, slug, amount, status, taken_at
		FROM order_log
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.OrderLogEntry, 0, limit)
	for rows.Next() {
		var (
			e      model.OrderLogEntry
			amount sql.NullString
			status string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Slug, &amount, &status, &e.TakenAt); err != nil {
			return nil, err
		}
		e.Status = model.OutcomeStatus(status)
		if amount.Valid {
			if d, err := decimal.NewFromString(amount.String); err == nil {
				e.Amount = &d
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountByStatus aggregates the order log for the stats surfaces.
func (s *Store) CountByStatus(ctx context.Context) (map[model.OutcomeStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM order_log GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[model.OutcomeStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[model.OutcomeStatus(status)] = n
	}
	return out, rows.Err()
}
