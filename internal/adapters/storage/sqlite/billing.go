package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/genflow/internal/core/domain"
)

func (s *Store) Balance(ctx context.Context, userID string) (domain.Amount, error) {
	return balance(ctx, s.db, userID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func balance(ctx context.Context, q queryer, userID string) (domain.Amount, error) {
	var a domain.Amount
	err := q.QueryRowContext(ctx, `SELECT units, fraction FROM balances WHERE user_id = ?`, userID).
		Scan(&a.Units, &a.Fraction)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Amount{}, nil
	}
	if err != nil {
		return domain.Amount{}, fmt.Errorf("failed to get balance: %w", err)
	}
	return a, nil
}

func (s *Store) Debit(ctx context.Context, userID string, amount domain.Amount, note string) (domain.Amount, error) {
	return s.apply(ctx, userID, amount, true, note)
}

func (s *Store) Credit(ctx context.Context, userID string, amount domain.Amount, note string) (domain.Amount, error) {
	return s.apply(ctx, userID, amount, false, note)
}

func (s *Store) apply(ctx context.Context, userID string, amount domain.Amount, debit bool, note string) (domain.Amount, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Amount{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := balance(ctx, tx, userID)
	if err != nil {
		return domain.Amount{}, err
	}

	next := current.Credit(amount)
	if debit {
		next = current.Debit(amount)
	}
	now := time.Now()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO balances (user_id, units, fraction, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		units = excluded.units,
		fraction = excluded.fraction,
		updated_at = excluded.updated_at`,
		userID, next.Units, next.Fraction, now.UnixMilli())
	if err != nil {
		return domain.Amount{}, fmt.Errorf("failed to update balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO billing_history (id, user_id, delta_units, delta_fraction, debit, balance_units, balance_fraction, note, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), userID, amount.Units, amount.Fraction, boolToInt(debit),
		next.Units, next.Fraction, note, now.UnixMilli())
	if err != nil {
		return domain.Amount{}, fmt.Errorf("failed to append billing history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Amount{}, fmt.Errorf("failed to commit billing: %w", err)
	}
	return next, nil
}

func (s *Store) History(ctx context.Context, userID string, limit int) ([]*domain.BillingEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
	SELECT id, user_id, delta_units, delta_fraction, debit, balance_units, balance_fraction, note, created_at
	FROM billing_history WHERE user_id = ?
	ORDER BY created_at DESC, rowid DESC
	LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query billing history: %w", err)
	}
	defer rows.Close()

	var entries []*domain.BillingEntry
	for rows.Next() {
		var e domain.BillingEntry
		var debit int
		var note sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta.Units, &e.Delta.Fraction, &debit,
			&e.Balance.Units, &e.Balance.Fraction, &note, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan billing entry: %w", err)
		}
		e.Debit = debit != 0
		e.Note = note.String
		e.CreatedAt = fromMillis(createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
