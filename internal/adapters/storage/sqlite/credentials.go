package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tjfontaine/genflow/internal/core/domain"
)

const credentialColumns = `id, label, token, active, priority, daily_usage, lifetime_usage, last_reset, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*domain.Credential, error) {
	var cred domain.Credential
	var label sql.NullString
	var active int
	var lastReset, createdAt int64

	if err := row.Scan(&cred.ID, &label, &cred.Token, &active, &cred.Priority,
		&cred.DailyUsage, &cred.LifetimeUsage, &lastReset, &createdAt); err != nil {
		return nil, err
	}
	cred.Label = label.String
	cred.Active = active != 0
	cred.LastReset = fromMillis(lastReset)
	cred.CreatedAt = fromMillis(createdAt)
	return &cred, nil
}

func (s *Store) GetCredential(ctx context.Context, id string) (*domain.Credential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	cred, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credential %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return cred, nil
}

func (s *Store) ListCredentials(ctx context.Context) ([]*domain.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+credentialColumns+` FROM credentials ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var creds []*domain.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

func (s *Store) AddCredential(ctx context.Context, cred *domain.Credential) error {
	createdAt := cred.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `INSERT INTO credentials (` + credentialColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		cred.ID, cred.Label, cred.Token, boolToInt(cred.Active), cred.Priority,
		cred.DailyUsage, cred.LifetimeUsage, toMillis(cred.LastReset), toMillis(createdAt))
	if err != nil {
		return fmt.Errorf("failed to add credential: %w", err)
	}
	return nil
}

func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	return s.updateCredential(ctx, `UPDATE credentials SET active = ? WHERE id = ?`, boolToInt(active), id)
}

func (s *Store) ResetDaily(ctx context.Context, id string, at time.Time) error {
	return s.updateCredential(ctx, `UPDATE credentials SET daily_usage = 0, last_reset = ? WHERE id = ?`, toMillis(at), id)
}

func (s *Store) updateCredential(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("credential %v: %w", args[len(args)-1], domain.ErrNotFound)
	}
	return nil
}

func (s *Store) CountUsageSince(ctx context.Context, id string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credential_usage WHERE credential_id = ? AND used_at >= ?`,
		id, since.UnixMilli()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}
	return count, nil
}

func (s *Store) RecordUsage(ctx context.Context, id string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE credentials SET daily_usage = daily_usage + 1, lifetime_usage = lifetime_usage + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("credential %s: %w", id, domain.ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credential_usage (credential_id, used_at) VALUES (?, ?)`, id, at.UnixMilli()); err != nil {
		return fmt.Errorf("failed to insert usage entry: %w", err)
	}

	return tx.Commit()
}

func (s *Store) PruneUsage(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM credential_usage WHERE used_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage: %w", err)
	}
	return result.RowsAffected()
}
