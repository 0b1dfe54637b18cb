package postgres

import (
	"context"
	"fmt"

	"github.com/ignite/campaign-engine/internal/domain"
)

func (s *Store) IsSuppressed(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM suppressions WHERE email = $1)`,
		domain.NormalizeEmail(email)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check suppression: %w", err)
	}
	return exists, nil
}

// Suppress adds an entry. The first reason recorded for an address wins.
func (s *Store) Suppress(ctx context.Context, sup domain.Suppression) error {
	if sup.CreatedAt.IsZero() {
		sup.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppressions (email, reason, source, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email) DO NOTHING
	`, domain.NormalizeEmail(sup.Email), sup.Reason, sup.Source, sup.CreatedAt)
	if err != nil {
		return fmt.Errorf("suppress: %w", err)
	}
	return nil
}

func (s *Store) RemoveSuppression(ctx context.Context, email string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM suppressions WHERE email = $1`, domain.NormalizeEmail(email))
	if err != nil {
		return fmt.Errorf("remove suppression: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
