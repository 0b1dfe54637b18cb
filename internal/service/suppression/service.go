package suppression

import (
	"context"
	"errors"
	"strings"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Service is safe for concurrent use.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// IsSuppressed reports whether email must not receive mail.
func (s *Service) IsSuppressed(ctx context.Context, email string) (bool, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return false, ErrEmailRequired
	}
	return s.repo.IsSuppressed(ctx, email)
}

// Suppress adds email to the list. Idempotent.
func (s *Service) Suppress(ctx context.Context, email, reason, source string) error {
	email = domain.NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return ErrEmailRequired
	}
	return s.repo.Suppress(ctx, domain.Suppression{Email: email, Reason: reason, Source: source})
}

// Remove re-enables sending to email.
func (s *Service) Remove(ctx context.Context, email string) error {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return ErrEmailRequired
	}
	err := s.repo.RemoveSuppression(ctx, email)
	if errors.Is(err, domain.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
