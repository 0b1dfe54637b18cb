package suppression

import (
	"context"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Repository defines the data access contract for the suppression list.
// Emails passed in are already normalized.
type Repository interface {
	IsSuppressed(ctx context.Context, email string) (bool, error)

	// Suppress adds an entry. An existing entry is kept as is.
	Suppress(ctx context.Context, s domain.Suppression) error

	// RemoveSuppression returns domain.ErrNotFound when the email is not listed.
	RemoveSuppression(ctx context.Context, email string) error
}
