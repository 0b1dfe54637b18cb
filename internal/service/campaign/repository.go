package campaign

import (
	"context"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/worker"
)

// Repository defines the data access the service needs.
// Implementations must be safe for concurrent use.
type Repository interface {
	// GetCampaign returns domain.ErrNotFound if the campaign doesn't exist.
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)
	GetCredential(ctx context.Context, id string) (*domain.SMTPCredential, error)
}

// JobQueue accepts dispatch jobs. *worker.JobQueue satisfies it.
type JobQueue interface {
	Enqueue(ctx context.Context, campaignID, userID string) (*worker.Job, error)
	Progress(ctx context.Context, campaignID string) (map[string]string, error)
}
