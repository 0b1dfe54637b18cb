package engagement

import (
	"context"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Repository is the persistence contract of the primitive.
type Repository interface {
	// ApplyEvent locks the recipient row, applies domain.Transition, writes
	// the row if it changed and appends the ledger entry, all atomically.
	ApplyEvent(ctx context.Context, recipientID string, o domain.Occurrence) (*domain.Recipient, domain.Outcome, error)

	// RecomputeStats derives and stores the campaign counters from its
	// recipient rows.
	RecomputeStats(ctx context.Context, campaignID string) (domain.CampaignStats, error)

	GetRecipient(ctx context.Context, id string) (*domain.Recipient, error)
	LatestRecipientByEmail(ctx context.Context, email string) (*domain.Recipient, error)

	// RecipientByMessageID resolves a provider message id through the
	// "sent" ledger entry recorded at send time.
	RecipientByMessageID(ctx context.Context, providerMessageID string) (*domain.Recipient, error)

	// RecordPixelHit increments a pixel's open counter unconditionally.
	RecordPixelHit(ctx context.Context, pixelID string, hit domain.Hit) (*domain.TrackingPixel, error)

	// RecordLinkClick increments a link's click counter unconditionally.
	RecordLinkClick(ctx context.Context, linkID string, hit domain.Hit) (*domain.TrackedLink, error)
}
