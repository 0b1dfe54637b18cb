package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/repository/memory"
	"github.com/ignite/campaign-engine/internal/service/engagement"
	"github.com/ignite/campaign-engine/internal/service/suppression"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(t *testing.T) (*memory.Store, *Processor, domain.Recipient) {
	t.Helper()
	store := memory.New()
	store.PutCampaign(domain.Campaign{ID: "c1", UserID: "u1", Status: domain.CampaignCompleted})
	r := store.AddRecipients("c1", domain.Recipient{Email: "lead@example.com"})[0]

	rec := engagement.NewRecorder(store, nil)
	ctx := context.Background()
	_, err := rec.Apply(ctx, r.ID, domain.Occurrence{Kind: domain.EventSent, ProviderMessageID: "pm-1"})
	require.NoError(t, err)
	_, err = rec.Apply(ctx, r.ID, domain.Occurrence{Kind: domain.EventDelivered})
	require.NoError(t, err)
	require.NoError(t, store.CreatePixel(ctx, &domain.TrackingPixel{ID: "px1", RecipientID: r.ID, CampaignID: "c1"}))

	return store, NewProcessor(rec, suppression.NewService(store)), r
}

func TestProcessor_OpenSignal(t *testing.T) {
	store, p, r := seeded(t)
	ctx := context.Background()

	require.NoError(t, p.Handle(ctx, Signal{Kind: KindOpen, PixelID: "px1", IP: "1.2.3.4", At: time.Now()}))
	require.NoError(t, p.Handle(ctx, Signal{Kind: KindOpen, PixelID: "px1", At: time.Now()}))

	got, err := store.GetRecipient(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RecipientOpened, got.Status)
	px, _ := store.Pixel("px1")
	assert.Equal(t, 2, px.OpenCount)
}

func TestProcessor_UnresolvedIsDropped(t *testing.T) {
	store, p, _ := seeded(t)
	ctx := context.Background()
	before := len(store.Events("c1"))

	assert.NoError(t, p.Handle(ctx, Signal{Kind: KindOpen, PixelID: "missing"}))
	assert.NoError(t, p.Handle(ctx, Signal{Kind: KindProvider, MessageID: "unknown", Event: domain.EventBounced}))
	assert.NoError(t, p.Handle(ctx, Signal{Kind: "mystery"}))
	assert.Len(t, store.Events("c1"), before)
}

func TestProcessor_PermanentBounceSuppresses(t *testing.T) {
	store, p, r := seeded(t)
	ctx := context.Background()

	require.NoError(t, p.Handle(ctx, Signal{
		Kind:      KindProvider,
		MessageID: "pm-1",
		Event:     domain.EventBounced,
		Payload:   map[string]any{"bounce_type": "Permanent"},
	}))

	got, err := store.GetRecipient(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RecipientBounced, got.Status)
	suppressed, err := store.IsSuppressed(ctx, "lead@example.com")
	require.NoError(t, err)
	assert.True(t, suppressed)
}

func TestProcessor_TransientBounceDoesNotSuppress(t *testing.T) {
	store, p, _ := seeded(t)
	ctx := context.Background()

	require.NoError(t, p.Handle(ctx, Signal{
		Kind:      KindProvider,
		MessageID: "pm-1",
		Event:     domain.EventBounced,
		Payload:   map[string]any{"bounce_type": "Transient"},
	}))
	suppressed, err := store.IsSuppressed(ctx, "lead@example.com")
	require.NoError(t, err)
	assert.False(t, suppressed)
}

func TestProcessor_ComplaintUnsubscribesAndSuppresses(t *testing.T) {
	store, p, r := seeded(t)
	ctx := context.Background()

	require.NoError(t, p.Handle(ctx, Signal{Kind: KindProvider, MessageID: "pm-1", Event: domain.EventComplained}))

	got, err := store.GetRecipient(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RecipientUnsubscribed, got.Status)
	suppressed, _ := store.IsSuppressed(ctx, "lead@example.com")
	assert.True(t, suppressed)
}
