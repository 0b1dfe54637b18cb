package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(t *testing.T) (*Store, []domain.Recipient) {
	t.Helper()
	s := New()
	s.PutCampaign(domain.Campaign{ID: "c1", UserID: "u1"})
	rs := s.AddRecipients("c1",
		domain.Recipient{Email: "a@example.com"},
		domain.Recipient{Email: "b@example.com", Status: domain.RecipientDelivered},
	)
	return s, rs
}

func TestApplyEvent_ConcurrentFirstOpenCountsOnce(t *testing.T) {
	s, rs := seeded(t)
	ctx := context.Background()
	target := rs[1].ID

	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, out, err := s.ApplyEvent(ctx, target, domain.Occurrence{Kind: domain.EventOpened, At: time.Now()})
			assert.NoError(t, err)
			if out.First {
				firsts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, firsts.Load())
	assert.Len(t, s.Events("c1"), 20, "every occurrence is appended to the ledger")

	stats, err := s.RecomputeStats(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Opened)
	assert.Equal(t, 2, stats.Total)
}

func TestRecipientByMessageID_UsesSentLedger(t *testing.T) {
	s, rs := seeded(t)
	ctx := context.Background()

	_, _, err := s.ApplyEvent(ctx, rs[0].ID, domain.Occurrence{Kind: domain.EventSent, ProviderMessageID: "pm-1"})
	require.NoError(t, err)

	got, err := s.RecipientByMessageID(ctx, "pm-1")
	require.NoError(t, err)
	assert.Equal(t, rs[0].ID, got.ID)

	_, err = s.RecipientByMessageID(ctx, "pm-unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLatestRecipientByEmail_PrefersNewest(t *testing.T) {
	s, _ := seeded(t)
	s.PutCampaign(domain.Campaign{ID: "c2"})
	newer := s.AddRecipients("c2", domain.Recipient{Email: "A@Example.com"})

	got, err := s.LatestRecipientByEmail(context.Background(), "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, newer[0].ID, got.ID)
}

func TestDispatchableRecipients_SkipsSent(t *testing.T) {
	s, rs := seeded(t)
	got, err := s.DispatchableRecipients(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rs[0].ID, got[0].ID)
}

func TestSuppress_Idempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Suppress(ctx, domain.Suppression{Email: " X@Y.com ", Reason: "unsubscribe"}))
	require.NoError(t, s.Suppress(ctx, domain.Suppression{Email: "x@y.com", Reason: "complaint"}))

	ok, err := s.IsSuppressed(ctx, "x@y.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "unsubscribe", s.suppressions["x@y.com"].Reason)

	require.NoError(t, s.RemoveSuppression(ctx, "x@y.com"))
	assert.ErrorIs(t, s.RemoveSuppression(ctx, "x@y.com"), domain.ErrNotFound)
}
