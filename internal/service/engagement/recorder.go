package engagement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/campaign-engine/internal/broadcast"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/metrics"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// ErrUnresolved means an external identifier (pixel, link, provider message
// id, address) did not map to a recipient. Ingestion paths log and drop it.
var ErrUnresolved = errors.New("engagement: identifier not resolved")

// Result is what one primitive call did.
type Result struct {
	Recipient *domain.Recipient
	Outcome   domain.Outcome
	// Stats is set when the call recomputed campaign counters.
	Stats *domain.CampaignStats
}

// Recorder is the state-update primitive. It is safe for concurrent use;
// atomicity comes from the repository.
type Recorder struct {
	repo Repository
	pub  broadcast.Publisher
	now  func() time.Time
	log  *logger.Logger
}

func NewRecorder(repo Repository, pub broadcast.Publisher) *Recorder {
	if pub == nil {
		pub = broadcast.Discard{}
	}
	return &Recorder{
		repo: repo,
		pub:  pub,
		now:  func() time.Time { return time.Now().UTC() },
		log:  logger.With("component", "engagement"),
	}
}

// Apply folds o into the recipient and appends it to the ledger without
// recomputing campaign counters. The dispatcher uses it inside its send
// loop and recomputes on its own cadence.
func (r *Recorder) Apply(ctx context.Context, recipientID string, o domain.Occurrence) (*Result, error) {
	if !o.Kind.Valid() {
		return nil, fmt.Errorf("apply: invalid event kind %d", o.Kind)
	}
	if o.At.IsZero() {
		o.At = r.now()
	}
	rec, out, err := r.repo.ApplyEvent(ctx, recipientID, o)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("recipient %s: %w", recipientID, ErrUnresolved)
	}
	if err != nil {
		return nil, fmt.Errorf("apply %s: %w", o.Kind, err)
	}
	metrics.Transitions.WithLabelValues(o.Kind.String(), out.Rule.String()).Inc()

	if out.Changed {
		r.pub.Publish(ctx, broadcast.New(broadcast.RecipientUpdate, rec.CampaignID, broadcast.RecipientChange{
			RecipientID: rec.ID,
			Email:       rec.Email,
			Kind:        o.Kind,
			From:        out.From,
			To:          out.To,
			First:       out.First,
			Metadata:    o.Payload,
		}))
	}
	return &Result{Recipient: rec, Outcome: out}, nil
}

// Record is Apply followed by a counter recompute and a campaign-stats
// broadcast.
func (r *Recorder) Record(ctx context.Context, recipientID string, o domain.Occurrence) (*Result, error) {
	res, err := r.Apply(ctx, recipientID, o)
	if err != nil {
		return nil, err
	}
	stats, err := r.Refresh(ctx, res.Recipient.CampaignID)
	if err != nil {
		return res, err
	}
	res.Stats = &stats
	return res, nil
}

// Refresh recomputes a campaign's counters and publishes them.
func (r *Recorder) Refresh(ctx context.Context, campaignID string) (domain.CampaignStats, error) {
	stats, err := r.repo.RecomputeStats(ctx, campaignID)
	if err != nil {
		return stats, fmt.Errorf("recompute stats %s: %w", campaignID, err)
	}
	r.pub.Publish(ctx, broadcast.New(broadcast.CampaignStats, campaignID, stats))
	return stats, nil
}

// RecordOpen handles a pixel load: the open counter always increments, the
// recipient advances only on the first open.
func (r *Recorder) RecordOpen(ctx context.Context, pixelID string, hit domain.Hit) (*Result, error) {
	if hit.At.IsZero() {
		hit.At = r.now()
	}
	px, err := r.repo.RecordPixelHit(ctx, pixelID, hit)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("pixel %s: %w", pixelID, ErrUnresolved)
	}
	if err != nil {
		return nil, fmt.Errorf("record pixel hit: %w", err)
	}
	return r.Record(ctx, px.RecipientID, domain.Occurrence{
		Kind: domain.EventOpened,
		At:   hit.At,
		Payload: hit.Payload(map[string]any{
			"pixel_id":   px.ID,
			"open_count": px.OpenCount,
		}),
	})
}

// RecordClick handles a redirect traversal.
func (r *Recorder) RecordClick(ctx context.Context, linkID string, hit domain.Hit) (*Result, error) {
	if hit.At.IsZero() {
		hit.At = r.now()
	}
	link, err := r.repo.RecordLinkClick(ctx, linkID, hit)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("link %s: %w", linkID, ErrUnresolved)
	}
	if err != nil {
		return nil, fmt.Errorf("record link click: %w", err)
	}
	return r.Record(ctx, link.RecipientID, domain.Occurrence{
		Kind: domain.EventClicked,
		At:   hit.At,
		Payload: hit.Payload(map[string]any{
			"link_id":     link.ID,
			"url":         link.OriginalURL,
			"click_count": link.ClickCount,
		}),
	})
}

// RecordProviderEvent applies a provider notification to the recipient the
// message id was sent to.
func (r *Recorder) RecordProviderEvent(ctx context.Context, messageID string, o domain.Occurrence) (*Result, error) {
	if messageID == "" {
		return nil, fmt.Errorf("empty provider message id: %w", ErrUnresolved)
	}
	rec, err := r.repo.RecipientByMessageID(ctx, messageID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("provider message %s: %w", messageID, ErrUnresolved)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve provider message: %w", err)
	}
	o.ProviderMessageID = messageID
	return r.Record(ctx, rec.ID, o)
}
