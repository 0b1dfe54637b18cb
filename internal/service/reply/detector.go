package reply

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/metrics"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/service/engagement"
)

// RecipientFinder resolves the sender to a campaign recipient.
type RecipientFinder interface {
	LatestRecipientByEmail(ctx context.Context, email string) (*domain.Recipient, error)
}

// Recorder applies the replied transition.
type Recorder interface {
	Record(ctx context.Context, recipientID string, o domain.Occurrence) (*engagement.Result, error)
}

// Result reports what Process did. Processed is true only when a reply
// transition was recorded.
type Result struct {
	Processed   bool   `json:"processed"`
	Reason      string `json:"reason,omitempty"`
	RecipientID string `json:"recipient_id,omitempty"`
}

// Outcomes that are not errors.
const (
	OutcomeNotReply       = "not_reply"
	OutcomeUnknownSender  = "unknown_sender"
	OutcomeAlreadyReplied = "already_replied"
	OutcomeRecorded       = "recorded"
)

type Detector struct {
	finder RecipientFinder
	rec    Recorder
	log    *logger.Logger
}

func NewDetector(finder RecipientFinder, rec Recorder) *Detector {
	return &Detector{finder: finder, rec: rec, log: logger.With("component", "reply")}
}

// Process classifies in and, when it is a reply from a known recipient,
// records Replied with an excerpt of the new text.
func (d *Detector) Process(ctx context.Context, in Inbound) (*Result, error) {
	if in.Raw != "" {
		if err := fillFromRaw(&in); err != nil {
			d.log.Warn("raw message unreadable, using posted fields", "err", err)
		}
	}
	from := senderAddress(in.From)
	if from == "" {
		return d.done(&Result{Reason: OutcomeUnknownSender}), nil
	}

	text := PlainText(in.Body)
	by := Classify(in, text)
	if by == "" {
		d.log.Debug("inbound message is not a reply", "from", from)
		return d.done(&Result{Reason: OutcomeNotReply}), nil
	}

	r, err := d.finder.LatestRecipientByEmail(ctx, from)
	if errors.Is(err, domain.ErrNotFound) {
		d.log.Info("reply from unknown sender", "from", from)
		return d.done(&Result{Reason: OutcomeUnknownSender}), nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve sender: %w", err)
	}
	if r.Status == domain.RecipientReplied || r.RepliedAt != nil {
		return d.done(&Result{Reason: OutcomeAlreadyReplied, RecipientID: r.ID}), nil
	}

	res, err := d.rec.Record(ctx, r.ID, domain.Occurrence{
		Kind: domain.EventReplied,
		Payload: map[string]any{
			"from":        from,
			"subject":     in.Subject,
			"message_id":  in.MessageID,
			"excerpt":     Excerpt(text),
			"detected_by": by,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("record reply: %w", err)
	}
	out := &Result{Processed: res.Outcome.Changed, Reason: OutcomeRecorded, RecipientID: r.ID}
	if !out.Processed {
		out.Reason = OutcomeAlreadyReplied
	}
	d.log.Info("reply recorded", "recipient_id", r.ID, "campaign_id", r.CampaignID, "detected_by", by)
	return d.done(out), nil
}

func (d *Detector) done(r *Result) *Result {
	metrics.Replies.WithLabelValues(r.Reason).Inc()
	return r
}
