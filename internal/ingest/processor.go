package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/metrics"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/service/engagement"
)

// Suppressor adds addresses to the global do-not-send list.
type Suppressor interface {
	Suppress(ctx context.Context, email, reason, source string) error
}

// Processor applies signals through the state-update primitive.
type Processor struct {
	rec *engagement.Recorder
	sup Suppressor
	log *logger.Logger
}

func NewProcessor(rec *engagement.Recorder, sup Suppressor) *Processor {
	return &Processor{rec: rec, sup: sup, log: logger.With("component", "ingest")}
}

// Handle is an ingest Handler. Unresolvable identifiers are dropped with a
// log line and reported as success so they are not redelivered.
func (p *Processor) Handle(ctx context.Context, s Signal) error {
	var (
		res *engagement.Result
		err error
	)
	switch s.Kind {
	case KindOpen:
		res, err = p.rec.RecordOpen(ctx, s.PixelID, s.hit())
	case KindClick:
		res, err = p.rec.RecordClick(ctx, s.LinkID, s.hit())
	case KindProvider:
		res, err = p.provider(ctx, s)
	default:
		metrics.Signals.WithLabelValues(string(s.Kind), "invalid").Inc()
		p.log.Warn("unknown signal kind", "kind", string(s.Kind))
		return nil
	}

	switch {
	case errors.Is(err, engagement.ErrUnresolved):
		metrics.Signals.WithLabelValues(string(s.Kind), "unresolved").Inc()
		p.log.Info("dropping unresolved signal", "kind", string(s.Kind), "err", err)
		return nil
	case err != nil:
		metrics.Signals.WithLabelValues(string(s.Kind), "error").Inc()
		return fmt.Errorf("process %s signal: %w", s.Kind, err)
	}

	outcome := "noop"
	if res.Outcome.Changed {
		outcome = "applied"
	}
	metrics.Signals.WithLabelValues(string(s.Kind), outcome).Inc()
	return nil
}

func (p *Processor) provider(ctx context.Context, s Signal) (*engagement.Result, error) {
	res, err := p.rec.RecordProviderEvent(ctx, s.MessageID, domain.Occurrence{
		Kind:    s.Event,
		At:      s.At,
		Detail:  s.Detail,
		Payload: s.Payload,
	})
	if err != nil {
		return nil, err
	}
	if reason := suppressionReason(s); reason != "" && p.sup != nil {
		if err := p.sup.Suppress(ctx, res.Recipient.Email, reason, "provider"); err != nil {
			p.log.Error("suppress after provider event failed", "email", res.Recipient.Email, "err", err)
		}
	}
	return res, nil
}

// suppressionReason is set for complaints and permanent bounces.
func suppressionReason(s Signal) string {
	switch s.Event {
	case domain.EventComplained:
		return domain.SuppressComplaint
	case domain.EventBounced:
		if t, _ := s.Payload["bounce_type"].(string); strings.EqualFold(t, "Permanent") {
			return domain.SuppressHardBounce
		}
	}
	return ""
}
