package campaign

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/worker"
)

// Service implements campaign submission. All public methods are safe for
// concurrent use if the underlying repository and queue are.
type Service struct {
	repo  Repository
	queue JobQueue
	gate  Gate
	log   *logger.Logger
}

// Gate refuses new submissions while the dispatch queue drains.
// *worker.BackpressureMonitor satisfies it.
type Gate interface {
	Paused() bool
}

// NewService creates a campaign service backed by the given repository and
// job queue.
func NewService(repo Repository, queue JobQueue) *Service {
	return &Service{repo: repo, queue: queue, log: logger.With("component", "campaign")}
}

// WithGate makes Submit return ErrBusy while g is paused.
func (s *Service) WithGate(g Gate) *Service {
	s.gate = g
	return s
}

// Get returns a campaign owned by userID.
func (s *Service) Get(ctx context.Context, userID, id string) (*domain.Campaign, error) {
	c, err := s.repo.GetCampaign(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	if c.UserID != userID {
		return nil, ErrNotOwner
	}
	return c, nil
}

// Submit prechecks a campaign and enqueues its dispatch job. A campaign
// with a job already pending or running returns worker.ErrAlreadyQueued.
// The worker repeats the full validation when the job runs.
func (s *Service) Submit(ctx context.Context, userID, campaignID string) (*worker.Job, error) {
	c, err := s.Get(ctx, userID, campaignID)
	if err != nil {
		return nil, err
	}
	if err := s.precheck(ctx, c); err != nil {
		return nil, err
	}
	if s.gate != nil && s.gate.Paused() {
		return nil, ErrBusy
	}

	job, err := s.queue.Enqueue(ctx, c.ID, userID)
	if err != nil {
		if errors.Is(err, worker.ErrAlreadyQueued) {
			return nil, err
		}
		return nil, fmt.Errorf("enqueue campaign: %w", err)
	}
	s.log.Info("campaign queued", "campaign_id", c.ID, "user_id", userID, "job_id", job.ID)
	return job, nil
}

// Progress returns the job metadata of the campaign's latest dispatch.
func (s *Service) Progress(ctx context.Context, userID, campaignID string) (map[string]string, error) {
	if _, err := s.Get(ctx, userID, campaignID); err != nil {
		return nil, err
	}
	return s.queue.Progress(ctx, campaignID)
}

func (s *Service) precheck(ctx context.Context, c *domain.Campaign) error {
	switch c.Status {
	case domain.CampaignSending, domain.CampaignCompleted:
		return fmt.Errorf("%w: campaign is already %s", ErrValidation, c.Status)
	}
	if c.Subject == "" {
		return fmt.Errorf("%w: subject is required", ErrValidation)
	}
	if c.HTMLBody == "" {
		return fmt.Errorf("%w: HTML body is required", ErrValidation)
	}
	if c.CredentialID == nil || *c.CredentialID == "" {
		return fmt.Errorf("%w: an SMTP credential is required", ErrValidation)
	}
	cred, err := s.repo.GetCredential(ctx, *c.CredentialID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: SMTP credential not found", ErrValidation)
	}
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if cred.UserID != "" && cred.UserID != c.UserID {
		return fmt.Errorf("%w: SMTP credential belongs to another user", ErrValidation)
	}
	if !cred.Verified {
		return fmt.Errorf("%w: SMTP credential is not verified", ErrValidation)
	}
	return nil
}
