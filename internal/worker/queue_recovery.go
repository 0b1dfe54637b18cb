package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/campaign-engine/internal/broadcast"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/metrics"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/robfig/cron/v3"
)

// =============================================================================
// RECOVERY WORKER - Reclaims Stuck Campaigns & Audits the Ledger
// =============================================================================
// If a worker dies mid-job its payload stays on the processing list and the
// campaign may stay in 'sending' behind its dedup key. The stuck sweep first
// puts such orphaned jobs back on the pending list, then resets campaigns
// left in sending (no live dispatch lock, not touched for the stale window)
// to draft and makes sure a job exists for them. The send loop is resumable
// so nothing is sent twice.
//
// The reconcile sweep recomputes counters for recently active campaigns and
// reports recipients whose state has no backing ledger entry.

const (
	DefaultStuckSchedule     = "@every 1m"
	DefaultStaleAfter        = 15 * time.Minute
	DefaultReconcileSchedule = "@every 15m"
	DefaultReconcileWindow   = 24 * time.Hour
)

// RecoveryStore is the persistence the sweeps need.
type RecoveryStore interface {
	StaleSendingCampaigns(ctx context.Context, before time.Time) ([]domain.Campaign, error)
	SetCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus) error
	ActiveCampaignIDs(ctx context.Context, since time.Time) ([]string, error)
	// LedgerCounts counts distinct recipients per event kind.
	LedgerCounts(ctx context.Context, campaignID string) (map[domain.EventKind]int, error)
}

// Requeuer reclaims and resubmits campaign jobs. *JobQueue satisfies it.
type Requeuer interface {
	Orphans(ctx context.Context, before time.Time) ([]*Job, error)
	Requeue(ctx context.Context, job *Job) (bool, error)
	Enqueue(ctx context.Context, campaignID, userID string) (*Job, error)
}

// LockProbe reports whether a dispatch lock is currently held.
type LockProbe func(ctx context.Context, key string) (bool, error)

// Refresher recomputes campaign counters. *engagement.Recorder satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, campaignID string) (domain.CampaignStats, error)
}

// RecoveryConfig schedules the sweeps.
type RecoveryConfig struct {
	StuckSchedule     string
	StaleAfter        time.Duration
	ReconcileSchedule string
	ReconcileWindow   time.Duration
}

// RecoveryWorker periodically reclaims stuck campaigns and audits counters.
type RecoveryWorker struct {
	store   RecoveryStore
	jobs    Requeuer
	locked  LockProbe
	refresh Refresher
	pub     broadcast.Publisher
	cfg     RecoveryConfig
	now     func() time.Time
	log     *logger.Logger
}

func NewRecoveryWorker(store RecoveryStore, jobs Requeuer, locked LockProbe, refresh Refresher,
	pub broadcast.Publisher, cfg RecoveryConfig) *RecoveryWorker {
	if cfg.StuckSchedule == "" {
		cfg.StuckSchedule = DefaultStuckSchedule
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.ReconcileSchedule == "" {
		cfg.ReconcileSchedule = DefaultReconcileSchedule
	}
	if cfg.ReconcileWindow <= 0 {
		cfg.ReconcileWindow = DefaultReconcileWindow
	}
	if pub == nil {
		pub = broadcast.Discard{}
	}
	return &RecoveryWorker{
		store:   store,
		jobs:    jobs,
		locked:  locked,
		refresh: refresh,
		pub:     pub,
		cfg:     cfg,
		now:     time.Now,
		log:     logger.With("component", "recovery"),
	}
}

// Start schedules both sweeps and blocks until ctx is cancelled.
func (w *RecoveryWorker) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(w.cfg.StuckSchedule, func() { w.run(ctx, "stuck", w.SweepStuck) }); err != nil {
		return fmt.Errorf("schedule stuck sweep %q: %w", w.cfg.StuckSchedule, err)
	}
	if _, err := c.AddFunc(w.cfg.ReconcileSchedule, func() { w.run(ctx, "reconcile", w.Reconcile) }); err != nil {
		return fmt.Errorf("schedule reconcile sweep %q: %w", w.cfg.ReconcileSchedule, err)
	}

	w.log.Info("starting", "stuck_schedule", w.cfg.StuckSchedule, "stale_after", w.cfg.StaleAfter.String(),
		"reconcile_schedule", w.cfg.ReconcileSchedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	w.log.Info("stopping")
	return nil
}

func (w *RecoveryWorker) run(ctx context.Context, name string, sweep func(context.Context) (int, error)) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	n, err := sweep(sweepCtx)
	if err != nil {
		w.log.Error("sweep failed", "sweep", name, "err", err)
		return
	}
	if n > 0 {
		w.log.Info("sweep finished", "sweep", name, "affected", n)
	}
}

// ReclaimOrphans requeues jobs that a dead worker took off the pending list
// without settling. It returns how many jobs went back.
func (w *RecoveryWorker) ReclaimOrphans(ctx context.Context) (int, error) {
	orphans, err := w.jobs.Orphans(ctx, w.now().Add(-w.cfg.StaleAfter))
	if err != nil {
		return 0, fmt.Errorf("list orphaned jobs: %w", err)
	}
	requeued := 0
	for _, job := range orphans {
		held, err := w.locked(ctx, LockKey(job.CampaignID))
		if err != nil {
			w.log.Warn("probe dispatch lock", "campaign_id", job.CampaignID, "err", err)
			continue
		}
		if held {
			continue
		}
		ok, err := w.jobs.Requeue(ctx, job)
		if err != nil {
			w.log.Error("requeue orphaned job", "campaign_id", job.CampaignID, "err", err)
			continue
		}
		if ok {
			requeued++
			w.log.Warn("requeued orphaned job", "campaign_id", job.CampaignID, "attempt", job.Attempt)
		}
	}
	return requeued, nil
}

// SweepStuck reclaims orphaned jobs, then resets and requeues campaigns
// left in sending by a dead worker. It returns how many campaigns were
// reset.
func (w *RecoveryWorker) SweepStuck(ctx context.Context) (int, error) {
	if _, err := w.ReclaimOrphans(ctx); err != nil {
		w.log.Error("reclaim orphaned jobs", "err", err)
	}

	stale, err := w.store.StaleSendingCampaigns(ctx, w.now().Add(-w.cfg.StaleAfter))
	if err != nil {
		return 0, fmt.Errorf("list stale campaigns: %w", err)
	}

	reset := 0
	for _, c := range stale {
		held, err := w.locked(ctx, LockKey(c.ID))
		if err != nil {
			w.log.Warn("probe dispatch lock", "campaign_id", c.ID, "err", err)
			continue
		}
		if held {
			continue
		}
		if err := w.store.SetCampaignStatus(ctx, c.ID, domain.CampaignDraft); err != nil {
			w.log.Error("reset stuck campaign", "campaign_id", c.ID, "err", err)
			continue
		}
		reset++
		metrics.RecoveredCampaigns.Inc()
		w.pub.Publish(ctx, broadcast.New(broadcast.CampaignStatusChange, c.ID, broadcast.StatusChange{
			From: domain.CampaignSending, To: domain.CampaignDraft, Error: "dispatch interrupted; requeued",
		}))

		_, err = w.jobs.Enqueue(ctx, c.ID, c.UserID)
		if errors.Is(err, ErrAlreadyQueued) {
			continue
		}
		if err != nil {
			w.log.Error("requeue stuck campaign", "campaign_id", c.ID, "err", err)
			continue
		}
		w.log.Warn("requeued stuck campaign", "campaign_id", c.ID)
	}
	return reset, nil
}

// auditedKinds are the kinds whose recipient timestamp can only be set by
// an event of the same kind, so the ledger must cover every counted row.
var auditedKinds = []domain.EventKind{
	domain.EventSent, domain.EventClicked, domain.EventReplied, domain.EventBounced,
}

func statFor(s domain.CampaignStats, k domain.EventKind) int {
	switch k {
	case domain.EventSent:
		return s.Sent
	case domain.EventClicked:
		return s.Clicked
	case domain.EventReplied:
		return s.Replied
	case domain.EventBounced:
		return s.Bounced
	}
	return 0
}

// Reconcile recomputes counters for every campaign with recent ledger
// activity and counts drift between rows and ledger. It returns the number
// of campaigns with drift.
func (w *RecoveryWorker) Reconcile(ctx context.Context) (int, error) {
	ids, err := w.store.ActiveCampaignIDs(ctx, w.now().Add(-w.cfg.ReconcileWindow))
	if err != nil {
		return 0, fmt.Errorf("list active campaigns: %w", err)
	}

	drifted := 0
	for _, id := range ids {
		stats, err := w.refresh.Refresh(ctx, id)
		if err != nil {
			w.log.Warn("recompute stats", "campaign_id", id, "err", err)
			continue
		}
		ledger, err := w.store.LedgerCounts(ctx, id)
		if err != nil {
			w.log.Warn("count ledger", "campaign_id", id, "err", err)
			continue
		}
		bad := false
		for _, k := range auditedKinds {
			if rows := statFor(stats, k); rows > ledger[k] {
				bad = true
				metrics.LedgerDrift.WithLabelValues(k.String()).Inc()
				w.log.Warn("ledger drift", "campaign_id", id, "kind", k.String(),
					"rows", rows, "ledger", ledger[k])
			}
		}
		if bad {
			drifted++
		}
	}
	return drifted, nil
}
